package accounts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/sheet"
)

func seedRoster(m *sheet.Memory, rows ...[]any) {
	_ = m.WriteRows(context.Background(), "Subcontas", sheet.MustCell("A1"),
		[]string{ColumnAccount, ColumnToken, ColumnActive}, rows)
}

func TestLoadFiltersAndClassifies(t *testing.T) {
	m := sheet.NewMemory()
	seedRoster(m,
		[]any{"A", "t1", "SIM"},
		[]any{"B", "t2", "NAO"},
		[]any{"C", "t3", "sim"},
		[]any{"D", "", "SIM"},
		[]any{"", "t5", "SIM"},
	)

	large := map[string]LargeConfig{"C": {Timeout: 120 * time.Second, Retries: 5, BatchSize: 1}}
	roster, err := Load(context.Background(), m, "Subcontas", large)
	if err != nil {
		t.Fatalf("加载名单不应失败: %v", err)
	}
	if len(roster) != 4 {
		t.Fatalf("空 account 行应被跳过, 实际 %d 行", len(roster))
	}

	active := roster.Active()
	if len(active) != 2 || active[0].ID != "A" || active[1].ID != "C" {
		t.Fatalf("只有 NOX=SIM 且有 token 的账户应参与, 实际 %+v", active)
	}

	bigs, normals := roster.Partition()
	if len(bigs) != 1 || bigs[0].ID != "C" || bigs[0].Large.Retries != 5 {
		t.Fatalf("大账户分类错误: %+v", bigs)
	}
	if len(normals) != 1 || normals[0].ID != "A" || normals[0].Size != Normal {
		t.Fatalf("普通账户分类错误: %+v", normals)
	}
}

func TestLoadEmptyRoster(t *testing.T) {
	if _, err := Load(context.Background(), sheet.NewMemory(), "Subcontas", nil); !errors.Is(err, ErrEmptyRoster) {
		t.Fatalf("空名单应返回 ErrEmptyRoster, 实际 %v", err)
	}
}

func TestClassifyIgnoresCase(t *testing.T) {
	r := Classify(Roster{{ID: "9F3A", Active: true}, {ID: "b2", Active: true}},
		map[string]LargeConfig{"9f3a": {Retries: 5}})
	if !r[0].IsLarge() || r[0].Large.Retries != 5 {
		t.Fatalf("大小写不同的 ID 也应识别为大账户: %+v", r[0])
	}
	if r[1].IsLarge() {
		t.Fatal("未配置的账户应为普通账户")
	}
}
