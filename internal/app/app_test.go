package app

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/alerting"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/config"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/remote"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/storage"
)

func testApp(cfg config.Config) *App {
	return NewApp(&cfg, zerolog.Nop())
}

func TestLargeAccountsConvertsSeconds(t *testing.T) {
	a := testApp(config.Config{Accounts: config.AccountsConfig{
		Large: map[string]config.LargeAccountConfig{"9F3A": {Timeout: 180, Retries: 4, BatchSize: 1}},
	}})
	got := a.largeAccounts()["9F3A"]
	if got.Timeout != 3*time.Minute || got.Retries != 4 || got.BatchSize != 1 {
		t.Fatalf("大账户配置转换错误: %+v", got)
	}
}

func TestNewDialerFollowsTransport(t *testing.T) {
	a := testApp(config.Config{Remote: config.RemoteConfig{Transport: "http"}})
	if _, ok := a.newDialer().(remote.HTTPDialer); !ok {
		t.Fatal("http 传输应使用 HTTPDialer")
	}
	a = testApp(config.Config{Remote: config.RemoteConfig{Transport: "ssh"}})
	if _, ok := a.newDialer().(*remote.SSHDialer); !ok {
		t.Fatal("ssh 传输应使用 SSHDialer")
	}
}

func TestNewNotifierFallsBackToLog(t *testing.T) {
	a := testApp(config.Config{})
	if _, ok := a.newNotifier().(*alerting.LogNotifier); !ok {
		t.Fatal("未启用 Telegram 时应使用日志告警")
	}
}

func TestParseCellsRejectsGarbage(t *testing.T) {
	cells, err := parseCells("B1", "A2")
	if err != nil || cells[0].A1() != "B1" || cells[1].A1() != "A2" {
		t.Fatalf("解析单元格失败: %v %v", cells, err)
	}
	if _, err := parseCells("1B"); !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("非法单元格应返回 ErrInvalid: %v", err)
	}
}

func TestResolvePath(t *testing.T) {
	a := testApp(config.Config{Export: config.ExportConfig{Dir: "exports"}})
	if got := a.resolvePath("saldo.csv"); got != filepath.Join("exports", "saldo.csv") {
		t.Fatalf("文件名应落在导出目录: %s", got)
	}
	if got := a.resolvePath("/tmp/saldo.csv"); got != "/tmp/saldo.csv" {
		t.Fatalf("完整路径不应改写: %s", got)
	}
}

func TestWriteBalancesLimit(t *testing.T) {
	balances := []storage.MerchantBalance{
		{MerchantID: 1, Name: "Loja\nA", Current: decimal.RequireFromString("800"), NetMovement: decimal.RequireFromString("50.50")},
		{MerchantID: 2, Name: "Loja B", Current: decimal.RequireFromString("15")},
	}
	var buf bytes.Buffer
	writeBalances(&buf, balances, 1)

	out := buf.String()
	if !strings.Contains(out, "Loja A") || !strings.Contains(out, "749.50") {
		t.Fatalf("输出缺少第一行: %q", out)
	}
	if strings.Contains(out, "Loja B") {
		t.Fatalf("limit 应截断输出: %q", out)
	}
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	printTable(&buf, [][]string{{"Account", "saldo_cents"}, {"A", "1500.75"}})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[1], "A") || !strings.HasSuffix(lines[1], "1500.75") {
		t.Fatalf("表格输出错误: %q", buf.String())
	}
}

func TestWriteBalancesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "saldo.csv")
	err := writeBalancesCSV(path, []storage.MerchantBalance{
		{MerchantID: 7, Name: "Loja", Current: decimal.RequireFromString("10"), NetMovement: decimal.RequireFromString("2.5")},
	})
	if err != nil {
		t.Fatalf("写 CSV 失败: %v", err)
	}
}
