package batch

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/accounts"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/balance"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/pacing/pacingtest"
)

var epoch = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type stubResolver struct {
	seen   []string
	failOn map[string]bool
	cancel func()
	stopAt string
}

func (s *stubResolver) Resolve(_ context.Context, acct accounts.Account) balance.Result {
	s.seen = append(s.seen, acct.ID)
	if s.cancel != nil && acct.ID == s.stopAt {
		s.cancel()
	}
	if s.failOn[acct.ID] {
		return balance.Result{AccountID: acct.ID, Outcome: balance.Unresolved, Reason: "boom"}
	}
	return balance.Result{AccountID: acct.ID, TransactionsTotal: int64(len(acct.ID)), BalanceCents: 100, Outcome: balance.Resolved}
}

func roster() accounts.Roster {
	return accounts.Roster{
		{ID: "n1", Active: true, Size: accounts.Normal},
		{ID: "L1", Active: true, Size: accounts.Large},
		{ID: "n2", Active: true, Size: accounts.Normal},
		{ID: "off", Active: false, Size: accounts.Normal},
		{ID: "n3", Active: true, Size: accounts.Normal},
		{ID: "L2", Active: true, Size: accounts.Large},
		{ID: "n4", Active: true, Size: accounts.Normal},
	}
}

func TestRunOrdersAndPaces(t *testing.T) {
	clk := pacingtest.NewClock(epoch)
	res := &stubResolver{failOn: map[string]bool{"n2": true}}

	results, err := NewRunner(Options{}, res, clk, zerolog.Nop()).Run(context.Background(), roster())
	if err != nil {
		t.Fatalf("不应失败: %v", err)
	}

	wantOrder := []string{"L1", "L2", "n1", "n2", "n3", "n4"}
	if !reflect.DeepEqual(res.seen, wantOrder) {
		t.Fatalf("处理顺序错误: %v", res.seen)
	}
	if len(results) != 6 || results[3].Outcome != balance.Unresolved {
		t.Fatalf("失败账户也应保留在结果中: %+v", results)
	}

	// one pause between L1 and L2, one between the two normal batches
	wantSleeps := []time.Duration{3 * time.Second, time.Second}
	if got := clk.Sleeps(); !reflect.DeepEqual(got, wantSleeps) {
		t.Fatalf("节奏错误: 期望 %v, 实际 %v", wantSleeps, got)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	run := func() []balance.Result {
		out, err := NewRunner(Options{}, &stubResolver{}, pacingtest.NewClock(epoch), zerolog.Nop()).Run(context.Background(), roster())
		if err != nil {
			t.Fatalf("不应失败: %v", err)
		}
		return out
	}
	if first, second := run(), run(); !reflect.DeepEqual(first, second) {
		t.Fatalf("两次运行结果应一致:\n%v\n%v", first, second)
	}
}

func TestRunStopsOnCancellationWithPartialResults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	res := &stubResolver{cancel: cancel, stopAt: "n1"}

	results, err := NewRunner(Options{}, res, pacingtest.NewClock(epoch), zerolog.Nop()).Run(ctx, roster())
	if err == nil {
		t.Fatal("取消后应返回错误")
	}
	if len(results) != 3 || results[2].AccountID != "n1" {
		t.Fatalf("应返回取消前的部分结果, 实际 %+v", results)
	}
}

func TestRunEmptyRoster(t *testing.T) {
	clk := pacingtest.NewClock(epoch)
	results, err := NewRunner(Options{BatchSize: 2}, &stubResolver{}, clk, zerolog.Nop()).Run(context.Background(), nil)
	if err != nil || len(results) != 0 || len(clk.Sleeps()) != 0 {
		t.Fatalf("空名单应直接返回: %v %v %v", results, err, clk.Sleeps())
	}
}
