package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/accounts"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/alerting"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/balance"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/batch"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/pacing/pacingtest"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/remote"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/scheduler"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/sheet"
)

const tab = "IUGU Subcontas"

var epoch = time.Date(2024, 5, 10, 15, 30, 0, 0, time.UTC)

type financialAPI struct {
	calls  int
	closed bool
}

func (f *financialAPI) Fetch(_ context.Context, rawURL string, _ time.Duration) (remote.Reply, error) {
	f.calls++
	u, _ := url.Parse(rawURL)
	if u.Query().Get("api_token") == "broken" {
		return remote.Reply{Body: []byte("not json")}, nil
	}
	if u.Query().Get("start") == "70" {
		return remote.Reply{Body: []byte(`{"transactions_total":120,"transactions":[{"balance_cents":"1"},{"balance_cents":"150075"}]}`)}, nil
	}
	return remote.Reply{Body: []byte(`{"transactions_total":120}`)}, nil
}

func (f *financialAPI) Close() error {
	f.closed = true
	return nil
}

type fakeDialer struct {
	api   *financialAPI
	dials int
	err   error
}

func (d *fakeDialer) Dial(context.Context) (remote.Transport, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.api, nil
}

type recordingNotifier struct{ notes []alerting.Notification }

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.notes = append(r.notes, n)
	return nil
}

type fixture struct {
	roster   accounts.Roster
	sink     *sheet.Memory
	dialer   *fakeDialer
	notifier *recordingNotifier
	clock    *pacingtest.Clock
	job      *SubaccountJob
}

func newFixture(t *testing.T, roster accounts.Roster, mode Mode) *fixture {
	t.Helper()
	f := &fixture{
		roster:   roster,
		sink:     sheet.NewMemory(),
		dialer:   &fakeDialer{api: &financialAPI{}},
		notifier: &recordingNotifier{},
		clock:    pacingtest.NewClock(epoch),
	}
	sp, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		t.Fatalf("加载时区失败: %v", err)
	}

	deps := Dependencies{
		Sink:   f.sink,
		Roster: func(context.Context) (accounts.Roster, error) { return f.roster, nil },
		Dialer: f.dialer,
		NewRunner: func(tr remote.Transport) BatchRunner {
			ex := remote.NewExecutor(remote.ExecutorOptions{BaseURL: "https://api.iugu.com/v1/accounts/financial"}, tr, nil, f.clock, nil, zerolog.Nop())
			res := balance.NewResolver(balance.Options{}, ex, f.clock, nil, zerolog.Nop())
			return batch.NewRunner(batch.Options{}, res, f.clock, zerolog.Nop())
		},
		Notifier: f.notifier,
		Clock:    f.clock,
	}
	if mode == ModeContinuous {
		deps.Scheduler = scheduler.New(scheduler.Options{Interval: time.Hour, RunImmediately: true}, f.clock, zerolog.Nop())
	}
	f.job = NewSubaccountJob(Options{
		Mode:          mode,
		Tab:           tab,
		TriggerCell:   sheet.MustCell("B1"),
		StatusCell:    sheet.MustCell("A1"),
		ResultsAnchor: sheet.MustCell("A2"),
		Location:      sp,
	}, deps, zerolog.Nop())
	return f
}

func single() accounts.Roster {
	return accounts.Roster{{ID: "A", Token: "t1", Active: true, Size: accounts.Normal}}
}

func TestRunOnceTriggerFalseDoesNothing(t *testing.T) {
	f := newFixture(t, single(), ModeGatedOnce)
	f.sink.Set(tab, sheet.MustCell("B1"), "FALSE")
	f.sink.Set(tab, sheet.MustCell("A1"), "Última atualização: ontem")

	ran, err := f.job.RunOnce(context.Background())
	if err != nil || ran {
		t.Fatalf("触发器为 FALSE 时不应运行: ran=%v err=%v", ran, err)
	}
	if f.dialer.dials != 0 || f.dialer.api.calls != 0 {
		t.Fatalf("不应有任何远程调用: dials=%d calls=%d", f.dialer.dials, f.dialer.api.calls)
	}
	if got := f.sink.Get(tab, sheet.MustCell("A1")); got != "Última atualização: ontem" {
		t.Fatalf("状态单元格不应被修改: %q", got)
	}
	if f.sink.Writes() != 0 {
		t.Fatalf("不应有任何写入, 实际 %d", f.sink.Writes())
	}
}

func TestRunOncePublishesResultsAndResetsTrigger(t *testing.T) {
	f := newFixture(t, single(), ModeGatedOnce)
	f.sink.Set(tab, sheet.MustCell("B1"), " true ")

	ran, err := f.job.RunOnce(context.Background())
	if err != nil || !ran {
		t.Fatalf("应成功运行: ran=%v err=%v", ran, err)
	}

	rows := f.sink.Rows(tab)
	if len(rows) < 3 {
		t.Fatalf("结果未写入: %v", rows)
	}
	if strings.Join(rows[1], ",") != "Account,transactions_total,saldo_cents" {
		t.Fatalf("表头错误: %v", rows[1])
	}
	if strings.Join(rows[2], ",") != "A,120,1500.75" {
		t.Fatalf("结果行错误: %v", rows[2])
	}
	if got := f.sink.Get(tab, sheet.MustCell("B1")); got != "FALSE" {
		t.Fatalf("运行后触发器应重置为 FALSE, 实际 %q", got)
	}
	if got := f.sink.Get(tab, sheet.MustCell("A1")); got != "Última atualização: 2024-05-10 12:30:00" {
		t.Fatalf("状态应为圣保罗本地时间, 实际 %q", got)
	}
	if !f.dialer.api.closed {
		t.Fatal("运行结束应关闭传输")
	}
	if len(f.notifier.notes) != 0 {
		t.Fatalf("全部成功时不应告警: %+v", f.notifier.notes)
	}
}

func TestRunOnceFailureStillResetsTrigger(t *testing.T) {
	f := newFixture(t, single(), ModeGatedOnce)
	f.dialer.err = errors.New("ssh: handshake failed")
	f.sink.Set(tab, sheet.MustCell("B1"), "TRUE")

	ran, err := f.job.RunOnce(context.Background())
	if !ran || err == nil {
		t.Fatalf("应运行且返回错误: ran=%v err=%v", ran, err)
	}
	if got := f.sink.Get(tab, sheet.MustCell("B1")); got != "FALSE" {
		t.Fatalf("失败后也应重置触发器, 实际 %q", got)
	}
	if got := f.sink.Get(tab, sheet.MustCell("A1")); !strings.HasPrefix(got, "Erro: ") || !strings.Contains(got, "handshake") {
		t.Fatalf("状态应包含错误信息, 实际 %q", got)
	}
	if len(f.notifier.notes) != 1 || f.notifier.notes[0].Cause == "" {
		t.Fatalf("失败应告警: %+v", f.notifier.notes)
	}
}

func TestRunOnceNoActiveAccountsKeepsSheet(t *testing.T) {
	f := newFixture(t, accounts.Roster{{ID: "off", Token: "t", Active: false}}, ModeGatedOnce)
	f.sink.Set(tab, sheet.MustCell("B1"), "TRUE")

	_, err := f.job.RunOnce(context.Background())
	if !errors.Is(err, ErrNoResults) {
		t.Fatalf("期望 ErrNoResults, 实际 %v", err)
	}
	if got := f.sink.Get(tab, sheet.MustCell("A1")); got != StatusNoResults {
		t.Fatalf("状态错误: %q", got)
	}
	if got := f.sink.Get(tab, sheet.MustCell("A3")); got != "" {
		t.Fatalf("没有结果时不应覆盖表格: %q", got)
	}
}

func TestRunOnceUnresolvedAccountsStillPublish(t *testing.T) {
	f := newFixture(t, accounts.Roster{{ID: "X", Token: "broken", Active: true, Size: accounts.Normal}}, ModeGatedOnce)
	f.sink.Set(tab, sheet.MustCell("B1"), "TRUE")

	ran, err := f.job.RunOnce(context.Background())
	if !ran || err != nil {
		t.Fatalf("未解析的账户也应正常发布: ran=%v err=%v", ran, err)
	}
	rows := f.sink.Rows(tab)
	if len(rows) < 3 || strings.Join(rows[2], ",") != "X,0,0.00" {
		t.Fatalf("未解析账户应写入零值行, 实际 %v", rows)
	}
	if got := f.sink.Get(tab, sheet.MustCell("A1")); !strings.HasPrefix(got, "Última atualização: ") {
		t.Fatalf("状态应为更新时间, 实际 %q", got)
	}
	if len(f.notifier.notes) != 1 || f.notifier.notes[0].Resolved != 0 {
		t.Fatalf("全部未解析时应额外告警: %+v", f.notifier.notes)
	}
}

func TestRunOnceShrinkingRosterClearsOldRows(t *testing.T) {
	f := newFixture(t, accounts.Roster{
		{ID: "A", Token: "t1", Active: true, Size: accounts.Normal},
		{ID: "B", Token: "t2", Active: true, Size: accounts.Normal},
	}, ModeGatedOnce)

	f.sink.Set(tab, sheet.MustCell("B1"), "TRUE")
	if _, err := f.job.RunOnce(context.Background()); err != nil {
		t.Fatalf("第一次运行失败: %v", err)
	}
	if got := f.sink.Get(tab, sheet.MustCell("A4")); got != "B" {
		t.Fatalf("第一次运行应写入 B, 实际 %q", got)
	}

	f.roster = single()
	f.sink.Set(tab, sheet.MustCell("B1"), "TRUE")
	if _, err := f.job.RunOnce(context.Background()); err != nil {
		t.Fatalf("第二次运行失败: %v", err)
	}
	rows := f.sink.Rows(tab)
	if len(rows) != 3 || strings.Join(rows[2], ",") != "A,120,1500.75" {
		t.Fatalf("名单缩小后旧行应被清除, 实际 %v", rows)
	}
}

func TestContinuousModeIgnoresTrigger(t *testing.T) {
	f := newFixture(t, single(), ModeContinuous)
	f.sink.Set(tab, sheet.MustCell("B1"), "FALSE")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.job.deps.NewRunner = func(tr remote.Transport) BatchRunner {
		return cancelAfter{cancel: cancel}
	}

	if err := f.job.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("持续模式应运行到取消, 实际 %v", err)
	}
	if f.dialer.dials != 1 {
		t.Fatalf("持续模式应忽略触发器并运行一次, 实际 %d", f.dialer.dials)
	}
	if got := f.sink.Get(tab, sheet.MustCell("B1")); got != "FALSE" {
		t.Fatalf("持续模式不应修改触发器: %q", got)
	}
}

type cancelAfter struct{ cancel context.CancelFunc }

func (c cancelAfter) Run(context.Context, accounts.Roster) ([]balance.Result, error) {
	c.cancel()
	return []balance.Result{{AccountID: "A", Outcome: balance.Resolved}}, nil
}

func TestParseMode(t *testing.T) {
	if m, err := ParseMode("Continuous"); err != nil || m != ModeContinuous {
		t.Fatalf("解析失败: %v %v", m, err)
	}
	if m, _ := ParseMode(""); m != ModeGatedOnce {
		t.Fatalf("默认应为 gated-once, 实际 %s", m)
	}
	if _, err := ParseMode("weekly"); err == nil {
		t.Fatal("未知模式应报错")
	}
}
