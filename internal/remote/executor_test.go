package remote

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/pacing/pacingtest"
)

var epoch = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type scripted struct {
	reply Reply
	err   error
}

type fakeTransport struct {
	script []scripted
	urls   []string
}

func (f *fakeTransport) Fetch(_ context.Context, rawURL string, _ time.Duration) (Reply, error) {
	f.urls = append(f.urls, rawURL)
	if len(f.script) == 0 {
		return Reply{}, errors.New("script exhausted")
	}
	next := f.script[0]
	f.script = f.script[1:]
	return next.reply, next.err
}

func (f *fakeTransport) Close() error { return nil }

type countingGate struct{ n int }

func (g *countingGate) Acquire(context.Context) error {
	g.n++
	return nil
}

func body(s string) scripted { return scripted{reply: Reply{Status: 200, Body: []byte(s)}} }

func newTestExecutor(tr Transport, gate Gate, clk *pacingtest.Clock) *Executor {
	return NewExecutor(ExecutorOptions{BaseURL: "https://api.iugu.com/v1/accounts/financial"}, tr, gate, clk, nil, zerolog.Nop())
}

func TestCallSucceedsFirstAttempt(t *testing.T) {
	clk := pacingtest.NewClock(epoch)
	tr := &fakeTransport{script: []scripted{body(`{"transactions_total": 120, "transactions": []}`)}}
	gate := &countingGate{}

	fin, err := newTestExecutor(tr, gate, clk).Call(context.Background(), Request{Token: "tok"}, CallOptions{Timeout: 30 * time.Second, MaxRetries: 2})
	if err != nil {
		t.Fatalf("不应失败: %v", err)
	}
	total, ok := fin.Total()
	if !ok || total != 120 {
		t.Fatalf("期望 transactions_total=120, 实际 %d (%v)", total, ok)
	}
	if gate.n != 1 {
		t.Fatalf("每次尝试都应经过限流器, 实际 %d", gate.n)
	}
	if len(clk.Sleeps()) != 0 {
		t.Fatalf("成功时不应等待: %v", clk.Sleeps())
	}
}

func TestCallGatewayTimeoutBacksOffOnce(t *testing.T) {
	clk := pacingtest.NewClock(epoch)
	tr := &fakeTransport{script: []scripted{
		body("error code: 504"),
		body(`{"transactions_total": 3}`),
	}}
	gate := &countingGate{}

	fin, err := newTestExecutor(tr, gate, clk).Call(context.Background(), Request{Token: "tok"}, CallOptions{MaxRetries: 5})
	if err != nil {
		t.Fatalf("第二次尝试应成功: %v", err)
	}
	if total, _ := fin.Total(); total != 3 {
		t.Fatalf("期望 3, 实际 %d", total)
	}
	sleeps := clk.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 10*time.Second {
		t.Fatalf("504 后应只等待一次 10s, 实际 %v", sleeps)
	}
	if gate.n != 2 {
		t.Fatalf("期望 2 次限流许可, 实际 %d", gate.n)
	}
}

func TestCallHTTP504StatusIsGatewayTimeout(t *testing.T) {
	clk := pacingtest.NewClock(epoch)
	tr := &fakeTransport{script: []scripted{
		{reply: Reply{Status: 504, Body: []byte("<html>gateway</html>")}},
	}}

	_, err := newTestExecutor(tr, nil, clk).Call(context.Background(), Request{Token: "tok"}, CallOptions{MaxRetries: 1})
	var te *TransientError
	if !errors.As(err, &te) || te.Kind != KindGatewayTimeout {
		t.Fatalf("期望 gateway_timeout, 实际 %v", err)
	}
}

func TestCallRetriesServerErrorWithJSONBody(t *testing.T) {
	clk := pacingtest.NewClock(epoch)
	tr := &fakeTransport{script: []scripted{
		{reply: Reply{Status: 503, Body: []byte(`{"errors":"unavailable"}`)}},
		body(`{"transactions_total": 7}`),
	}}

	fin, err := newTestExecutor(tr, nil, clk).Call(context.Background(), Request{Token: "tok"}, CallOptions{MaxRetries: 2})
	if err != nil {
		t.Fatalf("5xx 后的重试应成功: %v", err)
	}
	if total, ok := fin.Total(); !ok || total != 7 {
		t.Fatalf("应返回第二次应答的数据, 实际 %d (%v)", total, ok)
	}
	if len(tr.urls) != 2 {
		t.Fatalf("5xx 应触发重试, 实际请求 %d 次", len(tr.urls))
	}
	sleeps := clk.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 5*time.Second {
		t.Fatalf("5xx 后应等待 5s, 实际 %v", sleeps)
	}
}

func TestCallServerErrorExhaustion(t *testing.T) {
	clk := pacingtest.NewClock(epoch)
	tr := &fakeTransport{script: []scripted{
		{reply: Reply{Status: 500, Body: []byte(`{}`)}},
	}}

	_, err := newTestExecutor(tr, nil, clk).Call(context.Background(), Request{Token: "tok"}, CallOptions{MaxRetries: 1})
	var te *TransientError
	if !errors.As(err, &te) || te.Kind != KindServerError {
		t.Fatalf("期望 server_error, 实际 %v", err)
	}
}

func TestCallExhaustionDoesNotSleepAfterLastAttempt(t *testing.T) {
	clk := pacingtest.NewClock(epoch)
	tr := &fakeTransport{script: []scripted{
		{reply: Reply{Stderr: []byte("curl: (6) Could not resolve host")}},
		{reply: Reply{Stderr: []byte("curl: (6) Could not resolve host")}},
	}}

	fin, err := newTestExecutor(tr, nil, clk).Call(context.Background(), Request{Token: "tok"}, CallOptions{MaxRetries: 2})
	if fin != nil {
		t.Fatal("耗尽重试时不应返回数据")
	}
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("应匹配 ErrExhausted, 实际 %v", err)
	}
	var te *TransientError
	if !errors.As(err, &te) || te.Kind != KindStderr || te.Attempts != 2 {
		t.Fatalf("期望 stderr 且尝试 2 次, 实际 %+v", te)
	}
	sleeps := clk.Sleeps()
	if len(sleeps) != 1 || sleeps[0] != 5*time.Second {
		t.Fatalf("最后一次失败后不应再等待, 实际 %v", sleeps)
	}
}

func TestCallClassifiesDecodeAndTransportFailures(t *testing.T) {
	clk := pacingtest.NewClock(epoch)
	tr := &fakeTransport{script: []scripted{
		body("<html>not json</html>"),
		{err: errors.New("connection reset")},
		body(`{"transactions_total": 0}`),
	}}

	if _, err := newTestExecutor(tr, nil, clk).Call(context.Background(), Request{Token: "tok"}, CallOptions{MaxRetries: 3}); err != nil {
		t.Fatalf("第三次尝试应成功: %v", err)
	}
	if clk.Count(5*time.Second) != 2 || len(clk.Sleeps()) != 2 {
		t.Fatalf("解析失败和传输失败都应等待 5s, 实际 %v", clk.Sleeps())
	}
}

func TestCallStopsOnCancelledContext(t *testing.T) {
	clk := pacingtest.NewClock(epoch)
	tr := &fakeTransport{script: []scripted{body("error code: 504"), body("{}")}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestExecutor(tr, nil, clk).Call(ctx, Request{Token: "tok"}, CallOptions{MaxRetries: 2})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled, 实际 %v", err)
	}
}

func TestRequestURLAndRedact(t *testing.T) {
	raw, err := Request{Token: "secret", Start: Offset(70), Limit: 50}.URL("https://api.iugu.com/v1/accounts/financial")
	if err != nil {
		t.Fatalf("构造 URL 不应失败: %v", err)
	}
	u, _ := url.Parse(raw)
	q := u.Query()
	if q.Get("api_token") != "secret" || q.Get("start") != "70" || q.Get("limit") != "50" {
		t.Fatalf("查询参数不正确: %s", raw)
	}

	redacted := Redact(raw)
	if strings.Contains(redacted, "secret") {
		t.Fatalf("日志中的 URL 不应包含 token: %s", redacted)
	}

	noStart, _ := Request{Token: "t"}.URL("https://x/financial")
	if strings.Contains(noStart, "start=") || strings.Contains(noStart, "limit=") {
		t.Fatalf("未设置时不应带 start/limit: %s", noStart)
	}
}

func TestTransactionCents(t *testing.T) {
	cases := map[string]int64{
		`"150075"`: 150075,
		`150075`:   150075,
		`"-2500"`:  -2500,
		`12.0`:     12,
	}
	for raw, want := range cases {
		got, err := Transaction{BalanceCents: []byte(raw)}.Cents()
		if err != nil || got != want {
			t.Fatalf("%s: 期望 %d, 实际 %d (%v)", raw, want, got, err)
		}
	}
	if _, err := (Transaction{}).Cents(); !errors.Is(err, ErrNoBalance) {
		t.Fatalf("缺少 balance_cents 应返回 ErrNoBalance, 实际 %v", err)
	}
	if _, err := (Transaction{BalanceCents: []byte(`"abc"`)}).Cents(); err == nil {
		t.Fatal("非法数值应返回错误")
	}
}
