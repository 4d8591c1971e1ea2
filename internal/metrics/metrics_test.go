package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RemoteAttempt("ok", time.Second)
	m.RateLimitWait(time.Second)
	m.AccountResolved("normal", "resolved")
	m.ReconcileIteration("ok", 0)
	m.SinkWrite("jaci", errors.New("boom"))
	m.RowsAppended("jaci", 3)
	m.Success("reconcile", time.Now())
}

func TestRouterServesMetricsAndHealth(t *testing.T) {
	m := New()
	m.RemoteAttempt("gateway_timeout", 2*time.Second)
	m.SinkWrite("IUGU Subcontas", nil)

	srv := httptest.NewServer(m.Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("请求 /metrics 失败: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	text := string(body)
	if !strings.Contains(text, `dailybalance_remote_attempts_total{outcome="gateway_timeout"} 1`) {
		t.Fatalf("缺少 remote attempts 指标:\n%s", text)
	}
	if !strings.Contains(text, `dailybalance_sink_writes_total{result="ok",tab="IUGU Subcontas"} 1`) {
		t.Fatalf("缺少 sink writes 指标:\n%s", text)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("请求 /healthz 失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz 状态码应为 200, 实际 %d", resp.StatusCode)
	}
}
