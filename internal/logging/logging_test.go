package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewRendersTimezoneAndLevel(t *testing.T) {
	defer func() { zerolog.TimestampFunc = time.Now }()
	if err := SetTimezone("America/Sao_Paulo"); err != nil {
		t.Fatalf("设置时区失败: %v", err)
	}

	var buf bytes.Buffer
	logger := New(Config{Level: "warn"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Str("job", "reconcile").Msg("visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("info 级别应被过滤, 实际输出 %q", buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("输出不是 JSON: %v", err)
	}
	if entry["job"] != "reconcile" || entry["level"] != "warn" {
		t.Fatalf("字段缺失: %v", entry)
	}
	ts, _ := entry["time"].(string)
	if !strings.HasSuffix(ts, "-03:00") {
		t.Fatalf("时间戳应使用圣保罗时区: %q", ts)
	}
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Format: "console"}, &buf)
	logger.Info().Msg("olá")
	if !strings.Contains(buf.String(), "olá") || strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("console 格式输出错误: %q", buf.String())
	}
}

func TestNewLeavesTimestampFuncAlone(t *testing.T) {
	defer func() { zerolog.TimestampFunc = time.Now }()
	if err := SetTimezone("America/Sao_Paulo"); err != nil {
		t.Fatalf("设置时区失败: %v", err)
	}
	var first, second bytes.Buffer
	a := New(Config{Timezone: "Asia/Tokyo"}, &first)
	New(Config{Timezone: "UTC"}, &second)
	a.Info().Msg("x")

	if !strings.Contains(first.String(), "-03:00") {
		t.Fatalf("构造其他 logger 不应改变已有 logger 的时区: %s", first.String())
	}
}

func TestSetTimezoneRejectsUnknownZone(t *testing.T) {
	if err := SetTimezone("Mars/Olympus"); err == nil {
		t.Fatal("未知时区应返回错误")
	}
}
