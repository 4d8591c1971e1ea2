package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/pacing/pacingtest"
)

func TestRunAlignsTicksAndSurvivesErrors(t *testing.T) {
	start := time.Date(2024, 5, 10, 12, 0, 20, 0, time.UTC)
	clk := pacingtest.NewClock(start)
	s := New(Options{Interval: time.Minute, AlignToStart: true}, clk, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ticks []time.Time
	err := s.Run(ctx, func(_ context.Context, at time.Time) error {
		ticks = append(ticks, at)
		if len(ticks) == 3 {
			cancel()
		}
		return errors.New("tick failure is logged, not fatal")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("取消后应返回 context.Canceled, 实际 %v", err)
	}

	want := []time.Time{
		time.Date(2024, 5, 10, 12, 1, 0, 0, time.UTC),
		time.Date(2024, 5, 10, 12, 2, 0, 0, time.UTC),
		time.Date(2024, 5, 10, 12, 3, 0, 0, time.UTC),
	}
	if len(ticks) != len(want) {
		t.Fatalf("期望 %d 次 tick, 实际 %d", len(want), len(ticks))
	}
	for i := range want {
		if !ticks[i].Equal(want[i]) {
			t.Fatalf("第 %d 次 tick 时间错误: 期望 %s, 实际 %s", i+1, want[i], ticks[i])
		}
	}
	if first := clk.Sleeps()[0]; first != 40*time.Second {
		t.Fatalf("首次等待应对齐到整分钟 (40s), 实际 %s", first)
	}
}

func TestRunImmediately(t *testing.T) {
	clk := pacingtest.NewClock(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))
	s := New(Options{Interval: 10 * time.Minute, RunImmediately: true}, clk, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	_ = s.Run(ctx, func(context.Context, time.Time) error {
		calls++
		cancel()
		return nil
	})
	if calls != 1 {
		t.Fatalf("期望 1 次调用, 实际 %d", calls)
	}
	if len(clk.Sleeps()) != 0 {
		t.Fatalf("立即执行时不应等待: %v", clk.Sleeps())
	}
}
