package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/metrics"
	"github.com/Jpdsbarbosa/daily-balance-v2/internal/pacing"
)

// ErrExhausted is matched by every TransientError.
var ErrExhausted = errors.New("remote call retries exhausted")

// Kind classifies a failed attempt.
type Kind string

const (
	KindTransport      Kind = "transport"
	KindStderr         Kind = "stderr"
	KindGatewayTimeout Kind = "gateway_timeout"
	KindDecode         Kind = "decode"
	KindServerError    Kind = "server_error"
)

// TransientError reports that every attempt failed. Kind and Err describe the last one.
type TransientError struct {
	Kind     Kind
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("remote call failed after %d attempts (%s): %v", e.Attempts, e.Kind, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrExhausted) true.
func (e *TransientError) Is(target error) bool { return target == ErrExhausted }

// Gate is satisfied by *ratelimit.Limiter.
type Gate interface {
	Acquire(ctx context.Context) error
}

// Delays is the fixed wait after each kind of failed attempt.
type Delays struct {
	Transport      time.Duration
	Stderr         time.Duration
	GatewayTimeout time.Duration
	Decode         time.Duration
	ServerError    time.Duration
}

// DefaultDelays mirrors the processor's observed recovery times.
func DefaultDelays() Delays {
	return Delays{
		Transport:      5 * time.Second,
		Stderr:         5 * time.Second,
		GatewayTimeout: 10 * time.Second,
		Decode:         5 * time.Second,
		ServerError:    5 * time.Second,
	}
}

func (d Delays) after(k Kind) time.Duration {
	switch k {
	case KindStderr:
		return d.Stderr
	case KindGatewayTimeout:
		return d.GatewayTimeout
	case KindDecode:
		return d.Decode
	case KindServerError:
		return d.ServerError
	default:
		return d.Transport
	}
}

// CallOptions bound a single logical call.
type CallOptions struct {
	Timeout    time.Duration
	MaxRetries int
}

// ExecutorOptions parameterise the executor.
type ExecutorOptions struct {
	BaseURL string
	Delays  Delays
}

// Executor issues financial queries with fixed-delay retries.
type Executor struct {
	opts      ExecutorOptions
	transport Transport
	gate      Gate
	clock     pacing.Clock
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewExecutor wires a transport behind a rate gate.
func NewExecutor(opts ExecutorOptions, transport Transport, gate Gate, clk pacing.Clock, m *metrics.Metrics, logger zerolog.Logger) *Executor {
	if opts.Delays == (Delays{}) {
		opts.Delays = DefaultDelays()
	}
	if clk == nil {
		clk = pacing.System()
	}
	return &Executor{
		opts:      opts,
		transport: transport,
		gate:      gate,
		clock:     clk,
		metrics:   m,
		logger:    logger.With().Str("component", "remote_executor").Logger(),
	}
}

// Call runs req up to opts.MaxRetries times. Exhaustion yields a
// *TransientError; only a cancelled ctx returns ctx.Err().
func (e *Executor) Call(ctx context.Context, req Request, opts CallOptions) (*Financial, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	rawURL, err := req.URL(e.opts.BaseURL)
	if err != nil {
		return nil, err
	}
	redacted := Redact(rawURL)

	var last *TransientError
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		if e.gate != nil {
			if err := e.gate.Acquire(ctx); err != nil {
				return nil, err
			}
		}

		e.logger.Debug().Int("attempt", attempt).Int("max_retries", opts.MaxRetries).Str("url", redacted).Msg("querying financial endpoint")

		started := e.clock.Now()
		financial, kind, cause := e.attempt(ctx, rawURL, opts.Timeout)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if cause == nil {
			e.metrics.RemoteAttempt("ok", e.clock.Now().Sub(started))
			return financial, nil
		}
		e.metrics.RemoteAttempt(string(kind), e.clock.Now().Sub(started))

		last = &TransientError{Kind: kind, Attempts: attempt, Err: cause}
		wait := e.opts.Delays.after(kind)
		e.logger.Warn().Err(cause).
			Str("kind", string(kind)).
			Int("attempt", attempt).
			Int("max_retries", opts.MaxRetries).
			Dur("backoff", wait).
			Msg("financial query attempt failed")

		if attempt == opts.MaxRetries {
			break
		}
		if err := pacing.Sleep(ctx, e.clock, wait); err != nil {
			return nil, err
		}
	}

	return nil, last
}

func (e *Executor) attempt(ctx context.Context, rawURL string, timeout time.Duration) (*Financial, Kind, error) {
	reply, err := e.transport.Fetch(ctx, rawURL, timeout)
	if err != nil {
		return nil, KindTransport, err
	}
	if stderr := strings.TrimSpace(string(reply.Stderr)); stderr != "" {
		return nil, KindStderr, fmt.Errorf("stderr: %s", stderr)
	}
	if reply.Status == 504 || bytes.Contains(reply.Body, []byte(GatewayTimeoutMarker)) {
		return nil, KindGatewayTimeout, errors.New("gateway timeout")
	}
	if reply.Status >= 500 {
		return nil, KindServerError, fmt.Errorf("status %d: %s", reply.Status, snippet(reply.Body))
	}

	var financial Financial
	if err := json.Unmarshal(reply.Body, &financial); err != nil {
		return nil, KindDecode, fmt.Errorf("decode body %q: %w", snippet(reply.Body), err)
	}
	return &financial, "", nil
}

func snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
