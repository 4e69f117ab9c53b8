package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/dgate/pkg/models"
)

// Builtin handler class names.
const (
	ClassEcho         = "echo"
	ClassSleep        = "sleep"
	ClassTickerStream = "ticker-stream"
)

func registerBuiltins(r *Resolver) {
	r.Register(ClassEcho, newEchoHandler)
	r.Register(ClassSleep, newSleepHandler)
	r.Register(ClassTickerStream, newTickerStreamHandler)
}

// newEchoHandler returns the request payload unchanged.
func newEchoHandler(_ map[string]any) (Handler, error) {
	return Func(func(_ context.Context, inv *Invocation) (*models.DGResponse, StreamProducer, error) {
		return models.NewSuccessResponse(inv.Request.RequestID, inv.Request.Payload), nil, nil
	}), nil
}

// newSleepHandler sleeps for options["sleep_ms"] (overridable per request via
// payload["sleep_ms"]) and then echoes. Cancellation aware; used to exercise
// TTL and cancel paths.
func newSleepHandler(options map[string]any) (Handler, error) {
	base := durationOption(options, "sleep_ms", time.Second)
	return Func(func(ctx context.Context, inv *Invocation) (*models.DGResponse, StreamProducer, error) {
		d := base
		if inv.Request.Payload != nil {
			d = durationOption(inv.Request.Payload, "sleep_ms", base)
		}
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(d):
		}
		return models.NewSuccessResponse(inv.Request.RequestID, map[string]any{
			"slept_ms": d.Milliseconds(),
		}), nil, nil
	}), nil
}

// newTickerStreamHandler produces an update every interval_ms until count
// updates were emitted (count <= 0 streams until stopped).
func newTickerStreamHandler(options map[string]any) (Handler, error) {
	interval := durationOption(options, "interval_ms", time.Second)
	count := intOption(options, "count", 0)
	return Func(func(_ context.Context, inv *Invocation) (*models.DGResponse, StreamProducer, error) {
		n := count
		if inv.Request.Payload != nil {
			n = intOption(inv.Request.Payload, "count", count)
		}
		producer := ProducerFunc(func(ctx context.Context, emit EmitFunc) error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for i := 0; n <= 0 || i < n; i++ {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case t := <-ticker.C:
					err := emit(map[string]any{
						"tick": i,
						"at":   t.Format(time.RFC3339Nano),
					})
					if err != nil {
						return err
					}
				}
			}
			return nil
		})
		return nil, producer, nil
	}), nil
}

// durationOption reads a millisecond count from an options map.
func durationOption(options map[string]any, key string, fallback time.Duration) time.Duration {
	ms := intOption(options, key, -1)
	if ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// intOption reads an integer option, tolerating the numeric types YAML and
// JSON decoding produce.
func intOption(options map[string]any, key string, fallback int) int {
	v, ok := options[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		var parsed int
		if _, err := fmt.Sscanf(n, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
