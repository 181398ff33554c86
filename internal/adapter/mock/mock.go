// Package mock implements the deterministic Mock adapter used for
// testing and demos, grounded on
// original_source/axontask-worker/src/adapters/mock.rs's checkpoint-loop
// structure but parameterized per spec.md §4.7's own arg shape
// ({steps, step_duration, final}) rather than the Rust original's
// {duration_ms, should_fail, failure_percent}.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"axontask/internal/adapter"
)

const Name = "mock"

// Config is the mock adapter's argument schema.
type Config struct {
	Steps        int    `json:"steps"`
	StepDuration string `json:"step_duration"` // parsed via time.ParseDuration, e.g. "10ms"
	Final        string `json:"final"`         // "success" or "error"
}

func (c Config) stepDuration() (time.Duration, error) {
	if c.StepDuration == "" {
		return 10 * time.Millisecond, nil
	}
	return time.ParseDuration(c.StepDuration)
}

type Adapter struct{}

func New() *Adapter { return &Adapter{} }

func (a *Adapter) Name() string { return Name }

func (a *Adapter) ValidateArgs(args json.RawMessage) error {
	var cfg Config
	if len(args) > 0 {
		if err := json.Unmarshal(args, &cfg); err != nil {
			return fmt.Errorf("mock: invalid args: %w", err)
		}
	}
	if cfg.Steps < 0 {
		return fmt.Errorf("mock: steps must be >= 0")
	}
	if cfg.StepDuration != "" {
		if _, err := time.ParseDuration(cfg.StepDuration); err != nil {
			return fmt.Errorf("mock: invalid step_duration: %w", err)
		}
	}
	if cfg.Final != "" && cfg.Final != "success" && cfg.Final != "error" {
		return fmt.Errorf("mock: final must be \"success\" or \"error\"")
	}
	return nil
}

// Start emits: Started{adapter:"mock"}; Progress{step:i, percent:
// i*100/steps} for i in [1, steps]; and a terminal event determined by
// cfg.Final ("success" default, or "error").
func (a *Adapter) Start(ctx context.Context, args json.RawMessage) (<-chan adapter.Event, error) {
	var cfg Config
	if len(args) > 0 {
		if err := json.Unmarshal(args, &cfg); err != nil {
			return nil, fmt.Errorf("mock: invalid args: %w", err)
		}
	}
	if cfg.Steps == 0 {
		cfg.Steps = 3
	}
	if cfg.Final == "" {
		cfg.Final = "success"
	}
	interval, err := cfg.stepDuration()
	if err != nil {
		return nil, err
	}

	out := make(chan adapter.Event, adapter.DefaultChannelCapacity)
	go a.run(ctx, cfg, interval, out)
	return out, nil
}

func (a *Adapter) run(ctx context.Context, cfg Config, interval time.Duration, out chan<- adapter.Event) {
	defer close(out)

	started, _ := adapter.StartedEvent(map[string]any{"adapter": Name})
	if !send(ctx, out, started) {
		return
	}

	for i := 1; i <= cfg.Steps; i++ {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				timedOut, _ := adapter.TimedOutEvent()
				send(context.Background(), out, timedOut)
				return
			}
			canceled, _ := adapter.CanceledEvent()
			send(context.Background(), out, canceled)
			return
		case <-time.After(interval):
		}

		percent := i * 100 / cfg.Steps
		progress, _ := adapter.ProgressEvent(map[string]any{"step": i, "percent": percent})
		if !send(ctx, out, progress) {
			return
		}
	}

	if cfg.Final == "error" {
		errEvent, _ := adapter.ErrorEvent("mock adapter configured to fail", intPtr(1))
		send(ctx, out, errEvent)
		return
	}

	success, _ := adapter.SuccessEvent(0)
	send(ctx, out, success)
}

// send writes ev to out, respecting cancellation so a slow consumer
// combined with ctx cancellation cannot leak this goroutine.
func send(ctx context.Context, out chan<- adapter.Event, ev adapter.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func intPtr(v int) *int { return &v }
