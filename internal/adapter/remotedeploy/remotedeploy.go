// Package remotedeploy implements the Remote-deploy adapter: polls a
// remote deployment API's status endpoint and translates its status
// stream into Progress events and a terminal event.
//
// No pack or original-source implementation exists for this adapter
// (original_source's adapters/mod.rs only registers mock); it is built
// fresh on stdlib net/http, grounded on the mock/shell adapters' event
// channel shape, rather than pulling in a deployment-platform SDK
// absent from every example repo's dependency set.
package remotedeploy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"axontask/internal/adapter"
)

const Name = "remotedeploy"

// DefaultPollInterval is how often the adapter polls the status
// endpoint absent an explicit Config.PollInterval.
const DefaultPollInterval = 3 * time.Second

// Config is the Remote-deploy adapter's argument schema. StatusURL is
// polled repeatedly; the response is decoded as statusResponse.
type Config struct {
	StatusURL    string            `json:"status_url"`
	Headers      map[string]string `json:"headers,omitempty"`
	PollInterval string            `json:"poll_interval,omitempty"`
}

func (c Config) pollInterval() (time.Duration, error) {
	if c.PollInterval == "" {
		return DefaultPollInterval, nil
	}
	return time.ParseDuration(c.PollInterval)
}

// statusResponse is the expected shape of the remote API's status
// payload. State is one of "pending", "running", "succeeded", "failed".
type statusResponse struct {
	State    string         `json:"state"`
	Message  string         `json:"message,omitempty"`
	Progress map[string]any `json:"progress,omitempty"`
	ExitCode *int           `json:"exit_code,omitempty"`
}

type Adapter struct {
	client *http.Client
}

func New() *Adapter {
	return &Adapter{client: &http.Client{Timeout: 10 * time.Second}}
}

func (a *Adapter) Name() string { return Name }

func (a *Adapter) ValidateArgs(args json.RawMessage) error {
	var cfg Config
	if err := json.Unmarshal(args, &cfg); err != nil {
		return fmt.Errorf("remotedeploy: invalid args: %w", err)
	}
	if cfg.StatusURL == "" {
		return fmt.Errorf("remotedeploy: status_url must be set")
	}
	if _, err := cfg.pollInterval(); err != nil {
		return fmt.Errorf("remotedeploy: invalid poll_interval: %w", err)
	}
	return nil
}

func (a *Adapter) Start(ctx context.Context, args json.RawMessage) (<-chan adapter.Event, error) {
	var cfg Config
	if err := json.Unmarshal(args, &cfg); err != nil {
		return nil, fmt.Errorf("remotedeploy: invalid args: %w", err)
	}
	if cfg.StatusURL == "" {
		return nil, fmt.Errorf("remotedeploy: status_url must be set")
	}
	interval, err := cfg.pollInterval()
	if err != nil {
		return nil, fmt.Errorf("remotedeploy: invalid poll_interval: %w", err)
	}

	out := make(chan adapter.Event, adapter.DefaultChannelCapacity)
	go a.run(ctx, cfg, interval, out)
	return out, nil
}

func (a *Adapter) run(ctx context.Context, cfg Config, interval time.Duration, out chan<- adapter.Event) {
	defer close(out)

	started, _ := adapter.StartedEvent(map[string]any{"adapter": Name, "status_url": cfg.StatusURL})
	if !send(ctx, out, started) {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		status, err := a.poll(ctx, cfg)
		if err != nil {
			if ctx.Err() != nil {
				emitContextTerminal(ctx, out)
				return
			}
			errEvent, _ := adapter.ErrorEvent(err.Error(), nil)
			send(ctx, out, errEvent)
			return
		}

		switch status.State {
		case "succeeded":
			exitCode := 0
			if status.ExitCode != nil {
				exitCode = *status.ExitCode
			}
			success, _ := adapter.SuccessEvent(exitCode)
			send(ctx, out, success)
			return
		case "failed":
			errEvent, _ := adapter.ErrorEvent(status.Message, status.ExitCode)
			send(ctx, out, errEvent)
			return
		default: // "pending", "running", or unknown: report progress and keep polling
			progress, _ := adapter.ProgressEvent(mergeProgress(status))
			if !send(ctx, out, progress) {
				return
			}
		}

		select {
		case <-ctx.Done():
			emitContextTerminal(ctx, out)
			return
		case <-ticker.C:
		}
	}
}

func mergeProgress(status statusResponse) map[string]any {
	p := map[string]any{"state": status.State}
	if status.Message != "" {
		p["message"] = status.Message
	}
	for k, v := range status.Progress {
		p[k] = v
	}
	return p
}

func (a *Adapter) poll(ctx context.Context, cfg Config) (statusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.StatusURL, nil)
	if err != nil {
		return statusResponse{}, err
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return statusResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusResponse{}, fmt.Errorf("remotedeploy: status endpoint returned %d: %s", resp.StatusCode, body)
	}

	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return statusResponse{}, fmt.Errorf("remotedeploy: decoding status response: %w", err)
	}
	return status, nil
}

func emitContextTerminal(ctx context.Context, out chan<- adapter.Event) {
	if ctx.Err() == context.DeadlineExceeded {
		ev, _ := adapter.TimedOutEvent()
		send(context.Background(), out, ev)
		return
	}
	ev, _ := adapter.CanceledEvent()
	send(context.Background(), out, ev)
}

func send(ctx context.Context, out chan<- adapter.Event, ev adapter.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
