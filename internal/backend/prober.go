// Package backend talks to image-generation back-ends: health probing and
// the upload/submit/wait/fetch generation protocol.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProbeError reports why a back-end was treated as busy.
type ProbeError struct {
	Addr string
	Err  error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe %s: %v", e.Addr, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Prober asks back-ends whether they are idle.
type Prober struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProberLogger sets a custom logger.
func WithProberLogger(l *slog.Logger) ProberOption {
	return func(p *Prober) { p.logger = l }
}

// WithProberClient sets the HTTP client used for probes.
func WithProberClient(c *http.Client) ProberOption {
	return func(p *Prober) { p.client = c }
}

// NewProber returns a Prober bounding each probe by timeout.
func NewProber(timeout time.Duration, opts ...ProberOption) *Prober {
	p := &Prober{
		client:  http.DefaultClient,
		timeout: timeout,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// queueState is the /queue payload. The dummy back-end reports a bool,
// ComfyUI reports the list of running prompts.
type queueState struct {
	Running json.RawMessage `json:"queue_running"`
}

// Busy reports whether addr is occupied. Any failure counts as busy.
func (p *Prober) Busy(ctx context.Context, addr string) bool {
	busy, err := p.probe(ctx, addr)
	if err != nil {
		p.logger.Debug("probe failed, treating back-end as busy", "backend", addr, "error", err)
		return true
	}
	return busy
}

// Free probes addrs concurrently and returns the idle ones in input order.
func (p *Prober) Free(ctx context.Context, addrs []string) []string {
	busy := make([]bool, len(addrs))
	var g errgroup.Group
	for i, addr := range addrs {
		g.Go(func() error {
			busy[i] = p.Busy(ctx, addr)
			return nil
		})
	}
	_ = g.Wait()

	var free []string
	for i, addr := range addrs {
		if !busy[i] {
			free = append(free, addr)
		}
	}
	return free
}

func (p *Prober) probe(ctx context.Context, addr string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(addr)+"/queue", nil)
	if err != nil {
		return true, &ProbeError{Addr: addr, Err: err}
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return true, &ProbeError{Addr: addr, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return true, &ProbeError{Addr: addr, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var st queueState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return true, &ProbeError{Addr: addr, Err: fmt.Errorf("decode queue state: %w", err)}
	}
	busy, err := parseRunning(st.Running)
	if err != nil {
		return true, &ProbeError{Addr: addr, Err: err}
	}
	return busy, nil
}

func parseRunning(raw json.RawMessage) (bool, error) {
	if len(raw) == 0 {
		return false, fmt.Errorf("missing queue_running")
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err == nil {
		return len(items) > 0, nil
	}
	return false, fmt.Errorf("queue_running: unexpected value %s", raw)
}

// baseURL turns "host:port" into "http://host:port"; full URLs pass through.
func baseURL(addr string) string {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

// wsURL derives the WebSocket base from an address.
func wsURL(addr string) string {
	u := baseURL(addr)
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
