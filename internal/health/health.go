// Package health provides HTTP health, readiness and stream status handlers.
//
// The package exposes three endpoints:
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - /status: a JSON snapshot of every watched stream.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail").
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/pcmstream/internal/engine"
	"github.com/MrWong99/pcmstream/pkg/device"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "render").
	// It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// StreamProbe is the read-only view of a stream session that the handlers
// report on. [session.Controller] implements it.
type StreamProbe interface {
	ID() string
	Direction() device.Direction
	IsSetUp() bool
	State() engine.StreamState
	StopReason() engine.StopReason
	Err() error
	NowPlayingID() int
	PosFrame() int64
	TotalFrames() int64
	CapturedFrames() int64
	GlitchCount() int64
}

// StreamStatus is the /status entry of one stream.
type StreamStatus struct {
	SessionID      string `json:"session_id"`
	Direction      string `json:"direction"`
	State          string `json:"state"`
	StopReason     string `json:"stop_reason,omitempty"`
	Error          string `json:"error,omitempty"`
	NowPlayingID   int    `json:"now_playing_id"`
	PosFrame       int64  `json:"pos_frame"`
	TotalFrames    int64  `json:"total_frames"`
	CapturedFrames int64  `json:"captured_frames"`
	Glitches       int64  `json:"glitches"`
}

// Snapshot reads the current status of p. The values are best effort and
// may be one cycle apart.
func Snapshot(p StreamProbe) StreamStatus {
	st := StreamStatus{
		SessionID:      p.ID(),
		Direction:      p.Direction().String(),
		State:          p.State().String(),
		NowPlayingID:   p.NowPlayingID(),
		PosFrame:       p.PosFrame(),
		TotalFrames:    p.TotalFrames(),
		CapturedFrames: p.CapturedFrames(),
		Glitches:       p.GlitchCount(),
	}
	if r := p.StopReason(); r != engine.StopNone {
		st.StopReason = r.String()
	}
	if err := p.Err(); err != nil {
		st.Error = err.Error()
	}
	return st
}

// StreamChecker returns a [Checker] that fails when p is not set up or its
// stream stopped on a device error.
func StreamChecker(p StreamProbe) Checker {
	return Checker{
		Name: p.Direction().String(),
		Check: func(context.Context) error {
			if !p.IsSetUp() {
				return errors.New("device not set up")
			}
			if p.StopReason() == engine.StopDeviceError {
				if err := p.Err(); err != nil {
					return err
				}
				return fmt.Errorf("stream stopped: %s", engine.StopDeviceError)
			}
			return nil
		},
	}
}

// result is the JSON response body for health endpoints.
type result struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Streams []StreamStatus    `json:"streams,omitempty"`
}

// Handler serves the health endpoints. It is safe for concurrent use.
type Handler struct {
	mu       sync.RWMutex
	checkers []Checker
	streams  []StreamProbe
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Watch adds p to /status and registers a [StreamChecker] for it.
func (h *Handler) Watch(p StreamProbe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streams = append(h.streams, p)
	h.checkers = append(h.checkers, StreamChecker(p))
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()

	checks := make(map[string]string, len(checkers))
	allOK := true
	for _, c := range checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Status reports a [Snapshot] of every watched stream. The stream count and
// the number of streams that stopped on a device error are added to the
// request span.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	streams := append([]StreamProbe(nil), h.streams...)
	h.mu.RUnlock()

	res := result{Status: "ok", Streams: make([]StreamStatus, 0, len(streams))}
	var failed int
	for _, p := range streams {
		st := Snapshot(p)
		if st.StopReason == engine.StopDeviceError.String() {
			failed++
		}
		res.Streams = append(res.Streams, st)
	}
	trace.SpanFromContext(r.Context()).SetAttributes(
		attribute.Int("pcmstream.streams", len(streams)),
		attribute.Int("pcmstream.streams.failed", failed),
	)
	writeJSON(w, http.StatusOK, res)
}

// Register adds the /healthz, /readyz and /status routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /status", h.Status)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
