package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"chatrelay/internal/domain"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Host     HostStatus    `json:"host"`
	Views    ViewStatus    `json:"views"`
	Sessions SessionStatus `json:"sessions"`
	Streams  StreamStatus  `json:"streams"`
}

type HostStatus struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type ViewStatus struct {
	Connected int `json:"connected"`
}

type SessionStatus struct {
	Known int `json:"known"`
}

type StreamStatus struct {
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Stopped   int64 `json:"stopped"`
	Errors    int64 `json:"errors"`
}

// Metrics tracks stream counters for the status API.
type Metrics struct {
	StreamsStarted   atomic.Int64
	StreamsCompleted atomic.Int64
	StreamsStopped   atomic.Int64
	StreamErrors     atomic.Int64
}

// RegisterStatusRoute wires GET /api/v1/status and the bus
// subscriptions feeding its counters. Must be called before Start().
func RegisterStatusRoute(s *Server, deps HandlerDeps, version string) *Metrics {
	startTime := time.Now()
	metrics := &Metrics{}

	deps.Bus.Subscribe(domain.EventStreamStarted, func(context.Context, domain.Event) {
		metrics.StreamsStarted.Add(1)
	})
	deps.Bus.Subscribe(domain.EventStreamCompleted, func(context.Context, domain.Event) {
		metrics.StreamsCompleted.Add(1)
	})
	deps.Bus.Subscribe(domain.EventStreamStopped, func(context.Context, domain.Event) {
		metrics.StreamsStopped.Add(1)
	})
	deps.Bus.Subscribe(domain.EventStreamError, func(context.Context, domain.Event) {
		metrics.StreamErrors.Add(1)
	})

	s.RegisterHTTPRoute("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		resp := StatusResponse{
			Host: HostStatus{
				Name:          "chatrelay",
				Version:       version,
				UptimeSeconds: int64(time.Since(startTime).Seconds()),
			},
			Views:    ViewStatus{Connected: s.views.Count()},
			Sessions: SessionStatus{Known: len(deps.Sessions.List())},
			Streams: StreamStatus{
				Started:   metrics.StreamsStarted.Load(),
				Completed: metrics.StreamsCompleted.Load(),
				Stopped:   metrics.StreamsStopped.Load(),
				Errors:    metrics.StreamErrors.Load(),
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	return metrics
}
