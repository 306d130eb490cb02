// Package api exposes a read-only status HTTP API.
//
// Two endpoints:
//
//	GET /api/status — JSON snapshot of strategies and their positions
//	GET /api/events — Server-Sent Events stream of engine events
//
// The API never mutates engine state; it exists so operators (and the
// strategy windows that used to be a GUI) can watch the engine live.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// PositionSnapshot is one position in the status payload.
type PositionSnapshot struct {
	Operation   string  `json:"operation"`
	SubID       int64   `json:"sub_id"`
	Symbol      string  `json:"symbol"`
	Venue       string  `json:"venue"`
	Side        string  `json:"side"`
	PlannedQty  float64 `json:"planned_qty"`
	OpenedQty   float64 `json:"opened_qty"`
	ClosedQty   float64 `json:"closed_qty"`
	ActiveQty   float64 `json:"active_qty"`
	OpenAvg     float64 `json:"open_avg_price"`
	CloseAvg    float64 `json:"close_avg_price"`
	RealizedPnl float64 `json:"realized_pnl"`
	CloseReason string  `json:"close_reason"`
	IsCompleted bool    `json:"is_completed"`
}

// StrategySnapshot is one strategy in the status payload.
type StrategySnapshot struct {
	Name        string             `json:"name"`
	ID          string             `json:"id"`
	Blocked     bool               `json:"blocked"`
	BlockReason string             `json:"block_reason,omitempty"`
	Positions   []PositionSnapshot `json:"positions"`
}

// Snapshot is the full status payload.
type Snapshot struct {
	StartedAt  time.Time          `json:"started_at"`
	Gates      []GateSnapshot     `json:"gates"`
	Strategies []StrategySnapshot `json:"strategies"`
}

// GateSnapshot is one venue adapter in the status payload.
type GateSnapshot struct {
	Name        string `json:"name"`
	IsConnected bool   `json:"is_connected"`
}

// Event is one engine event pushed to SSE subscribers.
type Event struct {
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// SnapshotSource produces the status payload; the engine implements it.
type SnapshotSource interface {
	Snapshot() Snapshot
}

// Server serves the status API.
type Server struct {
	addr   string
	source SnapshotSource
	log    *slog.Logger
	http   *http.Server

	subsMu sync.Mutex
	subs   map[chan Event]struct{}
}

// NewServer builds an unstarted server.
func NewServer(addr string, source SnapshotSource, logger *slog.Logger) *Server {
	s := &Server{
		addr:   addr,
		source: source,
		log:    logger.With("component", "api"),
		subs:   make(map[chan Event]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	s.http = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Start blocks serving until Stop.
func (s *Server) Start() error {
	s.log.Info("status API listening", "addr", s.addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// Publish fans one event out to every SSE subscriber. Slow subscribers drop
// events rather than block the engine.
func (s *Server) Publish(event Event) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.source.Snapshot()); err != nil {
		s.log.Error("failed to encode status", "error", err)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := make(chan Event, 16)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()
	defer func() {
		s.subsMu.Lock()
		delete(s.subs, ch)
		s.subsMu.Unlock()
	}()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case event := <-ch:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
