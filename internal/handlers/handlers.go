// Package handlers implements protocol.Handlers: the per-action request
// handling that sits between the dispatcher's permission gate and the
// backend/registry/worker machinery each action drives.
package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/rtmbroker/rtmbroker/internal/apps"
	"github.com/rtmbroker/rtmbroker/internal/connstate"
	"github.com/rtmbroker/rtmbroker/internal/domain"
	"github.com/rtmbroker/rtmbroker/internal/protocol"
)

var _ protocol.Handlers = (*Handlers)(nil)

// Config wires a Handlers to its collaborators.
type Config struct {
	Apps     *apps.Store
	Backend  domain.Backend
	Filterer domain.FilterEvaluator
	Metrics  domain.Metrics
	Audit    domain.AuditLog // nil disables audit logging
	Registry *connstate.Registry

	MaxLen         int64         // approximate XADD MAXLEN, 0 means unbounded
	MaxSubs        int           // max subscriptions per connection, 0 means unbounded
	ReconnectSleep time.Duration // subscription worker reconnect backoff base
	Logger         *slog.Logger
}

// Handlers implements protocol.Handlers.
type Handlers struct {
	cfg Config
	wg  conc.WaitGroup
}

// New builds a Handlers set. Call Wait during server shutdown to let any
// in-flight subscription workers unwind after their connections are torn
// down.
func New(cfg Config) *Handlers {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReconnectSleep <= 0 {
		cfg.ReconnectSleep = time.Second
	}
	return &Handlers{cfg: cfg}
}

// Wait blocks until every subscription worker spawned by Subscribe has
// returned.
func (h *Handlers) Wait() {
	h.wg.Wait()
}

// audit best-efforts one operational event; a nil Audit or a logging failure
// never blocks the caller.
func (h *Handlers) audit(event string, detail map[string]any) {
	if h.cfg.Audit == nil {
		return
	}
	go func() {
		if err := h.cfg.Audit.Log(context.Background(), event, detail); err != nil {
			h.cfg.Logger.Warn("handlers: audit log failed", "event", event, "error", err)
		}
	}()
}
