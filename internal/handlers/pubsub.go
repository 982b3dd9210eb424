package handlers

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/rtmbroker/rtmbroker/internal/connstate"
	"github.com/rtmbroker/rtmbroker/internal/domain"
	"github.com/rtmbroker/rtmbroker/internal/protocol"
	"github.com/rtmbroker/rtmbroker/internal/subscriber"
)

type publishRequest struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
}

// Publish appends message to the channel's stream.
func (h *Handlers) Publish(ctx context.Context, conn *connstate.State, env protocol.Envelope) protocol.Response {
	var req publishRequest
	if err := json.Unmarshal(env.Body, &req); err != nil || req.Channel == "" {
		return errorResp(env, "publish: missing channel field")
	}
	if len(req.Message) == 0 {
		return errorResp(env, "publish: missing message field")
	}

	stream := conn.AppKey.Stream(req.Channel)
	cursor, err := h.cfg.Backend.Append(ctx, stream, "json", req.Message, h.cfg.MaxLen)
	if err != nil {
		h.cfg.Metrics.BackendError("publish")
		return errorResp(env, fmt.Sprintf("publish: cannot connect to backend %v", err))
	}

	h.cfg.Metrics.MessagePublished(conn.Role(), len(req.Message))
	return okResp(env, map[string]any{"stream": string(cursor)})
}

type subscribeRequest struct {
	Channel        string  `json:"channel"`
	Position       *string `json:"position"`
	Filter         string  `json:"filter"`
	SubscriptionID string  `json:"subscription_id"`
	BatchSize      int     `json:"batch_size"`
}

// Subscribe resolves the subscription's starting cursor and spawns a
// subscriber.Worker bound to a new connstate.SubscriptionHandle.
func (h *Handlers) Subscribe(ctx context.Context, conn *connstate.State, env protocol.Envelope) protocol.Response {
	var req subscribeRequest
	if err := json.Unmarshal(env.Body, &req); err != nil || req.Channel == "" {
		return errorResp(env, "subscribe: missing channel field")
	}

	if h.cfg.MaxSubs > 0 && len(conn.Subscriptions()) >= h.cfg.MaxSubs {
		return errorResp(env, fmt.Sprintf("subscribe: connection already has the maximum of %d subscriptions", h.cfg.MaxSubs))
	}

	subID := req.SubscriptionID
	if subID == "" {
		subID = req.Channel
	}

	stream := conn.AppKey.Stream(req.Channel)

	var startCursor domain.StreamCursor
	if req.Position != nil {
		startCursor = domain.StreamCursor(*req.Position)
	} else {
		entries, err := h.cfg.Backend.RevRange(ctx, stream, "+", "-", 1)
		if err != nil {
			h.cfg.Metrics.BackendError("subscribe")
			return errorResp(env, fmt.Sprintf("subscribe: cannot connect to backend %v", err))
		}
		if len(entries) > 0 {
			startCursor = entries[0].Cursor
		} else {
			startCursor = domain.Newest
		}
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	handle := &connstate.SubscriptionHandle{
		SubscriptionID: subID,
		Channel:        req.Channel,
		Position:       &startCursor,
		Filter:         req.Filter,
		BatchSize:      req.BatchSize,
		Cancel:         cancel,
		Done:           done,
	}

	if err := conn.AddSubscription(handle); err != nil {
		cancel()
		close(done)
		return errorResp(env, fmt.Sprintf("subscribe: %v", err))
	}

	h.cfg.Metrics.SubscriptionOpened()

	worker := subscriber.New(subscriber.Config{
		Stream:         stream,
		SubscriptionID: subID,
		Position:       startCursor,
		Filter:         req.Filter,
		BatchSize:      req.BatchSize,
		Backend:        h.cfg.Backend,
		Filterer:       h.cfg.Filterer,
		Metrics:        h.cfg.Metrics,
		Sender:         conn,
		Logger:         h.cfg.Logger,
		ReconnectSleep: h.cfg.ReconnectSleep,
	})

	h.wg.Go(func() {
		defer close(done)
		defer h.cfg.Metrics.SubscriptionClosed()

		if err := worker.Run(workerCtx); err != nil {
			h.cfg.Logger.Warn("subscription worker exited", "subscription_id", subID, "error", err)
			if _, removeErr := conn.RemoveSubscription(subID); removeErr == nil {
				_ = conn.Send(map[string]any{
					"action": "rtm/subscription/error",
					"body":   map[string]any{"subscription_id": subID, "error": err.Error()},
				})
			}
		}
	})

	return okResp(env, map[string]any{"subscription_id": subID, "position": string(startCursor)})
}

type unsubscribeRequest struct {
	SubscriptionID string `json:"subscription_id"`
}

// Unsubscribe cancels the named subscription's worker and removes its
// handle. Cancellation is asynchronous: the worker's goroutine finishes
// tearing down on its own time, observable via its Done channel.
func (h *Handlers) Unsubscribe(_ context.Context, conn *connstate.State, env protocol.Envelope) protocol.Response {
	var req unsubscribeRequest
	if err := json.Unmarshal(env.Body, &req); err != nil || req.SubscriptionID == "" {
		return errorResp(env, "unsubscribe: missing subscription_id field")
	}

	if _, err := conn.RemoveSubscription(req.SubscriptionID); err != nil {
		return errorResp(env, fmt.Sprintf("unsubscribe: %v", err))
	}

	return okResp(env, nil)
}
