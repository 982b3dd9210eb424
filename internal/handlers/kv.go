package handlers

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/rtmbroker/rtmbroker/internal/connstate"
	"github.com/rtmbroker/rtmbroker/internal/domain"
	"github.com/rtmbroker/rtmbroker/internal/protocol"
)

type writeRequest struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
}

type channelRequest struct {
	Channel  string  `json:"channel"`
	Position *string `json:"position"`
}

// Write appends message to the channel's stream, identical in effect to
// Publish but replying under rtm/write/ok.
func (h *Handlers) Write(ctx context.Context, conn *connstate.State, env protocol.Envelope) protocol.Response {
	var req writeRequest
	if err := json.Unmarshal(env.Body, &req); err != nil || len(req.Message) == 0 {
		return errorResp(env, "write: empty message")
	}
	if req.Channel == "" {
		return errorResp(env, "write: missing channel field")
	}

	stream := conn.AppKey.Stream(req.Channel)
	cursor, err := h.cfg.Backend.Append(ctx, stream, "json", req.Message, h.cfg.MaxLen)
	if err != nil {
		h.cfg.Metrics.BackendError("write")
		return errorResp(env, fmt.Sprintf("write: cannot connect to backend %v", err))
	}

	h.cfg.Metrics.MessageWritten(conn.Role(), len(req.Message))
	return okResp(env, map[string]any{"stream": string(cursor)})
}

// Read fetches the newest entry on a channel's stream, or the entry at an
// exact position, over a dedicated backend connection.
func (h *Handlers) Read(ctx context.Context, conn *connstate.State, env protocol.Envelope) protocol.Response {
	var req channelRequest
	if err := json.Unmarshal(env.Body, &req); err != nil || req.Channel == "" {
		return errorResp(env, "read: missing channel field")
	}

	dedicated, release, err := h.cfg.Backend.Dedicated(ctx)
	if err != nil {
		h.cfg.Metrics.BackendError("read")
		return errorResp(env, fmt.Sprintf("read: cannot connect to backend %v", err))
	}
	defer release()

	stream := conn.AppKey.Stream(req.Channel)
	start, end := domain.StreamCursor("+"), domain.StreamCursor("-")
	if req.Position != nil {
		start = domain.StreamCursor(*req.Position)
		end = start
	}

	entries, err := dedicated.RevRange(ctx, stream, start, end, 1)
	if err != nil {
		h.cfg.Metrics.BackendError("read")
		return errorResp(env, fmt.Sprintf("read: cannot connect to backend %v", err))
	}

	var message any
	if len(entries) > 0 {
		if err := json.Unmarshal(entries[0].JSON, &message); err != nil {
			return errorResp(env, fmt.Sprintf("read: corrupt stored message: %v", err))
		}
	}

	return okResp(env, map[string]any{"message": message})
}

// Delete removes the channel's entire backing stream.
func (h *Handlers) Delete(ctx context.Context, conn *connstate.State, env protocol.Envelope) protocol.Response {
	var req channelRequest
	if err := json.Unmarshal(env.Body, &req); err != nil || req.Channel == "" {
		return errorResp(env, "delete: missing channel field")
	}

	stream := conn.AppKey.Stream(req.Channel)
	if err := h.cfg.Backend.Delete(ctx, stream); err != nil {
		h.cfg.Metrics.BackendError("delete")
		return errorResp(env, fmt.Sprintf("delete: cannot connect to backend %v", err))
	}

	return okResp(env, nil)
}
