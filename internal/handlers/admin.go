package handlers

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/rtmbroker/rtmbroker/internal/connstate"
	"github.com/rtmbroker/rtmbroker/internal/protocol"
)

// AdminGetConnections lists every live connection process-wide.
func (h *Handlers) AdminGetConnections(_ context.Context, _ *connstate.State, env protocol.Envelope) protocol.Response {
	summaries := h.cfg.Registry.List()
	conns := make([]map[string]any, 0, len(summaries))
	for _, s := range summaries {
		conns = append(conns, map[string]any{
			"id":            s.ID,
			"appkey":        s.AppKey,
			"role":          s.Role,
			"subscriptions": s.Subscriptions,
		})
	}
	return okResp(env, map[string]any{"connections": conns})
}

type closeConnectionRequest struct {
	ConnectionID string `json:"connection_id"`
}

// AdminCloseConnection forcibly tears down a connection named by id,
// anywhere in the registry, not just the issuing connection.
func (h *Handlers) AdminCloseConnection(_ context.Context, conn *connstate.State, env protocol.Envelope) protocol.Response {
	var req closeConnectionRequest
	if err := json.Unmarshal(env.Body, &req); err != nil || req.ConnectionID == "" {
		return errorResp(env, "admin: missing connection_id field")
	}

	if !h.cfg.Registry.Close(req.ConnectionID) {
		return errorResp(env, fmt.Sprintf("admin: unknown connection %q", req.ConnectionID))
	}

	h.audit("admin_close_connection", map[string]any{
		"appkey":        string(conn.AppKey),
		"connection_id": req.ConnectionID,
	})
	return okResp(env, nil)
}
