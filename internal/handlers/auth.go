package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/rtmbroker/rtmbroker/internal/connstate"
	"github.com/rtmbroker/rtmbroker/internal/protocol"
)

type handshakeRequest struct {
	Method string `json:"method"`
	Data   struct {
		Role string `json:"role"`
	} `json:"data"`
}

type authenticateRequest struct {
	Method      string `json:"method"`
	Credentials struct {
		Hash string `json:"hash"`
	} `json:"credentials"`
}

// AuthHandshake issues a fresh nonce for the named role, after confirming
// the role exists under the connection's appkey.
func (h *Handlers) AuthHandshake(_ context.Context, conn *connstate.State, env protocol.Envelope) protocol.Response {
	var req handshakeRequest
	if err := json.Unmarshal(env.Body, &req); err != nil || req.Data.Role == "" {
		return errorResp(env, "handshake: missing role")
	}

	snapshot := h.cfg.Apps.Current()
	if _, ok := snapshot.Lookup(conn.AppKey, req.Data.Role); !ok {
		return errorResp(env, fmt.Sprintf("handshake: unknown role %q", req.Data.Role))
	}

	nonce, err := conn.IssueNonce(req.Data.Role)
	if err != nil {
		return errorResp(env, fmt.Sprintf("handshake: %v", err))
	}

	return okResp(env, map[string]any{"data": map[string]any{"nonce": base64.StdEncoding.EncodeToString(nonce)}})
}

// AuthAuthenticate validates the client's HMAC over the issued nonce and,
// on success, marks the connection authenticated with the pending role's
// permissions.
func (h *Handlers) AuthAuthenticate(_ context.Context, conn *connstate.State, env protocol.Envelope) protocol.Response {
	var req authenticateRequest
	if err := json.Unmarshal(env.Body, &req); err != nil || req.Credentials.Hash == "" {
		return errorResp(env, "authenticate: missing credentials")
	}

	nonce, role, ok := conn.ConsumeNonce()
	if !ok {
		return errorResp(env, "authenticate: no pending handshake")
	}

	snapshot := h.cfg.Apps.Current()
	roleInfo, ok := snapshot.Lookup(conn.AppKey, role)
	if !ok {
		return errorResp(env, fmt.Sprintf("authenticate: unknown role %q", role))
	}

	given, err := base64.StdEncoding.DecodeString(req.Credentials.Hash)
	if err != nil {
		return errorResp(env, "authenticate: malformed hash")
	}

	expected := hmacSHA256(nonce, roleInfo.Secret)
	if subtle.ConstantTimeCompare(given, expected) != 1 {
		h.audit("auth_failed", map[string]any{"appkey": string(conn.AppKey), "role": role})
		return errorResp(env, "authenticate: credential mismatch")
	}

	conn.Authenticate(role, roleInfo.Permissions)
	h.audit("auth_succeeded", map[string]any{"appkey": string(conn.AppKey), "role": role})
	return okResp(env, nil)
}

// hmacSHA256 computes HMAC-SHA256(secret, nonce).
func hmacSHA256(nonce []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(nonce)
	return mac.Sum(nil)
}

func errorResp(env protocol.Envelope, msg string) protocol.Response {
	return protocol.Response{
		Action: env.Action + "/error",
		ID:     env.ReplyID(),
		Body:   map[string]any{"error": msg},
	}
}

func okResp(env protocol.Envelope, body any) protocol.Response {
	if body == nil {
		body = map[string]any{}
	}
	return protocol.Response{Action: env.Action + "/ok", ID: env.ReplyID(), Body: body}
}
