package protocol

import (
	"context"
	"fmt"

	"github.com/rtmbroker/rtmbroker/internal/connstate"
)

// Handlers is the set of action handlers the dispatcher routes decoded
// frames to. One method per fixed-table action, modeled as an exhaustive
// interface rather than a runtime string→func map so a missing case is a
// compile error, not a dispatch-time surprise.
type Handlers interface {
	AuthHandshake(ctx context.Context, conn *connstate.State, env Envelope) Response
	AuthAuthenticate(ctx context.Context, conn *connstate.State, env Envelope) Response
	Publish(ctx context.Context, conn *connstate.State, env Envelope) Response
	Subscribe(ctx context.Context, conn *connstate.State, env Envelope) Response
	Unsubscribe(ctx context.Context, conn *connstate.State, env Envelope) Response
	Read(ctx context.Context, conn *connstate.State, env Envelope) Response
	Write(ctx context.Context, conn *connstate.State, env Envelope) Response
	Delete(ctx context.Context, conn *connstate.State, env Envelope) Response
	AdminCloseConnection(ctx context.Context, conn *connstate.State, env Envelope) Response
	AdminGetConnections(ctx context.Context, conn *connstate.State, env Envelope) Response
}

// Dispatcher decodes one inbound frame and routes it to its handler,
// enforcing the authentication gate and the permission gate before the
// handler ever runs.
type Dispatcher struct {
	handlers Handlers
}

// NewDispatcher builds a Dispatcher over the given handler set.
func NewDispatcher(handlers Handlers) *Dispatcher {
	return &Dispatcher{handlers: handlers}
}

// Handle decodes raw as an Envelope and dispatches it, returning the
// response frame to send (and whether the connection must be torn down).
//
// On a JSON parse failure, it returns a bad_schema response carrying the
// base64 of the raw bytes and reports fatal=true: the caller must mark the
// connection not-ok after sending it, per §4.3 step 1.
func (d *Dispatcher) Handle(ctx context.Context, conn *connstate.State, raw []byte) (resp Response, fatal bool) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		reason := fmt.Sprintf("malformed json pdu: base64: %s", connstate.EncodeBase64(raw))
		return Response{
			Action: "",
			ID:     1,
			Body:   map[string]any{"error": "bad_schema", "reason": reason},
		}, true
	}

	if env.Action == "" {
		return Response{
			Action: "",
			ID:     env.ReplyID(),
			Body:   map[string]any{"error": "bad_schema", "reason": "missing action"},
		}, true
	}

	if !IsKnownAction(env.Action) {
		return Response{
			Action: "",
			ID:     env.ReplyID(),
			Body:   map[string]any{"error": "bad_schema", "reason": fmt.Sprintf("invalid action: %s", env.Action)},
		}, true
	}

	if RequiresAuth(env.Action) && !conn.Authenticated() {
		errMsg := fmt.Sprintf("action %q needs authentication", env.Action)
		return errorResponse(env.Action, env.ReplyID(), errMsg), false
	}

	if !ValidatePermissions(conn.Permissions(), env.Action) {
		errMsg := fmt.Sprintf("action %q: permission denied", env.Action)
		return errorResponse(env.Action, env.ReplyID(), errMsg), false
	}

	return d.route(ctx, conn, env), false
}

func (d *Dispatcher) route(ctx context.Context, conn *connstate.State, env Envelope) Response {
	switch Action(env.Action) {
	case ActionAuthHandshake:
		return d.handlers.AuthHandshake(ctx, conn, env)
	case ActionAuthAuthenticate:
		return d.handlers.AuthAuthenticate(ctx, conn, env)
	case ActionPublish:
		return d.handlers.Publish(ctx, conn, env)
	case ActionSubscribe:
		return d.handlers.Subscribe(ctx, conn, env)
	case ActionUnsubscribe:
		return d.handlers.Unsubscribe(ctx, conn, env)
	case ActionRead:
		return d.handlers.Read(ctx, conn, env)
	case ActionWrite:
		return d.handlers.Write(ctx, conn, env)
	case ActionDelete:
		return d.handlers.Delete(ctx, conn, env)
	case ActionAdminClose:
		return d.handlers.AdminCloseConnection(ctx, conn, env)
	case ActionAdminList:
		return d.handlers.AdminGetConnections(ctx, conn, env)
	default:
		// Unreachable: IsKnownAction already rejected anything not in this
		// switch.
		return errorResponse(env.Action, env.ReplyID(), "unhandled action")
	}
}
