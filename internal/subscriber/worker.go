// Package subscriber implements the subscription worker: a long-running
// task that tails one backend stream, applies an optional filter, batches
// surviving entries, and delivers them through a connection's send path.
package subscriber

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/rtmbroker/rtmbroker/internal/domain"
)

// state names the subscription worker's state machine position, logged at
// every transition for observability.
type state string

const (
	stateStarting     state = "starting"
	stateReading      state = "reading"
	stateDelivering   state = "delivering"
	stateReconnecting state = "reconnecting"
	stateCancelled    state = "cancelled"
	stateFailed       state = "failed"
)

// Frame is the shape of one rtm/subscription/data body.
type Frame struct {
	SubscriptionID string            `json:"subscription_id"`
	Messages       []json.RawMessage `json:"messages"`
	Position       domain.StreamCursor `json:"position"`
}

// ErrorFrame is the shape of one rtm/subscription/error body, emitted for a
// single entry that failed to decode.
type ErrorFrame struct {
	SubscriptionID string             `json:"subscription_id"`
	Position       domain.StreamCursor `json:"position"`
	Error          string             `json:"error"`
}

// Sender is the subset of connstate.State a worker needs: the serialized
// send path. Kept as a narrow interface so this package does not import
// connstate (avoiding an import cycle with handlers, which imports both).
type Sender interface {
	Send(resp any) error
}

// Config parameterizes one subscription worker.
type Config struct {
	Stream         string
	SubscriptionID string
	Position       domain.StreamCursor // cursor to read past; domain.Newest reads only entries appended after the first read starts
	Filter         string
	BatchSize      int // 0 means 1

	Backend  domain.Backend
	Filterer domain.FilterEvaluator
	Metrics  domain.Metrics
	Sender   Sender
	Logger   *slog.Logger

	ReconnectSleep time.Duration // default 1s
}

// Worker tails Config.Stream and delivers batches of entries to Config.Sender
// until ctx is cancelled or a non-transient backend error occurs.
type Worker struct {
	cfg    Config
	cursor domain.StreamCursor
	state  state
}

// New creates a Worker ready to Run.
func New(cfg Config) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.ReconnectSleep <= 0 {
		cfg.ReconnectSleep = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{cfg: cfg, cursor: cfg.Position, state: stateStarting}
}

// Run drives the worker's state machine until ctx is cancelled or a fatal
// backend error occurs. It always releases its dedicated backend connection
// before returning, on every exit path.
func (w *Worker) Run(ctx context.Context) error {
	log := w.cfg.Logger.With("subscription_id", w.cfg.SubscriptionID, "stream", w.cfg.Stream)

	dedicated, release, err := w.cfg.Backend.Dedicated(ctx)
	if err != nil {
		w.transition(log, stateFailed)
		return err
	}
	defer func() {
		if release != nil {
			release()
		}
	}()

	backoffPolicy := backoff.NewExponentialBackOff()
	backoffPolicy.InitialInterval = w.cfg.ReconnectSleep
	backoffPolicy.MaxInterval = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			w.transition(log, stateCancelled)
			return nil
		default:
		}

		w.transition(log, stateReading)

		entries, err := dedicated.BlockingRead(ctx, map[string]domain.StreamCursor{w.cfg.Stream: w.cursor})
		if err != nil {
			if ctx.Err() != nil {
				w.transition(log, stateCancelled)
				return nil
			}

			if !isTransient(err) {
				w.cfg.Metrics.BackendError("blocking_read")
				w.transition(log, stateFailed)
				return err
			}

			w.cfg.Metrics.BackendError("blocking_read")
			w.transition(log, stateReconnecting)
			log.Warn("subscription worker: transient backend failure, reconnecting", "error", err)

			sleep, backoffErr := backoffPolicy.NextBackOff()
			_ = backoffErr
			select {
			case <-time.After(sleep):
			case <-ctx.Done():
				w.transition(log, stateCancelled)
				return nil
			}

			release()
			dedicated, release, err = w.cfg.Backend.Dedicated(ctx)
			if err != nil {
				w.transition(log, stateFailed)
				return err
			}
			continue
		}

		backoffPolicy.Reset()

		matched, ok := entries[w.cfg.Stream]
		if !ok || len(matched) == 0 {
			continue
		}

		if err := w.deliver(ctx, log, matched); err != nil {
			w.transition(log, stateFailed)
			return err
		}
	}
}

// deliver filters, batches, and sends the newly read entries, advancing the
// cursor past every entry it processes (including ones it drops for a
// filter miss or a decode failure) so the cursor never regresses.
func (w *Worker) deliver(ctx context.Context, log *slog.Logger, entries []domain.StreamEntry) error {
	w.transition(log, stateDelivering)

	batch := make([]json.RawMessage, 0, w.cfg.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		frame := Frame{
			SubscriptionID: w.cfg.SubscriptionID,
			Messages:       batch,
			Position:       w.cursor,
		}
		if err := w.cfg.Sender.Send(okFrame(frame)); err != nil {
			return err
		}
		batch = make([]json.RawMessage, 0, w.cfg.BatchSize)
		return nil
	}

	for _, entry := range entries {
		var probe json.RawMessage
		if err := json.Unmarshal(entry.JSON, &probe); err != nil {
			w.cursor = entry.Cursor
			_ = w.cfg.Sender.Send(errorFrame(ErrorFrame{
				SubscriptionID: w.cfg.SubscriptionID,
				Position:       entry.Cursor,
				Error:          err.Error(),
			}))
			continue
		}

		if w.cfg.Filter != "" && w.cfg.Filterer != nil {
			matched, err := w.cfg.Filterer.Match(ctx, w.cfg.Filter, entry.JSON)
			if err != nil {
				w.cursor = entry.Cursor
				_ = w.cfg.Sender.Send(errorFrame(ErrorFrame{
					SubscriptionID: w.cfg.SubscriptionID,
					Position:       entry.Cursor,
					Error:          err.Error(),
				}))
				continue
			}
			if !matched {
				w.cursor = entry.Cursor
				continue
			}
		}

		batch = append(batch, json.RawMessage(entry.JSON))
		w.cursor = entry.Cursor

		if len(batch) >= w.cfg.BatchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}

func (w *Worker) transition(log *slog.Logger, next state) {
	if w.state == next {
		return
	}
	log.Debug("subscription worker: state transition", "from", w.state, "to", next)
	w.state = next
}

func isTransient(err error) bool {
	return errors.Is(err, domain.ErrBackendUnavailable)
}

func okFrame(body Frame) any {
	return struct {
		Action string `json:"action"`
		Body   Frame  `json:"body"`
	}{Action: "rtm/subscription/data", Body: body}
}

func errorFrame(body ErrorFrame) any {
	return struct {
		Action string     `json:"action"`
		Body   ErrorFrame `json:"body"`
	}{Action: "rtm/subscription/error", Body: body}
}
