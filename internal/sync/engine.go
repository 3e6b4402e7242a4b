// Package sync drains the outbox against the remote backend. Delivery is
// at-least-once per event with per-task ordering: once an event for a task
// fails in a run, later events for the same task are skipped so they never
// land out of order.
package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"taskbridge/internal/audit"
	"taskbridge/internal/domain"
	"taskbridge/internal/outbox"
	"taskbridge/internal/remote"
)

// Remote is the slice of the backend client the engine delivers through.
type Remote interface {
	PostComment(ctx context.Context, taskRef, text string) error
	SetStatus(ctx context.Context, taskRef, to string) error
}

type Engine struct {
	Store  outbox.Store
	Remote Remote

	// ClientFor resolves a per-profile client for events recorded under a
	// profile. Falls back to Remote when nil or when the event carries no
	// profile.
	ClientFor func(profile string) (Remote, error)

	// MaxAttempts caps cross-run retries of transient failures; an event
	// at the cap is failed permanently. Zero means no cap.
	MaxAttempts int

	Logger zerolog.Logger
	Audit  *audit.Writer
}

// Run drains pending events in insertion order. With dryRun set, nothing
// is sent and nothing is written; the result reports what a real run would
// deliver. Cancellation between events leaves the remainder pending, as do
// events whose profile has no usable client yet.
func (e *Engine) Run(ctx context.Context, dryRun bool) (domain.SyncResult, error) {
	res := domain.SyncResult{DryRun: dryRun}
	pending, err := e.Store.ListPending(ctx)
	if err != nil {
		return res, err
	}
	blocked := map[string]bool{}

	for _, ev := range pending {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		log := e.Logger.With().Str("event", ev.ID).Str("task", ev.TaskRef).Str("kind", string(ev.Kind)).Logger()

		if blocked[ev.TaskRef] {
			res.Skipped++
			log.Debug().Msg("skipped, earlier event for task failed this run")
			continue
		}

		if dryRun {
			if err := e.validate(ev); err != nil {
				res.Failed++
				res.Failures = append(res.Failures, domain.SyncFailure{EventID: ev.ID, TaskRef: ev.TaskRef, Error: err.Error(), Permanent: true})
				blocked[ev.TaskRef] = true
				continue
			}
			res.Sent++
			continue
		}

		client, resolveErr := e.clientFor(ev.Profile)
		if resolveErr != nil {
			// No delivery was attempted, so the row keeps its pending
			// status and attempt count.
			res.Failed++
			res.Failures = append(res.Failures, domain.SyncFailure{EventID: ev.ID, TaskRef: ev.TaskRef, Error: resolveErr.Error(), Permanent: false})
			blocked[ev.TaskRef] = true
			log.Warn().Err(resolveErr).Msg("no usable client, event stays pending")
			e.record(ctx, "sync.blocked", ev, map[string]any{"error": resolveErr.Error()})
			continue
		}

		sendErr := e.deliver(ctx, client, ev)
		if sendErr == nil {
			if err := e.Store.MarkSent(ctx, ev.ID); err != nil {
				return res, err
			}
			res.Sent++
			log.Info().Msg("event delivered")
			e.record(ctx, "sync.sent", ev, nil)
			continue
		}

		permanent := !remote.IsTransient(sendErr)
		if !permanent && e.MaxAttempts > 0 && ev.AttemptCount+1 >= e.MaxAttempts {
			permanent = true
			sendErr = fmt.Errorf("attempt limit reached: %w", sendErr)
		}
		if err := e.Store.MarkFailed(ctx, ev.ID, sendErr.Error(), permanent); err != nil {
			return res, err
		}
		res.Failed++
		res.Failures = append(res.Failures, domain.SyncFailure{EventID: ev.ID, TaskRef: ev.TaskRef, Error: sendErr.Error(), Permanent: permanent})
		blocked[ev.TaskRef] = true
		log.Warn().Bool("permanent", permanent).Err(sendErr).Msg("delivery failed")
		e.record(ctx, "sync.failed", ev, map[string]any{"error": sendErr.Error(), "permanent": permanent})
	}
	return res, nil
}

type commentPayload struct {
	Text string `json:"text"`
}

type statusPayload struct {
	To string `json:"to"`
}

func (e *Engine) validate(ev domain.OutboxEvent) error {
	switch ev.Kind {
	case domain.EventKindComment:
		var p commentPayload
		if err := json.Unmarshal([]byte(ev.PayloadJSON), &p); err != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}
		if p.Text == "" {
			return fmt.Errorf("comment payload missing text")
		}
	case domain.EventKindStatusChange:
		var p statusPayload
		if err := json.Unmarshal([]byte(ev.PayloadJSON), &p); err != nil {
			return fmt.Errorf("malformed payload: %w", err)
		}
		if p.To == "" {
			return fmt.Errorf("status payload missing target status")
		}
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return nil
}

func (e *Engine) deliver(ctx context.Context, client Remote, ev domain.OutboxEvent) error {
	if err := e.validate(ev); err != nil {
		return err
	}
	switch ev.Kind {
	case domain.EventKindComment:
		var p commentPayload
		json.Unmarshal([]byte(ev.PayloadJSON), &p)
		return client.PostComment(ctx, ev.TaskRef, p.Text)
	case domain.EventKindStatusChange:
		var p statusPayload
		json.Unmarshal([]byte(ev.PayloadJSON), &p)
		return client.SetStatus(ctx, ev.TaskRef, p.To)
	}
	return fmt.Errorf("unknown event kind %q", ev.Kind)
}

func (e *Engine) clientFor(profile string) (Remote, error) {
	if profile != "" && e.ClientFor != nil {
		return e.ClientFor(profile)
	}
	if e.Remote == nil {
		return nil, fmt.Errorf("no remote client configured")
	}
	return e.Remote, nil
}

func (e *Engine) record(ctx context.Context, typ string, ev domain.OutboxEvent, extra map[string]any) {
	if e.Audit == nil {
		return
	}
	payload := map[string]any{"event_id": ev.ID, "kind": string(ev.Kind)}
	for k, v := range extra {
		payload[k] = v
	}
	if err := e.Audit.Record(ctx, typ, ev.TaskRef, ev.Profile, payload); err != nil {
		e.Logger.Warn().Err(err).Msg("audit write failed")
	}
}
