// Package moderate decides what to do with classified group events: record
// leavers, reject blacklisted join requests, optionally approve the rest.
package moderate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"qqban/event"
	"qqban/metrics"
	"qqban/pkg/guard"
)

// Store persists per-group blacklists.
type Store interface {
	Add(ctx context.Context, groupID, userID string) (bool, error)
	Contains(ctx context.Context, groupID, userID string) (bool, error)
}

// Responder answers pending join requests on the chat platform.
type Responder interface {
	RespondJoinRequest(ctx context.Context, flag, subType string, approve bool, reason string) error
}

// Messenger delivers notice messages into a group.
type Messenger interface {
	SendGroupMessage(ctx context.Context, groupID, text string) error
}

// Engine is the per-event decision engine. It holds no state of its own;
// everything durable lives in the Store. No failure it encounters ever
// propagates to the caller: storage and platform errors degrade to "no
// action taken" with a log line.
type Engine struct {
	policy    *guard.Policy
	store     Store
	responder Responder
	messenger Messenger
	logger    *slog.Logger
}

// New creates a new decision engine.
func New(policy *guard.Policy, store Store, responder Responder, messenger Messenger, logger *slog.Logger) *Engine {
	return &Engine{
		policy:    policy,
		store:     store,
		responder: responder,
		messenger: messenger,
		logger:    logger,
	}
}

// HandleRaw classifies a raw platform payload and handles it. Payloads that
// do not decode to a known event shape are dropped without logging.
func (e *Engine) HandleRaw(ctx context.Context, raw []byte) {
	ev := event.Decode(raw, "")
	if ev == nil {
		metrics.EventsTotal.WithLabelValues("ignored").Inc()
		return
	}
	e.Handle(ctx, ev)
}

// Handle runs the decision logic for one classified event.
func (e *Engine) Handle(ctx context.Context, ev guard.Event) {
	if !e.policy.GroupAllowed(ev.Group()) {
		metrics.EventsTotal.WithLabelValues("out_of_scope").Inc()
		return
	}

	logger := e.logger.With("event_id", uuid.NewString(), "group_id", ev.Group())

	switch ev := ev.(type) {
	case *guard.LeaveEvent:
		metrics.EventsTotal.WithLabelValues("leave").Inc()
		e.handleLeave(ctx, ev, logger)
	case *guard.JoinRequest:
		metrics.EventsTotal.WithLabelValues("join_request").Inc()
		e.handleJoinRequest(ctx, ev, logger)
	default:
		logger.Warn("Unhandled event variant", "type", fmt.Sprintf("%T", ev))
	}
}

func (e *Engine) handleLeave(ctx context.Context, ev *guard.LeaveEvent, logger *slog.Logger) {
	added, err := e.store.Add(ctx, ev.GroupID, ev.UserID)
	if err != nil {
		metrics.BlacklistAddTotal.WithLabelValues("error").Inc()
		logger.Error("Failed to record leaver in blacklist", "user_id", ev.UserID, "error", err)
		return
	}

	if !added {
		// Duplicate notice for a user already on the blacklist.
		metrics.BlacklistAddTotal.WithLabelValues("duplicate").Inc()
		logger.Info("Leaver already blacklisted", "user_id", ev.UserID)
		return
	}

	metrics.BlacklistAddTotal.WithLabelValues("added").Inc()
	logger.Info("Leaver added to blacklist", "user_id", ev.UserID)

	if !e.policy.NoticeEnabled {
		return
	}
	notice := e.policy.RenderLeaveNotice(ev.GroupID, ev.UserID)
	if err := e.messenger.SendGroupMessage(ctx, ev.GroupID, notice); err != nil {
		logger.Error("Failed to send leave notice", "user_id", ev.UserID, "error", err)
	}
}

func (e *Engine) handleJoinRequest(ctx context.Context, ev *guard.JoinRequest, logger *slog.Logger) {
	blacklisted, err := e.store.Contains(ctx, ev.GroupID, ev.UserID)
	if err != nil {
		// Fail open: an unreadable blacklist must not block every join.
		logger.Error("Failed to check blacklist, treating requester as not blacklisted", "user_id", ev.UserID, "error", err)
		blacklisted = false
	}

	switch {
	case blacklisted:
		if err := e.responder.RespondJoinRequest(ctx, ev.Flag, ev.SubType, false, e.policy.RejectReason); err != nil {
			metrics.ActionsTotal.WithLabelValues("reject", "error").Inc()
			logger.Error("Failed to reject join request", "user_id", ev.UserID, "error", err)
		} else {
			metrics.ActionsTotal.WithLabelValues("reject", "ok").Inc()
			logger.Info("Join request automatically rejected", "user_id", ev.UserID)
		}

		// The rejection notice reflects intent, not confirmed remote state:
		// it is sent whether or not the reject call succeeded.
		if e.policy.NoticeEnabled {
			notice := fmt.Sprintf("blacklisted member %s requested to join and was automatically rejected.", guard.Mention(ev.UserID))
			if err := e.messenger.SendGroupMessage(ctx, ev.GroupID, notice); err != nil {
				logger.Error("Failed to send rejection notice", "user_id", ev.UserID, "error", err)
			}
		}

	case e.policy.AutoApprove:
		if err := e.responder.RespondJoinRequest(ctx, ev.Flag, ev.SubType, true, ""); err != nil {
			metrics.ActionsTotal.WithLabelValues("approve", "error").Inc()
			logger.Error("Failed to approve join request", "user_id", ev.UserID, "error", err)
			// A false "approved" announcement is worse than a missing one.
			return
		}
		metrics.ActionsTotal.WithLabelValues("approve", "ok").Inc()
		logger.Info("Join request automatically approved", "user_id", ev.UserID)

		if e.policy.NoticeEnabled {
			notice := fmt.Sprintf("join request from %s was automatically approved.", guard.Mention(ev.UserID))
			if err := e.messenger.SendGroupMessage(ctx, ev.GroupID, notice); err != nil {
				logger.Error("Failed to send approval notice", "user_id", ev.UserID, "error", err)
			}
		}

	default:
		logger.Info("Join request left for manual review", "user_id", ev.UserID)
	}
}
