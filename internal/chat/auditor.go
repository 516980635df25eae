package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"courier/internal/metrics"
)

// DefaultAuditCron runs the auditor at the top of every hour.
const DefaultAuditCron = "0 * * * *"

// Auditor detects and repairs drift between a message's recorded conversation
// reference and the conversation that actually embeds it, and reconciles
// TotalMessages against the archive. It is the compensating control for the
// non-atomic dual write, not the primary consistency mechanism; repair
// failures are logged and never block normal traffic.
type Auditor struct {
	log   *slog.Logger
	store *ConversationStore
}

// NewAuditor constructs an Auditor over the given store.
func NewAuditor(log *slog.Logger, store *ConversationStore) *Auditor {
	return &Auditor{log: log, store: store}
}

// Report summarizes one audit pass.
type Report struct {
	Conversations int
	Restamped     int
	Rehomed       int
	Recounted     int
	Failures      int
}

// RunOnce audits every conversation.
func (a *Auditor) RunOnce(ctx context.Context) (Report, error) {
	return a.run(ctx, "")
}

// RunForUser audits only conversations listing the user.
func (a *Auditor) RunForUser(ctx context.Context, userID string) (Report, error) {
	return a.run(ctx, userID)
}

type driftedMessage struct {
	msg          Message
	participants []string
}

func (a *Auditor) run(ctx context.Context, userID string) (Report, error) {
	var rep Report

	a.store.mu.RLock()
	entries := make([]*convEntry, 0, len(a.store.convs))
	for _, e := range a.store.convs {
		entries = append(entries, e)
	}
	a.store.mu.RUnlock()

	var orphans []driftedMessage

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		e.mu.Lock()
		if userID != "" && !e.c.HasParticipant(userID) {
			e.mu.Unlock()
			continue
		}
		rep.Conversations++

		changed := false
		kept := e.c.Messages[:0:0]
		for i := range e.c.Messages {
			m := &e.c.Messages[i]
			if m.ConversationID == e.c.ID {
				kept = append(kept, *m)
				continue
			}

			if e.c.HasParticipant(m.Sender) {
				// The embedding conversation is the rightful owner; the
				// recorded reference is stale. Restamp in place.
				a.log.Warn("audit.restamp",
					"message_id", m.ID, "recorded", m.ConversationID, "owner", e.c.ID)
				m.ConversationID = e.c.ID
				changed = true
				rep.Restamped++
				metrics.AuditRepairs.WithLabelValues("restamp").Inc()
				kept = append(kept, *m)
				continue
			}

			// Sender is not even a participant here: the message landed in the
			// wrong conversation. Pull it out and re-home it below.
			orphan := copyMessage(m)
			participants := append([]string(nil), e.c.Participants...)
			orphans = append(orphans, driftedMessage{msg: orphan, participants: participants})
			changed = true
			a.store.refMu.Lock()
			delete(a.store.msgRef, m.ID)
			a.store.refMu.Unlock()
		}
		if changed {
			e.c.Messages = kept
			for id := range e.pos {
				delete(e.pos, id)
			}
			for i := range e.c.Messages {
				e.pos[e.c.Messages[i].ID] = i
			}
		}

		// Counter reconciliation: the archive count is authoritative.
		if count, err := a.store.archive.Count(ctx, e.c.ID); err != nil {
			rep.Failures++
			a.log.Warn("audit.count.fail", "conversation_id", e.c.ID, "err", err)
		} else if count != e.c.TotalMessages {
			a.log.Warn("audit.recount",
				"conversation_id", e.c.ID, "recorded", e.c.TotalMessages, "archived", count)
			e.c.TotalMessages = count
			rep.Recounted++
			metrics.AuditRepairs.WithLabelValues("recount").Inc()
		}
		e.mu.Unlock()
	}

	for _, d := range orphans {
		if err := a.rehome(ctx, d); err != nil {
			rep.Failures++
			a.log.Error("audit.rehome.fail",
				"message_id", d.msg.ID,
				"sender", d.msg.Sender,
				"recorded_conversation", d.msg.ConversationID,
				"match_participants", fmt.Sprintf("%v", d.participants),
				"err", err)
			continue
		}
		rep.Rehomed++
		metrics.AuditRepairs.WithLabelValues("rehome").Inc()
	}

	a.log.Info("audit.done",
		"conversations", rep.Conversations,
		"restamped", rep.Restamped,
		"rehomed", rep.Rehomed,
		"recounted", rep.Recounted,
		"failures", rep.Failures)
	return rep, nil
}

// rehome places an orphaned message into the conversation matching
// (sender, participant set), creating one only if none matches.
func (a *Auditor) rehome(ctx context.Context, d driftedMessage) error {
	participants := append([]string(nil), d.participants...)
	participants = append(participants, d.msg.Sender)

	target, err := a.store.Find(ctx, participants)
	if err == ErrNotFound {
		typ := ConversationDirect
		if len(dedupeParticipants(participants)) > 2 {
			typ = ConversationGroup
		}
		target, err = a.store.Create(ctx, participants, typ)
	}
	if err != nil {
		return err
	}

	return a.store.adoptMessage(target.ID, d.msg)
}

// adoptMessage inserts a repaired message into a conversation's window without
// touching unread counters; the counter reconciliation pass owns totals.
func (s *ConversationStore) adoptMessage(conversationID string, msg Message) error {
	e := s.entry(conversationID)
	if e == nil {
		return ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	msg.ConversationID = e.c.ID
	e.c.Messages = append(e.c.Messages, msg)
	e.pos[msg.ID] = len(e.c.Messages) - 1

	s.refMu.Lock()
	s.msgRef[msg.ID] = e.c.ID
	s.refMu.Unlock()

	if evicted := len(e.c.Messages) - WindowCap; evicted > 0 {
		old := e.c.Messages[:evicted]
		s.refMu.Lock()
		for i := range old {
			delete(s.msgRef, old[i].ID)
		}
		s.refMu.Unlock()

		e.c.Messages = append(e.c.Messages[:0:0], e.c.Messages[evicted:]...)
		for id := range e.pos {
			delete(e.pos, id)
		}
		for i := range e.c.Messages {
			e.pos[e.c.Messages[i].ID] = i
		}
	}
	return nil
}

// Start schedules periodic audit runs with the given cron expression and
// returns a cancel func for shutdown.
func (a *Auditor) Start(ctx context.Context, cronExpr string) (context.CancelFunc, error) {
	if cronExpr == "" {
		cronExpr = DefaultAuditCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid audit cron expression: %s", cronExpr)
	}

	ctx2, cancel := context.WithCancel(ctx)
	go a.runScheduler(ctx2, cronExpr)

	a.log.Info("audit.scheduler.start", "cron", cronExpr)
	return cancel, nil
}

// runScheduler computes the next cron tick and sleeps until then.
func (a *Auditor) runScheduler(ctx context.Context, cronExpr string) {
	for {
		select {
		case <-ctx.Done():
			a.log.Info("audit.scheduler.stop")
			return
		default:
		}

		next, err := gronx.NextTickAfter(cronExpr, time.Now().UTC(), false)
		if err != nil {
			a.log.Error("audit.nexttick.fail", "cron", cronExpr, "err", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			a.log.Info("audit.scheduler.stop")
			return
		}

		if _, err := a.RunOnce(ctx); err != nil && ctx.Err() == nil {
			a.log.Error("audit.run.fail", "err", err)
		}
	}
}
