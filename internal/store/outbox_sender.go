package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/WaffleCafe/internal/models"
)

// DefaultOutboxMaxAttempts gives every notification one retry.
const DefaultOutboxMaxAttempts = 2

// OutboxSendFunc is the callback that performs the actual message send.
// It receives the outbox message and should return an error if sending failed.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// ReceiptRecorder stores the outcome of each send attempt.
type ReceiptRecorder interface {
	AddReceipt(r models.Receipt) error
}

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	receipts       ReceiptRecorder
	limiter        *rate.Limiter
	pollInterval   time.Duration
	staleThreshold time.Duration
	retryDelay     time.Duration
	claimLimit     int
	maxAttempts    int
}

// OutboxSenderOption configures an OutboxSender.
type OutboxSenderOption func(*OutboxSender)

// WithRateLimit paces sends to perSecond messages with an equal burst.
// Non-positive values disable pacing.
func WithRateLimit(perSecond int) OutboxSenderOption {
	return func(s *OutboxSender) {
		if perSecond <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
}

// WithReceipts records a receipt for every sent or finally failed message.
func WithReceipts(r ReceiptRecorder) OutboxSenderOption {
	return func(s *OutboxSender) {
		s.receipts = r
	}
}

// WithMaxAttempts sets how many times a message is tried before it is failed.
func WithMaxAttempts(n int) OutboxSenderOption {
	return func(s *OutboxSender) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the base delay before a failed message is retried.
func WithRetryDelay(d time.Duration) OutboxSenderOption {
	return func(s *OutboxSender) {
		if d >= 0 {
			s.retryDelay = d
		}
	}
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration, opts ...OutboxSenderOption) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	s := &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		retryDelay:     10 * time.Second,
		claimLimit:     10,
		maxAttempts:    DefaultOutboxMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecoverStaleMessages requeues messages stuck in sending state (crash recovery).
func (s *OutboxSender) RecoverStaleMessages() error {
	staleBefore := time.Now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval, "maxAttempts", s.maxAttempts)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Flush(ctx)
		}
	}
}

// Flush sends every message that is due now and returns how many were tried.
func (s *OutboxSender) Flush(ctx context.Context) int {
	now := time.Now()
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.claimLimit)
	if err != nil {
		slog.Error("OutboxSender.Flush: claim failed", "error", err)
		return 0
	}

	for _, msg := range msgs {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				// Context ended; leave the message for stale recovery.
				slog.Warn("OutboxSender.Flush: rate limiter wait aborted", "id", msg.ID, "error", err)
				return len(msgs)
			}
		}
		s.sendOne(ctx, msg, now)
	}
	return len(msgs)
}

func (s *OutboxSender) sendOne(ctx context.Context, msg OutboxMessage, now time.Time) {
	slog.Debug("OutboxSender.sendOne: sending message", "id", msg.ID, "userID", msg.UserID, "kind", msg.Kind, "attempt", msg.Attempts+1)
	err := s.sendFunc(ctx, msg)
	if err == nil {
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			slog.Error("OutboxSender.sendOne: mark sent error", "id", msg.ID, "error", err)
		}
		s.record(msg, models.MessageStatusSent, "")
		slog.Debug("OutboxSender.sendOne: message sent", "id", msg.ID, "userID", msg.UserID)
		return
	}

	if msg.Attempts+1 >= s.maxAttempts {
		slog.Warn("OutboxSender.sendOne: giving up on message", "id", msg.ID, "userID", msg.UserID, "attempts", msg.Attempts+1, "error", err)
		if ferr := s.repo.MarkOutboxMessageFailed(msg.ID, err.Error()); ferr != nil {
			slog.Error("OutboxSender.sendOne: mark failed error", "id", msg.ID, "error", ferr)
		}
		s.record(msg, models.MessageStatusFailed, err.Error())
		return
	}

	slog.Error("OutboxSender.sendOne: send failed, will retry", "id", msg.ID, "error", err)
	// Exponential backoff from retryDelay: 10s, 20s, 40s, ...
	nextAttempt := now.Add(s.retryDelay * time.Duration(1<<msg.Attempts))
	if ferr := s.repo.FailOutboxMessage(msg.ID, err.Error(), nextAttempt); ferr != nil {
		slog.Error("OutboxSender.sendOne: fail message error", "id", msg.ID, "error", ferr)
	}
}

func (s *OutboxSender) record(msg OutboxMessage, status models.MessageStatus, errMsg string) {
	if s.receipts == nil {
		return
	}
	r := models.Receipt{
		To:     msg.UserID,
		Type:   models.NotificationType(msg.Kind),
		Status: status,
		Error:  errMsg,
		Time:   time.Now().Unix(),
	}
	var payload models.NotificationPayload
	if err := json.Unmarshal([]byte(msg.PayloadJSON), &payload); err == nil {
		r.WaffleID = payload.WaffleID
	}
	if err := s.receipts.AddReceipt(r); err != nil {
		slog.Error("OutboxSender.record: add receipt failed", "id", msg.ID, "error", err)
	}
}
