package convstore

import (
	"context"
	"errors"
	"time"

	"github.com/rbaliyan/convstore/retry"
	"github.com/rbaliyan/convstore/store"
	"go.opentelemetry.io/otel/attribute"
)

// RecordDeliveryFailure records a failed delivery attempt of a queued rich
// message and schedules the next one.
//
// The next due time grows exponentially with the entry's retry index under
// the WithDeliveryRetry policy. A failure classified at or above
// store.ErrTypePermanent, or one that uses up the last retry, is recorded as
// permanent: the entry stays queued with no further attempt due, the
// thread's error count includes it, and DeliveryFailed is published.
func (s *Service) RecordDeliveryFailure(ctx context.Context, p store.Partition, messageID int64, errType, errCode int) (*store.PendingEntry, error) {
	if messageID <= 0 {
		return nil, ErrInvalidID
	}
	st, err := s.Store(p)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ctx, endSpan := s.otel.startSpan(ctx, "convstore.delivery.failure",
		attribute.String("partition", p.String()),
		attribute.Int64("message_id", messageID),
	)
	entry, err := s.recordDeliveryFailure(ctx, st, p, messageID, errType, errCode, start)
	endSpan(err)
	s.otel.record(ctx, opDelivery, p, time.Since(start), err)
	return entry, err
}

func (s *Service) recordDeliveryFailure(ctx context.Context, st store.Store, p store.Partition, messageID int64, errType, errCode int, now time.Time) (*store.PendingEntry, error) {
	entries, err := st.PendingEntries(ctx, []store.Filter{store.PendingFor(messageID)}, store.ListOptions{Limit: 1})
	if err != nil {
		return nil, fromStore(err)
	}
	if len(entries) == 0 {
		return nil, ErrNoPendingEntry
	}
	e := entries[0]

	retryIndex := e.RetryIndex + 1
	if errType < store.ErrTypePermanent && retry.Exhausted(s.opts.deliveryRetry, retryIndex) {
		errType = store.ErrTypePermanent
	}
	attempt := store.DeliveryAttempt{
		ErrType:    errType,
		ErrCode:    errCode,
		RetryIndex: retryIndex,
		LastTry:    now.UnixMilli(),
	}
	if errType < store.ErrTypePermanent {
		attempt.DueTime = retry.NextAttempt(s.opts.deliveryRetry, e.RetryIndex, now).UnixMilli()
	}

	if err := st.RecordDeliveryAttempt(ctx, messageID, attempt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Removed between the read and the write.
			return nil, ErrNoPendingEntry
		}
		return nil, fromStore(err)
	}

	e.ErrType = attempt.ErrType
	e.ErrCode = attempt.ErrCode
	e.RetryIndex = attempt.RetryIndex
	e.DueTime = attempt.DueTime
	e.LastTry = attempt.LastTry

	if !e.Permanent() {
		s.logger.Debug("delivery rescheduled", "partition", p, "message_id", messageID,
			"retry_index", e.RetryIndex, "due", time.UnixMilli(e.DueTime))
		return e, nil
	}

	s.logger.Warn("delivery failed permanently", "partition", p, "message_id", messageID,
		"err_type", e.ErrType, "err_code", e.ErrCode, "retry_index", e.RetryIndex)
	if err := publish(ctx, s.opts, s.events.DeliveryFailed, "DeliveryFailed", DeliveryFailedEvent{
		Partition:  p.String(),
		MessageID:  messageID,
		ErrType:    e.ErrType,
		ErrCode:    e.ErrCode,
		RetryIndex: e.RetryIndex,
		FailedAt:   now.UTC(),
	}); err != nil {
		return e, err
	}
	return e, nil
}

// DuePending returns the entries of a partition whose next attempt is due
// at or before now, earliest first. Permanently failed entries are left out.
func (s *Service) DuePending(ctx context.Context, p store.Partition, now time.Time, limit int) ([]*store.PendingEntry, error) {
	st, err := s.Store(p)
	if err != nil {
		return nil, err
	}
	due, err := store.PendingFilter("DueTime").LessThanEqual(now.UnixMilli())
	if err != nil {
		return nil, err
	}
	transient, err := store.PendingFilter("ErrType").LessThan(store.ErrTypePermanent)
	if err != nil {
		return nil, err
	}
	entries, err := st.PendingEntries(ctx, []store.Filter{due, transient}, store.ListOptions{Limit: limit})
	if err != nil {
		return nil, fromStore(err)
	}
	return entries, nil
}
