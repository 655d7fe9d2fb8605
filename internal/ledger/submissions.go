package ledger

import (
	"fmt"
	"sort"
	"time"

	"alpha_rebalancer/internal/models"
)

// HasSubmitted looks up a live (not rejected) submission for the key.
func (l *Ledger) HasSubmitted(key string) (models.SubmissionRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.state.Submissions[key]
	if !ok || rec.Status == models.SubmissionRejected {
		return models.SubmissionRecord{}, false
	}
	return rec, true
}

// RecordSubmission persists the intent to submit before the order reaches the
// trading surface. A rejected record for the same key may be reused.
func (l *Ledger) RecordSubmission(o models.Order, at time.Time) (models.SubmissionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if rec, ok := l.state.Submissions[o.IdempotencyKey]; ok && rec.Status != models.SubmissionRejected {
		return rec, fmt.Errorf("%w: %s (%s)", ErrAlreadyRecorded, o.IdempotencyKey, rec.Status)
	}
	rec := models.SubmissionRecord{
		Key:           o.IdempotencyKey,
		ClientOrderID: o.ClientOrderID(),
		Ticker:        o.Ticker,
		Side:          o.Side,
		Quantity:      o.Quantity,
		Price:         o.ReferencePrice,
		Bucket:        o.Bucket,
		Reason:        o.Reason,
		Replacement:   o.CountsAsReplacement(),
		Day:           o.Day,
		Status:        models.SubmissionSubmitted,
		UpdatedAt:     at.UTC(),
	}
	err := l.mutate(func(st *models.PortfolioState) error {
		st.Submissions[rec.Key] = rec
		return nil
	})
	return rec, err
}

// MarkSubmission moves a record to a new status.
func (l *Ledger) MarkSubmission(key string, status models.SubmissionStatus, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mutate(func(st *models.PortfolioState) error {
		rec, ok := st.Submissions[key]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownSubmission, key)
		}
		rec.Status = status
		rec.UpdatedAt = at.UTC()
		st.Submissions[key] = rec
		return nil
	})
}

// Submissions lists records with the given status (all when empty), oldest first.
func (l *Ledger) Submissions(status models.SubmissionStatus) []models.SubmissionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.SubmissionRecord
	for _, rec := range l.state.Submissions {
		if status == "" || rec.Status == status {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}
