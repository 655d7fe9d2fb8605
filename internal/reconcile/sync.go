// Package reconcile brings the ledger in line with the trading surface and
// audits the surface's order queue.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alpha_rebalancer/internal/execution"
	"alpha_rebalancer/internal/ledger"
	"alpha_rebalancer/internal/models"

	"github.com/sirupsen/logrus"
)

// ErrSafeguard means the surface reported no holdings while the ledger has
// positions and trades. That is treated as a read failure; nothing changes.
var ErrSafeguard = errors.New("empty holdings safeguard triggered")

// Surface is what reconciliation reads from the trading surface.
type Surface interface {
	FetchHoldings(ctx context.Context) (map[string]int, error)
	FetchTradeCount(ctx context.Context) (int, error)
	FetchOrderHistory(ctx context.Context) ([]models.HistoryRecord, error)
}

// Ledger is the part of the ledger reconciliation corrects.
type Ledger interface {
	Positions() []*models.Position
	TradesUsed() int
	SetTradesUsed(n int) error
	SyncHoldings(target map[string]ledger.Holding, asOf time.Time) ([]ledger.SyncChange, error)
	Submissions(status models.SubmissionStatus) []models.SubmissionRecord
	MarkSubmission(key string, status models.SubmissionStatus, at time.Time) error
	ApplyReconciled(f ledger.Fill) (models.TradeRecord, error)
	Day(t time.Time) string
}

// Buckets maps a ticker to its satellite bucket.
type Buckets interface {
	BucketOf(ticker string) (string, bool)
}

// Reconciler runs the explicit sync step.
type Reconciler struct {
	surface Surface
	ledger  Ledger
	buckets Buckets
	log     logrus.FieldLogger
	now     func() time.Time
	started time.Time // SUBMITTED records older than this belong to a run that died
}

// New returns a reconciler.
func New(surface Surface, l Ledger, buckets Buckets, log logrus.FieldLogger) *Reconciler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Reconciler{surface: surface, ledger: l, buckets: buckets, log: log, now: time.Now, started: time.Now()}
}

// SyncReport summarises one sync.
type SyncReport struct {
	TradesBefore int
	TradesAfter  int
	Changes      []ledger.SyncChange
}

// Sync adopts the surface's holdings and trade count. New tickers get a lot
// stamped now, so they are held for a full window before they can be sold.
func (r *Reconciler) Sync(ctx context.Context) (SyncReport, error) {
	holdings, err := r.surface.FetchHoldings(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("fetch holdings: %w: %w", models.ErrDataUnavailable, err)
	}
	count, err := r.surface.FetchTradeCount(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("fetch trade count: %w: %w", models.ErrDataUnavailable, err)
	}

	rep := SyncReport{TradesBefore: r.ledger.TradesUsed()}
	positions := r.ledger.Positions()
	if len(holdings) == 0 && len(positions) > 0 && rep.TradesBefore > 0 {
		r.log.WithFields(logrus.Fields{"positions": len(positions), "trades": rep.TradesBefore}).
			Error("Surface returned no holdings; keeping the ledger as is")
		return rep, fmt.Errorf("%w: %w", ErrSafeguard, models.ErrDataUnavailable)
	}

	if count != rep.TradesBefore {
		r.log.Warnf("Trade count mismatch: ledger=%d surface=%d", rep.TradesBefore, count)
		if err := r.ledger.SetTradesUsed(count); err != nil {
			if !errors.Is(err, ledger.ErrTradeCountRegression) {
				return rep, err
			}
			r.log.WithError(err).Warn("Keeping ledger trade count")
		}
	}
	rep.TradesAfter = r.ledger.TradesUsed()

	target := make(map[string]ledger.Holding, len(holdings))
	for t, q := range holdings {
		bucket, _ := r.buckets.BucketOf(t)
		target[t] = ledger.Holding{Quantity: q, Bucket: bucket}
	}
	for _, p := range positions {
		if _, ok := target[p.Ticker]; !ok {
			r.log.WithField("ticker", p.Ticker).Warn("Held in ledger but not on the surface, removing")
		}
	}
	changes, err := r.ledger.SyncHoldings(target, r.now())
	if err != nil {
		return rep, fmt.Errorf("sync holdings: %w", err)
	}
	for _, c := range changes {
		r.log.WithField("ticker", c.Ticker).Infof("Position corrected: %s", c)
	}
	rep.Changes = changes
	return rep, nil
}

// Resolution is the outcome for one unsettled submission.
type Resolution struct {
	Record models.SubmissionRecord
	Status models.SubmissionStatus // new status; unchanged when still open
	Trade  *models.TradeRecord
}

// unsettled lists UNCERTAIN records plus SUBMITTED ones left behind by an
// earlier run that stopped before verifying them.
func (r *Reconciler) unsettled() []models.SubmissionRecord {
	out := r.ledger.Submissions(models.SubmissionUncertain)
	for _, rec := range r.ledger.Submissions(models.SubmissionSubmitted) {
		if rec.UpdatedAt.Before(r.started) {
			out = append(out, rec)
		}
	}
	return out
}

// ResolveUncertain searches order history for every unsettled submission.
// Filled orders are booked, refused or missing ones are marked rejected, open
// ones are left for the next pass. It runs before Sync so a booked fill is
// already in the lots Sync compares against.
func (r *Reconciler) ResolveUncertain(ctx context.Context) ([]Resolution, error) {
	pending := r.unsettled()
	if len(pending) == 0 {
		return nil, nil
	}
	history, err := r.surface.FetchOrderHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch order history: %w: %w", models.ErrDataUnavailable, err)
	}

	out := make([]Resolution, 0, len(pending))
	for _, rec := range pending {
		o := orderFromRecord(rec)
		res := Resolution{Record: rec, Status: rec.Status}
		log := r.log.WithFields(logrus.Fields{"ticker": rec.Ticker, "side": rec.Side, "key": rec.Key, "status": rec.Status})

		h, found := execution.MatchHistory(history, o, r.ledger.Day)
		switch {
		case found && h.Status == models.HistoryFilled:
			at := h.FilledAt
			if at.IsZero() {
				at = r.now()
			}
			trade, err := r.ledger.ApplyReconciled(ledger.Fill{Order: o, Price: h.FilledPrice, At: at})
			if err != nil {
				return out, fmt.Errorf("booking %s: %w", rec.Key, err)
			}
			res.Status, res.Trade = models.SubmissionConfirmed, &trade
			log.Info("Unsettled order found filled, booked")
		case found && h.IsOpen():
			log.Info("Unsettled order still open")
		default:
			if err := r.ledger.MarkSubmission(rec.Key, models.SubmissionRejected, r.now()); err != nil {
				return out, err
			}
			res.Status = models.SubmissionRejected
			log.Warn("Unsettled order not placed, marked rejected")
		}
		out = append(out, res)
	}
	return out, nil
}

// orderFromRecord rebuilds the logical order behind a submission.
func orderFromRecord(rec models.SubmissionRecord) models.Order {
	return models.Order{
		Ticker:         rec.Ticker,
		Side:           rec.Side,
		Quantity:       rec.Quantity,
		ReferencePrice: rec.Price,
		Bucket:         rec.Bucket,
		Reason:         rec.Reason,
		InitialBuild:   rec.Side == models.Buy && !rec.Replacement,
		Day:            rec.Day,
		IdempotencyKey: rec.Key,
	}
}
