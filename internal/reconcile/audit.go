package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"alpha_rebalancer/internal/execution"
	"alpha_rebalancer/internal/models"

	"github.com/sirupsen/logrus"
)

// ErrCancelUnsupported means the surface cannot cancel queued orders.
var ErrCancelUnsupported = errors.New("surface cannot cancel orders")

// QueueSurface lists the surface's orders.
type QueueSurface interface {
	FetchOrderHistory(ctx context.Context) ([]models.HistoryRecord, error)
}

// AuditUniverse is what the auditor checks queued orders against.
type AuditUniverse interface {
	Contains(ticker string) bool
	ProhibitedReason(ticker string) string
}

// Holdings reports ledger quantities.
type Holdings interface {
	TotalShares(ticker string) int
}

// InvalidOrder is a queued order that breaks a rule.
type InvalidOrder struct {
	Order  models.HistoryRecord
	Reason string
}

// AuditReport describes the open order queue.
type AuditReport struct {
	Total      int
	Buys       int
	Sells      int
	ByTicker   map[string]int
	Duplicates []models.HistoryRecord // every copy after the first of a group
	Invalid    []InvalidOrder
	Warnings   []string
}

// Healthy is true without duplicates or invalid orders.
func (r AuditReport) Healthy() bool {
	return len(r.Duplicates) == 0 && len(r.Invalid) == 0
}

// Auditor inspects the queue. It never touches the ledger.
type Auditor struct {
	surface  QueueSurface
	universe AuditUniverse
	holdings Holdings
	maxQty   int
	log      logrus.FieldLogger
}

// NewAuditor returns an auditor. Orders above maxQty shares are flagged.
func NewAuditor(surface QueueSurface, universe AuditUniverse, holdings Holdings, maxQty int, log logrus.FieldLogger) *Auditor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Auditor{surface: surface, universe: universe, holdings: holdings, maxQty: maxQty, log: log}
}

func (a *Auditor) openOrders(ctx context.Context) ([]models.HistoryRecord, error) {
	history, err := a.surface.FetchOrderHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch order queue: %w: %w", models.ErrDataUnavailable, err)
	}
	var open []models.HistoryRecord
	for _, h := range history {
		if h.IsOpen() {
			open = append(open, h)
		}
	}
	sort.SliceStable(open, func(i, j int) bool { return open[i].SubmittedAt.Before(open[j].SubmittedAt) })
	return open, nil
}

type groupKey struct {
	ticker string
	side   models.Side
	qty    int
}

// duplicateGroups groups open orders by ticker, side and quantity, oldest
// first, keeping only groups with more than one order.
func duplicateGroups(open []models.HistoryRecord) [][]models.HistoryRecord {
	groups := map[groupKey][]models.HistoryRecord{}
	var order []groupKey
	for _, o := range open {
		k := groupKey{o.Ticker, o.Side, o.Quantity}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], o)
	}
	var out [][]models.HistoryRecord
	for _, k := range order {
		if len(groups[k]) > 1 {
			out = append(out, groups[k])
		}
	}
	return out
}

// Audit reports duplicates, invalid orders and disagreements with the ledger.
func (a *Auditor) Audit(ctx context.Context) (AuditReport, error) {
	open, err := a.openOrders(ctx)
	if err != nil {
		return AuditReport{}, err
	}
	rep := AuditReport{Total: len(open), ByTicker: map[string]int{}}

	for _, o := range open {
		rep.ByTicker[o.Ticker]++
		if o.Side == models.Buy {
			rep.Buys++
		} else {
			rep.Sells++
		}
		if reason := a.invalidReason(o); reason != "" {
			rep.Invalid = append(rep.Invalid, InvalidOrder{Order: o, Reason: reason})
		}
		held := a.holdings.TotalShares(o.Ticker)
		switch {
		case o.Side == models.Buy && held > 0:
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("BUY queued for %s while holding %d shares", o.Ticker, held))
		case o.Side == models.Sell && held == 0:
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("SELL queued for %s with no position in the ledger", o.Ticker))
		}
	}
	for _, g := range duplicateGroups(open) {
		rep.Duplicates = append(rep.Duplicates, g[1:]...)
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("%d identical %s %d %s orders", len(g), g[0].Side, g[0].Quantity, g[0].Ticker))
	}
	tickers := make([]string, 0, len(rep.ByTicker))
	for t := range rep.ByTicker {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	for _, t := range tickers {
		if n := rep.ByTicker[t]; n > 1 {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("%d open orders for %s", n, t))
		}
	}

	a.log.WithFields(logrus.Fields{
		"open":       rep.Total,
		"duplicates": len(rep.Duplicates),
		"invalid":    len(rep.Invalid),
	}).Info("Queue audit complete")
	for _, w := range rep.Warnings {
		a.log.Warn(w)
	}
	return rep, nil
}

func (a *Auditor) invalidReason(o models.HistoryRecord) string {
	if reason := a.universe.ProhibitedReason(o.Ticker); reason != "" {
		return reason
	}
	if o.Side == models.Buy && !a.universe.Contains(o.Ticker) {
		return fmt.Sprintf("%s is outside the universe", o.Ticker)
	}
	if o.Quantity <= 0 {
		return fmt.Sprintf("invalid share count %d", o.Quantity)
	}
	if a.maxQty > 0 && o.Quantity > a.maxQty {
		return fmt.Sprintf("share count %d above %d", o.Quantity, a.maxQty)
	}
	return ""
}

// CancelDuplicates cancels every duplicate after the oldest of its group and
// returns how many were cancelled.
func (a *Auditor) CancelDuplicates(ctx context.Context) (int, error) {
	canceler, ok := a.surface.(execution.OrderCanceler)
	if !ok {
		return 0, ErrCancelUnsupported
	}
	open, err := a.openOrders(ctx)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	var errs []error
	for _, g := range duplicateGroups(open) {
		for _, o := range g[1:] {
			if err := canceler.CancelOrder(ctx, o.ID); err != nil {
				errs = append(errs, fmt.Errorf("cancel %s %s: %w", o.Ticker, o.ID, err))
				continue
			}
			cancelled++
			a.log.WithField("ticker", o.Ticker).Infof("Cancelled duplicate %s %d %s (%s)", o.Side, o.Quantity, o.Ticker, o.ID)
		}
	}
	return cancelled, errors.Join(errs...)
}
