package ledger

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"alpha_rebalancer/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// HoldMode selects how the hold window gates sells. Exactly one mode is
// active; the two are never combined.
type HoldMode string

const (
	// LotFIFO judges each lot on its own age; older lots may be sold while
	// newer ones still wait.
	LotFIFO HoldMode = "LOT_FIFO"
	// StrictTicker blocks every sell of a ticker while any of its lots is
	// younger than the window.
	StrictTicker HoldMode = "STRICT_TICKER"
)

// ParseHoldMode validates a configured mode.
func ParseHoldMode(s string) (HoldMode, error) {
	switch HoldMode(strings.ToUpper(strings.TrimSpace(s))) {
	case LotFIFO:
		return LotFIFO, nil
	case StrictTicker:
		return StrictTicker, nil
	}
	return "", fmt.Errorf("unknown hold mode %q", s)
}

// Saver persists the state; storage.Store satisfies it.
type Saver interface {
	Save(*models.PortfolioState) error
}

// Options configure the hold window and calendar.
type Options struct {
	Mode       HoldMode
	MinHold    time.Duration
	HoldBuffer time.Duration
	Location   *time.Location // market time zone for weeks and days
}

// Ledger owns the portfolio state. Every mutation is persisted before it
// returns; a failed save leaves memory as it was before the call.
type Ledger struct {
	mu    sync.Mutex
	state *models.PortfolioState
	saver Saver
	opts  Options
	log   logrus.FieldLogger
}

// New wraps a loaded state.
func New(state *models.PortfolioState, saver Saver, opts Options, log logrus.FieldLogger) *Ledger {
	if state == nil {
		state = models.NewPortfolioState()
	}
	if opts.Mode == "" {
		opts.Mode = LotFIFO
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ledger{state: state, saver: saver, opts: opts, log: log}
}

// Mode returns the configured hold mode.
func (l *Ledger) Mode() HoldMode { return l.opts.Mode }

// Window is the full hold threshold, minimum hold plus buffer.
func (l *Ledger) Window() time.Duration { return l.opts.MinHold + l.opts.HoldBuffer }

// mutate applies fn to the live state and persists it, restoring the prior
// state when fn or the save fails. Callers hold l.mu.
func (l *Ledger) mutate(fn func(st *models.PortfolioState) error) error {
	prev := l.state.Clone()
	if err := fn(l.state); err != nil {
		l.state = prev
		return err
	}
	if l.saver != nil {
		if err := l.saver.Save(l.state); err != nil {
			l.state = prev
			return err
		}
	}
	return nil
}

// TotalShares sums every lot of the ticker; 0 when not held.
func (l *Ledger) TotalShares(ticker string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.state.Positions[norm(ticker)]; ok {
		return p.TotalShares()
	}
	return 0
}

func (l *Ledger) lotEligible(lot models.Lot, asOf time.Time) bool {
	return asOf.Sub(lot.AcquiredAt) >= l.Window()
}

func (l *Ledger) hasRecentLot(p *models.Position, asOf time.Time) bool {
	for _, lot := range p.Lots {
		if !l.lotEligible(lot, asOf) {
			return true
		}
	}
	return false
}

// eligible computes the sellable quantity under the configured mode.
func (l *Ledger) eligible(st *models.PortfolioState, ticker string, asOf time.Time) int {
	p, ok := st.Positions[ticker]
	if !ok {
		return 0
	}
	if l.opts.Mode == StrictTicker {
		if l.hasRecentLot(p, asOf) {
			return 0
		}
		return p.TotalShares()
	}
	total := 0
	for _, lot := range p.Lots {
		if l.lotEligible(lot, asOf) {
			total += lot.Quantity
		}
	}
	return total
}

// EligibleSellQuantity is the number of shares past the hold window at asOf.
// In strict mode it is zero while any lot is still too young.
func (l *Ledger) EligibleSellQuantity(ticker string, asOf time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.eligible(l.state, norm(ticker), asOf)
}

// CanSell reports whether a sell may proceed and how many shares are approved.
func (l *Ledger) CanSell(ticker string, requested int, asOf time.Time) (bool, int, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ticker = norm(ticker)
	if requested <= 0 {
		return false, 0, "requested quantity must be positive"
	}
	p, ok := l.state.Positions[ticker]
	if !ok {
		return false, 0, fmt.Sprintf("%s is not held", ticker)
	}

	if l.opts.Mode == StrictTicker {
		if l.hasRecentLot(p, asOf) {
			next, _ := l.earliest(p, asOf)
			return false, 0, fmt.Sprintf("%s has a lot inside the hold window until %s", ticker, next.Format(time.RFC3339))
		}
		approved := min(requested, p.TotalShares())
		return true, approved, ""
	}

	approved := min(requested, l.eligible(l.state, ticker, asOf))
	if approved == 0 {
		next, _ := l.earliest(p, asOf)
		return false, 0, fmt.Sprintf("no shares of %s eligible before %s", ticker, next.Format(time.RFC3339))
	}
	if approved < requested {
		return true, approved, fmt.Sprintf("reduced from %d to %d eligible shares", requested, approved)
	}
	return true, approved, ""
}

// ConsumeSellFIFO removes qty shares oldest lot first. It fails without any
// change when qty exceeds the eligible quantity.
func (l *Ledger) ConsumeSellFIFO(ticker string, qty int, asOf time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mutate(func(st *models.PortfolioState) error {
		return l.consume(st, norm(ticker), qty, asOf)
	})
}

func (l *Ledger) consume(st *models.PortfolioState, ticker string, qty int, asOf time.Time) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	if avail := l.eligible(st, ticker, asOf); qty > avail {
		return fmt.Errorf("%w: %s requested %d, eligible %d", ErrInsufficientEligibleShares, ticker, qty, avail)
	}
	drainOldest(st, ticker, qty)
	return nil
}

// drainOldest removes qty shares from the front of the lot list. The first
// partially drained lot keeps its AcquiredAt.
func drainOldest(st *models.PortfolioState, ticker string, qty int) {
	p := st.Positions[ticker]
	remaining := qty
	kept := p.Lots[:0]
	for _, lot := range p.Lots {
		if remaining > 0 {
			take := min(remaining, lot.Quantity)
			lot.Quantity -= take
			remaining -= take
		}
		if lot.Quantity > 0 {
			kept = append(kept, lot)
		}
	}
	p.Lots = kept
	if len(p.Lots) == 0 {
		delete(st.Positions, ticker)
		return
	}
	p.RecomputeCost()
}

// AddLot appends a lot, creating the position on first buy.
func (l *Ledger) AddLot(ticker string, qty int, price decimal.Decimal, at time.Time, bucket string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mutate(func(st *models.PortfolioState) error {
		return addLot(st, norm(ticker), qty, price, at, bucket)
	})
}

func addLot(st *models.PortfolioState, ticker string, qty int, price decimal.Decimal, at time.Time, bucket string) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	p, ok := st.Positions[ticker]
	if !ok {
		p = &models.Position{Ticker: ticker, Bucket: bucket}
		st.Positions[ticker] = p
	}
	if p.Bucket == "" {
		p.Bucket = bucket
	}
	lot := models.Lot{ID: uuid.NewString(), Quantity: qty, AcquiredAt: at.UTC(), UnitCost: price}

	// keep acquisition order even if a fill arrives stamped before the newest lot
	i := sort.Search(len(p.Lots), func(i int) bool { return p.Lots[i].AcquiredAt.After(lot.AcquiredAt) })
	p.Lots = append(p.Lots, models.Lot{})
	copy(p.Lots[i+1:], p.Lots[i:])
	p.Lots[i] = lot
	p.RecomputeCost()
	return nil
}

// EarliestEligibleTime is when the next still-young lot clears the window.
// ok is false when the ticker is unknown or already fully eligible.
func (l *Ledger) EarliestEligibleTime(ticker string, asOf time.Time) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.state.Positions[norm(ticker)]
	if !ok {
		return time.Time{}, false
	}
	return l.earliest(p, asOf)
}

func (l *Ledger) earliest(p *models.Position, asOf time.Time) (time.Time, bool) {
	for _, lot := range p.Lots {
		if !l.lotEligible(lot, asOf) {
			return lot.AcquiredAt.Add(l.Window()), true
		}
	}
	return time.Time{}, false
}

// Position returns a copy of one position.
func (l *Ledger) Position(ticker string) (*models.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.state.Positions[norm(ticker)]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Positions returns copies of every position sorted by ticker.
func (l *Ledger) Positions() []*models.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*models.Position, 0, len(l.state.Positions))
	for _, p := range l.state.Positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out
}

// TradeLog returns a copy of the trade log.
func (l *Ledger) TradeLog() []models.TradeRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.TradeRecord(nil), l.state.TradeLog...)
}

// Snapshot returns a deep copy of the whole state.
func (l *Ledger) Snapshot() *models.PortfolioState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Clone()
}

func norm(ticker string) string {
	return strings.ToUpper(strings.TrimSpace(ticker))
}
