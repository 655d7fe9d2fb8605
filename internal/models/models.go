package models

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// SchemaVersion is the current layout of the persisted state file.
const SchemaVersion = 2

// Lot is a batch of shares acquired at one instant.
// Quantity only ever shrinks (on sell); everything else is fixed at creation.
type Lot struct {
	ID         string          `json:"id"`
	Quantity   int             `json:"quantity"`
	AcquiredAt time.Time       `json:"acquired_at"` // UTC
	UnitCost   decimal.Decimal `json:"unit_cost"`
}

// Position holds every lot owned for a ticker, oldest first.
type Position struct {
	Ticker        string          `json:"ticker"`
	Bucket        string          `json:"bucket,omitempty"` // empty for core holdings
	Lots          []Lot           `json:"lots"`
	AggregateCost decimal.Decimal `json:"aggregate_cost"` // shares-weighted average, display only
}

// TotalShares sums the lot quantities.
func (p *Position) TotalShares() int {
	total := 0
	for _, l := range p.Lots {
		total += l.Quantity
	}
	return total
}

// RecomputeCost refreshes AggregateCost from the remaining lots.
func (p *Position) RecomputeCost() {
	shares := p.TotalShares()
	if shares == 0 {
		p.AggregateCost = decimal.Zero
		return
	}
	sum := decimal.Zero
	for _, l := range p.Lots {
		sum = sum.Add(l.UnitCost.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	p.AggregateCost = sum.Div(decimal.NewFromInt(int64(shares))).Round(4)
}

// Clone returns a deep copy.
func (p *Position) Clone() *Position {
	c := *p
	c.Lots = append([]Lot(nil), p.Lots...)
	return &c
}

// TradeRecord is a write-once entry of the trade log.
type TradeRecord struct {
	Timestamp      time.Time       `json:"timestamp"`
	Ticker         string          `json:"ticker"`
	Side           Side            `json:"side"`
	Quantity       int             `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	ReasonCode     string          `json:"reason_code"`
	SequenceNumber int             `json:"sequence_number"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// CounterState carries the persisted cap counters.
type CounterState struct {
	TradesUsed             int    `json:"trades_used"`
	WeeklyReplacementsUsed int    `json:"weekly_replacements_used"`
	WeekStartDate          string `json:"week_start_date,omitempty"`      // YYYY-MM-DD, Monday
	LastExecutionDate      string `json:"last_execution_date,omitempty"` // YYYY-MM-DD
}

// SubmissionStatus tracks an idempotency record through its lifecycle.
type SubmissionStatus string

const (
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionConfirmed SubmissionStatus = "confirmed"
	SubmissionUncertain SubmissionStatus = "uncertain"
	SubmissionRejected  SubmissionStatus = "rejected"
)

// SubmissionRecord is written before an order reaches the trading surface.
type SubmissionRecord struct {
	Key           string           `json:"key"`
	ClientOrderID string           `json:"client_order_id"`
	Ticker        string           `json:"ticker"`
	Side          Side             `json:"side"`
	Quantity      int              `json:"quantity"`
	Price         decimal.Decimal  `json:"price"`
	Bucket        string           `json:"bucket,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	Replacement   bool             `json:"replacement,omitempty"`
	Day           string           `json:"day"`
	Status        SubmissionStatus `json:"status"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// PortfolioState is the whole persisted record owned by the ledger.
type PortfolioState struct {
	SchemaVersion int                         `json:"schema_version"`
	Counters      CounterState                `json:"counters"`
	Positions     map[string]*Position        `json:"positions"`
	TradeLog      []TradeRecord               `json:"trade_log"`
	Submissions   map[string]SubmissionRecord `json:"submissions"`
	LastSync      *time.Time                  `json:"last_sync,omitempty"`
}

// NewPortfolioState returns an empty state at the current schema version.
func NewPortfolioState() *PortfolioState {
	return &PortfolioState{
		SchemaVersion: SchemaVersion,
		Positions:     make(map[string]*Position),
		TradeLog:      []TradeRecord{},
		Submissions:   make(map[string]SubmissionRecord),
	}
}

// Clone returns a deep copy safe to hand to readers.
func (s *PortfolioState) Clone() *PortfolioState {
	c := &PortfolioState{
		SchemaVersion: s.SchemaVersion,
		Counters:      s.Counters,
		Positions:     make(map[string]*Position, len(s.Positions)),
		TradeLog:      append([]TradeRecord(nil), s.TradeLog...),
		Submissions:   make(map[string]SubmissionRecord, len(s.Submissions)),
	}
	for k, p := range s.Positions {
		c.Positions[k] = p.Clone()
	}
	for k, r := range s.Submissions {
		c.Submissions[k] = r
	}
	if s.LastSync != nil {
		t := *s.LastSync
		c.LastSync = &t
	}
	return c
}

// ErrInvalidState marks a state record that breaks a structural invariant.
var ErrInvalidState = errors.New("invalid portfolio state")

// Validate checks the structural invariants a loaded state must satisfy.
func (s *PortfolioState) Validate() error {
	if s.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: schema version %d, want %d", ErrInvalidState, s.SchemaVersion, SchemaVersion)
	}
	if s.Positions == nil || s.Submissions == nil {
		return fmt.Errorf("%w: missing positions or submissions", ErrInvalidState)
	}
	tickers := make([]string, 0, len(s.Positions))
	for k := range s.Positions {
		tickers = append(tickers, k)
	}
	sort.Strings(tickers)
	for _, k := range tickers {
		p := s.Positions[k]
		if p == nil || p.Ticker != k {
			return fmt.Errorf("%w: position key %q does not match its ticker", ErrInvalidState, k)
		}
		if len(p.Lots) == 0 {
			return fmt.Errorf("%w: %s has no lots", ErrInvalidState, k)
		}
		for i, l := range p.Lots {
			if l.Quantity <= 0 {
				return fmt.Errorf("%w: %s lot %s has quantity %d", ErrInvalidState, k, l.ID, l.Quantity)
			}
			if i > 0 && l.AcquiredAt.Before(p.Lots[i-1].AcquiredAt) {
				return fmt.Errorf("%w: %s lots out of order", ErrInvalidState, k)
			}
		}
	}
	last := 0
	for _, r := range s.TradeLog {
		if r.SequenceNumber <= last {
			return fmt.Errorf("%w: trade log sequence %d after %d", ErrInvalidState, r.SequenceNumber, last)
		}
		last = r.SequenceNumber
	}
	if s.Counters.TradesUsed < 0 || s.Counters.WeeklyReplacementsUsed < 0 {
		return fmt.Errorf("%w: negative counters", ErrInvalidState)
	}
	return nil
}
