package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrDataUnavailable is returned when a required input (risk signal, price or
// return series) is missing. It is blocking; callers never substitute a default.
var ErrDataUnavailable = errors.New("data unavailable")

// InstrumentData is one ticker's slice of a market snapshot. Any field may be
// absent when the provider lacks history.
type InstrumentData struct {
	Ticker         string
	Price          *float64
	MovingAverages map[int]float64 // window (days) -> simple moving average
	Returns        map[int]float64 // horizon (days) -> simple return
	Volatility     map[int]float64 // horizon (days) -> stdev of daily returns
	RecentCloses   []float64
}

// SMA returns the moving average for a window when present.
func (d InstrumentData) SMA(window int) (float64, bool) {
	v, ok := d.MovingAverages[window]
	return v, ok
}

// Return returns the simple return for a horizon when present.
func (d InstrumentData) Return(horizon int) (float64, bool) {
	v, ok := d.Returns[horizon]
	return v, ok
}

// Vol returns the volatility for a horizon when present.
func (d InstrumentData) Vol(horizon int) (float64, bool) {
	v, ok := d.Volatility[horizon]
	return v, ok
}

// Snapshot is the market view one pass decides on.
type Snapshot struct {
	AsOf        time.Time
	Instruments map[string]InstrumentData
	RiskSignal  *float64 // never defaulted; nil means unknown
}

// Pair holds a short and a long horizon figure.
type Pair struct {
	Short float64
	Long  float64
}

// Candidate is a scored ticker. Disqualified candidates are kept for audit.
type Candidate struct {
	Ticker                 string
	Bucket                 string
	RelativeReturns        Pair
	Volatility             Pair    // over the mode's two return horizons
	RankVol                float64 // over the mode's volatility horizon; ranks and gates the kill-switch
	Score                  float64 // weighted momentum, short mode only
	Price                  float64
	IsETF                  bool
	Qualified              bool
	DisqualificationReason string
}

// Order history statuses reported by a trading surface.
const (
	HistoryOpen     = "open"
	HistoryFilled   = "filled"
	HistoryCanceled = "canceled"
	HistoryRejected = "rejected"
)

// HistoryRecord is one row of the trading surface's order history.
type HistoryRecord struct {
	ID            string
	ClientOrderID string
	Ticker        string
	Side          Side
	Quantity      int
	Status        string
	FilledPrice   decimal.Decimal // zero when not filled
	SubmittedAt   time.Time
	FilledAt      time.Time // zero when not filled or not reported
}

// IsOpen reports whether the order is still queued.
func (h HistoryRecord) IsOpen() bool {
	return h.Status == HistoryOpen
}
