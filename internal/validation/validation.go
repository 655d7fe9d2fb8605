package validation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"alpha_rebalancer/internal/models"
	"alpha_rebalancer/internal/regime"
	"alpha_rebalancer/internal/scoring"

	"github.com/shopspring/decimal"
)

// ErrValidationFailure means at least one pre-trade check failed. The order
// is simply not placed.
var ErrValidationFailure = errors.New("validation failure")

// Check names a single pre-trade rule.
type Check string

const (
	CheckProhibited     Check = "prohibited"
	CheckPriceFloor     Check = "price_floor"
	CheckQuantity       Check = "quantity"
	CheckPositionSize   Check = "position_size"
	CheckTradeCount     Check = "trade_count"
	CheckBucketCapacity Check = "bucket_capacity"
	CheckEventFreeze    Check = "event_freeze"
	CheckWeeklyCap      Check = "weekly_cap"
	CheckUptrend        Check = "uptrend"
	CheckRegime         Check = "regime"
	CheckHoldingPeriod  Check = "holding_period"
	CheckMinHoldings    Check = "min_holdings"
)

var (
	buyChecks = []Check{
		CheckProhibited, CheckPriceFloor, CheckQuantity, CheckPositionSize, CheckTradeCount,
		CheckBucketCapacity, CheckEventFreeze, CheckWeeklyCap, CheckUptrend, CheckRegime,
	}
	sellChecks = []Check{CheckHoldingPeriod, CheckMinHoldings, CheckTradeCount}
)

// Rules are the fixed compliance limits.
type Rules struct {
	MaxTradesTotal int     // hard stop, blocks everything
	SoftStopTrades int     // blocks buys only
	MinHoldings    int     // distinct positions that must remain after a sell
	MaxPositionPct float64 // position value as a fraction of portfolio value
	MinPrice       float64
	MinQty         int
	MaxQty         int
	Mode           scoring.Mode
	RelaxedUptrend bool
}

// Universe is what the validator needs from the investment universe.
type Universe interface {
	ProhibitedReason(ticker string) string
	IsFrozen(day string) bool
}

// Ledger is the read side of the position ledger.
type Ledger interface {
	TotalShares(ticker string) int
	CanSell(ticker string, qty int, asOf time.Time) (bool, int, string)
	TradesUsed() int
	ReplacementsThisWeek(asOf time.Time) int
	Positions() []*models.Position
	Day(t time.Time) string
}

// CheckResult is one rule's verdict.
type CheckResult struct {
	Passed          bool
	Reason          string
	DataUnavailable bool
}

// Result reports every check; none short-circuits another.
type Result struct {
	Side        models.Side
	Passed      bool
	Checks      map[Check]CheckResult
	ApprovedQty int
	order       []Check
}

// Failed lists the failed checks in evaluation order.
func (r Result) Failed() []Check {
	var out []Check
	for _, c := range r.order {
		if res, ok := r.Checks[c]; ok && !res.Passed {
			out = append(out, c)
		}
	}
	return out
}

// Summary renders every check on one line each.
func (r Result) Summary() string {
	var b strings.Builder
	for _, c := range r.order {
		res := r.Checks[c]
		mark := "PASS"
		if !res.Passed {
			mark = "FAIL"
		}
		fmt.Fprintf(&b, "%s %s", mark, c)
		if res.Reason != "" {
			fmt.Fprintf(&b, ": %s", res.Reason)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Err is nil when every check passed. Otherwise it wraps
// ErrValidationFailure, and ErrDataUnavailable when a missing input caused
// a failure.
func (r Result) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	parts := make([]string, 0, len(failed))
	missing := false
	for _, c := range failed {
		res := r.Checks[c]
		parts = append(parts, fmt.Sprintf("%s: %s", c, res.Reason))
		missing = missing || res.DataUnavailable
	}
	if missing {
		return fmt.Errorf("%w (%w): %s", ErrValidationFailure, models.ErrDataUnavailable, strings.Join(parts, "; "))
	}
	return fmt.Errorf("%w: %s", ErrValidationFailure, strings.Join(parts, "; "))
}

// Validator is the single pre-trade gate.
type Validator struct {
	rules    Rules
	table    regime.Table
	universe Universe
	ledger   Ledger
}

// New returns a validator.
func New(rules Rules, table regime.Table, universe Universe, ledger Ledger) *Validator {
	return &Validator{rules: rules, table: table, universe: universe, ledger: ledger}
}

// BuyRequest is a proposed buy with its decision context.
type BuyRequest struct {
	Order          models.Order
	AsOf           time.Time
	Regime         regime.Regime
	PortfolioValue decimal.Decimal
	Instrument     *models.InstrumentData // nil when the snapshot lacked it
}

// SellRequest is a proposed sell.
type SellRequest struct {
	Order models.Order
	AsOf  time.Time
}

func newResult(side models.Side, order []Check) Result {
	return Result{Side: side, Checks: make(map[Check]CheckResult, len(order)), order: order}
}

func (r *Result) set(c Check, passed bool, reason string) {
	r.Checks[c] = CheckResult{Passed: passed, Reason: reason}
}

func (r *Result) missing(c Check, reason string) {
	r.Checks[c] = CheckResult{Passed: false, Reason: reason, DataUnavailable: true}
}

func (r *Result) finish() {
	r.Passed = len(r.Failed()) == 0
	if !r.Passed {
		r.ApprovedQty = 0
	}
}

// ValidateBuy runs every buy check.
func (v *Validator) ValidateBuy(req BuyRequest) Result {
	o := req.Order
	res := newResult(models.Buy, buyChecks)
	res.ApprovedQty = o.Quantity

	if reason := v.universe.ProhibitedReason(o.Ticker); reason != "" {
		res.set(CheckProhibited, false, reason)
	} else {
		res.set(CheckProhibited, true, "")
	}

	price := o.ReferencePrice.InexactFloat64()
	if price < v.rules.MinPrice {
		res.set(CheckPriceFloor, false, fmt.Sprintf("price %.2f below minimum %.2f", price, v.rules.MinPrice))
	} else {
		res.set(CheckPriceFloor, true, "")
	}

	v.checkQuantity(&res, o.Quantity)
	v.checkPositionSize(&res, req)

	used := v.ledger.TradesUsed()
	switch {
	case used >= v.rules.MaxTradesTotal:
		res.set(CheckTradeCount, false, fmt.Sprintf("hard stop: %d/%d trades used", used, v.rules.MaxTradesTotal))
	case used >= v.rules.SoftStopTrades:
		res.set(CheckTradeCount, false, fmt.Sprintf("soft stop: %d trades used, only exits allowed", used))
	default:
		res.set(CheckTradeCount, true, "")
	}

	params, perr := v.table.Params(req.Regime)
	if perr != nil {
		res.missing(CheckRegime, fmt.Sprintf("regime %s blocks buys", req.Regime))
	} else {
		res.set(CheckRegime, true, req.Regime.String())
	}

	v.checkBucketCapacity(&res, o, params, perr)

	if day := v.ledger.Day(req.AsOf); v.universe.IsFrozen(day) {
		res.set(CheckEventFreeze, false, fmt.Sprintf("%s is an event-freeze day", day))
	} else {
		res.set(CheckEventFreeze, true, "")
	}

	v.checkWeeklyCap(&res, req, params, perr)

	switch {
	case o.Bucket == "":
		res.set(CheckUptrend, true, "core holding")
	case req.Instrument == nil:
		res.missing(CheckUptrend, "no market data for "+o.Ticker)
	default:
		if reason := scoring.Uptrend(*req.Instrument, v.rules.Mode, v.rules.RelaxedUptrend); reason != "" {
			res.set(CheckUptrend, false, reason)
		} else {
			res.set(CheckUptrend, true, "")
		}
	}

	res.finish()
	return res
}

func (v *Validator) checkQuantity(res *Result, qty int) {
	if qty < v.rules.MinQty || qty > v.rules.MaxQty {
		res.set(CheckQuantity, false, fmt.Sprintf("quantity %d outside %d..%d", qty, v.rules.MinQty, v.rules.MaxQty))
		return
	}
	res.set(CheckQuantity, true, "")
}

func (v *Validator) checkPositionSize(res *Result, req BuyRequest) {
	if !req.PortfolioValue.IsPositive() {
		res.missing(CheckPositionSize, "portfolio value unknown")
		return
	}
	o := req.Order
	existing := o.ReferencePrice.Mul(decimal.NewFromInt(int64(v.ledger.TotalShares(o.Ticker))))
	after := existing.Add(o.Notional())
	limit := req.PortfolioValue.Mul(decimal.NewFromFloat(v.rules.MaxPositionPct))
	if after.GreaterThan(limit) {
		res.set(CheckPositionSize, false, fmt.Sprintf("position %s would exceed %s (%.0f%% of %s)",
			after.StringFixed(2), limit.StringFixed(2), v.rules.MaxPositionPct*100, req.PortfolioValue.StringFixed(2)))
		return
	}
	res.set(CheckPositionSize, true, "")
}

func (v *Validator) checkBucketCapacity(res *Result, o models.Order, params regime.Params, perr error) {
	if o.Bucket == "" {
		res.set(CheckBucketCapacity, true, "core holding")
		return
	}
	if perr != nil {
		res.missing(CheckBucketCapacity, "capacity unknown without a regime")
		return
	}
	if v.ledger.TotalShares(o.Ticker) > 0 {
		res.set(CheckBucketCapacity, true, "adds to an existing position")
		return
	}
	inBucket, satellites := 0, 0
	for _, p := range v.ledger.Positions() {
		if p.Bucket == "" {
			continue
		}
		satellites++
		if p.Bucket == o.Bucket {
			inBucket++
		}
	}
	switch {
	case inBucket >= params.MaxPerBucket:
		res.set(CheckBucketCapacity, false, fmt.Sprintf("bucket %s holds %d/%d", o.Bucket, inBucket, params.MaxPerBucket))
	case satellites >= params.MaxSatellites:
		res.set(CheckBucketCapacity, false, fmt.Sprintf("%d/%d satellites held", satellites, params.MaxSatellites))
	default:
		res.set(CheckBucketCapacity, true, "")
	}
}

func (v *Validator) checkWeeklyCap(res *Result, req BuyRequest, params regime.Params, perr error) {
	o := req.Order
	switch {
	case o.InitialBuild:
		res.set(CheckWeeklyCap, true, "initial build")
	case o.Emergency:
		res.set(CheckWeeklyCap, true, "emergency")
	case !o.CountsAsReplacement():
		res.set(CheckWeeklyCap, true, "not a replacement")
	case perr != nil:
		res.missing(CheckWeeklyCap, "weekly cap unknown without a regime")
	default:
		used := v.ledger.ReplacementsThisWeek(req.AsOf)
		if used >= params.WeeklyReplacementCap {
			res.set(CheckWeeklyCap, false, fmt.Sprintf("%d/%d replacements used this week", used, params.WeeklyReplacementCap))
			return
		}
		res.set(CheckWeeklyCap, true, "")
	}
}

// ValidateSell runs every sell check. ApprovedQty is what the hold window allows.
func (v *Validator) ValidateSell(req SellRequest) Result {
	o := req.Order
	res := newResult(models.Sell, sellChecks)

	allowed, approved, reason := v.ledger.CanSell(o.Ticker, o.Quantity, req.AsOf)
	res.set(CheckHoldingPeriod, allowed, reason)
	res.ApprovedQty = approved

	held := v.ledger.Positions()
	total := v.ledger.TotalShares(o.Ticker)
	remaining := len(held)
	if total > 0 && approved >= total {
		remaining--
	}
	if remaining < v.rules.MinHoldings {
		res.set(CheckMinHoldings, false, fmt.Sprintf("would leave %d positions, minimum %d", remaining, v.rules.MinHoldings))
	} else {
		res.set(CheckMinHoldings, true, "")
	}

	used := v.ledger.TradesUsed()
	if used >= v.rules.MaxTradesTotal {
		res.set(CheckTradeCount, false, fmt.Sprintf("hard stop: %d/%d trades used", used, v.rules.MaxTradesTotal))
	} else {
		res.set(CheckTradeCount, true, "")
	}

	res.finish()
	return res
}
