package ledger

import (
	"fmt"
	"time"

	"alpha_rebalancer/internal/models"
)

// WeekStart returns the Monday of t's week in the market time zone.
func WeekStart(t time.Time, loc *time.Location) string {
	local := t.In(loc)
	offset := (int(local.Weekday()) + 6) % 7
	return local.AddDate(0, 0, -offset).Format(models.DayLayout)
}

// Day renders t as a calendar day in the market time zone.
func (l *Ledger) Day(t time.Time) string {
	return t.In(l.opts.Location).Format(models.DayLayout)
}

// Location is the market time zone used for days and weeks.
func (l *Ledger) Location() *time.Location { return l.opts.Location }

// Counters returns the persisted counters as stored.
func (l *Ledger) Counters() models.CounterState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Counters
}

// TradesUsed is the running trade count enforced by the caps.
func (l *Ledger) TradesUsed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.Counters.TradesUsed
}

// ReplacementsThisWeek reads the weekly counter as of asOf without mutating;
// a counter from a previous week reads as zero.
func (l *Ledger) ReplacementsThisWeek(asOf time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Counters.WeekStartDate != WeekStart(asOf, l.opts.Location) {
		return 0
	}
	return l.state.Counters.WeeklyReplacementsUsed
}

func (l *Ledger) rollover(st *models.PortfolioState, asOf time.Time) bool {
	week := WeekStart(asOf, l.opts.Location)
	if st.Counters.WeekStartDate == week {
		return false
	}
	l.log.WithField("week_start", week).Infof("New trading week, weekly replacements reset from %d", st.Counters.WeeklyReplacementsUsed)
	st.Counters.WeekStartDate = week
	st.Counters.WeeklyReplacementsUsed = 0
	return true
}

// RolloverWeek resets the weekly counter when asOf starts a new week.
func (l *Ledger) RolloverWeek(asOf time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Counters.WeekStartDate == WeekStart(asOf, l.opts.Location) {
		return nil
	}
	return l.mutate(func(st *models.PortfolioState) error {
		l.rollover(st, asOf)
		return nil
	})
}

// MarkExecution stamps the last execution day.
func (l *Ledger) MarkExecution(at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mutate(func(st *models.PortfolioState) error {
		st.Counters.LastExecutionDate = l.Day(at)
		return nil
	})
}

// SetTradesUsed adopts an externally reported trade count. It never lowers
// the count below the last logged sequence number.
func (l *Ledger) SetTradesUsed(n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mutate(func(st *models.PortfolioState) error {
		if last := lastSequence(st); n < last {
			return fmt.Errorf("%w: %d below logged sequence %d", ErrTradeCountRegression, n, last)
		}
		st.Counters.TradesUsed = n
		return nil
	})
}

func lastSequence(st *models.PortfolioState) int {
	if len(st.TradeLog) == 0 {
		return 0
	}
	return st.TradeLog[len(st.TradeLog)-1].SequenceNumber
}
