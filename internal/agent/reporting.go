package agent

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"alpha_rebalancer/internal/execution"
	"alpha_rebalancer/internal/models"
)

// StatusLedger is the read side the status dashboard needs.
type StatusLedger interface {
	Positions() []*models.Position
	Counters() models.CounterState
	EligibleSellQuantity(ticker string, asOf time.Time) int
	EarliestEligibleTime(ticker string, asOf time.Time) (time.Time, bool)
	Submissions(status models.SubmissionStatus) []models.SubmissionRecord
}

// StatusReport renders the ledger dashboard: holdings with their sellable
// share counts, cap counters and submissions awaiting reconciliation.
func StatusReport(l StatusLedger, maxTrades int, asOf time.Time) string {
	var sb strings.Builder
	c := l.Counters()

	sb.WriteString("📊 *PORTFOLIO STATUS*\n")
	fmt.Fprintf(&sb, "As of: %s\n", asOf.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&sb, "Trades: %d/%d | Replacements this week: %d (since %s)\n",
		c.TradesUsed, maxTrades, c.WeeklyReplacementsUsed, orDash(c.WeekStartDate))
	fmt.Fprintf(&sb, "Last execution: %s\n\n", orDash(c.LastExecutionDate))

	positions := l.Positions()
	if len(positions) == 0 {
		sb.WriteString("No positions.\n")
	} else {
		sb.WriteString("`Ticker | Bucket      | Qty  | Sellable | Cost`\n")
		sb.WriteString("`----------------------------------------------`\n")
		for _, p := range positions {
			bucket := p.Bucket
			if bucket == "" {
				bucket = "CORE"
			}
			fmt.Fprintf(&sb, "`%-6s | %-11s | %-4d | %-8d | %s`\n",
				p.Ticker, bucket, p.TotalShares(), l.EligibleSellQuantity(p.Ticker, asOf), p.AggregateCost.StringFixed(2))
			if next, ok := l.EarliestEligibleTime(p.Ticker, asOf); ok && next.After(asOf) {
				fmt.Fprintf(&sb, "      ↳ next lot eligible in %s\n", next.Sub(asOf).Round(time.Minute))
			}
		}
	}

	pending := append(l.Submissions(models.SubmissionUncertain), l.Submissions(models.SubmissionSubmitted)...)
	if len(pending) > 0 {
		sort.Slice(pending, func(i, j int) bool { return pending[i].Key < pending[j].Key })
		sb.WriteString("\n⚠️ *Awaiting reconciliation*\n")
		for _, r := range pending {
			fmt.Fprintf(&sb, "• %s %d %s (%s, %s)\n", r.Side, r.Quantity, r.Ticker, r.Status, r.Day)
		}
	}
	return sb.String()
}

// Summary renders the outcome of one pass for the operator.
func (r Report) Summary() string {
	var sb strings.Builder
	signal := "n/a"
	if r.RiskSignal != nil {
		signal = fmt.Sprintf("%.2f", *r.RiskSignal)
	}
	fmt.Fprintf(&sb, "🤖 *REBALANCE PASS* `%s`\n", shortID(r.RunID))
	fmt.Fprintf(&sb, "Regime: %s (signal %s)\n", r.Regime, signal)
	fmt.Fprintf(&sb, "Candidates: %d scored, %d qualified\n", r.Scored, r.Qualified)
	if r.Cancelled {
		sb.WriteString("⏹ Stopped early: cancelled\n")
	}

	if len(r.Outcomes) == 0 {
		sb.WriteString("No orders proposed.\n")
	}
	for _, o := range r.Outcomes {
		fmt.Fprintf(&sb, "%s %s: %s\n", outcomeIcon(o), o.Order, outcomeText(o))
	}
	for _, w := range r.Warnings {
		fmt.Fprintf(&sb, "⚠️ %s\n", w)
	}
	if !r.Finished.IsZero() {
		fmt.Fprintf(&sb, "Took %s\n", r.Finished.Sub(r.Started).Round(time.Millisecond))
	}
	return sb.String()
}

func outcomeIcon(o Outcome) string {
	switch {
	case o.Execution == nil:
		return "🚫"
	case o.Execution.State == execution.Uncertain:
		return "❓"
	case o.Placed():
		return "✅"
	default:
		return "❌"
	}
}

func outcomeText(o Outcome) string {
	if o.Execution == nil {
		if o.Validation != nil {
			if err := o.Validation.Err(); err != nil {
				return err.Error()
			}
		}
		return "not executed"
	}
	if o.Execution.Err != nil {
		return fmt.Sprintf("%s (%v)", o.Execution.State, o.Execution.Err)
	}
	return o.Execution.State.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
