package ledger

import (
	"fmt"
	"sort"
	"time"

	"alpha_rebalancer/internal/models"

	"github.com/shopspring/decimal"
)

// Holding is the broker's view of one position.
type Holding struct {
	Quantity int
	Bucket   string
	UnitCost decimal.Decimal
}

// SyncChange describes one correction made by SyncHoldings.
type SyncChange struct {
	Ticker string
	Before int
	After  int
}

func (c SyncChange) String() string {
	return fmt.Sprintf("%s %d -> %d", c.Ticker, c.Before, c.After)
}

// SyncHoldings makes the lots agree with broker quantities. Extra shares get
// a lot stamped asOf, so they stay locked for a full window; missing shares
// are drained oldest first regardless of eligibility since the broker no
// longer holds them.
func (l *Ledger) SyncHoldings(target map[string]Holding, asOf time.Time) ([]SyncChange, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var changes []SyncChange
	err := l.mutate(func(st *models.PortfolioState) error {
		tickers := make(map[string]bool)
		for t := range st.Positions {
			tickers[t] = true
		}
		for t := range target {
			tickers[norm(t)] = true
		}
		sorted := make([]string, 0, len(tickers))
		for t := range tickers {
			sorted = append(sorted, t)
		}
		sort.Strings(sorted)

		normTarget := make(map[string]Holding, len(target))
		for t, h := range target {
			normTarget[norm(t)] = h
		}

		for _, t := range sorted {
			before := 0
			if p, ok := st.Positions[t]; ok {
				before = p.TotalShares()
			}
			want := normTarget[t]
			if want.Quantity < 0 {
				return fmt.Errorf("%s: negative broker quantity %d", t, want.Quantity)
			}
			switch {
			case want.Quantity > before:
				if err := addLot(st, t, want.Quantity-before, want.UnitCost, asOf, want.Bucket); err != nil {
					return err
				}
			case want.Quantity < before:
				drainOldest(st, t, before-want.Quantity)
			default:
				continue
			}
			changes = append(changes, SyncChange{Ticker: t, Before: before, After: want.Quantity})
		}
		ts := asOf.UTC()
		st.LastSync = &ts
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changes, nil
}
