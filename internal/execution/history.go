package execution

import (
	"time"

	"alpha_rebalancer/internal/models"
)

// DayFunc renders an instant as a market calendar day.
type DayFunc func(time.Time) string

// MatchHistory finds the order in history: by client order id first, else
// by ticker, side and quantity on the order's day among records that carry
// no client id of their own.
func MatchHistory(records []models.HistoryRecord, o models.Order, day DayFunc) (models.HistoryRecord, bool) {
	clientID := o.ClientOrderID()
	for _, r := range records {
		if r.ClientOrderID != "" && r.ClientOrderID == clientID {
			return r, true
		}
	}
	for _, r := range records {
		if r.ClientOrderID != "" {
			continue
		}
		if r.Ticker == o.Ticker && r.Side == o.Side && r.Quantity == o.Quantity && day(r.SubmittedAt) == o.Day {
			return r, true
		}
	}
	return models.HistoryRecord{}, false
}
