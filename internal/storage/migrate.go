package storage

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"alpha_rebalancer/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// v1 stored share counts per position and optional lots, an unnumbered
// trade log and a flat list of submitted keys.
type stateV1 struct {
	SchemaVersion int                   `json:"schema_version"`
	Counters      models.CounterState   `json:"counters"`
	Positions     map[string]positionV1 `json:"positions"`
	TradeLog      []tradeV1             `json:"trade_log"`
	SubmittedKeys []string              `json:"submitted_keys"`
	LastSync      *time.Time            `json:"last_sync,omitempty"`
}

type positionV1 struct {
	Ticker     string          `json:"ticker"`
	Bucket     string          `json:"bucket,omitempty"`
	Shares     int             `json:"shares"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Lots       []models.Lot    `json:"lots,omitempty"`
}

type tradeV1 struct {
	Timestamp time.Time       `json:"timestamp"`
	Ticker    string          `json:"ticker"`
	Side      models.Side     `json:"side"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Reason    string          `json:"reason"`
}

func migrateV1(old *stateV1, now time.Time) *models.PortfolioState {
	st := models.NewPortfolioState()
	st.Counters = old.Counters
	st.LastSync = old.LastSync

	for key, p := range old.Positions {
		ticker := strings.ToUpper(key)
		pos := &models.Position{Ticker: ticker, Bucket: p.Bucket}
		for _, l := range p.Lots {
			if l.Quantity <= 0 {
				continue
			}
			if l.ID == "" {
				l.ID = uuid.NewString()
			}
			l.AcquiredAt = l.AcquiredAt.UTC()
			pos.Lots = append(pos.Lots, l)
		}
		sort.SliceStable(pos.Lots, func(i, j int) bool {
			return pos.Lots[i].AcquiredAt.Before(pos.Lots[j].AcquiredAt)
		})

		// Shares without lot history get one lot stamped now, which blocks
		// selling them for a full hold window.
		if missing := p.Shares - pos.TotalShares(); missing > 0 {
			pos.Lots = append(pos.Lots, models.Lot{
				ID:         uuid.NewString(),
				Quantity:   missing,
				AcquiredAt: now,
				UnitCost:   p.EntryPrice,
			})
		}
		if len(pos.Lots) == 0 {
			continue
		}
		pos.RecomputeCost()
		st.Positions[ticker] = pos
	}

	n := len(old.TradeLog)
	if st.Counters.TradesUsed < n {
		st.Counters.TradesUsed = n
	}
	first := st.Counters.TradesUsed - n + 1
	for i, t := range old.TradeLog {
		st.TradeLog = append(st.TradeLog, models.TradeRecord{
			Timestamp:      t.Timestamp.UTC(),
			Ticker:         strings.ToUpper(t.Ticker),
			Side:           t.Side,
			Quantity:       t.Quantity,
			Price:          t.Price,
			ReasonCode:     t.Reason,
			SequenceNumber: first + i,
		})
	}

	for _, key := range old.SubmittedKeys {
		rec, ok := recordFromKey(key, now)
		if ok {
			st.Submissions[key] = rec
		}
	}
	return st
}

// recordFromKey rebuilds a confirmed submission from TICKER|SIDE|QTY|PRICE|DAY.
func recordFromKey(key string, now time.Time) (models.SubmissionRecord, bool) {
	parts := strings.Split(key, "|")
	if len(parts) != 5 {
		return models.SubmissionRecord{}, false
	}
	qty, err := strconv.Atoi(parts[2])
	if err != nil {
		return models.SubmissionRecord{}, false
	}
	price, err := decimal.NewFromString(parts[3])
	if err != nil {
		return models.SubmissionRecord{}, false
	}
	return models.SubmissionRecord{
		Key:           key,
		ClientOrderID: models.ClientOrderID(key),
		Ticker:        parts[0],
		Side:          models.Side(parts[1]),
		Quantity:      qty,
		Price:         price,
		Day:           parts[4],
		Status:        models.SubmissionConfirmed,
		UpdatedAt:     now,
	}, true
}
