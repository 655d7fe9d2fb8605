package ledger

import (
	"time"

	"alpha_rebalancer/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Fill is a confirmed execution of an order.
type Fill struct {
	Order models.Order
	Price decimal.Decimal
	At    time.Time
}

// ApplyConfirmed books a confirmed order in one atomic step: lot added or
// consumed, trade count incremented, weekly replacement counted when it
// applies, trade record appended and the submission marked confirmed.
// Applying a key that is already booked returns the existing record.
func (l *Ledger) ApplyConfirmed(f Fill) (models.TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o := f.Order
	if rec, ok := l.bookedTrade(o.IdempotencyKey); ok {
		l.log.WithField("key", o.IdempotencyKey).Warn("Fill already booked, not appending again")
		return rec, nil
	}

	price := f.Price
	if price.IsZero() {
		price = o.ReferencePrice
	}
	ticker := norm(o.Ticker)

	var trade models.TradeRecord
	err := l.mutate(func(st *models.PortfolioState) error {
		switch o.Side {
		case models.Buy:
			if err := addLot(st, ticker, o.Quantity, price, f.At, o.Bucket); err != nil {
				return err
			}
		case models.Sell:
			if err := l.consume(st, ticker, o.Quantity, f.At); err != nil {
				return err
			}
		}

		st.Counters.TradesUsed++
		trade = l.appendTrade(st, o, ticker, price, f.At, st.Counters.TradesUsed)
		return nil
	})
	if err != nil {
		return models.TradeRecord{}, err
	}

	l.log.WithFields(logrus.Fields{
		"ticker": ticker, "side": o.Side, "qty": o.Quantity, "seq": trade.SequenceNumber,
	}).Info("Trade booked")
	return trade, nil
}

func (l *Ledger) bookedTrade(key string) (models.TradeRecord, bool) {
	if key == "" {
		return models.TradeRecord{}, false
	}
	for i := len(l.state.TradeLog) - 1; i >= 0; i-- {
		if l.state.TradeLog[i].IdempotencyKey == key {
			return l.state.TradeLog[i], true
		}
	}
	return models.TradeRecord{}, false
}

// ApplyReconciled books a fill found in order history after the run that
// placed it lost track of it. The broker already executed the order, so a
// sell drains the oldest lots without a hold check. A fill at or before the
// last holdings sync is already part of the synced lots and trade count; only
// its trade record and replacement count are added.
func (l *Ledger) ApplyReconciled(f Fill) (models.TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o := f.Order
	if rec, ok := l.bookedTrade(o.IdempotencyKey); ok {
		return rec, nil
	}
	price := f.Price
	if price.IsZero() {
		price = o.ReferencePrice
	}
	ticker := norm(o.Ticker)

	var trade models.TradeRecord
	adopted := false
	err := l.mutate(func(st *models.PortfolioState) error {
		adopted = st.LastSync != nil && !f.At.After(*st.LastSync)
		if adopted {
			seq := st.Counters.TradesUsed
			if last := lastSequence(st); seq <= last {
				seq = last + 1
				st.Counters.TradesUsed = seq
			}
			trade = l.appendTrade(st, o, ticker, price, f.At, seq)
			return nil
		}

		switch o.Side {
		case models.Buy:
			if err := addLot(st, ticker, o.Quantity, price, f.At, o.Bucket); err != nil {
				return err
			}
		case models.Sell:
			if p, ok := st.Positions[ticker]; ok {
				drainOldest(st, ticker, min(o.Quantity, p.TotalShares()))
			}
		}
		st.Counters.TradesUsed++
		trade = l.appendTrade(st, o, ticker, price, f.At, st.Counters.TradesUsed)
		return nil
	})
	if err != nil {
		return models.TradeRecord{}, err
	}

	l.log.WithFields(logrus.Fields{
		"ticker": ticker, "side": o.Side, "qty": o.Quantity, "seq": trade.SequenceNumber, "synced": adopted,
	}).Info("Reconciled trade booked")
	return trade, nil
}

// appendTrade logs the trade, counts a replacement and marks the submission
// confirmed. Counters roll over first.
func (l *Ledger) appendTrade(st *models.PortfolioState, o models.Order, ticker string, price decimal.Decimal, at time.Time, seq int) models.TradeRecord {
	l.rollover(st, at)
	if o.CountsAsReplacement() {
		st.Counters.WeeklyReplacementsUsed++
	}
	trade := models.TradeRecord{
		Timestamp:      at.UTC(),
		Ticker:         ticker,
		Side:           o.Side,
		Quantity:       o.Quantity,
		Price:          price,
		ReasonCode:     o.Reason,
		SequenceNumber: seq,
		IdempotencyKey: o.IdempotencyKey,
	}
	st.TradeLog = append(st.TradeLog, trade)

	rec, ok := st.Submissions[o.IdempotencyKey]
	if !ok {
		rec = models.SubmissionRecord{
			Key: o.IdempotencyKey, ClientOrderID: o.ClientOrderID(), Ticker: ticker,
			Side: o.Side, Quantity: o.Quantity, Price: o.ReferencePrice, Bucket: o.Bucket,
			Reason: o.Reason, Day: o.Day,
		}
	}
	rec.Status = models.SubmissionConfirmed
	rec.UpdatedAt = at.UTC()
	st.Submissions[o.IdempotencyKey] = rec
	return trade
}
