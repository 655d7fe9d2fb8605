package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"alpha_rebalancer/internal/execution"
	"alpha_rebalancer/internal/models"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
)

// historyLookback bounds the order history scanned for verification.
const historyLookback = 7 * 24 * time.Hour

// Surface implements execution.TradingSurface on the Alpaca trading API.
type Surface struct {
	*Provider
}

var (
	_ execution.TradingSurface = (*Surface)(nil)
	_ execution.OrderCanceler  = (*Surface)(nil)
)

// NewSurface returns a trading surface sharing p's client, limiter and breaker.
func NewSurface(p *Provider) *Surface {
	return &Surface{Provider: p}
}

// Login checks that the account is active and allowed to trade.
func (s *Surface) Login(ctx context.Context) (bool, error) {
	acct, err := call(ctx, s.Provider, s.tradeClient.GetAccount)
	if err != nil {
		return false, err
	}
	if acct == nil {
		return false, errors.New("empty account response")
	}
	if acct.TradingBlocked || acct.AccountBlocked {
		s.log.Error("Account is blocked from trading")
		return false, nil
	}
	return strings.EqualFold(acct.Status, "ACTIVE"), nil
}

// Navigate confirms the asset exists and is tradable.
func (s *Surface) Navigate(ctx context.Context, ticker string) error {
	asset, err := call(ctx, s.Provider, func() (*alpaca.Asset, error) { return s.tradeClient.GetAsset(ticker) })
	if err != nil {
		if isClientError(err) {
			return fmt.Errorf("%w: asset %s: %v", execution.ErrRejected, ticker, err)
		}
		return err
	}
	if asset == nil || !asset.Tradable {
		return fmt.Errorf("%w: %s is not tradable", execution.ErrRejected, ticker)
	}
	return nil
}

// FillForm builds a day market order ticket.
func (s *Surface) FillForm(_ context.Context, o models.Order) (execution.Ticket, error) {
	if o.Quantity <= 0 {
		return execution.Ticket{}, fmt.Errorf("%w: quantity %d", execution.ErrRejected, o.Quantity)
	}
	return execution.Ticket{Order: o, ClientOrderID: o.ClientOrderID()}, nil
}

// Preview checks buying power for buys and the held position for sells.
func (s *Surface) Preview(ctx context.Context, t execution.Ticket) (execution.Preview, error) {
	cost := t.Order.Notional()
	if t.Order.Side == models.Buy {
		acct, err := call(ctx, s.Provider, s.tradeClient.GetAccount)
		if err != nil {
			return execution.Preview{}, err
		}
		if acct.BuyingPower.LessThan(cost) {
			return execution.Preview{}, fmt.Errorf("%w: cost %s exceeds buying power %s",
				execution.ErrRejected, cost.StringFixed(2), acct.BuyingPower.StringFixed(2))
		}
		return execution.Preview{EstimatedCost: cost, Message: "buying power ok"}, nil
	}

	pos, err := call(ctx, s.Provider, func() (*alpaca.Position, error) { return s.tradeClient.GetPosition(t.Order.Ticker) })
	if err != nil {
		if isClientError(err) {
			return execution.Preview{}, fmt.Errorf("%w: no position in %s", execution.ErrRejected, t.Order.Ticker)
		}
		return execution.Preview{}, err
	}
	if pos.Qty.LessThan(decimal.NewFromInt(int64(t.Order.Quantity))) {
		return execution.Preview{}, fmt.Errorf("%w: holding %s %s, selling %d",
			execution.ErrRejected, pos.Qty.String(), t.Order.Ticker, t.Order.Quantity)
	}
	return execution.Preview{EstimatedCost: cost, Message: "position ok"}, nil
}

// SubmitOrder places the order tagged with the ticket's client order id.
// A duplicate client id means an earlier attempt already landed; that is
// reported as ambiguous so history is consulted.
func (s *Surface) SubmitOrder(ctx context.Context, t execution.Ticket) (execution.SubmitOutcome, error) {
	qty := decimal.NewFromInt(int64(t.Order.Quantity))
	req := alpaca.PlaceOrderRequest{
		Symbol:        t.Order.Ticker,
		Qty:           &qty,
		Side:          alpacaSide(t.Order.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: t.ClientOrderID,
	}
	if !t.LimitPrice.IsZero() {
		lp := t.LimitPrice
		req.Type = alpaca.Limit
		req.LimitPrice = &lp
	}
	o, err := call(ctx, s.Provider, func() (*alpaca.Order, error) { return s.tradeClient.PlaceOrder(req) })
	if err != nil {
		if isDuplicateClientID(err) {
			return execution.SubmitOutcome{}, fmt.Errorf("client order id %s already used: %w", t.ClientOrderID, err)
		}
		if isClientError(err) {
			return execution.SubmitOutcome{}, fmt.Errorf("%w: %v", execution.ErrRejected, err)
		}
		return execution.SubmitOutcome{}, err
	}
	if o == nil {
		return execution.SubmitOutcome{}, errors.New("empty order response")
	}
	return execution.SubmitOutcome{BrokerOrderID: o.ID, Status: o.Status}, nil
}

// FetchOrderHistory lists recent orders of every status.
func (s *Surface) FetchOrderHistory(ctx context.Context) ([]models.HistoryRecord, error) {
	orders, err := call(ctx, s.Provider, func() ([]alpaca.Order, error) {
		return s.tradeClient.GetOrders(alpaca.GetOrdersRequest{
			Status:    "all",
			Limit:     500,
			After:     s.now().Add(-historyLookback),
			Direction: "desc",
		})
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.HistoryRecord, 0, len(orders))
	for i := range orders {
		if rec, ok := mapOrder(&orders[i]); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// FetchHoldings returns whole-share positions by ticker.
func (s *Surface) FetchHoldings(ctx context.Context) (map[string]int, error) {
	positions, err := call(ctx, s.Provider, s.tradeClient.GetPositions)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(positions))
	for _, p := range positions {
		if q := int(p.Qty.IntPart()); q > 0 {
			out[strings.ToUpper(p.Symbol)] = q
		}
	}
	return out, nil
}

// FetchTradeCount counts filled orders in the closed-order history.
func (s *Surface) FetchTradeCount(ctx context.Context) (int, error) {
	orders, err := call(ctx, s.Provider, func() ([]alpaca.Order, error) {
		return s.tradeClient.GetOrders(alpaca.GetOrdersRequest{Status: "closed", Limit: 500})
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range orders {
		if o.Status == "filled" {
			n++
		}
	}
	return n, nil
}

// PortfolioValue is the account equity.
func (s *Surface) PortfolioValue(ctx context.Context) (decimal.Decimal, error) {
	acct, err := call(ctx, s.Provider, s.tradeClient.GetAccount)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Equity, nil
}

// CancelOrder cancels a queued order.
func (s *Surface) CancelOrder(ctx context.Context, brokerOrderID string) error {
	_, err := call(ctx, s.Provider, func() (struct{}, error) {
		return struct{}{}, s.tradeClient.CancelOrder(brokerOrderID)
	})
	return err
}

// diagnostic is the artifact written on a failed transition attempt.
type diagnostic struct {
	Label      string                 `json:"label"`
	CapturedAt time.Time              `json:"captured_at"`
	OpenOrders []models.HistoryRecord `json:"open_orders,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// CaptureDiagnostic writes the currently open orders to a JSON file in the
// diagnostics directory and returns its path. Without a directory it is a
// no-op.
func (s *Surface) CaptureDiagnostic(ctx context.Context, label string) (string, error) {
	if s.opts.DiagnosticsDir == "" {
		return "", nil
	}
	d := diagnostic{Label: label, CapturedAt: s.now().UTC()}
	history, err := s.FetchOrderHistory(ctx)
	if err != nil {
		d.Error = err.Error()
	}
	for _, h := range history {
		if h.IsOpen() {
			d.OpenOrders = append(d.OpenOrders, h)
		}
	}
	if err := os.MkdirAll(s.opts.DiagnosticsDir, 0o755); err != nil {
		return "", err
	}
	body, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s.json", d.CapturedAt.Format("20060102T150405"), sanitize(label))
	path := filepath.Join(s.opts.DiagnosticsDir, name)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Helpers

func alpacaSide(s models.Side) alpaca.Side {
	if s == models.Sell {
		return alpaca.Sell
	}
	return alpaca.Buy
}

func isDuplicateClientID(err error) bool {
	var apiErr *alpaca.APIError
	return errors.As(err, &apiErr) && strings.Contains(strings.ToLower(apiErr.Message), "client_order_id")
}

func sanitize(label string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, label)
}

// mapOrder converts a broker order. Notional orders carry no share quantity
// and are skipped.
func mapOrder(o *alpaca.Order) (models.HistoryRecord, bool) {
	if o == nil || o.Qty == nil {
		return models.HistoryRecord{}, false
	}
	side := models.Buy
	if o.Side == alpaca.Sell {
		side = models.Sell
	}
	rec := models.HistoryRecord{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Ticker:        strings.ToUpper(o.Symbol),
		Side:          side,
		Quantity:      int(o.Qty.IntPart()),
		Status:        historyStatus(o.Status),
		SubmittedAt:   o.SubmittedAt,
	}
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = o.CreatedAt
	}
	if o.FilledAvgPrice != nil {
		rec.FilledPrice = *o.FilledAvgPrice
	}
	if o.FilledAt != nil {
		rec.FilledAt = *o.FilledAt
	}
	return rec, true
}

func historyStatus(s string) string {
	switch s {
	case "filled":
		return models.HistoryFilled
	case "canceled", "expired", "done_for_day", "replaced":
		return models.HistoryCanceled
	case "rejected", "suspended":
		return models.HistoryRejected
	default:
		return models.HistoryOpen
	}
}
