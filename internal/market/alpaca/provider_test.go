package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"alpha_rebalancer/internal/execution"
	"alpha_rebalancer/internal/logger"
	"alpha_rebalancer/internal/models"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

type fakeBars struct {
	bars  map[string][]marketdata.Bar
	err   error
	calls [][]string
}

func (f *fakeBars) GetMultiBars(symbols []string, _ marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error) {
	f.calls = append(f.calls, symbols)
	if f.err != nil {
		return nil, f.err
	}
	out := map[string][]marketdata.Bar{}
	for _, s := range symbols {
		if b, ok := f.bars[s]; ok {
			out[s] = b
		}
	}
	return out, nil
}

type fakeTrading struct {
	account   alpaca.Account
	asset     *alpaca.Asset
	position  *alpaca.Position
	positions []alpaca.Position
	orders    []alpaca.Order
	placeErr  error
	placed    []alpaca.PlaceOrderRequest
	cancelled []string
}

func (f *fakeTrading) GetAccount() (*alpaca.Account, error) {
	a := f.account
	return &a, nil
}

func (f *fakeTrading) GetAsset(symbol string) (*alpaca.Asset, error) {
	if f.asset == nil {
		return nil, &alpaca.APIError{StatusCode: 404, Message: "asset not found for " + symbol}
	}
	return f.asset, nil
}

func (f *fakeTrading) GetPosition(string) (*alpaca.Position, error) {
	if f.position == nil {
		return nil, &alpaca.APIError{StatusCode: 404, Message: "position does not exist"}
	}
	return f.position, nil
}

func (f *fakeTrading) GetPositions() ([]alpaca.Position, error) { return f.positions, nil }

func (f *fakeTrading) GetOrders(alpaca.GetOrdersRequest) ([]alpaca.Order, error) { return f.orders, nil }

func (f *fakeTrading) PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error) {
	f.placed = append(f.placed, req)
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	return &alpaca.Order{ID: "ord-1", ClientOrderID: req.ClientOrderID, Status: "accepted"}, nil
}

func (f *fakeTrading) CancelOrder(id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func dailyBars(closes ...float64) []marketdata.Bar {
	out := make([]marketdata.Bar, len(closes))
	for i, c := range closes {
		out[i] = marketdata.Bar{Timestamp: now.AddDate(0, 0, i-len(closes)), Close: c}
	}
	return out
}

func newTestProvider(md *fakeBars, tc *fakeTrading, opts Options) *Provider {
	opts.RequestsPerSec = 1000
	p := newProvider(md, tc, opts, logger.Discard())
	p.now = func() time.Time { return now }
	return p
}

func TestGetSnapshot(t *testing.T) {
	closes := make([]float64, 70)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	bars := dailyBars(closes...)
	// out of order on the wire
	bars[0], bars[len(bars)-1] = bars[len(bars)-1], bars[0]
	md := &fakeBars{bars: map[string][]marketdata.Bar{"XAR": bars}}
	p := newTestProvider(md, &fakeTrading{}, Options{})

	snap, err := p.GetSnapshot(context.Background(), []string{"XAR", "GONE"})
	require.NoError(t, err)

	require.Contains(t, snap.Instruments, "XAR")
	assert.NotContains(t, snap.Instruments, "GONE")
	d := snap.Instruments["XAR"]
	require.NotNil(t, d.Price)
	assert.Equal(t, 169.0, *d.Price)
	_, ok := d.Return(63)
	assert.True(t, ok)
	assert.Nil(t, snap.RiskSignal, "risk signal is fetched separately")
}

func TestGetSnapshot_BatchesSymbols(t *testing.T) {
	md := &fakeBars{}
	p := newTestProvider(md, &fakeTrading{}, Options{})
	tickers := make([]string, maxSymbolsPerRequest+5)
	for i := range tickers {
		tickers[i] = string(rune('A'+i%26)) + string(rune('A'+i/26))
	}

	_, err := p.GetSnapshot(context.Background(), tickers)
	require.NoError(t, err)
	require.Len(t, md.calls, 2)
	assert.Len(t, md.calls[1], 5)
}

func TestGetSnapshot_FeedErrorIsDataUnavailable(t *testing.T) {
	md := &fakeBars{err: errors.New("503")}
	p := newTestProvider(md, &fakeTrading{}, Options{})

	_, err := p.GetSnapshot(context.Background(), []string{"XAR"})
	assert.ErrorIs(t, err, models.ErrDataUnavailable)
}

func TestRiskSignal(t *testing.T) {
	flat := make([]float64, 30)
	for i := range flat {
		flat[i] = 400
	}
	md := &fakeBars{bars: map[string][]marketdata.Bar{"VOO": dailyBars(flat...)}}
	p := newTestProvider(md, &fakeTrading{}, Options{RiskProxy: "VOO"})

	sig, err := p.RiskSignal(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Zero(t, *sig)

	md.bars["VOO"] = dailyBars(400, 401)
	sig, err = p.RiskSignal(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sig, "short history yields no signal, never a default")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	md := &fakeBars{err: errors.New("connection refused")}
	p := newTestProvider(md, &fakeTrading{}, Options{BreakerFailures: 2, BreakerTimeout: time.Minute})

	for i := 0; i < 2; i++ {
		_, err := p.GetSnapshot(context.Background(), []string{"XAR"})
		require.Error(t, err)
	}
	_, err := p.GetSnapshot(context.Background(), []string{"XAR"})
	assert.Contains(t, err.Error(), "circuit breaker is open")
	assert.Len(t, md.calls, 2)
}

func testOrder(side models.Side) models.Order {
	return models.NewOrder("XAR", side, 10, decimal.RequireFromString("150"), now)
}

func TestSurface_LoginAndNavigate(t *testing.T) {
	tc := &fakeTrading{account: alpaca.Account{Status: "ACTIVE"}}
	s := NewSurface(newTestProvider(&fakeBars{}, tc, Options{}))

	ok, err := s.Login(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	tc.account.TradingBlocked = true
	ok, err = s.Login(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.Navigate(context.Background(), "XAR")
	assert.ErrorIs(t, err, execution.ErrRejected)

	tc.asset = &alpaca.Asset{Symbol: "XAR", Tradable: true}
	assert.NoError(t, s.Navigate(context.Background(), "XAR"))
}

func TestSurface_Preview(t *testing.T) {
	tc := &fakeTrading{account: alpaca.Account{BuyingPower: decimal.NewFromInt(1000)}}
	s := NewSurface(newTestProvider(&fakeBars{}, tc, Options{}))
	ctx := context.Background()

	_, err := s.Preview(ctx, execution.Ticket{Order: testOrder(models.Buy)})
	assert.ErrorIs(t, err, execution.ErrRejected, "1500 > 1000 buying power")

	tc.account.BuyingPower = decimal.NewFromInt(2000)
	pv, err := s.Preview(ctx, execution.Ticket{Order: testOrder(models.Buy)})
	require.NoError(t, err)
	assert.Equal(t, "1500.00", pv.EstimatedCost.StringFixed(2))

	_, err = s.Preview(ctx, execution.Ticket{Order: testOrder(models.Sell)})
	assert.ErrorIs(t, err, execution.ErrRejected, "no position")

	tc.position = &alpaca.Position{Symbol: "XAR", Qty: decimal.NewFromInt(10)}
	_, err = s.Preview(ctx, execution.Ticket{Order: testOrder(models.Sell)})
	assert.NoError(t, err)
}

func TestSurface_SubmitOrder(t *testing.T) {
	tc := &fakeTrading{}
	s := NewSurface(newTestProvider(&fakeBars{}, tc, Options{}))
	o := testOrder(models.Buy)
	ticket, err := s.FillForm(context.Background(), o)
	require.NoError(t, err)

	out, err := s.SubmitOrder(context.Background(), ticket)
	require.NoError(t, err)
	assert.Equal(t, "ord-1", out.BrokerOrderID)
	require.Len(t, tc.placed, 1)
	assert.Equal(t, o.ClientOrderID(), tc.placed[0].ClientOrderID)
	assert.Equal(t, alpaca.Market, tc.placed[0].Type)
	assert.Equal(t, "10", tc.placed[0].Qty.String())

	tc.placeErr = &alpaca.APIError{StatusCode: 403, Message: "insufficient buying power"}
	_, err = s.SubmitOrder(context.Background(), ticket)
	assert.ErrorIs(t, err, execution.ErrRejected)

	tc.placeErr = &alpaca.APIError{StatusCode: 422, Message: "client_order_id must be unique"}
	_, err = s.SubmitOrder(context.Background(), ticket)
	require.Error(t, err)
	assert.NotErrorIs(t, err, execution.ErrRejected, "a duplicate id is ambiguous, not a rejection")

	tc.placeErr = errors.New("EOF")
	_, err = s.SubmitOrder(context.Background(), ticket)
	assert.NotErrorIs(t, err, execution.ErrRejected)
}

func TestSurface_HistoryHoldingsAndTradeCount(t *testing.T) {
	qty := decimal.NewFromInt(10)
	fill := decimal.RequireFromString("149.5")
	tc := &fakeTrading{
		orders: []alpaca.Order{
			{ID: "1", ClientOrderID: "rb-a", Symbol: "xar", Qty: &qty, Side: alpaca.Buy, Status: "filled", FilledAvgPrice: &fill, SubmittedAt: now},
			{ID: "2", Symbol: "CCJ", Qty: &qty, Side: alpaca.Sell, Status: "expired", CreatedAt: now},
			{ID: "3", Symbol: "LMT", Qty: &qty, Side: alpaca.Buy, Status: "pending_new"},
			{ID: "4", Symbol: "SPY", Side: alpaca.Buy, Status: "filled"}, // notional
		},
		positions: []alpaca.Position{
			{Symbol: "XAR", Qty: decimal.NewFromInt(10)},
			{Symbol: "ZERO", Qty: decimal.Zero},
		},
	}
	s := NewSurface(newTestProvider(&fakeBars{}, tc, Options{}))
	ctx := context.Background()

	hist, err := s.FetchOrderHistory(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, "XAR", hist[0].Ticker)
	assert.Equal(t, models.HistoryFilled, hist[0].Status)
	assert.True(t, hist[0].FilledPrice.Equal(fill))
	assert.Equal(t, models.HistoryCanceled, hist[1].Status)
	assert.Equal(t, now, hist[1].SubmittedAt, "falls back to created_at")
	assert.True(t, hist[2].IsOpen())

	holdings, err := s.FetchHoldings(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"XAR": 10}, holdings)

	n, err := s.FetchTradeCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.CancelOrder(ctx, "3"))
	assert.Equal(t, []string{"3"}, tc.cancelled)
}

func TestSurface_CaptureDiagnostic(t *testing.T) {
	qty := decimal.NewFromInt(5)
	tc := &fakeTrading{orders: []alpaca.Order{{ID: "9", Symbol: "LMT", Qty: &qty, Side: alpaca.Buy, Status: "new"}}}
	dir := t.TempDir()
	s := NewSurface(newTestProvider(&fakeBars{}, tc, Options{DiagnosticsDir: dir}))

	path, err := s.CaptureDiagnostic(context.Background(), "XAR-BUY-SUBMITTED/attempt1")
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.NotContains(t, path[len(dir):], "/attempt1")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var d diagnostic
	require.NoError(t, json.Unmarshal(raw, &d))
	assert.Len(t, d.OpenOrders, 1)

	none := NewSurface(newTestProvider(&fakeBars{}, tc, Options{}))
	path, err = none.CaptureDiagnostic(context.Background(), "x")
	require.NoError(t, err)
	assert.Empty(t, path)
}
