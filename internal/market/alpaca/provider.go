package alpaca

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"alpha_rebalancer/internal/market"
	"alpha_rebalancer/internal/models"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// barsClient is the slice of the market data client the provider calls.
type barsClient interface {
	GetMultiBars(symbols []string, req marketdata.GetBarsRequest) (map[string][]marketdata.Bar, error)
}

// tradingClient is the slice of the trading client the surface calls.
type tradingClient interface {
	GetAccount() (*alpaca.Account, error)
	GetAsset(symbol string) (*alpaca.Asset, error)
	GetPosition(symbol string) (*alpaca.Position, error)
	GetPositions() ([]alpaca.Position, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	CancelOrder(orderID string) error
}

// Options tunes the provider.
type Options struct {
	RiskProxy       string
	HistoryDays     int // calendar days of daily bars to request
	Feed            string
	RequestsPerSec  float64
	BreakerTimeout  time.Duration
	BreakerFailures uint32
	DiagnosticsDir  string
	Location        *time.Location
}

// maxSymbolsPerRequest keeps multi-bar URLs short.
const maxSymbolsPerRequest = 50

// Provider implements market.SnapshotProvider for Alpaca.
type Provider struct {
	mdClient    barsClient
	tradeClient tradingClient
	opts        Options
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	log         logrus.FieldLogger
	now         func() time.Time
}

// Ensure Provider implements the interface
var _ market.SnapshotProvider = (*Provider)(nil)

// NewProvider returns a provider using the APCA_* credentials from the
// environment.
func NewProvider(opts Options, log logrus.FieldLogger) *Provider {
	return newProvider(
		marketdata.NewClient(marketdata.ClientOpts{}),
		alpaca.NewClient(alpaca.ClientOpts{}),
		opts, log,
	)
}

func newProvider(md barsClient, tc tradingClient, opts Options, log logrus.FieldLogger) *Provider {
	if opts.HistoryDays <= 0 {
		opts.HistoryDays = 320
	}
	if opts.RequestsPerSec <= 0 {
		opts.RequestsPerSec = 3
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.Feed == "" {
		opts.Feed = "iex"
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	failures := opts.BreakerFailures
	st := gobreaker.Settings{Name: "alpaca"}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool { return counts.ConsecutiveFailures >= failures }
	st.Timeout = opts.BreakerTimeout
	// client errors mean the broker answered; they do not open the breaker
	st.IsSuccessful = func(err error) bool { return err == nil || isClientError(err) }
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warnf("Circuit %s: %s -> %s", name, from, to)
	}
	return &Provider{
		mdClient:    md,
		tradeClient: tc,
		opts:        opts,
		limiter:     rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1),
		breaker:     gobreaker.NewCircuitBreaker(st),
		log:         log,
		now:         time.Now,
	}
}

// call runs fn through the rate limiter and the breaker. The SDK takes no
// context, so a deadline abandons the call rather than stopping it.
func call[T any](ctx context.Context, p *Provider, fn func() (T, error)) (T, error) {
	var zero T
	if err := p.limiter.Wait(ctx); err != nil {
		return zero, err
	}
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := p.breaker.Execute(func() (interface{}, error) { return fn() })
		t, _ := v.(T)
		ch <- result{v: t, err: err}
	}()
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}

func isClientError(err error) bool {
	var apiErr *alpaca.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
		apiErr.StatusCode != 408 && apiErr.StatusCode != 429
}

// closes fetches daily closes per symbol, oldest first.
func (p *Provider) closes(ctx context.Context, symbols []string) (map[string][]float64, error) {
	req := marketdata.GetBarsRequest{
		TimeFrame:  marketdata.OneDay,
		Adjustment: marketdata.All,
		Start:      p.now().AddDate(0, 0, -p.opts.HistoryDays),
		Feed:       marketdata.Feed(p.opts.Feed),
	}
	out := make(map[string][]float64, len(symbols))
	for start := 0; start < len(symbols); start += maxSymbolsPerRequest {
		end := start + maxSymbolsPerRequest
		if end > len(symbols) {
			end = len(symbols)
		}
		batch := symbols[start:end]
		bars, err := call(ctx, p, func() (map[string][]marketdata.Bar, error) {
			return p.mdClient.GetMultiBars(batch, req)
		})
		if err != nil {
			return nil, fmt.Errorf("daily bars for %d symbols: %w", len(batch), err)
		}
		for sym, bs := range bars {
			sort.Slice(bs, func(i, j int) bool { return bs[i].Timestamp.Before(bs[j].Timestamp) })
			series := make([]float64, 0, len(bs))
			for _, b := range bs {
				series = append(series, b.Close)
			}
			out[sym] = series
		}
	}
	return out, nil
}

// GetSnapshot builds indicators for every ticker from daily bars. Tickers
// the feed does not return are left out of the snapshot.
func (p *Provider) GetSnapshot(ctx context.Context, tickers []string) (models.Snapshot, error) {
	series, err := p.closes(ctx, tickers)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("snapshot: %w: %w", models.ErrDataUnavailable, err)
	}
	snap := models.Snapshot{AsOf: p.now(), Instruments: make(map[string]models.InstrumentData, len(series))}
	for _, t := range tickers {
		closes, ok := series[t]
		if !ok || len(closes) == 0 {
			p.log.WithField("ticker", t).Warn("No bars returned")
			continue
		}
		snap.Instruments[t] = market.BuildInstrument(t, closes)
	}
	p.log.Infof("Snapshot: %d/%d tickers with data", len(snap.Instruments), len(tickers))
	return snap, nil
}

// RiskSignal is the annualised 21-day realised volatility of the risk proxy
// in percent, read on the same scale as a volatility index.
func (p *Provider) RiskSignal(ctx context.Context) (*float64, error) {
	if p.opts.RiskProxy == "" {
		return nil, fmt.Errorf("no risk proxy configured: %w", models.ErrDataUnavailable)
	}
	series, err := p.closes(ctx, []string{p.opts.RiskProxy})
	if err != nil {
		return nil, err
	}
	vol := market.AnnualizedVolatility(series[p.opts.RiskProxy], 21)
	if vol == nil {
		return nil, nil
	}
	v := *vol * 100
	return &v, nil
}
