package validation

import (
	"testing"
	"time"

	"alpha_rebalancer/internal/ledger"
	"alpha_rebalancer/internal/logger"
	"alpha_rebalancer/internal/models"
	"alpha_rebalancer/internal/regime"
	"alpha_rebalancer/internal/scoring"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUniverse struct {
	prohibited map[string]bool
	frozen     map[string]bool
}

func (u fakeUniverse) ProhibitedReason(t string) string {
	if u.prohibited[t] {
		return t + " is prohibited"
	}
	return ""
}

func (u fakeUniverse) IsFrozen(day string) bool { return u.frozen[day] }

var now = time.Date(2026, 1, 14, 16, 0, 0, 0, time.UTC)

func rules() Rules {
	return Rules{
		MaxTradesTotal: 80, SoftStopTrades: 70, MinHoldings: 4, MaxPositionPct: 0.25,
		MinPrice: 5, MinQty: 1, MaxQty: 100000, Mode: scoring.Long,
	}
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	return ledger.New(models.NewPortfolioState(), nil, ledger.Options{
		Mode: ledger.LotFIFO, MinHold: 24 * time.Hour, HoldBuffer: 5 * time.Minute, Location: time.UTC,
	}, logger.Discard())
}

func newValidator(l *ledger.Ledger) *Validator {
	u := fakeUniverse{prohibited: map[string]bool{"TQQQ": true}, frozen: map[string]bool{"2026-01-28": true}}
	return New(rules(), regime.DefaultTable(false), u, l)
}

func f(v float64) *float64 { return &v }

func uptrending(ticker string, price float64) *models.InstrumentData {
	return &models.InstrumentData{
		Ticker:         ticker,
		Price:          f(price),
		MovingAverages: map[int]float64{50: price * 0.95, 200: price * 0.9},
	}
}

func buyReq(ticker, bucket string, qty int, price string) BuyRequest {
	o := models.NewOrder(ticker, models.Buy, qty, decimal.RequireFromString(price), now)
	o.Bucket = bucket
	p, _ := decimal.NewFromString(price)
	return BuyRequest{
		Order:          o,
		AsOf:           now,
		Regime:         regime.Normal,
		PortfolioValue: decimal.NewFromInt(1_000_000),
		Instrument:     uptrending(ticker, p.InexactFloat64()),
	}
}

func seed(t *testing.T, l *ledger.Ledger, trades int) {
	t.Helper()
	for i := 0; i < trades; i++ {
		o := models.NewOrder("VOO", models.Buy, 1, decimal.NewFromInt(int64(600+i)), now.Add(-72*time.Hour))
		_, err := l.ApplyConfirmed(ledger.Fill{Order: o, At: now.Add(-72 * time.Hour)})
		require.NoError(t, err)
	}
}

func TestValidateBuy_Passes(t *testing.T) {
	v := newValidator(newLedger(t))
	res := v.ValidateBuy(buyReq("RKLB", "A_SPACE", 100, "23.46"))

	assert.True(t, res.Passed, res.Summary())
	assert.NoError(t, res.Err())
	assert.Equal(t, 100, res.ApprovedQty)
	assert.Len(t, res.Checks, len(buyChecks))
}

func TestValidateBuy_ReportsEveryFailure(t *testing.T) {
	v := newValidator(newLedger(t))
	req := buyReq("TQQQ", "C_SEMIS", 0, "4.10")
	req.Regime = regime.Unknown
	req.AsOf = time.Date(2026, 1, 28, 15, 0, 0, 0, time.UTC)
	req.Instrument = nil

	res := v.ValidateBuy(req)
	assert.False(t, res.Passed)
	assert.Equal(t, 0, res.ApprovedQty)
	assert.Equal(t, []Check{
		CheckProhibited, CheckPriceFloor, CheckQuantity, CheckBucketCapacity,
		CheckEventFreeze, CheckWeeklyCap, CheckUptrend, CheckRegime,
	}, res.Failed())

	err := res.Err()
	assert.ErrorIs(t, err, ErrValidationFailure)
	assert.ErrorIs(t, err, models.ErrDataUnavailable)
	assert.Contains(t, err.Error(), "prohibited: TQQQ is prohibited")
}

func TestValidateBuy_PositionSize(t *testing.T) {
	l := newLedger(t)
	require.NoError(t, l.AddLot("SMH", 800, decimal.NewFromInt(250), now.Add(-48*time.Hour), "C_SEMIS"))
	v := newValidator(l)

	req := buyReq("SMH", "C_SEMIS", 300, "250")
	res := v.ValidateBuy(req)
	assert.False(t, res.Checks[CheckPositionSize].Passed, "200k existing + 75k new exceeds 250k")
	assert.True(t, res.Checks[CheckBucketCapacity].Passed, "adding to a held ticker does not use a bucket slot")

	req = buyReq("SMH", "C_SEMIS", 200, "250")
	assert.True(t, v.ValidateBuy(req).Checks[CheckPositionSize].Passed, "exactly at the cap is allowed")

	req.PortfolioValue = decimal.Zero
	c := v.ValidateBuy(req).Checks[CheckPositionSize]
	assert.False(t, c.Passed)
	assert.True(t, c.DataUnavailable)
}

func TestValidateBuy_TradeCountStops(t *testing.T) {
	l := newLedger(t)
	seed(t, l, 70)
	v := newValidator(l)

	res := v.ValidateBuy(buyReq("RKLB", "A_SPACE", 10, "23"))
	assert.False(t, res.Passed)
	assert.Contains(t, res.Checks[CheckTradeCount].Reason, "soft stop")

	require.NoError(t, l.SetTradesUsed(80))
	res = v.ValidateBuy(buyReq("RKLB", "A_SPACE", 10, "23"))
	assert.Contains(t, res.Checks[CheckTradeCount].Reason, "hard stop")
}

func TestValidateBuy_BucketAndWeeklyCap(t *testing.T) {
	l := newLedger(t)
	o := models.NewOrder("LMT", models.Buy, 2, decimal.NewFromInt(480), now)
	o.Bucket = "B_DEFENSE"
	_, err := l.ApplyConfirmed(ledger.Fill{Order: o, At: now})
	require.NoError(t, err)
	v := newValidator(l)

	res := v.ValidateBuy(buyReq("ITA", "B_DEFENSE", 5, "150"))
	assert.False(t, res.Checks[CheckBucketCapacity].Passed)

	req := buyReq("RKLB", "A_SPACE", 5, "23")
	req.Regime = regime.Caution // weekly cap 1, one already used
	res = v.ValidateBuy(req)
	assert.False(t, res.Checks[CheckWeeklyCap].Passed)

	req.Order.Emergency = true
	assert.True(t, v.ValidateBuy(req).Checks[CheckWeeklyCap].Passed, "emergency path bypasses the weekly cap")

	req.Order.Emergency = false
	req.Order.InitialBuild = true
	assert.True(t, v.ValidateBuy(req).Checks[CheckWeeklyCap].Passed)
}

func TestValidateBuy_Uptrend(t *testing.T) {
	v := newValidator(newLedger(t))
	req := buyReq("RKLB", "A_SPACE", 5, "23")
	req.Instrument.MovingAverages[50] = 30

	res := v.ValidateBuy(req)
	assert.False(t, res.Checks[CheckUptrend].Passed)

	core := buyReq("VOO", "", 5, "600")
	core.Instrument = nil
	assert.True(t, v.ValidateBuy(core).Checks[CheckUptrend].Passed)
}

func TestValidateSell(t *testing.T) {
	l := newLedger(t)
	old := now.Add(-48 * time.Hour)
	for _, tk := range []string{"VOO", "VTI", "VEA", "SMH"} {
		require.NoError(t, l.AddLot(tk, 10, decimal.NewFromInt(100), old, ""))
	}
	require.NoError(t, l.AddLot("XAR", 100, decimal.NewFromInt(150), now.Add(-25*time.Hour), "B_DEFENSE"))
	require.NoError(t, l.AddLot("XAR", 50, decimal.NewFromInt(150), now.Add(-23*time.Hour), "B_DEFENSE"))
	v := newValidator(l)

	sell := func(tk string, qty int) SellRequest {
		return SellRequest{Order: models.NewOrder(tk, models.Sell, qty, decimal.NewFromInt(150), now), AsOf: now}
	}

	res := v.ValidateSell(sell("XAR", 120))
	assert.True(t, res.Passed, res.Summary())
	assert.Equal(t, 100, res.ApprovedQty)

	require.NoError(t, l.ConsumeSellFIFO("XAR", 100, now))
	res = v.ValidateSell(sell("XAR", 50))
	assert.False(t, res.Checks[CheckHoldingPeriod].Passed)
	assert.True(t, res.Checks[CheckMinHoldings].Passed, "nothing sells, so nothing drops")

	res = v.ValidateSell(sell("SMH", 10))
	assert.True(t, res.Passed, "five positions, four remain")

	require.NoError(t, l.ConsumeSellFIFO("SMH", 10, now))
	res = v.ValidateSell(sell("VEA", 10))
	assert.False(t, res.Checks[CheckMinHoldings].Passed)

	res = v.ValidateSell(sell("VEA", 5))
	assert.True(t, res.Checks[CheckMinHoldings].Passed, "partial sells keep the position")
}

func TestValidateSell_HardStopOnly(t *testing.T) {
	l := newLedger(t)
	seed(t, l, 1)
	v := newValidator(l)

	require.NoError(t, l.SetTradesUsed(75))
	res := v.ValidateSell(SellRequest{Order: models.NewOrder("VOO", models.Sell, 1, decimal.NewFromInt(600), now), AsOf: now})
	assert.True(t, res.Checks[CheckTradeCount].Passed, "soft stop still allows exits")

	require.NoError(t, l.SetTradesUsed(80))
	res = v.ValidateSell(SellRequest{Order: models.NewOrder("VOO", models.Sell, 1, decimal.NewFromInt(600), now), AsOf: now})
	assert.False(t, res.Checks[CheckTradeCount].Passed)
	assert.Contains(t, res.Checks[CheckTradeCount].Reason, "hard stop")
}
