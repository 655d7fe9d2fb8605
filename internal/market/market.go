package market

import (
	"context"

	"alpha_rebalancer/internal/models"
)

// SnapshotProvider supplies the market view for one pass. Missing history
// shows up as absent fields, never as zero values.
type SnapshotProvider interface {
	GetSnapshot(ctx context.Context, tickers []string) (models.Snapshot, error)
	// RiskSignal returns the market-wide risk reading, or nil when it cannot
	// be computed. Callers must not substitute a default.
	RiskSignal(ctx context.Context) (*float64, error)
}

var (
	// ReturnHorizons covers both scoring modes (3/10 short, 21/63 long).
	ReturnHorizons = []int{3, 10, 21, 63}
	// VolHorizons are the daily-return stdev windows.
	VolHorizons = []int{3, 10, 21, 63}
	// SMAWindows feed the uptrend filter.
	SMAWindows = []int{20, 50, 100, 200}
	// RecentWindow is how many trailing closes a snapshot carries.
	RecentWindow = 7
)

// BuildInstrument derives every indicator a snapshot carries from a series
// of daily closes, oldest first.
func BuildInstrument(ticker string, closes []float64) models.InstrumentData {
	d := models.InstrumentData{
		Ticker:         ticker,
		MovingAverages: map[int]float64{},
		Returns:        map[int]float64{},
		Volatility:     map[int]float64{},
	}
	if len(closes) == 0 {
		return d
	}
	last := closes[len(closes)-1]
	if last > 0 {
		d.Price = &last
	}
	for _, w := range SMAWindows {
		if v := SMA(closes, w); v != nil {
			d.MovingAverages[w] = *v
		}
	}
	for _, h := range ReturnHorizons {
		if v := SimpleReturn(closes, h); v != nil {
			d.Returns[h] = *v
		}
	}
	for _, h := range VolHorizons {
		if v := Volatility(closes, h); v != nil {
			d.Volatility[h] = *v
		}
	}
	n := RecentWindow
	if len(closes) < n {
		n = len(closes)
	}
	d.RecentCloses = append([]float64(nil), closes[len(closes)-n:]...)
	return d
}
