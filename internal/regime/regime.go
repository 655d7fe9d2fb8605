package regime

import (
	"fmt"

	"alpha_rebalancer/internal/models"
)

// Regime is the risk band derived from the market-wide risk signal.
type Regime int

const (
	Unknown Regime = iota
	Normal
	Caution
	Shock
)

func (r Regime) String() string {
	switch r {
	case Normal:
		return "NORMAL"
	case Caution:
		return "CAUTION"
	case Shock:
		return "SHOCK"
	default:
		return "UNKNOWN"
	}
}

// Bands are the signal thresholds. Below Caution is normal, up to and
// including Shock is caution, anything above is shock.
type Bands struct {
	Caution float64 `yaml:"caution"`
	Shock   float64 `yaml:"shock"`
}

// DefaultBands match a VIX-style reading.
var DefaultBands = Bands{Caution: 20, Shock: 30}

// Classify maps a signal to a regime. A missing signal is Unknown.
func Classify(signal *float64, b Bands) Regime {
	if signal == nil {
		return Unknown
	}
	v := *signal
	switch {
	case v < b.Caution:
		return Normal
	case v <= b.Shock:
		return Caution
	default:
		return Shock
	}
}

// Params are the exposure caps a regime allows.
type Params struct {
	MaxSatellites        int
	WeeklyReplacementCap int
	MaxPerBucket         int
}

// Table maps each known regime to its caps.
type Table map[Regime]Params

// DefaultTable returns the competition caps; sprint mode trades more often
// with smaller, more numerous satellites.
func DefaultTable(sprint bool) Table {
	if sprint {
		return Table{
			Normal:  {MaxSatellites: 12, WeeklyReplacementCap: 99, MaxPerBucket: 2},
			Caution: {MaxSatellites: 8, WeeklyReplacementCap: 99, MaxPerBucket: 2},
			Shock:   {MaxSatellites: 6, WeeklyReplacementCap: 2, MaxPerBucket: 2},
		}
	}
	return Table{
		Normal:  {MaxSatellites: 8, WeeklyReplacementCap: 2, MaxPerBucket: 1},
		Caution: {MaxSatellites: 6, WeeklyReplacementCap: 1, MaxPerBucket: 1},
		Shock:   {MaxSatellites: 4, WeeklyReplacementCap: 0, MaxPerBucket: 1},
	}
}

// Params looks up the caps for r. Unknown never resolves to a default.
func (t Table) Params(r Regime) (Params, error) {
	if r == Unknown {
		return Params{}, fmt.Errorf("regime %s: %w", r, models.ErrDataUnavailable)
	}
	p, ok := t[r]
	if !ok {
		return Params{}, fmt.Errorf("no caps configured for regime %s", r)
	}
	return p, nil
}
