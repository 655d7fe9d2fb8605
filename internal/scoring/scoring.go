package scoring

import (
	"fmt"
	"sort"

	"alpha_rebalancer/internal/models"

	"github.com/sirupsen/logrus"
)

// Mode picks the horizon pair that drives ranking.
type Mode string

const (
	// Long ranks on 21/63-day relative returns and 21-day volatility.
	Long Mode = "long"
	// Short ranks on a weighted 3/10-day momentum score with 10-day volatility.
	Short Mode = "short"
)

// Short-mode score weights.
const (
	weightReturn3  = 0.55
	weightReturn10 = 0.35
	weightVol10    = 0.25
)

// ParseMode validates a configured mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Long, Short:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown scoring mode %q", s)
}

// Horizons returns the short and long return horizons in days.
func (m Mode) Horizons() (int, int) {
	if m == Short {
		return 3, 10
	}
	return 21, 63
}

// VolHorizon is the volatility horizon used for ranking and the kill-switch.
func (m Mode) VolHorizon() int {
	if m == Short {
		return 10
	}
	return 21
}

// Universe is the slice of the investment universe the scorer reads.
type Universe interface {
	BucketOf(ticker string) (string, bool)
	IsFund(ticker string) bool
	ProhibitedReason(ticker string) string
}

// Config controls qualification.
type Config struct {
	Mode           Mode
	Benchmark      string
	SafetyFloor    float64 // minimum price at scoring time
	RelaxedUptrend bool    // price above SMA50 only
}

// Scorer turns a snapshot into ranked candidates. It holds no state between
// passes.
type Scorer struct {
	cfg      Config
	universe Universe
	tickers  []string
	log      logrus.FieldLogger
}

// New returns a scorer over the given satellite tickers.
func New(cfg Config, universe Universe, tickers []string, log logrus.FieldLogger) *Scorer {
	if cfg.Mode == "" {
		cfg.Mode = Long
	}
	return &Scorer{cfg: cfg, universe: universe, tickers: tickers, log: log}
}

// Mode is the mode this scorer ranks with.
func (s *Scorer) Mode() Mode { return s.cfg.Mode }

// ScoreCandidates scores every tracked ticker with enough history. Tickers
// missing a ranking input are skipped; disqualified tickers stay in the
// output with their reason.
func (s *Scorer) ScoreCandidates(snap models.Snapshot) ([]models.Candidate, error) {
	mode := s.cfg.Mode // read once so the whole pass shares one key
	h1, h2 := mode.Horizons()
	vh := mode.VolHorizon()

	bench, ok := snap.Instruments[s.cfg.Benchmark]
	if !ok {
		return nil, fmt.Errorf("benchmark %s missing from snapshot: %w", s.cfg.Benchmark, models.ErrDataUnavailable)
	}
	b1, ok1 := bench.Return(h1)
	b2, ok2 := bench.Return(h2)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("benchmark %s lacks %d/%d-day returns: %w", s.cfg.Benchmark, h1, h2, models.ErrDataUnavailable)
	}

	out := make([]models.Candidate, 0, len(s.tickers))
	for _, ticker := range s.tickers {
		d, ok := snap.Instruments[ticker]
		if !ok || d.Price == nil {
			s.log.WithField("ticker", ticker).Debug("No price, skipping")
			continue
		}
		r1, ok1 := d.Return(h1)
		r2, ok2 := d.Return(h2)
		rv, ok3 := d.Vol(vh)
		if !ok1 || !ok2 || !ok3 {
			s.log.WithField("ticker", ticker).Debug("Insufficient history, skipping")
			continue
		}

		bucket, _ := s.universe.BucketOf(ticker)
		c := models.Candidate{
			Ticker:          ticker,
			Bucket:          bucket,
			RelativeReturns: models.Pair{Short: r1 - b1, Long: r2 - b2},
			Price:           *d.Price,
			IsETF:           s.universe.IsFund(ticker),
			RankVol:         rv,
		}
		c.Volatility.Short, _ = d.Vol(h1)
		c.Volatility.Long, _ = d.Vol(h2)
		if mode == Short {
			c.Score = weightReturn3*c.RelativeReturns.Short + weightReturn10*c.RelativeReturns.Long - weightVol10*rv
		} else {
			c.Score = c.RelativeReturns.Short
		}

		if reason := s.disqualify(d); reason != "" {
			c.DisqualificationReason = reason
		} else {
			c.Qualified = true
		}
		out = append(out, c)
	}

	Rank(out, mode)
	return out, nil
}

// disqualify returns the first failing qualification reason.
func (s *Scorer) disqualify(d models.InstrumentData) string {
	if reason := s.universe.ProhibitedReason(d.Ticker); reason != "" {
		return reason
	}
	price := *d.Price
	if price < s.cfg.SafetyFloor {
		return fmt.Sprintf("price %.2f below safety floor %.2f", price, s.cfg.SafetyFloor)
	}
	return Uptrend(d, s.cfg.Mode, s.cfg.RelaxedUptrend)
}

// Uptrend checks the moving-average stack and returns a reason when it fails.
// Long mode wants price > SMA50 > SMA200, falling back to SMA100 when the
// 200-day average is unavailable; short mode wants price > SMA20 > SMA50.
// Relaxed only requires price > SMA50.
func Uptrend(d models.InstrumentData, mode Mode, relaxed bool) string {
	if d.Price == nil {
		return "no price"
	}
	price := *d.Price
	sma50, ok := d.SMA(50)
	if !ok {
		return "insufficient history for SMA50"
	}
	if relaxed {
		if price > sma50 {
			return ""
		}
		return fmt.Sprintf("price %.2f not above SMA50 %.2f", price, sma50)
	}

	if mode == Short {
		sma20, ok := d.SMA(20)
		if !ok {
			return "insufficient history for SMA20"
		}
		if price > sma20 && sma20 > sma50 {
			return ""
		}
		return fmt.Sprintf("no uptrend: price %.2f, SMA20 %.2f, SMA50 %.2f", price, sma20, sma50)
	}

	slowWindow := 200
	slow, ok := d.SMA(200)
	if !ok {
		slowWindow = 100
		if slow, ok = d.SMA(100); !ok {
			return "insufficient history for SMA200/SMA100"
		}
	}
	if price > sma50 && sma50 > slow {
		return ""
	}
	return fmt.Sprintf("no uptrend: price %.2f, SMA50 %.2f, SMA%d %.2f", price, sma50, slowWindow, slow)
}

// Less is the total rank order: best first, ties broken by ticker.
func Less(a, b models.Candidate, mode Mode) bool {
	if mode == Short {
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.RelativeReturns.Short != b.RelativeReturns.Short {
			return a.RelativeReturns.Short > b.RelativeReturns.Short
		}
	} else {
		if a.RelativeReturns.Short != b.RelativeReturns.Short {
			return a.RelativeReturns.Short > b.RelativeReturns.Short
		}
		if a.RelativeReturns.Long != b.RelativeReturns.Long {
			return a.RelativeReturns.Long > b.RelativeReturns.Long
		}
	}
	if a.RankVol != b.RankVol {
		return a.RankVol < b.RankVol
	}
	return a.Ticker < b.Ticker
}

// Rank sorts candidates in place by the mode's rank key.
func Rank(cands []models.Candidate, mode Mode) {
	sort.SliceStable(cands, func(i, j int) bool { return Less(cands[i], cands[j], mode) })
}

// TopQualified returns up to n qualified candidates in rank order.
func TopQualified(cands []models.Candidate, n int) []models.Candidate {
	var out []models.Candidate
	for _, c := range cands {
		if len(out) >= n {
			break
		}
		if c.Qualified {
			out = append(out, c)
		}
	}
	return out
}
