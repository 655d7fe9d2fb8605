package selection

import (
	"fmt"
	"sort"

	"alpha_rebalancer/internal/models"
	"alpha_rebalancer/internal/regime"
	"alpha_rebalancer/internal/scoring"

	"github.com/sirupsen/logrus"
)

// Config carries the selection rules.
type Config struct {
	Mode                scoring.Mode
	KillSwitchThreshold float64 // ranking volatility above which a single name is swapped
	Table               regime.Table
}

// Pick is one chosen buy.
type Pick struct {
	Candidate  models.Candidate
	Replaced   string // single name swapped out by the kill-switch
	KillSwitch bool
	Fallback   bool // no empty or under-capacity bucket had a candidate
}

// Selection is the outcome of a selection pass.
type Selection struct {
	Picks    []Pick
	Warnings []string
}

// Tickers lists the picked tickers in order.
func (s Selection) Tickers() []string {
	out := make([]string, len(s.Picks))
	for i, p := range s.Picks {
		out[i] = p.Candidate.Ticker
	}
	return out
}

// Selector applies one-per-bucket diversification under regime caps.
type Selector struct {
	cfg Config
	log logrus.FieldLogger
}

// New returns a selector.
func New(cfg Config, log logrus.FieldLogger) *Selector {
	return &Selector{cfg: cfg, log: log}
}

// holdings summarises satellite positions.
type holdings struct {
	tickers    map[string]bool
	perBucket  map[string]int
	satellites int
}

func summarise(positions []*models.Position) holdings {
	h := holdings{tickers: map[string]bool{}, perBucket: map[string]int{}}
	for _, p := range positions {
		h.tickers[p.Ticker] = true
		if p.Bucket != "" {
			h.perBucket[p.Bucket]++
			h.satellites++
		}
	}
	return h
}

// SelectBuyCandidates picks at most one buy per bucket. The best qualified,
// unheld candidate of each bucket is taken, swapped by the kill-switch if it
// is too volatile, buckets at capacity are dropped, and the result is capped
// by the free satellite slots.
func (s *Selector) SelectBuyCandidates(cands []models.Candidate, positions []*models.Position, r regime.Regime) (Selection, error) {
	params, err := s.cfg.Table.Params(r)
	if err != nil {
		return Selection{}, err
	}
	h := summarise(positions)
	var sel Selection

	byBucket := s.groupAvailable(cands, h, nil)
	buckets := make([]string, 0, len(byBucket))
	for b := range byBucket {
		buckets = append(buckets, b)
	}
	sort.Strings(buckets)

	for _, b := range buckets {
		if h.perBucket[b] >= params.MaxPerBucket {
			s.log.WithField("bucket", b).Debugf("Bucket at capacity (%d/%d)", h.perBucket[b], params.MaxPerBucket)
			continue
		}
		pick, warn := s.applyKillSwitch(byBucket[b][0], byBucket[b])
		if warn != "" {
			sel.Warnings = append(sel.Warnings, warn)
		}
		sel.Picks = append(sel.Picks, pick)
	}

	sort.SliceStable(sel.Picks, func(i, j int) bool {
		return scoring.Less(sel.Picks[i].Candidate, sel.Picks[j].Candidate, s.cfg.Mode)
	})

	slots := params.MaxSatellites - h.satellites
	if slots < 0 {
		slots = 0
	}
	if len(sel.Picks) > slots {
		sel.Warnings = append(sel.Warnings, fmt.Sprintf("%d picks exceed %d free satellite slots in %s regime", len(sel.Picks), slots, r))
		sel.Picks = sel.Picks[:slots]
	}
	return sel, nil
}

// SelectReplacement chooses a single buy, preferring buckets with no
// representation, then buckets under capacity, and only then the best
// candidate anywhere (flagged Fallback). Nil when nothing is available.
func (s *Selector) SelectReplacement(cands []models.Candidate, positions []*models.Position, r regime.Regime, exclude []string) (*Pick, []string, error) {
	params, err := s.cfg.Table.Params(r)
	if err != nil {
		return nil, nil, err
	}
	h := summarise(positions)
	skip := make(map[string]bool, len(exclude))
	for _, t := range exclude {
		skip[t] = true
	}

	var available []models.Candidate
	for _, list := range s.groupAvailable(cands, h, skip) {
		available = append(available, list...)
	}
	scoring.Rank(available, s.cfg.Mode)
	if len(available) == 0 {
		return nil, []string{"no qualified replacement candidate"}, nil
	}

	tiers := []func(models.Candidate) bool{
		func(c models.Candidate) bool { return h.perBucket[c.Bucket] == 0 },
		func(c models.Candidate) bool { return h.perBucket[c.Bucket] < params.MaxPerBucket },
	}
	for _, inTier := range tiers {
		for _, c := range available {
			if inTier(c) {
				pick, warn := s.applyKillSwitch(c, bucketPeers(available, c.Bucket))
				return &pick, warnings(warn), nil
			}
		}
	}

	pick, warn := s.applyKillSwitch(available[0], bucketPeers(available, available[0].Bucket))
	pick.Fallback = true
	return &pick, append(warnings(warn), fmt.Sprintf("no bucket under capacity, falling back to %s", pick.Candidate.Ticker)), nil
}

// groupAvailable returns qualified, unheld, non-excluded satellite
// candidates per bucket in rank order.
func (s *Selector) groupAvailable(cands []models.Candidate, h holdings, skip map[string]bool) map[string][]models.Candidate {
	out := map[string][]models.Candidate{}
	for _, c := range cands {
		if !c.Qualified || c.Bucket == "" || h.tickers[c.Ticker] || skip[c.Ticker] {
			continue
		}
		out[c.Bucket] = append(out[c.Bucket], c)
	}
	for b := range out {
		scoring.Rank(out[b], s.cfg.Mode)
	}
	return out
}

// applyKillSwitch swaps an over-volatile single name for the best bucket
// fund within tolerance. peers must be in rank order.
func (s *Selector) applyKillSwitch(c models.Candidate, peers []models.Candidate) (Pick, string) {
	vol := c.RankVol
	if c.IsETF || vol <= s.cfg.KillSwitchThreshold {
		return Pick{Candidate: c}, ""
	}
	for _, alt := range peers {
		if alt.IsETF && alt.Ticker != c.Ticker && alt.RankVol <= s.cfg.KillSwitchThreshold {
			s.log.WithFields(logrus.Fields{"ticker": c.Ticker, "fund": alt.Ticker, "vol": vol}).Info("Kill-switch swapped single name for bucket fund")
			return Pick{Candidate: alt, Replaced: c.Ticker, KillSwitch: true}, ""
		}
	}
	return Pick{Candidate: c}, fmt.Sprintf("%s volatility %.4f above %.4f and no bucket fund within tolerance", c.Ticker, vol, s.cfg.KillSwitchThreshold)
}

func bucketPeers(cands []models.Candidate, bucket string) []models.Candidate {
	var out []models.Candidate
	for _, c := range cands {
		if c.Bucket == bucket {
			out = append(out, c)
		}
	}
	return out
}

func warnings(w string) []string {
	if w == "" {
		return nil
	}
	return []string{w}
}
