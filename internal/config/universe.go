package config

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"alpha_rebalancer/internal/models"
	"alpha_rebalancer/internal/regime"

	"gopkg.in/yaml.v3"
)

//go:embed universe.yaml
var defaultUniverseYAML []byte

// CoreHolding is a long-term index position outside the bucket rules.
type CoreHolding struct {
	Ticker string  `yaml:"ticker"`
	Weight float64 `yaml:"weight"`
}

// Universe describes every instrument the agent may hold or must refuse.
type Universe struct {
	Benchmark          string              `yaml:"benchmark"`
	Core               []CoreHolding       `yaml:"core"`
	Buckets            map[string][]string `yaml:"buckets"`
	BucketFunds        map[string][]string `yaml:"bucket_funds"`
	Prohibited         []string            `yaml:"prohibited"`
	ProhibitedSuffixes []string            `yaml:"prohibited_suffixes"`
	FreezeDates        []string            `yaml:"freeze_dates"`
	RegimeBands        regime.Bands        `yaml:"regime_bands"`

	bucketOf   map[string]string
	funds      map[string]bool
	prohibited map[string]bool
	freeze     map[string]bool
}

// DefaultUniverse returns the built-in lineup.
func DefaultUniverse() (*Universe, error) {
	return ParseUniverse(defaultUniverseYAML)
}

// LoadUniverse reads a YAML universe file; an empty path yields the default.
func LoadUniverse(path string) (*Universe, error) {
	if path == "" {
		return DefaultUniverse()
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read universe %s: %w", path, err)
	}
	return ParseUniverse(b)
}

// ParseUniverse decodes and validates a universe document.
func ParseUniverse(b []byte) (*Universe, error) {
	var u Universe
	dec := yaml.NewDecoder(strings.NewReader(string(b)))
	dec.KnownFields(true)
	if err := dec.Decode(&u); err != nil {
		return nil, fmt.Errorf("decode universe: %w", err)
	}
	if err := u.index(); err != nil {
		return nil, err
	}
	return &u, nil
}

func (u *Universe) index() error {
	u.Benchmark = strings.ToUpper(u.Benchmark)
	if u.Benchmark == "" {
		return fmt.Errorf("universe: benchmark is required")
	}
	if u.RegimeBands == (regime.Bands{}) {
		u.RegimeBands = regime.DefaultBands
	}
	if u.RegimeBands.Caution >= u.RegimeBands.Shock {
		return fmt.Errorf("universe: regime bands must ascend (caution %.2f, shock %.2f)", u.RegimeBands.Caution, u.RegimeBands.Shock)
	}

	u.bucketOf = make(map[string]string)
	u.funds = make(map[string]bool)
	u.prohibited = make(map[string]bool)
	u.freeze = make(map[string]bool)

	for _, p := range u.Prohibited {
		u.prohibited[strings.ToUpper(p)] = true
	}
	for bucket, tickers := range u.Buckets {
		for _, t := range tickers {
			t = strings.ToUpper(t)
			if prev, dup := u.bucketOf[t]; dup {
				return fmt.Errorf("universe: %s listed in both %s and %s", t, prev, bucket)
			}
			if u.prohibited[t] {
				return fmt.Errorf("universe: %s in bucket %s is prohibited", t, bucket)
			}
			u.bucketOf[t] = bucket
		}
	}
	for bucket, funds := range u.BucketFunds {
		for _, f := range funds {
			f = strings.ToUpper(f)
			if u.bucketOf[f] != bucket {
				return fmt.Errorf("universe: fund %s is not a member of bucket %s", f, bucket)
			}
			u.funds[f] = true
		}
	}
	total := 0.0
	for _, c := range u.Core {
		total += c.Weight
		if c.Weight <= 0 {
			return fmt.Errorf("universe: core %s has non-positive weight", c.Ticker)
		}
	}
	if total > 1 {
		return fmt.Errorf("universe: core weights sum to %.2f", total)
	}
	for _, d := range u.FreezeDates {
		if _, err := time.Parse(models.DayLayout, d); err != nil {
			return fmt.Errorf("universe: freeze date %q: %w", d, err)
		}
		u.freeze[d] = true
	}
	return nil
}

// BucketOf returns the satellite bucket of a ticker.
func (u *Universe) BucketOf(ticker string) (string, bool) {
	b, ok := u.bucketOf[strings.ToUpper(ticker)]
	return b, ok
}

// IsFund reports whether the ticker is a diversified bucket fund.
func (u *Universe) IsFund(ticker string) bool {
	return u.funds[strings.ToUpper(ticker)]
}

// IsCore reports whether the ticker is a core holding.
func (u *Universe) IsCore(ticker string) bool {
	for _, c := range u.Core {
		if strings.EqualFold(c.Ticker, ticker) {
			return true
		}
	}
	return false
}

// Contains reports whether the ticker is tradable within the universe.
func (u *Universe) Contains(ticker string) bool {
	_, sat := u.BucketOf(ticker)
	return sat || u.IsCore(ticker)
}

// ProhibitedReason returns a non-empty reason when the ticker may not be traded.
func (u *Universe) ProhibitedReason(ticker string) string {
	t := strings.ToUpper(ticker)
	if u.prohibited[t] {
		return fmt.Sprintf("%s is on the prohibited list", t)
	}
	for _, s := range u.ProhibitedSuffixes {
		if strings.HasSuffix(t, strings.ToUpper(s)) {
			return fmt.Sprintf("%s has prohibited suffix %s", t, s)
		}
	}
	return ""
}

// IsFrozen reports whether trading is blocked on the calendar day.
func (u *Universe) IsFrozen(day string) bool {
	return u.freeze[day]
}

// Tickers lists the benchmark, core and satellite tickers, sorted.
func (u *Universe) Tickers() []string {
	set := map[string]bool{u.Benchmark: true}
	for _, c := range u.Core {
		set[strings.ToUpper(c.Ticker)] = true
	}
	for t := range u.bucketOf {
		set[t] = true
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// CoreWeights maps each core ticker to its target portfolio weight.
func (u *Universe) CoreWeights() map[string]float64 {
	out := make(map[string]float64, len(u.Core))
	for _, c := range u.Core {
		out[strings.ToUpper(c.Ticker)] = c.Weight
	}
	return out
}

// BucketNames lists the buckets, sorted.
func (u *Universe) BucketNames() []string {
	out := make([]string, 0, len(u.Buckets))
	for b := range u.Buckets {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// SatelliteTickers lists every bucket member, sorted.
func (u *Universe) SatelliteTickers() []string {
	out := make([]string, 0, len(u.bucketOf))
	for t := range u.bucketOf {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
