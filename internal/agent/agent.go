// Package agent runs one decision-and-execution pass: snapshot, regime,
// scoring, exits, selection, validation and strictly sequential execution.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"alpha_rebalancer/internal/execution"
	"alpha_rebalancer/internal/market"
	"alpha_rebalancer/internal/models"
	"alpha_rebalancer/internal/regime"
	"alpha_rebalancer/internal/scoring"
	"alpha_rebalancer/internal/selection"
	"alpha_rebalancer/internal/storage"
	"alpha_rebalancer/internal/telegram"
	"alpha_rebalancer/internal/validation"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Ledger is what a pass reads and writes on the position ledger.
type Ledger interface {
	validation.Ledger
	EligibleSellQuantity(ticker string, asOf time.Time) int
	Counters() models.CounterState
	Submissions(status models.SubmissionStatus) []models.SubmissionRecord
	RolloverWeek(asOf time.Time) error
	MarkExecution(at time.Time) error
}

// Universe is what a pass needs from the investment universe.
type Universe interface {
	Tickers() []string
	BucketOf(ticker string) (string, bool)
	CoreWeights() map[string]float64
}

// Executor drives one order to a terminal state.
type Executor interface {
	Execute(ctx context.Context, o models.Order) execution.Result
}

// Valuer reports the account value used for sizing.
type Valuer interface {
	PortfolioValue(ctx context.Context) (decimal.Decimal, error)
}

// Recorder receives metrics; nil disables them.
type Recorder interface {
	ValidationFailure(check string)
	SetRegime(active string, all []string)
	SetTradesUsed(n int)
}

// Config holds the pass parameters.
type Config struct {
	Bands           regime.Bands
	Table           regime.Table
	SatelliteWeight float64 // target weight of each satellite
	Location        *time.Location
}

// Agent wires the pipeline together.
type Agent struct {
	cfg       Config
	provider  market.SnapshotProvider
	scorer    *scoring.Scorer
	selector  *selection.Selector
	validator *validation.Validator
	executor  Executor
	valuer    Valuer
	ledger    Ledger
	universe  Universe
	notifier  telegram.Notifier
	metrics   Recorder
	log       logrus.FieldLogger
	now       func() time.Time
}

// Deps are the collaborators of an Agent.
type Deps struct {
	Provider  market.SnapshotProvider
	Scorer    *scoring.Scorer
	Selector  *selection.Selector
	Validator *validation.Validator
	Executor  Executor
	Valuer    Valuer
	Ledger    Ledger
	Universe  Universe
	Notifier  telegram.Notifier
	Metrics   Recorder
}

// New returns an agent.
func New(cfg Config, d Deps, log logrus.FieldLogger) *Agent {
	if d.Notifier == nil {
		d.Notifier = telegram.Disabled{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Agent{
		cfg:       cfg,
		provider:  d.Provider,
		scorer:    d.Scorer,
		selector:  d.Selector,
		validator: d.Validator,
		executor:  d.Executor,
		valuer:    d.Valuer,
		ledger:    d.Ledger,
		universe:  d.Universe,
		notifier:  d.Notifier,
		metrics:   d.Metrics,
		log:       log,
		now:       time.Now,
	}
}

// Outcome is what happened to one proposed order.
type Outcome struct {
	Order      models.Order
	Validation *validation.Result
	Execution  *execution.Result // nil when validation stopped the order
}

// Placed reports whether the order reached the surface or was already there.
func (o Outcome) Placed() bool {
	return o.Execution != nil && o.Execution.Succeeded()
}

// Report summarises one pass.
type Report struct {
	RunID      string
	Started    time.Time
	Finished   time.Time
	Regime     regime.Regime
	RiskSignal *float64
	Scored     int
	Qualified  int
	Outcomes   []Outcome
	Warnings   []string
	Cancelled  bool
}

// Run executes one pass. Orders run one after another; a cancelled context
// stops the pass at the next order boundary.
func (a *Agent) Run(ctx context.Context) (rep Report, err error) {
	start := a.now()
	if a.cfg.Location != nil {
		start = start.In(a.cfg.Location)
	}
	rep = Report{RunID: uuid.NewString(), Started: start}
	log := a.log.WithField("run", shortID(rep.RunID))
	defer func() { rep.Finished = a.now() }()

	if err := a.ledger.RolloverWeek(start); err != nil {
		return rep, a.persistenceFailure(ctx, err)
	}

	snap, err := a.provider.GetSnapshot(ctx, a.universe.Tickers())
	if err != nil {
		a.alert(ctx, log, fmt.Sprintf("*Market data unavailable*, pass skipped: %v", err))
		return rep, err
	}
	signal, err := a.provider.RiskSignal(ctx)
	if err != nil {
		log.WithError(err).Error("Risk signal fetch failed")
		signal = nil
	}
	snap.RiskSignal = signal
	rep.RiskSignal = signal
	rep.Regime = regime.Classify(signal, a.cfg.Bands)
	if a.metrics != nil {
		a.metrics.SetRegime(rep.Regime.String(), regimeNames)
	}
	if rep.Regime == regime.Unknown {
		a.alert(ctx, log, "*Risk signal unavailable*: regime unknown, buys blocked this pass")
	} else {
		log.Infof("Regime %s (signal %.2f)", rep.Regime, *signal)
	}

	cands, err := a.scorer.ScoreCandidates(snap)
	if err != nil {
		a.alert(ctx, log, fmt.Sprintf("*Scoring failed*, pass skipped: %v", err))
		return rep, err
	}
	rep.Scored = len(cands)
	for _, c := range cands {
		if c.Qualified {
			rep.Qualified++
		}
	}
	log.Infof("Scored %d candidates, %d qualified", rep.Scored, rep.Qualified)

	if err := a.runExits(ctx, log, &rep, cands, start); err != nil {
		return rep, err
	}
	if !rep.Cancelled {
		if err := a.runBuys(ctx, log, &rep, snap, cands, start); err != nil {
			return rep, err
		}
	}

	if rep.Cancelled {
		log.Warn("Pass cancelled at an order boundary")
		return rep, nil
	}
	if err := a.ledger.MarkExecution(a.now()); err != nil {
		return rep, a.persistenceFailure(ctx, err)
	}
	if a.metrics != nil {
		a.metrics.SetTradesUsed(a.ledger.TradesUsed())
	}
	log.Infof("Pass complete: %d orders proposed", len(rep.Outcomes))
	return rep, nil
}

// runExits sells held satellites whose candidate lost qualification. A
// ticker missing from the scores is kept: absent data never forces a sell.
func (a *Agent) runExits(ctx context.Context, log logrus.FieldLogger, rep *Report, cands []models.Candidate, asOf time.Time) error {
	byTicker := make(map[string]models.Candidate, len(cands))
	for _, c := range cands {
		byTicker[c.Ticker] = c
	}
	for _, p := range a.ledger.Positions() {
		if p.Bucket == "" {
			continue
		}
		c, ok := byTicker[p.Ticker]
		if !ok || c.Qualified {
			continue
		}
		if ctx.Err() != nil {
			rep.Cancelled = true
			return nil
		}

		o := models.NewOrder(p.Ticker, models.Sell, p.TotalShares(), decimal.NewFromFloat(c.Price), asOf)
		o.Bucket = p.Bucket
		o.Reason = "exit: " + c.DisqualificationReason
		res := a.validator.ValidateSell(validation.SellRequest{Order: o, AsOf: asOf})
		if res.Passed && res.ApprovedQty < o.Quantity {
			reduced := models.NewOrder(o.Ticker, o.Side, res.ApprovedQty, o.ReferencePrice, asOf)
			reduced.Bucket, reduced.Reason = o.Bucket, o.Reason
			o = reduced
		}
		if err := a.submit(ctx, log, rep, o, res); err != nil {
			return err
		}
	}
	return nil
}

// runBuys builds the core and then fills free satellite slots.
func (a *Agent) runBuys(ctx context.Context, log logrus.FieldLogger, rep *Report, snap models.Snapshot, cands []models.Candidate, asOf time.Time) error {
	if rep.Regime == regime.Unknown {
		return nil
	}
	pv, err := a.valuer.PortfolioValue(ctx)
	if err != nil {
		log.WithError(err).Error("Portfolio value unavailable")
		pv = decimal.Zero
	}

	positions := a.ledger.Positions()
	initial := len(positions) == 0
	var orders []models.Order

	core := a.universe.CoreWeights()
	for _, t := range sortedKeys(core) {
		if a.ledger.TotalShares(t) > 0 {
			continue
		}
		d, ok := snap.Instruments[t]
		if !ok || d.Price == nil {
			rep.Warnings = append(rep.Warnings, "no price for core holding "+t)
			continue
		}
		if o, ok := a.size(t, "", core[t], *d.Price, pv, asOf); ok {
			o.InitialBuild = initial
			o.Reason = "core allocation"
			orders = append(orders, o)
		}
	}

	picks, warns, err := a.selectSatellites(cands, positions, rep.Regime)
	if err != nil {
		return err
	}
	rep.Warnings = append(rep.Warnings, warns...)
	satInitial := countSatellites(positions) == 0
	for _, p := range picks {
		c := p.Candidate
		o, ok := a.size(c.Ticker, c.Bucket, a.cfg.SatelliteWeight, c.Price, pv, asOf)
		if !ok {
			rep.Warnings = append(rep.Warnings, fmt.Sprintf("%s: position below one share", c.Ticker))
			continue
		}
		o.InitialBuild = satInitial
		o.Reason = "momentum rank"
		if p.KillSwitch {
			o.Reason = fmt.Sprintf("kill-switch replacement for %s", p.Replaced)
		}
		orders = append(orders, o)
	}

	for _, o := range orders {
		if ctx.Err() != nil {
			rep.Cancelled = true
			return nil
		}
		req := validation.BuyRequest{Order: o, AsOf: asOf, Regime: rep.Regime, PortfolioValue: pv}
		if d, ok := snap.Instruments[o.Ticker]; ok {
			req.Instrument = &d
		}
		if err := a.submit(ctx, log, rep, o, a.validator.ValidateBuy(req)); err != nil {
			return err
		}
	}
	return nil
}

// selectSatellites runs the initial build selection when no satellite is
// held, else one replacement per free slot.
func (a *Agent) selectSatellites(cands []models.Candidate, positions []*models.Position, r regime.Regime) ([]selection.Pick, []string, error) {
	if countSatellites(positions) == 0 {
		sel, err := a.selector.SelectBuyCandidates(cands, positions, r)
		return sel.Picks, sel.Warnings, err
	}
	params, err := a.cfg.Table.Params(r)
	if err != nil {
		return nil, nil, err
	}
	virtual := append([]*models.Position(nil), positions...)
	var picks []selection.Pick
	var warns, exclude []string
	for free := params.MaxSatellites - countSatellites(positions); free > 0; free-- {
		p, w, err := a.selector.SelectReplacement(cands, virtual, r, exclude)
		if err != nil {
			return nil, nil, err
		}
		warns = append(warns, w...)
		if p == nil {
			break
		}
		picks = append(picks, *p)
		exclude = append(exclude, p.Candidate.Ticker)
		if p.Replaced != "" {
			exclude = append(exclude, p.Replaced)
		}
		virtual = append(virtual, &models.Position{Ticker: p.Candidate.Ticker, Bucket: p.Candidate.Bucket})
	}
	return picks, warns, nil
}

// size turns a target weight into a whole-share order.
func (a *Agent) size(ticker, bucket string, weight, price float64, pv decimal.Decimal, asOf time.Time) (models.Order, bool) {
	if price <= 0 || !pv.IsPositive() {
		return models.Order{}, false
	}
	px := decimal.NewFromFloat(price)
	qty := pv.Mul(decimal.NewFromFloat(weight)).Div(px).Floor().IntPart()
	if qty < 1 {
		return models.Order{}, false
	}
	o := models.NewOrder(ticker, models.Buy, int(qty), px, asOf)
	o.Bucket = bucket
	return o, true
}

// submit executes a validated order and records the outcome. It returns an
// error only when the pass must stop.
func (a *Agent) submit(ctx context.Context, log logrus.FieldLogger, rep *Report, o models.Order, v validation.Result) error {
	out := Outcome{Order: o, Validation: &v}
	olog := log.WithFields(logrus.Fields{"ticker": o.Ticker, "side": o.Side, "qty": o.Quantity})
	if !v.Passed {
		for _, c := range v.Failed() {
			if a.metrics != nil {
				a.metrics.ValidationFailure(string(c))
			}
		}
		olog.Infof("Order blocked: %v", v.Err())
		rep.Outcomes = append(rep.Outcomes, out)
		return nil
	}

	res := a.executor.Execute(ctx, o)
	out.Execution = &res
	rep.Outcomes = append(rep.Outcomes, out)

	switch {
	case res.State == execution.Confirmed && res.Err != nil:
		return a.persistenceFailure(ctx, res.Err)
	case res.State == execution.Uncertain:
		a.alert(ctx, olog, fmt.Sprintf("*UNCERTAIN* %s: manual reconciliation required (%v)", o, res.Err))
	case res.State == execution.Confirmed:
		olog.Info("Order confirmed")
	}
	return nil
}

// persistenceFailure stops the pass; the error always wraps
// storage.ErrPersistence.
func (a *Agent) persistenceFailure(ctx context.Context, err error) error {
	if !errors.Is(err, storage.ErrPersistence) {
		err = fmt.Errorf("%w: %w", storage.ErrPersistence, err)
	}
	a.alert(ctx, a.log, fmt.Sprintf("*Persistence failure*, pass stopped: %v", err))
	return err
}

// alert logs at error level and pushes the message to the operator.
func (a *Agent) alert(ctx context.Context, log logrus.FieldLogger, msg string) {
	log.Error(msg)
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := a.notifier.Notify(nctx, msg); err != nil {
		log.WithError(err).Warn("Notification failed")
	}
}

var regimeNames = []string{
	regime.Normal.String(), regime.Caution.String(), regime.Shock.String(), regime.Unknown.String(),
}

func sortedKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func countSatellites(positions []*models.Position) int {
	n := 0
	for _, p := range positions {
		if p.Bucket != "" {
			n++
		}
	}
	return n
}
