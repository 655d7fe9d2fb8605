package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"alpha_rebalancer/internal/ledger"
	"alpha_rebalancer/internal/models"
	"alpha_rebalancer/internal/retry"

	"github.com/sirupsen/logrus"
)

// Ledger is the part of the position ledger the machine touches.
type Ledger interface {
	HasSubmitted(key string) (models.SubmissionRecord, bool)
	RecordSubmission(o models.Order, at time.Time) (models.SubmissionRecord, error)
	MarkSubmission(key string, status models.SubmissionStatus, at time.Time) error
	ApplyConfirmed(f ledger.Fill) (models.TradeRecord, error)
	Day(t time.Time) string
}

// Config sets the per-transition budgets.
type Config struct {
	Timeout        time.Duration           // default per-attempt timeout
	Timeouts       map[State]time.Duration // overrides keyed by target state
	Attempts       int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	VerifyAttempts int
	VerifyDelay    time.Duration
	DryRun         bool
}

// Hooks observe the machine; any may be nil.
type Hooks struct {
	OnTransition func(o models.Order, from, to State)
	OnRetry      func(step State, attempt int, err error)
	OnOutcome    func(r Result)
}

// Transition is one recorded state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Result is the terminal outcome of one order.
type Result struct {
	Order       models.Order
	State       State
	Err         error
	Attempts    map[State]int
	Diagnostics []string
	Trade       *models.TradeRecord
	History     []Transition
}

// Succeeded is true for a confirmed order or an idempotency hit.
func (r Result) Succeeded() bool {
	return r.State == Confirmed || errors.Is(r.Err, ErrAlreadySubmitted)
}

// Machine drives one order at a time through the protocol. It is not safe
// for concurrent use; the run guard keeps one instance per account.
type Machine struct {
	surface TradingSurface
	ledger  Ledger
	cfg     Config
	hooks   Hooks
	log     logrus.FieldLogger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New returns a machine.
func New(surface TradingSurface, l Ledger, cfg Config, hooks Hooks, log logrus.FieldLogger) *Machine {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.VerifyAttempts <= 0 {
		cfg.VerifyAttempts = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Machine{surface: surface, ledger: l, cfg: cfg, hooks: hooks, log: log, now: time.Now}
}

// WithClock replaces the time source and the backoff sleeper (tests).
func (m *Machine) WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) *Machine {
	m.now = now
	m.sleep = sleep
	return m
}

// run is the mutable state of one Execute call.
type run struct {
	m      *Machine
	order  models.Order
	state  State
	res    Result
	log    logrus.FieldLogger
	ticket Ticket

	submitErr error // set when the submit call failed ambiguously
}

// Execute drives o to a terminal state. ctx is only consulted between
// transitions; each transition runs detached from cancellation, bounded by
// its own timeout. Once the order is submitted the machine always finishes.
func (m *Machine) Execute(ctx context.Context, o models.Order) Result {
	r := &run{
		m:     m,
		order: o,
		state: Pending,
		res:   Result{Order: o, State: Pending, Attempts: map[State]int{}},
		log:   m.log.WithFields(logrus.Fields{"ticker": o.Ticker, "side": o.Side, "qty": o.Quantity, "key": o.IdempotencyKey}),
	}
	r.execute(ctx)
	r.res.State = r.state
	if m.hooks.OnOutcome != nil {
		m.hooks.OnOutcome(r.res)
	}
	return r.res
}

func (r *run) execute(ctx context.Context) {
	m := r.m
	detached := context.WithoutCancel(ctx)

	if r.cancelled(ctx) {
		return
	}
	if _, err := step(detached, r, VerifiedSession, func(c context.Context) (struct{}, error) {
		ok, err := m.surface.Login(c)
		if err != nil {
			return struct{}{}, err
		}
		if !ok {
			return struct{}{}, errors.New("session not verified")
		}
		return struct{}{}, nil
	}); err != nil {
		r.abort(err)
		return
	}

	if r.alreadySubmitted() {
		return
	}

	if r.cancelled(ctx) {
		return
	}
	if _, err := step(detached, r, Navigated, func(c context.Context) (struct{}, error) {
		return struct{}{}, m.surface.Navigate(c, r.order.Ticker)
	}); err != nil {
		r.abort(err)
		return
	}

	if r.cancelled(ctx) {
		return
	}
	ticket, err := step(detached, r, FormFilled, func(c context.Context) (Ticket, error) {
		return m.surface.FillForm(c, r.order)
	})
	if err != nil {
		r.abort(err)
		return
	}
	r.ticket = ticket

	if r.cancelled(ctx) {
		return
	}
	preview, err := step(detached, r, Previewed, func(c context.Context) (Preview, error) {
		return m.surface.Preview(c, r.ticket)
	})
	if err != nil {
		r.abort(err)
		return
	}
	r.log.WithField("estimated_cost", preview.EstimatedCost.StringFixed(2)).Debug("Order previewed")

	if m.cfg.DryRun {
		r.log.Info("Dry run, stopping before submission")
		r.abort(ErrDryRun)
		return
	}

	// Last cancellation point: nothing is recorded or sent yet.
	if r.cancelled(ctx) {
		return
	}
	if r.alreadySubmitted() {
		return
	}
	if _, err := m.ledger.RecordSubmission(r.order, m.now()); err != nil {
		if errors.Is(err, ledger.ErrAlreadyRecorded) {
			r.abort(fmt.Errorf("%w: %v", ErrAlreadySubmitted, err))
			return
		}
		r.abort(err)
		return
	}

	r.submitAndVerify(detached)
}

// step runs one transition under the retry policy and moves to target on
// success. Every failed attempt captures a diagnostic.
func step[T any](ctx context.Context, r *run, target State, fn func(context.Context) (T, error)) (T, error) {
	v, attempts, err := retry.Do(ctx, r.m.policy(target, r), func(c context.Context, _ int) (T, error) {
		v, err := fn(c)
		if errors.Is(err, ErrRejected) {
			return v, retry.Permanent(err)
		}
		return v, err
	})
	r.res.Attempts[target] += attempts
	if err != nil {
		var zero T
		if errors.Is(err, retry.ErrExhausted) {
			return zero, fmt.Errorf("%s: %w: %w", target, ErrExecutionTimeout, err)
		}
		return zero, fmt.Errorf("%s: %w", target, err)
	}
	r.move(target)
	return v, nil
}

func (m *Machine) policy(target State, r *run) retry.Policy {
	timeout := m.cfg.Timeout
	if t, ok := m.cfg.Timeouts[target]; ok && t > 0 {
		timeout = t
	}
	return retry.Policy{
		Name:        fmt.Sprintf("%s %s", r.order.Ticker, target),
		MaxAttempts: m.cfg.Attempts,
		Timeout:     timeout,
		BaseDelay:   m.cfg.BaseDelay,
		MaxDelay:    m.cfg.MaxDelay,
		Multiplier:  2,
		Jitter:      0.1,
		Sleep:       m.sleep,
		Log:         r.log,
		OnRetry: func(attempt int, err error) {
			r.diagnose(target, attempt)
			if m.hooks.OnRetry != nil {
				m.hooks.OnRetry(target, attempt, err)
			}
		},
	}
}

func (r *run) move(to State) {
	if !CanTransition(r.state, to) {
		// the protocol below never asks for this; treat it as a bug
		panic(fmt.Sprintf("%v: %s -> %s", ErrIllegalTransition, r.state, to))
	}
	from := r.state
	r.state = to
	r.res.History = append(r.res.History, Transition{From: from, To: to, At: r.m.now().UTC()})
	r.log.WithField("state", to).Debugf("%s -> %s", from, to)
	if r.m.hooks.OnTransition != nil {
		r.m.hooks.OnTransition(r.order, from, to)
	}
}

func (r *run) abort(err error) {
	r.res.Err = err
	r.move(Aborted)
	if errors.Is(err, ErrAlreadySubmitted) || errors.Is(err, ErrDryRun) {
		r.log.Infof("Order not placed: %v", err)
		return
	}
	r.log.WithError(err).Warn("Order aborted")
}

func (r *run) uncertain(err error) {
	r.res.Err = err
	r.move(Uncertain)
	if mErr := r.m.ledger.MarkSubmission(r.order.IdempotencyKey, models.SubmissionUncertain, r.m.now()); mErr != nil {
		r.res.Err = fmt.Errorf("%w; marking uncertain: %w", err, mErr)
	}
	r.log.WithError(err).Error("Order UNCERTAIN, manual reconciliation required")
}

func (r *run) cancelled(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		r.abort(fmt.Errorf("cancelled before %s: %w", r.nextLabel(), err))
		return true
	}
	return false
}

func (r *run) nextLabel() string {
	if next := transitions[r.state]; len(next) > 0 {
		return next[0].String()
	}
	return r.state.String()
}

func (r *run) alreadySubmitted() bool {
	rec, ok := r.m.ledger.HasSubmitted(r.order.IdempotencyKey)
	if !ok {
		return false
	}
	r.abort(fmt.Errorf("%w: %s is %s", ErrAlreadySubmitted, r.order.IdempotencyKey, rec.Status))
	return true
}

func (r *run) diagnose(target State, attempt int) {
	label := fmt.Sprintf("%s-%s-%s-attempt%d", r.order.Ticker, r.order.Side, target, attempt)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	path, err := r.m.surface.CaptureDiagnostic(ctx, label)
	if err != nil {
		r.log.WithError(err).Warn("Diagnostic capture failed")
		return
	}
	if path != "" {
		r.res.Diagnostics = append(r.res.Diagnostics, path)
	}
}

// submitAndVerify places the order once and then looks for it in history.
// A submit error other than ErrRejected leaves the outcome unknown: the order
// may be live at the broker, so it is never sent again and only history can
// settle it. From here on every path ends in a terminal state.
func (r *run) submitAndVerify(ctx context.Context) {
	m := r.m
	p := m.policy(Submitted, r)

	sctx, cancel := context.WithTimeout(ctx, p.Timeout)
	out, err := m.surface.SubmitOrder(sctx, r.ticket)
	cancel()
	r.res.Attempts[Submitted]++

	switch {
	case err == nil:
		r.move(Submitted)
		r.log.WithField("broker_id", out.BrokerOrderID).Info("Order submitted")
	case errors.Is(err, ErrRejected):
		r.markRejected()
		r.abort(fmt.Errorf("%s: %w", Submitted, err))
		return
	default:
		r.diagnose(Submitted, 1)
		r.submitErr = fmt.Errorf("%w: %w", ErrSubmitAmbiguous, err)
		r.move(Submitted)
		r.log.WithError(err).Warn("Submit outcome unknown, settling from order history")
	}

	r.verify(ctx)
}

var errStillOpen = errors.New("order still open")

func (r *run) verify(ctx context.Context) {
	m := r.m
	p := m.policy(Confirmed, r)
	p.MaxAttempts = m.cfg.VerifyAttempts
	if m.cfg.VerifyDelay > 0 {
		p.BaseDelay = m.cfg.VerifyDelay
		p.Multiplier = 1
	}

	rec, attempts, err := retry.Do(ctx, p, func(c context.Context, _ int) (models.HistoryRecord, error) {
		records, err := m.surface.FetchOrderHistory(c)
		if err != nil {
			return models.HistoryRecord{}, err
		}
		rec, found := MatchHistory(records, r.order, m.ledger.Day)
		if !found {
			return models.HistoryRecord{}, ErrNotVerified
		}
		switch rec.Status {
		case models.HistoryRejected, models.HistoryCanceled:
			return rec, retry.Permanent(fmt.Errorf("%w: history shows %s", ErrRejected, rec.Status))
		case models.HistoryOpen:
			return rec, errStillOpen
		}
		return rec, nil
	})
	r.res.Attempts[Confirmed] += attempts

	switch {
	case err == nil:
	case errors.Is(err, ErrRejected):
		r.markRejected()
		r.abort(err)
		return
	default:
		if r.submitErr != nil {
			err = fmt.Errorf("%w: %w", r.submitErr, err)
		}
		r.uncertain(fmt.Errorf("%w: %w", ErrNotVerified, err))
		return
	}

	r.move(Confirmed)
	price := rec.FilledPrice
	if price.IsZero() {
		price = r.order.ReferencePrice
	}
	trade, err := m.ledger.ApplyConfirmed(ledger.Fill{Order: r.order, Price: price, At: m.now()})
	if err != nil {
		r.res.Err = fmt.Errorf("confirmed but not booked: %w", err)
		r.log.WithError(err).Error("Confirmed order could not be booked")
		return
	}
	r.res.Trade = &trade
	r.log.WithFields(logrus.Fields{"price": price.StringFixed(2), "seq": trade.SequenceNumber}).Info("Order confirmed")
}

func (r *run) markRejected() {
	if err := r.m.ledger.MarkSubmission(r.order.IdempotencyKey, models.SubmissionRejected, r.m.now()); err != nil {
		r.log.WithError(err).Error("Could not mark submission rejected")
	}
}
