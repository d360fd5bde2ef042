// Copyright 2025 The go-farmhand Authors
// This file is part of the go-farmhand library.
//
// The go-farmhand library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-farmhand library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-farmhand library. If not, see <http://www.gnu.org/licenses/>.

// Package optimizer runs the scheduled control loop: reconcile positions,
// scan yields, ask the strategy for moves, re-check profitability and execute
// under the daily caps. One cycle at a time; a watchdog flags cycles that run
// away.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/mclock"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/shopspring/decimal"

	"github.com/farmhand-labs/go-farmhand/audit"
	"github.com/farmhand-labs/go-farmhand/core"
	"github.com/farmhand-labs/go-farmhand/profit"
	"github.com/farmhand-labs/go-farmhand/rpcpool"
	"github.com/farmhand-labs/go-farmhand/store"
	"github.com/farmhand-labs/go-farmhand/strategy"
)

var (
	// ErrNotRunning is returned by Stop when the optimizer never started.
	ErrNotRunning = errors.New("optimizer is not running")
)

var (
	cycleTimer       = metrics.NewRegisteredTimer("optimizer/cycle", nil)
	cycleErrorMeter  = metrics.NewRegisteredMeter("optimizer/cycle/errors", nil)
	executedMeter    = metrics.NewRegisteredMeter("optimizer/executed", nil)
	skippedMeter     = metrics.NewRegisteredMeter("optimizer/skipped", nil)
	watchdogGauge    = metrics.NewRegisteredGauge("optimizer/watchdog/overruns", nil)
	gasSpentGaugeUSD = metrics.NewRegisteredGaugeFloat64("optimizer/gasspent/usd", nil)
)

// Scanner is the slice of the yield scanner the optimizer consumes.
type Scanner interface {
	ScanAll(ctx context.Context) ([]core.YieldOpportunity, error)
}

// Executor is the slice of the rebalance executor the optimizer consumes.
type Executor interface {
	Execute(ctx context.Context, rec core.Recommendation) (*core.Execution, error)
}

// Config tunes the control loop.
type Config struct {
	Interval            time.Duration   // cadence between cycle starts
	MaxRebalancesPerDay int             // hard daily execution cap
	MaxGasPerDayUSD     decimal.Decimal // hard daily gas budget
	RunDeadline         time.Duration   // total runtime before a graceful stop; 0 = run forever
	WatchdogWarn        time.Duration   // cycle duration that draws a warning
	WatchdogLimit       time.Duration   // cycle duration that raises a scheduler error
	ErrorBackoff        time.Duration   // wait after a failed cycle
	CheckSlice          time.Duration   // granularity of cancellation checks while idle
}

// DefaultConfig contains the default optimizer configuration.
var DefaultConfig = Config{
	Interval:            time.Hour,
	MaxRebalancesPerDay: 5,
	MaxGasPerDayUSD:     decimal.NewFromInt(50),
	WatchdogWarn:        300 * time.Second,
	WatchdogLimit:       600 * time.Second,
	ErrorBackoff:        300 * time.Second,
	CheckSlice:          10 * time.Second,
}

// sanitize checks the provided configuration and changes anything
// unreasonable.
func (cfg Config) sanitize() Config {
	conf := cfg
	if conf.Interval <= 0 {
		log.Warn("Sanitizing invalid optimizer interval", "provided", conf.Interval, "updated", DefaultConfig.Interval)
		conf.Interval = DefaultConfig.Interval
	}
	if conf.MaxRebalancesPerDay < 1 {
		log.Warn("Sanitizing invalid daily rebalance cap", "provided", conf.MaxRebalancesPerDay, "updated", DefaultConfig.MaxRebalancesPerDay)
		conf.MaxRebalancesPerDay = DefaultConfig.MaxRebalancesPerDay
	}
	if !conf.MaxGasPerDayUSD.IsPositive() {
		log.Warn("Sanitizing invalid daily gas budget", "provided", conf.MaxGasPerDayUSD, "updated", DefaultConfig.MaxGasPerDayUSD)
		conf.MaxGasPerDayUSD = DefaultConfig.MaxGasPerDayUSD
	}
	if conf.WatchdogWarn <= 0 {
		conf.WatchdogWarn = DefaultConfig.WatchdogWarn
	}
	if conf.WatchdogLimit <= conf.WatchdogWarn {
		conf.WatchdogLimit = 2 * conf.WatchdogWarn
	}
	if conf.ErrorBackoff <= 0 {
		conf.ErrorBackoff = DefaultConfig.ErrorBackoff
	}
	if conf.CheckSlice <= 0 {
		conf.CheckSlice = DefaultConfig.CheckSlice
	}
	return conf
}

// Status is a point-in-time snapshot of the loop's counters.
type Status struct {
	Running               bool            `json:"running"`
	StartTime             time.Time       `json:"start_time"`
	LastScanTime          time.Time       `json:"last_scan_time"`
	NextScanTime          time.Time       `json:"next_scan_time"`
	TotalScans            int64           `json:"total_scans"`
	TotalRebalances       int64           `json:"total_rebalances"`
	OpportunitiesFound    int64           `json:"opportunities_found"`
	OpportunitiesExecuted int64           `json:"opportunities_executed"`
	OpportunitiesSkipped  int64           `json:"opportunities_skipped"`
	TotalGasSpentUSD      decimal.Decimal `json:"total_gas_spent_usd"`
	RecentErrors          []string        `json:"recent_errors,omitempty"`
}

// recentErrorMax bounds the error ring kept in the status snapshot.
const recentErrorMax = 10

// Optimizer is the scheduled control loop.
type Optimizer struct {
	cfg     Config
	scanner Scanner
	strat   strategy.Strategy
	calc    *profit.Calculator
	exec    Executor
	rec     *Reconciler
	store   store.Store
	usage   *rpcpool.UsageTracker
	sink    audit.Sink
	clock   mclock.Clock

	mu       sync.Mutex
	running  bool
	stopping bool
	quit     chan struct{}
	wg       sync.WaitGroup

	status   Status
	dayStart mclock.AbsTime
	dayRebal int
	dayGas   decimal.Decimal

	// cycleHook, when set, is invoked after every completed cycle. Test hook.
	cycleHook func()
}

// New assembles the optimizer. rec, usage and sink may be nil; clock nil
// selects the system clock.
func New(cfg Config, sc Scanner, strat strategy.Strategy, calc *profit.Calculator,
	exec Executor, st store.Store, rec *Reconciler, usage *rpcpool.UsageTracker,
	sink audit.Sink, clock mclock.Clock) *Optimizer {
	if sink == nil {
		sink = audit.Nop{}
	}
	if clock == nil {
		clock = mclock.System{}
	}
	return &Optimizer{
		cfg:     cfg.sanitize(),
		scanner: sc,
		strat:   strat,
		calc:    calc,
		exec:    exec,
		rec:     rec,
		store:   st,
		usage:   usage,
		sink:    sink,
		clock:   clock,
		dayGas:  decimal.Zero,
	}
}

// Start launches the control loop. Starting a running optimizer is a no-op
// with a warning, never an error.
func (o *Optimizer) Start() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		log.Warn("Optimizer already running")
		return
	}
	o.running = true
	o.stopping = false
	o.quit = make(chan struct{})
	o.status = Status{Running: true, StartTime: time.Now().UTC()}
	o.dayStart = o.clock.Now()
	o.dayRebal = 0
	o.dayGas = decimal.Zero
	quit := o.quit
	o.mu.Unlock()

	log.Info("Optimizer started", "interval", o.cfg.Interval,
		"max_rebalances_per_day", o.cfg.MaxRebalancesPerDay,
		"max_gas_per_day_usd", o.cfg.MaxGasPerDayUSD)
	o.sink.Log(audit.NewEvent(audit.TypeAgentStarted, audit.SeverityInfo,
		"optimizer started", map[string]any{
			"interval_seconds":       o.cfg.Interval.Seconds(),
			"max_rebalances_per_day": o.cfg.MaxRebalancesPerDay,
			"max_gas_per_day_usd":    o.cfg.MaxGasPerDayUSD.String(),
		}))

	o.wg.Add(1)
	go o.loop(quit)
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
func (o *Optimizer) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return ErrNotRunning
	}
	if !o.stopping {
		o.stopping = true
		close(o.quit)
	}
	o.mu.Unlock()

	o.wg.Wait()

	o.mu.Lock()
	o.running = false
	o.stopping = false
	o.status.Running = false
	o.mu.Unlock()

	log.Info("Optimizer stopped")
	o.sink.Log(audit.NewEvent(audit.TypeAgentStopped, audit.SeverityInfo,
		"optimizer stopped", nil))
	return nil
}

// Status returns a copy of the current counters.
func (o *Optimizer) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.status
	st.RecentErrors = append([]string(nil), o.status.RecentErrors...)
	return st
}

// loop is the scheduler goroutine: cycle, then sleep the cadence in short
// slices so cancellation is never more than one slice away.
func (o *Optimizer) loop(quit chan struct{}) {
	defer o.wg.Done()

	start := o.clock.Now()
	wallStart := time.Now()

	for {
		wait := o.runCycle(quit)

		if o.cfg.RunDeadline > 0 && time.Duration(o.clock.Now()-start) >= o.cfg.RunDeadline {
			log.Info("Optimizer run deadline reached", "deadline", o.cfg.RunDeadline)
			go o.Stop() // Stop waits on this goroutine; detach
			return
		}

		// Wall-vs-monotonic drift beyond a minute means the host clock
		// stepped; the cadence stays monotonic but operators should know.
		if drift := time.Since(wallStart) - time.Duration(o.clock.Now()-start); drift > time.Minute || drift < -time.Minute {
			log.Warn("Wall clock drift detected", "drift", drift)
			wallStart = time.Now()
			start = o.clock.Now()
		}

		o.mu.Lock()
		o.status.NextScanTime = time.Now().UTC().Add(wait)
		o.mu.Unlock()

		if !o.sleep(wait, quit) {
			return
		}
	}
}

// sleep waits for d in CheckSlice increments, returning false when quit
// closes first.
func (o *Optimizer) sleep(d time.Duration, quit chan struct{}) bool {
	deadline := o.clock.Now().Add(d)
	for {
		remaining := time.Duration(deadline - o.clock.Now())
		if remaining <= 0 {
			return true
		}
		slice := remaining
		if slice > o.cfg.CheckSlice {
			slice = o.cfg.CheckSlice
		}
		select {
		case <-o.clock.After(slice):
		case <-quit:
			return false
		}
	}
}

// runCycle executes one optimization cycle under the watchdog and returns how
// long to wait before the next one.
func (o *Optimizer) runCycle(quit chan struct{}) time.Duration {
	o.rollDay()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	done := make(chan struct{})
	go o.watchdog(ctx, cancel, done)

	start := time.Now()
	err := o.cycle(ctx)
	close(done)
	cycleTimer.UpdateSince(start)

	if o.cycleHook != nil {
		o.cycleHook()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		cycleErrorMeter.Mark(1)
		log.Error("Optimization cycle failed", "err", err)
		o.recordError(err)
		o.sink.Log(audit.NewEvent(audit.TypeSchedulerError, audit.SeverityError,
			"optimization cycle failed", map[string]any{
				"entry_type": "cycle_error",
				"error":      err.Error(),
			}))
		return o.cfg.ErrorBackoff
	}
	return o.cfg.Interval
}

// watchdog escalates long cycles: a warning at WatchdogWarn, then a hard
// abort at WatchdogLimit. Cancelling the cycle context is safe at step
// granularity: the executor checks it between steps, so no transaction is
// interrupted once submitted.
func (o *Optimizer) watchdog(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	select {
	case <-done:
		return
	case <-ctx.Done():
		return
	case <-o.clock.After(o.cfg.WatchdogWarn):
		log.Warn("Optimization cycle running long", "elapsed", o.cfg.WatchdogWarn)
	}
	select {
	case <-done:
		return
	case <-ctx.Done():
		return
	case <-o.clock.After(o.cfg.WatchdogLimit - o.cfg.WatchdogWarn):
		watchdogGauge.Inc(1)
		log.Error("Optimization cycle exceeded watchdog limit", "limit", o.cfg.WatchdogLimit)
		o.recordError(fmt.Errorf("cycle exceeded watchdog limit %s", o.cfg.WatchdogLimit))
		o.sink.Log(audit.NewEvent(audit.TypeSchedulerError, audit.SeverityCritical,
			"optimization cycle exceeded watchdog limit", map[string]any{
				"entry_type":    "watchdog_timeout",
				"limit_seconds": o.cfg.WatchdogLimit.Seconds(),
			}))
		cancel()
	}
}

// rollDay resets the daily caps at 24 h boundaries from start, emitting the
// RPC usage summary for the closing day first.
func (o *Optimizer) rollDay() {
	o.mu.Lock()
	elapsed := time.Duration(o.clock.Now() - o.dayStart)
	if elapsed < 24*time.Hour {
		o.mu.Unlock()
		return
	}
	o.dayStart = o.dayStart.Add(24 * time.Hour * time.Duration(elapsed/(24*time.Hour)))
	o.dayRebal = 0
	o.dayGas = decimal.Zero
	o.mu.Unlock()

	log.Info("Daily limits reset")
	if o.usage != nil {
		sum := o.usage.Summarize()
		o.sink.Log(audit.NewEvent(audit.TypeRPCUsageSummary, audit.SeverityInfo,
			"daily rpc usage summary", sum.Metadata()))
		o.usage.ResetDaily()
	}
}

// cycle is one pass: reconcile, scan, recommend, gate and execute.
func (o *Optimizer) cycle(ctx context.Context) error {
	log.Debug("Optimization cycle starting")

	if o.rec != nil {
		if err := o.rec.Reconcile(ctx); err != nil {
			return fmt.Errorf("reconciling positions: %w", err)
		}
	}

	positions, err := o.store.Positions()
	if err != nil {
		return fmt.Errorf("loading positions: %w", err)
	}

	opps, err := o.scanner.ScanAll(ctx)
	if err != nil {
		return fmt.Errorf("scanning yields: %w", err)
	}

	o.mu.Lock()
	o.status.TotalScans++
	o.status.LastScanTime = time.Now().UTC()
	o.mu.Unlock()

	recs, err := o.strat.Recommend(ctx, positions, opps)
	if err != nil {
		return fmt.Errorf("strategy %s: %w", o.strat.Name(), err)
	}

	o.mu.Lock()
	o.status.OpportunitiesFound += int64(len(recs))
	o.mu.Unlock()

	if len(recs) == 0 {
		log.Debug("No rebalance opportunities this cycle", "positions", len(positions), "opportunities", len(opps))
		return nil
	}
	log.Info("Rebalance opportunities found", "count", len(recs), "strategy", o.strat.Name())

	for _, rec := range recs {
		o.sink.Log(audit.NewEvent(audit.TypeOpportunityFound, audit.SeverityInfo,
			rec.String(), map[string]any{
				"from_protocol": rec.FromProtocol,
				"to_protocol":   rec.ToProtocol,
				"token":         rec.Token,
				"amount_usd":    rec.AmountUSD.String(),
				"confidence":    rec.Confidence,
			}))
		o.dispatch(ctx, rec)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// dispatch runs one recommendation through the daily caps and the
// profitability re-check, then executes it.
func (o *Optimizer) dispatch(ctx context.Context, rec core.Recommendation) {
	if reason := o.underCaps(); reason != "" {
		o.skip(rec, reason)
		return
	}

	// Re-check profitability right before spending: the scan that produced
	// the recommendation may be minutes old by now.
	prof, err := o.calc.Evaluate(ctx, profit.Move{
		CurrentAPY:      rec.CurrentAPY,
		TargetAPY:       rec.ExpectedAPY,
		PositionSizeUSD: rec.AmountUSD,
	})
	if err != nil {
		o.recordError(fmt.Errorf("re-checking profitability: %w", err))
		o.skip(rec, "profitability re-check failed")
		return
	}
	if !prof.Profitable {
		o.skip(rec, "no longer profitable: "+prof.RejectionReasons[0])
		return
	}

	exec, err := o.exec.Execute(ctx, rec)
	if err != nil {
		o.recordError(fmt.Errorf("executing %s: %w", rec.String(), err))
		o.mu.Lock()
		o.status.OpportunitiesSkipped++
		o.mu.Unlock()
		skippedMeter.Mark(1)
		return
	}

	o.applyExecution(rec, exec)
	o.mu.Lock()
	o.status.TotalRebalances++
	o.status.OpportunitiesExecuted++
	o.status.TotalGasSpentUSD = o.status.TotalGasSpentUSD.Add(exec.GasCostUSD)
	o.dayRebal++
	o.dayGas = o.dayGas.Add(exec.GasCostUSD)
	total, _ := o.status.TotalGasSpentUSD.Float64()
	o.mu.Unlock()
	executedMeter.Mark(1)
	gasSpentGaugeUSD.Update(total)
}

// underCaps reports why the daily caps refuse further executions, or ""
// when there is headroom.
func (o *Optimizer) underCaps() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dayRebal >= o.cfg.MaxRebalancesPerDay {
		return fmt.Sprintf("daily rebalance cap reached (%d)", o.cfg.MaxRebalancesPerDay)
	}
	if o.dayGas.GreaterThanOrEqual(o.cfg.MaxGasPerDayUSD) {
		return fmt.Sprintf("daily gas budget exhausted (%s USD)", o.cfg.MaxGasPerDayUSD)
	}
	return ""
}

func (o *Optimizer) skip(rec core.Recommendation, reason string) {
	skippedMeter.Mark(1)
	o.mu.Lock()
	o.status.OpportunitiesSkipped++
	o.mu.Unlock()
	log.Info("Skipping rebalance", "move", rec.String(), "reason", reason)
}

// applyExecution books a successful move into the position store. The source
// position shrinks by the moved amount (closing at zero); the destination
// position grows or is created at the expected APY.
func (o *Optimizer) applyExecution(rec core.Recommendation, exec *core.Execution) {
	if !rec.IsNewCapital() {
		src := core.Position{Protocol: rec.FromProtocol, PoolID: rec.FromPoolID, Token: rec.Token}
		if existing, err := o.store.Get(src.ID()); err == nil {
			remaining := existing.ValueUSD.Sub(rec.AmountUSD)
			if remaining.IsPositive() {
				existing.ValueUSD = remaining
				existing.UpdatedAt = time.Now().UTC()
				if err := o.store.Upsert(*existing); err != nil {
					o.recordError(fmt.Errorf("updating source position: %w", err))
				}
			} else if err := o.store.ClosePosition(src.ID()); err != nil {
				o.recordError(fmt.Errorf("closing source position: %w", err))
			}
		}
	}

	dst := core.Position{Protocol: rec.ToProtocol, PoolID: rec.ToPoolID, Token: rec.Token}
	pos, err := o.store.Get(dst.ID())
	if err != nil {
		pos = &dst
	}
	pos.ValueUSD = pos.ValueUSD.Add(rec.AmountUSD)
	pos.CurrentAPY = rec.ExpectedAPY
	pos.UpdatedAt = time.Now().UTC()
	if err := o.store.Upsert(*pos); err != nil {
		o.recordError(fmt.Errorf("updating destination position: %w", err))
	}
	log.Debug("Positions updated after execution", "execution", exec.ID, "destination", pos.ID())
}

func (o *Optimizer) recordError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry := time.Now().UTC().Format(time.RFC3339) + " " + err.Error()
	o.status.RecentErrors = append(o.status.RecentErrors, entry)
	if len(o.status.RecentErrors) > recentErrorMax {
		o.status.RecentErrors = o.status.RecentErrors[len(o.status.RecentErrors)-recentErrorMax:]
	}
}
