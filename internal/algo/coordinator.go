// Package algo wires the detector, signal processor, risk manager and
// state classifier into the top-level decision state machine.
package algo

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/scalper-backend/internal/pattern"
	"github.com/atlas-desktop/scalper-backend/internal/regime"
	"github.com/atlas-desktop/scalper-backend/internal/risk"
	"github.com/atlas-desktop/scalper-backend/internal/signal"
	"github.com/atlas-desktop/scalper-backend/pkg/types"
)

// State is the coordinator lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
	StateRunning       State = "running"
	StatePaused        State = "paused"
	StateShuttingDown  State = "shutting_down"
	StateError         State = "error"
)

// Mode gates how aggressively validated signals become decisions.
type Mode string

const (
	ModeDisabled     Mode = "disabled"
	ModeAggressive   Mode = "aggressive"
	ModeNormal       Mode = "normal"
	ModeConservative Mode = "conservative"
	ModeMonitorOnly  Mode = "monitor_only"
)

// Config configures the coordinator.
type Config struct {
	Symbol                string
	SymbolSpec            risk.SymbolSpec
	CooldownWindow        time.Duration
	StrengthAggressive    float64 // min consolidated strength per mode
	StrengthNormal        float64
	StrengthConservative  float64
	MaintenanceInterval   time.Duration
	RecentBufferSize      int // recent patterns/decisions retained for operators
}

// DefaultConfig returns coordinator defaults.
func DefaultConfig() Config {
	return Config{
		Symbol: "ESZ6",
		SymbolSpec: risk.SymbolSpec{
			TickSize:          decimal.NewFromFloat(0.25),
			TickValue:         decimal.NewFromFloat(12.5),
			TypicalVolatility: 0.0008,
		},
		CooldownWindow:       30 * time.Second,
		StrengthAggressive:   0.5,
		StrengthNormal:       0.65,
		StrengthConservative: 0.8,
		MaintenanceInterval:  30 * time.Second,
		RecentBufferSize:     50,
	}
}

// MetricsSnapshot is the operator-facing counters and statistics view.
type MetricsSnapshot struct {
	State              State           `json:"state"`
	Mode               Mode            `json:"mode"`
	Regime             regime.Regime   `json:"regime"`
	Volatility         float64         `json:"volatility"`
	TicksProcessed     int64           `json:"ticksProcessed"`
	DepthUpdates       int64           `json:"depthUpdates"`
	PatternsDetected   int64           `json:"patternsDetected"`
	SignalsAccepted    int64           `json:"signalsAccepted"`
	SignalsRejected    int64           `json:"signalsRejected"`
	CooldownRejections int64           `json:"cooldownRejections"`
	DecisionsEmitted   int64           `json:"decisionsEmitted"`
	OpenTrades         int             `json:"openTrades"`
	Balance            decimal.Decimal `json:"balance"`
	Drawdown           float64         `json:"drawdown"`
	Statistics         risk.Statistics `json:"statistics"`
}

// openTrade tracks one in-flight decision awaiting OnTradeClosed.
type openTrade struct {
	risk       decimal.Decimal
	components []*signal.Event
}

// Coordinator owns the process-wide algorithm state and drives the
// single-direction pipeline: market event, patterns, signals, sizing,
// execution decision. Each event is processed to completion before the
// next is accepted.
type Coordinator struct {
	logger     *zap.Logger
	config     Config
	detector   *pattern.Detector
	processor  *signal.Processor
	riskMgr    *risk.Manager
	classifier *regime.Classifier

	mu           sync.Mutex
	state        State
	mode         Mode
	lastQuote    types.Quote
	lastPrice    decimal.Decimal
	lastAccepted time.Time
	lastRegime   regime.Regime
	openTrades   []openTrade
	openRisk     decimal.Decimal

	recentPatterns  []pattern.Pattern
	recentDecisions []types.ExecutionDecision

	ticksProcessed     int64
	depthUpdates       int64
	patternsDetected   int64
	signalsAccepted    int64
	signalsRejected    int64
	cooldownRejections int64
	decisionsEmitted   int64

	onDecision     func(types.ExecutionDecision)
	onModeChange   func(Mode)
	onRegimeChange func(regime.Regime)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCoordinator creates an uninitialized coordinator over the given
// components.
func NewCoordinator(
	logger *zap.Logger,
	config Config,
	detector *pattern.Detector,
	processor *signal.Processor,
	riskMgr *risk.Manager,
	classifier *regime.Classifier,
) *Coordinator {
	if config.CooldownWindow <= 0 {
		config.CooldownWindow = DefaultConfig().CooldownWindow
	}
	if config.RecentBufferSize <= 0 {
		config.RecentBufferSize = DefaultConfig().RecentBufferSize
	}
	if config.MaintenanceInterval <= 0 {
		config.MaintenanceInterval = DefaultConfig().MaintenanceInterval
	}

	return &Coordinator{
		logger:     logger.Named("coordinator"),
		config:     config,
		detector:   detector,
		processor:  processor,
		riskMgr:    riskMgr,
		classifier: classifier,
		state:      StateUninitialized,
		mode:       ModeNormal,
		lastRegime: regime.RegimeUnknown,
	}
}

// SetDecisionCallback registers the execution collaborator sink.
func (c *Coordinator) SetDecisionCallback(fn func(types.ExecutionDecision)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDecision = fn
}

// SetModeChangeCallback registers a trading-mode change listener.
func (c *Coordinator) SetModeChangeCallback(fn func(Mode)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onModeChange = fn
}

// SetRegimeChangeCallback registers a regime change listener.
func (c *Coordinator) SetRegimeChangeCallback(fn func(regime.Regime)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRegimeChange = fn
}

// Initialize validates configuration and registers the symbol with the
// risk manager. Uninitialized -> Ready; invalid symbol spec -> Error.
func (c *Coordinator) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateUninitialized {
		return fmt.Errorf("initialize from state %s: invalid transition", c.state)
	}
	if c.config.Symbol == "" ||
		c.config.SymbolSpec.TickSize.LessThanOrEqual(decimal.Zero) ||
		c.config.SymbolSpec.TickValue.LessThanOrEqual(decimal.Zero) {
		c.state = StateError
		c.logger.Error("Initialization failed: invalid symbol configuration",
			zap.String("symbol", c.config.Symbol))
		return fmt.Errorf("initialize: invalid symbol configuration for %q", c.config.Symbol)
	}

	c.riskMgr.RegisterSymbol(c.config.Symbol, c.config.SymbolSpec)
	c.state = StateReady

	c.logger.Info("Coordinator initialized", zap.String("symbol", c.config.Symbol))
	return nil
}

// Start transitions Ready -> Running and launches the maintenance loop.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady {
		return fmt.Errorf("start from state %s: invalid transition", c.state)
	}
	c.state = StateRunning
	c.stopCh = make(chan struct{})
	c.wg.Add(1)
	go c.maintenanceLoop(c.stopCh)

	c.logger.Info("Coordinator started",
		zap.String("symbol", c.config.Symbol),
		zap.String("mode", string(c.mode)))
	return nil
}

// Pause transitions Running -> Paused. Market events keep updating book
// and classifier state but no decisions are emitted.
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning {
		return fmt.Errorf("pause from state %s: invalid transition", c.state)
	}
	c.state = StatePaused
	c.logger.Info("Coordinator paused")
	return nil
}

// Resume transitions Paused -> Running.
func (c *Coordinator) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StatePaused {
		return fmt.Errorf("resume from state %s: invalid transition", c.state)
	}
	c.state = StateRunning
	c.logger.Info("Coordinator resumed")
	return nil
}

// Stop transitions Running/Paused -> Ready, stopping the maintenance
// loop. Stopping twice is an invalid transition.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.state != StateRunning && c.state != StatePaused {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("stop from state %s: invalid transition", state)
	}
	c.state = StateShuttingDown
	stopCh := c.stopCh
	c.stopCh = nil
	c.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	c.wg.Wait()

	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()

	c.logger.Info("Coordinator stopped")
	return nil
}

// SetTradingMode sets the mode explicitly (operator action).
func (c *Coordinator) SetTradingMode(mode Mode) {
	c.mu.Lock()
	changed := mode != c.mode
	c.mode = mode
	fn := c.onModeChange
	c.mu.Unlock()

	if changed {
		c.logger.Info("Trading mode set", zap.String("mode", string(mode)))
		if fn != nil {
			fn(mode)
		}
	}
}

// GetState returns the current lifecycle state.
func (c *Coordinator) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GetTradingMode returns the current trading mode.
func (c *Coordinator) GetTradingMode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// OnQuote records the best bid/ask used for aggressor inference.
func (c *Coordinator) OnQuote(q types.Quote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastQuote = q
}

// OnSessionBoundary forwards session open/close flags to the classifier
// and re-derives the trading mode.
func (c *Coordinator) OnSessionBoundary(isOpen, isClose bool) {
	c.classifier.SetSessionState(isOpen, isClose)
	c.updateTradingMode()
}

// OnDepthUpdate applies a depth diff and re-evaluates book imbalance.
// Returns the execution decision when the update completes one.
func (c *Coordinator) OnDepthUpdate(u types.DepthUpdate) *types.ExecutionDecision {
	c.mu.Lock()
	if c.state == StateUninitialized || c.state == StateError {
		c.mu.Unlock()
		return nil
	}
	c.depthUpdates++
	c.mu.Unlock()

	c.detector.ProcessDepth(u)

	var patterns []pattern.Pattern
	if p := c.detector.DetectImbalance(u.Time); p != nil {
		patterns = append(patterns, *p)
	}

	return c.evaluate(patterns, u.Time)
}

// OnTrade ingests an executed trade: infers the aggressor when missing,
// feeds the classifier and detector, and evaluates resulting patterns.
func (c *Coordinator) OnTrade(t types.Tick) *types.ExecutionDecision {
	c.mu.Lock()
	if c.state == StateUninitialized || c.state == StateError {
		c.mu.Unlock()
		return nil
	}
	c.ticksProcessed++
	if t.Aggressor != types.SideBuy && t.Aggressor != types.SideSell {
		t.Aggressor = c.inferAggressorLocked(t.Price)
	}
	c.lastPrice = t.Price
	c.mu.Unlock()

	c.classifier.AddPrice(t.Price, t.Time)

	patterns := c.detector.ProcessTrade(t)
	if p := c.detector.DetectImbalance(t.Time); p != nil {
		patterns = append(patterns, *p)
	}

	return c.evaluate(patterns, t.Time)
}

// inferAggressorLocked maps a trade price onto the last quote: at or
// through the ask is a buy, at or through the bid a sell. Without a
// usable quote it falls back to price direction. Caller holds the lock.
func (c *Coordinator) inferAggressorLocked(price decimal.Decimal) types.Side {
	q := c.lastQuote
	if q.BestAsk.GreaterThan(decimal.Zero) && price.GreaterThanOrEqual(q.BestAsk) {
		return types.SideBuy
	}
	if q.BestBid.GreaterThan(decimal.Zero) && price.LessThanOrEqual(q.BestBid) {
		return types.SideSell
	}

	if c.lastPrice.GreaterThan(decimal.Zero) {
		switch {
		case price.GreaterThan(c.lastPrice):
			return types.SideBuy
		case price.LessThan(c.lastPrice):
			return types.SideSell
		}
	}
	return types.SideUnknown
}

// evaluate runs detected patterns through scoring, validation, conflict
// resolution, consolidation, mode/cooldown gates, and risk sizing.
func (c *Coordinator) evaluate(patterns []pattern.Pattern, asOf time.Time) *types.ExecutionDecision {
	if len(patterns) == 0 {
		return nil
	}

	c.mu.Lock()
	c.patternsDetected += int64(len(patterns))
	c.bufferPatternsLocked(patterns)
	state := c.state
	mode := c.mode
	lastAccepted := c.lastAccepted
	c.mu.Unlock()

	snap := c.classifier.Classify()
	c.riskMgr.SetVolatility(c.config.Symbol, snap.Volatility)
	c.notifyRegime(snap.Regime)

	ctx := signal.MarketContext{Regime: snap.Regime, Volatility: snap.Volatility}

	// Outside Running the pipeline is a no-op: nothing is scored and
	// nothing reaches the signal histories.
	if state != StateRunning {
		c.reject(int64(len(patterns)))
		return nil
	}

	// Score before the mode gates so histories keep learning in
	// monitor-only mode.
	var validated []*signal.Event
	for _, p := range patterns {
		typ, dir := signalFor(p.Kind)
		if dir == types.SideUnknown {
			continue
		}
		ev := c.processor.Process(typ, dir, p.Strength, p.Price, p.DetectedAt)
		if ev == nil {
			continue
		}
		if c.processor.Validate(ev, ctx) {
			validated = append(validated, ev)
		}
	}

	rejected := int64(len(patterns) - len(validated))

	if mode == ModeDisabled || mode == ModeMonitorOnly {
		c.reject(rejected + int64(len(validated)))
		return nil
	}
	if snap.Regime == regime.RegimeSessionClose {
		c.reject(rejected + int64(len(validated)))
		return nil
	}
	if !lastAccepted.IsZero() && asOf.Sub(lastAccepted) < c.config.CooldownWindow {
		c.mu.Lock()
		c.cooldownRejections++
		c.signalsRejected += rejected + int64(len(validated))
		c.mu.Unlock()
		return nil
	}

	survivors := c.processor.ResolveConflicts(validated)
	cons := c.processor.Consolidate(survivors, ctx)
	if cons == nil {
		c.reject(rejected + int64(len(validated)))
		return nil
	}

	if cons.Strength < c.strengthThreshold(mode) {
		c.reject(rejected + int64(len(validated)))
		return nil
	}

	decision, riskAmount := c.size(cons, asOf)
	if decision == nil {
		c.reject(rejected + int64(len(validated)))
		return nil
	}

	c.mu.Lock()
	c.signalsAccepted += int64(len(cons.Components))
	c.signalsRejected += rejected
	c.decisionsEmitted++
	c.lastAccepted = asOf
	c.openRisk = c.openRisk.Add(riskAmount)
	c.openTrades = append(c.openTrades, openTrade{
		risk:       riskAmount,
		components: cons.Components,
	})
	c.recentDecisions = append(c.recentDecisions, *decision)
	if len(c.recentDecisions) > c.config.RecentBufferSize {
		c.recentDecisions = c.recentDecisions[len(c.recentDecisions)-c.config.RecentBufferSize:]
	}
	for _, ev := range cons.Components {
		ev.Executed = true
	}
	fn := c.onDecision
	c.mu.Unlock()

	c.logger.Info("Execution decision emitted",
		zap.String("symbol", decision.Symbol),
		zap.String("direction", string(decision.Direction)),
		zap.String("size", decision.Size.String()),
		zap.String("entry", decision.EntryPrice.String()),
		zap.String("stop", decision.StopPrice.String()),
		zap.String("target", decision.TargetPrice.String()),
		zap.Float64("probability", decision.Probability))

	if fn != nil {
		fn(*decision)
	}
	return decision
}

// size turns a consolidated signal into a sized decision, applying the
// risk manager's validation and limit checks. Returns the decision and
// the currency amount at risk.
func (c *Coordinator) size(cons *signal.Consolidated, asOf time.Time) (*types.ExecutionDecision, decimal.Decimal) {
	profile := c.riskMgr.ActiveProfile()

	stopTicks := profile.DefaultStopTicks
	if stopTicks <= 0 {
		stopTicks = 5
	}
	stopDistance := c.config.SymbolSpec.TickSize.Mul(decimal.NewFromInt(int64(stopTicks)))

	entry := cons.Price
	stop := entry.Sub(stopDistance)
	if cons.Direction == types.SideSell {
		stop = entry.Add(stopDistance)
	}

	plan := c.riskMgr.SizePosition(c.config.Symbol, entry, stop, cons.Quality)
	if plan.Degraded {
		c.logger.Warn("Degraded sizing, decision suppressed",
			zap.String("symbol", c.config.Symbol))
		return nil, decimal.Zero
	}

	if !c.riskMgr.ValidateTrade(c.config.Symbol, plan.RiskAmount, plan.RiskRewardRatio, cons.Quality) {
		return nil, decimal.Zero
	}

	c.mu.Lock()
	openRisk := c.openRisk
	openCount := len(c.openTrades)
	c.mu.Unlock()

	if c.riskMgr.WouldExceedRiskLimits(plan.RiskAmount, openRisk) ||
		c.riskMgr.WouldExceedTradeLimit(openCount) {
		return nil, decimal.Zero
	}

	return &types.ExecutionDecision{
		Symbol:      c.config.Symbol,
		Direction:   cons.Direction,
		Size:        plan.Size,
		EntryPrice:  entry,
		StopPrice:   plan.StopPrice,
		TargetPrice: plan.TargetPrice,
		Probability: cons.Probability,
		Time:        asOf,
	}, plan.RiskAmount
}

// OnTradeClosed is the execution collaborator's feedback entry point.
// It settles the oldest open trade, feeds the risk manager and signal
// histories, and re-derives the trading mode.
func (c *Coordinator) OnTradeClosed(isWin bool, pnl decimal.Decimal) {
	c.mu.Lock()
	if len(c.openTrades) == 0 {
		c.mu.Unlock()
		c.logger.Warn("Trade close reported with no open trades")
		return
	}
	trade := c.openTrades[0]
	c.openTrades = c.openTrades[1:]
	c.openRisk = c.openRisk.Sub(trade.risk)
	if c.openRisk.IsNegative() {
		c.openRisk = decimal.Zero
	}
	c.mu.Unlock()

	c.riskMgr.RecordTradeResult(isWin, pnl, trade.risk)

	outcome := signal.OutcomeLoss
	switch {
	case isWin:
		outcome = signal.OutcomeWin
	case pnl.IsZero():
		outcome = signal.OutcomeBreakeven
	}
	for _, ev := range trade.components {
		c.processor.RecordOutcome(ev, outcome, pnl)
	}

	c.updateTradingMode()
}

// updateTradingMode maps regime and performance onto the trading mode.
// The risk manager's drawdown conservatism overrides everything except
// an operator-set Disabled.
func (c *Coordinator) updateTradingMode() {
	snap := c.classifier.Classify()
	stats := c.riskMgr.Stats()
	drawdown := c.riskMgr.Drawdown()

	c.mu.Lock()
	if c.mode == ModeDisabled {
		c.mu.Unlock()
		return
	}

	next := ModeNormal
	switch {
	case drawdown > 0.10:
		next = ModeConservative
	case snap.Regime == regime.RegimeSessionClose:
		next = ModeMonitorOnly
	case snap.Regime == regime.RegimeVolatile:
		next = ModeConservative
	case stats.ConsecutiveLosses >= 3:
		next = ModeConservative
	case stats.TotalTrades >= 10 && stats.WinRate > 0.60 && stats.ConsecutiveWins >= 3:
		next = ModeAggressive
	}

	changed := next != c.mode
	c.mode = next
	fn := c.onModeChange
	c.mu.Unlock()

	if changed {
		c.logger.Info("Trading mode changed",
			zap.String("mode", string(next)),
			zap.String("regime", string(snap.Regime)),
			zap.Float64("drawdown", drawdown))
		if fn != nil {
			fn(next)
		}
	}
}

// Metrics returns the operator-facing snapshot.
func (c *Coordinator) Metrics() MetricsSnapshot {
	snap := c.classifier.Classify()

	c.mu.Lock()
	m := MetricsSnapshot{
		State:              c.state,
		Mode:               c.mode,
		Regime:             snap.Regime,
		Volatility:         snap.Volatility,
		TicksProcessed:     c.ticksProcessed,
		DepthUpdates:       c.depthUpdates,
		PatternsDetected:   c.patternsDetected,
		SignalsAccepted:    c.signalsAccepted,
		SignalsRejected:    c.signalsRejected,
		CooldownRejections: c.cooldownRejections,
		DecisionsEmitted:   c.decisionsEmitted,
		OpenTrades:         len(c.openTrades),
	}
	c.mu.Unlock()

	m.Balance = c.riskMgr.Balance()
	m.Drawdown = c.riskMgr.Drawdown()
	m.Statistics = c.riskMgr.Stats()
	return m
}

// RecentPatterns returns the bounded buffer of recent detections.
func (c *Coordinator) RecentPatterns() []pattern.Pattern {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]pattern.Pattern, len(c.recentPatterns))
	copy(out, c.recentPatterns)
	return out
}

// RecentDecisions returns the bounded buffer of emitted decisions.
func (c *Coordinator) RecentDecisions() []types.ExecutionDecision {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.ExecutionDecision, len(c.recentDecisions))
	copy(out, c.recentDecisions)
	return out
}

func (c *Coordinator) bufferPatternsLocked(patterns []pattern.Pattern) {
	c.recentPatterns = append(c.recentPatterns, patterns...)
	if len(c.recentPatterns) > c.config.RecentBufferSize {
		c.recentPatterns = c.recentPatterns[len(c.recentPatterns)-c.config.RecentBufferSize:]
	}
}

func (c *Coordinator) reject(n int64) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.signalsRejected += n
	c.mu.Unlock()
}

func (c *Coordinator) strengthThreshold(mode Mode) float64 {
	switch mode {
	case ModeAggressive:
		return c.config.StrengthAggressive
	case ModeConservative:
		return c.config.StrengthConservative
	default:
		return c.config.StrengthNormal
	}
}

func (c *Coordinator) notifyRegime(r regime.Regime) {
	c.mu.Lock()
	changed := r != c.lastRegime
	c.lastRegime = r
	fn := c.onRegimeChange
	c.mu.Unlock()

	if changed && fn != nil {
		fn(r)
	}
}

// maintenanceLoop periodically re-derives the trading mode and logs the
// statistics snapshot, independent of the tick stream.
func (c *Coordinator) maintenanceLoop(stopCh <-chan struct{}) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.updateTradingMode()
			m := c.Metrics()
			c.logger.Info("Maintenance snapshot",
				zap.String("state", string(m.State)),
				zap.String("mode", string(m.Mode)),
				zap.String("regime", string(m.Regime)),
				zap.Int64("ticks", m.TicksProcessed),
				zap.Int64("decisions", m.DecisionsEmitted),
				zap.String("balance", m.Balance.String()),
				zap.Float64("drawdown", m.Drawdown))
		case <-stopCh:
			return
		}
	}
}

// signalFor maps a pattern kind onto its signal type and direction.
func signalFor(k pattern.Kind) (signal.Type, types.Side) {
	var typ signal.Type
	switch k {
	case pattern.KindBidImbalance, pattern.KindAskImbalance:
		typ = signal.TypeImbalance
	case pattern.KindBuyAbsorption, pattern.KindSellAbsorption:
		typ = signal.TypeAbsorption
	case pattern.KindLargeBuyOrder, pattern.KindLargeSellOrder:
		typ = signal.TypeLargeOrder
	case pattern.KindBuyCluster, pattern.KindSellCluster:
		typ = signal.TypeCluster
	default:
		return "", types.SideUnknown
	}
	return typ, k.Direction()
}
