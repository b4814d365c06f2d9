package algo

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/scalper-backend/internal/pattern"
	"github.com/atlas-desktop/scalper-backend/internal/regime"
	"github.com/atlas-desktop/scalper-backend/internal/risk"
	"github.com/atlas-desktop/scalper-backend/internal/signal"
	"github.com/atlas-desktop/scalper-backend/pkg/types"
)

func dec(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	logger := zap.NewNop()

	cfg := DefaultConfig()
	cfg.Symbol = "TEST"
	cfg.SymbolSpec = risk.SymbolSpec{
		TickSize:  dec(0.25),
		TickValue: dec(5),
	}

	return NewCoordinator(
		logger,
		cfg,
		pattern.NewDetector(logger, pattern.DefaultConfig()),
		signal.NewProcessor(logger, signal.DefaultConfig()),
		risk.NewManager(logger, risk.DefaultConfig()),
		regime.NewClassifier(logger, regime.DefaultConfig()),
	)
}

func startedCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c := newTestCoordinator(t)
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if s := c.GetState(); s == StateRunning || s == StatePaused {
			c.Stop()
		}
	})
	return c
}

func TestLifecycleTransitions(t *testing.T) {
	c := newTestCoordinator(t)

	if got := c.GetState(); got != StateUninitialized {
		t.Fatalf("initial state = %s", got)
	}
	if err := c.Start(); err == nil {
		t.Fatal("Start before Initialize must fail")
	}

	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if got := c.GetState(); got != StateReady {
		t.Fatalf("state after Initialize = %s, want ready", got)
	}
	if err := c.Initialize(); err == nil {
		t.Fatal("double Initialize must fail")
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(); err == nil {
		t.Fatal("double Start must fail")
	}

	if err := c.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := c.Pause(); err == nil {
		t.Fatal("Pause while paused must fail")
	}
	if err := c.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := c.GetState(); got != StateReady {
		t.Fatalf("state after Stop = %s, want ready", got)
	}
	if err := c.Stop(); err == nil {
		t.Fatal("Stop from ready must fail")
	}
}

func TestInitializeInvalidConfigEntersError(t *testing.T) {
	logger := zap.NewNop()
	cfg := DefaultConfig()
	cfg.Symbol = ""

	c := NewCoordinator(
		logger,
		cfg,
		pattern.NewDetector(logger, pattern.DefaultConfig()),
		signal.NewProcessor(logger, signal.DefaultConfig()),
		risk.NewManager(logger, risk.DefaultConfig()),
		regime.NewClassifier(logger, regime.DefaultConfig()),
	)

	if err := c.Initialize(); err == nil {
		t.Fatal("Initialize with empty symbol must fail")
	}
	if got := c.GetState(); got != StateError {
		t.Errorf("state = %s, want error", got)
	}
}

// seedBook installs a book heavily skewed to the bid so every
// evaluation sees a maximum-strength imbalance.
func seedBook(c *Coordinator, asOf time.Time) {
	c.OnDepthUpdate(types.DepthUpdate{
		Time: asOf, Side: types.BookBid, Price: dec(100.00), Size: dec(200),
		Op: types.DepthOpUpdate,
	})
	c.OnDepthUpdate(types.DepthUpdate{
		Time: asOf, Side: types.BookAsk, Price: dec(100.25), Size: dec(40),
		Op: types.DepthOpUpdate,
	})
}

func bigBuyTick(asOf time.Time) types.Tick {
	return types.Tick{
		Time:      asOf,
		Price:     dec(100.25),
		Volume:    dec(200),
		Aggressor: types.SideBuy,
	}
}

func TestNoDecisionWhileNotRunning(t *testing.T) {
	c := newTestCoordinator(t)
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	base := time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
	seedBook(c, base)

	if d := c.OnTrade(bigBuyTick(base)); d != nil {
		t.Fatal("ready (not running) coordinator must not emit decisions")
	}
}

func TestNoHistoryLearningOutsideRunning(t *testing.T) {
	logger := zap.NewNop()
	cfg := DefaultConfig()
	cfg.Symbol = "TEST"
	cfg.SymbolSpec = risk.SymbolSpec{TickSize: dec(0.25), TickValue: dec(5)}

	proc := signal.NewProcessor(logger, signal.DefaultConfig())
	c := NewCoordinator(
		logger,
		cfg,
		pattern.NewDetector(logger, pattern.DefaultConfig()),
		proc,
		risk.NewManager(logger, risk.DefaultConfig()),
		regime.NewClassifier(logger, regime.DefaultConfig()),
	)
	if err := c.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	base := time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
	seedBook(c, base)
	c.OnTrade(bigBuyTick(base))

	// Ready is not Running: nothing may reach the signal histories.
	if n := proc.HistoryLength(signal.TypeLargeOrder, types.SideBuy); n != 0 {
		t.Errorf("large-order history = %d while ready, want 0", n)
	}
	if n := proc.HistoryLength(signal.TypeImbalance, types.SideBuy); n != 0 {
		t.Errorf("imbalance history = %d while ready, want 0", n)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { c.Stop() })

	c.OnTrade(bigBuyTick(base.Add(time.Second)))
	if n := proc.HistoryLength(signal.TypeLargeOrder, types.SideBuy); n == 0 {
		t.Error("running coordinator must record scored signals")
	}
}

func TestNoDecisionInMonitorOnlyMode(t *testing.T) {
	c := startedCoordinator(t)
	c.SetTradingMode(ModeMonitorOnly)

	base := time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
	seedBook(c, base)

	if d := c.OnTrade(bigBuyTick(base)); d != nil {
		t.Fatal("monitor-only mode must not emit decisions")
	}
}

func TestPipelineEmitsDecision(t *testing.T) {
	c := startedCoordinator(t)

	var published []types.ExecutionDecision
	c.SetDecisionCallback(func(d types.ExecutionDecision) {
		published = append(published, d)
	})

	base := time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
	seedBook(c, base)

	// A large buy into a bid-heavy book yields two confluent buy
	// signals: large order plus book imbalance.
	d := c.OnTrade(bigBuyTick(base))
	if d == nil {
		t.Fatal("expected an execution decision")
	}

	if d.Direction != types.SideBuy {
		t.Errorf("direction = %s, want buy", d.Direction)
	}
	if !d.Size.Equal(dec(2)) {
		t.Errorf("size = %s, want 2", d.Size)
	}
	if !d.EntryPrice.Equal(dec(100.25)) {
		t.Errorf("entry = %s, want 100.25", d.EntryPrice)
	}
	if !d.StopPrice.Equal(dec(99.00)) {
		t.Errorf("stop = %s, want 99.00", d.StopPrice)
	}
	if !d.TargetPrice.Equal(dec(102.125)) {
		t.Errorf("target = %s, want 102.125", d.TargetPrice)
	}
	if d.Probability <= 0 || d.Probability > 1 {
		t.Errorf("probability = %v, want (0, 1]", d.Probability)
	}
	if d.Symbol != "TEST" {
		t.Errorf("symbol = %s, want TEST", d.Symbol)
	}

	if len(published) != 1 {
		t.Errorf("callback invocations = %d, want 1", len(published))
	}

	m := c.Metrics()
	if m.DecisionsEmitted != 1 {
		t.Errorf("decisions emitted = %d, want 1", m.DecisionsEmitted)
	}
	if m.OpenTrades != 1 {
		t.Errorf("open trades = %d, want 1", m.OpenTrades)
	}
	if len(c.RecentDecisions()) != 1 {
		t.Errorf("recent decisions = %d, want 1", len(c.RecentDecisions()))
	}
}

func TestCooldownBlocksSecondDecision(t *testing.T) {
	c := startedCoordinator(t)

	base := time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
	seedBook(c, base)

	if d := c.OnTrade(bigBuyTick(base)); d == nil {
		t.Fatal("expected the first decision")
	}

	// Well inside the 30s cooldown window.
	if d := c.OnTrade(bigBuyTick(base.Add(5 * time.Second))); d != nil {
		t.Fatal("decision emitted inside the cooldown window")
	}
	if m := c.Metrics(); m.CooldownRejections == 0 {
		t.Error("cooldown rejection not counted")
	}

	// Past the window a fresh decision is allowed again.
	if d := c.OnTrade(bigBuyTick(base.Add(31 * time.Second))); d == nil {
		t.Fatal("expected a decision after the cooldown expired")
	}
}

func TestOnTradeClosedFeedsBack(t *testing.T) {
	c := startedCoordinator(t)

	base := time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
	seedBook(c, base)
	if d := c.OnTrade(bigBuyTick(base)); d == nil {
		t.Fatal("expected a decision")
	}

	c.OnTradeClosed(true, dec(75))

	m := c.Metrics()
	if m.Statistics.TotalTrades != 1 || m.Statistics.Wins != 1 {
		t.Errorf("statistics = %+v, want one recorded win", m.Statistics)
	}
	if m.OpenTrades != 0 {
		t.Errorf("open trades = %d, want 0 after close", m.OpenTrades)
	}
	if !m.Balance.Equal(dec(10075)) {
		t.Errorf("balance = %s, want 10075", m.Balance)
	}
}

func TestOnTradeClosedWithoutOpenTradesIsIgnored(t *testing.T) {
	c := startedCoordinator(t)

	c.OnTradeClosed(true, dec(75))

	m := c.Metrics()
	if m.Statistics.TotalTrades != 0 {
		t.Errorf("total trades = %d, want 0", m.Statistics.TotalTrades)
	}
	if !m.Balance.Equal(dec(10000)) {
		t.Errorf("balance = %s, want untouched 10000", m.Balance)
	}
}

func TestAggressorInference(t *testing.T) {
	c := startedCoordinator(t)

	c.OnQuote(types.Quote{
		Time:    time.Now(),
		BestBid: dec(100.00),
		BestAsk: dec(100.25),
	})

	base := time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)

	// Trade at the ask is buyer-initiated; its volume must land on the
	// positive side of the cumulative delta.
	c.OnTrade(types.Tick{Time: base, Price: dec(100.25), Volume: dec(10)})
	if got := c.detector.CumulativeDelta(); !got.Equal(dec(10)) {
		t.Errorf("delta = %s after trade at ask, want 10", got)
	}

	// Trade at the bid is seller-initiated.
	c.OnTrade(types.Tick{Time: base.Add(time.Second), Price: dec(100.00), Volume: dec(4)})
	if got := c.detector.CumulativeDelta(); !got.Equal(dec(6)) {
		t.Errorf("delta = %s after trade at bid, want 6", got)
	}
}

func TestSessionCloseRejectsSignals(t *testing.T) {
	c := startedCoordinator(t)
	c.OnSessionBoundary(false, true)

	base := time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
	seedBook(c, base)

	if d := c.OnTrade(bigBuyTick(base)); d != nil {
		t.Fatal("session close must reject new signals")
	}
	if got := c.GetTradingMode(); got != ModeMonitorOnly {
		t.Errorf("mode = %s during session close, want monitor_only", got)
	}
}

func TestMetricsSnapshotCounters(t *testing.T) {
	c := startedCoordinator(t)

	base := time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)
	seedBook(c, base)
	c.OnTrade(bigBuyTick(base))

	m := c.Metrics()
	if m.TicksProcessed != 1 {
		t.Errorf("ticks = %d, want 1", m.TicksProcessed)
	}
	if m.DepthUpdates != 2 {
		t.Errorf("depth updates = %d, want 2", m.DepthUpdates)
	}
	if m.PatternsDetected == 0 {
		t.Error("patterns detected = 0")
	}
	if m.State != StateRunning {
		t.Errorf("state = %s, want running", m.State)
	}
}
