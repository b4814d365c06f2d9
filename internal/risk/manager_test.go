package risk

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func dec(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(zap.NewNop(), DefaultConfig())
	m.RegisterSymbol("TEST", SymbolSpec{
		TickSize:  dec(0.25),
		TickValue: dec(5),
	})
	return m
}

func TestSizePosition(t *testing.T) {
	m := newTestManager(t)

	// Balance 10000, 1% per trade, 5 tick stop at tick value 5:
	// risk per contract 25, max risk 100, size 4.
	plan := m.SizePosition("TEST", dec(100.00), dec(98.75), 1.0)

	if !plan.Size.Equal(dec(4)) {
		t.Errorf("size = %s, want 4", plan.Size)
	}
	if !plan.RiskAmount.Equal(dec(100)) {
		t.Errorf("risk amount = %s, want 100", plan.RiskAmount)
	}
	if !plan.StopPrice.Equal(dec(98.75)) {
		t.Errorf("stop = %s, want 98.75", plan.StopPrice)
	}
	// Long target: entry + stopDistance * 1.5.
	if !plan.TargetPrice.Equal(dec(101.875)) {
		t.Errorf("target = %s, want 101.875", plan.TargetPrice)
	}
	if plan.RiskRewardRatio != 1.5 {
		t.Errorf("risk/reward = %v, want 1.5", plan.RiskRewardRatio)
	}
	if plan.Degraded {
		t.Error("plan should not be degraded")
	}
}

func TestSizePositionShortTarget(t *testing.T) {
	m := newTestManager(t)

	plan := m.SizePosition("TEST", dec(100.00), dec(101.25), 1.0)

	if !plan.TargetPrice.Equal(dec(98.125)) {
		t.Errorf("short target = %s, want 98.125", plan.TargetPrice)
	}
}

func TestSizePositionLossStreakReduction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profiles = []Profile{NormalProfile()}
	cfg.InitialProfile = 0
	m := NewManager(zap.NewNop(), cfg)
	m.RegisterSymbol("TEST", SymbolSpec{TickSize: dec(0.25), TickValue: dec(5)})

	for i := 0; i < 3; i++ {
		m.RecordTradeResult(false, decimal.Zero, dec(25))
	}

	// Reduction factor 0.5 halves the nominal 1% cap: 50 risk, size 2.
	plan := m.SizePosition("TEST", dec(100.00), dec(98.75), 1.0)
	if !plan.Size.Equal(dec(2)) {
		t.Errorf("size = %s, want 2 after loss-streak reduction", plan.Size)
	}
}

func TestSizePositionQualityScaling(t *testing.T) {
	m := newTestManager(t)

	// Quality scales risk down, floored at 0.5.
	plan := m.SizePosition("TEST", dec(100.00), dec(98.75), 0.5)
	if !plan.Size.Equal(dec(2)) {
		t.Errorf("size = %s, want 2 at quality 0.5", plan.Size)
	}

	floored := m.SizePosition("TEST", dec(100.00), dec(98.75), 0.1)
	if !floored.Size.Equal(plan.Size) {
		t.Errorf("quality below 0.5 must clamp: %s vs %s", floored.Size, plan.Size)
	}
}

func TestSizePositionVolatilityScaling(t *testing.T) {
	m := NewManager(zap.NewNop(), DefaultConfig())
	m.RegisterSymbol("TEST", SymbolSpec{
		TickSize:          dec(0.25),
		TickValue:         dec(5),
		TypicalVolatility: 0.001,
	})

	// Current volatility 4x typical scales risk by the 0.5 floor.
	m.SetVolatility("TEST", 0.004)
	plan := m.SizePosition("TEST", dec(100.00), dec(98.75), 1.0)
	if !plan.Size.Equal(dec(2)) {
		t.Errorf("size = %s, want 2 under high volatility", plan.Size)
	}

	// Quiet markets scale up, capped at 2x: 1% -> 2% -> size 8 -> max 5.
	m.SetVolatility("TEST", 0.0001)
	plan = m.SizePosition("TEST", dec(100.00), dec(98.75), 1.0)
	if !plan.Size.Equal(dec(5)) {
		t.Errorf("size = %s, want max-bound 5 under low volatility", plan.Size)
	}
}

func TestSizePositionDegradedOnMissingSpec(t *testing.T) {
	m := NewManager(zap.NewNop(), DefaultConfig())

	plan := m.SizePosition("UNKNOWN", dec(100.00), dec(98.75), 1.0)
	if !plan.Degraded {
		t.Fatal("missing symbol spec must degrade, not fail")
	}
	if !plan.Size.Equal(NormalProfile().MinPositionSize) {
		t.Errorf("degraded size = %s, want profile minimum", plan.Size)
	}
}

func TestSizePositionDegradedOnZeroStopDistance(t *testing.T) {
	m := newTestManager(t)

	plan := m.SizePosition("TEST", dec(100.00), dec(100.00), 1.0)
	if !plan.Degraded {
		t.Fatal("zero stop distance must degrade")
	}
}

func TestValidateTrade(t *testing.T) {
	m := newTestManager(t)

	if !m.ValidateTrade("TEST", dec(100), 1.5, 0.6) {
		t.Error("1% risk at minimum reward ratio must pass")
	}
	if m.ValidateTrade("TEST", dec(150), 1.5, 0.6) {
		t.Error("risk above the per-trade cap must fail")
	}
	if m.ValidateTrade("TEST", dec(100), 1.2, 0.6) {
		t.Error("reward ratio below the minimum must fail")
	}
}

func TestValidateTradeAfterLossStreak(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Profiles = []Profile{NormalProfile()}
	cfg.InitialProfile = 0
	m := NewManager(zap.NewNop(), cfg)
	m.RegisterSymbol("TEST", SymbolSpec{TickSize: dec(0.25), TickValue: dec(5)})

	for i := 0; i < 3; i++ {
		m.RecordTradeResult(false, decimal.Zero, dec(25))
	}

	if m.ValidateTrade("TEST", dec(50), 2.25, 0.65) {
		t.Error("quality below 0.7 must fail after a loss streak")
	}
	if m.ValidateTrade("TEST", dec(50), 2.0, 0.8) {
		t.Error("reward ratio below 1.5x minimum must fail after a loss streak")
	}
	if !m.ValidateTrade("TEST", dec(50), 2.25, 0.8) {
		t.Error("high quality and elevated reward ratio must pass")
	}
}

func TestWouldExceedLimits(t *testing.T) {
	m := newTestManager(t)

	if m.WouldExceedRiskLimits(dec(100), dec(100)) {
		t.Error("2% aggregate within the 3% cap must pass")
	}
	if !m.WouldExceedRiskLimits(dec(200), dec(150)) {
		t.Error("3.5% aggregate must exceed the 3% cap")
	}

	if m.WouldExceedTradeLimit(1) {
		t.Error("second concurrent trade within the cap must pass")
	}
	if !m.WouldExceedTradeLimit(2) {
		t.Error("third concurrent trade must exceed the cap of 2")
	}
}

func TestRecordTradeResultStatistics(t *testing.T) {
	m := newTestManager(t)

	m.RecordTradeResult(true, dec(50), dec(25))
	m.RecordTradeResult(false, dec(-30), dec(30))

	stats := m.Stats()
	if stats.TotalTrades != 2 || stats.Wins != 1 || stats.Losses != 1 {
		t.Errorf("counters = %+v", stats)
	}
	if stats.WinRate != 0.5 {
		t.Errorf("win rate = %v, want 0.5", stats.WinRate)
	}
	if !stats.AverageWin.Equal(dec(50)) {
		t.Errorf("average win = %s, want 50", stats.AverageWin)
	}
	if !stats.AverageLoss.Equal(dec(-30)) {
		t.Errorf("average loss = %s, want -30", stats.AverageLoss)
	}
	// R-multiples: +2.0 and -1.0 average to 0.5.
	if math.Abs(stats.AverageRMultiple-0.5) > 1e-9 {
		t.Errorf("average R = %v, want 0.5", stats.AverageRMultiple)
	}
	if !m.Balance().Equal(dec(10020)) {
		t.Errorf("balance = %s, want 10020", m.Balance())
	}
}

func TestAdaptPromotesOnWinStreak(t *testing.T) {
	m := newTestManager(t)

	for i := 0; i < 5; i++ {
		m.RecordTradeResult(true, dec(10), dec(25))
	}

	if got := m.ActiveProfile().Name; got != "aggressive" {
		t.Errorf("active profile = %s, want aggressive", got)
	}
}

func TestAdaptDemotesOnLossStreak(t *testing.T) {
	m := newTestManager(t)

	for i := 0; i < 3; i++ {
		m.RecordTradeResult(false, dec(-10), dec(25))
	}

	if got := m.ActiveProfile().Name; got != "conservative" {
		t.Errorf("active profile = %s, want conservative", got)
	}
}

func TestAdaptDrawdownOverride(t *testing.T) {
	m := newTestManager(t)

	// Single large loss: 15% drawdown forces the bottom tier regardless
	// of streak counters.
	m.RecordTradeResult(false, dec(-1500), dec(100))

	if got := m.ActiveProfile().Name; got != "conservative" {
		t.Errorf("active profile = %s, want conservative", got)
	}
	if dd := m.Drawdown(); math.Abs(dd-0.15) > 1e-9 {
		t.Errorf("drawdown = %v, want 0.15", dd)
	}
}

func TestResetStatistics(t *testing.T) {
	m := newTestManager(t)

	m.RecordTradeResult(true, dec(50), dec(25))
	m.ResetStatistics()

	if stats := m.Stats(); stats.TotalTrades != 0 {
		t.Errorf("total trades = %d after reset, want 0", stats.TotalTrades)
	}
}
