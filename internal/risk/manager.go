// Package risk sizes positions, enforces trade limits, and adapts the
// active risk profile from realized performance.
package risk

import (
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Profile is an immutable risk template. The manager swaps the active
// profile by reference; profile contents are never mutated in place.
type Profile struct {
	Name                 string             `json:"name"`
	MaxRiskPerTradePct   float64            `json:"maxRiskPerTradePct"`
	MaxTotalRiskPct      float64            `json:"maxTotalRiskPct"`
	MaxConcurrentTrades  int                `json:"maxConcurrentTrades"`
	MinPositionSize      decimal.Decimal    `json:"minPositionSize"`
	MaxPositionSize      decimal.Decimal    `json:"maxPositionSize"`
	DefaultStopTicks     int                `json:"defaultStopTicks"`
	MinProfitTargetRatio float64            `json:"minProfitTargetRatio"`
	MaxConsecutiveLosses int                `json:"maxConsecutiveLosses"`
	ReductionFactor      float64            `json:"reductionFactor"`
	SymbolRiskPct        map[string]float64 `json:"symbolRiskPct,omitempty"`
}

// ConservativeProfile is the most defensive tier.
func ConservativeProfile() Profile {
	return Profile{
		Name:                 "conservative",
		MaxRiskPerTradePct:   0.005,
		MaxTotalRiskPct:      0.01,
		MaxConcurrentTrades:  1,
		MinPositionSize:      decimal.NewFromInt(1),
		MaxPositionSize:      decimal.NewFromInt(2),
		DefaultStopTicks:     4,
		MinProfitTargetRatio: 2.0,
		MaxConsecutiveLosses: 2,
		ReductionFactor:      0.5,
	}
}

// NormalProfile is the default tier.
func NormalProfile() Profile {
	return Profile{
		Name:                 "normal",
		MaxRiskPerTradePct:   0.01,
		MaxTotalRiskPct:      0.03,
		MaxConcurrentTrades:  2,
		MinPositionSize:      decimal.NewFromInt(1),
		MaxPositionSize:      decimal.NewFromInt(5),
		DefaultStopTicks:     5,
		MinProfitTargetRatio: 1.5,
		MaxConsecutiveLosses: 3,
		ReductionFactor:      0.5,
	}
}

// AggressiveProfile is the top tier, reached only on a sustained edge.
func AggressiveProfile() Profile {
	return Profile{
		Name:                 "aggressive",
		MaxRiskPerTradePct:   0.02,
		MaxTotalRiskPct:      0.06,
		MaxConcurrentTrades:  3,
		MinPositionSize:      decimal.NewFromInt(1),
		MaxPositionSize:      decimal.NewFromInt(10),
		DefaultStopTicks:     6,
		MinProfitTargetRatio: 1.2,
		MaxConsecutiveLosses: 3,
		ReductionFactor:      0.5,
	}
}

// SymbolSpec carries per-instrument contract facts used in sizing.
type SymbolSpec struct {
	TickSize          decimal.Decimal `json:"tickSize"`
	TickValue         decimal.Decimal `json:"tickValue"`
	TypicalVolatility float64         `json:"typicalVolatility"`
}

// Statistics is the cumulative trade record. Updated exactly once per
// closed trade; reset only by explicit operator action.
type Statistics struct {
	TotalTrades       int             `json:"totalTrades"`
	Wins              int             `json:"wins"`
	Losses            int             `json:"losses"`
	ConsecutiveWins   int             `json:"consecutiveWins"`
	ConsecutiveLosses int             `json:"consecutiveLosses"`
	WinRate           float64         `json:"winRate"`
	AverageWin        decimal.Decimal `json:"averageWin"`
	AverageLoss       decimal.Decimal `json:"averageLoss"`
	AverageRMultiple  float64         `json:"averageRMultiple"`
	TotalPnL          decimal.Decimal `json:"totalPnl"`
}

// PositionPlan is the output of SizePosition. Degraded marks a plan
// produced from invalid inputs (zero tick value or stop distance), sized
// at the profile minimum so the pipeline never fails mid-evaluation.
type PositionPlan struct {
	Size            decimal.Decimal `json:"size"`
	RiskAmount      decimal.Decimal `json:"riskAmount"`
	RiskPct         float64         `json:"riskPct"`
	StopPrice       decimal.Decimal `json:"stopPrice"`
	TargetPrice     decimal.Decimal `json:"targetPrice"`
	RiskRewardRatio float64         `json:"riskRewardRatio"`
	ExpectedValue   decimal.Decimal `json:"expectedValue"`
	Degraded        bool            `json:"degraded"`
}

// Config configures the risk manager.
type Config struct {
	InitialBalance   decimal.Decimal
	Profiles         []Profile // ordered conservative → aggressive
	InitialProfile   int       // index into Profiles
	DrawdownOverride float64   // drawdown fraction forcing the bottom tier
	PromoteWins      int       // consecutive wins needed to promote
	PromoteWinRate   float64   // win rate needed to promote
	TopTierWinRate   float64   // win rate needed to reach the top tier
	DemoteLosses     int       // consecutive losses forcing a demotion
	DemoteWinRate    float64   // win rate below which demotion triggers
	DemoteSample     int       // trades before the win-rate demotion applies
}

// DefaultConfig returns the three-tier ladder starting at normal.
func DefaultConfig() Config {
	return Config{
		InitialBalance:   decimal.NewFromInt(10000),
		Profiles:         []Profile{ConservativeProfile(), NormalProfile(), AggressiveProfile()},
		InitialProfile:   1,
		DrawdownOverride: 0.10,
		PromoteWins:      5,
		PromoteWinRate:   0.60,
		TopTierWinRate:   0.70,
		DemoteLosses:     3,
		DemoteWinRate:    0.40,
		DemoteSample:     20,
	}
}

// Manager owns account equity, trade statistics and the profile ladder.
// All operations are deterministic given current state.
type Manager struct {
	logger *zap.Logger
	config Config

	mu          sync.Mutex
	tiers       []Profile
	active      int
	balance     decimal.Decimal
	peakBalance decimal.Decimal
	maxDrawdown float64
	stats       Statistics
	rSum        float64
	symbols     map[string]SymbolSpec
	volatility  map[string]float64
}

// NewManager creates a risk manager.
func NewManager(logger *zap.Logger, config Config) *Manager {
	if len(config.Profiles) == 0 {
		logger.Warn("No risk profiles configured, using defaults")
		config.Profiles = DefaultConfig().Profiles
	}
	if config.InitialProfile < 0 || config.InitialProfile >= len(config.Profiles) {
		config.InitialProfile = 0
	}
	if config.InitialBalance.LessThanOrEqual(decimal.Zero) {
		logger.Warn("Invalid initial balance, using default",
			zap.String("value", config.InitialBalance.String()))
		config.InitialBalance = DefaultConfig().InitialBalance
	}
	if config.DrawdownOverride <= 0 {
		config.DrawdownOverride = DefaultConfig().DrawdownOverride
	}

	return &Manager{
		logger:      logger.Named("risk-manager"),
		config:      config,
		tiers:       config.Profiles,
		active:      config.InitialProfile,
		balance:     config.InitialBalance,
		peakBalance: config.InitialBalance,
		symbols:     make(map[string]SymbolSpec),
		volatility:  make(map[string]float64),
	}
}

// RegisterSymbol installs the contract spec used when sizing a symbol.
func (m *Manager) RegisterSymbol(symbol string, spec SymbolSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols[symbol] = spec
}

// SetVolatility updates the current volatility estimate for a symbol.
func (m *Manager) SetVolatility(symbol string, vol float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volatility[symbol] = vol
}

// SizePosition computes the position plan for an entry/stop pair. The
// direction is derived from the stop's side of the entry; the target is
// placed the profile's minimum reward multiple beyond the entry.
func (m *Manager) SizePosition(symbol string, entry, stop decimal.Decimal, quality float64) PositionPlan {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile := m.tiers[m.active]
	spec := m.symbols[symbol]

	stopDistance := entry.Sub(stop).Abs()
	long := stop.LessThan(entry)

	targetRatio := decimal.NewFromFloat(profile.MinProfitTargetRatio)
	target := entry.Add(stopDistance.Mul(targetRatio))
	if !long {
		target = entry.Sub(stopDistance.Mul(targetRatio))
	}

	if spec.TickValue.LessThanOrEqual(decimal.Zero) ||
		spec.TickSize.LessThanOrEqual(decimal.Zero) ||
		stopDistance.IsZero() {
		m.logger.Warn("Degraded sizing on invalid inputs",
			zap.String("symbol", symbol),
			zap.String("stopDistance", stopDistance.String()))
		return PositionPlan{
			Size:            profile.MinPositionSize,
			StopPrice:       stop,
			TargetPrice:     target,
			RiskRewardRatio: profile.MinProfitTargetRatio,
			Degraded:        true,
		}
	}

	stopTicks := stopDistance.Div(spec.TickSize)
	riskPerUnit := stopTicks.Mul(spec.TickValue)

	riskPct := m.riskPctLocked(symbol, profile, quality)

	riskAmount := m.balance.Mul(decimal.NewFromFloat(riskPct))
	size := riskAmount.Div(riskPerUnit).Floor()
	if size.LessThan(profile.MinPositionSize) {
		size = profile.MinPositionSize
	}
	if size.GreaterThan(profile.MaxPositionSize) {
		size = profile.MaxPositionSize
	}

	actualRisk := size.Mul(riskPerUnit)
	rr := profile.MinProfitTargetRatio

	// EV in currency terms at the signal's implied edge.
	p := decimal.NewFromFloat(quality)
	ev := actualRisk.Mul(p.Mul(decimal.NewFromFloat(rr)).Sub(decimal.NewFromInt(1).Sub(p)))

	return PositionPlan{
		Size:            size,
		RiskAmount:      actualRisk,
		RiskPct:         riskPct,
		StopPrice:       stop,
		TargetPrice:     target,
		RiskRewardRatio: rr,
		ExpectedValue:   ev,
	}
}

// riskPctLocked resolves the effective per-trade risk fraction: the
// profile cap (symbol override if present), reduced after a loss streak,
// scaled by signal quality, and scaled inversely with relative
// volatility. Caller holds the lock.
func (m *Manager) riskPctLocked(symbol string, profile Profile, quality float64) float64 {
	pct := profile.MaxRiskPerTradePct
	if override, ok := profile.SymbolRiskPct[symbol]; ok && override > 0 {
		pct = override
	}

	if profile.MaxConsecutiveLosses > 0 &&
		m.stats.ConsecutiveLosses >= profile.MaxConsecutiveLosses &&
		profile.ReductionFactor > 0 {
		pct *= profile.ReductionFactor
	}

	if quality < 0.5 {
		quality = 0.5
	}
	if quality > 1 {
		quality = 1
	}
	pct *= quality

	spec := m.symbols[symbol]
	current := m.volatility[symbol]
	if spec.TypicalVolatility > 0 && current > 0 {
		scale := spec.TypicalVolatility / current
		if scale < 0.5 {
			scale = 0.5
		}
		if scale > 2 {
			scale = 2
		}
		pct *= scale
	}

	return pct
}

// ValidateTrade checks a candidate trade against the active profile's
// per-trade risk cap and minimum reward ratio. After a loss streak the
// bar rises: quality >= 0.7 and reward ratio >= 1.5x the minimum.
func (m *Manager) ValidateTrade(symbol string, potentialLoss decimal.Decimal, riskRewardRatio, quality float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile := m.tiers[m.active]

	maxPct := profile.MaxRiskPerTradePct
	if override, ok := profile.SymbolRiskPct[symbol]; ok && override > 0 {
		maxPct = override
	}

	if m.balance.LessThanOrEqual(decimal.Zero) {
		return false
	}
	impliedPct := potentialLoss.Div(m.balance).InexactFloat64()
	if impliedPct > maxPct {
		return false
	}

	minRR := profile.MinProfitTargetRatio
	if profile.MaxConsecutiveLosses > 0 && m.stats.ConsecutiveLosses >= profile.MaxConsecutiveLosses {
		if quality < 0.7 || riskRewardRatio < 1.5*minRR {
			return false
		}
		return true
	}

	return riskRewardRatio >= minRR
}

// WouldExceedRiskLimits reports whether adding newRisk to openRisk
// breaches the profile's aggregate open-risk cap.
func (m *Manager) WouldExceedRiskLimits(newRisk, openRisk decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balance.LessThanOrEqual(decimal.Zero) {
		return true
	}
	total := newRisk.Add(openRisk).Div(m.balance).InexactFloat64()
	return total > m.tiers[m.active].MaxTotalRiskPct
}

// WouldExceedTradeLimit reports whether one more concurrent trade
// breaches the profile's cap.
func (m *Manager) WouldExceedTradeLimit(openCount int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return openCount+1 > m.tiers[m.active].MaxConcurrentTrades
}

// RecordTradeResult applies a closed trade to equity and statistics,
// then adapts the profile ladder.
func (m *Manager) RecordTradeResult(isWin bool, pnl, initialRisk decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.balance = m.balance.Add(pnl)
	if m.balance.GreaterThan(m.peakBalance) {
		m.peakBalance = m.balance
	}
	if dd := m.drawdownLocked(); dd > m.maxDrawdown {
		m.maxDrawdown = dd
	}

	m.stats.TotalTrades++
	m.stats.TotalPnL = m.stats.TotalPnL.Add(pnl)

	if isWin {
		m.stats.Wins++
		m.stats.ConsecutiveWins++
		m.stats.ConsecutiveLosses = 0
		n := decimal.NewFromInt(int64(m.stats.Wins))
		m.stats.AverageWin = m.stats.AverageWin.Mul(n.Sub(decimal.NewFromInt(1))).Add(pnl).Div(n)
	} else {
		m.stats.Losses++
		m.stats.ConsecutiveLosses++
		m.stats.ConsecutiveWins = 0
		n := decimal.NewFromInt(int64(m.stats.Losses))
		m.stats.AverageLoss = m.stats.AverageLoss.Mul(n.Sub(decimal.NewFromInt(1))).Add(pnl).Div(n)
	}
	m.stats.WinRate = float64(m.stats.Wins) / float64(m.stats.TotalTrades)

	if initialRisk.Abs().GreaterThan(decimal.Zero) {
		r := pnl.Div(initialRisk.Abs()).InexactFloat64()
		m.rSum += r
		m.stats.AverageRMultiple = m.rSum / float64(m.stats.TotalTrades)
	}

	m.adaptLocked()
}

// adaptLocked walks the profile ladder from current performance. The
// drawdown override wins over any streak. Caller holds the lock.
func (m *Manager) adaptLocked() {
	previous := m.active

	if m.drawdownLocked() > m.config.DrawdownOverride {
		m.active = 0
	} else if m.stats.ConsecutiveLosses >= m.config.DemoteLosses ||
		(m.stats.TotalTrades >= m.config.DemoteSample && m.stats.WinRate < m.config.DemoteWinRate) {
		if m.active > 0 {
			m.active--
		}
	} else if m.stats.ConsecutiveWins >= m.config.PromoteWins && m.stats.WinRate > m.config.PromoteWinRate {
		next := m.active + 1
		if next == len(m.tiers)-1 && m.stats.WinRate <= m.config.TopTierWinRate {
			next = m.active
		}
		if next < len(m.tiers) {
			m.active = next
		}
	}

	if m.active != previous {
		m.logger.Info("Risk profile changed",
			zap.String("from", m.tiers[previous].Name),
			zap.String("to", m.tiers[m.active].Name),
			zap.Float64("winRate", m.stats.WinRate),
			zap.Float64("drawdown", m.drawdownLocked()))
	}
}

func (m *Manager) drawdownLocked() float64 {
	if m.peakBalance.LessThanOrEqual(decimal.Zero) {
		return 0
	}
	return m.peakBalance.Sub(m.balance).Div(m.peakBalance).InexactFloat64()
}

// ActiveProfile returns the currently active profile.
func (m *Manager) ActiveProfile() Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tiers[m.active]
}

// Balance returns the current account balance.
func (m *Manager) Balance() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance
}

// Drawdown returns the current drawdown fraction from peak equity.
func (m *Manager) Drawdown() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.drawdownLocked()
}

// Stats returns a copy of the cumulative trade statistics.
func (m *Manager) Stats() Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// ResetStatistics clears the cumulative record. Operator action only.
func (m *Manager) ResetStatistics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = Statistics{}
	m.rSum = 0
}
