// Package signal scores, validates and consolidates order flow signals
// with adaptive per-type weights driven by realized outcomes.
package signal

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/scalper-backend/internal/regime"
	"github.com/atlas-desktop/scalper-backend/pkg/types"
)

// Type categorizes a signal by its originating pattern family.
type Type string

const (
	TypeImbalance  Type = "imbalance"
	TypeAbsorption Type = "absorption"
	TypeLargeOrder Type = "large_order"
	TypeCluster    Type = "cluster"
	TypeExhaustion Type = "exhaustion"
)

// Outcome is the realized result of an executed signal.
type Outcome string

const (
	OutcomeUnknown   Outcome = "unknown"
	OutcomeWin       Outcome = "win"
	OutcomeLoss      Outcome = "loss"
	OutcomeBreakeven Outcome = "breakeven"
	OutcomeFiltered  Outcome = "filtered"
	OutcomeExpired   Outcome = "expired"
	OutcomeCanceled  Outcome = "canceled"
)

// Event is one scored signal. Owned by the processor's per-type history;
// callers hold references but mutate only through RecordOutcome.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      Type            `json:"type"`
	Direction types.Side      `json:"direction"`
	Time      time.Time       `json:"time"`
	Price     decimal.Decimal `json:"price"`
	Strength  float64         `json:"strength"`
	Quality   float64         `json:"quality"`
	Validated bool            `json:"validated"`
	Executed  bool            `json:"executed"`
	Outcome   Outcome         `json:"outcome"`
	PnL       decimal.Decimal `json:"pnl"`
}

// MarketContext is the regime snapshot a signal is evaluated against.
type MarketContext struct {
	Regime     regime.Regime `json:"regime"`
	Volatility float64       `json:"volatility"`
}

// Consolidated is a directional decision derived from confluent signals.
// Ephemeral: recomputed per evaluation, never persisted.
type Consolidated struct {
	Direction   types.Side      `json:"direction"`
	Time        time.Time       `json:"time"`
	Price       decimal.Decimal `json:"price"`
	Strength    float64         `json:"strength"`
	Quality     float64         `json:"quality"`
	Probability float64         `json:"probability"`
	Components  []*Event        `json:"components"`
	Context     MarketContext   `json:"context"`
}

// Config configures scoring and validation thresholds.
type Config struct {
	QualityThreshold     float64 // global validation floor
	CounterTrendStrength float64 // strength needed against an active trend
	SessionQuality       float64 // quality needed at session open/close
	MinWinRate           float64 // reject below this once enough outcomes exist
	WinRateSample        int     // outcomes before win-rate blending/filtering applies
	MinReweightSample    int     // outcomes before reweight adjusts a type
	HistoryLimit         int     // per type+direction ring size
	ConflictMargin       float64 // relative weighted-strength margin for conflicts
}

// DefaultConfig returns the stock scoring thresholds.
func DefaultConfig() Config {
	return Config{
		QualityThreshold:     0.55,
		CounterTrendStrength: 0.8,
		SessionQuality:       0.8,
		MinWinRate:           0.40,
		WinRateSample:        5,
		MinReweightSample:    10,
		HistoryLimit:         100,
		ConflictMargin:       0.20,
	}
}

type historyKey struct {
	typ Type
	dir types.Side
}

// Processor scores and consolidates signals. One exclusive lock
// serializes every mutating operation.
type Processor struct {
	logger *zap.Logger
	config Config

	mu        sync.Mutex
	histories map[historyKey][]*Event
	weights   map[Type]float64
}

// NewProcessor creates a signal processor with all type weights at 1.0.
func NewProcessor(logger *zap.Logger, config Config) *Processor {
	if config.QualityThreshold <= 0 || config.QualityThreshold >= 1 {
		logger.Warn("Invalid quality threshold, using default",
			zap.Float64("value", config.QualityThreshold))
		config.QualityThreshold = DefaultConfig().QualityThreshold
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultConfig().HistoryLimit
	}
	if config.WinRateSample <= 0 {
		config.WinRateSample = DefaultConfig().WinRateSample
	}
	if config.MinReweightSample <= 0 {
		config.MinReweightSample = DefaultConfig().MinReweightSample
	}
	if config.ConflictMargin <= 0 {
		config.ConflictMargin = DefaultConfig().ConflictMargin
	}

	weights := map[Type]float64{
		TypeImbalance:  1.0,
		TypeAbsorption: 1.0,
		TypeLargeOrder: 1.0,
		TypeCluster:    1.0,
		TypeExhaustion: 1.0,
	}

	return &Processor{
		logger:    logger.Named("signal-processor"),
		config:    config,
		histories: make(map[historyKey][]*Event),
		weights:   weights,
	}
}

// Process creates a scored event for a raw signal and appends it to the
// per-type history, evicting the oldest entry on overflow.
func (p *Processor) Process(typ Type, direction types.Side, strength float64, price decimal.Decimal, asOf time.Time) *Event {
	if direction != types.SideBuy && direction != types.SideSell {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ev := &Event{
		ID:        uuid.New(),
		Type:      typ,
		Direction: direction,
		Time:      asOf,
		Price:     price,
		Strength:  clamp01(strength),
		Outcome:   OutcomeUnknown,
	}
	ev.Quality = p.score(ev)

	key := historyKey{typ: typ, dir: direction}
	hist := append(p.histories[key], ev)
	if len(hist) > p.config.HistoryLimit {
		hist = hist[len(hist)-p.config.HistoryLimit:]
	}
	p.histories[key] = hist

	return ev
}

// score computes quality = 0.7·strength, blended 60/40 with the
// historical win rate once enough outcomes exist, scaled by the adaptive
// type weight. Caller holds the lock.
func (p *Processor) score(ev *Event) float64 {
	quality := 0.7 * ev.Strength

	winRate, samples := p.winRate(ev.Type, ev.Direction)
	if samples >= p.config.WinRateSample {
		quality = 0.6*quality + 0.4*winRate
	}

	quality *= p.weight(ev.Type)

	return clamp01(quality)
}

// winRate returns the fraction of wins among resolved outcomes for a
// type+direction history, with the resolved sample count. Caller holds
// the lock.
func (p *Processor) winRate(typ Type, dir types.Side) (float64, int) {
	var wins, resolved int
	for _, ev := range p.histories[historyKey{typ: typ, dir: dir}] {
		switch ev.Outcome {
		case OutcomeWin:
			wins++
			resolved++
		case OutcomeLoss, OutcomeBreakeven:
			resolved++
		}
	}
	if resolved == 0 {
		return 0, 0
	}
	return float64(wins) / float64(resolved), resolved
}

func (p *Processor) weight(typ Type) float64 {
	if w, ok := p.weights[typ]; ok {
		return w
	}
	return 1.0
}

// Validate applies the global quality floor, regime rules, and the
// historical win-rate filter. It marks the event validated on success.
func (p *Processor) Validate(ev *Event, ctx MarketContext) bool {
	if ev == nil {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.Quality < p.config.QualityThreshold {
		return false
	}

	switch ctx.Regime {
	case regime.RegimeTrendingUp:
		if ev.Direction == types.SideSell && ev.Strength <= p.config.CounterTrendStrength {
			return false
		}
	case regime.RegimeTrendingDown:
		if ev.Direction == types.SideBuy && ev.Strength <= p.config.CounterTrendStrength {
			return false
		}
	case regime.RegimeVolatile:
		// Only patterns anchored to real size survive a volatile tape.
		if ev.Type != TypeAbsorption && ev.Type != TypeLargeOrder {
			return false
		}
	case regime.RegimeSessionOpen, regime.RegimeSessionClose:
		if ev.Quality <= p.config.SessionQuality {
			return false
		}
	}

	winRate, samples := p.winRate(ev.Type, ev.Direction)
	if samples >= p.config.WinRateSample && winRate < p.config.MinWinRate {
		p.logger.Debug("Signal rejected on historical win rate",
			zap.String("type", string(ev.Type)),
			zap.String("direction", string(ev.Direction)),
			zap.Float64("winRate", winRate))
		return false
	}

	ev.Validated = true
	return true
}

// ResolveConflicts drops the weaker direction when both are present. If
// the weighted strengths differ by less than the configured margin
// relative to the larger, the market is ambiguous and everything is
// discarded.
func (p *Processor) ResolveConflicts(events []*Event) []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	buyStrength := p.weightedStrength(events, types.SideBuy)
	sellStrength := p.weightedStrength(events, types.SideSell)

	if buyStrength == 0 || sellStrength == 0 {
		return events
	}

	larger, winner := buyStrength, types.SideBuy
	smaller := sellStrength
	if sellStrength > buyStrength {
		larger, winner = sellStrength, types.SideSell
		smaller = buyStrength
	}

	if (larger-smaller)/larger < p.config.ConflictMargin {
		p.logger.Debug("Conflicting signals discarded",
			zap.Float64("buyStrength", buyStrength),
			zap.Float64("sellStrength", sellStrength))
		return nil
	}

	kept := events[:0:0]
	for _, ev := range events {
		if ev.Direction == winner {
			kept = append(kept, ev)
		}
	}
	return kept
}

// Consolidate merges confluent same-direction signals into one decision.
// Requires at least two components in the strictly dominant direction;
// ties and single signals yield nothing.
func (p *Processor) Consolidate(events []*Event, ctx MarketContext) *Consolidated {
	p.mu.Lock()
	defer p.mu.Unlock()

	buyStrength := p.weightedStrength(events, types.SideBuy)
	sellStrength := p.weightedStrength(events, types.SideSell)

	var direction types.Side
	switch {
	case buyStrength > sellStrength:
		direction = types.SideBuy
	case sellStrength > buyStrength:
		direction = types.SideSell
	default:
		return nil
	}

	var components []*Event
	for _, ev := range events {
		if ev.Direction == direction {
			components = append(components, ev)
		}
	}
	if len(components) < 2 {
		return nil
	}

	strongest := components[0]
	var strengthSum, qualitySum float64
	latest := components[0].Time
	for _, ev := range components {
		strengthSum += ev.Strength
		qualitySum += ev.Quality
		if ev.Strength > strongest.Strength {
			strongest = ev
		}
		if ev.Time.After(latest) {
			latest = ev.Time
		}
	}

	cons := &Consolidated{
		Direction:  direction,
		Time:       latest,
		Price:      strongest.Price,
		Strength:   clamp01(strengthSum / float64(len(components))),
		Quality:    clamp01(qualitySum / float64(len(components))),
		Components: components,
		Context:    ctx,
	}
	cons.Probability = p.estimateProbability(cons)

	return cons
}

// estimateProbability is a relative score, not a calibrated probability:
// multiplicative bonuses preserve ranking across candidates. Caller
// holds the lock.
func (p *Processor) estimateProbability(cons *Consolidated) float64 {
	prob := 0.6*cons.Strength + 0.4*cons.Quality

	// Pattern-type bonuses apply once per type present, however many
	// components carry it.
	seen := make(map[Type]bool, len(cons.Components))
	for _, ev := range cons.Components {
		if seen[ev.Type] {
			continue
		}
		seen[ev.Type] = true
		switch ev.Type {
		case TypeAbsorption:
			prob *= 1.1
		case TypeExhaustion:
			prob *= 1.05
		}
	}

	switch cons.Context.Regime {
	case regime.RegimeTrendingUp:
		if cons.Direction == types.SideBuy {
			prob *= 1.1
		} else {
			prob *= 0.9
		}
	case regime.RegimeTrendingDown:
		if cons.Direction == types.SideSell {
			prob *= 1.1
		} else {
			prob *= 0.9
		}
	}

	if len(cons.Components) >= 3 {
		prob *= 1.1
	}

	return clamp01(prob)
}

// RecordOutcome marks an event executed, stores its realized outcome and
// PnL, then reweights signal types from the updated histories.
func (p *Processor) RecordOutcome(ev *Event, outcome Outcome, pnl decimal.Decimal) {
	if ev == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ev.Executed = true
	ev.Outcome = outcome
	ev.PnL = pnl

	p.reweight()
}

// reweight nudges each type's adaptive weight from its aggregate win
// rate: above 60% scales up 1.1x capped at 1.0, below 40% scales down
// 0.9x floored at 0.1. Caller holds the lock.
func (p *Processor) reweight() {
	for typ := range p.weights {
		var wins, resolved int
		for _, dir := range []types.Side{types.SideBuy, types.SideSell} {
			for _, ev := range p.histories[historyKey{typ: typ, dir: dir}] {
				switch ev.Outcome {
				case OutcomeWin:
					wins++
					resolved++
				case OutcomeLoss, OutcomeBreakeven:
					resolved++
				}
			}
		}

		if resolved < p.config.MinReweightSample {
			continue
		}

		winRate := float64(wins) / float64(resolved)
		switch {
		case winRate > 0.60:
			p.weights[typ] = math.Min(p.weights[typ]*1.1, 1.0)
		case winRate < 0.40:
			p.weights[typ] = math.Max(p.weights[typ]*0.9, 0.1)
		}
	}
}

// HistoryLength returns the number of retained events for a type and
// direction.
func (p *Processor) HistoryLength(typ Type, dir types.Side) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.histories[historyKey{typ: typ, dir: dir}])
}

// Weight returns the current adaptive weight for a signal type.
func (p *Processor) Weight(typ Type) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.weight(typ)
}

// weightedStrength sums weight·strength for one direction. Caller holds
// the lock.
func (p *Processor) weightedStrength(events []*Event, dir types.Side) float64 {
	total := 0.0
	for _, ev := range events {
		if ev.Direction == dir {
			total += ev.Strength * p.weight(ev.Type)
		}
	}
	return total
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
