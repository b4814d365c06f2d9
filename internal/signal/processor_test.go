package signal

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/scalper-backend/internal/regime"
	"github.com/atlas-desktop/scalper-backend/pkg/types"
)

func newTestProcessor(t *testing.T) *Processor {
	t.Helper()
	return NewProcessor(zap.NewNop(), DefaultConfig())
}

func dec(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

var testTime = time.Date(2026, 1, 5, 14, 30, 0, 0, time.UTC)

func TestProcessScoresFreshSignal(t *testing.T) {
	p := newTestProcessor(t)

	ev := p.Process(TypeImbalance, types.SideBuy, 1.0, dec(100), testTime)
	if ev == nil {
		t.Fatal("expected an event")
	}
	if math.Abs(ev.Quality-0.7) > 1e-9 {
		t.Errorf("quality = %v, want 0.7", ev.Quality)
	}
	if ev.Outcome != OutcomeUnknown {
		t.Errorf("outcome = %s, want unknown", ev.Outcome)
	}
}

func TestProcessRejectsUnknownDirection(t *testing.T) {
	p := newTestProcessor(t)

	if ev := p.Process(TypeImbalance, types.SideUnknown, 1.0, dec(100), testTime); ev != nil {
		t.Fatal("unknown direction must not produce an event")
	}
}

func TestProcessBlendsWinRateAfterFiveOutcomes(t *testing.T) {
	p := newTestProcessor(t)

	for i := 0; i < 5; i++ {
		ev := p.Process(TypeImbalance, types.SideBuy, 1.0, dec(100), testTime)
		p.RecordOutcome(ev, OutcomeWin, dec(10))
	}

	ev := p.Process(TypeImbalance, types.SideBuy, 1.0, dec(100), testTime)
	// 0.6*(0.7*1.0) + 0.4*1.0 with weight still 1.0.
	if math.Abs(ev.Quality-0.82) > 1e-9 {
		t.Errorf("quality = %v, want 0.82", ev.Quality)
	}
}

func TestValidateQualityFloor(t *testing.T) {
	p := newTestProcessor(t)
	ctx := MarketContext{Regime: regime.RegimeRanging}

	weak := p.Process(TypeImbalance, types.SideBuy, 0.7, dec(100), testTime)
	if p.Validate(weak, ctx) {
		t.Error("quality 0.49 must fail the 0.55 floor")
	}

	strong := p.Process(TypeImbalance, types.SideBuy, 1.0, dec(100), testTime)
	if !p.Validate(strong, ctx) {
		t.Error("quality 0.7 must pass the floor")
	}
	if !strong.Validated {
		t.Error("validated flag not set")
	}
}

func TestValidateRegimeRules(t *testing.T) {
	tests := []struct {
		name      string
		typ       Type
		direction types.Side
		strength  float64
		regime    regime.Regime
		want      bool
	}{
		{"counter-trend weak sell in uptrend", TypeImbalance, types.SideSell, 0.79, regime.RegimeTrendingUp, false},
		{"counter-trend strong sell in uptrend", TypeImbalance, types.SideSell, 0.9, regime.RegimeTrendingUp, true},
		{"with-trend buy in uptrend", TypeImbalance, types.SideBuy, 0.9, regime.RegimeTrendingUp, true},
		{"counter-trend weak buy in downtrend", TypeCluster, types.SideBuy, 0.79, regime.RegimeTrendingDown, false},
		{"imbalance in volatile regime", TypeImbalance, types.SideBuy, 1.0, regime.RegimeVolatile, false},
		{"cluster in volatile regime", TypeCluster, types.SideBuy, 1.0, regime.RegimeVolatile, false},
		{"absorption in volatile regime", TypeAbsorption, types.SideBuy, 1.0, regime.RegimeVolatile, true},
		{"large order in volatile regime", TypeLargeOrder, types.SideSell, 1.0, regime.RegimeVolatile, true},
		{"fresh signal at session open", TypeImbalance, types.SideBuy, 1.0, regime.RegimeSessionOpen, false},
		{"fresh signal at session close", TypeImbalance, types.SideBuy, 1.0, regime.RegimeSessionClose, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProcessor(t)
			ev := p.Process(tt.typ, tt.direction, tt.strength, dec(100), testTime)
			got := p.Validate(ev, MarketContext{Regime: tt.regime})
			if got != tt.want {
				t.Errorf("Validate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestValidateRejectsPoorWinRate(t *testing.T) {
	p := newTestProcessor(t)
	ctx := MarketContext{Regime: regime.RegimeRanging}

	for i := 0; i < 5; i++ {
		ev := p.Process(TypeCluster, types.SideSell, 1.0, dec(100), testTime)
		p.RecordOutcome(ev, OutcomeLoss, dec(-10))
	}

	ev := p.Process(TypeCluster, types.SideSell, 1.0, dec(100), testTime)
	if p.Validate(ev, ctx) {
		t.Error("signal with 0% win rate over 5 outcomes must be rejected")
	}
}

func TestResolveConflictsAmbiguous(t *testing.T) {
	p := newTestProcessor(t)

	events := []*Event{
		p.Process(TypeImbalance, types.SideBuy, 1.0, dec(100), testTime),
		p.Process(TypeImbalance, types.SideSell, 0.9, dec(100), testTime),
	}

	if got := p.ResolveConflicts(events); got != nil {
		t.Fatalf("strengths within 20%% must discard everything, kept %d", len(got))
	}
}

func TestResolveConflictsDominantSurvives(t *testing.T) {
	p := newTestProcessor(t)

	events := []*Event{
		p.Process(TypeImbalance, types.SideBuy, 1.0, dec(100), testTime),
		p.Process(TypeCluster, types.SideBuy, 0.9, dec(100), testTime),
		p.Process(TypeImbalance, types.SideSell, 0.5, dec(100), testTime),
	}

	kept := p.ResolveConflicts(events)
	if len(kept) != 2 {
		t.Fatalf("kept = %d, want 2", len(kept))
	}
	for _, ev := range kept {
		if ev.Direction != types.SideBuy {
			t.Errorf("survivor direction = %s, want buy", ev.Direction)
		}
	}
}

func TestConsolidateRequiresConfluence(t *testing.T) {
	p := newTestProcessor(t)
	ctx := MarketContext{Regime: regime.RegimeRanging}

	one := []*Event{p.Process(TypeImbalance, types.SideBuy, 1.0, dec(100), testTime)}
	if got := p.Consolidate(one, ctx); got != nil {
		t.Fatal("single signal must not consolidate")
	}
}

func TestConsolidateTieYieldsNothing(t *testing.T) {
	p := newTestProcessor(t)
	ctx := MarketContext{Regime: regime.RegimeRanging}

	events := []*Event{
		p.Process(TypeImbalance, types.SideBuy, 0.8, dec(100), testTime),
		p.Process(TypeImbalance, types.SideSell, 0.8, dec(100), testTime),
	}

	if got := p.Consolidate(events, ctx); got != nil {
		t.Fatal("tied weighted strengths must not consolidate")
	}
}

func TestConsolidateDominantDirection(t *testing.T) {
	p := newTestProcessor(t)
	ctx := MarketContext{Regime: regime.RegimeRanging}

	events := []*Event{
		p.Process(TypeImbalance, types.SideBuy, 0.8, dec(100.00), testTime),
		p.Process(TypeCluster, types.SideBuy, 1.0, dec(100.25), testTime),
		p.Process(TypeLargeOrder, types.SideSell, 0.4, dec(100.50), testTime),
	}

	cons := p.Consolidate(events, ctx)
	if cons == nil {
		t.Fatal("expected a consolidated signal")
	}
	if cons.Direction != types.SideBuy {
		t.Errorf("direction = %s, want buy", cons.Direction)
	}
	if len(cons.Components) != 2 {
		t.Errorf("components = %d, want 2", len(cons.Components))
	}
	if !cons.Price.Equal(dec(100.25)) {
		t.Errorf("price = %s, want strongest component price 100.25", cons.Price)
	}
	if math.Abs(cons.Strength-0.9) > 1e-9 {
		t.Errorf("strength = %v, want 0.9", cons.Strength)
	}
	if cons.Probability <= 0 || cons.Probability > 1 {
		t.Errorf("probability = %v, want (0, 1]", cons.Probability)
	}
}

func TestConsolidateAbsorptionBonusOrdersCandidates(t *testing.T) {
	p := newTestProcessor(t)
	ctx := MarketContext{Regime: regime.RegimeRanging}

	plain := p.Consolidate([]*Event{
		p.Process(TypeImbalance, types.SideBuy, 0.8, dec(100), testTime),
		p.Process(TypeCluster, types.SideBuy, 0.8, dec(100), testTime),
	}, ctx)

	withAbsorption := p.Consolidate([]*Event{
		p.Process(TypeAbsorption, types.SideBuy, 0.8, dec(100), testTime),
		p.Process(TypeCluster, types.SideBuy, 0.8, dec(100), testTime),
	}, ctx)

	if plain == nil || withAbsorption == nil {
		t.Fatal("expected both consolidations")
	}
	if withAbsorption.Probability <= plain.Probability {
		t.Errorf("absorption bonus missing: %v <= %v",
			withAbsorption.Probability, plain.Probability)
	}
}

func TestConsolidateAbsorptionBonusAppliesOncePerType(t *testing.T) {
	p := newTestProcessor(t)
	ctx := MarketContext{Regime: regime.RegimeRanging}

	single := p.Consolidate([]*Event{
		p.Process(TypeAbsorption, types.SideBuy, 0.8, dec(100), testTime),
		p.Process(TypeCluster, types.SideBuy, 0.8, dec(100), testTime),
	}, ctx)

	double := p.Consolidate([]*Event{
		p.Process(TypeAbsorption, types.SideBuy, 0.8, dec(100), testTime),
		p.Process(TypeAbsorption, types.SideBuy, 0.8, dec(100), testTime),
	}, ctx)

	if single == nil || double == nil {
		t.Fatal("expected both consolidations")
	}
	if math.Abs(single.Probability-double.Probability) > 1e-9 {
		t.Errorf("two absorption components compounded the bonus: %v vs %v",
			double.Probability, single.Probability)
	}
}

func TestReweightBounds(t *testing.T) {
	p := newTestProcessor(t)

	// Losses drive the weight down but never below the floor.
	for i := 0; i < 40; i++ {
		ev := p.Process(TypeImbalance, types.SideBuy, 1.0, dec(100), testTime)
		p.RecordOutcome(ev, OutcomeLoss, dec(-10))
	}
	if w := p.Weight(TypeImbalance); w < 0.1 || w > 0.1+1e-9 {
		t.Errorf("weight = %v, want floor 0.1", w)
	}

	// Wins never push a weight above 1.0.
	for i := 0; i < 20; i++ {
		ev := p.Process(TypeCluster, types.SideBuy, 1.0, dec(100), testTime)
		p.RecordOutcome(ev, OutcomeWin, dec(10))
	}
	if w := p.Weight(TypeCluster); w != 1.0 {
		t.Errorf("weight = %v, want cap 1.0", w)
	}
}

func TestHistoryEvictsOldest(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistoryLimit = 3
	p := NewProcessor(zap.NewNop(), cfg)

	var last *Event
	for i := 0; i < 5; i++ {
		last = p.Process(TypeImbalance, types.SideBuy, 1.0, dec(100), testTime)
	}

	key := historyKey{typ: TypeImbalance, dir: types.SideBuy}
	p.mu.Lock()
	hist := p.histories[key]
	p.mu.Unlock()

	if len(hist) != 3 {
		t.Fatalf("history length = %d, want 3", len(hist))
	}
	if hist[len(hist)-1] != last {
		t.Error("newest event missing from history")
	}
}
