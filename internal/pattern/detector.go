// Package pattern provides order flow pattern detection over depth
// snapshots and trade ticks: book imbalance, absorption, large orders,
// and aggressive-order clustering.
package pattern

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/scalper-backend/pkg/types"
)

// Kind identifies the type of a detected order flow pattern.
type Kind string

const (
	KindBidImbalance   Kind = "bid_imbalance"
	KindAskImbalance   Kind = "ask_imbalance"
	KindBuyAbsorption  Kind = "buy_absorption"
	KindSellAbsorption Kind = "sell_absorption"
	KindLargeBuyOrder  Kind = "large_buy_order"
	KindLargeSellOrder Kind = "large_sell_order"
	KindBuyCluster     Kind = "buy_cluster"
	KindSellCluster    Kind = "sell_cluster"
)

// Direction returns the trading side a pattern argues for.
func (k Kind) Direction() types.Side {
	switch k {
	case KindBidImbalance, KindBuyAbsorption, KindLargeBuyOrder, KindBuyCluster:
		return types.SideBuy
	case KindAskImbalance, KindSellAbsorption, KindLargeSellOrder, KindSellCluster:
		return types.SideSell
	default:
		return types.SideUnknown
	}
}

// Stats carries the typed auxiliary facts behind a detection. Only the
// fields relevant to the pattern kind are populated.
type Stats struct {
	Ratio           float64         `json:"ratio,omitempty"`
	BidVolume       decimal.Decimal `json:"bidVolume,omitempty"`
	AskVolume       decimal.Decimal `json:"askVolume,omitempty"`
	BuyVolume       decimal.Decimal `json:"buyVolume,omitempty"`
	SellVolume      decimal.Decimal `json:"sellVolume,omitempty"`
	Delta           decimal.Decimal `json:"delta,omitempty"`
	TickCount       int             `json:"tickCount,omitempty"`
	AggressiveCount int             `json:"aggressiveCount,omitempty"`
}

// Pattern is a typed order flow detection. Never mutated after creation;
// later detections supersede earlier ones.
type Pattern struct {
	Kind        Kind            `json:"kind"`
	Price       decimal.Decimal `json:"price"`
	DetectedAt  time.Time       `json:"detectedAt"`
	Strength    float64         `json:"strength"`    // 0-1
	Probability float64         `json:"probability"` // 0-1, relative score
	Stats       Stats           `json:"stats"`
}

// Config configures the pattern detector thresholds.
type Config struct {
	ImbalanceRatio       float64         // min bid/ask volume ratio
	AbsorptionRatio      float64         // min opposing volume ratio at a price
	MinVolume            decimal.Decimal // noise floor for ratio computation
	LargeOrderVolume     decimal.Decimal // single-trade volume threshold
	ClusterMinTicks      int             // same-direction ticks to form a cluster
	ClusterMinAggressive int             // aggressive subset minimum
	ClusterWindow        time.Duration   // sliding window for cluster counting
	AggressiveGap        time.Duration   // inter-arrival gap marking aggression
	TickSize             decimal.Decimal // minimum price increment
	DepthLevels          int             // book levels (in ticks) per side for imbalance
	LevelHistoryLimit    int             // support/resistance candidates retained
	MaxTrackedPrices     int             // per-price volume map bound
}

// DefaultConfig returns sensible defaults for liquid futures-style books.
func DefaultConfig() Config {
	return Config{
		ImbalanceRatio:       2.0,
		AbsorptionRatio:      2.0,
		MinVolume:            decimal.NewFromInt(50),
		LargeOrderVolume:     decimal.NewFromInt(100),
		ClusterMinTicks:      5,
		ClusterMinAggressive: 3,
		ClusterWindow:        5 * time.Second,
		AggressiveGap:        250 * time.Millisecond,
		TickSize:             decimal.NewFromFloat(0.25),
		DepthLevels:          5,
		LevelHistoryLimit:    20,
		MaxTrackedPrices:     512,
	}
}

// priceFlow accumulates executed buy/sell volume at a single price.
type priceFlow struct {
	price decimal.Decimal
	buy   decimal.Decimal
	sell  decimal.Decimal
}

// runTick is one entry of the current cluster run. The aggressive flag
// travels with the tick so pruning keeps the counters consistent.
type runTick struct {
	at         time.Time
	aggressive bool
}

// Detector consumes depth diffs and trade ticks and emits typed order
// flow patterns. All mutating operations are serialized under one lock.
type Detector struct {
	logger *zap.Logger
	config Config

	mu   sync.Mutex
	book *Book

	// Trade flow state.
	delta     decimal.Decimal // cumulative signed volume
	flows     map[string]*priceFlow
	lastTick  *types.Tick
	lastPrice decimal.Decimal

	// Cluster run state, reset on any opposite-direction tick.
	runDirection  types.Side
	runTicks      []runTick
	runAggressive int

	// Rolling support/resistance candidates from absorption prices.
	levels []decimal.Decimal
}

// NewDetector creates a pattern detector.
func NewDetector(logger *zap.Logger, config Config) *Detector {
	if config.ImbalanceRatio <= 0 {
		logger.Warn("Invalid imbalance ratio, using default",
			zap.Float64("value", config.ImbalanceRatio))
		config.ImbalanceRatio = DefaultConfig().ImbalanceRatio
	}
	if config.AbsorptionRatio <= 0 {
		logger.Warn("Invalid absorption ratio, using default",
			zap.Float64("value", config.AbsorptionRatio))
		config.AbsorptionRatio = DefaultConfig().AbsorptionRatio
	}
	if config.TickSize.LessThanOrEqual(decimal.Zero) {
		logger.Warn("Invalid tick size, using default",
			zap.String("value", config.TickSize.String()))
		config.TickSize = DefaultConfig().TickSize
	}
	if config.MaxTrackedPrices <= 0 {
		config.MaxTrackedPrices = DefaultConfig().MaxTrackedPrices
	}

	return &Detector{
		logger: logger.Named("pattern-detector"),
		config: config,
		book:   NewBook(),
		flows:  make(map[string]*priceFlow),
	}
}

// ProcessDepth applies a depth diff to the book. Depth diffs never emit
// patterns directly; imbalance is recomputed on demand.
func (d *Detector) ProcessDepth(u types.DepthUpdate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.book.Apply(u)
}

// ProcessTrade ingests an executed trade and returns any patterns the
// trade completes: large orders, clusters, and absorption at its price.
func (d *Detector) ProcessTrade(t types.Tick) []Pattern {
	if t.Price.LessThanOrEqual(decimal.Zero) || t.Volume.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var patterns []Pattern

	if t.Aggressor == types.SideBuy || t.Aggressor == types.SideSell {
		d.applyFlow(t)

		if p := d.detectLargeOrder(t); p != nil {
			patterns = append(patterns, *p)
		}
		if p := d.detectCluster(t); p != nil {
			patterns = append(patterns, *p)
		}
		if p := d.detectAbsorption(t.Price, t.Time); p != nil {
			patterns = append(patterns, *p)
		}
	}

	d.lastTick = &t
	d.lastPrice = t.Price

	return patterns
}

// applyFlow updates cumulative delta and per-price volume for a tick with
// a known aggressor.
func (d *Detector) applyFlow(t types.Tick) {
	key := levelKey(t.Price)
	flow, ok := d.flows[key]
	if !ok {
		flow = &priceFlow{price: t.Price}
		d.flows[key] = flow
		d.pruneFlows()
	}

	if t.Aggressor == types.SideBuy {
		flow.buy = flow.buy.Add(t.Volume)
		d.delta = d.delta.Add(t.Volume)
	} else {
		flow.sell = flow.sell.Add(t.Volume)
		d.delta = d.delta.Sub(t.Volume)
	}
}

// pruneFlows keeps the per-price volume map bounded by evicting prices
// farthest from the last traded price.
func (d *Detector) pruneFlows() {
	if len(d.flows) <= d.config.MaxTrackedPrices || d.lastPrice.IsZero() {
		return
	}

	horizon := d.config.TickSize.Mul(decimal.NewFromInt(int64(d.config.MaxTrackedPrices / 2)))
	for key, flow := range d.flows {
		if flow.price.Sub(d.lastPrice).Abs().GreaterThan(horizon) {
			delete(d.flows, key)
		}
	}
}

// DetectImbalance recomputes the resting volume imbalance around the
// current best bid/ask. Returns nil when the book is one-sided, the
// volume floor is not met, or the ratio is below threshold. The ratio
// boundary is inclusive.
func (d *Detector) DetectImbalance(asOf time.Time) *Pattern {
	d.mu.Lock()
	defer d.mu.Unlock()

	bestBid := d.book.BestBid()
	bestAsk := d.book.BestAsk()
	if bestBid.IsZero() || bestAsk.IsZero() {
		return nil
	}

	window := d.config.TickSize.Mul(decimal.NewFromInt(int64(d.config.DepthLevels)))
	bidVol := d.book.VolumeNear(types.BookBid, bestBid, window)
	askVol := d.book.VolumeNear(types.BookAsk, bestAsk, window)

	heavy, light := bidVol, askVol
	kind := KindBidImbalance
	price := bestBid
	if askVol.GreaterThan(bidVol) {
		heavy, light = askVol, bidVol
		kind = KindAskImbalance
		price = bestAsk
	}

	// The dominant side must clear the noise floor; an empty opposite
	// side yields no ratio, not an infinite one.
	if heavy.LessThan(d.config.MinVolume) || light.IsZero() {
		return nil
	}

	ratio := heavy.InexactFloat64() / light.InexactFloat64()
	if ratio < d.config.ImbalanceRatio {
		return nil
	}

	strength := clamp01(ratio / (2 * d.config.ImbalanceRatio))

	return &Pattern{
		Kind:        kind,
		Price:       price,
		DetectedAt:  asOf,
		Strength:    strength,
		Probability: clamp01(0.5 + 0.4*strength),
		Stats: Stats{
			Ratio:     ratio,
			BidVolume: bidVol,
			AskVolume: askVol,
		},
	}
}

// detectAbsorption flags a price where one side's executed volume
// overwhelms the other while cumulative delta points the opposite way:
// heavy aggression that failed to move price is being absorbed.
func (d *Detector) detectAbsorption(price decimal.Decimal, asOf time.Time) *Pattern {
	flow, ok := d.flows[levelKey(price)]
	if !ok {
		return nil
	}

	threshold := decimal.NewFromFloat(d.config.AbsorptionRatio)

	var kind Kind
	heavy, light := flow.buy, flow.sell
	switch {
	case flow.buy.GreaterThan(flow.sell.Mul(threshold)) && d.delta.IsNegative():
		// Heavy buying with falling delta: buyers are being absorbed.
		kind = KindSellAbsorption
	case flow.sell.GreaterThan(flow.buy.Mul(threshold)) && d.delta.IsPositive():
		// Heavy selling with rising delta: sellers are being absorbed.
		kind = KindBuyAbsorption
		heavy, light = flow.sell, flow.buy
	default:
		return nil
	}

	if heavy.LessThan(d.config.MinVolume) {
		return nil
	}

	ratio := 2 * d.config.AbsorptionRatio
	if !light.IsZero() {
		ratio = heavy.InexactFloat64() / light.InexactFloat64()
	}
	strength := clamp01(ratio / (2 * d.config.AbsorptionRatio))

	d.recordLevel(price)

	return &Pattern{
		Kind:        kind,
		Price:       price,
		DetectedAt:  asOf,
		Strength:    strength,
		Probability: clamp01(0.5 + 0.4*strength),
		Stats: Stats{
			Ratio:      ratio,
			BuyVolume:  flow.buy,
			SellVolume: flow.sell,
			Delta:      d.delta,
		},
	}
}

// detectLargeOrder flags a single trade whose volume clears the
// configured large-order threshold.
func (d *Detector) detectLargeOrder(t types.Tick) *Pattern {
	if d.config.LargeOrderVolume.LessThanOrEqual(decimal.Zero) ||
		t.Volume.LessThan(d.config.LargeOrderVolume) {
		return nil
	}

	kind := KindLargeBuyOrder
	stats := Stats{BuyVolume: t.Volume}
	if t.Aggressor == types.SideSell {
		kind = KindLargeSellOrder
		stats = Stats{SellVolume: t.Volume}
	}

	ratio := t.Volume.Div(d.config.LargeOrderVolume).InexactFloat64()
	strength := clamp01(ratio / 2)
	stats.Ratio = ratio

	return &Pattern{
		Kind:        kind,
		Price:       t.Price,
		DetectedAt:  t.Time,
		Strength:    strength,
		Probability: clamp01(0.5 + 0.4*strength),
		Stats:       stats,
	}
}

// detectCluster counts consecutive same-direction ticks inside the
// sliding window and flags a cluster once both the total and the
// aggressive subset clear their minimums. Any opposite-direction tick
// resets the running counters.
func (d *Detector) detectCluster(t types.Tick) *Pattern {
	if t.Aggressor != d.runDirection {
		d.runDirection = t.Aggressor
		d.runTicks = d.runTicks[:0]
		d.runAggressive = 0
	}

	aggressive := false
	if last := d.lastTick; last != nil && last.Aggressor == t.Aggressor {
		gap := t.Time.Sub(last.Time)
		jump := t.Price.Sub(last.Price).Abs()
		twoTicks := d.config.TickSize.Mul(decimal.NewFromInt(2))
		aggressive = gap >= 0 && gap < d.config.AggressiveGap || jump.GreaterThan(twoTicks)
	}

	d.runTicks = append(d.runTicks, runTick{at: t.Time, aggressive: aggressive})
	if aggressive {
		d.runAggressive++
	}

	// Prune by tick timestamps, not wall clock, so replays stay
	// deterministic. Aggressive entries that age out stop counting.
	cutoff := t.Time.Add(-d.config.ClusterWindow)
	pruned := 0
	for pruned < len(d.runTicks) && d.runTicks[pruned].at.Before(cutoff) {
		if d.runTicks[pruned].aggressive {
			d.runAggressive--
		}
		pruned++
	}
	if pruned > 0 {
		d.runTicks = d.runTicks[pruned:]
	}

	if len(d.runTicks) < d.config.ClusterMinTicks || d.runAggressive < d.config.ClusterMinAggressive {
		return nil
	}

	kind := KindBuyCluster
	if t.Aggressor == types.SideSell {
		kind = KindSellCluster
	}

	count := len(d.runTicks)
	aggressiveCount := d.runAggressive
	strength := clamp01(float64(aggressiveCount) / float64(count))

	// Consume the run so the same burst does not refire every tick.
	d.runTicks = d.runTicks[:0]
	d.runAggressive = 0

	return &Pattern{
		Kind:        kind,
		Price:       t.Price,
		DetectedAt:  t.Time,
		Strength:    strength,
		Probability: clamp01(0.5 + 0.4*strength),
		Stats: Stats{
			TickCount:       count,
			AggressiveCount: aggressiveCount,
		},
	}
}

// recordLevel adds an absorption price to the rolling support/resistance
// history, deduplicated by proximity and bounded by the history limit.
func (d *Detector) recordLevel(price decimal.Decimal) {
	near := d.config.TickSize.Mul(decimal.NewFromInt(2))
	for _, lvl := range d.levels {
		if lvl.Sub(price).Abs().LessThanOrEqual(near) {
			return
		}
	}

	d.levels = append(d.levels, price)
	if limit := d.config.LevelHistoryLimit; limit > 0 && len(d.levels) > limit {
		d.levels = d.levels[len(d.levels)-limit:]
	}
}

// SupportResistance returns the rolling absorption level candidates.
func (d *Detector) SupportResistance() []decimal.Decimal {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]decimal.Decimal, len(d.levels))
	copy(out, d.levels)
	return out
}

// CumulativeDelta returns the running signed volume.
func (d *Detector) CumulativeDelta() decimal.Decimal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.delta
}

// BookDepth returns the current number of levels on each side.
func (d *Detector) BookDepth() (bids, asks int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.book.Depth()
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
