// Package regime classifies market state from a rolling price window
// and a volatility estimate.
package regime

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Regime is a market state label.
type Regime string

const (
	RegimeUnknown       Regime = "unknown"
	RegimeRanging       Regime = "ranging"
	RegimeTrendingUp    Regime = "trending_up"
	RegimeTrendingDown  Regime = "trending_down"
	RegimeVolatile      Regime = "volatile"
	RegimeLowVolatility Regime = "low_volatility"
	RegimeSessionOpen   Regime = "session_open"
	RegimeSessionClose  Regime = "session_close"
)

// Snapshot is the classifier's current read of the market.
type Snapshot struct {
	Regime     Regime    `json:"regime"`
	Volatility float64   `json:"volatility"`
	Slope      float64   `json:"slope"`
	AsOf       time.Time `json:"asOf"`
}

// Config configures the classifier window and thresholds.
type Config struct {
	WindowSize        int     // rolling price samples
	MinSamples        int     // samples required before classifying
	VolatileStdev     float64 // per-sample return stdev above which the market is volatile
	QuietStdev        float64 // below which it is low-volatility
	TrendSlope        float64 // absolute normalized slope above which a trend is called
}

// DefaultConfig returns defaults tuned for sub-second tick sampling.
func DefaultConfig() Config {
	return Config{
		WindowSize:    120,
		MinSamples:    20,
		VolatileStdev: 0.0020,
		QuietStdev:    0.0003,
		TrendSlope:    0.00005,
	}
}

// Classifier maintains a rolling price window and labels the regime.
// Session open/close overrides take precedence over price-derived labels.
type Classifier struct {
	logger *zap.Logger
	config Config

	mu          sync.Mutex
	prices      []float64
	lastUpdate  time.Time
	sessionOpen bool
	sessionEnd  bool
}

// NewClassifier creates a market state classifier.
func NewClassifier(logger *zap.Logger, config Config) *Classifier {
	if config.WindowSize <= 0 {
		logger.Warn("Invalid window size, using default",
			zap.Int("value", config.WindowSize))
		config.WindowSize = DefaultConfig().WindowSize
	}
	if config.MinSamples <= 1 {
		config.MinSamples = 2
	}
	if config.MinSamples > config.WindowSize {
		config.MinSamples = config.WindowSize
	}

	return &Classifier{
		logger: logger.Named("state-classifier"),
		config: config,
		prices: make([]float64, 0, config.WindowSize),
	}
}

// AddPrice appends a price sample to the rolling window. Non-positive
// prices are dropped.
func (c *Classifier) AddPrice(price decimal.Decimal, asOf time.Time) {
	if price.LessThanOrEqual(decimal.Zero) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.prices = append(c.prices, price.InexactFloat64())
	if len(c.prices) > c.config.WindowSize {
		c.prices = c.prices[len(c.prices)-c.config.WindowSize:]
	}
	c.lastUpdate = asOf
}

// SetSessionState flags session open/close boundaries. While either flag
// is set the classifier reports the corresponding session regime.
func (c *Classifier) SetSessionState(isOpen, isClose bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionOpen = isOpen
	c.sessionEnd = isClose
}

// Classify returns the current market snapshot.
func (c *Classifier) Classify() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{Regime: RegimeUnknown, AsOf: c.lastUpdate}

	// Session boundaries dominate everything price-derived.
	if c.sessionEnd {
		snap.Regime = RegimeSessionClose
	} else if c.sessionOpen {
		snap.Regime = RegimeSessionOpen
	}

	if len(c.prices) < c.config.MinSamples {
		return snap
	}

	vol := returnStdev(c.prices)
	slope := normalizedSlope(c.prices)
	snap.Volatility = vol
	snap.Slope = slope

	if snap.Regime != RegimeUnknown {
		return snap
	}

	switch {
	case vol > c.config.VolatileStdev:
		snap.Regime = RegimeVolatile
	case slope > c.config.TrendSlope:
		snap.Regime = RegimeTrendingUp
	case slope < -c.config.TrendSlope:
		snap.Regime = RegimeTrendingDown
	case vol < c.config.QuietStdev:
		snap.Regime = RegimeLowVolatility
	default:
		snap.Regime = RegimeRanging
	}

	return snap
}

// returnStdev computes the standard deviation of one-step relative
// returns over the window. Zero prices in the window yield zero returns
// rather than dividing by zero.
func returnStdev(prices []float64) float64 {
	if len(prices) < 2 {
		return 0
	}

	returns := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev := prices[i-1]
		if prev == 0 {
			returns = append(returns, 0)
			continue
		}
		returns = append(returns, (prices[i]-prev)/prev)
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns))

	return math.Sqrt(variance)
}

// normalizedSlope fits a least-squares line over the window and returns
// its slope divided by the mean price, so the threshold is comparable
// across instruments. Degenerate windows (zero x-variance, zero mean
// price) return zero.
func normalizedSlope(prices []float64) float64 {
	n := float64(len(prices))
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, p := range prices {
		x := float64(i)
		sumX += x
		sumY += p
		sumXY += x * p
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	slope := (n*sumXY - sumX*sumY) / denom

	meanPrice := sumY / n
	if meanPrice == 0 {
		return 0
	}

	return slope / meanPrice
}
