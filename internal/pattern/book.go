package pattern

import (
	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/scalper-backend/pkg/types"
)

// Book maintains the visible depth of market as a per-side mapping of
// price to resting size. Zero-size updates remove the level. The book is
// eventually consistent: malformed or out-of-order diffs are dropped and
// the state heals on the next valid update.
type Book struct {
	bids map[string]bookLevel
	asks map[string]bookLevel
}

type bookLevel struct {
	price decimal.Decimal
	size  decimal.Decimal
}

// NewBook creates an empty order book.
func NewBook() *Book {
	return &Book{
		bids: make(map[string]bookLevel),
		asks: make(map[string]bookLevel),
	}
}

func levelKey(price decimal.Decimal) string {
	return price.StringFixed(8)
}

// Apply applies a depth diff to the book. Invalid updates (non-positive
// price, negative size) are ignored.
func (b *Book) Apply(u types.DepthUpdate) {
	if u.Price.LessThanOrEqual(decimal.Zero) || u.Size.IsNegative() {
		return
	}

	side := b.bids
	if u.Side == types.BookAsk {
		side = b.asks
	} else if u.Side != types.BookBid {
		return
	}

	key := levelKey(u.Price)
	if u.Op == types.DepthOpRemove || u.Size.IsZero() {
		delete(side, key)
		return
	}

	side[key] = bookLevel{price: u.Price, size: u.Size}
}

// BestBid returns the highest bid price, or zero if the bid side is empty.
func (b *Book) BestBid() decimal.Decimal {
	best := decimal.Zero
	for _, lvl := range b.bids {
		if lvl.price.GreaterThan(best) {
			best = lvl.price
		}
	}
	return best
}

// BestAsk returns the lowest ask price, or zero if the ask side is empty.
func (b *Book) BestAsk() decimal.Decimal {
	best := decimal.Zero
	for _, lvl := range b.asks {
		if best.IsZero() || lvl.price.LessThan(best) {
			best = lvl.price
		}
	}
	return best
}

// VolumeNear sums resting volume on one side within the given price window
// of the reference price. Bids are aggregated at or below the reference,
// asks at or above it.
func (b *Book) VolumeNear(side types.BookSide, ref, window decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	if ref.LessThanOrEqual(decimal.Zero) {
		return total
	}

	if side == types.BookBid {
		floor := ref.Sub(window)
		for _, lvl := range b.bids {
			if lvl.price.LessThanOrEqual(ref) && lvl.price.GreaterThanOrEqual(floor) {
				total = total.Add(lvl.size)
			}
		}
		return total
	}

	ceil := ref.Add(window)
	for _, lvl := range b.asks {
		if lvl.price.GreaterThanOrEqual(ref) && lvl.price.LessThanOrEqual(ceil) {
			total = total.Add(lvl.size)
		}
	}
	return total
}

// Depth returns the number of levels on each side.
func (b *Book) Depth() (bids, asks int) {
	return len(b.bids), len(b.asks)
}
