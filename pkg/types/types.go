// Package types provides shared type definitions for the scalping engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the initiating side of a trade or decision.
type Side string

const (
	SideBuy     Side = "buy"
	SideSell    Side = "sell"
	SideUnknown Side = "unknown"
)

// Opposite returns the other trading side. Unknown stays unknown.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideUnknown
	}
}

// BookSide identifies which half of the order book a level belongs to.
type BookSide string

const (
	BookBid BookSide = "bid"
	BookAsk BookSide = "ask"
)

// DepthOp is the operation carried by a depth diff.
type DepthOp string

const (
	DepthOpAdd    DepthOp = "add"
	DepthOpUpdate DepthOp = "update"
	DepthOpRemove DepthOp = "remove"
)

// Tick represents a single executed trade. Immutable once created.
type Tick struct {
	Time      time.Time       `json:"time"`
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Aggressor Side            `json:"aggressor"`
}

// DepthUpdate is a single order book diff.
type DepthUpdate struct {
	Time  time.Time       `json:"time"`
	Side  BookSide        `json:"side"`
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	Op    DepthOp         `json:"op"`
}

// Quote carries the current best bid/ask, used for aggressor inference.
type Quote struct {
	Time    time.Time       `json:"time"`
	BestBid decimal.Decimal `json:"bestBid"`
	BestAsk decimal.Decimal `json:"bestAsk"`
}

// ExecutionDecision is the engine's output to the execution collaborator.
type ExecutionDecision struct {
	Symbol      string          `json:"symbol"`
	Direction   Side            `json:"direction"`
	Size        decimal.Decimal `json:"size"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	StopPrice   decimal.Decimal `json:"stopPrice"`
	TargetPrice decimal.Decimal `json:"targetPrice"`
	Probability float64         `json:"probability"`
	Time        time.Time       `json:"time"`
}
