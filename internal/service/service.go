// Package service provides the data services strategies attach to: moving
// averages over a price stream and VWAP over book depth. Services carry no
// venue state; the owning strategy feeds them and reads them back on its own
// event goroutine, so they need no locking.
package service

import (
	"math"

	"tradekit/pkg/types"
)

// Service is anything a strategy can attach and receive data updates from.
type Service interface {
	Name() string
	HasData() bool
}

// ————————————————————————————————————————————————————————————————————————
// Moving average
// ————————————————————————————————————————————————————————————————————————

// MAType selects the smoothing of a MovingAverage.
type MAType uint8

const (
	Exponential MAType = iota
	Simple
)

// MovingAverage is a streaming moving-average service. The exponential
// variant uses the standard smoothing factor 2/(period+1) and starts
// emitting points once `period` samples have been folded in.
type MovingAverage struct {
	name   string
	maType MAType
	period int
	k      float64

	value  float64
	count  int
	window []float64 // ring buffer, simple variant only
	head   int
}

// NewMovingAverage builds a service named for its role (e.g. "fast", "slow").
func NewMovingAverage(name string, maType MAType, period int) *MovingAverage {
	if period < 1 {
		period = 1
	}
	ma := &MovingAverage{
		name:   name,
		maType: maType,
		period: period,
		k:      2.0 / (float64(period) + 1),
	}
	if maType == Simple {
		ma.window = make([]float64, period)
	}
	return ma
}

func (ma *MovingAverage) Name() string  { return ma.name }
func (ma *MovingAverage) Period() int   { return ma.period }
func (ma *MovingAverage) HasData() bool { return ma.count >= ma.period }

// Update folds one sample in and reports whether the service now has a
// publishable point.
func (ma *MovingAverage) Update(price float64) bool {
	ma.count++
	switch ma.maType {
	case Simple:
		ma.window[ma.head] = price
		ma.head = (ma.head + 1) % ma.period
		if ma.count >= ma.period {
			var sum float64
			for _, v := range ma.window {
				sum += v
			}
			ma.value = sum / float64(ma.period)
		}
	default:
		if ma.count == 1 {
			ma.value = price
		} else {
			ma.value = price*ma.k + ma.value*(1-ma.k)
		}
	}
	return ma.HasData()
}

// LastPoint returns the latest published value. Zero before warmup.
func (ma *MovingAverage) LastPoint() float64 {
	if !ma.HasData() {
		return 0
	}
	return ma.value
}

// ————————————————————————————————————————————————————————————————————————
// VWAP
// ————————————————————————————————————————————————————————————————————————

// DepthVWAP computes the volume-weighted average price of taking qty from
// one book side, walking levels in book order. Returns false when the side
// cannot absorb qty.
func DepthVWAP(levels []types.PriceLevel, qty float64) (float64, bool) {
	if qty <= 0 || len(levels) == 0 {
		return 0, false
	}
	remaining := qty
	var volume float64
	for _, l := range levels {
		take := math.Min(remaining, l.Qty)
		volume += take * l.Price
		remaining -= take
		if remaining <= 0 {
			return volume / qty, true
		}
	}
	return 0, false
}
