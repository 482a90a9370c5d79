package venue

import (
	"math/rand"
	"sync"
)

// Venue reports current mark prices for traded symbols. The engine only
// consumes prices from it; trade confirmation is never assumed synchronous.
type Venue interface {
	MarkPrice(symbol string) float64
}

// MockVenue is a random-walk price feed for local runs and the simulation.
type MockVenue struct {
	mu     sync.Mutex
	prices map[string]float64
}

func NewMockVenue(initial map[string]float64) *MockVenue {
	prices := make(map[string]float64, len(initial))
	for symbol, price := range initial {
		prices[symbol] = price
	}
	return &MockVenue{prices: prices}
}

// MarkPrice returns the symbol's current price, stepping it by up to ±0.5%.
// Unknown symbols start at 1.0.
func (v *MockVenue) MarkPrice(symbol string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()

	price, ok := v.prices[symbol]
	if !ok {
		price = 1.0
	}
	price *= 1 + (rand.Float64()*0.01 - 0.005)
	v.prices[symbol] = price
	return price
}
