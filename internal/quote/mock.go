package quote

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

var mockPrice = decimal.RequireFromString("12.55")

// MockSource returns a fixed price for every symbol, standing in for
// the legacy quote server during tests and local runs.
type MockSource struct {
	Price decimal.Decimal
}

// NewMockSource uses the default fixed price.
func NewMockSource() *MockSource {
	return &MockSource{Price: mockPrice}
}

// Fetch returns the fixed price with a placeholder proof.
func (s *MockSource) Fetch(_ context.Context, symbol, userID string) (Data, error) {
	price := s.Price
	if price.IsZero() {
		price = mockPrice
	}
	return Data{
		UserID:    userID,
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now(),
		Proof:     "mock-cryptokey",
	}, nil
}
