package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Snapshot is the full order book of one symbol at one instant.
// Extra holds every other field the provider returned, kept verbatim.
type Snapshot struct {
	Symbol string
	Bids   []Level
	Asks   []Level
	Extra  map[string]json.RawMessage
}

// Level is a single price level encoded as [price, amount].
type Level struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

func NewLevel(price, amount float64) Level {
	return Level{
		Price:  decimal.NewFromFloat(price),
		Amount: decimal.NewFromFloat(amount),
	}
}

func (l Level) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	buf.WriteString(l.Price.String())
	buf.WriteByte(',')
	buf.WriteString(l.Amount.String())
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var pair []json.Number
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decode level: %w", err)
	}
	if len(pair) < 2 {
		return fmt.Errorf("decode level: want [price, amount], got %d values", len(pair))
	}

	price, err := decimal.NewFromString(pair[0].String())
	if err != nil {
		return fmt.Errorf("decode level price: %w", err)
	}
	amount, err := decimal.NewFromString(pair[1].String())
	if err != nil {
		return fmt.Errorf("decode level amount: %w", err)
	}

	l.Price = price
	l.Amount = amount
	return nil
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	fields := make(map[string]any, len(s.Extra)+2)
	for k, v := range s.Extra {
		fields[k] = v
	}

	bids, asks := s.Bids, s.Asks
	if bids == nil {
		bids = []Level{}
	}
	if asks == nil {
		asks = []Level{}
	}
	fields["bids"] = bids
	fields["asks"] = asks

	return json.Marshal(fields)
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	if fields == nil {
		return fmt.Errorf("decode snapshot: %w", ErrNotFound)
	}

	var bids, asks []Level
	if raw, ok := fields["bids"]; ok {
		if err := json.Unmarshal(raw, &bids); err != nil {
			return fmt.Errorf("decode bids: %w", err)
		}
		delete(fields, "bids")
	}
	if raw, ok := fields["asks"]; ok {
		if err := json.Unmarshal(raw, &asks); err != nil {
			return fmt.Errorf("decode asks: %w", err)
		}
		delete(fields, "asks")
	}

	s.Bids = bids
	s.Asks = asks
	s.Extra = fields
	return nil
}

// BestBid returns the first bid level, if any.
func (s *Snapshot) BestBid() (Level, bool) {
	if len(s.Bids) == 0 {
		return Level{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the first ask level, if any.
func (s *Snapshot) BestAsk() (Level, bool) {
	if len(s.Asks) == 0 {
		return Level{}, false
	}
	return s.Asks[0], true
}

// NormalizeSymbol trims and upper-cases an instrument name into the form
// exchanges list it under. Providers apply it at their own boundary.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
