package config

import (
	"encoding/json"
	"math/big"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// WeiAmount is an amount of wei which is serialized as a decimal string. On input it also accepts hex ("0x..."),
// scientific notation ("1e9") and bare JSON numbers.
type WeiAmount struct {
	amount big.Int
}

// NewWeiAmount wraps a *big.Int into a WeiAmount.
func NewWeiAmount(v *big.Int) *WeiAmount {
	w := &WeiAmount{}
	w.amount.Set(v)
	return w
}

// MarshalJSON implements json.Marshaler.
func (w *WeiAmount) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.amount.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (w *WeiAmount) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if strings.HasPrefix(s, "\"") {
		if err := json.Unmarshal(data, &s); err != nil {
			return errors.WithStack(err)
		}
	}
	if s == "" {
		w.amount.SetInt64(0)
		return nil
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "0x") {
		if _, ok := w.amount.SetString(lower[2:], 16); !ok {
			return errors.Errorf("invalid hex wei amount %q", s)
		}
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return errors.Errorf("invalid wei amount %q", s)
	}
	if d.IsNegative() {
		return errors.Errorf("wei amount %q cannot be negative", s)
	}
	if !d.Equal(d.Truncate(0)) {
		return errors.Errorf("wei amount %q is not an integer", s)
	}
	w.amount.Set(d.BigInt())
	return nil
}

// Int returns the amount as a *big.Int, or nil for a nil amount.
func (w *WeiAmount) Int() *big.Int {
	if w == nil {
		return nil
	}
	return new(big.Int).Set(&w.amount)
}
