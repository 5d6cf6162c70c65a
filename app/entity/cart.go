package entity

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	ErrEmptyCart       = errors.New("cart is empty")
	ErrInvalidQuantity = errors.New("quantity must be > 0")
	ErrInvalidPrice    = errors.New("unit price must be > 0")
	ErrAmountOverflow  = errors.New("cart total overflows")
)

const descriptionEllipsis = "…"

// CartItem is one line of the cart as it was priced when checkout started.
type CartItem struct {
	ItemID    int64
	Name      string
	Quantity  int64
	UnitPrice int64
}

// CartSnapshot is consumed once to derive a session's amount and description.
// It is never persisted.
type CartSnapshot struct {
	Items []CartItem
}

func (c CartSnapshot) Validate() error {
	if len(c.Items) == 0 {
		return ErrEmptyCart
	}
	for _, item := range c.Items {
		if item.Quantity <= 0 {
			return ErrInvalidQuantity
		}
		if item.UnitPrice <= 0 {
			return ErrInvalidPrice
		}
	}
	return nil
}

// Amount returns the exact sum of UnitPrice*Quantity in whole currency units.
func (c CartSnapshot) Amount() (int64, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}

	var total int64
	for _, item := range c.Items {
		if item.UnitPrice > math.MaxInt64/item.Quantity {
			return 0, ErrAmountOverflow
		}
		line := item.UnitPrice * item.Quantity
		if total > math.MaxInt64-line {
			return 0, ErrAmountOverflow
		}
		total += line
	}
	return total, nil
}

// Description joins item names with ", " and caps the result at maxRunes.
func (c CartSnapshot) Description(maxRunes int) string {
	names := make([]string, 0, len(c.Items))
	for _, item := range c.Items {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			name = "item #" + strconv.FormatInt(item.ItemID, 10)
		}
		names = append(names, name)
	}
	return TruncateRunes(strings.Join(names, ", "), maxRunes)
}

func TruncateRunes(value string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(value) <= maxRunes {
		return value
	}
	if maxRunes == 1 {
		return descriptionEllipsis
	}
	runes := []rune(value)
	return strings.TrimSpace(string(runes[:maxRunes-1])) + descriptionEllipsis
}
