package cart

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Item is one cart line, keyed by Name.
// UnitPrice and Description are stored and returned verbatim.
type Item struct {
	Name        string  `json:"name"`
	Quantity    int32   `json:"quantity"`
	UnitPrice   float64 `json:"unit_price,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Validate rejects items that must never reach the store.
func (i Item) Validate() error {
	if i.Name == "" {
		return fmt.Errorf("%w: item name is required", ErrInvalidArgument)
	}
	if i.Quantity < 0 {
		return fmt.Errorf("%w: quantity of %q is negative", ErrInvalidArgument, i.Name)
	}
	if math.IsNaN(i.UnitPrice) || math.IsInf(i.UnitPrice, 0) {
		return fmt.Errorf("%w: unit price of %q is not a number", ErrInvalidArgument, i.Name)
	}
	return nil
}

const (
	fieldName        protowire.Number = 1
	fieldQuantity    protowire.Number = 2
	fieldUnitPrice   protowire.Number = 3
	fieldDescription protowire.Number = 4
)

// marshalItem encodes an item as a protobuf message.
func marshalItem(i Item) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, i.Name)
	if i.Quantity != 0 {
		b = protowire.AppendTag(b, fieldQuantity, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(i.Quantity))
	}
	if i.UnitPrice != 0 {
		b = protowire.AppendTag(b, fieldUnitPrice, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(i.UnitPrice))
	}
	if i.Description != "" {
		b = protowire.AppendTag(b, fieldDescription, protowire.BytesType)
		b = protowire.AppendString(b, i.Description)
	}
	return b
}

func unmarshalItem(b []byte) (Item, error) {
	var i Item
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Item{}, fmt.Errorf("%w: %w", ErrCorruptItem, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldName && typ == protowire.BytesType:
			i.Name, n = protowire.ConsumeString(b)
		case num == fieldQuantity && typ == protowire.VarintType:
			var v uint64
			v, n = protowire.ConsumeVarint(b)
			i.Quantity = int32(v)
		case num == fieldUnitPrice && typ == protowire.Fixed64Type:
			var v uint64
			v, n = protowire.ConsumeFixed64(b)
			i.UnitPrice = math.Float64frombits(v)
		case num == fieldDescription && typ == protowire.BytesType:
			i.Description, n = protowire.ConsumeString(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return Item{}, fmt.Errorf("%w: %w", ErrCorruptItem, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return i, nil
}
