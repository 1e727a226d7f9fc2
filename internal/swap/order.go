package swap

import (
	"fmt"
	"strings"
)

// Order sides.
const (
	SideAsk = "ask"
	SideBid = "bid"
)

// Order is one half of a matched order pair as produced by the matching
// engine.
type Order struct {
	UID           string `json:"uid"`
	ID            string `json:"id"`
	Side          string `json:"side"`
	Hash          string `json:"hash,omitempty"`
	BaseAsset     string `json:"baseAsset"`
	BaseNetwork   string `json:"baseNetwork"`
	BaseQuantity  uint64 `json:"baseQuantity"`
	QuoteAsset    string `json:"quoteAsset"`
	QuoteNetwork  string `json:"quoteNetwork"`
	QuoteQuantity uint64 `json:"quoteQuantity"`
}

// Validate checks the order on its own.
func (o Order) Validate() error {
	switch {
	case o.UID == "":
		return fmt.Errorf("%w: order uid is required", ErrValidation)
	case o.ID == "":
		return fmt.Errorf("%w: order id is required", ErrValidation)
	case o.Side != SideAsk && o.Side != SideBid:
		return fmt.Errorf("%w: order %s has invalid side %q", ErrValidation, o.ID, o.Side)
	case o.BaseAsset == "" || o.QuoteAsset == "":
		return fmt.Errorf("%w: order %s is missing an asset", ErrValidation, o.ID)
	case strings.EqualFold(o.BaseAsset, o.QuoteAsset) && o.BaseNetwork == o.QuoteNetwork:
		return fmt.Errorf("%w: order %s trades %s against itself", ErrValidation, o.ID, o.BaseAsset)
	case o.BaseQuantity == 0 || o.QuoteQuantity == 0:
		return fmt.Errorf("%w: order %s has zero quantity", ErrValidation, o.ID)
	}
	return nil
}

// stake returns what the order's owner gives up: the base asset when
// selling, the quote asset when buying.
func (o Order) stake() (asset, network string, quantity uint64) {
	if o.Side == SideAsk {
		return o.BaseAsset, o.BaseNetwork, o.BaseQuantity
	}
	return o.QuoteAsset, o.QuoteNetwork, o.QuoteQuantity
}

func (o Order) party() *Party {
	asset, network, qty := o.stake()
	return &Party{
		ID:       o.UID,
		OrderID:  o.ID,
		Asset:    asset,
		Network:  network,
		Quantity: qty,
	}
}

// validateMatch checks that maker and taker describe the same full-size
// trade from opposite sides.
func validateMatch(maker, taker Order) error {
	if err := maker.Validate(); err != nil {
		return fmt.Errorf("maker: %w", err)
	}
	if err := taker.Validate(); err != nil {
		return fmt.Errorf("taker: %w", err)
	}
	switch {
	case maker.UID == taker.UID:
		return fmt.Errorf("%w: maker and taker are both %s", ErrValidation, maker.UID)
	case maker.ID == taker.ID:
		return fmt.Errorf("%w: maker and taker share order id %s", ErrValidation, maker.ID)
	case maker.Side == taker.Side:
		return fmt.Errorf("%w: maker and taker are both on side %s", ErrValidation, maker.Side)
	case maker.BaseAsset != taker.BaseAsset || maker.QuoteAsset != taker.QuoteAsset:
		return fmt.Errorf("%w: orders trade different pairs", ErrValidation)
	case maker.BaseNetwork != taker.BaseNetwork || maker.QuoteNetwork != taker.QuoteNetwork:
		return fmt.Errorf("%w: orders settle on different networks", ErrValidation)
	case maker.BaseQuantity != taker.BaseQuantity || maker.QuoteQuantity != taker.QuoteQuantity:
		return fmt.Errorf("%w: order quantities differ (partial fills are not supported)", ErrValidation)
	}
	return nil
}
