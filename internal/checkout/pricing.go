package checkout

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-backend/pkg/config"
)

// Pricing holds the store-wide rules applied to every checkout.
type Pricing struct {
	Currency                   string
	TaxRate                    decimal.Decimal
	FlatShippingCents          int64
	FreeShippingThresholdCents int64
}

// PricingFromConfig reads the checkout section of the service config.
func PricingFromConfig(cfg config.CheckoutConfig) Pricing {
	return Pricing{
		Currency:                   strings.ToLower(strings.TrimSpace(cfg.Currency)),
		TaxRate:                    cfg.TaxRateDecimal(),
		FlatShippingCents:          cfg.FlatShippingCents,
		FreeShippingThresholdCents: cfg.FreeShippingThreshold,
	}
}

// Totals are the amounts charged for one order, in minor units.
type Totals struct {
	SubtotalCents int64
	TaxCents      int64
	ShippingCents int64
	TotalCents    int64
}

// Quote prices a subtotal. Tax is rounded half-up to the cent; shipping is
// waived once the subtotal reaches the free-shipping threshold.
func (p Pricing) Quote(subtotalCents int64) Totals {
	tax := decimal.NewFromInt(subtotalCents).Mul(p.TaxRate).Round(0).IntPart()
	shipping := p.FlatShippingCents
	if p.FreeShippingThresholdCents > 0 && subtotalCents >= p.FreeShippingThresholdCents {
		shipping = 0
	}
	return Totals{
		SubtotalCents: subtotalCents,
		TaxCents:      tax,
		ShippingCents: shipping,
		TotalCents:    subtotalCents + tax + shipping,
	}
}
