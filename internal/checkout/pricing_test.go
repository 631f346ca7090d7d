package checkout

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestQuoteRoundsTaxHalfUp(t *testing.T) {
	pricing := Pricing{Currency: "usd", TaxRate: decimal.RequireFromString("0.0825")}

	// 1230 * 0.0825 = 101.475
	totals := pricing.Quote(1230)
	if totals.TaxCents != 101 {
		t.Fatalf("expected 101 tax cents, got %d", totals.TaxCents)
	}
	// 1000 * 0.0825 = 82.5
	totals = pricing.Quote(1000)
	if totals.TaxCents != 83 {
		t.Fatalf("expected half-up to 83, got %d", totals.TaxCents)
	}
	if totals.TotalCents != 1083 {
		t.Fatalf("expected total 1083, got %d", totals.TotalCents)
	}
}

func TestQuoteWaivesShippingAtThreshold(t *testing.T) {
	pricing := Pricing{Currency: "usd", TaxRate: decimal.Zero, FlatShippingCents: 599, FreeShippingThresholdCents: 5000}

	if got := pricing.Quote(4999).ShippingCents; got != 599 {
		t.Fatalf("expected flat shipping below threshold, got %d", got)
	}
	if got := pricing.Quote(5000).ShippingCents; got != 0 {
		t.Fatalf("expected free shipping at threshold, got %d", got)
	}

	noThreshold := Pricing{Currency: "usd", FlatShippingCents: 599}
	if got := noThreshold.Quote(1_000_000).ShippingCents; got != 599 {
		t.Fatalf("expected flat shipping without threshold, got %d", got)
	}
}
