package domain

import "github.com/shopspring/decimal"

// FreePlanSlug identifies the free plan of a deployment.
const FreePlanSlug = "free"

// PricingInterval is a billing interval.
type PricingInterval string

const (
	IntervalDay   PricingInterval = "day"
	IntervalWeek  PricingInterval = "week"
	IntervalMonth PricingInterval = "month"
	IntervalYear  PricingInterval = "year"
)

// DefaultPricingIntervals applies when a config declares no intervals.
var DefaultPricingIntervals = []PricingInterval{IntervalMonth}

// Valid reports whether i is a known interval.
func (i PricingInterval) Valid() bool {
	switch i {
	case IntervalDay, IntervalWeek, IntervalMonth, IntervalYear:
		return true
	}
	return false
}

// UsageType distinguishes flat-fee line items from usage-based ones.
type UsageType string

const (
	UsageLicensed UsageType = "licensed"
	UsageMetered  UsageType = "metered"
)

// BillingScheme applies to metered line items.
type BillingScheme string

const (
	BillingPerUnit BillingScheme = "per_unit"
	BillingTiered  BillingScheme = "tiered"
)

// PricingPlan bundles line items under one subscription.
type PricingPlan struct {
	Name            string          `json:"name"`
	Slug            string          `json:"slug"`
	Interval        PricingInterval `json:"interval,omitempty"`
	TrialPeriodDays int             `json:"trialPeriodDays,omitempty"`
	LineItems       []LineItem      `json:"lineItems"`
}

// IsFree reports whether p is the deployment's free plan.
func (p *PricingPlan) IsFree() bool {
	return p != nil && p.Slug == FreePlanSlug
}

// MeteredItems returns the metered line items of the plan.
func (p *PricingPlan) MeteredItems() []LineItem {
	var items []LineItem
	for _, li := range p.LineItems {
		if li.UsageType == UsageMetered {
			items = append(items, li)
		}
	}
	return items
}

// LineItem is a monetization unit inside a plan.
type LineItem struct {
	Slug          string           `json:"slug"`
	UsageType     UsageType        `json:"usageType"`
	BillingScheme BillingScheme    `json:"billingScheme,omitempty"`
	UnitAmount    *decimal.Decimal `json:"unitAmount,omitempty"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
}
