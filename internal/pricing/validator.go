// Package pricing checks the pricing plans of a deployment config for consistency.
package pricing

import (
	"fmt"
	"sort"
	"strings"

	"github.com/i2y/toolgate/internal/domain"
)

// Intervals returns the declared billing intervals, or the default set.
func Intervals(cfg *domain.DeploymentConfig) []domain.PricingInterval {
	if cfg.PricingIntervals == nil {
		return domain.DefaultPricingIntervals
	}
	return cfg.PricingIntervals
}

// Validate reports every pricing inconsistency of cfg in one *domain.PricingConfigError.
func Validate(cfg *domain.DeploymentConfig) error {
	v := &validator{}

	if cfg.PricingIntervals != nil && len(cfg.PricingIntervals) == 0 {
		v.add("pricingIntervals must not be empty when present")
	}
	declared := make(map[domain.PricingInterval]bool)
	for _, iv := range Intervals(cfg) {
		if !iv.Valid() {
			v.add("unknown pricing interval %q", iv)
			continue
		}
		declared[iv] = true
	}

	usageTypes := make(map[string]map[domain.UsageType][]string)
	planKeys := make(map[string]int)

	for i := range cfg.PricingPlans {
		plan := &cfg.PricingPlans[i]
		name := planLabel(plan, i)

		if plan.Slug == "" {
			v.add("plan %s has no slug", name)
		}
		if plan.TrialPeriodDays < 0 {
			v.add("plan %s has a negative trialPeriodDays", name)
		}
		if len(plan.LineItems) == 0 {
			v.add("plan %s has no line items", name)
		}

		for _, iv := range planIntervals(plan, cfg) {
			key := plan.Slug + "/" + string(iv)
			if prev, dup := planKeys[key]; dup {
				v.add("duplicate plan slug %q for interval %q (plans %s and %s)",
					plan.Slug, iv, planLabel(&cfg.PricingPlans[prev], prev), name)
				continue
			}
			planKeys[key] = i
		}
		if plan.Interval != "" && !declared[plan.Interval] {
			v.add("plan %s uses interval %q which is not declared in pricingIntervals", name, plan.Interval)
		}

		itemSlugs := make(map[string]bool, len(plan.LineItems))
		for _, li := range plan.LineItems {
			if li.Slug == "" {
				v.add("plan %s has a line item without a slug", name)
				continue
			}
			if itemSlugs[li.Slug] {
				v.add("plan %s declares line item %q more than once", name, li.Slug)
			}
			itemSlugs[li.Slug] = true

			if usageTypes[li.Slug] == nil {
				usageTypes[li.Slug] = make(map[domain.UsageType][]string)
			}
			usageTypes[li.Slug][li.UsageType] = append(usageTypes[li.Slug][li.UsageType], name)

			v.checkLineItem(name, li)
		}
	}

	slugs := make([]string, 0, len(usageTypes))
	for slug := range usageTypes {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	for _, slug := range slugs {
		types := usageTypes[slug]
		if len(types) < 2 {
			continue
		}
		parts := make([]string, 0, len(types))
		for ut, plans := range types {
			parts = append(parts, fmt.Sprintf("%s in %s", ut, strings.Join(plans, ", ")))
		}
		sort.Strings(parts)
		v.add("line item %q has inconsistent usageType: %s", slug, strings.Join(parts, "; "))
	}

	return v.err()
}

func (v *validator) checkLineItem(plan string, li domain.LineItem) {
	switch li.UsageType {
	case domain.UsageLicensed:
		if li.Amount != nil && li.Amount.IsNegative() {
			v.add("line item %q in plan %s has a negative amount", li.Slug, plan)
		}
	case domain.UsageMetered:
		switch li.BillingScheme {
		case domain.BillingPerUnit:
			if li.UnitAmount == nil {
				v.add("metered line item %q in plan %s needs a unitAmount", li.Slug, plan)
			} else if li.UnitAmount.IsNegative() {
				v.add("line item %q in plan %s has a negative unitAmount", li.Slug, plan)
			}
		case domain.BillingTiered:
		case "":
			v.add("metered line item %q in plan %s needs a billingScheme", li.Slug, plan)
		default:
			v.add("line item %q in plan %s has unknown billingScheme %q", li.Slug, plan, li.BillingScheme)
		}
	default:
		v.add("line item %q in plan %s has unknown usageType %q", li.Slug, plan, li.UsageType)
	}
}

// planIntervals expands a plan without an interval to every declared interval.
func planIntervals(plan *domain.PricingPlan, cfg *domain.DeploymentConfig) []domain.PricingInterval {
	if plan.Interval != "" {
		return []domain.PricingInterval{plan.Interval}
	}
	return Intervals(cfg)
}

func planLabel(plan *domain.PricingPlan, idx int) string {
	if plan.Slug == "" {
		return fmt.Sprintf("#%d", idx)
	}
	if plan.Interval == "" {
		return fmt.Sprintf("%q", plan.Slug)
	}
	return fmt.Sprintf("%q (%s)", plan.Slug, plan.Interval)
}

type validator struct {
	issues []string
}

func (v *validator) add(format string, args ...interface{}) {
	v.issues = append(v.issues, fmt.Sprintf(format, args...))
}

func (v *validator) err() error {
	if len(v.issues) == 0 {
		return nil
	}
	return &domain.PricingConfigError{Issues: v.issues}
}
