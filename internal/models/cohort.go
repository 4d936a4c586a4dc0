package models

import (
	"sort"
	"strings"
)

// Cohort names a combination of categorical attribute values, e.g.
// {region: SF, category: grocery}. Equality is order-independent: two cohorts
// match iff their canonical keys match.
type Cohort map[string]string

// CohortDimensions is the fixed set of sliceable order attributes.
var CohortDimensions = []string{"store_id", "category", "region", "time_of_day", "basket_size"}

// Key returns the canonical lookup key: dimension=value pairs sorted by
// dimension and joined with "|". Insertion order never affects the result.
func (c Cohort) Key() string {
	dims := make([]string, 0, len(c))
	for dim := range c {
		dims = append(dims, dim)
	}
	sort.Strings(dims)
	parts := make([]string, 0, len(dims))
	for _, dim := range dims {
		parts = append(parts, dim+"="+c[dim])
	}
	return strings.Join(parts, "|")
}

// Label formats the cohort for human-facing descriptions.
func (c Cohort) Label() string {
	if len(c) == 0 {
		return "All"
	}
	dims := make([]string, 0, len(c))
	for dim := range c {
		dims = append(dims, dim)
	}
	sort.Strings(dims)
	parts := make([]string, 0, len(dims))
	for _, dim := range dims {
		parts = append(parts, dim+"="+c[dim])
	}
	return strings.Join(parts, " | ")
}

// Clone returns an independent copy of the cohort.
func (c Cohort) Clone() Cohort {
	out := make(Cohort, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// DimensionValue extracts the order attribute for a cohort dimension.
// Unknown dimensions yield an empty value, which never matches.
func DimensionValue(o Order, dim string) string {
	switch dim {
	case "store_id":
		return o.StoreID
	case "category":
		return o.Category
	case "region":
		return o.Region
	case "time_of_day":
		return o.TimeOfDay
	case "basket_size":
		return o.BasketSize
	default:
		return ""
	}
}

// Matches reports whether the order carries every dimension value of the
// cohort. The empty cohort matches everything.
func (c Cohort) Matches(o Order) bool {
	for dim, want := range c {
		if DimensionValue(o, dim) != want {
			return false
		}
	}
	return true
}
