package models

import (
	"testing"
	"time"
)

func TestDatasetWindowTrimsDependents(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ds := Dataset{
		Orders: []Order{
			{OrderID: "o1", OrderTime: base},
			{OrderID: "o2", OrderTime: base.Add(time.Hour)},
			{OrderID: "o3", OrderTime: base.Add(2 * time.Hour)},
		},
		Deliveries: []Delivery{
			{OrderID: "o1"}, {OrderID: "o2"}, {OrderID: "o3"},
		},
		Items: []Item{
			{ItemID: "i1", OrderID: "o1"}, {ItemID: "i3", OrderID: "o3"},
		},
		SupportEvents: []SupportEvent{{TicketID: "t3", OrderID: "o3"}},
		Ratings:       []Rating{{RatingID: "r1", OrderID: "o1"}},
	}

	// Half-open: o3 at the end bound is excluded.
	win := ds.Window(base, base.Add(2*time.Hour))
	if len(win.Orders) != 2 {
		t.Fatalf("expected 2 orders in window, got %d", len(win.Orders))
	}
	if len(win.Deliveries) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(win.Deliveries))
	}
	if len(win.Items) != 1 || win.Items[0].OrderID != "o1" {
		t.Fatalf("items not trimmed to window: %v", win.Items)
	}
	if len(win.SupportEvents) != 0 {
		t.Fatalf("support events not trimmed: %v", win.SupportEvents)
	}
	if len(win.Ratings) != 1 {
		t.Fatalf("ratings not trimmed: %v", win.Ratings)
	}

	// The original dataset is untouched.
	if len(ds.Orders) != 3 || len(ds.Items) != 2 {
		t.Fatalf("window mutated source dataset")
	}
}

func TestCohortMatches(t *testing.T) {
	o := Order{StoreID: "s1", Region: "west", Category: "grocery"}

	if !(Cohort{"store_id": "s1", "region": "west"}).Matches(o) {
		t.Fatalf("expected cohort to match order")
	}
	if (Cohort{"store_id": "s2"}).Matches(o) {
		t.Fatalf("mismatched value should not match")
	}
	if (Cohort{"warehouse": "w1"}).Matches(o) {
		t.Fatalf("unknown dimension should never match")
	}
	if !(Cohort{}).Matches(o) {
		t.Fatalf("empty cohort must match everything")
	}
}

func TestCohortLabel(t *testing.T) {
	if got := (Cohort{}).Label(); got != "All" {
		t.Fatalf("empty cohort label should be All, got %q", got)
	}
	c := Cohort{"region": "west", "category": "grocery"}
	if got := c.Label(); got != "category=grocery | region=west" {
		t.Fatalf("unexpected label %q", got)
	}
}
