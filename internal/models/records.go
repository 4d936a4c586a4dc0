package models

import "time"

// Order is one placed order; OrderTime is the partition key for windowing.
type Order struct {
	OrderID     string
	UserID      string
	StoreID     string
	Category    string
	BasketValue float64
	PromisedETA time.Time
	OrderTime   time.Time
	Region      string
	TimeOfDay   string
	BasketSize  string
}

// Delivery is the fulfilment record for an order. ActualETA is nil for
// canceled orders that never completed.
type Delivery struct {
	OrderID         string
	ActualETA       *time.Time
	DasherWaitSec   int
	MerchantPrepSec int
	DistanceMiles   float64
	Batched         bool
	Canceled        bool
	DeliveryTime    *time.Time
	DasherID        string
}

// Item is a single line item on an order.
type Item struct {
	ItemID       string
	OrderID      string
	SKUID        string
	OrderedQty   int
	Substituted  bool
	Missing      bool
	RefundAmount float64
}

// SupportEvent is a customer support ticket raised against an order.
type SupportEvent struct {
	TicketID      string
	OrderID       string
	IssueType     string
	TicketCreated time.Time
}

// Rating is a post-delivery star rating for an order.
type Rating struct {
	RatingID   string
	OrderID    string
	Stars      int
	FreeText   string
	RatingTime time.Time
}

// Valid categorical values for loader validation.
var (
	ValidCategories = []string{"grocery", "convenience", "retail"}
	ValidTimesOfDay = []string{"breakfast", "lunch", "dinner", "late-night"}
	ValidBasketSize = []string{"small", "medium", "large"}
	ValidIssueTypes = []string{"late", "missing_item", "wrong_item", "other"}
)

// Dataset bundles the five input tables. All filtering methods are pure and
// return views built from fresh slices; the underlying records are never
// mutated.
type Dataset struct {
	Orders        []Order
	Deliveries    []Delivery
	Items         []Item
	SupportEvents []SupportEvent
	Ratings       []Rating
}

// Window restricts the dataset to orders with OrderTime in [start, end) and
// trims the dependent tables to the surviving order ids.
func (d Dataset) Window(start, end time.Time) Dataset {
	orders := make([]Order, 0, len(d.Orders))
	for _, o := range d.Orders {
		if !o.OrderTime.Before(start) && o.OrderTime.Before(end) {
			orders = append(orders, o)
		}
	}
	ids := make(map[string]struct{}, len(orders))
	for _, o := range orders {
		ids[o.OrderID] = struct{}{}
	}
	out := d.ForOrderIDs(ids)
	out.Orders = orders
	return out
}

// ForOrderIDs trims every table to records whose order id is in the set.
func (d Dataset) ForOrderIDs(ids map[string]struct{}) Dataset {
	out := Dataset{}
	for _, o := range d.Orders {
		if _, ok := ids[o.OrderID]; ok {
			out.Orders = append(out.Orders, o)
		}
	}
	for _, del := range d.Deliveries {
		if _, ok := ids[del.OrderID]; ok {
			out.Deliveries = append(out.Deliveries, del)
		}
	}
	for _, it := range d.Items {
		if _, ok := ids[it.OrderID]; ok {
			out.Items = append(out.Items, it)
		}
	}
	for _, ev := range d.SupportEvents {
		if _, ok := ids[ev.OrderID]; ok {
			out.SupportEvents = append(out.SupportEvents, ev)
		}
	}
	for _, r := range d.Ratings {
		if _, ok := ids[r.OrderID]; ok {
			out.Ratings = append(out.Ratings, r)
		}
	}
	return out
}

// OrderIDSet returns the set of order ids present in Orders.
func (d Dataset) OrderIDSet() map[string]struct{} {
	ids := make(map[string]struct{}, len(d.Orders))
	for _, o := range d.Orders {
		ids[o.OrderID] = struct{}{}
	}
	return ids
}
