// Package dataset loads the five input tables from CSV files. Loading is the
// only place schema violations can surface; once a Dataset is built the
// engine never fails on shape.
package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cxpulse/cx-sentinel/internal/models"
)

// SchemaError reports a required column missing from an input table. It
// aborts the load immediately; data is never silently substituted.
type SchemaError struct {
	Table  string
	Column string
}

func (e SchemaError) Error() string {
	return fmt.Sprintf("table %s: required column %q missing", e.Table, e.Column)
}

// Default file names inside the data directory.
const (
	OrdersFile        = "orders.csv"
	DeliveriesFile    = "deliveries.csv"
	ItemsFile         = "items.csv"
	SupportEventsFile = "support_events.csv"
	RatingsFile       = "ratings.csv"
)

// LoadDir reads all five tables from dir. Missing optional tables (support
// events, ratings) load as empty; orders, deliveries and items are required.
func LoadDir(dir string) (models.Dataset, error) {
	var ds models.Dataset
	var err error

	if ds.Orders, err = loadTable(filepath.Join(dir, OrdersFile), "orders", ParseOrders, true); err != nil {
		return models.Dataset{}, err
	}
	if ds.Deliveries, err = loadTable(filepath.Join(dir, DeliveriesFile), "deliveries", ParseDeliveries, true); err != nil {
		return models.Dataset{}, err
	}
	if ds.Items, err = loadTable(filepath.Join(dir, ItemsFile), "items", ParseItems, true); err != nil {
		return models.Dataset{}, err
	}
	if ds.SupportEvents, err = loadTable(filepath.Join(dir, SupportEventsFile), "support_events", ParseSupportEvents, false); err != nil {
		return models.Dataset{}, err
	}
	if ds.Ratings, err = loadTable(filepath.Join(dir, RatingsFile), "ratings", ParseRatings, false); err != nil {
		return models.Dataset{}, err
	}
	return ds, nil
}

func loadTable[T any](path, table string, parse func(io.Reader) ([]T, error), required bool) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", table, err)
	}
	defer f.Close()
	records, err := parse(f)
	if err != nil {
		return nil, err
	}
	return records, nil
}

// header maps column names to indices and enforces required columns.
type header struct {
	table string
	index map[string]int
}

func newHeader(table string, columns []string) header {
	idx := make(map[string]int, len(columns))
	for i, c := range columns {
		idx[c] = i
	}
	return header{table: table, index: idx}
}

func (h header) require(columns ...string) error {
	for _, c := range columns {
		if _, ok := h.index[c]; !ok {
			return SchemaError{Table: h.table, Column: c}
		}
	}
	return nil
}

func (h header) get(row []string, column string) string {
	i, ok := h.index[column]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

// ParseOrders parses the table from CSV.
func ParseOrders(r io.Reader) ([]models.Order, error) {
	rows, h, err := readCSV(r, "orders")
	if err != nil {
		return nil, err
	}
	if err := h.require("order_id", "user_id", "store_id", "category", "basket_value", "promised_eta", "order_time", "region", "time_of_day", "basket_size"); err != nil {
		return nil, err
	}

	orders := make([]models.Order, 0, len(rows))
	for i, row := range rows {
		promised, err := parseTime(h.get(row, "promised_eta"))
		if err != nil {
			return nil, rowError("orders", i, "promised_eta", err)
		}
		placed, err := parseTime(h.get(row, "order_time"))
		if err != nil {
			return nil, rowError("orders", i, "order_time", err)
		}
		value, err := parseFloat(h.get(row, "basket_value"))
		if err != nil {
			return nil, rowError("orders", i, "basket_value", err)
		}
		orders = append(orders, models.Order{
			OrderID:     h.get(row, "order_id"),
			UserID:      h.get(row, "user_id"),
			StoreID:     h.get(row, "store_id"),
			Category:    h.get(row, "category"),
			BasketValue: value,
			PromisedETA: promised,
			OrderTime:   placed,
			Region:      h.get(row, "region"),
			TimeOfDay:   h.get(row, "time_of_day"),
			BasketSize:  h.get(row, "basket_size"),
		})
	}
	return orders, nil
}

// ParseDeliveries parses the table from CSV.
func ParseDeliveries(r io.Reader) ([]models.Delivery, error) {
	rows, h, err := readCSV(r, "deliveries")
	if err != nil {
		return nil, err
	}
	if err := h.require("order_id", "dasher_wait", "merchant_prep_time", "distance", "batched_flag", "canceled_flag"); err != nil {
		return nil, err
	}

	deliveries := make([]models.Delivery, 0, len(rows))
	for i, row := range rows {
		actual, err := parseOptionalTime(h.get(row, "actual_eta"))
		if err != nil {
			return nil, rowError("deliveries", i, "actual_eta", err)
		}
		completed, err := parseOptionalTime(h.get(row, "delivery_time"))
		if err != nil {
			return nil, rowError("deliveries", i, "delivery_time", err)
		}
		wait, err := parseInt(h.get(row, "dasher_wait"))
		if err != nil {
			return nil, rowError("deliveries", i, "dasher_wait", err)
		}
		prep, err := parseInt(h.get(row, "merchant_prep_time"))
		if err != nil {
			return nil, rowError("deliveries", i, "merchant_prep_time", err)
		}
		distance, err := parseFloat(h.get(row, "distance"))
		if err != nil {
			return nil, rowError("deliveries", i, "distance", err)
		}
		deliveries = append(deliveries, models.Delivery{
			OrderID:         h.get(row, "order_id"),
			ActualETA:       actual,
			DasherWaitSec:   wait,
			MerchantPrepSec: prep,
			DistanceMiles:   distance,
			Batched:         parseBool(h.get(row, "batched_flag")),
			Canceled:        parseBool(h.get(row, "canceled_flag")),
			DeliveryTime:    completed,
			DasherID:        h.get(row, "dasher_id"),
		})
	}
	return deliveries, nil
}

// ParseItems parses the table from CSV.
func ParseItems(r io.Reader) ([]models.Item, error) {
	rows, h, err := readCSV(r, "items")
	if err != nil {
		return nil, err
	}
	if err := h.require("item_id", "order_id", "sku_id", "ordered_qty", "substituted_flag", "missing_flag", "refund_amount"); err != nil {
		return nil, err
	}

	items := make([]models.Item, 0, len(rows))
	for i, row := range rows {
		qty, err := parseInt(h.get(row, "ordered_qty"))
		if err != nil {
			return nil, rowError("items", i, "ordered_qty", err)
		}
		refund, err := parseFloat(h.get(row, "refund_amount"))
		if err != nil {
			return nil, rowError("items", i, "refund_amount", err)
		}
		items = append(items, models.Item{
			ItemID:       h.get(row, "item_id"),
			OrderID:      h.get(row, "order_id"),
			SKUID:        h.get(row, "sku_id"),
			OrderedQty:   qty,
			Substituted:  parseBool(h.get(row, "substituted_flag")),
			Missing:      parseBool(h.get(row, "missing_flag")),
			RefundAmount: refund,
		})
	}
	return items, nil
}

// ParseSupportEvents parses the table from CSV.
func ParseSupportEvents(r io.Reader) ([]models.SupportEvent, error) {
	rows, h, err := readCSV(r, "support_events")
	if err != nil {
		return nil, err
	}
	if err := h.require("ticket_id", "order_id", "issue_type", "ticket_created"); err != nil {
		return nil, err
	}

	events := make([]models.SupportEvent, 0, len(rows))
	for i, row := range rows {
		created, err := parseTime(h.get(row, "ticket_created"))
		if err != nil {
			return nil, rowError("support_events", i, "ticket_created", err)
		}
		events = append(events, models.SupportEvent{
			TicketID:      h.get(row, "ticket_id"),
			OrderID:       h.get(row, "order_id"),
			IssueType:     h.get(row, "issue_type"),
			TicketCreated: created,
		})
	}
	return events, nil
}

// ParseRatings parses the table from CSV.
func ParseRatings(r io.Reader) ([]models.Rating, error) {
	rows, h, err := readCSV(r, "ratings")
	if err != nil {
		return nil, err
	}
	if err := h.require("rating_id", "order_id", "stars", "rating_time"); err != nil {
		return nil, err
	}

	ratings := make([]models.Rating, 0, len(rows))
	for i, row := range rows {
		stars, err := parseInt(h.get(row, "stars"))
		if err != nil {
			return nil, rowError("ratings", i, "stars", err)
		}
		rated, err := parseTime(h.get(row, "rating_time"))
		if err != nil {
			return nil, rowError("ratings", i, "rating_time", err)
		}
		ratings = append(ratings, models.Rating{
			RatingID:   h.get(row, "rating_id"),
			OrderID:    h.get(row, "order_id"),
			Stars:      stars,
			FreeText:   h.get(row, "free_text"),
			RatingTime: rated,
		})
	}
	return ratings, nil
}

func readCSV(r io.Reader, table string) ([][]string, header, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	all, err := reader.ReadAll()
	if err != nil {
		return nil, header{}, fmt.Errorf("read %s csv: %w", table, err)
	}
	if len(all) == 0 {
		return nil, header{}, fmt.Errorf("table %s: empty file, header row required", table)
	}
	return all[1:], newHeader(table, all[0]), nil
}

func rowError(table string, row int, column string, err error) error {
	return fmt.Errorf("table %s row %d: column %s: %w", table, row+1, column, err)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

func parseOptionalTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseFloat(v string) (float64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseFloat(v, 64)
}

func parseInt(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func parseBool(v string) bool {
	switch v {
	case "true", "True", "TRUE", "1", "t":
		return true
	default:
		return false
	}
}
