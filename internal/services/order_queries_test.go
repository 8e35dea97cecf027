package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/hanko-field/settlement/internal/domain"
	"github.com/hanko-field/settlement/internal/repositories/memory"
)

func newTestQueries(t *testing.T, store *memory.Store, tracker ShippingProvider) *OrderQueries {
	t.Helper()
	queries, err := NewOrderQueries(OrderQueriesDeps{
		Orders:  store,
		Stock:   store,
		Pricer:  newTestPricer(),
		Tracker: tracker,
	})
	if err != nil {
		t.Fatalf("NewOrderQueries: %v", err)
	}
	return queries
}

func TestOrderQueriesGet(t *testing.T) {
	store := memory.NewStore()
	store.SeedOrder(domain.Order{ID: "o1", Status: domain.OrderStatusPending})
	queries := newTestQueries(t, store, nil)
	ctx := context.Background()

	if _, err := queries.Get(ctx, " "); !errors.Is(err, ErrLifecycleInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if _, err := queries.Get(ctx, "missing"); !errors.Is(err, ErrLifecycleNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	order, err := queries.Get(ctx, "o1")
	if err != nil || order.ID != "o1" {
		t.Fatalf("Get: %v %#v", err, order)
	}
}

func TestOrderQueriesCheckStock(t *testing.T) {
	store := seededStore(map[string]int{"p1": 3, "p2": 10})
	store.SeedOrder(domain.Order{ID: "o1", Items: []domain.OrderItem{
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p1", Quantity: 2},
		{ProductID: "p2", Quantity: 1},
	}})
	queries := newTestQueries(t, store, nil)

	check, err := queries.CheckStock(context.Background(), "o1")
	if err != nil {
		t.Fatalf("CheckStock: %v", err)
	}
	if check.CanFulfill || len(check.InsufficientStock) != 1 {
		t.Fatalf("unexpected check %#v", check)
	}
	if short := check.InsufficientStock[0]; short.ProductID != "p1" || short.Requested != 4 || short.Available != 3 {
		t.Fatalf("unexpected shortfall %#v", short)
	}
}

func TestOrderQueriesHistoryFilter(t *testing.T) {
	store := memory.NewStore()
	store.SeedOrder(domain.Order{ID: "o1", ActionHistory: []domain.ActionEntry{
		{ID: "a1", Action: domain.ActionOrderCreated},
		{ID: "a2", Action: domain.ActionOrderConfirmed},
		{ID: "a3", Action: domain.ActionOrderShipped},
	}})
	queries := newTestQueries(t, store, nil)
	ctx := context.Background()

	all, err := queries.History(ctx, "o1", "")
	if err != nil || len(all) != 3 {
		t.Fatalf("History: %v %d", err, len(all))
	}
	confirmed, err := queries.History(ctx, "o1", domain.ActionOrderConfirmed)
	if err != nil || len(confirmed) != 1 || confirmed[0].ID != "a2" {
		t.Fatalf("filtered History: %v %#v", err, confirmed)
	}
}

func TestOrderQueriesCommission(t *testing.T) {
	store := memory.NewStore()
	store.SeedOrder(domain.Order{ID: "o1", Items: []domain.OrderItem{
		{ProductID: "p1", Price: dec("100"), Quantity: 2, VendorID: "v1"},
		{ProductID: "p2", Price: dec("50"), Quantity: 1},
	}})
	queries := newTestQueries(t, store, nil)

	report, err := queries.Commission(context.Background(), "o1")
	if err != nil {
		t.Fatalf("Commission: %v", err)
	}
	rate := queries.pricer.CommissionRate()
	if !report.Rate.Equal(rate) {
		t.Fatalf("expected rate %s, got %s", rate, report.Rate)
	}
	sum := dec("0")
	for _, amount := range report.ByVendor {
		sum = sum.Add(amount)
	}
	if !sum.Equal(report.Total) {
		t.Fatalf("vendor split %s must sum to total %s", sum, report.Total)
	}
	if _, ok := report.ByVendor[UnassignedVendor]; !ok {
		t.Fatalf("expected unassigned bucket, got %#v", report.ByVendor)
	}
}

func TestOrderQueriesTrack(t *testing.T) {
	store := memory.NewStore()
	store.SeedOrder(domain.Order{ID: "unshipped"})
	store.SeedOrder(domain.Order{ID: "shipped", Shipment: domain.ShipmentInfo{ShipmentID: "s1", AWBCode: "AWB9"}})
	tracker := &stubShipping{track: domain.TrackingInfo{Status: "IN TRANSIT"}}
	ctx := context.Background()

	if res, err := newTestQueries(t, store, nil).Track(ctx, "shipped"); err != nil || res.Success || len(res.Errors) != 1 {
		t.Fatalf("expected unconfigured tracker error, got %v %#v", err, res)
	}

	queries := newTestQueries(t, store, tracker)
	if res, err := queries.Track(ctx, "unshipped"); err != nil || res.Success {
		t.Fatalf("expected no-shipment result, got %v %#v", err, res)
	}
	res, err := queries.Track(ctx, "shipped")
	if err != nil || !res.Success || res.Tracking.Status != "IN TRANSIT" || res.Tracking.AWBCode != "AWB9" {
		t.Fatalf("unexpected tracking %v %#v", err, res)
	}

	tracker.err = errors.New("provider down")
	res, err = queries.Track(ctx, "shipped")
	if err != nil || res.Success || len(res.Errors) != 1 {
		t.Fatalf("provider failure must be reported in the result, got %v %#v", err, res)
	}
}
