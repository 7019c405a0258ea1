package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	"stoktracker/internal/pos"
	"stoktracker/internal/queue"
	"stoktracker/internal/remote"
	"stoktracker/internal/store"
)

// fakeMonitor reports a settable reachability and delivers edges.
type fakeMonitor struct {
	mu     sync.Mutex
	online bool
	edges  chan bool
}

func newFakeMonitor(online bool) *fakeMonitor {
	return &fakeMonitor{online: online, edges: make(chan bool, 8)}
}

func (f *fakeMonitor) IsOnline() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeMonitor) Subscribe() <-chan bool {
	return f.edges
}

func (f *fakeMonitor) setOnline(online bool) {
	f.mu.Lock()
	f.online = online
	f.mu.Unlock()
	f.edges <- online
}

// fakeRemote counts calls and answers with configurable failures.
type fakeRemote struct {
	mu              sync.Mutex
	nextID          int
	productCreates  int
	saleCreates     []*pos.Sale
	updates         []*pos.Product
	deletes         []string
	failStatus      int // when non-zero, every call fails with this status
	failOnce        bool
	onCreateProduct func() // runs at the start of every CreateProduct
}

func (f *fakeRemote) fail() error {
	if f.failStatus == 0 {
		return nil
	}
	status := f.failStatus
	if f.failOnce {
		f.failStatus = 0
	}
	return &remote.APIError{Status: status, Message: "injected failure"}
}

func (f *fakeRemote) assign() string {
	f.nextID++
	return fmt.Sprintf("srv-%d", f.nextID)
}

func (f *fakeRemote) CreateProduct(ctx context.Context, p *pos.Product) (*pos.Product, error) {
	if f.onCreateProduct != nil {
		f.onCreateProduct()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return nil, err
	}
	f.productCreates++
	out := *p
	out.ID = f.assign()
	return &out, nil
}

func (f *fakeRemote) UpdateProduct(ctx context.Context, p *pos.Product) (*pos.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return nil, err
	}
	cp := *p
	f.updates = append(f.updates, &cp)
	return &cp, nil
}

func (f *fakeRemote) DeleteProduct(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.deletes = append(f.deletes, id)
	return nil
}

func (f *fakeRemote) CreateSale(ctx context.Context, s *pos.Sale) (*pos.Sale, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return nil, err
	}
	cp := *s
	f.saleCreates = append(f.saleCreates, &cp)
	out := cp
	out.ID = f.assign()
	return &out, nil
}

func setupEngine(t *testing.T, rem Remote, monitor Monitor) (*Engine, *queue.Queue, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	q, err := queue.New(st.DB(), st, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	cfg := Config{
		BatchSize:    50,
		SyncInterval: time.Hour,
		BackoffMin:   10 * time.Millisecond,
		BackoffMax:   50 * time.Millisecond,
	}
	return New(q, rem, monitor, cfg, zaptest.NewLogger(t)), q, st
}

func enqueueProduct(t *testing.T, q *queue.Queue, st *store.Store, name string) *pos.Product {
	t.Helper()
	now := time.Now()
	p := &pos.Product{
		ID:        pos.NewLocalID(),
		Name:      name,
		BuyPrice:  100,
		SellPrice: 150,
		Stock:     10,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := st.PutProduct(p); err != nil {
		t.Fatalf("PutProduct() error = %v", err)
	}
	if _, err := q.Enqueue(pos.EntityProduct, pos.ActionCreate, p.ID, p); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return p
}

func TestEngine_PassRemapsDependentSale(t *testing.T) {
	rem := &fakeRemote{}
	eng, q, st := setupEngine(t, rem, newFakeMonitor(true))

	product := enqueueProduct(t, q, st, "Savon")

	sale := &pos.Sale{
		ID:            pos.NewLocalID(),
		PaymentMethod: pos.PaymentCash,
		ReceiptNumber: pos.NewReceiptNumber(),
		SoldAt:        time.Now(),
		Items: []pos.SaleItem{{
			ProductID: product.ID,
			Quantity:  2,
			BuyPrice:  100,
			SellPrice: 150,
			Subtotal:  300,
		}},
		Total:     300,
		TotalCost: 200,
		Profit:    100,
	}
	sale.Items[0].SaleID = sale.ID
	if err := st.CreateSaleWithStock(sale); err != nil {
		t.Fatalf("CreateSaleWithStock() error = %v", err)
	}
	if _, err := q.Enqueue(pos.EntitySale, pos.ActionCreate, sale.ID, sale); err != nil {
		t.Fatalf("Enqueue(sale) error = %v", err)
	}

	if err := eng.runPass(context.Background()); err != nil {
		t.Fatalf("runPass() error = %v", err)
	}

	pending, _ := q.PendingCount()
	if pending != 0 {
		t.Errorf("expected empty queue after pass, got %d pending", pending)
	}

	// The sale sent to the server referenced the product's server id,
	// never the local one.
	if len(rem.saleCreates) != 1 {
		t.Fatalf("expected 1 sale create, got %d", len(rem.saleCreates))
	}
	sent := rem.saleCreates[0]
	if sent.Items[0].ProductID != "srv-1" {
		t.Errorf("expected sale to reference srv-1, got %s", sent.Items[0].ProductID)
	}

	// Local records carry server ids and are synced.
	p, err := st.GetProduct("srv-1")
	if err != nil {
		t.Fatalf("expected product under srv-1: %v", err)
	}
	if !p.Synced {
		t.Error("expected product marked synced")
	}
	s, err := st.GetSale("srv-2")
	if err != nil {
		t.Fatalf("expected sale under srv-2: %v", err)
	}
	if !s.Synced || s.Items[0].ProductID != "srv-1" {
		t.Errorf("unexpected synced sale %+v", s)
	}
}

func TestEngine_NonRetryableFailureContinuesBatch(t *testing.T) {
	rem := &fakeRemote{failStatus: 422, failOnce: true}
	eng, q, st := setupEngine(t, rem, newFakeMonitor(true))

	enqueueProduct(t, q, st, "Rejected")
	enqueueProduct(t, q, st, "Accepted")

	if err := eng.runPass(context.Background()); err != nil {
		t.Fatalf("runPass() error = %v", err)
	}

	pending, _ := q.PendingCount()
	failed, _ := q.FailedCount()
	if pending != 0 {
		t.Errorf("expected 0 pending, got %d", pending)
	}
	if failed != 1 {
		t.Errorf("expected 1 failed item needing attention, got %d", failed)
	}
	if rem.productCreates != 1 {
		t.Errorf("expected the second item to sync, got %d creates", rem.productCreates)
	}

	// The failed item is visible with its reason and never retried
	// automatically: another pass leaves it untouched.
	if err := eng.runPass(context.Background()); err != nil {
		t.Fatalf("second runPass() error = %v", err)
	}
	items, _ := q.FailedItems()
	if len(items) != 1 || items[0].FailReason == "" {
		t.Fatalf("expected failed item with reason, got %+v", items)
	}
}

func TestEngine_RetryableFailureStopsBatch(t *testing.T) {
	rem := &fakeRemote{failStatus: 503}
	eng, q, st := setupEngine(t, rem, newFakeMonitor(true))

	enqueueProduct(t, q, st, "A")
	enqueueProduct(t, q, st, "B")

	err := eng.runPass(context.Background())
	if err == nil {
		t.Fatal("expected runPass to surface the retryable failure")
	}

	// Nothing was lost: both items still pending, head bumped its
	// retry counter.
	pending, _ := q.PendingCount()
	if pending != 2 {
		t.Errorf("expected 2 pending, got %d", pending)
	}
	items, _ := q.DequeueBatch(10)
	if items[0].RetryCount != 1 {
		t.Errorf("expected retry count 1 on head, got %d", items[0].RetryCount)
	}
	if items[1].RetryCount != 0 {
		t.Errorf("expected untouched tail, got retry count %d", items[1].RetryCount)
	}
}

func TestEngine_CorruptPayloadSkipped(t *testing.T) {
	rem := &fakeRemote{}
	eng, q, st := setupEngine(t, rem, newFakeMonitor(true))

	// A payload that decodes as JSON but not as a product.
	if _, err := q.Enqueue(pos.EntityProduct, pos.ActionCreate, "local-bad", "not-a-product"); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	enqueueProduct(t, q, st, "Good")

	if err := eng.runPass(context.Background()); err != nil {
		t.Fatalf("runPass() error = %v", err)
	}

	failed, _ := q.FailedCount()
	pending, _ := q.PendingCount()
	if failed != 1 || pending != 0 {
		t.Errorf("expected corrupt item failed and rest synced, got failed=%d pending=%d", failed, pending)
	}
	if rem.productCreates != 1 {
		t.Errorf("expected the good item to sync, got %d creates", rem.productCreates)
	}
}

func TestEngine_OfflineTriggerIsIgnored(t *testing.T) {
	rem := &fakeRemote{}
	monitor := newFakeMonitor(false)
	eng, q, st := setupEngine(t, rem, monitor)

	enqueueProduct(t, q, st, "Savon")

	eng.Start(context.Background())
	defer eng.Stop()

	eng.TriggerSync()
	time.Sleep(50 * time.Millisecond)

	rem.mu.Lock()
	creates := rem.productCreates
	rem.mu.Unlock()
	if creates != 0 {
		t.Errorf("expected no remote calls while offline, got %d", creates)
	}
	pending, _ := q.PendingCount()
	if pending != 1 {
		t.Errorf("expected item still pending, got %d", pending)
	}
}

func TestEngine_OnlineEdgeTriggersSinglePass(t *testing.T) {
	rem := &fakeRemote{}
	monitor := newFakeMonitor(false)
	eng, q, st := setupEngine(t, rem, monitor)

	enqueueProduct(t, q, st, "Savon")

	var mu sync.Mutex
	var states []string
	eng.OnStateChange(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	eng.Start(context.Background())
	defer eng.Stop()

	monitor.setOnline(true)
	// Pile on manual triggers; the single queued item must sync once.
	eng.TriggerSync()
	eng.TriggerSync()
	eng.TriggerSync()

	deadline := time.Now().Add(2 * time.Second)
	for {
		pending, _ := q.PendingCount()
		if pending == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sync never completed, %d still pending", pending)
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	rem.mu.Lock()
	creates := rem.productCreates
	rem.mu.Unlock()
	if creates != 1 {
		t.Errorf("expected the item to be created exactly once, got %d", creates)
	}

	mu.Lock()
	defer mu.Unlock()
	sawSyncing := false
	for _, s := range states {
		if s == "syncing" {
			sawSyncing = true
		}
	}
	if !sawSyncing {
		t.Errorf("expected a syncing state notification, got %v", states)
	}
}

func TestEngine_BackoffRecovers(t *testing.T) {
	rem := &fakeRemote{failStatus: 500, failOnce: true}
	monitor := newFakeMonitor(true)
	eng, q, st := setupEngine(t, rem, monitor)

	enqueueProduct(t, q, st, "Savon")

	eng.Start(context.Background())
	defer eng.Stop()
	eng.TriggerSync()

	// First pass hits the 500 and backs off; the automatic retry after
	// the (short) backoff succeeds.
	deadline := time.Now().Add(2 * time.Second)
	for {
		pending, _ := q.PendingCount()
		if pending == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("engine never recovered from backoff, %d pending", pending)
		}
		time.Sleep(5 * time.Millisecond)
	}

	items, _ := q.FailedItems()
	if len(items) != 0 {
		t.Errorf("a transient failure must not flag items, got %+v", items)
	}
}

// An edit made while the engine is sending the create must survive the
// pass and reach the server on the next one.
func TestEngine_EditDuringPassSyncsAfterward(t *testing.T) {
	rem := &fakeRemote{}
	eng, q, st := setupEngine(t, rem, newFakeMonitor(true))

	product := enqueueProduct(t, q, st, "Savon")

	// The cashier renames the product while its create is in flight.
	rem.onCreateProduct = func() {
		rem.onCreateProduct = nil
		edited := *product
		edited.Name = "Savon de Marseille"
		if _, err := q.Enqueue(pos.EntityProduct, pos.ActionUpdate, product.ID, &edited); err != nil {
			t.Errorf("Enqueue(update) error = %v", err)
		}
	}

	if err := eng.runPass(context.Background()); err != nil {
		t.Fatalf("runPass() error = %v", err)
	}

	// The edit is still queued, not swallowed by the confirmed create.
	pending, _ := q.PendingCount()
	if pending != 1 {
		t.Fatalf("expected the edit to remain pending, got %d", pending)
	}

	if err := eng.runPass(context.Background()); err != nil {
		t.Fatalf("second runPass() error = %v", err)
	}
	rem.mu.Lock()
	defer rem.mu.Unlock()
	if len(rem.updates) != 1 {
		t.Fatalf("expected the edit to reach the server, got %d updates", len(rem.updates))
	}
	if rem.updates[0].ID != "srv-1" || rem.updates[0].Name != "Savon de Marseille" {
		t.Errorf("expected update of srv-1 carrying the new name, got id=%s name=%q",
			rem.updates[0].ID, rem.updates[0].Name)
	}
}

// rejectingRemapper makes every confirmation of a product create fail
// after the remote call already succeeded.
type rejectingRemapper struct {
	*store.Store
}

func (r *rejectingRemapper) RemapProductIDTx(tx *gorm.DB, localID, serverID string) error {
	return errors.New("remap rejected")
}

// A confirmation failure after the server accepted the item must not
// put it back in rotation: replaying the create would duplicate the
// record server-side. The item is flagged for attention instead.
func TestEngine_ConfirmationFailureDoesNotReplay(t *testing.T) {
	rem := &fakeRemote{}
	st, err := store.Open(":memory:", zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	q, err := queue.New(st.DB(), &rejectingRemapper{Store: st}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("failed to open queue: %v", err)
	}
	eng := New(q, rem, newFakeMonitor(true), Config{
		BatchSize:    50,
		SyncInterval: time.Hour,
		BackoffMin:   10 * time.Millisecond,
		BackoffMax:   50 * time.Millisecond,
	}, zaptest.NewLogger(t))

	enqueueProduct(t, q, st, "Savon")

	if err := eng.runPass(context.Background()); err != nil {
		t.Fatalf("runPass() error = %v", err)
	}

	pending, _ := q.PendingCount()
	failed, _ := q.FailedCount()
	if pending != 0 || failed != 1 {
		t.Fatalf("expected the item flagged for attention, got pending=%d failed=%d", pending, failed)
	}

	if err := eng.runPass(context.Background()); err != nil {
		t.Fatalf("second runPass() error = %v", err)
	}
	rem.mu.Lock()
	defer rem.mu.Unlock()
	if rem.productCreates != 1 {
		t.Errorf("expected exactly one remote create, got %d", rem.productCreates)
	}
}

func TestEngine_StopLeavesQueueIntact(t *testing.T) {
	rem := &fakeRemote{}
	monitor := newFakeMonitor(false)
	eng, q, st := setupEngine(t, rem, monitor)

	enqueueProduct(t, q, st, "Savon")
	enqueueProduct(t, q, st, "Bougie")

	eng.Start(context.Background())
	eng.Stop()

	pending, _ := q.PendingCount()
	if pending != 2 {
		t.Errorf("expected queue untouched after stop, got %d pending", pending)
	}

	snap := eng.Snapshot()
	if snap.State != "idle" {
		t.Errorf("expected idle after stop, got %s", snap.State)
	}
}
