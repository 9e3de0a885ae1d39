package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/medtrack/stockledger/internal/domain/audit"
	"github.com/medtrack/stockledger/internal/domain/ledger"
	"github.com/medtrack/stockledger/internal/domain/usage"
	"github.com/medtrack/stockledger/internal/infrastructure/memory"
)

type movementSink struct {
	mu        sync.Mutex
	movements []ledger.StockMovement
}

func (m *movementSink) PublishStockMovement(ctx context.Context, mv ledger.StockMovement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.movements = append(m.movements, mv)
	return nil
}

type env struct {
	events   *memory.EventStore
	usage    *memory.UsageStore
	commits  *memory.CommitStore
	stock    *memory.StockStore
	audit    *memory.AuditLog
	moves    *movementSink
	agg      *usage.Aggregator
	svc      *ledger.Service
	usageSvc *usage.Service
}

func newEnv() *env {
	e := &env{
		events:  memory.NewEventStore(),
		usage:   memory.NewUsageStore(),
		commits: memory.NewCommitStore(),
		stock:   memory.NewStockStore(),
		audit:   memory.NewAuditLog(),
		moves:   &movementSink{},
	}
	logger := zap.NewNop()
	e.agg = usage.NewAggregator(e.events, e.stock, e.commits, e.usage, e.stock, nil, logger)
	e.svc = ledger.NewService(e.commits, e.stock, e.usage, e.agg, e.audit, memory.TxRunner{}, e.moves, logger)
	e.usageSvc = usage.NewService(e.agg, e.usage, e.events, e.audit, memory.TxRunner{}, logger)
	return e
}

func (e *env) seedItem(id, name, unit string, controlled bool, onHand float64) {
	e.stock.PutItem(ledger.StockItem{
		ID: id, Name: name, HomeUnit: unit, Controlled: controlled,
		TrackStock: true, OnHand: onHand,
	})
}

func (e *env) seedBolus(t *testing.T, recordID, itemID, dose string, ts time.Time) {
	t.Helper()
	err := e.events.Create(context.Background(), usage.AdministrationEvent{
		ID: itemID + ts.String(), RecordID: recordID, ItemID: itemID,
		Type: usage.EventBolus, Timestamp: ts, Dose: dose,
	})
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}
}

func past(min int) time.Time {
	return time.Now().UTC().Add(-time.Duration(min) * time.Minute)
}

func TestCommitSnapshotsUsageAndDeductsStock(t *testing.T) {
	e := newEnv()
	e.seedItem("fent", "Fentanyl 50mg", "icu", false, 10)
	e.stock.PutProfile(usage.MedicationProfile{ItemID: "fent", AmpuleContent: 50, AdministrationUnit: "mg"})
	e.seedBolus(t, "r1", "fent", "80", past(30))

	commit, err := e.svc.Commit(context.Background(), "r1", "nurse-1", "", "icu")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if len(commit.Items) != 1 {
		t.Fatalf("expected 1 snapshot item, got %+v", commit.Items)
	}
	it := commit.Items[0]
	if it.ItemID != "fent" || it.ItemName != "Fentanyl 50mg" || it.Quantity != 2 {
		t.Errorf("unexpected snapshot item %+v", it)
	}

	if got := e.stock.OnHand("fent"); got != 8 {
		t.Errorf("stock should drop 10 -> 8, got %v", got)
	}

	// Committed items reset the usage baseline.
	records, err := e.usage.ListByRecord(context.Background(), "r1")
	if err != nil {
		t.Fatalf("list usage: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("usage records should be deleted on commit, got %+v", records)
	}

	if len(e.moves.movements) != 1 || e.moves.movements[0].Delta != -2 {
		t.Errorf("expected one -2 stock movement, got %+v", e.moves.movements)
	}
}

func TestCommitWithNothingToCommit(t *testing.T) {
	e := newEnv()
	if _, err := e.svc.Commit(context.Background(), "r1", "nurse-1", "", "icu"); !errors.Is(err, ledger.ErrNoItemsToCommit) {
		t.Errorf("expected ErrNoItemsToCommit, got %v", err)
	}
}

func TestRepeatedCommitCannotDoubleDeduct(t *testing.T) {
	e := newEnv()
	e.seedItem("fent", "Fentanyl", "icu", false, 10)
	e.stock.PutProfile(usage.MedicationProfile{ItemID: "fent", AmpuleContent: 50})
	e.seedBolus(t, "r1", "fent", "80", past(30))

	if _, err := e.svc.Commit(context.Background(), "r1", "nurse-1", "", "icu"); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if _, err := e.svc.Commit(context.Background(), "r1", "nurse-1", "", "icu"); !errors.Is(err, ledger.ErrNoItemsToCommit) {
		t.Fatalf("second commit should fail cleanly, got %v", err)
	}
	if got := e.stock.OnHand("fent"); got != 8 {
		t.Errorf("stock must be deducted exactly once, got %v", got)
	}
}

func TestControlledCommitRequiresSignature(t *testing.T) {
	e := newEnv()
	e.seedItem("keta", "Ketamine", "icu", true, 5)
	e.stock.PutProfile(usage.MedicationProfile{ItemID: "keta", AmpuleContent: 10})
	e.seedBolus(t, "r1", "keta", "10", past(10))

	if _, err := e.svc.Commit(context.Background(), "r1", "nurse-1", "", "icu"); !errors.Is(err, ledger.ErrSignatureRequired) {
		t.Fatalf("expected ErrSignatureRequired, got %v", err)
	}
	if got := e.stock.OnHand("keta"); got != 5 {
		t.Errorf("failed commit must not touch stock, got %v", got)
	}

	commit, err := e.svc.Commit(context.Background(), "r1", "nurse-1", "sig-nurse-1", "icu")
	if err != nil {
		t.Fatalf("signed commit: %v", err)
	}
	if commit.Signature != "sig-nurse-1" {
		t.Errorf("signature not retained: %+v", commit)
	}

	var controlled int
	for _, entry := range e.audit.Entries() {
		if entry.Action == audit.ActionControlledDeduct {
			controlled++
		}
	}
	if controlled != 1 {
		t.Errorf("expected one controlled-deduct audit entry, got %d", controlled)
	}
}

func TestCommitScopedToHomeUnit(t *testing.T) {
	e := newEnv()
	e.seedItem("fent", "Fentanyl", "icu", false, 10)
	e.seedItem("prop", "Propofol", "or", false, 10)
	e.stock.PutProfile(usage.MedicationProfile{ItemID: "fent", AmpuleContent: 50})
	e.stock.PutProfile(usage.MedicationProfile{ItemID: "prop", AmpuleContent: 50})
	e.seedBolus(t, "r1", "fent", "50", past(30))
	e.seedBolus(t, "r1", "prop", "50", past(30))

	commit, err := e.svc.Commit(context.Background(), "r1", "nurse-1", "", "icu")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(commit.Items) != 1 || commit.Items[0].ItemID != "fent" {
		t.Fatalf("commit must only include icu stock, got %+v", commit.Items)
	}
	if got := e.stock.OnHand("prop"); got != 10 {
		t.Errorf("foreign-unit stock must be untouched, got %v", got)
	}

	// The other unit's usage is still pending and committable there.
	records, err := e.agg.Recalculate(context.Background(), "r1")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if len(records) != 1 || records[0].ItemID != "prop" {
		t.Errorf("propofol usage should remain pending, got %+v", records)
	}
}

func TestCommitExcludesWindowUntilNewEvents(t *testing.T) {
	e := newEnv()
	e.seedItem("fent", "Fentanyl", "icu", false, 10)
	e.stock.PutProfile(usage.MedicationProfile{ItemID: "fent", AmpuleContent: 50})
	e.seedBolus(t, "r1", "fent", "80", past(30))

	if _, err := e.svc.Commit(context.Background(), "r1", "nurse-1", "", "icu"); err != nil {
		t.Fatalf("commit: %v", err)
	}

	records, err := e.agg.Recalculate(context.Background(), "r1")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("committed window must stay excluded, got %+v", records)
	}

	// A qualifying event after the commit time brings the item back.
	e.seedBolus(t, "r1", "fent", "30", time.Now().UTC().Add(time.Minute))
	records, err = e.agg.Recalculate(context.Background(), "r1")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if len(records) != 1 || records[0].CalculatedQty != 1 {
		t.Errorf("expected fresh usage of 1, got %+v", records)
	}
}

func TestRollbackRestoresStockAndWindow(t *testing.T) {
	e := newEnv()
	e.seedItem("keta", "Ketamine", "icu", true, 5)
	e.stock.PutProfile(usage.MedicationProfile{ItemID: "keta", AmpuleContent: 10})
	e.seedBolus(t, "r1", "keta", "25", past(30))

	commit, err := e.svc.Commit(context.Background(), "r1", "nurse-1", "sig", "icu")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := e.stock.OnHand("keta"); got != 2 {
		t.Fatalf("expected 5-3=2 on hand, got %v", got)
	}

	rolled, err := e.svc.Rollback(context.Background(), commit.ID, "lead-1", "documented on wrong record")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !rolled.RolledBack() || rolled.RolledBackBy != "lead-1" {
		t.Errorf("rollback fields not set: %+v", rolled)
	}
	if got := e.stock.OnHand("keta"); got != 5 {
		t.Errorf("stock must be restored to pre-commit value, got %v", got)
	}

	// The snapshot is retained verbatim.
	if len(rolled.Items) != 1 || rolled.Items[0].Quantity != 3 {
		t.Errorf("snapshot must survive rollback, got %+v", rolled.Items)
	}

	// The reversed window is visible again.
	records, err := e.agg.Recalculate(context.Background(), "r1")
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if len(records) != 1 || records[0].CalculatedQty != 3 {
		t.Errorf("usage should reappear after rollback, got %+v", records)
	}

	var restored int
	for _, entry := range e.audit.Entries() {
		if entry.Action == audit.ActionControlledRestore {
			restored++
		}
	}
	if restored != 1 {
		t.Errorf("expected a compensating controlled audit entry, got %d", restored)
	}
}

func TestRollbackGuards(t *testing.T) {
	e := newEnv()
	e.seedItem("fent", "Fentanyl", "icu", false, 10)
	e.stock.PutProfile(usage.MedicationProfile{ItemID: "fent", AmpuleContent: 50})
	e.seedBolus(t, "r1", "fent", "80", past(30))

	commit, err := e.svc.Commit(context.Background(), "r1", "nurse-1", "", "icu")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := e.svc.Rollback(context.Background(), commit.ID, "lead-1", " "); !errors.Is(err, ledger.ErrValidation) {
		t.Errorf("empty reason should fail validation, got %v", err)
	}
	if _, err := e.svc.Rollback(context.Background(), "ghost", "lead-1", "reason"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if _, err := e.svc.Rollback(context.Background(), commit.ID, "lead-1", "first"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, err := e.svc.Rollback(context.Background(), commit.ID, "lead-1", "second"); !errors.Is(err, ledger.ErrAlreadyRolledBack) {
		t.Errorf("expected ErrAlreadyRolledBack, got %v", err)
	}
	if got := e.stock.OnHand("fent"); got != 10 {
		t.Errorf("stock must be restored exactly once, got %v", got)
	}
}

func TestSnapshotIsNotReJoinedToCatalog(t *testing.T) {
	e := newEnv()
	e.seedItem("fent", "Fentanyl 50mg", "icu", false, 10)
	e.stock.PutProfile(usage.MedicationProfile{ItemID: "fent", AmpuleContent: 50})
	e.seedBolus(t, "r1", "fent", "80", past(30))

	commit, err := e.svc.Commit(context.Background(), "r1", "nurse-1", "", "icu")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Rename the live item; the historical snapshot must not change.
	e.seedItem("fent", "Fentanyl 100mg (new)", "icu", true, 10)

	stored, err := e.commits.GetByID(context.Background(), commit.ID)
	if err != nil {
		t.Fatalf("get commit: %v", err)
	}
	if stored.Items[0].ItemName != "Fentanyl 50mg" || stored.Items[0].IsControlled {
		t.Errorf("snapshot was re-joined to live catalog: %+v", stored.Items[0])
	}
}

func TestStockFloorsAtZero(t *testing.T) {
	e := newEnv()
	e.seedItem("fent", "Fentanyl", "icu", false, 1)
	e.stock.PutProfile(usage.MedicationProfile{ItemID: "fent", AmpuleContent: 50})
	e.seedBolus(t, "r1", "fent", "160", past(30)) // ceil(160/50) = 4 ampules

	if _, err := e.svc.Commit(context.Background(), "r1", "nurse-1", "", "icu"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got := e.stock.OnHand("fent"); got != 0 {
		t.Errorf("on-hand must floor at zero, got %v", got)
	}
}

func TestOverrideFeedsCommit(t *testing.T) {
	e := newEnv()
	e.seedItem("fent", "Fentanyl", "icu", false, 10)
	e.stock.PutProfile(usage.MedicationProfile{ItemID: "fent", AmpuleContent: 50})
	e.seedBolus(t, "r1", "fent", "80", past(30)) // calculated 2

	if _, err := e.usageSvc.SetOverride(context.Background(), "r1", "fent", 5, "extra wastage", "nurse-1"); err != nil {
		t.Fatalf("set override: %v", err)
	}

	commit, err := e.svc.Commit(context.Background(), "r1", "nurse-1", "", "icu")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if commit.Items[0].Quantity != 5 {
		t.Errorf("commit must use the effective (overridden) quantity, got %+v", commit.Items[0])
	}
	if got := e.stock.OnHand("fent"); got != 5 {
		t.Errorf("stock should drop by the overridden amount, got %v", got)
	}
}

func TestListCommitsFiltersByUnit(t *testing.T) {
	e := newEnv()
	e.seedItem("fent", "Fentanyl", "icu", false, 10)
	e.seedItem("prop", "Propofol", "or", false, 10)
	e.stock.PutProfile(usage.MedicationProfile{ItemID: "fent", AmpuleContent: 50})
	e.stock.PutProfile(usage.MedicationProfile{ItemID: "prop", AmpuleContent: 50})
	e.seedBolus(t, "r1", "fent", "50", past(30))
	e.seedBolus(t, "r1", "prop", "50", past(30))

	if _, err := e.svc.Commit(context.Background(), "r1", "nurse-1", "", "icu"); err != nil {
		t.Fatalf("icu commit: %v", err)
	}
	if _, err := e.svc.Commit(context.Background(), "r1", "nurse-2", "", "or"); err != nil {
		t.Fatalf("or commit: %v", err)
	}

	all, err := e.svc.ListCommits(context.Background(), "r1", "")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 commits, got %d", len(all))
	}

	icu, err := e.svc.ListCommits(context.Background(), "r1", "icu")
	if err != nil {
		t.Fatalf("list icu: %v", err)
	}
	if len(icu) != 1 || icu[0].UnitID != "icu" {
		t.Errorf("unit filter broken: %+v", icu)
	}
}
