package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/medtrack/stockledger/internal/domain/audit"
)

type auditSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (a *auditSink) Append(ctx context.Context, e audit.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *auditSink) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type passTx struct{}

func (passTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func newTestService(f *fixture) (*Service, *auditSink) {
	sink := &auditSink{}
	agg := newTestAggregator(f)
	svc := NewService(agg, usageStore{f}, f, sink, passTx{}, zap.NewNop())
	svc.now = func() time.Time { return at(100) }
	return svc, sink
}

func TestSetOverrideValidation(t *testing.T) {
	svc, _ := newTestService(newFixture())

	cases := []struct {
		name   string
		record string
		item   string
		qty    float64
		reason string
	}{
		{"negative quantity", "r1", "i1", -1, "why"},
		{"empty reason", "r1", "i1", 2, "  "},
		{"missing item", "r1", "", 2, "why"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.SetOverride(context.Background(), tc.record, tc.item, tc.qty, tc.reason, "nurse-1")
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestSetOverrideCreatesRecordWhenAbsent(t *testing.T) {
	f := newFixture()
	svc, sink := newTestService(f)

	rec, err := svc.SetOverride(context.Background(), "r1", "fentanyl", 4, "documented on paper", "nurse-1")
	if err != nil {
		t.Fatalf("set override: %v", err)
	}
	if rec.CalculatedQty != 0 {
		t.Errorf("calculated quantity should default to 0, got %v", rec.CalculatedQty)
	}
	if eff := rec.Effective(); eff.Value != 4 || eff.Source != SourceOverride {
		t.Errorf("unexpected effective quantity %+v", eff)
	}
	if rec.OverriddenBy != "nurse-1" || rec.OverriddenAt == nil {
		t.Errorf("override stamp missing: %+v", rec)
	}
	if got := sink.actions(); len(got) != 1 || got[0] != audit.ActionOverrideSet {
		t.Errorf("expected one override_set audit entry, got %v", got)
	}
}

func TestOverridePersistsAcrossRecalculations(t *testing.T) {
	f := newFixture()
	f.profiles["fentanyl"] = MedicationProfile{ItemID: "fentanyl", AmpuleContent: 50}
	f.events = []AdministrationEvent{
		{ID: "e1", RecordID: "r1", ItemID: "fentanyl", Type: EventBolus, Timestamp: at(0), Dose: "30"},
	}
	svc, _ := newTestService(f)

	rec, err := svc.SetOverride(context.Background(), "r1", "fentanyl", 9, "wastage", "nurse-1")
	if err != nil {
		t.Fatalf("set override: %v", err)
	}

	for i := 0; i < 3; i++ {
		records, err := svc.Recalculate(context.Background(), "r1")
		if err != nil {
			t.Fatalf("recalculate %d: %v", i, err)
		}
		if eff := records[0].Effective(); eff.Value != 9 {
			t.Fatalf("effective quantity changed under recalculation: %+v", eff)
		}
	}

	cleared, err := svc.ClearOverride(context.Background(), rec.ID, "nurse-2")
	if err != nil {
		t.Fatalf("clear override: %v", err)
	}
	if cleared.Overridden() {
		t.Errorf("override fields should be nulled: %+v", cleared)
	}

	records, err := svc.Recalculate(context.Background(), "r1")
	if err != nil {
		t.Fatalf("recalculate after clear: %v", err)
	}
	if eff := records[0].Effective(); eff.Value != 1 || eff.Source != SourceCalculated {
		t.Errorf("aggregator should regain authority after clear, got %+v", eff)
	}
}

func TestClearOverrideUnknownRecord(t *testing.T) {
	svc, _ := newTestService(newFixture())
	if _, err := svc.ClearOverride(context.Background(), "nope", "nurse-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEventDocumentationIsAudited(t *testing.T) {
	f := newFixture()
	svc, sink := newTestService(f)

	e, err := svc.DocumentEvent(context.Background(), AdministrationEvent{
		RecordID: "r1", ItemID: "fentanyl", Type: EventBolus, Dose: "10",
	}, "nurse-1")
	if err != nil {
		t.Fatalf("document event: %v", err)
	}
	if e.ID == "" || e.Timestamp.IsZero() {
		t.Errorf("event should get id and timestamp: %+v", e)
	}

	e.Dose = "20"
	if _, err := svc.AmendEvent(context.Background(), e, "nurse-1", "typo"); err != nil {
		t.Fatalf("amend event: %v", err)
	}

	if err := svc.RemoveEvent(context.Background(), "r1", e.ID, "nurse-1", "documented twice"); err != nil {
		t.Fatalf("remove event: %v", err)
	}

	want := []string{audit.ActionCreated, audit.ActionUpdated, audit.ActionDeleted}
	got := sink.actions()
	if len(got) != len(want) {
		t.Fatalf("expected %d audit entries, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("audit action %d = %q, want %q", i, got[i], want[i])
		}
	}

	// The amendment entry must carry the prior value.
	if sink.entries[1].OldValue == "" || sink.entries[1].NewValue == "" {
		t.Errorf("amendment audit entry missing old/new values: %+v", sink.entries[1])
	}
}

func TestAmendUnknownEvent(t *testing.T) {
	svc, _ := newTestService(newFixture())
	_, err := svc.AmendEvent(context.Background(), AdministrationEvent{ID: "ghost", RecordID: "r1"}, "nurse-1", "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
