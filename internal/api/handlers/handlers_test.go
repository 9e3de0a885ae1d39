package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medtrack/stockledger/internal/api/handlers"
	"github.com/medtrack/stockledger/internal/api/middleware"
	"github.com/medtrack/stockledger/internal/domain/ledger"
	"github.com/medtrack/stockledger/internal/domain/usage"
	"github.com/medtrack/stockledger/internal/infrastructure/memory"
)

type testAPI struct {
	server *httptest.Server
	stock  *memory.StockStore
	events *memory.EventStore
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	events := memory.NewEventStore()
	usageStore := memory.NewUsageStore()
	commits := memory.NewCommitStore()
	stock := memory.NewStockStore()
	auditLog := memory.NewAuditLog()
	logger := zap.NewNop()

	agg := usage.NewAggregator(events, stock, commits, usageStore, stock, nil, logger)
	usageSvc := usage.NewService(agg, usageStore, events, auditLog, memory.TxRunner{}, logger)
	ledgerSvc := ledger.NewService(commits, stock, usageStore, agg, auditLog, memory.TxRunner{}, nil, logger)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Identity)
		handlers.NewUsageHandler(usageSvc, logger).Register(r)
		handlers.NewCommitHandler(ledgerSvc, nil, logger).Register(r)
	})

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return &testAPI{server: server, stock: stock, events: events}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, a.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "nurse-1")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out bytes.Buffer
	out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func (a *testAPI) seedBolusItem(itemID, unit string, controlled bool, onHand float64) {
	a.stock.PutItem(ledger.StockItem{
		ID: itemID, Name: itemID, HomeUnit: unit, Controlled: controlled,
		TrackStock: true, OnHand: onHand,
	})
	a.stock.PutProfile(usage.MedicationProfile{ItemID: itemID, AmpuleContent: 50})
}

func TestDocumentEventAndReadUsage(t *testing.T) {
	api := newTestAPI(t)
	api.seedBolusItem("fent", "icu", false, 10)

	resp, body := api.do(t, http.MethodPost, "/api/v1/records/r1/events", map[string]interface{}{
		"item_id":   "fent",
		"type":      "bolus",
		"timestamp": time.Now().UTC().Add(-time.Hour),
		"dose":      "80",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("document event: %d %s", resp.StatusCode, body)
	}

	resp, body = api.do(t, http.MethodGet, "/api/v1/records/r1/usage", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get usage: %d %s", resp.StatusCode, body)
	}

	var records []handlers.UsageResponse
	if err := json.Unmarshal(body, &records); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if len(records) != 1 || records[0].Quantity.Value != 2 || records[0].Quantity.Source != usage.SourceCalculated {
		t.Errorf("unexpected usage %+v", records)
	}
}

func TestOverrideEndpoint(t *testing.T) {
	api := newTestAPI(t)
	api.seedBolusItem("fent", "icu", false, 10)

	resp, body := api.do(t, http.MethodPost, "/api/v1/records/r1/items/fent/override", map[string]interface{}{
		"quantity": -1, "reason": "bad",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("negative override should 400, got %d %s", resp.StatusCode, body)
	}

	resp, body = api.do(t, http.MethodPost, "/api/v1/records/r1/items/fent/override", map[string]interface{}{
		"quantity": 4, "reason": "documented on paper",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set override: %d %s", resp.StatusCode, body)
	}

	var rec handlers.UsageResponse
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Quantity.Value != 4 || rec.Quantity.Source != usage.SourceOverride || rec.Quantity.By != "nurse-1" {
		t.Errorf("unexpected override response %+v", rec)
	}

	resp, body = api.do(t, http.MethodDelete, "/api/v1/usage/"+rec.ID+"/override", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear override: %d %s", resp.StatusCode, body)
	}

	resp, body = api.do(t, http.MethodDelete, "/api/v1/usage/ghost/override", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown usage id should 404, got %d %s", resp.StatusCode, body)
	}
}

func TestCommitLifecycleOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	api.seedBolusItem("keta", "icu", true, 5)

	resp, body := api.do(t, http.MethodPost, "/api/v1/records/r1/events", map[string]interface{}{
		"item_id":   "keta",
		"type":      "bolus",
		"timestamp": time.Now().UTC().Add(-time.Hour),
		"dose":      "80",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("document event: %d %s", resp.StatusCode, body)
	}

	scope := map[string]string{"X-Unit-ID": "icu"}

	// Controlled item without signature.
	resp, body = api.do(t, http.MethodPost, "/api/v1/records/r1/commits", map[string]interface{}{}, scope)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("unsigned controlled commit should 422, got %d %s", resp.StatusCode, body)
	}

	resp, body = api.do(t, http.MethodPost, "/api/v1/records/r1/commits", map[string]interface{}{
		"signature": "sig-nurse-1",
	}, scope)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("commit: %d %s", resp.StatusCode, body)
	}
	var commit ledger.CommitRecord
	if err := json.Unmarshal(body, &commit); err != nil {
		t.Fatalf("decode commit: %v", err)
	}
	if len(commit.Items) != 1 || commit.Items[0].Quantity != 2 {
		t.Errorf("unexpected commit %+v", commit)
	}

	// Nothing left to commit.
	resp, body = api.do(t, http.MethodPost, "/api/v1/records/r1/commits", map[string]interface{}{
		"signature": "sig-nurse-1",
	}, scope)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("repeat commit should 409, got %d %s", resp.StatusCode, body)
	}

	resp, body = api.do(t, http.MethodGet, "/api/v1/records/r1/commits", nil, scope)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list commits: %d %s", resp.StatusCode, body)
	}
	var commits []ledger.CommitRecord
	if err := json.Unmarshal(body, &commits); err != nil {
		t.Fatalf("decode commits: %v", err)
	}
	if len(commits) != 1 {
		t.Errorf("expected one commit, got %d", len(commits))
	}

	resp, body = api.do(t, http.MethodPost, "/api/v1/commits/"+commit.ID+"/rollback", map[string]interface{}{
		"reason": "wrong record",
	}, scope)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rollback: %d %s", resp.StatusCode, body)
	}

	resp, body = api.do(t, http.MethodPost, "/api/v1/commits/"+commit.ID+"/rollback", map[string]interface{}{
		"reason": "again",
	}, scope)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("double rollback should 409, got %d %s", resp.StatusCode, body)
	}

	resp, body = api.do(t, http.MethodPost, "/api/v1/commits/ghost/rollback", map[string]interface{}{
		"reason": "missing",
	}, scope)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown commit should 404, got %d %s", resp.StatusCode, body)
	}
}

func TestUnitScopeEnforcement(t *testing.T) {
	api := newTestAPI(t)
	api.seedBolusItem("fent", "icu", false, 10)

	resp, body := api.do(t, http.MethodPost, "/api/v1/records/r1/commits", map[string]interface{}{
		"unit_id": "or",
	}, map[string]string{"X-Unit-ID": "icu"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("cross-unit commit should 403, got %d %s", resp.StatusCode, body)
	}

	resp, body = api.do(t, http.MethodGet, "/api/v1/records/r1/commits?unit=or", nil,
		map[string]string{"X-Unit-ID": "icu"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("cross-unit list should 403, got %d %s", resp.StatusCode, body)
	}
}

func TestMissingUserIsRejected(t *testing.T) {
	api := newTestAPI(t)

	req, err := http.NewRequest(http.MethodGet, api.server.URL+"/api/v1/records/r1/usage", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing identity should 401, got %d", resp.StatusCode)
	}
}

func TestCommitWithoutUnitScope(t *testing.T) {
	api := newTestAPI(t)
	api.seedBolusItem("fent", "icu", false, 10)
	if err := api.events.Create(context.Background(), usage.AdministrationEvent{
		ID: "e1", RecordID: "r1", ItemID: "fent", Type: usage.EventBolus,
		Timestamp: time.Now().UTC().Add(-time.Hour), Dose: "80",
	}); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	resp, body := api.do(t, http.MethodPost, "/api/v1/records/r1/commits", map[string]interface{}{}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("commit without any unit scope should 400, got %d %s", resp.StatusCode, body)
	}
}
