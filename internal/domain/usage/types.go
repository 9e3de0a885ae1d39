// Package usage derives consumable quantities from the medication
// administration timeline of a clinical record.
package usage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrValidation indicates a rejected input (bad override quantity, empty reason).
var ErrValidation = errors.New("validation failed")

// ErrNotFound indicates a missing usage record or administration event.
var ErrNotFound = errors.New("not found")

// EventType classifies an administration event on the timeline.
type EventType string

const (
	EventBolus         EventType = "bolus"
	EventInfusionStart EventType = "infusion_start"
	EventInfusionStop  EventType = "infusion_stop"
	EventRateChange    EventType = "rate_change"
)

// AdministrationEvent is one entry on a record's medication timeline.
// Dose and Rate carry the documented values verbatim; malformed numerics
// degrade to a zero contribution during aggregation instead of failing it.
type AdministrationEvent struct {
	ID           string     `json:"id"`
	RecordID     string     `json:"record_id"`
	ItemID       string     `json:"item_id"`
	Type         EventType  `json:"type"`
	Timestamp    time.Time  `json:"timestamp"`
	EndTimestamp *time.Time `json:"end_timestamp,omitempty"`
	Dose         string     `json:"dose,omitempty"`
	Rate         string     `json:"rate,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
}

// AdministrationMode is derived from the medication profile's rate unit.
type AdministrationMode int

const (
	ModeBolus AdministrationMode = iota
	ModeFreeFlow
	ModeRateControlled
)

// RateUnitFreeFlow marks an infusion without a controlled rate; consumption
// is counted per container used.
const RateUnitFreeFlow = "free"

// MedicationProfile describes how an item is administered. Read-only here.
type MedicationProfile struct {
	ItemID             string  `json:"item_id"`
	RateUnit           string  `json:"rate_unit,omitempty"`
	AmpuleContent      float64 `json:"ampule_content"`
	AdministrationUnit string  `json:"administration_unit,omitempty"`
}

// Mode classifies the profile: no rate unit means discrete doses, "free"
// means free-flow, anything else is a rate-controlled unit.
func (p MedicationProfile) Mode() AdministrationMode {
	switch strings.TrimSpace(p.RateUnit) {
	case "":
		return ModeBolus
	case RateUnitFreeFlow:
		return ModeFreeFlow
	default:
		return ModeRateControlled
	}
}

// UsageRecord is the derived consumable quantity for one (record, item) pair.
// Unique on (RecordID, ItemID).
type UsageRecord struct {
	ID             string     `json:"id"`
	RecordID       string     `json:"record_id"`
	ItemID         string     `json:"item_id"`
	CalculatedQty  float64    `json:"calculated_qty"`
	OverrideQty    *float64   `json:"override_qty,omitempty"`
	OverrideReason string     `json:"override_reason,omitempty"`
	OverriddenBy   string     `json:"overridden_by,omitempty"`
	OverriddenAt   *time.Time `json:"overridden_at,omitempty"`
}

// QuantitySource tags where an effective quantity came from.
type QuantitySource string

const (
	SourceCalculated QuantitySource = "calculated"
	SourceOverride   QuantitySource = "override"
)

// EffectiveQuantity is the resolved quantity for a usage record.
type EffectiveQuantity struct {
	Value  float64        `json:"value"`
	Source QuantitySource `json:"source"`
	Reason string         `json:"reason,omitempty"`
	By     string         `json:"by,omitempty"`
}

// Effective resolves the calculated/override duality. This is the only place
// the override null-check lives; callers never inspect OverrideQty directly.
func (u UsageRecord) Effective() EffectiveQuantity {
	if u.OverrideQty != nil {
		return EffectiveQuantity{
			Value:  *u.OverrideQty,
			Source: SourceOverride,
			Reason: u.OverrideReason,
			By:     u.OverriddenBy,
		}
	}
	return EffectiveQuantity{Value: u.CalculatedQty, Source: SourceCalculated}
}

// Overridden reports whether a manual correction is in effect.
func (u UsageRecord) Overridden() bool { return u.OverrideQty != nil }

// EventStore is the administration event timeline collaborator.
type EventStore interface {
	ListByRecord(ctx context.Context, recordID string) ([]AdministrationEvent, error)
	GetByID(ctx context.Context, recordID, eventID string) (AdministrationEvent, error)
	Create(ctx context.Context, e AdministrationEvent) error
	Update(ctx context.Context, e AdministrationEvent) error
	Delete(ctx context.Context, recordID, eventID string) error
	// RecordsWithOpenSessions lists record IDs that have an infusion start
	// without a matching stop or embedded end timestamp.
	RecordsWithOpenSessions(ctx context.Context) ([]string, error)
}

// ProfileStore is the medication profile collaborator.
type ProfileStore interface {
	GetByItems(ctx context.Context, itemIDs []string) (map[string]MedicationProfile, error)
}

// UsageStore persists derived usage records.
type UsageStore interface {
	ListByRecord(ctx context.Context, recordID string) ([]UsageRecord, error)
	GetByID(ctx context.Context, id string) (UsageRecord, error)
	GetByRecordItem(ctx context.Context, recordID, itemID string) (UsageRecord, error)
	Upsert(ctx context.Context, rec UsageRecord) error
	Delete(ctx context.Context, id string) error
	DeleteByRecordItems(ctx context.Context, recordID string, itemIDs []string) error
}

// WeightProvider supplies the patient weight in kilograms for
// weight-normalized rate units. A zero weight means unknown.
type WeightProvider interface {
	Weight(ctx context.Context, recordID string) (float64, error)
}

// CommitWindowSource exposes, per item, the committed-at time of the latest
// non-rolled-back commit whose snapshot includes that item. Recomputed from
// the ledger on every call, never cached.
type CommitWindowSource interface {
	LastCommitTimes(ctx context.Context, recordID string) (map[string]time.Time, error)
}

// RecalculationPublisher streams the post-reconciliation usage snapshot of a
// record to downstream consumers.
type RecalculationPublisher interface {
	PublishRecalculation(ctx context.Context, recordID string, records []UsageRecord) error
}

// TxRunner executes fn inside a single all-or-nothing unit of work. Any error
// from fn undoes every write made within it.
type TxRunner interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
