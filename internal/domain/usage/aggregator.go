package usage

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Aggregator derives per-item consumable quantities from the administration
// timeline. It is a pure function of (timeline, commits, profiles, weight),
// so re-running it concurrently always converges to the same result.
type Aggregator struct {
	events   EventStore
	profiles ProfileStore
	commits  CommitWindowSource
	usage    UsageStore
	weights  WeightProvider
	recalcs  RecalculationPublisher
	logger   *zap.Logger
	tracer   trace.Tracer

	// now is injected for deterministic open-session integration in tests.
	now func() time.Time
}

// NewAggregator creates an aggregator over the collaborator stores. A nil
// recalcs disables downstream streaming of recalculated snapshots.
func NewAggregator(events EventStore, profiles ProfileStore, commits CommitWindowSource, usage UsageStore, weights WeightProvider, recalcs RecalculationPublisher, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{
		events:   events,
		profiles: profiles,
		commits:  commits,
		usage:    usage,
		weights:  weights,
		recalcs:  recalcs,
		logger:   logger,
		tracer:   otel.Tracer("usage-aggregator"),
		now:      time.Now,
	}
}

// Recalculate recomputes usage for a record and reconciles the stored usage
// records: items with nonzero usage are upserted, override-bearing records
// are left untouched, and zero-usage records without an override are deleted.
// The returned slice is the post-reconciliation state, sorted by item ID.
func (a *Aggregator) Recalculate(ctx context.Context, recordID string) ([]UsageRecord, error) {
	ctx, span := a.tracer.Start(ctx, "recalculate_usage",
		trace.WithAttributes(attribute.String("record_id", recordID)))
	defer span.End()

	events, err := a.events.ListByRecord(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	lastCommits, err := a.commits.LastCommitTimes(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("last commit times: %w", err)
	}

	byItem := make(map[string][]AdministrationEvent)
	for _, e := range events {
		byItem[e.ItemID] = append(byItem[e.ItemID], e)
	}

	itemIDs := make([]string, 0, len(byItem))
	for id := range byItem {
		itemIDs = append(itemIDs, id)
	}
	sort.Strings(itemIDs)

	profiles, err := a.profiles.GetByItems(ctx, itemIDs)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}

	weight := a.patientWeight(ctx, recordID, profiles)

	quantities := make(map[string]float64, len(byItem))
	for _, itemID := range itemIDs {
		profile, ok := profiles[itemID]
		if !ok {
			a.logger.Warn("no medication profile for item, skipping",
				zap.String("record_id", recordID), zap.String("item_id", itemID))
			continue
		}
		windowed := filterAfter(byItem[itemID], lastCommits[itemID])
		if len(windowed) == 0 {
			continue
		}
		quantities[itemID] = a.computeItem(recordID, itemID, windowed, profile, weight)
	}

	if err := a.reconcile(ctx, recordID, quantities); err != nil {
		return nil, err
	}

	records, err := a.usage.ListByRecord(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("list usage records: %w", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ItemID < records[j].ItemID })

	if a.recalcs != nil {
		// Streaming is best effort; the reconciled state is already durable.
		if err := a.recalcs.PublishRecalculation(ctx, recordID, records); err != nil {
			a.logger.Warn("recalculated usage not streamed",
				zap.String("record_id", recordID), zap.Error(err))
		}
	}

	span.SetAttributes(attribute.Int("usage_records", len(records)))
	return records, nil
}

// patientWeight fetches the weight only when some profile needs it.
func (a *Aggregator) patientWeight(ctx context.Context, recordID string, profiles map[string]MedicationProfile) float64 {
	needed := false
	for _, p := range profiles {
		if u, ok := parseRateUnit(p.RateUnit); ok && u.perKg {
			needed = true
			break
		}
	}
	if !needed || a.weights == nil {
		return 0
	}

	w, err := a.weights.Weight(ctx, recordID)
	if err != nil {
		a.logger.Warn("patient weight unavailable, weight-normalized rates degrade to zero",
			zap.String("record_id", recordID), zap.Error(err))
		return 0
	}
	return w
}

// computeItem converts one item's windowed events into an ampule count.
func (a *Aggregator) computeItem(recordID, itemID string, events []AdministrationEvent, profile MedicationProfile, weight float64) float64 {
	switch profile.Mode() {
	case ModeBolus:
		return a.bolusQuantity(recordID, itemID, events, profile)
	case ModeFreeFlow:
		return freeFlowQuantity(events)
	default:
		return a.rateControlledQuantity(recordID, itemID, events, profile, weight)
	}
}

// bolusQuantity sums all dose magnitudes first and converts to ampules once.
// Rounding per event and then summing would overcount.
func (a *Aggregator) bolusQuantity(recordID, itemID string, events []AdministrationEvent, profile MedicationProfile) float64 {
	var total float64
	for _, e := range events {
		if e.Type != EventBolus {
			continue
		}
		dose, ok := parseAmount(e.Dose)
		if !ok {
			a.logger.Warn("malformed bolus dose, counted as zero",
				zap.String("record_id", recordID),
				zap.String("event_id", e.ID),
				zap.String("dose", e.Dose))
			continue
		}
		total += math.Abs(dose)
	}
	return a.toAmpules(total, profile, itemID)
}

// freeFlowQuantity counts one container per infusion start; rates are ignored.
func freeFlowQuantity(events []AdministrationEvent) float64 {
	var count float64
	for _, e := range events {
		if e.Type == EventInfusionStart {
			count++
		}
	}
	return count
}

// rateControlledQuantity integrates rate over the piecewise-constant segments
// of each session and converts the grand total to ampules once per item.
func (a *Aggregator) rateControlledQuantity(recordID, itemID string, events []AdministrationEvent, profile MedicationProfile, weight float64) float64 {
	unit, ok := parseRateUnit(profile.RateUnit)
	if !ok {
		a.logger.Warn("unparseable rate unit, item counted as zero",
			zap.String("item_id", itemID), zap.String("rate_unit", profile.RateUnit))
		return 0
	}

	factor, known := unitFactor(unit.amountUnit, profile.AdministrationUnit)
	if !known {
		a.logger.Warn("no conversion between rate and administration units",
			zap.String("item_id", itemID),
			zap.String("rate_unit", unit.amountUnit),
			zap.String("administration_unit", profile.AdministrationUnit))
	}

	log := a.logger.With(zap.String("record_id", recordID), zap.String("item_id", itemID))

	var total float64
	for _, s := range buildSessions(events, a.now().UTC(), log) {
		total += a.integrateSession(s, unit, weight, log)
	}
	return a.toAmpules(total*factor, profile, itemID)
}

// integrateSession sums rate x duration over the session's constant-rate
// segments, bounded by the start, each rate change, and the stop.
func (a *Aggregator) integrateSession(s session, unit rateUnit, weight float64, log *zap.Logger) float64 {
	if !s.end.After(s.start) {
		return 0
	}

	changes := make([]AdministrationEvent, 0, len(s.rateChanges))
	for _, c := range s.rateChanges {
		if c.Timestamp.Before(s.start) || !c.Timestamp.Before(s.end) {
			continue
		}
		changes = append(changes, c)
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Timestamp.Before(changes[j].Timestamp) })

	var total float64
	segStart := s.start
	rate := s.startRate
	for i := 0; i <= len(changes); i++ {
		segEnd := s.end
		if i < len(changes) {
			segEnd = changes[i].Timestamp
		}
		total += a.segmentAmount(rate, segStart, segEnd, unit, weight, log)
		if i < len(changes) {
			segStart = changes[i].Timestamp
			rate = changes[i].Rate
		}
	}
	return total
}

func (a *Aggregator) segmentAmount(rawRate string, start, end time.Time, unit rateUnit, weight float64, log *zap.Logger) float64 {
	if !end.After(start) {
		return 0
	}
	rate, ok := parseAmount(rawRate)
	if !ok {
		log.Warn("malformed infusion rate, segment counted as zero", zap.String("rate", rawRate))
		return 0
	}

	amount := math.Abs(rate) * (float64(end.Sub(start)) / float64(unit.perSpan))
	if unit.perKg {
		if weight <= 0 {
			log.Warn("weight-normalized rate without patient weight, segment counted as zero")
			return 0
		}
		amount *= weight
	}
	return amount
}

// toAmpules converts a continuous total into a discrete consumable count.
func (a *Aggregator) toAmpules(total float64, profile MedicationProfile, itemID string) float64 {
	if total <= 0 {
		return 0
	}
	if profile.AmpuleContent <= 0 {
		a.logger.Warn("profile without ampule content, item counted as zero",
			zap.String("item_id", itemID))
		return 0
	}
	return math.Ceil(total / profile.AmpuleContent)
}

// reconcile applies computed quantities to the usage store.
func (a *Aggregator) reconcile(ctx context.Context, recordID string, quantities map[string]float64) error {
	existing, err := a.usage.ListByRecord(ctx, recordID)
	if err != nil {
		return fmt.Errorf("list usage records: %w", err)
	}

	byItem := make(map[string]UsageRecord, len(existing))
	for _, rec := range existing {
		byItem[rec.ItemID] = rec
	}

	itemIDs := make([]string, 0, len(quantities))
	for id := range quantities {
		itemIDs = append(itemIDs, id)
	}
	sort.Strings(itemIDs)

	for _, itemID := range itemIDs {
		qty := quantities[itemID]
		if qty <= 0 {
			continue
		}
		rec, ok := byItem[itemID]
		if ok && rec.Overridden() {
			// Manual correction stays authoritative until cleared.
			continue
		}
		if !ok {
			rec = UsageRecord{ID: uuid.New().String(), RecordID: recordID, ItemID: itemID}
		}
		rec.CalculatedQty = qty
		if err := a.usage.Upsert(ctx, rec); err != nil {
			return fmt.Errorf("upsert usage record: %w", err)
		}
	}

	for _, rec := range existing {
		if quantities[rec.ItemID] > 0 || rec.Overridden() {
			continue
		}
		if err := a.usage.Delete(ctx, rec.ID); err != nil {
			return fmt.Errorf("delete usage record: %w", err)
		}
	}
	return nil
}

// filterAfter keeps events strictly later than the cutoff. A zero cutoff
// means no prior commit bounds the window.
func filterAfter(events []AdministrationEvent, cutoff time.Time) []AdministrationEvent {
	if cutoff.IsZero() {
		return events
	}
	out := make([]AdministrationEvent, 0, len(events))
	for _, e := range events {
		if e.Timestamp.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}
