package usage

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// session is one continuous infusion episode from start to stop, possibly
// containing multiple constant-rate segments.
type session struct {
	start       time.Time
	end         time.Time
	startRate   string
	rateChanges []AdministrationEvent
}

// buildSessions reconstructs infusion sessions for a single item from its
// windowed events. Events carrying an explicit session ID are grouped by it;
// events without one fall back to positional chronological pairing, which
// assumes at most one open unlinked session per item at a time. A second
// unlinked start while one is open is ambiguous and gets excluded with a
// warning rather than mispaired.
func buildSessions(events []AdministrationEvent, now time.Time, logger *zap.Logger) []session {
	sorted := make([]AdministrationEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	byID := make(map[string][]AdministrationEvent)
	var unlinked []AdministrationEvent
	for _, e := range sorted {
		if e.SessionID != "" {
			byID[e.SessionID] = append(byID[e.SessionID], e)
		} else {
			unlinked = append(unlinked, e)
		}
	}

	var sessions []session
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if s, ok := assembleSession(byID[id], now); ok {
			sessions = append(sessions, s)
		} else {
			logger.Warn("infusion session without start event skipped",
				zap.String("session_id", id))
		}
	}

	sessions = append(sessions, pairPositionally(unlinked, now, logger)...)
	return sessions
}

// assembleSession builds one session from events sharing a session ID.
func assembleSession(events []AdministrationEvent, now time.Time) (session, bool) {
	var s session
	started := false
	for _, e := range events {
		switch e.Type {
		case EventInfusionStart:
			if started {
				continue
			}
			started = true
			s.start = e.Timestamp
			s.startRate = e.Rate
			if e.EndTimestamp != nil {
				s.end = *e.EndTimestamp
			}
		case EventInfusionStop:
			if started && s.end.IsZero() {
				s.end = e.Timestamp
			}
		case EventRateChange:
			s.rateChanges = append(s.rateChanges, e)
		}
	}
	if !started {
		return session{}, false
	}
	if s.end.IsZero() {
		s.end = now
	}
	return s, true
}

// pairPositionally is the legacy fallback for events that predate session
// identifiers: starts and stops pair up in chronological order.
func pairPositionally(events []AdministrationEvent, now time.Time, logger *zap.Logger) []session {
	var sessions []session
	var open *session

	for _, e := range events {
		switch e.Type {
		case EventInfusionStart:
			if open != nil {
				logger.Warn("overlapping unlinked infusion start excluded from usage",
					zap.String("event_id", e.ID),
					zap.String("item_id", e.ItemID),
					zap.Time("timestamp", e.Timestamp))
				continue
			}
			s := session{start: e.Timestamp, startRate: e.Rate}
			if e.EndTimestamp != nil {
				// An embedded end timestamp completes the session on its
				// own; no stop event is expected and a later start is not
				// an overlap.
				s.end = *e.EndTimestamp
				sessions = append(sessions, s)
				continue
			}
			open = &s
		case EventInfusionStop:
			if open == nil {
				continue
			}
			if open.end.IsZero() {
				open.end = e.Timestamp
			}
			sessions = append(sessions, *open)
			open = nil
		case EventRateChange:
			if open != nil {
				open.rateChanges = append(open.rateChanges, e)
			}
		}
	}

	if open != nil {
		if open.end.IsZero() {
			open.end = now
		}
		sessions = append(sessions, *open)
	}
	return sessions
}

// rateUnit is a parsed rate-controlled unit such as "mcg/kg/min" or "ml/h".
type rateUnit struct {
	amountUnit string
	perKg      bool
	perSpan    time.Duration
}

// parseRateUnit splits a rate unit into its amount unit, optional weight
// normalization, and time base.
func parseRateUnit(s string) (rateUnit, bool) {
	parts := strings.Split(strings.TrimSpace(strings.ToLower(s)), "/")
	if len(parts) < 2 {
		return rateUnit{}, false
	}

	u := rateUnit{amountUnit: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		switch strings.TrimSpace(p) {
		case "kg":
			u.perKg = true
		case "min":
			u.perSpan = time.Minute
		case "h", "hr":
			u.perSpan = time.Hour
		case "s", "sec":
			u.perSpan = time.Second
		}
	}
	if u.amountUnit == "" || u.perSpan == 0 {
		return rateUnit{}, false
	}
	return u, true
}

// Relative sizes within each unit family; cross-family conversion is not
// meaningful and falls back to a factor of 1.
var (
	massUnits   = map[string]float64{"mcg": 0.001, "ug": 0.001, "mg": 1, "g": 1000}
	volumeUnits = map[string]float64{"ml": 1, "l": 1000}
)

// unitFactor converts an amount in `from` units into `to` units.
func unitFactor(from, to string) (float64, bool) {
	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	if from == to || to == "" {
		return 1, true
	}
	if f, ok := massUnits[from]; ok {
		if t, ok := massUnits[to]; ok {
			return f / t, true
		}
	}
	if f, ok := volumeUnits[from]; ok {
		if t, ok := volumeUnits[to]; ok {
			return f / t, true
		}
	}
	return 1, false
}

// parseAmount parses a documented numeric field. Values are free text from
// documentation clients, so comma decimals are tolerated.
func parseAmount(s string) (float64, bool) {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
