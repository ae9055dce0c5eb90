package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/kfactor/pkg/contracts"
)

const eventColumns = "id, event_type, user_id, ts, cohort, referred, loop_id, invite_code, metadata"

// buildEventQuery renders the SELECT for f. placeholder renders the n-th
// (1-based) bind parameter for the dialect; ts converts bound times.
func buildEventQuery(table string, f EventFilter, placeholder func(n int) string, ts func(time.Time) any) (string, []any) {
	var (
		where []string
		args  []any
	)
	bind := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if len(f.Types) > 0 {
		ph := make([]string, 0, len(f.Types))
		for _, t := range f.Types {
			ph = append(ph, bind(string(t)))
		}
		where = append(where, "event_type IN ("+strings.Join(ph, ", ")+")")
	}
	if f.UserID != "" {
		where = append(where, "user_id = "+bind(f.UserID))
	}
	if f.Cohort != "" {
		where = append(where, "cohort = "+bind(f.Cohort))
	}
	if f.LoopID != "" {
		where = append(where, "loop_id = "+bind(f.LoopID))
	}
	if f.InviteCode != "" {
		where = append(where, "invite_code = "+bind(f.InviteCode))
	}
	if !f.Range.Start.IsZero() {
		where = append(where, "ts >= "+bind(ts(f.Range.Start)))
	}
	if !f.Range.End.IsZero() {
		where = append(where, "ts <= "+bind(ts(f.Range.End)))
	}

	q := "SELECT " + eventColumns + " FROM " + table
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq ASC"
	return q, args
}

func encodeMetadata(e contracts.Event) (string, error) {
	b, err := json.Marshal(e.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to encode event metadata: %w", err)
	}
	return string(b), nil
}

func decodeEvent(id, eventType, userID string, ts time.Time, metadata []byte) (contracts.Event, error) {
	e := contracts.Event{
		ID:        id,
		Type:      contracts.EventType(eventType),
		UserID:    userID,
		Timestamp: ts.UTC(),
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
			return contracts.Event{}, fmt.Errorf("failed to decode event %s metadata: %w", id, err)
		}
	}
	return e, nil
}
