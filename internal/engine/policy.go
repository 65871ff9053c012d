package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// resolutionPlan is the policy engine's decision for one classified mutation.
type resolutionPlan struct {
	apply      bool
	escalate   bool
	autoMerged bool
	fieldsJSON string
}

// planResolution maps a classification onto an action. Clean and
// stale-compatible mutations apply as-is. Conflicting mutations apply only
// under the disjoint-interval rule; everything else escalates to the queue.
func planResolution(classification Classification, existing *EntityRecord, m Mutation, changedSinceBase []string) resolutionPlan {
	switch classification {
	case ClassificationClean, ClassificationStaleCompatible:
		return resolutionPlan{apply: true, fieldsJSON: m.FieldsJSON()}
	case ClassificationConflicting:
		if merged, ok := mergeDisjointIntervals(existing, m, changedSinceBase); ok {
			return resolutionPlan{apply: true, autoMerged: true, fieldsJSON: merged}
		}
		return resolutionPlan{escalate: true}
	default:
		return resolutionPlan{}
	}
}

// mergeDisjointIntervals implements the one deterministic rule for
// quantitative conflicts: when the only contested fields are an entity
// type's start/end pair and the two writers' intervals provably do not
// overlap, the merge is their union (earliest start, latest end), which
// preserves both recorded spans. Any overlap, missing endpoint, or contested
// non-range field escalates instead.
func mergeDisjointIntervals(existing *EntityRecord, m Mutation, changedSinceBase []string) (string, bool) {
	if existing == nil || existing.Deleted() {
		return "", false
	}
	if m.Operation() != OperationTypeUpdate {
		return "", false
	}
	policy, ok := PolicyFor(m.EntityType())
	if !ok || policy.Range == nil {
		return "", false
	}
	rangeFields := map[string]struct{}{
		policy.Range.StartField: {},
		policy.Range.EndField:   {},
	}
	contested := intersectFields(m.FieldNames(), changedSinceBase)
	if len(contested) == 0 {
		return "", false
	}
	for _, name := range contested {
		if _, ok := rangeFields[name]; !ok {
			return "", false
		}
	}

	incoming, err := decodeObject(m.FieldsJSON())
	if err != nil {
		return "", false
	}
	current, err := decodeObject(existing.PayloadJSON)
	if err != nil {
		return "", false
	}

	incomingStart, incomingEnd, ok := intervalOf(incoming, *policy.Range)
	if !ok {
		return "", false
	}
	currentStart, currentEnd, ok := intervalOf(current, *policy.Range)
	if !ok {
		return "", false
	}
	if incomingStart >= incomingEnd || currentStart >= currentEnd {
		return "", false
	}
	if incomingEnd > currentStart && currentEnd > incomingStart {
		// Overlapping spans are never merged automatically.
		return "", false
	}

	incoming[policy.Range.StartField] = minInt64(incomingStart, currentStart)
	incoming[policy.Range.EndField] = maxInt64(incomingEnd, currentEnd)
	merged, err := json.Marshal(incoming)
	if err != nil {
		return "", false
	}
	return string(merged), true
}

// applyMutation builds the next entity state and its audit record. The
// version token is assigned by the caller once the change row has a sequence.
func applyMutation(existing *EntityRecord, m Mutation, effectiveFields string, appliedAt time.Time) (EntityRecord, EntityChange, error) {
	updated := EntityRecord{
		EntityType:  m.EntityType(),
		EntityID:    m.EntityID().String(),
		PayloadJSON: "{}",
	}
	var previousVersion *int64
	if existing != nil {
		updated = *existing
		v := existing.Version
		previousVersion = &v
	}

	switch m.Operation() {
	case OperationTypeDelete:
		deletedAt := appliedAt.Unix()
		updated.DeletedAtSeconds = &deletedAt
	default:
		merged, err := mergePayload(updated.PayloadJSON, effectiveFields)
		if err != nil {
			return EntityRecord{}, EntityChange{}, err
		}
		updated.PayloadJSON = merged
		updated.DeletedAtSeconds = nil
	}

	updated.LastWriterDevice = m.DeviceID().String()
	updated.UpdatedAtSeconds = appliedAt.Unix()

	changedFields, err := json.Marshal(m.FieldNames())
	if err != nil {
		return EntityRecord{}, EntityChange{}, err
	}

	audit := EntityChange{
		EntityType:        updated.EntityType,
		EntityID:          updated.EntityID,
		Operation:         string(m.Operation()),
		ChangedFieldsJSON: string(changedFields),
		PayloadJSON:       updated.PayloadJSON,
		WriterDevice:      m.DeviceID().String(),
		ClientTimeSeconds: m.ClientTimeSeconds(),
		AppliedAtSeconds:  appliedAt.Unix(),
		PreviousVersion:   previousVersion,
	}
	return updated, audit, nil
}

func mergePayload(basePayload, fieldsJSON string) (string, error) {
	base, err := decodeObject(basePayload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFields, err)
	}
	overlay, err := decodeObject(fieldsJSON)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidFields, err)
	}
	for name, value := range overlay {
		base[name] = value
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return "", err
	}
	return string(merged), nil
}

func decodeObject(raw string) (map[string]any, error) {
	if raw == "" {
		raw = "{}"
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, err
	}
	if decoded == nil {
		decoded = map[string]any{}
	}
	return decoded, nil
}

func intervalOf(payload map[string]any, pair RangePair) (int64, int64, bool) {
	start, ok := numberAt(payload, pair.StartField)
	if !ok {
		return 0, 0, false
	}
	end, ok := numberAt(payload, pair.EndField)
	if !ok {
		return 0, 0, false
	}
	return start, end, true
}

func numberAt(payload map[string]any, field string) (int64, bool) {
	raw, ok := payload[field]
	if !ok {
		return 0, false
	}
	value, ok := raw.(float64)
	if !ok {
		return 0, false
	}
	return int64(value), true
}

func intersectFields(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	for _, name := range a {
		seen[name] = struct{}{}
	}
	var out []string
	for _, name := range b {
		if _, ok := seen[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
