package engine

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMergeDisjointIntervalsUnionsSpans(t *testing.T) {
	existing := &EntityRecord{
		EntityType:       EntityTypeTimeEntry,
		EntityID:         "te-1",
		Version:          2,
		LastWriterDevice: "tablet-1",
		PayloadJSON:      `{"job_id":"job-1","start_s":500,"end_s":900}`,
	}
	mutation := mustMutation(t, MutationConfig{
		MutationID:  "m-1",
		DeviceID:    "tablet-2",
		EntityType:  EntityTypeTimeEntry,
		EntityID:    "te-1",
		BaseVersion: 1,
		Operation:   OperationTypeUpdate,
		FieldsJSON:  `{"start_s":1000,"end_s":2000}`,
	})

	merged, ok := mergeDisjointIntervals(existing, mutation, []string{"start_s", "end_s"})
	if !ok {
		t.Fatalf("expected disjoint intervals to merge")
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(merged), &payload); err != nil {
		t.Fatalf("failed to decode merged payload: %v", err)
	}
	if start, _ := numberAt(payload, "start_s"); start != 500 {
		t.Fatalf("expected union start 500, got %d", start)
	}
	if end, _ := numberAt(payload, "end_s"); end != 2000 {
		t.Fatalf("expected union end 2000, got %d", end)
	}
}

func TestMergeDisjointIntervalsRefusals(t *testing.T) {
	existing := &EntityRecord{
		EntityType:  EntityTypeTimeEntry,
		EntityID:    "te-1",
		Version:     2,
		PayloadJSON: `{"start_s":500,"end_s":1500}`,
	}

	tests := []struct {
		name             string
		entityType       string
		operation        OperationType
		fieldsJSON       string
		changedSinceBase []string
	}{
		{
			name:             "overlapping-intervals",
			entityType:       EntityTypeTimeEntry,
			operation:        OperationTypeUpdate,
			fieldsJSON:       `{"start_s":1000,"end_s":2000}`,
			changedSinceBase: []string{"start_s", "end_s"},
		},
		{
			name:             "contested-non-range-field",
			entityType:       EntityTypeTimeEntry,
			operation:        OperationTypeUpdate,
			fieldsJSON:       `{"start_s":2000,"end_s":3000,"note":"pm"}`,
			changedSinceBase: []string{"start_s", "end_s", "note"},
		},
		{
			name:             "type-without-range-rule",
			entityType:       EntityTypePhotoMeta,
			operation:        OperationTypeUpdate,
			fieldsJSON:       `{"caption":"forms"}`,
			changedSinceBase: []string{"caption"},
		},
		{
			name:             "delete-never-merges",
			entityType:       EntityTypeTimeEntry,
			operation:        OperationTypeDelete,
			fieldsJSON:       "",
			changedSinceBase: []string{"start_s"},
		},
		{
			name:             "missing-endpoint",
			entityType:       EntityTypeTimeEntry,
			operation:        OperationTypeUpdate,
			fieldsJSON:       `{"start_s":2000}`,
			changedSinceBase: []string{"start_s"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutation := mustMutation(t, MutationConfig{
				MutationID:  "m-1",
				DeviceID:    "tablet-2",
				EntityType:  tt.entityType,
				EntityID:    "te-1",
				BaseVersion: 1,
				Operation:   tt.operation,
				FieldsJSON:  tt.fieldsJSON,
			})
			if _, ok := mergeDisjointIntervals(existing, mutation, tt.changedSinceBase); ok {
				t.Fatalf("expected merge refusal")
			}
		})
	}
}

func TestApplyMutationPatchesPayload(t *testing.T) {
	existing := &EntityRecord{
		EntityType:       EntityTypeTimeEntry,
		EntityID:         "te-1",
		Version:          3,
		LastWriterDevice: "tablet-1",
		PayloadJSON:      `{"job_id":"job-1","note":"am shift","start_s":1000}`,
	}
	mutation := mustMutation(t, MutationConfig{
		MutationID:        "m-1",
		DeviceID:          "tablet-2",
		EntityType:        EntityTypeTimeEntry,
		EntityID:          "te-1",
		BaseVersion:       3,
		Operation:         OperationTypeUpdate,
		FieldsJSON:        `{"note":"pm shift","end_s":2000}`,
		ClientTimeSeconds: 1700000050,
	})

	updated, audit, err := applyMutation(existing, mutation, mutation.FieldsJSON(), time.Unix(1700000100, 0).UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(updated.PayloadJSON), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["job_id"] != "job-1" {
		t.Fatalf("expected untouched field to survive, got %v", payload["job_id"])
	}
	if payload["note"] != "pm shift" {
		t.Fatalf("expected patched note, got %v", payload["note"])
	}
	if updated.LastWriterDevice != "tablet-2" {
		t.Fatalf("expected writer to update, got %s", updated.LastWriterDevice)
	}
	if updated.UpdatedAtSeconds != 1700000100 {
		t.Fatalf("expected server clock timestamp, got %d", updated.UpdatedAtSeconds)
	}

	if audit.PreviousVersion == nil || *audit.PreviousVersion != 3 {
		t.Fatalf("unexpected previous version: %#v", audit.PreviousVersion)
	}
	if audit.ClientTimeSeconds != 1700000050 {
		t.Fatalf("expected client time as metadata, got %d", audit.ClientTimeSeconds)
	}
	var changed []string
	if err := json.Unmarshal([]byte(audit.ChangedFieldsJSON), &changed); err != nil {
		t.Fatalf("failed to decode changed fields: %v", err)
	}
	if len(changed) != 2 || changed[0] != "end_s" || changed[1] != "note" {
		t.Fatalf("unexpected changed fields %v", changed)
	}
}

func TestApplyMutationDeleteKeepsPayload(t *testing.T) {
	existing := &EntityRecord{
		EntityType:  EntityTypeTimeEntry,
		EntityID:    "te-1",
		Version:     2,
		PayloadJSON: `{"job_id":"job-1"}`,
	}
	mutation := mustMutation(t, MutationConfig{
		MutationID:  "m-1",
		DeviceID:    "tablet-1",
		EntityType:  EntityTypeTimeEntry,
		EntityID:    "te-1",
		BaseVersion: 2,
		Operation:   OperationTypeDelete,
	})

	updated, _, err := applyMutation(existing, mutation, mutation.FieldsJSON(), time.Unix(1700000100, 0).UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !updated.Deleted() {
		t.Fatalf("expected tombstone")
	}
	if updated.PayloadJSON != `{"job_id":"job-1"}` {
		t.Fatalf("expected payload to survive delete, got %s", updated.PayloadJSON)
	}
}

func TestApplyMutationCreateResurrectionClearsTombstone(t *testing.T) {
	deletedAt := int64(1700000000)
	existing := &EntityRecord{
		EntityType:       EntityTypeTimeEntry,
		EntityID:         "te-1",
		Version:          4,
		PayloadJSON:      `{"job_id":"job-1"}`,
		DeletedAtSeconds: &deletedAt,
	}
	mutation := mustMutation(t, MutationConfig{
		MutationID:  "m-1",
		DeviceID:    AdminResolutionDevice,
		EntityType:  EntityTypeTimeEntry,
		EntityID:    "te-1",
		BaseVersion: 4,
		Operation:   OperationTypeUpdate,
		FieldsJSON:  `{"note":"restored"}`,
	})

	updated, _, err := applyMutation(existing, mutation, mutation.FieldsJSON(), time.Unix(1700000200, 0).UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Deleted() {
		t.Fatalf("expected tombstone cleared")
	}
}
