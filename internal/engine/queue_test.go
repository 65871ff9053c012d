package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

// seedConflict creates te-1 from device A, advances it, then submits a stale
// overlapping edit from device B that lands in the queue.
func seedConflict(t *testing.T, service *Service) string {
	t.Helper()
	ctx := context.Background()
	deviceA := mustDeviceID(t, "tablet-a")
	deviceB := mustDeviceID(t, "tablet-b")

	seed := []Mutation{
		mustMutation(t, MutationConfig{
			MutationID:      "m-1",
			DeviceID:        deviceA,
			EntityType:      EntityTypeTimeEntry,
			EntityID:        "te-1",
			Operation:       OperationTypeCreate,
			FieldsJSON:      `{"note":"am","start_s":1000,"end_s":2000}`,
			SequenceInBatch: 0,
		}),
		mustMutation(t, MutationConfig{
			MutationID:      "m-2",
			DeviceID:        deviceA,
			EntityType:      EntityTypeTimeEntry,
			EntityID:        "te-1",
			BaseVersion:     1,
			Operation:       OperationTypeUpdate,
			FieldsJSON:      `{"note":"am, extended"}`,
			SequenceInBatch: 1,
		}),
	}
	if _, err := service.ProcessBatch(ctx, deviceA, 0, seed); err != nil {
		t.Fatalf("failed to seed entity: %v", err)
	}

	stale := mustMutation(t, MutationConfig{
		MutationID:  "m-3",
		DeviceID:    deviceB,
		EntityType:  EntityTypeTimeEntry,
		EntityID:    "te-1",
		BaseVersion: 1,
		Operation:   OperationTypeUpdate,
		FieldsJSON:  `{"note":"pm"}`,
	})
	result, err := service.ProcessBatch(ctx, deviceB, 0, []Mutation{stale})
	if err != nil {
		t.Fatalf("failed to submit stale edit: %v", err)
	}
	if result.Results[0].Status != OutcomeConflict || result.Results[0].ConflictID == "" {
		t.Fatalf("expected queued conflict, got %+v", result.Results[0])
	}
	return result.Results[0].ConflictID
}

func TestPendingConflictsCarriesBothSides(t *testing.T) {
	service, _ := newTestService(t, Limits{})
	conflictID := seedConflict(t, service)

	pending, err := service.PendingConflicts(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pending) != 1 || pending[0].ConflictID != conflictID {
		t.Fatalf("unexpected queue: %+v", pending)
	}

	record := pending[0]
	queued, err := decodeMutation(record.MutationJSON)
	if err != nil {
		t.Fatalf("failed to decode queued mutation: %v", err)
	}
	if queued.DeviceID().String() != "tablet-b" || queued.FieldsJSON() != `{"note":"pm"}` {
		t.Fatalf("unexpected queued mutation: %+v", queued)
	}

	var snapshot serverStateSnapshot
	if err := json.Unmarshal([]byte(record.ServerStateJSON), &snapshot); err != nil {
		t.Fatalf("failed to decode server snapshot: %v", err)
	}
	if !snapshot.Exists || snapshot.Version != 2 || record.ServerVersion != 2 {
		t.Fatalf("unexpected server snapshot: %+v", snapshot)
	}
}

func TestResolveConflictKeepServer(t *testing.T) {
	service, db := newTestService(t, Limits{})
	conflictID := seedConflict(t, service)
	ctx := context.Background()

	result, err := service.ResolveConflict(ctx, conflictID, DecisionKeepServer, "", "admin-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Applied {
		t.Fatalf("keep-server must not touch entity state: %+v", result)
	}

	var stored EntityRecord
	if err := db.Where("entity_type = ? AND entity_id = ?", EntityTypeTimeEntry, "te-1").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load entity: %v", err)
	}
	if stored.Version != 2 {
		t.Fatalf("expected version 2 preserved, got %d", stored.Version)
	}

	var record ConflictRecord
	if err := db.Where("conflict_id = ?", conflictID).Take(&record).Error; err != nil {
		t.Fatalf("failed to load conflict: %v", err)
	}
	if record.Status != ConflictStatusResolvedKeepServer || record.ResolvedBy != "admin-1" {
		t.Fatalf("unexpected conflict record: %+v", record)
	}

	// Resolution is final.
	if _, err := service.ResolveConflict(ctx, conflictID, DecisionKeepServer, "", "admin-1"); !errors.Is(err, ErrConflictNotPending) {
		t.Fatalf("expected not-pending error, got %v", err)
	}
}

func TestResolveConflictKeepClient(t *testing.T) {
	service, db := newTestService(t, Limits{})
	conflictID := seedConflict(t, service)

	result, err := service.ResolveConflict(context.Background(), conflictID, DecisionKeepClient, "", "admin-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Applied || result.NewVersion <= 2 || result.NewConflictID != "" {
		t.Fatalf("unexpected resolution: %+v", result)
	}

	var stored EntityRecord
	if err := db.Where("entity_type = ? AND entity_id = ?", EntityTypeTimeEntry, "te-1").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load entity: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(stored.PayloadJSON), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["note"] != "pm" || stored.LastWriterDevice != "tablet-b" {
		t.Fatalf("expected queued edit applied, got %+v", stored)
	}
}

func TestResolveConflictKeepClientSupersededWhenEntityMoved(t *testing.T) {
	service, db := newTestService(t, Limits{})
	conflictID := seedConflict(t, service)
	ctx := context.Background()
	deviceA := mustDeviceID(t, "tablet-a")

	// The entity moves on while the conflict waits in the queue.
	advance := mustMutation(t, MutationConfig{
		MutationID:  "m-4",
		DeviceID:    deviceA,
		EntityType:  EntityTypeTimeEntry,
		EntityID:    "te-1",
		BaseVersion: 2,
		Operation:   OperationTypeUpdate,
		FieldsJSON:  `{"note":"lunch"}`,
	})
	if _, err := service.ProcessBatch(ctx, deviceA, 0, []Mutation{advance}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := service.ResolveConflict(ctx, conflictID, DecisionKeepClient, "", "admin-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Applied || result.NewConflictID == "" {
		t.Fatalf("expected supersession, got %+v", result)
	}

	var original ConflictRecord
	if err := db.Where("conflict_id = ?", conflictID).Take(&original).Error; err != nil {
		t.Fatalf("failed to load original conflict: %v", err)
	}
	if original.Status != ConflictStatusResolvedSuperseded {
		t.Fatalf("expected superseded status, got %q", original.Status)
	}

	var successor ConflictRecord
	if err := db.Where("conflict_id = ?", result.NewConflictID).Take(&successor).Error; err != nil {
		t.Fatalf("failed to load successor conflict: %v", err)
	}
	if successor.Status != ConflictStatusPending || successor.ServerVersion != 3 {
		t.Fatalf("expected pending successor against version 3, got %+v", successor)
	}
}

func TestResolveConflictMergedPayload(t *testing.T) {
	service, db := newTestService(t, Limits{})
	conflictID := seedConflict(t, service)

	merged := `{"note":"am, extended / pm","start_s":1000,"end_s":2000}`
	result, err := service.ResolveConflict(context.Background(), conflictID, DecisionMergedPayload, merged, "admin-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Applied || result.NewVersion <= 2 {
		t.Fatalf("unexpected resolution: %+v", result)
	}

	var stored EntityRecord
	if err := db.Where("entity_type = ? AND entity_id = ?", EntityTypeTimeEntry, "te-1").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load entity: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(stored.PayloadJSON), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["note"] != "am, extended / pm" {
		t.Fatalf("expected merged payload applied, got %v", payload)
	}
	if stored.LastWriterDevice != AdminResolutionDevice {
		t.Fatalf("expected resolution writer, got %q", stored.LastWriterDevice)
	}

	var record ConflictRecord
	if err := db.Where("conflict_id = ?", conflictID).Take(&record).Error; err != nil {
		t.Fatalf("failed to load conflict: %v", err)
	}
	if record.Status != ConflictStatusResolvedMerged {
		t.Fatalf("unexpected status %q", record.Status)
	}
}

func TestResolveConflictInputValidation(t *testing.T) {
	service, _ := newTestService(t, Limits{})
	conflictID := seedConflict(t, service)
	ctx := context.Background()

	if _, err := service.ResolveConflict(ctx, conflictID, "split-difference", "", "admin-1"); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("expected invalid decision, got %v", err)
	}
	if _, err := service.ResolveConflict(ctx, conflictID, DecisionMergedPayload, "", "admin-1"); !errors.Is(err, ErrMergedPayloadRequired) {
		t.Fatalf("expected missing payload error, got %v", err)
	}
	if _, err := service.ResolveConflict(ctx, "c-missing", DecisionKeepServer, "", "admin-1"); !errors.Is(err, ErrUnknownConflict) {
		t.Fatalf("expected unknown conflict, got %v", err)
	}
}

func TestResolutionFreesQueueCapacity(t *testing.T) {
	service, _ := newTestService(t, Limits{MaxPendingConflicts: 1})
	conflictID := seedConflict(t, service)
	ctx := context.Background()
	deviceA := mustDeviceID(t, "tablet-a")
	deviceC := mustDeviceID(t, "tablet-c")

	// Queue is full: a second entity's conflict bounces.
	otherCreate := mustMutation(t, MutationConfig{
		MutationID: "m-o1",
		DeviceID:   deviceA,
		EntityType: EntityTypeTimeEntry,
		EntityID:   "te-2",
		Operation:  OperationTypeCreate,
		FieldsJSON: `{"note":"am","start_s":1000,"end_s":2000}`,
	})
	if _, err := service.ProcessBatch(ctx, deviceA, 0, []Mutation{otherCreate}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	duplicate := mustMutation(t, MutationConfig{
		MutationID: "m-o2",
		DeviceID:   deviceC,
		EntityType: EntityTypeTimeEntry,
		EntityID:   "te-2",
		Operation:  OperationTypeCreate,
		FieldsJSON: `{"note":"pm","start_s":3000,"end_s":4000}`,
	})
	bounced, err := service.ProcessBatch(ctx, deviceC, 0, []Mutation{duplicate})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bounced.Results[0].Reason != reasonConflictQueueFull {
		t.Fatalf("expected queue-full rejection, got %+v", bounced.Results[0])
	}

	if _, err := service.ResolveConflict(ctx, conflictID, DecisionKeepServer, "", "admin-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Rejections leave no ledger entry, so the very same mutation retries
	// into the freed slot.
	queued, err := service.ProcessBatch(ctx, deviceC, 0, []Mutation{duplicate})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if queued.Results[0].Status != OutcomeConflict {
		t.Fatalf("expected conflict to queue after resolution, got %+v", queued.Results[0])
	}
}
