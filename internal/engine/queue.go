package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Resolution decisions accepted by ResolveConflict.
const (
	DecisionKeepServer    = "keep-server"
	DecisionKeepClient    = "keep-client"
	DecisionMergedPayload = "merged-payload"
)

// ErrInvalidDecision indicates an unknown resolution decision.
var ErrInvalidDecision = errors.New("engine: invalid resolution decision")

// ResolutionResult reports the effect of resolving one conflict.
type ResolutionResult struct {
	ConflictID string
	Decision   string
	Applied    bool
	NewVersion int64
	// NewConflictID is set when a keep-client re-issue conflicted again
	// because the entity moved while queued; the original record is then
	// marked superseded.
	NewConflictID string
}

// PendingConflicts lists the queue awaiting manual decisions, oldest first.
func (s *Service) PendingConflicts(ctx context.Context) ([]ConflictRecord, error) {
	var records []ConflictRecord
	err := s.db.WithContext(ctx).
		Where("status = ?", ConflictStatusPending).
		Order("detected_at_s ASC, conflict_id ASC").
		Find(&records).Error
	if err != nil {
		s.logError(opListConflicts, "query_failed", err)
		return nil, newServiceError(opListConflicts, "query_failed", errors.Join(ErrStorageFailure, err))
	}
	return records, nil
}

// ResolveConflict applies an administrator decision to a pending conflict.
// keep-client re-issues the queued mutation against the current entity state
// and may itself re-conflict; merged-payload applies the supplied payload as
// a version-checked write attributed to the admin-resolution device.
func (s *Service) ResolveConflict(ctx context.Context, conflictID, decision, mergedPayload, resolvedBy string) (ResolutionResult, error) {
	switch decision {
	case DecisionKeepServer, DecisionKeepClient, DecisionMergedPayload:
	default:
		return ResolutionResult{}, newServiceError(opResolveConflict, "invalid_decision", fmt.Errorf("%w: %q", ErrInvalidDecision, decision))
	}
	if decision == DecisionMergedPayload && mergedPayload == "" {
		return ResolutionResult{}, newServiceError(opResolveConflict, "missing_payload", ErrMergedPayloadRequired)
	}

	var conflict ConflictRecord
	err := s.db.WithContext(ctx).Where("conflict_id = ?", conflictID).Take(&conflict).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ResolutionResult{}, newServiceError(opResolveConflict, "unknown_conflict", ErrUnknownConflict)
	}
	if err != nil {
		return ResolutionResult{}, newServiceError(opResolveConflict, "query_failed", errors.Join(ErrStorageFailure, err))
	}
	if conflict.Status != ConflictStatusPending {
		return ResolutionResult{}, newServiceError(opResolveConflict, "not_pending", ErrConflictNotPending)
	}

	key := entityKey(conflict.EntityType, conflict.EntityID)
	s.entityLocks.lock(key)
	defer s.entityLocks.unlock(key)

	result := ResolutionResult{ConflictID: conflictID, Decision: decision}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-read under the lock; the pending status may have raced.
		var current ConflictRecord
		if err := tx.Where("conflict_id = ?", conflictID).Take(&current).Error; err != nil {
			return err
		}
		if current.Status != ConflictStatusPending {
			return ErrConflictNotPending
		}

		switch decision {
		case DecisionKeepServer:
			return s.closeConflict(tx, conflictID, ConflictStatusResolvedKeepServer, resolvedBy)
		case DecisionKeepClient:
			return s.resolveKeepClient(tx, current, resolvedBy, &result)
		default:
			return s.resolveMerged(tx, current, mergedPayload, resolvedBy, &result)
		}
	})
	if txErr != nil {
		if errors.Is(txErr, ErrConflictNotPending) {
			return ResolutionResult{}, newServiceError(opResolveConflict, "not_pending", ErrConflictNotPending)
		}
		s.logError(opResolveConflict, "resolution_failed", txErr, zap.String("conflict_id", conflictID))
		return ResolutionResult{}, newServiceError(opResolveConflict, "resolution_failed", errors.Join(ErrStorageFailure, txErr))
	}
	return result, nil
}

func (s *Service) resolveKeepClient(tx *gorm.DB, conflict ConflictRecord, resolvedBy string, result *ResolutionResult) error {
	queued, err := decodeMutation(conflict.MutationJSON)
	if err != nil {
		return err
	}
	existing, err := s.loadEntity(tx, conflict.EntityType, conflict.EntityID)
	if err != nil {
		return err
	}

	currentVersion := int64(0)
	if existing != nil {
		currentVersion = existing.Version
	}

	if currentVersion != conflict.ServerVersion {
		// The entity moved while queued: new conflict against the new
		// state, original record superseded. The queue occupancy is
		// unchanged, so capacity does not apply.
		newConflictID, err := s.requeueConflict(tx, existing, queued)
		if err != nil {
			return err
		}
		if err := s.closeConflict(tx, conflict.ConflictID, ConflictStatusResolvedSuperseded, resolvedBy); err != nil {
			return err
		}
		result.NewConflictID = newConflictID
		return nil
	}

	appliedAt := s.clock().UTC()
	version, err := s.commitApply(tx, existing, queued, queued.FieldsJSON(), appliedAt)
	if err != nil {
		return err
	}
	if err := s.closeConflict(tx, conflict.ConflictID, ConflictStatusResolvedKeepClient, resolvedBy); err != nil {
		return err
	}
	result.Applied = true
	result.NewVersion = version
	return nil
}

func (s *Service) resolveMerged(tx *gorm.DB, conflict ConflictRecord, mergedPayload, resolvedBy string, result *ResolutionResult) error {
	existing, err := s.loadEntity(tx, conflict.EntityType, conflict.EntityID)
	if err != nil {
		return err
	}

	operation := OperationTypeUpdate
	baseVersion := int64(0)
	if existing != nil {
		baseVersion = existing.Version
	} else {
		operation = OperationTypeCreate
	}

	mutationID, err := s.idProvider.NewID()
	if err != nil {
		return err
	}
	synthetic, err := NewMutation(MutationConfig{
		MutationID:        MutationID(mutationID),
		DeviceID:          DeviceID(AdminResolutionDevice),
		EntityType:        conflict.EntityType,
		EntityID:          EntityID(conflict.EntityID),
		BaseVersion:       baseVersion,
		Operation:         operation,
		FieldsJSON:        mergedPayload,
		ClientTimeSeconds: s.clock().UTC().Unix(),
	})
	if err != nil {
		return err
	}

	appliedAt := s.clock().UTC()
	version, err := s.commitApply(tx, existing, synthetic, synthetic.FieldsJSON(), appliedAt)
	if err != nil {
		return err
	}
	if err := s.closeConflict(tx, conflict.ConflictID, ConflictStatusResolvedMerged, resolvedBy); err != nil {
		return err
	}
	result.Applied = true
	result.NewVersion = version
	return nil
}

func (s *Service) requeueConflict(tx *gorm.DB, existing *EntityRecord, queued Mutation) (string, error) {
	newConflictID, err := s.idProvider.NewID()
	if err != nil {
		return "", err
	}
	encoded, err := encodeMutation(queued)
	if err != nil {
		return "", err
	}
	snapshot, serverVersion, err := encodeServerState(existing)
	if err != nil {
		return "", err
	}
	record := ConflictRecord{
		ConflictID:        newConflictID,
		EntityType:        queued.EntityType(),
		EntityID:          queued.EntityID().String(),
		MutationJSON:      encoded,
		ServerStateJSON:   snapshot,
		ServerVersion:     serverVersion,
		Status:            ConflictStatusPending,
		DetectedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := tx.Create(&record).Error; err != nil {
		return "", err
	}
	return newConflictID, nil
}

func (s *Service) closeConflict(tx *gorm.DB, conflictID, status, resolvedBy string) error {
	resolvedAt := s.clock().UTC().Unix()
	return tx.Model(&ConflictRecord{}).
		Where("conflict_id = ?", conflictID).
		Updates(map[string]interface{}{
			"status":        status,
			"resolved_by":   resolvedBy,
			"resolved_at_s": resolvedAt,
		}).Error
}

// serverStateSnapshot is the entity state captured inside a ConflictRecord
// at detection time.
type serverStateSnapshot struct {
	Exists           bool   `json:"exists"`
	PayloadJSON      string `json:"payload_json,omitempty"`
	Version          int64  `json:"version"`
	LastWriterDevice string `json:"last_writer_device,omitempty"`
	UpdatedAtSeconds int64  `json:"updated_at_s,omitempty"`
	Deleted          bool   `json:"deleted"`
}

func encodeServerState(existing *EntityRecord) (string, int64, error) {
	snapshot := serverStateSnapshot{}
	if existing != nil {
		snapshot = serverStateSnapshot{
			Exists:           true,
			PayloadJSON:      existing.PayloadJSON,
			Version:          existing.Version,
			LastWriterDevice: existing.LastWriterDevice,
			UpdatedAtSeconds: existing.UpdatedAtSeconds,
			Deleted:          existing.Deleted(),
		}
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return "", 0, err
	}
	return string(encoded), snapshot.Version, nil
}
