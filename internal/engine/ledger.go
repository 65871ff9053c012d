package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"gorm.io/gorm"
)

// Idempotency record statuses mirror per-mutation outcome statuses.
const (
	OutcomeApplied  = "applied"
	OutcomeConflict = "conflict"
	OutcomeRejected = "rejected"
)

// MutationResult is the per-mutation outcome reported inside a batch
// response. Failures here never abort sibling mutations.
type MutationResult struct {
	MutationID string
	EntityType string
	EntityID   string
	Status     string
	NewVersion int64
	ConflictID string
	Reason     string
	AutoMerged bool
	Replayed   bool
}

// payloadFingerprint hashes the content of a mutation as submitted, before
// any server-side entity id assignment, so a verbatim retransmission always
// reproduces the stored fingerprint.
func payloadFingerprint(m Mutation) string {
	digest := sha256.New()
	digest.Write([]byte(string(m.Operation())))
	digest.Write([]byte{0})
	digest.Write([]byte(m.EntityType()))
	digest.Write([]byte{0})
	digest.Write([]byte(m.EntityID().String()))
	digest.Write([]byte{0})
	digest.Write([]byte(strconv.FormatInt(m.BaseVersion(), 10)))
	digest.Write([]byte{0})
	digest.Write([]byte(m.FieldsJSON()))
	return hex.EncodeToString(digest.Sum(nil))
}

func lookupLedger(tx *gorm.DB, deviceID, mutationID string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	err := tx.Where("device_id = ? AND mutation_id = ?", deviceID, mutationID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func replayResult(record IdempotencyRecord, mutationID string) MutationResult {
	return MutationResult{
		MutationID: mutationID,
		EntityType: record.EntityType,
		EntityID:   record.EntityID,
		Status:     record.Status,
		NewVersion: record.AppliedVersion,
		ConflictID: record.ConflictID,
		Replayed:   true,
	}
}

// changedFieldsSince unions the field names written to the entity after
// baseVersion. The second return reports whether the change log still covers
// that span; below the retention floor the diff is unknowable.
func changedFieldsSince(tx *gorm.DB, entityType, entityID string, baseVersion int64) ([]string, bool, error) {
	floor, err := retentionFloor(tx)
	if err != nil {
		return nil, false, err
	}
	if baseVersion < floor {
		return nil, false, nil
	}

	var changes []EntityChange
	err = tx.Where("entity_type = ? AND entity_id = ? AND change_seq > ?", entityType, entityID, baseVersion).
		Order("change_seq ASC").
		Find(&changes).Error
	if err != nil {
		return nil, false, err
	}

	seen := map[string]struct{}{}
	var union []string
	for _, change := range changes {
		var names []string
		if err := json.Unmarshal([]byte(change.ChangedFieldsJSON), &names); err != nil {
			return nil, false, fmt.Errorf("decode changed fields for seq %d: %w", change.ChangeSeq, err)
		}
		if change.Operation == string(OperationTypeDelete) {
			// A tombstone contests every field.
			return nil, false, nil
		}
		for _, name := range names {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			union = append(union, name)
		}
	}
	return union, true, nil
}

func retentionFloor(tx *gorm.DB) (int64, error) {
	var mark RetentionMark
	err := tx.Where("id = ?", 1).Take(&mark).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return mark.FloorSeq, nil
}
