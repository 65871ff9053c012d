package engine

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Delta change kinds.
const (
	ChangeKindCreated = "created"
	ChangeKindUpdated = "updated"
	ChangeKindDeleted = "deleted"
)

// DeltaChange is one entity state the device has not acknowledged yet.
type DeltaChange struct {
	EntityType       string
	EntityID         string
	Kind             string
	Version          int64
	PayloadJSON      string
	LastWriterDevice string
	UpdatedAtSeconds int64
	Deleted          bool
}

// Delta is the incremental pull for one device.
type Delta struct {
	Changes    []DeltaChange
	NextCursor int64
	HasMore    bool
}

// CompileDelta produces the entity changes past the device's cursor in
// ascending version order, capped at limit. Multiple writes to one entity
// coalesce into its latest state, which carries its latest version token.
func (s *Service) CompileDelta(ctx context.Context, deviceID DeviceID, sinceCursor int64, limit int) (Delta, error) {
	if deviceID == "" {
		return Delta{}, newServiceError(opCompileDelta, "missing_device_id", ErrInvalidDeviceID)
	}
	if limit <= 0 || limit > s.limits.DeltaPageSize {
		limit = s.limits.DeltaPageSize
	}

	db := s.db.WithContext(ctx)
	floor, err := retentionFloor(db)
	if err != nil {
		s.logError(opCompileDelta, "retention_read_failed", err, zap.String("device_id", deviceID.String()))
		return Delta{}, newServiceError(opCompileDelta, "retention_read_failed", errors.Join(ErrStorageFailure, err))
	}
	if sinceCursor > 0 && sinceCursor < floor {
		return Delta{}, newServiceError(opCompileDelta, "stale_cursor", ErrStaleCursor)
	}

	query := db.Where("version > ?", sinceCursor)
	if s.limits.SuppressEcho {
		query = query.Where("last_writer_device <> ?", deviceID.String())
	}

	var records []EntityRecord
	if err := query.Order("version ASC").Limit(limit + 1).Find(&records).Error; err != nil {
		s.logError(opCompileDelta, "query_failed", err, zap.String("device_id", deviceID.String()))
		return Delta{}, newServiceError(opCompileDelta, "query_failed", errors.Join(ErrStorageFailure, err))
	}

	hasMore := false
	if len(records) > limit {
		hasMore = true
		records = records[:limit]
	}

	kinds, err := s.changeKinds(db, records)
	if err != nil {
		s.logError(opCompileDelta, "change_lookup_failed", err, zap.String("device_id", deviceID.String()))
		return Delta{}, newServiceError(opCompileDelta, "change_lookup_failed", errors.Join(ErrStorageFailure, err))
	}

	delta := Delta{NextCursor: sinceCursor, HasMore: hasMore}
	for _, record := range records {
		change := DeltaChange{
			EntityType:       record.EntityType,
			EntityID:         record.EntityID,
			Kind:             kinds[record.Version],
			Version:          record.Version,
			PayloadJSON:      record.PayloadJSON,
			LastWriterDevice: record.LastWriterDevice,
			UpdatedAtSeconds: record.UpdatedAtSeconds,
			Deleted:          record.Deleted(),
		}
		delta.Changes = append(delta.Changes, change)
		delta.NextCursor = record.Version
	}
	return delta, nil
}

// changeKinds maps each emitted version to created/updated/deleted by
// consulting the change rows that assigned the versions. Pruned history
// defaults to updated, or deleted for tombstones.
func (s *Service) changeKinds(db *gorm.DB, records []EntityRecord) (map[int64]string, error) {
	kinds := make(map[int64]string, len(records))
	if len(records) == 0 {
		return kinds, nil
	}

	versions := make([]int64, 0, len(records))
	for _, record := range records {
		versions = append(versions, record.Version)
		if record.Deleted() {
			kinds[record.Version] = ChangeKindDeleted
		} else {
			kinds[record.Version] = ChangeKindUpdated
		}
	}

	var changes []EntityChange
	if err := db.Where("change_seq IN ?", versions).Find(&changes).Error; err != nil {
		return nil, err
	}
	for _, change := range changes {
		switch change.Operation {
		case string(OperationTypeCreate):
			kinds[change.ChangeSeq] = ChangeKindCreated
		case string(OperationTypeDelete):
			kinds[change.ChangeSeq] = ChangeKindDeleted
		}
	}
	return kinds, nil
}

// PruneChangeLog trims the change log to the newest keep entries and raises
// the retention floor. Devices whose cursor falls below the floor are told
// to resync from zero; entity state rows are never pruned, so a full resync
// always converges.
func (s *Service) PruneChangeLog(ctx context.Context, keep int64) error {
	if keep < 0 {
		keep = 0
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&EntityChange{}).Select("COALESCE(MAX(change_seq), 0)").Scan(&maxSeq).Error; err != nil {
			return err
		}
		floor := maxSeq - keep
		if floor <= 0 {
			return nil
		}
		currentFloor, err := retentionFloor(tx)
		if err != nil {
			return err
		}
		if floor <= currentFloor {
			return nil
		}
		if err := tx.Where("change_seq <= ?", floor).Delete(&EntityChange{}).Error; err != nil {
			return err
		}
		mark := RetentionMark{ID: 1, FloorSeq: floor}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"floor_seq": floor}),
		}).Create(&mark).Error
	})
	if txErr != nil {
		s.logError(opPruneChangeLog, "prune_failed", txErr)
		return newServiceError(opPruneChangeLog, "prune_failed", errors.Join(ErrStorageFailure, txErr))
	}
	return nil
}
