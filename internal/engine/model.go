package engine

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

// AdminResolutionDevice is the synthetic writer identity attributed to
// merged payloads applied by an administrator resolving a conflict.
const AdminResolutionDevice = "admin-resolution"

var (
	// ErrInvalidDeviceID indicates that a device identifier is empty or exceeds storage bounds.
	ErrInvalidDeviceID = errors.New("engine: invalid device id")
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("engine: invalid entity id")
	// ErrInvalidEntityType indicates that an entity type is not registered.
	ErrInvalidEntityType = errors.New("engine: invalid entity type")
	// ErrInvalidMutationID indicates that a mutation identifier is empty or exceeds storage bounds.
	ErrInvalidMutationID = errors.New("engine: invalid mutation id")
)

// DeviceID represents a validated device identifier.
type DeviceID string

// NewDeviceID validates raw input and returns a DeviceID.
func NewDeviceID(rawInput string) (DeviceID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDeviceID, maxIdentifierLength)
	}
	return DeviceID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DeviceID) String() string {
	return string(id)
}

// EntityID represents a validated syncable-entity identifier.
type EntityID string

// NewEntityID validates raw input and returns an EntityID.
func NewEntityID(rawInput string) (EntityID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return EntityID(trimmed), nil
}

// String returns the underlying string identifier.
func (id EntityID) String() string {
	return string(id)
}

// MutationID represents a validated client-generated mutation identifier.
type MutationID string

// NewMutationID validates raw input and returns a MutationID.
func NewMutationID(rawInput string) (MutationID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidMutationID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidMutationID, maxIdentifierLength)
	}
	return MutationID(trimmed), nil
}

// String returns the underlying string identifier.
func (id MutationID) String() string {
	return string(id)
}

// EntityRecord holds the current state of one syncable entity together with
// its conflict-resolution metadata. Version is assigned from the change-log
// sequence and therefore strictly increases per entity and globally.
type EntityRecord struct {
	EntityType       string `gorm:"column:entity_type;primaryKey;size:64;not null"`
	EntityID         string `gorm:"column:entity_id;primaryKey;size:190;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	Version          int64  `gorm:"column:version;not null;default:0;index:idx_entities_version"`
	LastWriterDevice string `gorm:"column:last_writer_device;size:190;not null;default:''"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
	DeletedAtSeconds *int64 `gorm:"column:deleted_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (EntityRecord) TableName() string {
	return "sync_entities"
}

// Deleted reports whether the entity is soft-deleted.
func (r EntityRecord) Deleted() bool {
	return r.DeletedAtSeconds != nil
}

// EntityChange is the append-only history of accepted mutations. Its
// autoincrementing sequence is the version token handed to the entity it
// touched, which makes the log both the field-diff history consulted by the
// conflict detector and the ordered source the delta compiler walks.
type EntityChange struct {
	ChangeSeq         int64  `gorm:"column:change_seq;primaryKey;autoIncrement"`
	ChangeID          string `gorm:"column:change_id;size:190;not null;uniqueIndex"`
	EntityType        string `gorm:"column:entity_type;size:64;not null;index:idx_changes_entity,priority:1"`
	EntityID          string `gorm:"column:entity_id;size:190;not null;index:idx_changes_entity,priority:2"`
	Operation         string `gorm:"column:op;size:16;not null"`
	ChangedFieldsJSON string `gorm:"column:changed_fields;type:text;not null"`
	PayloadJSON       string `gorm:"column:payload_json;type:text;not null"`
	WriterDevice      string `gorm:"column:writer_device;size:190;not null"`
	ClientTimeSeconds int64  `gorm:"column:client_time_s;not null"`
	AppliedAtSeconds  int64  `gorm:"column:applied_at_s;not null"`
	PreviousVersion   *int64 `gorm:"column:prev_version"`
}

// TableName provides the explicit table binding for GORM.
func (EntityChange) TableName() string {
	return "entity_changes"
}

// IdempotencyRecord pins the outcome of the first apply of a
// (device, mutation) pair so retransmissions replay it instead of
// reprocessing.
type IdempotencyRecord struct {
	DeviceID           string `gorm:"column:device_id;primaryKey;size:190;not null"`
	MutationID         string `gorm:"column:mutation_id;primaryKey;size:190;not null"`
	Status             string `gorm:"column:status;size:16;not null"`
	AppliedVersion     int64  `gorm:"column:applied_version;not null;default:0"`
	ConflictID         string `gorm:"column:conflict_id;size:190;not null;default:''"`
	EntityType         string `gorm:"column:entity_type;size:64;not null"`
	EntityID           string `gorm:"column:entity_id;size:190;not null"`
	PayloadFingerprint string `gorm:"column:payload_sha;size:64;not null"`
	RecordedAtSeconds  int64  `gorm:"column:recorded_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (IdempotencyRecord) TableName() string {
	return "idempotency_records"
}

// Conflict record statuses.
const (
	ConflictStatusPending            = "pending"
	ConflictStatusResolvedKeepServer = "resolved-keep-server"
	ConflictStatusResolvedKeepClient = "resolved-keep-client"
	ConflictStatusResolvedMerged     = "resolved-merged"
	ConflictStatusResolvedSuperseded = "resolved-superseded"
)

// ConflictRecord captures an unresolvable concurrent edit awaiting a manual
// decision. At most one pending record exists per entity.
type ConflictRecord struct {
	ConflictID        string `gorm:"column:conflict_id;primaryKey;size:190;not null"`
	EntityType        string `gorm:"column:entity_type;size:64;not null;index:idx_conflicts_entity,priority:1"`
	EntityID          string `gorm:"column:entity_id;size:190;not null;index:idx_conflicts_entity,priority:2"`
	MutationJSON      string `gorm:"column:mutation_json;type:text;not null"`
	ServerStateJSON   string `gorm:"column:server_state_json;type:text;not null"`
	ServerVersion     int64  `gorm:"column:server_version;not null"`
	Status            string `gorm:"column:status;size:32;not null;index:idx_conflicts_status"`
	DetectedAtSeconds int64  `gorm:"column:detected_at_s;not null"`
	ResolvedBy        string `gorm:"column:resolved_by;size:190;not null;default:''"`
	ResolvedAtSeconds *int64 `gorm:"column:resolved_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (ConflictRecord) TableName() string {
	return "conflict_records"
}

// DeviceCursor is the per-device acknowledged delta watermark. It advances
// only when the device presents a higher cursor on a later request.
type DeviceCursor struct {
	DeviceID                string `gorm:"column:device_id;primaryKey;size:190;not null"`
	LastAcknowledgedVersion int64  `gorm:"column:last_acked_version;not null;default:0"`
	UpdatedAtSeconds        int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DeviceCursor) TableName() string {
	return "device_cursors"
}

// RetentionMark is a single-row table recording the highest pruned
// change-log sequence. Cursors at or below the floor require a full resync.
type RetentionMark struct {
	ID       int64 `gorm:"column:id;primaryKey"`
	FloorSeq int64 `gorm:"column:floor_seq;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (RetentionMark) TableName() string {
	return "sync_retention"
}

func entityKey(entityType, entityID string) string {
	return entityType + "/" + entityID
}
