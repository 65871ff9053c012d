package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// OperationType enumerates supported client operations.
type OperationType string

const (
	// OperationTypeCreate introduces a new entity.
	OperationTypeCreate OperationType = "create"
	// OperationTypeUpdate patches fields of an existing entity.
	OperationTypeUpdate OperationType = "update"
	// OperationTypeDelete soft-deletes an existing entity.
	OperationTypeDelete OperationType = "delete"
)

var (
	// ErrInvalidOperation indicates an unknown operation type.
	ErrInvalidOperation = errors.New("engine: invalid operation")
	// ErrInvalidBaseVersion indicates a negative base version, or a
	// non-zero base version on a create.
	ErrInvalidBaseVersion = errors.New("engine: invalid base version")
	// ErrInvalidFields indicates that the partial payload is not a JSON object.
	ErrInvalidFields = errors.New("engine: invalid mutation fields")
)

// ParseOperation validates a raw operation string.
func ParseOperation(rawInput string) (OperationType, error) {
	switch OperationType(rawInput) {
	case OperationTypeCreate, OperationTypeUpdate, OperationTypeDelete:
		return OperationType(rawInput), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, rawInput)
	}
}

// MutationConfig carries the raw inputs for a validated Mutation.
type MutationConfig struct {
	MutationID        MutationID
	DeviceID          DeviceID
	EntityType        string
	EntityID          EntityID
	BaseVersion       int64
	Operation         OperationType
	FieldsJSON        string
	ClientTimeSeconds int64
	SequenceInBatch   int
}

// Mutation is a validated, immutable client-proposed change.
type Mutation struct {
	mutationID        MutationID
	deviceID          DeviceID
	entityType        string
	entityID          EntityID
	baseVersion       int64
	operation         OperationType
	fieldsJSON        string
	fieldNames        []string
	clientTimeSeconds int64
	sequenceInBatch   int
}

// NewMutation validates the config and returns a Mutation. The entity id may
// be empty only for creates; the service assigns a server-generated id before
// processing in that case.
func NewMutation(cfg MutationConfig) (Mutation, error) {
	if cfg.MutationID == "" {
		return Mutation{}, fmt.Errorf("%w: empty", ErrInvalidMutationID)
	}
	if cfg.DeviceID == "" {
		return Mutation{}, fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	}
	if _, ok := PolicyFor(cfg.EntityType); !ok {
		return Mutation{}, fmt.Errorf("%w: %q", ErrInvalidEntityType, cfg.EntityType)
	}
	if _, err := ParseOperation(string(cfg.Operation)); err != nil {
		return Mutation{}, err
	}
	if cfg.BaseVersion < 0 {
		return Mutation{}, fmt.Errorf("%w: %d", ErrInvalidBaseVersion, cfg.BaseVersion)
	}
	if cfg.Operation == OperationTypeCreate && cfg.BaseVersion != 0 {
		return Mutation{}, fmt.Errorf("%w: create requires base version 0", ErrInvalidBaseVersion)
	}
	if cfg.Operation != OperationTypeCreate && cfg.EntityID == "" {
		return Mutation{}, fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}

	fieldsJSON := cfg.FieldsJSON
	if fieldsJSON == "" {
		fieldsJSON = "{}"
	}
	names, err := fieldNamesOf(fieldsJSON)
	if err != nil {
		return Mutation{}, err
	}
	if cfg.Operation != OperationTypeDelete && len(names) == 0 {
		return Mutation{}, fmt.Errorf("%w: no fields", ErrInvalidFields)
	}

	return Mutation{
		mutationID:        cfg.MutationID,
		deviceID:          cfg.DeviceID,
		entityType:        cfg.EntityType,
		entityID:          cfg.EntityID,
		baseVersion:       cfg.BaseVersion,
		operation:         cfg.Operation,
		fieldsJSON:        fieldsJSON,
		fieldNames:        names,
		clientTimeSeconds: cfg.ClientTimeSeconds,
		sequenceInBatch:   cfg.SequenceInBatch,
	}, nil
}

// MutationID returns the client-generated mutation identifier.
func (m Mutation) MutationID() MutationID { return m.mutationID }

// DeviceID returns the submitting device identifier.
func (m Mutation) DeviceID() DeviceID { return m.deviceID }

// EntityType returns the registered entity type.
func (m Mutation) EntityType() string { return m.entityType }

// EntityID returns the target entity identifier.
func (m Mutation) EntityID() EntityID { return m.entityID }

// BaseVersion returns the version the device believed current when editing.
func (m Mutation) BaseVersion() int64 { return m.baseVersion }

// Operation returns the mutation operation type.
func (m Mutation) Operation() OperationType { return m.operation }

// FieldsJSON returns the partial payload as a JSON object string.
func (m Mutation) FieldsJSON() string { return m.fieldsJSON }

// FieldNames returns the sorted top-level field names of the partial payload.
func (m Mutation) FieldNames() []string { return m.fieldNames }

// ClientTimeSeconds returns the untrusted client wall-clock. Metadata only,
// never an ordering input.
func (m Mutation) ClientTimeSeconds() int64 { return m.clientTimeSeconds }

// SequenceInBatch returns the position of the mutation within its batch.
func (m Mutation) SequenceInBatch() int { return m.sequenceInBatch }

func (m Mutation) withEntityID(id EntityID) Mutation {
	copied := m
	copied.entityID = id
	return copied
}

func fieldNamesOf(fieldsJSON string) ([]string, error) {
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal([]byte(fieldsJSON), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFields, err)
	}
	names := make([]string, 0, len(parsed))
	for name := range parsed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// mutationRecord is the wire form a mutation takes inside a ConflictRecord,
// so keep-client resolution can re-issue it verbatim.
type mutationRecord struct {
	MutationID        string `json:"mutation_id"`
	DeviceID          string `json:"device_id"`
	EntityType        string `json:"entity_type"`
	EntityID          string `json:"entity_id"`
	BaseVersion       int64  `json:"base_version"`
	Operation         string `json:"operation"`
	FieldsJSON        string `json:"fields_json"`
	ClientTimeSeconds int64  `json:"client_time_s"`
	SequenceInBatch   int    `json:"sequence_in_batch"`
}

func encodeMutation(m Mutation) (string, error) {
	record := mutationRecord{
		MutationID:        m.mutationID.String(),
		DeviceID:          m.deviceID.String(),
		EntityType:        m.entityType,
		EntityID:          m.entityID.String(),
		BaseVersion:       m.baseVersion,
		Operation:         string(m.operation),
		FieldsJSON:        m.fieldsJSON,
		ClientTimeSeconds: m.clientTimeSeconds,
		SequenceInBatch:   m.sequenceInBatch,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func decodeMutation(encoded string) (Mutation, error) {
	var record mutationRecord
	if err := json.Unmarshal([]byte(encoded), &record); err != nil {
		return Mutation{}, err
	}
	return NewMutation(MutationConfig{
		MutationID:        MutationID(record.MutationID),
		DeviceID:          DeviceID(record.DeviceID),
		EntityType:        record.EntityType,
		EntityID:          EntityID(record.EntityID),
		BaseVersion:       record.BaseVersion,
		Operation:         OperationType(record.Operation),
		FieldsJSON:        record.FieldsJSON,
		ClientTimeSeconds: record.ClientTimeSeconds,
		SequenceInBatch:   record.SequenceInBatch,
	})
}
