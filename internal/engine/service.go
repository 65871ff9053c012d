package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// Limits are the hard resource bounds the engine enforces.
type Limits struct {
	// MaxBatchSize rejects whole batches above this many mutations.
	MaxBatchSize int
	// MaxPendingConflicts caps the manual-resolution backlog.
	MaxPendingConflicts int
	// BatchTimeBudget bounds batch processing; exceeding it returns the
	// outcomes so far with a resumption index.
	BatchTimeBudget time.Duration
	// DeltaPageSize caps the number of changes per compiled delta.
	DeltaPageSize int
	// SuppressEcho drops a device's own writes from its deltas.
	SuppressEcho bool
}

const (
	defaultMaxBatchSize        = 100
	defaultMaxPendingConflicts = 50
	defaultDeltaPageSize       = 200
)

func (l Limits) withDefaults() Limits {
	if l.MaxBatchSize <= 0 {
		l.MaxBatchSize = defaultMaxBatchSize
	}
	if l.MaxPendingConflicts <= 0 {
		l.MaxPendingConflicts = defaultMaxPendingConflicts
	}
	if l.DeltaPageSize <= 0 {
		l.DeltaPageSize = defaultDeltaPageSize
	}
	return l
}

// ServiceConfig carries the dependencies for the sync engine.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Limits     Limits
}

// Service is the sync protocol handler: it drives batches through the
// idempotency ledger, conflict detector, resolution policy, version store,
// and conflict queue, and compiles outbound deltas.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	idProvider  IDProvider
	logger      *zap.Logger
	limits      Limits
	entityLocks *keyedLocks
}

// NewService validates the config and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:          cfg.Database,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		logger:      logger,
		limits:      cfg.Limits.withDefaults(),
		entityLocks: newKeyedLocks(),
	}, nil
}

// Limits exposes the effective engine limits.
func (s *Service) Limits() Limits {
	return s.limits
}

// BatchResult is the response to one sync request.
type BatchResult struct {
	Results       []MutationResult
	AppliedCount  int
	ConflictCount int
	Delta         Delta
	NewCursor     int64
	Partial       bool
	ResumeIndex   int
}

// ProcessBatch validates and processes one device batch. Each mutation's
// outcome is committed atomically on its own; the batch as a whole is not
// all-or-nothing. The device's stored cursor advances from sinceCursor,
// which acknowledges the previous delta.
func (s *Service) ProcessBatch(ctx context.Context, deviceID DeviceID, sinceCursor int64, batch []Mutation) (BatchResult, error) {
	if deviceID == "" {
		return BatchResult{}, newServiceError(opProcessBatch, "missing_device_id", ErrInvalidDeviceID)
	}
	if sinceCursor < 0 {
		return BatchResult{}, newServiceError(opProcessBatch, "negative_cursor", ErrStaleCursor)
	}
	if len(batch) > s.limits.MaxBatchSize {
		return BatchResult{}, newServiceError(opProcessBatch, "batch_too_large", ErrBatchTooLarge)
	}

	floor, err := retentionFloor(s.db.WithContext(ctx))
	if err != nil {
		s.logError(opProcessBatch, "retention_read_failed", err, zap.String("device_id", deviceID.String()))
		return BatchResult{}, newServiceError(opProcessBatch, "retention_read_failed", errors.Join(ErrStorageFailure, err))
	}
	if sinceCursor > 0 && sinceCursor < floor {
		return BatchResult{}, newServiceError(opProcessBatch, "stale_cursor", ErrStaleCursor)
	}

	if err := s.acknowledgeCursor(ctx, deviceID, sinceCursor); err != nil {
		s.logError(opProcessBatch, "cursor_ack_failed", err, zap.String("device_id", deviceID.String()))
		return BatchResult{}, newServiceError(opProcessBatch, "cursor_ack_failed", errors.Join(ErrStorageFailure, err))
	}

	ordered := make([]Mutation, len(batch))
	copy(ordered, batch)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].SequenceInBatch() < ordered[j].SequenceInBatch()
	})

	var deadline time.Time
	if s.limits.BatchTimeBudget > 0 {
		deadline = s.clock().Add(s.limits.BatchTimeBudget)
	}

	result := BatchResult{Results: make([]MutationResult, 0, len(ordered)), ResumeIndex: -1}
	for index, mutation := range ordered {
		if index > 0 {
			if ctx.Err() != nil || (!deadline.IsZero() && s.clock().After(deadline)) {
				result.Partial = true
				result.ResumeIndex = index
				break
			}
		}
		outcome := s.processMutation(ctx, mutation)
		switch outcome.Status {
		case OutcomeApplied:
			result.AppliedCount++
		case OutcomeConflict:
			result.ConflictCount++
		}
		result.Results = append(result.Results, outcome)
	}

	delta, err := s.CompileDelta(ctx, deviceID, sinceCursor, s.limits.DeltaPageSize)
	if err != nil {
		return BatchResult{}, err
	}
	result.Delta = delta
	result.NewCursor = delta.NextCursor
	return result, nil
}

func (s *Service) acknowledgeCursor(ctx context.Context, deviceID DeviceID, sinceCursor int64) error {
	now := s.clock().UTC().Unix()
	cursor := DeviceCursor{
		DeviceID:                deviceID.String(),
		LastAcknowledgedVersion: sinceCursor,
		UpdatedAtSeconds:        now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_acked_version": gorm.Expr("MAX(last_acked_version, ?)", sinceCursor),
			"updated_at_s":       now,
		}),
	}).Create(&cursor).Error
}

// processMutation runs one mutation under the per-entity critical section
// inside its own transaction. Any storage error surfaces as a retryable
// per-mutation failure and never touches sibling mutations.
func (s *Service) processMutation(ctx context.Context, m Mutation) MutationResult {
	base := MutationResult{
		MutationID: m.MutationID().String(),
		EntityType: m.EntityType(),
		EntityID:   m.EntityID().String(),
	}

	policy, ok := PolicyFor(m.EntityType())
	if !ok {
		base.Status = OutcomeRejected
		base.Reason = "invalid_entity_type"
		return base
	}
	if !policy.DeviceWritable && m.DeviceID().String() != AdminResolutionDevice {
		base.Status = OutcomeRejected
		base.Reason = reasonReadOnlyEntity
		return base
	}

	// Fingerprint before id assignment so verbatim retransmissions of a
	// create (entity id still empty) match the stored record.
	fingerprint := payloadFingerprint(m)

	if m.Operation() == OperationTypeCreate && m.EntityID() == "" {
		assigned, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opProcessBatch, "id_generation_failed", err)
			base.Status = OutcomeRejected
			base.Reason = reasonStorageFailure
			return base
		}
		m = m.withEntityID(EntityID(assigned))
		base.EntityID = assigned
	}

	key := entityKey(m.EntityType(), m.EntityID().String())
	s.entityLocks.lock(key)
	defer s.entityLocks.unlock(key)

	var result MutationResult
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		outcome, err := s.processMutationTx(tx, m, fingerprint)
		if err != nil {
			return err
		}
		result = outcome
		return nil
	})
	if txErr != nil {
		s.logError(opProcessBatch, "mutation_failed", txErr,
			zap.String("device_id", m.DeviceID().String()),
			zap.String("mutation_id", m.MutationID().String()),
			zap.String("entity_type", m.EntityType()),
			zap.String("entity_id", m.EntityID().String()))
		base.Status = OutcomeRejected
		base.Reason = reasonStorageFailure
		return base
	}
	return result
}

func (s *Service) processMutationTx(tx *gorm.DB, m Mutation, fingerprint string) (MutationResult, error) {
	result := MutationResult{
		MutationID: m.MutationID().String(),
		EntityType: m.EntityType(),
		EntityID:   m.EntityID().String(),
	}

	recorded, err := lookupLedger(tx, m.DeviceID().String(), m.MutationID().String())
	if err != nil {
		return MutationResult{}, err
	}
	if recorded != nil {
		if recorded.PayloadFingerprint != fingerprint {
			result.Status = OutcomeRejected
			result.Reason = reasonIdempotencyConflict
			return result, nil
		}
		return replayResult(*recorded, m.MutationID().String()), nil
	}

	existing, err := s.loadEntity(tx, m.EntityType(), m.EntityID().String())
	if err != nil {
		return MutationResult{}, err
	}

	var changedSinceBase []string
	historyKnown := true
	if existing != nil && m.BaseVersion() < existing.Version {
		changedSinceBase, historyKnown, err = changedFieldsSince(tx, m.EntityType(), m.EntityID().String(), m.BaseVersion())
		if err != nil {
			return MutationResult{}, err
		}
	}

	classification, reason := classifyMutation(existing, m, changedSinceBase, historyKnown)
	if classification == ClassificationRejected {
		result.Status = OutcomeRejected
		result.Reason = reason
		return result, nil
	}

	plan := planResolution(classification, existing, m, changedSinceBase)
	appliedAt := s.clock().UTC()

	if plan.apply {
		version, err := s.commitApply(tx, existing, m, plan.fieldsJSON, appliedAt)
		if err != nil {
			return MutationResult{}, err
		}
		if err := s.recordOutcome(tx, m, fingerprint, OutcomeApplied, version, "", appliedAt); err != nil {
			return MutationResult{}, err
		}
		result.Status = OutcomeApplied
		result.NewVersion = version
		result.AutoMerged = plan.autoMerged
		return result, nil
	}

	conflictID, escalationReason, err := s.escalateConflict(tx, existing, m, appliedAt)
	if err != nil {
		return MutationResult{}, err
	}
	if escalationReason != "" {
		result.Status = OutcomeRejected
		result.Reason = escalationReason
		return result, nil
	}
	if err := s.recordOutcome(tx, m, fingerprint, OutcomeConflict, 0, conflictID, appliedAt); err != nil {
		return MutationResult{}, err
	}
	result.Status = OutcomeConflict
	result.ConflictID = conflictID
	return result, nil
}

func (s *Service) loadEntity(tx *gorm.DB, entityType, entityID string) (*EntityRecord, error) {
	var record EntityRecord
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// commitApply inserts the change row first so its sequence becomes the
// entity's new version token, then writes the entity state.
func (s *Service) commitApply(tx *gorm.DB, existing *EntityRecord, m Mutation, effectiveFields string, appliedAt time.Time) (int64, error) {
	updated, audit, err := applyMutation(existing, m, effectiveFields, appliedAt)
	if err != nil {
		return 0, err
	}

	changeID, err := s.idProvider.NewID()
	if err != nil {
		return 0, err
	}
	audit.ChangeID = changeID
	if err := tx.Create(&audit).Error; err != nil {
		return 0, err
	}

	updated.Version = audit.ChangeSeq
	if err := tx.Save(&updated).Error; err != nil {
		return 0, err
	}
	return audit.ChangeSeq, nil
}

func (s *Service) escalateConflict(tx *gorm.DB, existing *EntityRecord, m Mutation, detectedAt time.Time) (string, string, error) {
	var pendingForEntity int64
	err := tx.Model(&ConflictRecord{}).
		Where("entity_type = ? AND entity_id = ? AND status = ?", m.EntityType(), m.EntityID().String(), ConflictStatusPending).
		Count(&pendingForEntity).Error
	if err != nil {
		return "", "", err
	}
	if pendingForEntity > 0 {
		return "", reasonAlreadyConflicted, nil
	}

	var pendingTotal int64
	if err := tx.Model(&ConflictRecord{}).Where("status = ?", ConflictStatusPending).Count(&pendingTotal).Error; err != nil {
		return "", "", err
	}
	if pendingTotal >= int64(s.limits.MaxPendingConflicts) {
		return "", reasonConflictQueueFull, nil
	}

	conflictID, err := s.idProvider.NewID()
	if err != nil {
		return "", "", err
	}
	encodedMutation, err := encodeMutation(m)
	if err != nil {
		return "", "", err
	}
	snapshot, serverVersion, err := encodeServerState(existing)
	if err != nil {
		return "", "", err
	}

	record := ConflictRecord{
		ConflictID:        conflictID,
		EntityType:        m.EntityType(),
		EntityID:          m.EntityID().String(),
		MutationJSON:      encodedMutation,
		ServerStateJSON:   snapshot,
		ServerVersion:     serverVersion,
		Status:            ConflictStatusPending,
		DetectedAtSeconds: detectedAt.Unix(),
	}
	if err := tx.Create(&record).Error; err != nil {
		return "", "", err
	}
	return conflictID, "", nil
}

// recordOutcome pins the mutation's outcome in the idempotency ledger. An
// insert collision means a concurrent retry of the same key committed first;
// its record wins and this attempt replays it.
func (s *Service) recordOutcome(tx *gorm.DB, m Mutation, fingerprint, status string, version int64, conflictID string, recordedAt time.Time) error {
	record := IdempotencyRecord{
		DeviceID:           m.DeviceID().String(),
		MutationID:         m.MutationID().String(),
		Status:             status,
		AppliedVersion:     version,
		ConflictID:         conflictID,
		EntityType:         m.EntityType(),
		EntityID:           m.EntityID().String(),
		PayloadFingerprint: fingerprint,
		RecordedAtSeconds:  recordedAt.Unix(),
	}
	return tx.Create(&record).Error
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("sync engine error", attrs...)
}
