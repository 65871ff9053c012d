package engine

// Classification is the conflict detector's verdict on one mutation.
type Classification int

const (
	// ClassificationClean applies directly: the entity is new, or the
	// device edited the current version.
	ClassificationClean Classification = iota
	// ClassificationStaleCompatible is a stale base version whose touched
	// fields do not intersect anything changed since; applied as a
	// forward patch.
	ClassificationStaleCompatible
	// ClassificationConflicting cannot be applied without a deterministic
	// merge rule or a manual decision.
	ClassificationConflicting
	// ClassificationRejected is invalid input against current state
	// (unknown entity, base version ahead of the server).
	ClassificationRejected
)

// Rejection reason codes surfaced in per-mutation results.
const (
	reasonUnknownEntity       = "unknown_entity"
	reasonFutureBaseVersion   = "future_base_version"
	reasonReadOnlyEntity      = "read_only_entity"
	reasonAlreadyConflicted   = "already_conflicted"
	reasonConflictQueueFull   = "conflict_queue_full"
	reasonIdempotencyConflict = "idempotency_conflict"
	reasonStorageFailure      = "storage_failure"
)

// classifyMutation decides how a mutation relates to the entity's current
// state. changedSinceBase is the union of field names written between the
// mutation's base version and the current version; a nil slice with
// historyKnown false means the change log no longer covers that span and the
// diff is unknowable, which classifies as conflicting.
func classifyMutation(existing *EntityRecord, m Mutation, changedSinceBase []string, historyKnown bool) (Classification, string) {
	if existing == nil {
		if m.Operation() == OperationTypeCreate {
			return ClassificationClean, ""
		}
		return ClassificationRejected, reasonUnknownEntity
	}

	if m.Operation() == OperationTypeCreate {
		// Duplicate create against a live or tombstoned entity.
		return ClassificationConflicting, ""
	}

	switch {
	case m.BaseVersion() > existing.Version:
		return ClassificationRejected, reasonFutureBaseVersion
	case m.BaseVersion() == existing.Version:
		if existing.Deleted() && m.Operation() == OperationTypeUpdate {
			// Device edits an entity the server deleted at the same
			// version it saw; nothing concurrent happened, yet
			// silently resurrecting is unsafe.
			return ClassificationConflicting, ""
		}
		return ClassificationClean, ""
	}

	// Stale base version.
	if existing.Deleted() || m.Operation() == OperationTypeDelete {
		// Delete-vs-update in either direction always conflicts.
		return ClassificationConflicting, ""
	}
	if !historyKnown {
		return ClassificationConflicting, ""
	}
	if existing.LastWriterDevice == m.DeviceID().String() {
		// A device behind its own committed history indicates local
		// state loss; patching forward could resurrect abandoned edits.
		return ClassificationConflicting, ""
	}
	if fieldsIntersect(m.FieldNames(), changedSinceBase) {
		return ClassificationConflicting, ""
	}
	return ClassificationStaleCompatible, ""
}

func fieldsIntersect(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, name := range a {
		seen[name] = struct{}{}
	}
	for _, name := range b {
		if _, ok := seen[name]; ok {
			return true
		}
	}
	return false
}
