package engine

// Registered entity types.
const (
	EntityTypeTimeEntry   = "time_entry"
	EntityTypeBreakRecord = "break_record"
	EntityTypePhotoMeta   = "photo_meta"
	EntityTypeWorker      = "worker"
	EntityTypeJob         = "job"
)

// RangePair names the start/end field pair that carries a time interval.
type RangePair struct {
	StartField string
	EndField   string
}

// TypePolicy describes how mutations against one entity type are treated.
type TypePolicy struct {
	// DeviceWritable is false for reference data that devices pull but
	// never edit; device mutations against such types are rejected.
	DeviceWritable bool
	// Range, when set, enables the disjoint-interval auto-merge rule for
	// conflicts whose contested fields are exactly the pair.
	Range *RangePair
}

var typePolicies = map[string]TypePolicy{
	EntityTypeTimeEntry: {
		DeviceWritable: true,
		Range:          &RangePair{StartField: "start_s", EndField: "end_s"},
	},
	EntityTypeBreakRecord: {
		DeviceWritable: true,
		Range:          &RangePair{StartField: "start_s", EndField: "end_s"},
	},
	EntityTypePhotoMeta: {
		DeviceWritable: true,
	},
	EntityTypeWorker: {},
	EntityTypeJob:    {},
}

// PolicyFor returns the policy for the entity type and whether it is registered.
func PolicyFor(entityType string) (TypePolicy, bool) {
	policy, ok := typePolicies[entityType]
	return policy, ok
}
