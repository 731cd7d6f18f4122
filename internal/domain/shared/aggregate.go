package shared

// AggregateRoot is implemented by event-sourced aggregates. The version is
// the stream position of the last applied event, which is also the expected
// version for the next append to the aggregate's stream.
type AggregateRoot interface {
	AggregateID() string
	GetVersion() int64
}

// BaseAggregateRoot tracks the stream position of an event-sourced aggregate
type BaseAggregateRoot struct {
	Version int64
}

// GetVersion returns the aggregate version used for optimistic concurrency
func (a *BaseAggregateRoot) GetVersion() int64 {
	return a.Version
}

// IncrementVersion advances the version after an event is applied
func (a *BaseAggregateRoot) IncrementVersion() {
	a.Version++
}

// AdvanceTo moves the version to a known stream position. Positions of
// records that could not be read are skipped over this way.
func (a *BaseAggregateRoot) AdvanceTo(version int64) {
	if version > a.Version {
		a.Version = version
		return
	}
	a.Version++
}
