package broker

import (
	"github.com/pkg/errors"
)

var (
	// ErrTopicUnknown is returned when a topic has not been created.
	ErrTopicUnknown = errors.New("unknown topic")

	// ErrPartitionUnknown is returned for a pid outside the topic's range.
	ErrPartitionUnknown = errors.New("unknown partition")

	// ErrTopicExists is returned when create collides with an existing
	// topic of a different partition count.
	ErrTopicExists = errors.New("topic exists with conflicting partition count")

	// ErrBackpressure is transient: unsynced bytes exceed the inflight
	// cap. Producers may retry after the next flush.
	ErrBackpressure = errors.New("backpressure: inflight bytes over limit")

	// ErrClosedBroker is returned once Close has begun.
	ErrClosedBroker = errors.New("broker closed")

	// ErrDegraded is returned by the write path after repeated IO
	// failures put the broker into read-only mode.
	ErrDegraded = errors.New("broker degraded: writes disabled after repeated IO failures")
)
