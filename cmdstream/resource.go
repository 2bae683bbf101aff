package cmdstream

import (
	"fmt"
	"sync/atomic"
)

// Resource carries the use counter of anything a command batch can reference. The counter is raised
// by the engine's worker when it begins executing an operation that references the resource, and
// lowered when the native submission containing that operation completes. Embed it to make a type
// Trackable.
type Resource struct {
	useCount atomic.Int32
}

// IsInUse returns true while at least one executed operation that references this resource has not
// completed on the device
func (r *Resource) IsInUse() bool {
	return r.useCount.Load() > 0
}

func (r *Resource) acquire() {
	r.useCount.Add(1)
}

func (r *Resource) release() {
	newVal := r.useCount.Add(-1)
	if newVal < 0 {
		panic(fmt.Sprintf("resource use count went negative: %d", newVal))
	}
}

func (r *Resource) resource() *Resource {
	return r
}

// Trackable is implemented by every type that embeds Resource
type Trackable interface {
	IsInUse() bool
	resource() *Resource
}
