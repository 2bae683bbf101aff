package cmdstream

import (
	"github.com/vkngwrapper/core/v2/common"
)

// BatchFlags indicate how a Batch may be reused
type BatchFlags int32

var batchFlagsMapping = common.NewFlagStringMapping[BatchFlags]()

func (f BatchFlags) Register(str string) {
	batchFlagsMapping.Register(f, str)
}
func (f BatchFlags) String() string {
	return batchFlagsMapping.FlagsToString(f)
}

const (
	// BatchSingleUse batches are returned to the engine's pool once they have executed. Batches without
	// this flag may be emitted any number of times and must be released by their owner.
	BatchSingleUse BatchFlags = 1 << iota
)

func init() {
	BatchSingleUse.Register("BatchSingleUse")
}

const (
	// DefaultMaxOpsPerBatch is the number of operations a batch holds when EngineOptions leaves it unset
	DefaultMaxOpsPerBatch int = 1024
)

// Batch is an ordered list of operations produced on one goroutine and executed on the engine's
// worker. Operations refer to resources, command arguments, and buffer slices by index into arenas
// owned by the batch, so executing a batch does not allocate. A batch is sealed when it is emitted;
// pushing to a sealed batch panics.
type Batch struct {
	flags  BatchFlags
	maxOps int
	sealed bool

	ops    []op
	refs   []Trackable
	args   []uint64
	slices []*BufferSlice
}

func newBatch(flags BatchFlags, maxOps int) *Batch {
	return &Batch{
		flags:  flags,
		maxOps: maxOps,
		ops:    make([]op, 0, maxOps),
	}
}

func (b *Batch) Flags() BatchFlags {
	return b.flags
}

// Len returns the number of operations in the batch
func (b *Batch) Len() int {
	return len(b.ops)
}

func (b *Batch) IsEmpty() bool {
	return len(b.ops) == 0
}

// IsFull returns true if no further operations can be pushed
func (b *Batch) IsFull() bool {
	return len(b.ops) >= b.maxOps
}

// IsSealed returns true once the batch has been emitted
func (b *Batch) IsSealed() bool {
	return b.sealed
}

// Ops returns the kind of every operation in the batch, in order
func (b *Batch) Ops() []OpKind {
	kinds := make([]OpKind, len(b.ops))
	for i := range b.ops {
		kinds[i] = b.ops[i].kind
	}
	return kinds
}

func (b *Batch) push(kind OpKind, refs []Trackable) (*op, bool) {
	if b.sealed {
		panic("attempted to push an operation to a batch that has already been emitted")
	}
	if len(b.ops) >= b.maxOps {
		return nil, false
	}

	b.ops = append(b.ops, op{
		kind:     kind,
		refStart: int32(len(b.refs)),
		refCount: int32(len(refs)),
		argStart: int32(len(b.args)),
		slice:    -1,
	})
	b.refs = append(b.refs, refs...)

	return &b.ops[len(b.ops)-1], true
}

// BeginRecording pushes an OpBeginRecording. It returns false if the batch is full.
func (b *Batch) BeginRecording() bool {
	_, success := b.push(OpBeginRecording, nil)
	return success
}

// FlushCommandList pushes an OpFlushCommandList. It returns false if the batch is full.
func (b *Batch) FlushCommandList() bool {
	_, success := b.push(OpFlushCommandList, nil)
	return success
}

// Record pushes a consumer command that uses the provided resources. It returns false if the batch
// is full.
func (b *Batch) Record(command Command, resources ...Trackable) bool {
	o, success := b.push(OpRecord, resources)
	if !success {
		return false
	}

	o.code = command.Code
	o.argCount = int32(len(command.Args))
	b.args = append(b.args, command.Args...)
	return true
}

// InvalidateBuffer pushes an operation that installs slice as the buffer's physical slice. It returns
// false if the batch is full.
func (b *Batch) InvalidateBuffer(buffer *Buffer, slice *BufferSlice) bool {
	o, success := b.push(OpInvalidateBuffer, []Trackable{buffer})
	if !success {
		return false
	}

	slice.incRef()
	o.slice = int32(len(b.slices))
	b.slices = append(b.slices, slice)
	return true
}

// DestroyBuffer pushes an operation that retires the buffer's physical slice. It returns false if the
// batch is full.
func (b *Batch) DestroyBuffer(buffer *Buffer) bool {
	_, success := b.push(OpDestroyBuffer, []Trackable{buffer})
	return success
}

// SignalQuery pushes an operation that signals sequence on the query once the current submission
// completes. It returns false if the batch is full.
func (b *Batch) SignalQuery(query *Query, sequence uint64) bool {
	o, success := b.push(OpSignalQuery, []Trackable{query})
	if !success {
		return false
	}

	o.value = sequence
	return true
}

// SetBarrierControl pushes an operation that changes the barrier behavior of command lists. It
// returns false if the batch is full.
func (b *Batch) SetBarrierControl(control BarrierControl) bool {
	o, success := b.push(OpSetBarrierControl, nil)
	if !success {
		return false
	}

	o.value = uint64(control)
	return true
}

func (b *Batch) opRefs(o *op) []Trackable {
	return b.refs[o.refStart : o.refStart+o.refCount]
}

func (b *Batch) opCommand(o *op) Command {
	return Command{
		Code: o.code,
		Args: b.args[o.argStart : o.argStart+o.argCount],
	}
}

// Release drops every buffer slice reference held by the batch and empties it. Reusable batches must
// be released by their owner once they will no longer be emitted; single-use batches are released by
// the engine.
func (b *Batch) Release() {
	for i, slice := range b.slices {
		slice.decRef()
		b.slices[i] = nil
	}
	for i := range b.refs {
		b.refs[i] = nil
	}

	b.ops = b.ops[:0]
	b.refs = b.refs[:0]
	b.args = b.args[:0]
	b.slices = b.slices[:0]
	b.sealed = false
}
