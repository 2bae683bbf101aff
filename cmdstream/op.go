package cmdstream

import (
	"github.com/vkngwrapper/core/v2/common"
)

// OpKind identifies the operation stored in a Batch
type OpKind uint8

const (
	// OpBeginRecording opens a native command list if none is open
	OpBeginRecording OpKind = iota
	// OpFlushCommandList closes the open command list and commits it to the device
	OpFlushCommandList
	// OpRecord forwards a consumer command to the open command list
	OpRecord
	// OpInvalidateBuffer swaps a buffer's physical slice for a new one
	OpInvalidateBuffer
	// OpDestroyBuffer retires a buffer's physical slice
	OpDestroyBuffer
	// OpSignalQuery marks a query complete once the current submission completes
	OpSignalQuery
	// OpSetBarrierControl changes the barrier behavior of the current and all later command lists
	OpSetBarrierControl
)

var opKindMapping = make(map[OpKind]string)

func (k OpKind) String() string {
	return opKindMapping[k]
}

func init() {
	opKindMapping[OpBeginRecording] = "OpBeginRecording"
	opKindMapping[OpFlushCommandList] = "OpFlushCommandList"
	opKindMapping[OpRecord] = "OpRecord"
	opKindMapping[OpInvalidateBuffer] = "OpInvalidateBuffer"
	opKindMapping[OpDestroyBuffer] = "OpDestroyBuffer"
	opKindMapping[OpSignalQuery] = "OpSignalQuery"
	opKindMapping[OpSetBarrierControl] = "OpSetBarrierControl"
}

// Command is an opaque consumer command. The engine does not interpret it: it is handed to
// CommandList.Record when the operation executes.
type Command struct {
	Code uint32
	Args []uint64
}

// BarrierControl flags relax the barriers a command list inserts between commands
type BarrierControl int32

var barrierControlMapping = common.NewFlagStringMapping[BarrierControl]()

func (f BarrierControl) Register(str string) {
	barrierControlMapping.Register(f, str)
}
func (f BarrierControl) String() string {
	return barrierControlMapping.FlagsToString(f)
}

const (
	// BarrierControlIgnoreWriteAfterWrite skips barriers between consecutive writes to the same resource
	BarrierControlIgnoreWriteAfterWrite BarrierControl = 1 << iota
)

func init() {
	BarrierControlIgnoreWriteAfterWrite.Register("BarrierControlIgnoreWriteAfterWrite")
}

type op struct {
	kind OpKind
	code uint32

	refStart int32
	refCount int32
	argStart int32
	argCount int32
	// index into the batch's slice arena, or -1
	slice int32

	value uint64
}
