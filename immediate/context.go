package immediate

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/dxbackend/cmdstream"
	"github.com/vkngwrapper/dxbackend/internal/utils"
	"github.com/vkngwrapper/dxbackend/memory"
	"golang.org/x/exp/slog"
)

// Context is the producer side of an Engine. It records operations into a batch, decides when the
// batch is handed to the engine, and blocks or refuses to block when a caller needs a resource that
// the device may still be using.
type Context struct {
	logger    *slog.Logger
	engine    *cmdstream.Engine
	allocator *memory.Allocator
	options   Options

	mutex utils.OptionalMutex

	chunk     *cmdstream.Batch
	busy      bool
	lastFlush time.Time
}

// NewContext creates a context that records into engine and creates buffers from allocator. The
// first batch opens a command list, with relaxed barriers if the options ask for them.
func NewContext(logger *slog.Logger, engine *cmdstream.Engine, allocator *memory.Allocator, options Options) (*Context, error) {
	if logger == nil {
		return nil, errors.New("a logger must be provided")
	}
	if engine == nil {
		return nil, errors.New("an engine must be provided")
	}

	options = options.withDefaults()
	ctx := &Context{
		logger:    logger,
		engine:    engine,
		allocator: allocator,
		options:   options,
		mutex:     utils.OptionalMutex{UseMutex: !options.SingleThreaded},
		chunk:     engine.NewBatch(cmdstream.BatchSingleUse),
	}

	logger.Debug("Context::New",
		slog.Bool("AllowMapFlagNoWait", options.AllowMapFlagNoWait),
		slog.Bool("RelaxedBarriers", options.RelaxedBarriers),
		slog.Bool("SingleThreaded", options.SingleThreaded))

	err := ctx.emit(func(b *cmdstream.Batch) bool { return b.BeginRecording() })
	if err != nil {
		return nil, err
	}

	if options.RelaxedBarriers {
		err = ctx.emit(func(b *cmdstream.Batch) bool {
			return b.SetBarrierControl(cmdstream.BarrierControlIgnoreWriteAfterWrite)
		})
		if err != nil {
			return nil, err
		}
	}

	return ctx, nil
}

// Engine returns the engine this context records into
func (c *Context) Engine() *cmdstream.Engine {
	return c.engine
}

// IsBusy returns true if batches have been handed to the engine since the last flush
func (c *Context) IsBusy() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.busy
}

func (c *Context) emit(push func(b *cmdstream.Batch) bool) error {
	if push(c.chunk) {
		return nil
	}

	err := c.flushCsChunk()
	if err != nil {
		return err
	}

	if !push(c.chunk) {
		panic("operation did not fit into an empty batch")
	}
	return nil
}

func (c *Context) flushCsChunk() error {
	if c.chunk.IsEmpty() {
		return nil
	}

	chunk := c.chunk
	c.chunk = c.engine.NewBatch(cmdstream.BatchSingleUse)

	err := c.engine.Emit(chunk)
	if err != nil {
		chunk.Release()
		return err
	}

	c.busy = true
	return nil
}

func (c *Context) flush() error {
	if !c.busy && c.chunk.IsEmpty() {
		return nil
	}

	err := c.emit(func(b *cmdstream.Batch) bool { return b.FlushCommandList() })
	if err != nil {
		return err
	}

	err = c.flushCsChunk()
	if err != nil {
		return err
	}

	c.lastFlush = c.options.Clock.Now()
	c.busy = false
	return nil
}

func (c *Context) flushImplicit(strongHint bool) error {
	pending := c.engine.PendingSubmissions()
	if !c.options.Policy.ShouldFlush(strongHint, pending, c.options.Clock.Now().Sub(c.lastFlush)) {
		return nil
	}

	return c.flush()
}

func (c *Context) synchronizeCs() error {
	err := c.flushCsChunk()
	if err != nil {
		return err
	}

	c.engine.Synchronize()
	return nil
}

// EmitCommand records a consumer command that uses the provided resources
func (c *Context) EmitCommand(command cmdstream.Command, resources ...cmdstream.Trackable) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.emit(func(b *cmdstream.Batch) bool { return b.Record(command, resources...) })
}

// FlushCsChunk hands the current batch to the engine without closing the command list
func (c *Context) FlushCsChunk() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.flushCsChunk()
}

// Flush closes the current command list and commits it to the device if anything has been recorded
// since the last flush
func (c *Context) Flush() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.flush()
}

// FlushImplicit flushes if the flush policy allows it. Without a strong hint, nothing is flushed while
// the device backlog is above the policy's limit.
func (c *Context) FlushImplicit(strongHint bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.flushImplicit(strongHint)
}

// SynchronizeCs blocks until the engine has executed everything recorded before the call
func (c *Context) SynchronizeCs() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.synchronizeCs()
}

// SynchronizeDevice blocks until the device has finished every submission
func (c *Context) SynchronizeDevice() {
	c.engine.WaitForIdle()
}

// WaitForResource returns true once the device no longer uses the resource. With MapFlagDoNotWait,
// and if the options allow it, it returns false instead of blocking. It also returns false if the
// yielder abandons the wait.
func (c *Context) WaitForResource(resource cmdstream.Trackable, flags MapFlags) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.waitForResource(resource, flags)
}

func (c *Context) waitForResource(resource cmdstream.Trackable, flags MapFlags) (bool, error) {
	if !c.options.AllowMapFlagNoWait {
		flags &^= MapFlagDoNotWait
	}

	err := c.synchronizeCs()
	if err != nil {
		return false, err
	}

	if !resource.IsInUse() {
		return true, nil
	}

	if flags&MapFlagDoNotWait != 0 {
		return false, c.flushImplicit(false)
	}

	err = c.flush()
	if err != nil {
		return false, err
	}

	err = c.synchronizeCs()
	if err != nil {
		return false, err
	}

	for resource.IsInUse() {
		if !c.options.Yielder.Yield() {
			c.logger.Debug("Context::WaitForResource abandoned wait")
			return false, nil
		}
	}

	return true, nil
}

// CreateBuffer allocates a buffer from the context's allocator
func (c *Context) CreateBuffer(info cmdstream.BufferInfo) (*cmdstream.Buffer, error) {
	if c.allocator == nil {
		return nil, errors.New("the context was created without an allocator")
	}

	return cmdstream.NewBuffer(c.allocator, info)
}

// MapBuffer returns the host mapping of the buffer's memory. MapWriteDiscard maps fresh memory,
// MapWriteNoOverwrite maps the current memory without waiting, and every other type waits for the
// device to stop using the buffer first.
func (c *Context) MapBuffer(buffer *cmdstream.Buffer, mapType MapType, flags MapFlags) ([]byte, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	slice := buffer.MappedSlice()
	if slice == nil {
		return nil, errors.New("the buffer has been destroyed")
	}
	if slice.Memory().PropertyFlags()&core1_0.MemoryPropertyHostVisible == 0 {
		return nil, ErrNotMappable
	}

	if mapType == MapWriteDiscard {
		slice, err := c.discardBuffer(buffer)
		if err != nil {
			return nil, err
		}

		return slice.Bytes(), nil
	}

	if mapType != MapWriteNoOverwrite {
		available, err := c.waitForResource(buffer, flags)
		if err != nil {
			return nil, err
		}
		if !available {
			return nil, ErrWasStillDrawing
		}
	}

	return buffer.MappedSlice().Bytes(), nil
}

// DiscardBuffer replaces the buffer's memory with a fresh slice. The old slice is freed once the
// device has finished with it.
func (c *Context) DiscardBuffer(buffer *cmdstream.Buffer) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	_, err := c.discardBuffer(buffer)
	return err
}

func (c *Context) discardBuffer(buffer *cmdstream.Buffer) (*cmdstream.BufferSlice, error) {
	slice, err := buffer.DiscardSlice()
	if err != nil {
		return nil, err
	}

	err = c.emit(func(b *cmdstream.Batch) bool { return b.InvalidateBuffer(buffer, slice) })
	if err != nil {
		return nil, err
	}

	return slice, nil
}

// DestroyBuffer releases the buffer. Its memory is freed once the device has finished with it.
func (c *Context) DestroyBuffer(buffer *cmdstream.Buffer) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	buffer.ReleaseMapped()
	return c.emit(func(b *cmdstream.Batch) bool { return b.DestroyBuffer(buffer) })
}

// EndQuery issues the query. Queries that the caller has repeatedly polled flush right away.
func (c *Context) EndQuery(query *cmdstream.Query) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	sequence := query.End()
	err := c.emit(func(b *cmdstream.Batch) bool { return b.SignalQuery(query, sequence) })
	if err != nil {
		return err
	}

	if query.IsStalling() {
		return c.flush()
	}
	return c.flushImplicit(true)
}

// GetData returns ErrNotReady if the query has not been signaled
func (c *Context) GetData(query *cmdstream.Query) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	err := c.synchronizeCs()
	if err != nil {
		return err
	}

	if query.IsSignaled() {
		return nil
	}

	query.NotifyStall()
	err = c.flushImplicit(false)
	if err != nil {
		return err
	}

	return ErrNotReady
}

// ExecuteCommandList emits the batches of a command list recorded by a DeferredContext
func (c *Context) ExecuteCommandList(list *CommandList) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if list.engine != c.engine {
		return errors.New("the command list was recorded for a different engine")
	}

	err := c.flushCsChunk()
	if err != nil {
		return err
	}

	err = c.flushImplicit(false)
	if err != nil {
		return err
	}

	err = list.emit()
	if err != nil {
		return err
	}

	c.busy = true
	return nil
}

// Close flushes everything recorded and waits for the device to finish it. The engine stays open.
func (c *Context) Close() error {
	c.logger.Debug("Context::Close")

	c.mutex.Lock()
	err := c.flush()
	if err == nil {
		err = c.synchronizeCs()
	}
	c.mutex.Unlock()

	if err != nil {
		return err
	}

	c.SynchronizeDevice()
	return nil
}
