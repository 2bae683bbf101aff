package cmdstream

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

const (
	// DefaultMaxBatchesInFlight is the number of emitted batches that may wait for the worker before
	// Emit blocks
	DefaultMaxBatchesInFlight int = 32
)

// EngineOptions contains optional settings when creating an Engine
type EngineOptions struct {
	// MaxBatchesInFlight bounds the worker's queue. Zero selects DefaultMaxBatchesInFlight.
	MaxBatchesInFlight int
	// MaxOpsPerBatch bounds the operations in a batch created by NewBatch. Zero selects
	// DefaultMaxOpsPerBatch.
	MaxOpsPerBatch int
}

type queuedBatch struct {
	batch   *Batch
	release bool
}

// Engine executes emitted batches in order on a single worker goroutine, replaying their operations
// into native command lists and committing those lists to a Device. A second goroutine receives
// completed submissions and releases the resources they reference.
type Engine struct {
	logger  *slog.Logger
	device  Device
	options EngineOptions

	queue chan queuedBatch
	done  chan *Submission

	sendMutex sync.Mutex
	closed    atomic.Bool

	syncMutex sync.Mutex
	syncCond  *sync.Cond
	emitted   uint64
	executed  uint64
	pending   atomic.Int32

	errMutex sync.Mutex
	err      error

	pool sync.Pool

	workerDone     chan struct{}
	completionDone chan struct{}

	// Worker state
	list    CommandList
	current *Submission
	barrier BarrierControl
}

// NewEngine starts the worker and completion goroutines of a new Engine
func NewEngine(logger *slog.Logger, device Device, options EngineOptions) (*Engine, error) {
	if logger == nil {
		return nil, errors.New("a logger must be provided")
	}
	if device == nil {
		return nil, errors.New("a device must be provided")
	}

	if options.MaxBatchesInFlight <= 0 {
		options.MaxBatchesInFlight = DefaultMaxBatchesInFlight
	}
	if options.MaxOpsPerBatch <= 0 {
		options.MaxOpsPerBatch = DefaultMaxOpsPerBatch
	}

	engine := &Engine{
		logger:         logger,
		device:         device,
		options:        options,
		queue:          make(chan queuedBatch, options.MaxBatchesInFlight),
		done:           make(chan *Submission, options.MaxBatchesInFlight),
		workerDone:     make(chan struct{}),
		completionDone: make(chan struct{}),
	}
	engine.syncCond = sync.NewCond(&engine.syncMutex)
	engine.pool.New = func() any {
		return newBatch(BatchSingleUse, options.MaxOpsPerBatch)
	}

	logger.Debug("Engine::New",
		slog.Int("MaxBatchesInFlight", options.MaxBatchesInFlight),
		slog.Int("MaxOpsPerBatch", options.MaxOpsPerBatch))

	go engine.runWorker()
	go engine.runCompletion()

	return engine, nil
}

// NewBatch returns an empty batch. Single-use batches come from the engine's pool.
func (e *Engine) NewBatch(flags BatchFlags) *Batch {
	if flags&BatchSingleUse != 0 {
		return e.pool.Get().(*Batch)
	}

	return newBatch(flags, e.options.MaxOpsPerBatch)
}

func (e *Engine) send(item queuedBatch) error {
	e.sendMutex.Lock()
	defer e.sendMutex.Unlock()

	if e.closed.Load() {
		return ErrEngineClosed
	}

	if !item.release {
		e.syncMutex.Lock()
		e.emitted++
		e.syncMutex.Unlock()
	}

	e.queue <- item
	return nil
}

// Emit seals the batch and queues it for the worker. It blocks while the queue is full. A single-use
// batch belongs to the engine once emitted.
func (e *Engine) Emit(batch *Batch) error {
	batch.sealed = true
	return e.send(queuedBatch{batch: batch})
}

// ReleaseBatch releases a reusable batch once every batch emitted before it has executed
func (e *Engine) ReleaseBatch(batch *Batch) error {
	return e.send(queuedBatch{batch: batch, release: true})
}

// Synchronize blocks until every batch emitted before the call has been executed by the worker
func (e *Engine) Synchronize() {
	e.syncMutex.Lock()
	defer e.syncMutex.Unlock()

	target := e.emitted
	for e.executed < target {
		e.syncCond.Wait()
	}
}

// PendingSubmissions returns the number of submissions committed to the device that have not completed
func (e *Engine) PendingSubmissions() int {
	return int(e.pending.Load())
}

// WaitForIdle blocks until every emitted batch has executed and every submission has completed
func (e *Engine) WaitForIdle() {
	e.Synchronize()

	e.syncMutex.Lock()
	defer e.syncMutex.Unlock()

	for e.pending.Load() > 0 {
		e.syncCond.Wait()
	}
}

// Err returns the first error reported by the device, if any
func (e *Engine) Err() error {
	e.errMutex.Lock()
	defer e.errMutex.Unlock()

	return e.err
}

func (e *Engine) fail(err error, message string) {
	e.logger.LogAttrs(context.Background(), slog.LevelError, message, slog.Any("error", err))

	e.errMutex.Lock()
	defer e.errMutex.Unlock()

	if e.err == nil {
		e.err = errors.Wrap(err, message)
	}
}

// Close waits for every emitted batch and submission to complete, then stops the engine's goroutines.
// Work recorded but never flushed is committed first. Later calls do nothing.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.logger.Debug("Engine::Close")

	e.sendMutex.Lock()
	close(e.queue)
	e.sendMutex.Unlock()

	<-e.workerDone
	e.WaitForIdle()

	close(e.done)
	<-e.completionDone

	return e.Err()
}

func (e *Engine) runWorker() {
	defer close(e.workerDone)

	for item := range e.queue {
		if item.release {
			item.batch.Release()
			continue
		}

		e.execute(item.batch)
		if item.batch.flags&BatchSingleUse != 0 {
			item.batch.Release()
			e.pool.Put(item.batch)
		}

		e.syncMutex.Lock()
		e.executed++
		e.syncCond.Broadcast()
		e.syncMutex.Unlock()
	}

	if e.current != nil {
		e.flushCommandList()
	}
}

func (e *Engine) runCompletion() {
	defer close(e.completionDone)

	for sub := range e.done {
		e.complete(sub)
	}
}

func (e *Engine) complete(sub *Submission) {
	if sub.Err != nil {
		e.fail(sub.Err, "Submission failed")
	}

	sub.release()

	e.pending.Add(-1)
	e.syncMutex.Lock()
	e.syncCond.Broadcast()
	e.syncMutex.Unlock()
}

func (e *Engine) beginRecording() {
	if e.current != nil {
		return
	}

	e.current = &Submission{}

	list, err := e.device.CreateCommandList()
	if err != nil {
		e.fail(err, "Failed to create command list")
		return
	}

	err = list.Begin()
	if err != nil {
		list.Release()
		e.fail(err, "Failed to begin command list")
		return
	}

	list.SetBarrierControl(e.barrier)
	e.list = list
	e.current.CommandList = list
}

func (e *Engine) flushCommandList() {
	if e.current == nil {
		return
	}

	sub := e.current
	list := e.list
	e.current = nil
	e.list = nil

	e.pending.Add(1)

	if list == nil {
		e.complete(sub)
		return
	}

	err := list.End()
	if err != nil {
		e.fail(err, "Failed to end command list")
		e.complete(sub)
		return
	}

	err = e.device.Commit(sub, e.done)
	if err != nil {
		e.fail(err, "Failed to commit command list")
		e.complete(sub)
	}
}

func (e *Engine) execute(batch *Batch) {
	for opIndex := range batch.ops {
		o := &batch.ops[opIndex]

		if o.kind == OpFlushCommandList {
			e.flushCommandList()
			continue
		}

		e.beginRecording()
		for _, ref := range batch.opRefs(o) {
			e.current.track(ref)
		}

		switch o.kind {
		case OpBeginRecording:
		case OpRecord:
			if e.list != nil {
				err := e.list.Record(batch.opCommand(o))
				if err != nil {
					e.fail(err, "Failed to record command")
				}
			}
		case OpSetBarrierControl:
			e.barrier = BarrierControl(o.value)
			if e.list != nil {
				e.list.SetBarrierControl(e.barrier)
			}
		case OpInvalidateBuffer:
			buffer := batch.refs[o.refStart].(*Buffer)
			buffer.invalidate(batch.slices[o.slice], e.current)
		case OpDestroyBuffer:
			buffer := batch.refs[o.refStart].(*Buffer)
			buffer.destroy(e.current)
		case OpSignalQuery:
			query := batch.refs[o.refStart].(*Query)
			e.current.signal(query, o.value)
		default:
			panic(errors.Newf("unknown operation kind: %s", o.kind.String()))
		}
	}
}
