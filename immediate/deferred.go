package immediate

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/dxbackend/cmdstream"
	"golang.org/x/exp/slog"
)

// CommandList is a sequence of batches recorded by a DeferredContext and executed by a Context
type CommandList struct {
	engine    *cmdstream.Engine
	batches   []*cmdstream.Batch
	singleUse bool
	executed  bool
	released  bool
}

// Len returns the number of batches in the command list
func (l *CommandList) Len() int {
	return len(l.batches)
}

// IsSingleUse returns true if the command list may only be executed once
func (l *CommandList) IsSingleUse() bool {
	return l.singleUse
}

func (l *CommandList) emit() error {
	if l.released {
		return errors.New("the command list has been released")
	}
	if l.singleUse && l.executed {
		return ErrCommandListExecuted
	}

	l.executed = true
	for _, batch := range l.batches {
		err := l.engine.Emit(batch)
		if err != nil {
			return err
		}
	}

	return nil
}

// Release gives the command list's batches back to the engine. Reusable batches are released after
// every execution queued before the call.
func (l *CommandList) Release() error {
	if l.released {
		return nil
	}
	l.released = true

	for _, batch := range l.batches {
		if batch.Flags()&cmdstream.BatchSingleUse != 0 {
			// Emitted single-use batches belong to the engine
			if !l.executed {
				batch.Release()
			}
			continue
		}

		err := l.engine.ReleaseBatch(batch)
		if err != nil {
			return err
		}
	}

	l.batches = nil
	return nil
}

// DeferredContext records commands into a CommandList that a Context executes later. It is not safe
// for use from more than one goroutine at a time.
type DeferredContext struct {
	logger  *slog.Logger
	engine  *cmdstream.Engine
	options Options

	batches []*cmdstream.Batch
	chunk   *cmdstream.Batch
}

func NewDeferredContext(logger *slog.Logger, engine *cmdstream.Engine, options Options) (*DeferredContext, error) {
	if logger == nil {
		return nil, errors.New("a logger must be provided")
	}
	if engine == nil {
		return nil, errors.New("an engine must be provided")
	}

	return &DeferredContext{
		logger:  logger,
		engine:  engine,
		options: options.withDefaults(),
	}, nil
}

func (c *DeferredContext) batchFlags() cmdstream.BatchFlags {
	if c.options.DcSingleUseMode {
		return cmdstream.BatchSingleUse
	}
	return 0
}

func (c *DeferredContext) emit(push func(b *cmdstream.Batch) bool) {
	if c.chunk != nil && push(c.chunk) {
		return
	}

	if c.chunk != nil {
		c.batches = append(c.batches, c.chunk)
	}
	c.chunk = c.engine.NewBatch(c.batchFlags())

	if !push(c.chunk) {
		panic("operation did not fit into an empty batch")
	}
}

// EmitCommand records a consumer command that uses the provided resources
func (c *DeferredContext) EmitCommand(command cmdstream.Command, resources ...cmdstream.Trackable) {
	c.emit(func(b *cmdstream.Batch) bool { return b.Record(command, resources...) })
}

// Finish returns everything recorded since the last call as a CommandList
func (c *DeferredContext) Finish() *CommandList {
	if c.chunk != nil {
		c.batches = append(c.batches, c.chunk)
		c.chunk = nil
	}

	list := &CommandList{
		engine:    c.engine,
		batches:   c.batches,
		singleUse: c.options.DcSingleUseMode,
	}
	c.batches = nil

	c.logger.Debug("DeferredContext::Finish",
		slog.Int("Batches", len(list.batches)),
		slog.Bool("SingleUse", list.singleUse))

	return list
}
