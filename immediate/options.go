package immediate

import (
	"github.com/vkngwrapper/dxbackend/config"
)

// Options contains optional settings used when creating a Context or DeferredContext
type Options struct {
	// AllowMapFlagNoWait lets MapFlagDoNotWait refuse to block. Some applications spin on a map that
	// fails, so the flag is ignored unless this is set.
	AllowMapFlagNoWait bool
	// RelaxedBarriers makes command lists skip barriers between consecutive writes
	RelaxedBarriers bool
	// DcSingleUseMode records deferred command lists into single-use batches. Command lists recorded
	// this way may only be executed once.
	DcSingleUseMode bool
	// SingleThreaded removes the context lock. The caller must not use the context from more than one
	// goroutine at a time.
	SingleThreaded bool

	// Policy controls implicit flushes. The zero value selects DefaultFlushPolicy.
	Policy FlushPolicy
	// Clock drives the flush timer. Nil selects the system clock.
	Clock Clock
	// Yielder is called while waiting for a resource. Nil selects SchedYielder.
	Yielder Yielder
}

// OptionsFromConfig reads the "d3d11.allowMapFlagNoWait", "d3d11.relaxedBarriers", and
// "d3d11.dcSingleUseMode" options
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		AllowMapFlagNoWait: cfg.GetBool("d3d11.allowMapFlagNoWait", false),
		RelaxedBarriers:    cfg.GetBool("d3d11.relaxedBarriers", false),
		DcSingleUseMode:    cfg.GetBool("d3d11.dcSingleUseMode", true),
	}
}

func (o Options) withDefaults() Options {
	if o.Policy.isZero() {
		o.Policy = DefaultFlushPolicy
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	if o.Yielder == nil {
		o.Yielder = SchedYielder{}
	}
	return o
}
