package immediate

import "github.com/cockroachdb/errors"

var (
	// ErrWasStillDrawing is returned by a map that was not allowed to wait for the GPU
	ErrWasStillDrawing = errors.New("the resource is still in use by the device")
	// ErrNotReady is returned by GetData while a query has not been signaled
	ErrNotReady = errors.New("the query has not been signaled")
	// ErrNotMappable is returned when mapping a buffer that has no host-visible memory
	ErrNotMappable = errors.New("the buffer's memory is not host-visible")
	// ErrCommandListExecuted is returned when a single-use command list is executed a second time
	ErrCommandListExecuted = errors.New("single-use command list has already been executed")
)
