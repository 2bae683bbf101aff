package cmdstream

import "github.com/cockroachdb/errors"

// ErrEngineClosed is returned when a batch is emitted to an engine that has been closed
var ErrEngineClosed = errors.New("the execution engine has been closed")
