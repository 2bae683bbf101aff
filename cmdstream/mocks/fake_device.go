package mocks

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/dxbackend/cmdstream"
	"golang.org/x/exp/slices"
)

// FakeCommandList records every command it receives
type FakeCommandList struct {
	mutex    sync.Mutex
	commands []cmdstream.Command
	barrier  cmdstream.BarrierControl
	ended    bool
	released bool
}

func (l *FakeCommandList) Begin() error {
	return nil
}

func (l *FakeCommandList) Record(command cmdstream.Command) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.ended {
		return errors.New("recorded to a command list that has ended")
	}

	l.commands = append(l.commands, cmdstream.Command{
		Code: command.Code,
		Args: slices.Clone(command.Args),
	})
	return nil
}

func (l *FakeCommandList) SetBarrierControl(control cmdstream.BarrierControl) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.barrier = control
}

func (l *FakeCommandList) End() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.ended = true
	return nil
}

func (l *FakeCommandList) Release() {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	l.released = true
}

func (l *FakeCommandList) Commands() []cmdstream.Command {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return slices.Clone(l.commands)
}

func (l *FakeCommandList) Barrier() cmdstream.BarrierControl {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.barrier
}

func (l *FakeCommandList) IsReleased() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	return l.released
}

type committed struct {
	sub  *cmdstream.Submission
	done chan<- *cmdstream.Submission
}

// FakeDevice is a cmdstream.Device that holds committed submissions until the test completes them.
// With AutoComplete set, submissions complete as soon as they are committed.
type FakeDevice struct {
	mutex        sync.Mutex
	lists        []*FakeCommandList
	pending      []committed
	commitCount  int
	autoComplete bool
	commitErr    error
}

func NewFakeDevice() *FakeDevice {
	return &FakeDevice{}
}

// SetAutoComplete makes every later commit complete immediately
func (d *FakeDevice) SetAutoComplete(autoComplete bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.autoComplete = autoComplete
}

// SetCommitError makes every later commit fail with err
func (d *FakeDevice) SetCommitError(err error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.commitErr = err
}

func (d *FakeDevice) CreateCommandList() (cmdstream.CommandList, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	list := &FakeCommandList{}
	d.lists = append(d.lists, list)
	return list, nil
}

func (d *FakeDevice) Commit(sub *cmdstream.Submission, done chan<- *cmdstream.Submission) error {
	d.mutex.Lock()
	if d.commitErr != nil {
		d.mutex.Unlock()
		return d.commitErr
	}

	d.commitCount++
	if !d.autoComplete {
		d.pending = append(d.pending, committed{sub: sub, done: done})
		d.mutex.Unlock()
		return nil
	}
	d.mutex.Unlock()

	done <- sub
	return nil
}

// Lists returns every command list created so far
func (d *FakeDevice) Lists() []*FakeCommandList {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return slices.Clone(d.lists)
}

// CommitCount returns the number of successful commits
func (d *FakeDevice) CommitCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.commitCount
}

// PendingCount returns the number of committed submissions that have not been completed
func (d *FakeDevice) PendingCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return len(d.pending)
}

// CompleteNext completes the oldest pending submission, failing it with err if err is not nil. It
// returns false if nothing was pending.
func (d *FakeDevice) CompleteNext(err error) bool {
	d.mutex.Lock()
	if len(d.pending) == 0 {
		d.mutex.Unlock()
		return false
	}

	next := d.pending[0]
	d.pending = d.pending[1:]
	d.mutex.Unlock()

	next.sub.Err = err
	next.done <- next.sub
	return true
}

// CompleteAll completes every pending submission and returns how many there were
func (d *FakeDevice) CompleteAll() int {
	count := 0
	for d.CompleteNext(nil) {
		count++
	}
	return count
}
