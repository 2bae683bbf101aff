package cmdstream

// CommandList is a native command buffer that operations are replayed into. Methods are only called
// from the engine's worker goroutine, except Release, which is called from the completion goroutine.
type CommandList interface {
	Begin() error
	Record(command Command) error
	SetBarrierControl(control BarrierControl)
	End() error
	// Release returns the command list to the device once its submission has completed
	Release()
}

// Device creates command lists and commits them to the GPU
type Device interface {
	CreateCommandList() (CommandList, error)
	// Commit submits sub.CommandList. When the GPU has finished with it, the device sets sub.Err if the
	// submission failed and sends sub on done. If Commit returns an error, the submission must not be
	// sent on done.
	Commit(sub *Submission, done chan<- *Submission) error
}

type querySignal struct {
	query    *Query
	sequence uint64
}

// Submission is one native command list along with everything that must be released once the GPU has
// finished executing it
type Submission struct {
	CommandList CommandList
	Err         error

	resources []Trackable
	queries   []querySignal
	retired   []*BufferSlice
}

func (s *Submission) track(resource Trackable) {
	resource.resource().acquire()
	s.resources = append(s.resources, resource)
}

func (s *Submission) signal(query *Query, sequence uint64) {
	s.queries = append(s.queries, querySignal{query: query, sequence: sequence})
}

// retire takes ownership of a slice reference, dropping it when the submission completes
func (s *Submission) retire(slice *BufferSlice) {
	s.retired = append(s.retired, slice)
}

func (s *Submission) release() {
	for _, resource := range s.resources {
		resource.resource().release()
	}
	for _, query := range s.queries {
		query.query.signal(query.sequence)
	}
	for _, slice := range s.retired {
		slice.decRef()
	}
	if s.CommandList != nil {
		s.CommandList.Release()
	}

	s.resources = nil
	s.queries = nil
	s.retired = nil
	s.CommandList = nil
}
