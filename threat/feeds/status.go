package feeds

import (
	"sort"
	"sync"
	"time"

	"iocpipe/util"
)

// Phase is the run state of one feed.
type Phase string

const (
	PhasePending  Phase = "Pending"
	PhaseRunning  Phase = "Running"
	PhaseLoading  Phase = "Loading"
	PhaseFinished Phase = "Finished"
)

// FeedStatus is the in-memory run status of one feed. It is never persisted.
type FeedStatus struct {
	Name   string    `json:"name"`
	Format string    `json:"format"`
	Status Phase     `json:"status"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Count  int       `json:"count"`
	Error  string    `json:"error,omitempty"`
}

// Runtime is the elapsed time of the run, measured to now while it is in progress.
func (s FeedStatus) Runtime(now time.Time) time.Duration {
	if s.Start.IsZero() {
		return 0
	}
	if s.End.IsZero() {
		return now.Sub(s.Start)
	}
	return s.End.Sub(s.Start)
}

// Snapshot is a consistent copy of the whole table.
type Snapshot struct {
	Feeds []FeedStatus `json:"feeds"`
	Total int          `json:"total"`
	Taken time.Time    `json:"taken"`
}

// StatusTable tracks every feed of a run. All methods are safe for concurrent
// use; the lock covers only the map and the running total.
type StatusTable struct {
	mu    sync.Mutex
	feeds map[string]*FeedStatus
	total int
	now   func() time.Time
}

// NewStatusTable creates an empty status table
func NewStatusTable() *StatusTable {
	return &StatusTable{
		feeds: make(map[string]*FeedStatus),
		now:   time.Now,
	}
}

// Register adds a feed in the Pending state.
func (t *StatusTable) Register(name, format string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.feeds[name]; !ok {
		t.feeds[name] = &FeedStatus{Name: name, Format: format, Status: PhasePending}
	}
}

// Start (re)initializes a feed's status and marks it Running.
func (t *StatusTable) Start(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.entry(name)
	t.total -= s.Count
	s.Status = PhaseRunning
	s.Start = t.now()
	s.End = time.Time{}
	s.Count = 0
	s.Error = ""
}

// Set moves a feed to phase.
func (t *StatusTable) Set(name string, phase Phase) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entry(name).Status = phase
}

// SetCount records how many records the feed produced and adjusts the total.
func (t *StatusTable) SetCount(name string, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.entry(name)
	t.total += count - s.Count
	s.Count = count
}

// SetError records the last error of a feed with credentials masked. It may
// be called in any phase.
func (t *StatusTable) SetError(name string, err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entry(name).Error = util.RedactError(err)
}

// Finish marks a feed Finished and stamps its end time.
func (t *StatusTable) Finish(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.entry(name)
	s.Status = PhaseFinished
	s.End = t.now()
}

// Get returns a copy of one feed's status.
func (t *StatusTable) Get(name string) (FeedStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.feeds[name]
	if !ok {
		return FeedStatus{}, false
	}
	return *s, true
}

// Snapshot copies the table, sorted by feed name.
func (t *StatusTable) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Render calls fn with a snapshot while holding the lock, so concurrent
// reports never interleave. fn must not block on I/O other than the terminal.
func (t *StatusTable) Render(fn func(Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.snapshotLocked())
}

func (t *StatusTable) snapshotLocked() Snapshot {
	feeds := make([]FeedStatus, 0, len(t.feeds))
	for _, s := range t.feeds {
		feeds = append(feeds, *s)
	}
	sort.Slice(feeds, func(i, j int) bool { return feeds[i].Name < feeds[j].Name })
	return Snapshot{Feeds: feeds, Total: t.total, Taken: t.now()}
}

// entry must be called with mu held.
func (t *StatusTable) entry(name string) *FeedStatus {
	s, ok := t.feeds[name]
	if !ok {
		s = &FeedStatus{Name: name, Status: PhasePending}
		t.feeds[name] = s
	}
	return s
}
