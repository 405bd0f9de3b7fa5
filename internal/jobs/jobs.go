// SPDX-License-Identifier: MIT

// Package jobs tracks pipeline invocations and fans their event streams out
// to subscribers. Events are hints for live UIs; the buffered final artifact
// returned by the REST layer stays authoritative.
package jobs

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind is the pipeline phase a job runs.
type Kind string

const (
	KindScan     Kind = "scan"
	KindPlan     Kind = "plan"
	KindApply    Kind = "apply"
	KindRollback Kind = "rollback"
)

// State of a job.
type State string

const (
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Event types carried on a job's stream.
const (
	EventProgress = "progress"
	EventLLMToken = "llm_token"
	EventWarning  = "warning"
	EventDone     = "done"
)

// Event is one entry on a job's stream.
type Event struct {
	Type    string          `json:"type"`
	JobID   string          `json:"job_id"`
	Message string          `json:"message,omitempty"`
	Current int             `json:"current,omitempty"`
	Total   int             `json:"total,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// Job is the queryable status record.
type Job struct {
	ID         string          `json:"job_id"`
	Kind       Kind            `json:"kind"`
	State      State           `json:"state"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Error      string          `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type jobState struct {
	job  Job
	subs map[chan Event]struct{}
}

// Manager owns all job records for one process.
type Manager struct {
	mu   sync.Mutex
	jobs map[string]*jobState
}

func NewManager() *Manager {
	return &Manager{jobs: map[string]*jobState{}}
}

// Handle publishes events for one running job.
type Handle struct {
	ID string
	m  *Manager
}

// Start registers a new running job and returns its publish handle.
func (m *Manager) Start(kind Kind) *Handle {
	id := "job_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	m.mu.Lock()
	m.jobs[id] = &jobState{
		job: Job{
			ID:        id,
			Kind:      kind,
			State:     StateRunning,
			StartedAt: time.Now().UTC(),
		},
		subs: map[chan Event]struct{}{},
	}
	m.mu.Unlock()
	return &Handle{ID: id, m: m}
}

// Get returns a job's current status.
func (m *Manager) Get(id string) (Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.jobs[id]
	if !ok {
		return Job{}, false
	}
	return st.job, true
}

// Subscribe attaches a listener to a job's stream. A job already finished
// immediately receives its done event. The returned cancel func must be
// called to release the subscription.
func (m *Manager) Subscribe(id string) (<-chan Event, func(), bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.jobs[id]
	if !ok {
		return nil, nil, false
	}

	ch := make(chan Event, 64)
	if st.job.State != StateRunning {
		ch <- doneEvent(st.job)
		close(ch)
		return ch, func() {}, true
	}

	st.subs[ch] = struct{}{}
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.jobs[id]; ok {
			if _, live := cur.subs[ch]; live {
				delete(cur.subs, ch)
				close(ch)
			}
		}
	}
	return ch, cancel, true
}

func doneEvent(j Job) Event {
	at := time.Now().UTC()
	if j.FinishedAt != nil {
		at = *j.FinishedAt
	}
	return Event{Type: EventDone, JobID: j.ID, Message: string(j.State), Payload: j.Result, At: at}
}

// publish delivers ev to every subscriber, dropping it for any subscriber
// whose buffer is full. Events are hints; slow consumers never block a job.
func (m *Manager) publish(id string, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.jobs[id]
	if !ok {
		return
	}
	for ch := range st.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// finish marks the job terminal and closes every subscriber stream after a
// final done event.
func (m *Manager) finish(id string, state State, errMsg string, result json.RawMessage) {
	now := time.Now().UTC()
	m.mu.Lock()
	st, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	st.job.State = state
	st.job.FinishedAt = &now
	st.job.Error = errMsg
	st.job.Result = result
	ev := doneEvent(st.job)
	subs := st.subs
	st.subs = map[chan Event]struct{}{}
	m.mu.Unlock()

	for ch := range subs {
		select {
		case ch <- ev:
		default:
		}
		close(ch)
	}
}

func (h *Handle) Progress(current, total int, msg string) {
	h.m.publish(h.ID, Event{Type: EventProgress, JobID: h.ID, Current: current, Total: total, Message: msg, At: time.Now().UTC()})
}

func (h *Handle) Warning(msg string) {
	h.m.publish(h.ID, Event{Type: EventWarning, JobID: h.ID, Message: msg, At: time.Now().UTC()})
}

func (h *Handle) LLMToken(token string) {
	h.m.publish(h.ID, Event{Type: EventLLMToken, JobID: h.ID, Message: token, At: time.Now().UTC()})
}

// Done finishes the job successfully; result becomes the status record's
// artifact and the done event payload.
func (h *Handle) Done(result any) {
	blob, err := json.Marshal(result)
	if err != nil {
		h.m.finish(h.ID, StateFailed, "marshal result: "+err.Error(), nil)
		return
	}
	h.m.finish(h.ID, StateDone, "", blob)
}

// Fail finishes the job with an error.
func (h *Handle) Fail(err error) {
	h.m.finish(h.ID, StateFailed, err.Error(), nil)
}
