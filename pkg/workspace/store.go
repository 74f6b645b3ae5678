package workspace

import (
	"sync"
	"time"
)

// IDSource assigns server-side ids to messages and tasks.
type IDSource interface {
	Next() string
}

// TimeFormat is the display format of Message.Time.
const TimeFormat = "15:04"

// Store maps workspace keys to their state. Workspaces are created on first reference and live until
// the store is cleared; every key maps to exactly one workspace.
type Store struct {
	ids   IDSource
	now   func() time.Time
	cache *sync.Map
}

type workspace struct {
	mu       sync.Mutex
	version  uint64
	messages []Message
	tasks    []Task
	members  []Member
	// number of live connections presenting each member name
	holders map[string]int
}

func NewStore(ids IDSource, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{ids: ids, now: now, cache: new(sync.Map)}
}

func (s *Store) getOrCreate(key string) *workspace {
	if raw, ok := s.cache.Load(key); ok {
		return raw.(*workspace)
	}
	raw, _ := s.cache.LoadOrStore(key, &workspace{
		messages: []Message{},
		tasks:    []Task{},
		members:  []Member{},
		holders:  map[string]int{},
	})
	return raw.(*workspace)
}

// GetOrCreate ensures the workspace exists and returns a snapshot of it.
func (s *Store) GetOrCreate(key string) Snapshot {
	var snap Snapshot
	s.Update(key, func(tx *Tx) {
		snap = tx.Snapshot()
	})
	return snap
}

// Update runs fn with exclusive access to the workspace under key, creating it if needed. All
// mutations of one workspace are serialized through here, so anything fn does (including
// broadcasting the result) is ordered with respect to every other Update on the same key.
func (s *Store) Update(key string, fn func(tx *Tx)) {
	ws := s.getOrCreate(key)
	ws.mu.Lock()
	defer ws.mu.Unlock()
	fn(&Tx{store: s, ws: ws})
}

func (s *Store) AppendMessage(key string, msg Message) Message {
	var out Message
	s.Update(key, func(tx *Tx) {
		out = tx.AppendMessage(msg)
	})
	return out
}

func (s *Store) AddTask(key string, task Task) Task {
	var out Task
	s.Update(key, func(tx *Tx) {
		out = tx.AddTask(task)
	})
	return out
}

func (s *Store) ToggleTask(key, id string) (Task, bool) {
	var (
		out Task
		ok  bool
	)
	s.Update(key, func(tx *Tx) {
		out, ok = tx.ToggleTask(id)
	})
	return out, ok
}

func (s *Store) AddMember(key string, member Member) bool {
	var added bool
	s.Update(key, func(tx *Tx) {
		added = tx.AddMember(member)
	})
	return added
}

// Range calls fn with a snapshot of each workspace and its version, which increases on every
// mutation. Iteration stops when fn returns false.
func (s *Store) Range(fn func(key string, snap Snapshot, version uint64) bool) {
	s.cache.Range(func(rawKey, rawWs any) bool {
		ws := rawWs.(*workspace)
		ws.mu.Lock()
		tx := &Tx{store: s, ws: ws}
		snap, version := tx.Snapshot(), ws.version
		ws.mu.Unlock()
		return fn(rawKey.(string), snap, version)
	})
}

// Clear forgets every workspace.
func (s *Store) Clear() {
	s.cache.Range(func(key, _ any) bool {
		s.cache.Delete(key)
		return true
	})
}

// Tx is the view of a single workspace handed to Update callbacks. It must not be retained after the
// callback returns.
type Tx struct {
	store *Store
	ws    *workspace
}

// AppendMessage stores msg with a fresh id and the receipt time; any id or time on msg is ignored.
func (tx *Tx) AppendMessage(msg Message) Message {
	msg.ID = tx.store.ids.Next()
	msg.Time = tx.store.now().Format(TimeFormat)
	tx.ws.messages = append(tx.ws.messages, msg)
	tx.ws.version++
	return msg
}

// AddTask stores task with a fresh id, filling in the default status and priority when empty.
func (tx *Tx) AddTask(task Task) Task {
	task.ID = tx.store.ids.Next()
	if task.Status == "" {
		task.Status = StatusPending
	}
	if task.Priority == "" {
		task.Priority = PriorityMedium
	}
	tx.ws.tasks = append(tx.ws.tasks, task)
	tx.ws.version++
	return task
}

// ToggleTask flips the status of the task with the given id. Unknown ids are a no-op and report false.
func (tx *Tx) ToggleTask(id string) (Task, bool) {
	for i := range tx.ws.tasks {
		if tx.ws.tasks[i].ID == id {
			tx.ws.tasks[i].Status = tx.ws.tasks[i].Status.Toggled()
			tx.ws.version++
			return tx.ws.tasks[i], true
		}
	}
	return Task{}, false
}

// AddMember inserts member unless the roster already has someone with the same name, and reports
// whether the roster changed.
func (tx *Tx) AddMember(member Member) bool {
	for _, m := range tx.ws.members {
		if m.Name == member.Name {
			return false
		}
	}
	tx.ws.members = append(tx.ws.members, member.clone())
	tx.ws.version++
	return true
}

// RemoveMember drops the named member and reports whether the roster changed.
func (tx *Tx) RemoveMember(name string) bool {
	for i, m := range tx.ws.members {
		if m.Name == name {
			tx.ws.members = append(tx.ws.members[:i], tx.ws.members[i+1:]...)
			tx.ws.version++
			return true
		}
	}
	return false
}

// Hold records one more connection presenting name and returns the new count.
func (tx *Tx) Hold(name string) int {
	tx.ws.holders[name]++
	return tx.ws.holders[name]
}

// Release drops one connection presenting name and returns how many remain.
func (tx *Tx) Release(name string) int {
	n := tx.ws.holders[name] - 1
	if n <= 0 {
		delete(tx.ws.holders, name)
		return 0
	}
	tx.ws.holders[name] = n
	return n
}

func (tx *Tx) Members() []Member {
	out := make([]Member, len(tx.ws.members))
	for i, m := range tx.ws.members {
		out[i] = m.clone()
	}
	return out
}

func (tx *Tx) Snapshot() Snapshot {
	return Snapshot{
		Messages: append([]Message{}, tx.ws.messages...),
		Tasks:    append([]Task{}, tx.ws.tasks...),
		Members:  tx.Members(),
	}
}
