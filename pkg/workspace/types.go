package workspace

import (
	"encoding/json"
	"fmt"
)

type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in-progress"
	StatusCompleted  TaskStatus = "completed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Toggled flips a completed task back to pending and completes anything else.
func (s TaskStatus) Toggled() TaskStatus {
	if s == StatusCompleted {
		return StatusPending
	}
	return StatusCompleted
}

type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

func (p TaskPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Message is a single chat line. Once appended it is never modified.
type Message struct {
	ID      string `json:"id"`
	User    string `json:"user"`
	Message string `json:"message"`
	Time    string `json:"time"`
}

type Task struct {
	ID       string       `json:"id"`
	Title    string       `json:"title"`
	Assignee string       `json:"assignee"`
	Status   TaskStatus   `json:"status"`
	Priority TaskPriority `json:"priority"`
}

// Member is a roster entry. Name is the identity within a workspace, any other json fields the client
// sends along are kept in Attributes and written back out untouched.
type Member struct {
	Name       string
	Email      string
	Attributes map[string]json.RawMessage
}

func (m Member) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Attributes)+2)
	for k, v := range m.Attributes {
		out[k] = v
	}
	out["name"] = m.Name
	out["email"] = m.Email
	return json.Marshal(out)
}

func (m *Member) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to decode member: %w", err)
	}
	*m = Member{}
	if v, ok := raw["name"]; ok {
		if err := json.Unmarshal(v, &m.Name); err != nil {
			return fmt.Errorf("failed to decode member name: %w", err)
		}
		delete(raw, "name")
	}
	if v, ok := raw["email"]; ok {
		if err := json.Unmarshal(v, &m.Email); err != nil {
			return fmt.Errorf("failed to decode member email: %w", err)
		}
		delete(raw, "email")
	}
	if len(raw) > 0 {
		m.Attributes = raw
	}
	return nil
}

func (m Member) clone() Member {
	if m.Attributes == nil {
		return m
	}
	attrs := make(map[string]json.RawMessage, len(m.Attributes))
	for k, v := range m.Attributes {
		attrs[k] = append(json.RawMessage(nil), v...)
	}
	m.Attributes = attrs
	return m
}

// Snapshot is a detached copy of a workspace's state; mutating it does not affect the store.
type Snapshot struct {
	Messages []Message `json:"messages"`
	Tasks    []Task    `json:"tasks"`
	Members  []Member  `json:"members"`
}
