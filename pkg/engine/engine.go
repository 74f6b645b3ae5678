// Package engine interprets client events, applies them to the workspace store and fans the results
// out to every connection joined to the affected workspace.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/astromechza/teamsync/pkg/logging"
	"github.com/astromechza/teamsync/pkg/room"
	"github.com/astromechza/teamsync/pkg/workspace"
)

// Inbound events.
const (
	EventJoinWorkspace  = "join-workspace"
	EventLeaveWorkspace = "leave-workspace"
	EventSendMessage    = "send-message"
	EventAddTask        = "add-task"
	EventToggleTask     = "toggle-task"
)

// Outbound events.
const (
	EventNewMessage    = "new-message"
	EventNewTask       = "new-task"
	EventTaskUpdated   = "task-updated"
	EventMembersUpdate = "members-update"
)

const defaultAssignee = "Unassigned"

type JoinRequest struct {
	Key    string            `json:"key"`
	Member *workspace.Member `json:"member,omitempty"`
}

// UnmarshalJSON also accepts the positional form [key, member].
func (r *JoinRequest) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		var args []json.RawMessage
		if err := json.Unmarshal(trimmed, &args); err != nil {
			return err
		}
		*r = JoinRequest{}
		if len(args) > 0 {
			if err := json.Unmarshal(args[0], &r.Key); err != nil {
				return err
			}
		}
		if len(args) > 1 && !bytes.Equal(bytes.TrimSpace(args[1]), []byte("null")) {
			r.Member = new(workspace.Member)
			if err := json.Unmarshal(args[1], r.Member); err != nil {
				return err
			}
		}
		return nil
	}
	type plain JoinRequest
	return json.Unmarshal(data, (*plain)(r))
}

type MessageRequest struct {
	Key     string `json:"key"`
	User    string `json:"user"`
	Message string `json:"message"`
}

type TaskRequest struct {
	Key  string    `json:"key"`
	Task TaskInput `json:"task"`
}

// TaskInput is the client supplied part of a task. Ids are assigned by the server, so whatever id a
// client sends is never decoded.
type TaskInput struct {
	Title    string                 `json:"title"`
	Assignee string                 `json:"assignee"`
	Status   workspace.TaskStatus   `json:"status"`
	Priority workspace.TaskPriority `json:"priority"`
}

func (in TaskInput) Task() workspace.Task {
	return workspace.Task{
		Title:    in.Title,
		Assignee: in.Assignee,
		Status:   in.Status,
		Priority: in.Priority,
	}
}

type ToggleRequest struct {
	Key    string `json:"key"`
	TaskID string `json:"taskId"`
}

type session struct {
	key    string
	member string
}

type Engine struct {
	store         *workspace.Store
	broker        *room.Broker
	logger        *slog.Logger
	retainMembers bool
	sessions      *sync.Map
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRetainMembers keeps members on the roster after their last connection leaves.
func WithRetainMembers(retain bool) Option {
	return func(e *Engine) {
		e.retainMembers = retain
	}
}

func New(store *workspace.Store, broker *room.Broker, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		broker:   broker,
		logger:   slog.Default(),
		sessions: new(sync.Map),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) session(conn room.Conn) session {
	if raw, ok := e.sessions.Load(conn.ID()); ok {
		return *raw.(*session)
	}
	return session{}
}

// Handle decodes and applies one inbound frame. Nothing a client sends can fail the connection: bad
// frames are logged and dropped.
func (e *Engine) Handle(ctx context.Context, conn room.Conn, frame []byte) {
	ctx = logging.WithFields(ctx, logging.Fields{ConnID: conn.ID(), Component: "engine"})
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "recovered from panic while handling event", "panic", r)
		}
	}()

	var env room.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		e.logger.DebugContext(ctx, "dropped event", "reason", malformed("envelope", err))
		return
	}
	ctx = logging.WithFields(ctx, logging.Fields{Event: env.Event})
	if err := e.dispatch(ctx, conn, env); err != nil {
		e.logger.DebugContext(ctx, "dropped event", "reason", err)
	}
}

func (e *Engine) dispatch(ctx context.Context, conn room.Conn, env room.Envelope) error {
	switch env.Event {
	case EventJoinWorkspace:
		var req JoinRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		return e.JoinWorkspace(ctx, conn, req.Key, req.Member)
	case EventLeaveWorkspace:
		e.Leave(ctx, conn)
		return nil
	case EventSendMessage:
		var req MessageRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		_, err := e.SendMessage(ctx, req.Key, req.User, req.Message)
		return err
	case EventAddTask:
		var req TaskRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		_, err := e.AddTask(ctx, req.Key, req.Task.Task())
		return err
	case EventToggleTask:
		var req ToggleRequest
		if err := decode(env, &req); err != nil {
			return err
		}
		key := req.Key
		if strings.TrimSpace(key) == "" {
			key = e.session(conn).key
			if key == "" {
				return ErrNotJoined
			}
		}
		_, err := e.ToggleTask(ctx, key, req.TaskID)
		return err
	default:
		return unknownEvent(env.Event)
	}
}

func decode(env room.Envelope, into any) error {
	if len(env.Data) == 0 {
		return malformed(env.Event, errors.New("missing data"))
	}
	if err := json.Unmarshal(env.Data, into); err != nil {
		return malformed(env.Event, err)
	}
	return nil
}

// JoinWorkspace moves conn into the channel for key and, when member has a name, adds it to the roster.
// A members-update is broadcast only when the roster actually changed. Joining again, with the same or
// a different key or name, is always allowed; whatever the connection held before is released.
func (e *Engine) JoinWorkspace(ctx context.Context, conn room.Conn, key string, member *workspace.Member) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrMissingKey
	}
	var name string
	if member != nil {
		m := *member
		m.Name = strings.TrimSpace(m.Name)
		if m.Name == "" {
			member = nil
		} else {
			name = m.Name
			member = &m
		}
	}

	prev := e.session(conn)
	keepsHold := prev.key == key && prev.member == name && name != ""

	e.store.Update(key, func(tx *workspace.Tx) {
		e.broker.Join(conn, key)
		if member == nil {
			return
		}
		if !keepsHold {
			tx.Hold(name)
		}
		if tx.AddMember(*member) {
			e.broker.Broadcast(key, EventMembersUpdate, tx.Members())
		}
	})
	if prev.member != "" && !keepsHold {
		e.release(ctx, prev.key, prev.member)
	}
	e.sessions.Store(conn.ID(), &session{key: key, member: name})

	e.logger.InfoContext(logging.WithFields(ctx, logging.Fields{Workspace: key}), "joined workspace", "member", name)
	return nil
}

// Leave detaches conn from its channel and releases the member it presented.
func (e *Engine) Leave(ctx context.Context, conn room.Conn) {
	raw, had := e.sessions.LoadAndDelete(conn.ID())
	key, joined := e.broker.Leave(conn)
	if had {
		if sess := raw.(*session); sess.member != "" {
			e.release(ctx, sess.key, sess.member)
		}
	}
	if joined {
		e.logger.InfoContext(logging.WithFields(ctx, logging.Fields{Workspace: key}), "left workspace")
	}
}

// Disconnect is called by the transport once a connection is gone.
func (e *Engine) Disconnect(ctx context.Context, conn room.Conn) {
	e.Leave(logging.WithFields(ctx, logging.Fields{ConnID: conn.ID(), Component: "engine"}), conn)
}

func (e *Engine) release(ctx context.Context, key, name string) {
	e.store.Update(key, func(tx *workspace.Tx) {
		if tx.Release(name) > 0 || e.retainMembers {
			return
		}
		if tx.RemoveMember(name) {
			e.broker.Broadcast(key, EventMembersUpdate, tx.Members())
			e.logger.DebugContext(ctx, "member left roster", "workspace", key, "member", name)
		}
	})
}

// SendMessage appends a chat message and broadcasts it as new-message. Messages whose text is empty
// after trimming are rejected without touching the workspace.
func (e *Engine) SendMessage(ctx context.Context, key, user, text string) (workspace.Message, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return workspace.Message{}, ErrMissingKey
	}
	if strings.TrimSpace(text) == "" {
		return workspace.Message{}, ErrEmptyMessage
	}
	user = strings.TrimSpace(user)
	if user == "" {
		return workspace.Message{}, ErrMissingUser
	}

	var msg workspace.Message
	e.store.Update(key, func(tx *workspace.Tx) {
		msg = tx.AppendMessage(workspace.Message{User: user, Message: text})
		e.broker.Broadcast(key, EventNewMessage, msg)
	})
	return msg, nil
}

// AddTask stores a new task with a server assigned id and broadcasts it as new-task.
func (e *Engine) AddTask(ctx context.Context, key string, task workspace.Task) (workspace.Task, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return workspace.Task{}, ErrMissingKey
	}
	task.Title = strings.TrimSpace(task.Title)
	if task.Title == "" {
		return workspace.Task{}, ErrMissingTitle
	}
	if task.Status != "" && !task.Status.Valid() {
		return workspace.Task{}, ErrInvalidStatus
	}
	if task.Priority != "" && !task.Priority.Valid() {
		return workspace.Task{}, ErrInvalidPriority
	}
	task.Assignee = strings.TrimSpace(task.Assignee)
	if task.Assignee == "" {
		task.Assignee = defaultAssignee
	}

	var stored workspace.Task
	e.store.Update(key, func(tx *workspace.Tx) {
		stored = tx.AddTask(task)
		e.broker.Broadcast(key, EventNewTask, stored)
	})
	return stored, nil
}

// ToggleTask flips a task between completed and pending and broadcasts the new state as task-updated.
// An unknown id leaves the workspace untouched and returns ErrTaskNotFound.
func (e *Engine) ToggleTask(ctx context.Context, key, id string) (workspace.Task, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return workspace.Task{}, ErrMissingKey
	}
	var (
		task  workspace.Task
		found bool
	)
	e.store.Update(key, func(tx *workspace.Tx) {
		if task, found = tx.ToggleTask(id); found {
			e.broker.Broadcast(key, EventTaskUpdated, task)
		}
	})
	if !found {
		return workspace.Task{}, ErrTaskNotFound
	}
	return task, nil
}

// Snapshot returns the current state of the workspace, creating it if this is the first reference.
func (e *Engine) Snapshot(ctx context.Context, key string) (workspace.Snapshot, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return workspace.Snapshot{}, ErrMissingKey
	}
	return e.store.GetOrCreate(key), nil
}
