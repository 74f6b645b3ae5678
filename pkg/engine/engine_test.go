package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/teamsync/pkg/room"
	"github.com/astromechza/teamsync/pkg/workspace"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%d", s.n)
}

type recorder struct {
	id     string
	mu     sync.Mutex
	frames []room.Envelope
}

func newRecorder(id string) *recorder {
	return &recorder{id: id}
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(frame []byte) bool {
	var env room.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		panic(err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, env)
	return true
}

func (r *recorder) named(event string) []room.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []room.Envelope
	for _, env := range r.frames {
		if env.Event == event {
			out = append(out, env)
		}
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func rosterNames(t *testing.T, env room.Envelope) []string {
	t.Helper()
	var members []workspace.Member
	require.NoError(t, json.Unmarshal(env.Data, &members))
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.Name
	}
	return names
}

func newTestEngine(opts ...Option) (*Engine, *workspace.Store) {
	store := workspace.NewStore(&seqIDs{}, func() time.Time {
		return time.Date(2024, 1, 1, 14, 30, 0, 0, time.UTC)
	})
	return New(store, room.NewBroker(nil), opts...), store
}

func frame(t *testing.T, event string, payload any) []byte {
	t.Helper()
	f, err := room.Encode(event, payload)
	require.NoError(t, err)
	return f
}

func TestEngine_EndToEndScenario(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	c1, c2, c3 := newRecorder("c1"), newRecorder("c2"), newRecorder("c3")

	e.Handle(ctx, c1, frame(t, EventJoinWorkspace, map[string]any{"key": "alpha", "member": map[string]string{"name": "Ann"}}))
	e.Handle(ctx, c2, frame(t, EventJoinWorkspace, map[string]any{"key": "alpha", "member": map[string]string{"name": "Bo"}}))

	for _, c := range []*recorder{c1, c2} {
		updates := c.named(EventMembersUpdate)
		require.NotEmpty(t, updates)
		assert.Equal(t, []string{"Ann", "Bo"}, rosterNames(t, updates[len(updates)-1]))
	}

	e.Handle(ctx, c1, frame(t, EventSendMessage, map[string]string{"key": "alpha", "user": "Ann", "message": "hello"}))
	for _, c := range []*recorder{c1, c2} {
		msgs := c.named(EventNewMessage)
		require.Len(t, msgs, 1)
		var m workspace.Message
		require.NoError(t, json.Unmarshal(msgs[0].Data, &m))
		assert.Equal(t, "Ann", m.User)
		assert.Equal(t, "hello", m.Message)
		assert.NotEmpty(t, m.ID)
		assert.Equal(t, "14:30", m.Time)
	}

	before1, before2 := c1.count(), c2.count()
	e.Handle(ctx, c3, frame(t, EventJoinWorkspace, map[string]any{"key": "beta", "member": map[string]string{"name": "Cy"}}))
	e.Handle(ctx, c3, frame(t, EventSendMessage, map[string]string{"key": "beta", "user": "Cy", "message": "psst"}))
	assert.Equal(t, before1, c1.count(), "beta traffic never reaches alpha")
	assert.Equal(t, before2, c2.count())
	assert.Len(t, c3.named(EventNewMessage), 1)
}

func TestEngine_JoinTwiceIsIdempotent(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()
	c := newRecorder("c")
	ann := &workspace.Member{Name: "Ann", Email: "ann@example.com"}

	require.NoError(t, e.JoinWorkspace(ctx, c, "k", ann))
	require.NoError(t, e.JoinWorkspace(ctx, c, "k", ann))

	assert.Len(t, c.named(EventMembersUpdate), 1)
	assert.Len(t, store.GetOrCreate("k").Members, 1)

	other := newRecorder("other")
	require.NoError(t, e.JoinWorkspace(ctx, other, "k", &workspace.Member{Name: "Ann"}))
	assert.Len(t, c.named(EventMembersUpdate), 1, "a second connection with the same name changes nothing")
	assert.Len(t, store.GetOrCreate("k").Members, 1)
}

func TestEngine_JoinValidation(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()
	c := newRecorder("c")

	assert.ErrorIs(t, e.JoinWorkspace(ctx, c, "  ", nil), ErrMissingKey)

	require.NoError(t, e.JoinWorkspace(ctx, c, "k", &workspace.Member{Name: "   "}))
	assert.Empty(t, store.GetOrCreate("k").Members, "nameless members join the channel only")
	assert.Empty(t, c.named(EventMembersUpdate))

	_, err := e.SendMessage(ctx, "k", "Ann", "joined without a name")
	require.NoError(t, err)
	assert.Len(t, c.named(EventNewMessage), 1)
}

func TestEngine_PositionalJoin(t *testing.T) {
	e, store := newTestEngine()
	c := newRecorder("c")

	e.Handle(context.Background(), c, []byte(`{"event":"join-workspace","data":["k",{"name":"Ann","email":"a@x","workspaceKey":"k"}]}`))

	members := store.GetOrCreate("k").Members
	require.Len(t, members, 1)
	assert.Equal(t, "a@x", members[0].Email)
	assert.Contains(t, members[0].Attributes, "workspaceKey")
}

func TestEngine_EmptyMessagesAreDropped(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()
	c := newRecorder("c")
	require.NoError(t, e.JoinWorkspace(ctx, c, "k", nil))

	for _, text := range []string{"", "   ", "\n\t "} {
		e.Handle(ctx, c, frame(t, EventSendMessage, map[string]string{"key": "k", "user": "Ann", "message": text}))
		_, err := e.SendMessage(ctx, "k", "Ann", text)
		assert.ErrorIs(t, err, ErrEmptyMessage)
	}
	_, err := e.SendMessage(ctx, "k", " ", "hi")
	assert.ErrorIs(t, err, ErrMissingUser)
	_, err = e.SendMessage(ctx, "", "Ann", "hi")
	assert.ErrorIs(t, err, ErrMissingKey)

	assert.Empty(t, c.named(EventNewMessage))
	assert.Empty(t, store.GetOrCreate("k").Messages)
}

func TestEngine_MessageOrdering(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	c1, c2 := newRecorder("c1"), newRecorder("c2")
	require.NoError(t, e.JoinWorkspace(ctx, c1, "k", nil))
	require.NoError(t, e.JoinWorkspace(ctx, c2, "k", nil))

	for _, text := range []string{"m1", "m2", "m3"} {
		e.Handle(ctx, c1, frame(t, EventSendMessage, map[string]any{"key": "k", "user": "Ann", "message": text, "id": "client"}))
	}

	for _, c := range []*recorder{c1, c2} {
		var got []string
		for _, env := range c.named(EventNewMessage) {
			var m workspace.Message
			require.NoError(t, json.Unmarshal(env.Data, &m))
			assert.NotEqual(t, "client", m.ID)
			got = append(got, m.Message)
		}
		assert.Equal(t, []string{"m1", "m2", "m3"}, got)
	}
}

func TestEngine_ConcurrentSendersShareOneOrder(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()
	watchers := []*recorder{newRecorder("w1"), newRecorder("w2"), newRecorder("w3")}
	for _, w := range watchers {
		require.NoError(t, e.JoinWorkspace(ctx, w, "k", nil))
	}

	wg := new(sync.WaitGroup)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, err := e.SendMessage(ctx, "k", fmt.Sprintf("u%d", i), fmt.Sprintf("%d-%d", i, j))
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	var stored []string
	for _, m := range store.GetOrCreate("k").Messages {
		stored = append(stored, m.ID)
	}
	require.Len(t, stored, 200)
	for _, w := range watchers {
		var got []string
		for _, env := range w.named(EventNewMessage) {
			var m workspace.Message
			require.NoError(t, json.Unmarshal(env.Data, &m))
			got = append(got, m.ID)
		}
		assert.Equal(t, stored, got, "every recipient sees history order")
	}
}

func TestEngine_AddTask(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()
	c := newRecorder("c")
	require.NoError(t, e.JoinWorkspace(ctx, c, "k", nil))

	e.Handle(ctx, c, frame(t, EventAddTask, map[string]any{"key": "k", "task": map[string]any{"id": 12345, "title": " Write tests "}}))

	tasks := c.named(EventNewTask)
	require.Len(t, tasks, 1)
	var task workspace.Task
	require.NoError(t, json.Unmarshal(tasks[0].Data, &task))
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, "Write tests", task.Title)
	assert.Equal(t, "Unassigned", task.Assignee)
	assert.Equal(t, workspace.StatusPending, task.Status)
	assert.Equal(t, workspace.PriorityMedium, task.Priority)
	assert.Len(t, store.GetOrCreate("k").Tasks, 1)

	_, err := e.AddTask(ctx, "k", workspace.Task{Title: " "})
	assert.ErrorIs(t, err, ErrMissingTitle)
	_, err = e.AddTask(ctx, "k", workspace.Task{Title: "x", Status: "done"})
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, err = e.AddTask(ctx, "k", workspace.Task{Title: "x", Priority: "urgent"})
	assert.ErrorIs(t, err, ErrInvalidPriority)
	_, err = e.AddTask(ctx, "", workspace.Task{Title: "x"})
	assert.ErrorIs(t, err, ErrMissingKey)
	assert.Len(t, c.named(EventNewTask), 1)
}

func TestEngine_ToggleTask(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()
	c1, c2 := newRecorder("c1"), newRecorder("c2")
	require.NoError(t, e.JoinWorkspace(ctx, c1, "k", nil))
	require.NoError(t, e.JoinWorkspace(ctx, c2, "k", nil))
	task, err := e.AddTask(ctx, "k", workspace.Task{Title: "a"})
	require.NoError(t, err)

	e.Handle(ctx, c1, frame(t, EventToggleTask, map[string]string{"taskId": task.ID}))
	updates := c2.named(EventTaskUpdated)
	require.Len(t, updates, 1, "toggles reach every member")
	var updated workspace.Task
	require.NoError(t, json.Unmarshal(updates[0].Data, &updated))
	assert.Equal(t, workspace.StatusCompleted, updated.Status)

	toggled, err := e.ToggleTask(ctx, "k", task.ID)
	require.NoError(t, err)
	assert.Equal(t, workspace.StatusPending, toggled.Status)
	assert.Equal(t, workspace.StatusPending, store.GetOrCreate("k").Tasks[0].Status)

	_, err = e.ToggleTask(ctx, "k", "nope")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	assert.Len(t, c2.named(EventTaskUpdated), 2)

	loner := newRecorder("loner")
	assert.ErrorIs(t, e.dispatch(ctx, loner, room.Envelope{Event: EventToggleTask, Data: json.RawMessage(`{"taskId":"1"}`)}), ErrNotJoined)
}

func TestEngine_RejoinDifferentKey(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()
	c, watcher := newRecorder("c"), newRecorder("w")
	require.NoError(t, e.JoinWorkspace(ctx, watcher, "a", nil))
	require.NoError(t, e.JoinWorkspace(ctx, c, "a", &workspace.Member{Name: "Ann"}))
	require.NoError(t, e.JoinWorkspace(ctx, c, "b", &workspace.Member{Name: "Ann"}))

	_, err := e.SendMessage(ctx, "a", "Bo", "only for a")
	require.NoError(t, err)
	assert.Empty(t, c.named(EventNewMessage), "the connection left a when it joined b")

	updates := watcher.named(EventMembersUpdate)
	require.Len(t, updates, 2)
	assert.Empty(t, rosterNames(t, updates[1]), "Ann's presence in a ended")
	assert.Empty(t, store.GetOrCreate("a").Members)
	assert.Len(t, store.GetOrCreate("b").Members, 1)
}

func TestEngine_RenameInSameWorkspace(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()
	c := newRecorder("c")
	require.NoError(t, e.JoinWorkspace(ctx, c, "k", &workspace.Member{Name: "Ann"}))
	require.NoError(t, e.JoinWorkspace(ctx, c, "k", &workspace.Member{Name: "Annie"}))

	members := store.GetOrCreate("k").Members
	require.Len(t, members, 1)
	assert.Equal(t, "Annie", members[0].Name)
}

func TestEngine_DisconnectReleasesPresence(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()
	c1, c2, tab := newRecorder("c1"), newRecorder("c2"), newRecorder("c1-tab")
	require.NoError(t, e.JoinWorkspace(ctx, c1, "k", &workspace.Member{Name: "Ann"}))
	require.NoError(t, e.JoinWorkspace(ctx, tab, "k", &workspace.Member{Name: "Ann"}))
	require.NoError(t, e.JoinWorkspace(ctx, c2, "k", &workspace.Member{Name: "Bo"}))

	e.Disconnect(ctx, c1)
	assert.Len(t, store.GetOrCreate("k").Members, 2, "Ann still has another connection")

	e.Disconnect(ctx, tab)
	updates := c2.named(EventMembersUpdate)
	assert.Equal(t, []string{"Bo"}, rosterNames(t, updates[len(updates)-1]))

	_, err := e.SendMessage(ctx, "k", "Bo", "anyone?")
	require.NoError(t, err)
	assert.Empty(t, c1.named(EventNewMessage))

	e.Disconnect(ctx, c1)
}

func TestEngine_RetainMembers(t *testing.T) {
	e, store := newTestEngine(WithRetainMembers(true))
	ctx := context.Background()
	c := newRecorder("c")
	require.NoError(t, e.JoinWorkspace(ctx, c, "k", &workspace.Member{Name: "Ann"}))

	e.Disconnect(ctx, c)
	assert.Len(t, store.GetOrCreate("k").Members, 1)

	require.NoError(t, e.JoinWorkspace(ctx, newRecorder("again"), "k", &workspace.Member{Name: "Ann"}))
	assert.Len(t, store.GetOrCreate("k").Members, 1)
}

func TestEngine_LeaveEvent(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	c := newRecorder("c")
	require.NoError(t, e.JoinWorkspace(ctx, c, "k", nil))

	e.Handle(ctx, c, []byte(`{"event":"leave-workspace"}`))
	_, err := e.SendMessage(ctx, "k", "Ann", "hi")
	require.NoError(t, err)
	assert.Empty(t, c.named(EventNewMessage))
}

func TestEngine_MalformedInputIsDropped(t *testing.T) {
	e, store := newTestEngine()
	ctx := context.Background()
	c := newRecorder("c")
	require.NoError(t, e.JoinWorkspace(ctx, c, "k", nil))

	for _, raw := range []string{
		``,
		`not json`,
		`{"event":"send-message"}`,
		`{"event":"send-message","data":"oops"}`,
		`{"event":"add-task","data":{"key":"k","task":"x"}}`,
		`{"event":"join-workspace","data":[1,2]}`,
		`{"event":"self-destruct","data":{}}`,
	} {
		assert.NotPanics(t, func() { e.Handle(ctx, c, []byte(raw)) }, raw)
	}
	assert.Zero(t, c.count())
	snap := store.GetOrCreate("k")
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.Tasks)

	err := e.dispatch(ctx, c, room.Envelope{Event: "self-destruct"})
	assert.ErrorIs(t, err, ErrUnknownEvent)
	err = e.dispatch(ctx, c, room.Envelope{Event: EventAddTask})
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestEngine_Snapshot(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	snap, err := e.Snapshot(ctx, "fresh")
	require.NoError(t, err)
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.Tasks)
	assert.Empty(t, snap.Members)

	_, err = e.SendMessage(ctx, "fresh", "Ann", "hi")
	require.NoError(t, err)
	snap, err = e.Snapshot(ctx, " fresh ")
	require.NoError(t, err)
	assert.Len(t, snap.Messages, 1)

	_, err = e.Snapshot(ctx, "")
	assert.ErrorIs(t, err, ErrMissingKey)
}
