package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	flag "github.com/spf13/pflag"

	"github.com/astromechza/teamsync/pkg/engine"
	"github.com/astromechza/teamsync/pkg/httpapi"
	"github.com/astromechza/teamsync/pkg/room"
	"github.com/astromechza/teamsync/pkg/workspace"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "127.0.0.1:8000", "the address to request on")
	keyVar := flag.String("key", "", "workspace to join, a new one is created when empty")
	nameVar := flag.String("name", os.Getenv("USER"), "display name")
	emailVar := flag.String("email", "", "email shown to other members")
	flag.Parse()

	baseUrl, err := url.Parse("http://" + *addrVar)
	if err != nil {
		return err
	}
	c := &client{baseUrl: baseUrl, key: *keyVar, outbound: make(chan []byte, 16)}

	if c.key == "" {
		if c.key, err = c.createWorkspace(); err != nil {
			return err
		}
		slog.Info("created workspace", "key", c.key)
	}
	snap, err := c.snapshot()
	if err != nil {
		return err
	}
	for _, m := range snap.Messages {
		slog.Info("history", "time", m.Time, "user", m.User, "message", m.Message)
	}
	for _, t := range snap.Tasks {
		slog.Info("task", "id", t.ID, "title", t.Title, "status", t.Status, "assignee", t.Assignee)
	}

	u := c.baseUrl.JoinPath("ws")
	u.Scheme = "ws"
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}
	defer conn.Close()

	if err := c.queue(engine.EventJoinWorkspace, engine.JoinRequest{
		Key:    c.key,
		Member: &workspace.Member{Name: *nameVar, Email: *emailVar},
	}); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		if err := readEvents(conn); err != nil {
			slog.Error("connection lost", "err", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx, conn)
	}()

	// stdin is never interrupted so this goroutine is not waited on
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := c.command(*nameVar, scanner.Text()); err != nil {
				slog.Error("failed to send", "err", err)
			}
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = conn.Close()
	wg.Wait()
	return nil
}

type client struct {
	baseUrl  *url.URL
	key      string
	outbound chan []byte
}

func (c *client) createWorkspace() (string, error) {
	resp, err := http.DefaultClient.Post(c.baseUrl.JoinPath("api/workspace").String(), "application/json", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	var out httpapi.KeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode body: %w", err)
	}
	return out.Key, nil
}

func (c *client) snapshot() (workspace.Snapshot, error) {
	var snap workspace.Snapshot
	resp, err := http.DefaultClient.Get(c.baseUrl.JoinPath("api/workspace", c.key).String())
	if err != nil {
		return snap, fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return snap, fmt.Errorf("unexpected status code: %d: %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snap, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return snap, nil
}

// command turns one line of input into an event: "/task <title>", "/toggle <id>", "/leave", or a chat
// message.
func (c *client) command(name, line string) error {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil
	case strings.HasPrefix(line, "/task "):
		return c.queue(engine.EventAddTask, engine.TaskRequest{
			Key:  c.key,
			Task: engine.TaskInput{Title: strings.TrimSpace(strings.TrimPrefix(line, "/task "))},
		})
	case strings.HasPrefix(line, "/toggle "):
		return c.queue(engine.EventToggleTask, engine.ToggleRequest{
			Key:    c.key,
			TaskID: strings.TrimSpace(strings.TrimPrefix(line, "/toggle ")),
		})
	case line == "/leave":
		return c.queue(engine.EventLeaveWorkspace, map[string]string{"key": c.key})
	default:
		return c.queue(engine.EventSendMessage, engine.MessageRequest{Key: c.key, User: name, Message: line})
	}
}

func (c *client) queue(event string, payload any) error {
	frame, err := room.Encode(event, payload)
	if err != nil {
		return err
	}
	c.outbound <- frame
	return nil
}

func (c *client) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case frame := <-c.outbound:
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Error("failed to write", "err", err)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func readEvents(conn *websocket.Conn) error {
	for {
		_, p, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("failed to read: %w", err)
		}
		var env room.Envelope
		if err := json.Unmarshal(p, &env); err != nil {
			slog.Warn("unreadable event", "err", err)
			continue
		}
		switch env.Event {
		case engine.EventNewMessage:
			var m workspace.Message
			if err := json.Unmarshal(env.Data, &m); err == nil {
				slog.Info("message", "time", m.Time, "user", m.User, "message", m.Message)
				continue
			}
		case engine.EventNewTask, engine.EventTaskUpdated:
			var t workspace.Task
			if err := json.Unmarshal(env.Data, &t); err == nil {
				slog.Info(env.Event, "id", t.ID, "title", t.Title, "status", t.Status, "assignee", t.Assignee)
				continue
			}
		case engine.EventMembersUpdate:
			var members []workspace.Member
			if err := json.Unmarshal(env.Data, &members); err == nil {
				names := make([]string, 0, len(members))
				for _, m := range members {
					names = append(names, m.Name)
				}
				slog.Info("members", "names", names)
				continue
			}
		}
		slog.Info("event", "event", env.Event, "data", string(env.Data))
	}
}
