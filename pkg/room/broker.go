package room

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Conn is a live client connection as seen by the broker.
type Conn interface {
	ID() string
	// Send queues frame for delivery without blocking. It returns false when the frame could not be
	// queued, in which case the connection is expected to shut itself down.
	Send(frame []byte) bool
}

// Envelope is the wire shape of every event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func Encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s envelope: %w", event, err)
	}
	return frame, nil
}

// Broker tracks which channel each connection belongs to and fans events out to a channel.
type Broker struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Conn
	joined map[string]string
	logger *slog.Logger
}

func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		rooms:  make(map[string]map[string]Conn),
		joined: make(map[string]string),
		logger: logger,
	}
}

// Join places conn in the channel for key, detaching it from any channel it was in before. It returns
// the previous key, if any.
func (b *Broker) Join(conn Conn, key string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	prev, had := b.detach(conn.ID())
	room, ok := b.rooms[key]
	if !ok {
		room = make(map[string]Conn)
		b.rooms[key] = room
	}
	room[conn.ID()] = conn
	b.joined[conn.ID()] = key
	return prev, had
}

// Leave removes conn from whatever channel it is in and returns that channel's key.
func (b *Broker) Leave(conn Conn) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detach(conn.ID())
}

func (b *Broker) detach(connID string) (string, bool) {
	key, ok := b.joined[connID]
	if !ok {
		return "", false
	}
	delete(b.joined, connID)
	if room := b.rooms[key]; room != nil {
		delete(room, connID)
		if len(room) == 0 {
			delete(b.rooms, key)
		}
	}
	return key, true
}

// KeyOf reports the channel a connection is currently in.
func (b *Broker) KeyOf(conn Conn) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	key, ok := b.joined[conn.ID()]
	return key, ok
}

func (b *Broker) Count(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[key])
}

// Broadcast queues the event on every connection in the channel for key and returns how many accepted
// it. Frames are queued in call order, so callers that serialize their Broadcast calls per key get the
// same order on every recipient.
func (b *Broker) Broadcast(key, event string, payload any) int {
	b.mu.RLock()
	room := b.rooms[key]
	recipients := make([]Conn, 0, len(room))
	for _, c := range room {
		recipients = append(recipients, c)
	}
	b.mu.RUnlock()
	if len(recipients) == 0 {
		return 0
	}

	frame, err := Encode(event, payload)
	if err != nil {
		b.logger.Error("failed to encode broadcast", "workspace", key, "event", event, "err", err)
		return 0
	}
	delivered := 0
	for _, c := range recipients {
		if c.Send(frame) {
			delivered++
		} else {
			b.logger.Warn("dropped event for connection", "workspace", key, "event", event, "conn_id", c.ID())
		}
	}
	return delivered
}
