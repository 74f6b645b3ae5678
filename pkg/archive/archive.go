// Package archive writes workspace state to sqlite as automerge documents so the history of a workspace
// can be inspected after the fact. The server never reads it back.
package archive

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/teamsync/pkg/workspace"
)

var ErrNotFound = errors.New("workspace not archived")

// Source is anything that can enumerate workspace snapshots with a version that changes on every write.
type Source interface {
	Range(fn func(key string, snap workspace.Snapshot, version uint64) bool)
}

type tracked struct {
	doc     *automerge.Doc
	version uint64
	last    workspace.Snapshot
}

type Archive struct {
	database *sql.DB
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	docs map[string]*tracked
}

func Open(path string, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	a := &Archive{database: db, logger: logger, now: time.Now, docs: make(map[string]*tracked)}
	if err := a.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Archive) init() error {
	if _, err := a.database.Exec(
		`CREATE TABLE IF NOT EXISTS workspaces (
		key text not null primary key,
		content text not null,
		updated_at text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

func (a *Archive) Close() error {
	return a.database.Close()
}

// Pass archives every workspace whose version moved since the previous pass and returns how many were
// written.
func (a *Archive) Pass(ctx context.Context, source Source) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	written := 0
	var errs []error
	source.Range(func(key string, snap workspace.Snapshot, version uint64) bool {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			return false
		}
		t, ok := a.docs[key]
		if ok && t.version == version {
			return true
		}
		if !ok {
			t = &tracked{doc: automerge.New(), last: workspace.Snapshot{}}
		}
		if err := a.record(ctx, key, t, snap, version); err != nil {
			errs = append(errs, fmt.Errorf("failed to archive %s: %w", key, err))
			return true
		}
		a.docs[key] = t
		written++
		return true
	})
	return written, errors.Join(errs...)
}

func (a *Archive) record(ctx context.Context, key string, t *tracked, snap workspace.Snapshot, version uint64) error {
	if err := apply(t.doc, t.last, snap); err != nil {
		return err
	}
	if _, err := t.doc.Commit(fmt.Sprintf("version %d", version), automerge.CommitOptions{AllowEmpty: true}); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	content := base64.StdEncoding.EncodeToString(t.doc.Save())
	if _, err := a.database.ExecContext(
		ctx,
		`INSERT INTO workspaces (key, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		key, content, a.now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("failed to persist: %w", err)
	}
	t.version = version
	t.last = snap
	a.logger.DebugContext(ctx, "archived", "workspace", key, "version", version, "heads", t.doc.Heads())
	return nil
}

// apply writes the difference between prev and next into doc. Messages only ever append so anything
// past the previous length is new.
func apply(doc *automerge.Doc, prev, next workspace.Snapshot) error {
	for _, m := range next.Messages[min(len(prev.Messages), len(next.Messages)):] {
		if err := doc.Path("messages", m.ID).Set(map[string]interface{}{
			"user":    m.User,
			"message": m.Message,
			"time":    m.Time,
		}); err != nil {
			return fmt.Errorf("failed to set message %s: %w", m.ID, err)
		}
	}

	seen := make(map[string]workspace.Task, len(prev.Tasks))
	for _, t := range prev.Tasks {
		seen[t.ID] = t
	}
	for _, t := range next.Tasks {
		old, ok := seen[t.ID]
		switch {
		case !ok:
			if err := doc.Path("tasks", t.ID).Set(map[string]interface{}{
				"title":    t.Title,
				"assignee": t.Assignee,
				"status":   string(t.Status),
				"priority": string(t.Priority),
			}); err != nil {
				return fmt.Errorf("failed to set task %s: %w", t.ID, err)
			}
		case old.Status != t.Status:
			if err := doc.Path("tasks", t.ID, "status").Set(string(t.Status)); err != nil {
				return fmt.Errorf("failed to set task %s status: %w", t.ID, err)
			}
		}
	}

	present := make(map[string]bool, len(next.Members))
	for _, m := range next.Members {
		present[m.Name] = true
	}
	for _, m := range prev.Members {
		if !present[m.Name] {
			if err := doc.Path("members", m.Name, "present").Set(false); err != nil {
				return fmt.Errorf("failed to mark %s absent: %w", m.Name, err)
			}
		}
	}
	was := make(map[string]bool, len(prev.Members))
	for _, m := range prev.Members {
		was[m.Name] = true
	}
	for _, m := range next.Members {
		if was[m.Name] {
			continue
		}
		if err := doc.Path("members", m.Name).Set(map[string]interface{}{
			"email":   m.Email,
			"present": true,
		}); err != nil {
			return fmt.Errorf("failed to set member %s: %w", m.Name, err)
		}
	}
	return nil
}

// Run archives on every tick until ctx is done.
func (a *Archive) Run(ctx context.Context, source Source, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if n, err := a.Pass(ctx, source); err != nil {
				a.logger.ErrorContext(ctx, "archive pass failed", "err", err)
			} else if n > 0 {
				a.logger.InfoContext(ctx, "archived workspaces", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Load reads the archived document for key.
func (a *Archive) Load(ctx context.Context, key string) (*automerge.Doc, error) {
	var rawContent string
	if err := a.database.QueryRowContext(ctx, `SELECT content FROM workspaces WHERE key = ?`, key).Scan(&rawContent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(rawContent)
	if err != nil {
		return nil, fmt.Errorf("failed to decode: %w", err)
	}
	doc, err := automerge.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return doc, nil
}

// Keys lists archived workspace keys in order.
func (a *Archive) Keys(ctx context.Context) ([]string, error) {
	rows, err := a.database.QueryContext(ctx, `SELECT key FROM workspaces ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}
