// Package store keeps the bot's in-memory key-value data and chat metadata
// and checkpoints them to SQLite so they survive restarts.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"unicorn/internal/backend"
	"unicorn/internal/logging"
)

// Store is safe for concurrent use. Reads and writes hit memory only;
// Checkpoint copies memory to the database.
type Store struct {
	mu     sync.RWMutex
	kv     map[string]json.RawMessage
	chats  map[string]backend.ChatMeta
	dirty  bool
	db     *sql.DB
	dbPath string
	log    *zap.SugaredLogger

	checkpoints int
}

// Open opens (or creates) the database at path and restores its contents
// into memory.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		kv:     make(map[string]json.RawMessage),
		chats:  make(map[string]backend.ChatMeta),
		db:     db,
		dbPath: path,
		log:    logging.Get(logging.CategoryStore),
	}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.restore(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	kvTable := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	chatTable := `
	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		subject TEXT,
		participants INTEGER DEFAULT 0,
		updated_at DATETIME
	);
	`
	for _, table := range []string{kvTable, chatTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func (s *Store) restore() error {
	rows, err := s.db.Query(`SELECT key, value FROM kv`)
	if err != nil {
		return fmt.Errorf("failed to read kv: %w", err)
	}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			rows.Close()
			return err
		}
		s.kv[key] = json.RawMessage(value)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.Query(`SELECT id, subject, participants, updated_at FROM chats`)
	if err != nil {
		return fmt.Errorf("failed to read chats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c backend.ChatMeta
		var subject sql.NullString
		var updated sql.NullTime
		if err := rows.Scan(&c.ID, &subject, &c.Participants, &updated); err != nil {
			return err
		}
		c.Subject = subject.String
		c.UpdatedAt = updated.Time
		s.chats[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.log.Infow("store restored", "path", s.dbPath, "keys", len(s.kv), "chats", len(s.chats))
	return nil
}

// Get returns the value stored under key.
func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv[key]
	return v, ok
}

// Set stores v (marshalled to JSON) under key.
func (s *Store) Set(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	s.mu.Lock()
	s.kv[key] = raw
	s.dirty = true
	s.mu.Unlock()
	return nil
}

// Delete removes key.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.kv[key]; ok {
		delete(s.kv, key)
		s.dirty = true
	}
}

// UpsertChats merges chat metadata.
func (s *Store) UpsertChats(chats []backend.ChatMeta) {
	if len(chats) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chats {
		if c.ID == "" {
			continue
		}
		s.chats[c.ID] = c
	}
	s.dirty = true
}

// Chats returns all chat metadata sorted by id.
func (s *Store) Chats() []backend.ChatMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]backend.ChatMeta, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Carry returns the chat metadata as dial carry-over.
func (s *Store) Carry() backend.Carry {
	return backend.Carry{Chats: s.Chats()}
}

// Checkpoint writes memory to the database if anything changed since the
// last checkpoint.
func (s *Store) Checkpoint(ctx context.Context) error {
	s.mu.RLock()
	if !s.dirty {
		s.mu.RUnlock()
		return nil
	}
	kv := make(map[string]json.RawMessage, len(s.kv))
	for k, v := range s.kv {
		kv[k] = v
	}
	chats := make([]backend.ChatMeta, 0, len(s.chats))
	for _, c := range s.chats {
		chats = append(chats, c)
	}
	s.mu.RUnlock()

	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin checkpoint: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM kv`); err != nil {
		return fmt.Errorf("failed to clear kv: %w", err)
	}
	for k, v := range kv {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)`, k, string(v)); err != nil {
			return fmt.Errorf("failed to write key %s: %w", k, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chats`); err != nil {
		return fmt.Errorf("failed to clear chats: %w", err)
	}
	for _, c := range chats {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chats (id, subject, participants, updated_at) VALUES (?, ?, ?, ?)`,
			c.ID, c.Subject, c.Participants, c.UpdatedAt); err != nil {
			return fmt.Errorf("failed to write chat %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	s.mu.Lock()
	s.dirty = false
	s.checkpoints++
	s.mu.Unlock()

	s.log.Debugw("store checkpoint", "keys", len(kv), "chats", len(chats), "took", time.Since(start))
	return nil
}

// Checkpoints returns how many checkpoints were written.
func (s *Store) Checkpoints() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoints
}

// Close writes a final checkpoint and closes the database.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cpErr := s.Checkpoint(ctx)
	if err := s.db.Close(); err != nil {
		return err
	}
	return cpErr
}
