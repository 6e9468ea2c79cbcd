// Package snapshot persists session state between runs. Each session is one
// JSON document named by its id, written atomically so a crash mid-write
// never leaves a torn file behind. Snapshots are what make resuming a
// session possible after the process restarts or the connection is
// terminally lost.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"go.uber.org/zap"

	"github.com/Paulmait/roomsnap-sub000/internal/model/collab"
)

// Document is everything the engine needs to pick a session back up: the
// last known session state, which roster entry is the local participant,
// and the outbound sequence counter so peers keep seeing monotonic numbers.
type Document struct {
	SelfID   string         `json:"selfId"`
	Sequence uint64         `json:"sequence"`
	Session  collab.Session `json:"session"`
}

// Store reads and writes session snapshots under one directory.
type Store struct {
	dir    string
	logger *zap.Logger
}

// NewStore ensures dir exists and returns a store over it.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Save writes the snapshot for doc.Session.ID, replacing any previous one.
func (s *Store) Save(doc Document) error {
	if doc.Session.ID == "" {
		return errors.New("snapshot: session has no id")
	}
	buf, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", doc.Session.ID, err)
	}
	if err := atomic.WriteFile(s.path(doc.Session.ID), bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("write snapshot %s: %w", doc.Session.ID, err)
	}
	return nil
}

// Load reads one snapshot by session id. A missing snapshot is
// collab.ErrNotFound.
func (s *Store) Load(id string) (Document, error) {
	raw, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return Document{}, fmt.Errorf("snapshot %s: %w", id, collab.ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("read snapshot %s: %w", id, err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return doc, nil
}

// LoadAll reads every snapshot in the directory. Corrupt files are logged
// and skipped rather than failing the whole restore.
func (s *Store) LoadAll() ([]Document, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}

	var docs []Document
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		doc, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			s.logger.Warn("skipping unreadable snapshot",
				zap.String("file", name), zap.Error(err))
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Delete removes a snapshot. Deleting one that does not exist is a no-op.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.path(id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}
