// Package storage persists sessions as JSON files so progress survives a
// process restart and finished sessions can be inspected later.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	errs "medscraper/pkg/errors"
	"medscraper/pkg/record"
	"medscraper/pkg/session"
)

// FileRepository stores each session as <base>/<session-id>.json. Writes go
// through a temp file and rename so a crash mid-write never leaves a
// truncated session on disk.
type FileRepository struct {
	baseDir string
	mu      sync.Mutex
}

// NewFileRepository creates the base directory if needed.
func NewFileRepository(baseDir string) (*FileRepository, error) {
	if baseDir == "" {
		baseDir = "./sessions"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errs.Newf(errs.ErrorTypeRepository, "creating session directory: %v", err)
	}
	return &FileRepository{baseDir: baseDir}, nil
}

// SaveSession writes the full session state, replacing any previous save.
func (r *FileRepository) SaveSession(s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errs.Newf(errs.ErrorTypeRepository, "encoding session %s: %v", s.ID, err)
	}

	path := r.sessionPath(s.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Newf(errs.ErrorTypeRepository, "writing session %s: %v", s.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errs.Newf(errs.ErrorTypeRepository, "committing session %s: %v", s.ID, err)
	}
	return nil
}

// LoadSession reads a previously saved session by ID.
func (r *FileRepository) LoadSession(id string) (*session.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.sessionPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.Newf(errs.ErrorTypeRepository, "session %s not found", id)
		}
		return nil, errs.Newf(errs.ErrorTypeRepository, "reading session %s: %v", id, err)
	}

	var s session.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errs.Newf(errs.ErrorTypeRepository, "decoding session %s: %v", id, err)
	}
	return &s, nil
}

// AppendRecords adds records to the session's append-only record log, one
// JSON object per line. The log complements the session file: it survives
// even if a later full save fails.
func (r *FileRepository) AppendRecords(sessionID string, records []*record.ProviderRecord) error {
	if len(records) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.OpenFile(r.recordsPath(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.Newf(errs.ErrorTypeRepository, "opening record log for %s: %v", sessionID, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return errs.Newf(errs.ErrorTypeRepository, "appending record for %s: %v", sessionID, err)
		}
	}
	return nil
}

// LoadRecords reads the append-only record log for a session. A session
// without a log yields an empty slice.
func (r *FileRepository) LoadRecords(sessionID string) ([]*record.ProviderRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.recordsPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Newf(errs.ErrorTypeRepository, "opening record log for %s: %v", sessionID, err)
	}
	defer f.Close()

	var records []*record.ProviderRecord
	dec := json.NewDecoder(f)
	for {
		var rec record.ProviderRecord
		if err := dec.Decode(&rec); err != nil {
			break
		}
		records = append(records, &rec)
	}
	return records, nil
}

// ListSessionIDs returns the IDs of all saved sessions.
func (r *FileRepository) ListSessionIDs() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.baseDir)
	if err != nil {
		return nil, errs.Newf(errs.ErrorTypeRepository, "listing sessions: %v", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// DeleteSession removes a saved session. Deleting a session that does not
// exist is not an error.
func (r *FileRepository) DeleteSession(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.Remove(r.sessionPath(id)); err != nil && !os.IsNotExist(err) {
		return errs.Newf(errs.ErrorTypeRepository, "deleting session %s: %v", id, err)
	}
	if err := os.Remove(r.recordsPath(id)); err != nil && !os.IsNotExist(err) {
		return errs.Newf(errs.ErrorTypeRepository, "deleting record log %s: %v", id, err)
	}
	return nil
}

func (r *FileRepository) sessionPath(id string) string {
	return filepath.Join(r.baseDir, fmt.Sprintf("%s.json", id))
}

func (r *FileRepository) recordsPath(id string) string {
	return filepath.Join(r.baseDir, fmt.Sprintf("%s.records.jsonl", id))
}
