package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// JSONL record types for the streaming format.
const (
	RecordTypeHeader = "header" // Session metadata (first line)
	RecordTypeEvent  = "event"  // Individual event
	RecordTypeFooter = "footer" // Final state (last line)
)

// JSONLRecord is a wrapper for JSONL lines with type discrimination.
type JSONLRecord struct {
	RecordType string `json:"_type"`

	// Header fields
	ID            string    `json:"id,omitempty"`
	Name          string    `json:"name,omitempty"`
	BaseDir       string    `json:"base_dir,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	FormatVersion int       `json:"format_version,omitempty"`

	// Event fields
	*Event `json:",omitempty"`

	// Footer fields
	Status      string    `json:"status,omitempty"`
	ActiveFiles []string  `json:"active_files,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// FileStore implements Backend on the filesystem: one JSONL file per
// session, archived sessions under archive/, and the current session id in
// a file named current.
type FileStore struct {
	dir string
}

// NewFileStore creates a new file-based store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "archive"), 0755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) livePath(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

func (s *FileStore) archivePath(id string) string {
	return filepath.Join(s.dir, "archive", id+".jsonl")
}

// Save persists a session in JSONL format. The file is replaced
// atomically. An archived session moves to the archive directory.
func (s *FileStore) Save(sess *Session) error {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	header := JSONLRecord{
		RecordType:    RecordTypeHeader,
		ID:            sess.ID,
		Name:          sess.Name,
		BaseDir:       sess.BaseDir,
		CreatedAt:     sess.Meta.CreatedAt,
		FormatVersion: sess.Meta.FormatVersion,
	}
	if err := writeLine(w, header); err != nil {
		return err
	}
	for _, evt := range sess.Events {
		evtCopy := evt
		if err := writeLine(w, JSONLRecord{RecordType: RecordTypeEvent, Event: &evtCopy}); err != nil {
			return err
		}
	}
	footer := JSONLRecord{
		RecordType:  RecordTypeFooter,
		Status:      sess.Status,
		ActiveFiles: sess.ActiveFiles,
		UpdatedAt:   sess.Meta.UpdatedAt,
	}
	if err := writeLine(w, footer); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	path := s.livePath(sess.ID)
	if sess.Status == StatusArchived {
		path = s.archivePath(sess.ID)
	}
	if err := writeFileAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if sess.Status == StatusArchived {
		if err := os.Remove(s.livePath(sess.ID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove live session file: %w", err)
		}
	}
	return nil
}

func writeLine(w io.Writer, record JSONLRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// Load reads a session, looking in the archive when it is not live.
func (s *FileStore) Load(id string) (*Session, error) {
	path := s.livePath(id)
	if _, err := os.Stat(path); err != nil {
		path = s.archivePath(id)
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session not found: %s", id)
		}
		return nil, err
	}
	defer f.Close()

	sess := &Session{Events: []Event{}}

	// bufio.Reader instead of Scanner: no line length limit.
	reader := bufio.NewReader(f)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("error reading JSONL: %w", err)
		}
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			if perr := parseJSONLLine(trimmed, sess); perr != nil {
				return nil, perr
			}
		}
		if err != nil {
			break
		}
	}

	sess.restoreSeq()
	return sess, nil
}

func parseJSONLLine(line []byte, sess *Session) error {
	var record JSONLRecord
	if err := json.Unmarshal(line, &record); err != nil {
		return fmt.Errorf("failed to parse JSONL line: %w", err)
	}

	switch record.RecordType {
	case RecordTypeHeader:
		sess.ID = record.ID
		sess.Name = record.Name
		sess.BaseDir = record.BaseDir
		sess.Meta.CreatedAt = record.CreatedAt
		sess.Meta.FormatVersion = record.FormatVersion
	case RecordTypeEvent:
		if record.Event != nil {
			sess.Events = append(sess.Events, *record.Event)
		}
	case RecordTypeFooter:
		sess.Status = record.Status
		sess.ActiveFiles = record.ActiveFiles
		sess.Meta.UpdatedAt = record.UpdatedAt
	}
	return nil
}

// CurrentID returns the id of the current session, "" if none.
func (s *FileStore) CurrentID() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "current"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// SetCurrentID records the current session.
func (s *FileStore) SetCurrentID(id string) error {
	return writeFileAtomic(filepath.Join(s.dir, "current"), []byte(id+"\n"))
}

// Close implements Backend.
func (s *FileStore) Close() error { return nil }

// writeFileAtomic writes data to a temp file and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
