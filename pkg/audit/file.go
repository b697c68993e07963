package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	skilltypes "github.com/jingkaihe/skillrunner/pkg/types/skills"
	"github.com/pkg/errors"
	"github.com/rogpeppe/go-internal/lockedfile"
)

// DefaultLogName is the audit log file name under ~/.skillrunner/logs.
const DefaultLogName = "skill-executions.log"

// DefaultLogPath returns ~/.skillrunner/logs/skill-executions.log.
func DefaultLogPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(home, ".skillrunner", "logs", DefaultLogName), nil
}

// FileLog appends one JSON line per execution. Appends take an exclusive
// file lock so several skillrunner processes can share the same log.
type FileLog struct {
	path string
}

// NewFileLog creates the parent directory of path and returns a FileLog.
func NewFileLog(path string) (*FileLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create audit log directory")
	}
	return &FileLog{path: path}, nil
}

// Path returns the log file location.
func (l *FileLog) Path() string {
	return l.path
}

// Record appends record to the log.
func (l *FileLog) Record(_ context.Context, record *skilltypes.ExecutionRecord) error {
	line, err := json.Marshal(NewEntry(record))
	if err != nil {
		return errors.Wrap(err, "failed to marshal audit entry")
	}
	line = append(line, '\n')

	f, err := lockedfile.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to open audit log")
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return errors.Wrap(err, "failed to append audit entry")
	}
	return nil
}

// Tail returns up to limit of the most recent entries, newest first,
// optionally filtered by skill. Malformed lines are skipped.
func (l *FileLog) Tail(_ context.Context, limit int, skill string) ([]Entry, error) {
	data, err := lockedfile.Read(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Entry{}, nil
		}
		return nil, errors.Wrap(err, "failed to read audit log")
	}

	var all []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if skill != "" && e.Skill != skill {
			continue
		}
		all = append(all, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan audit log")
	}

	entries := make([]Entry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(entries) == limit {
			break
		}
		entries = append(entries, all[i])
	}
	return entries, nil
}
