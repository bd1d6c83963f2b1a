package registry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SchemaVersion is the journal record schema version. Replay refuses
// records with an unknown version.
const SchemaVersion = 1

// RecordKind is the journal mutation kind.
type RecordKind string

const (
	// KindRegister is a fresh build registration carrying a full snapshot.
	KindRegister RecordKind = "register"

	// KindUpdate is a build mutation carrying a full snapshot.
	KindUpdate RecordKind = "update"

	// KindLog is a single appended log line.
	KindLog RecordKind = "log"
)

// RecordKey scopes a record to one build of one tenant.
type RecordKey struct {
	TenantID string `json:"tenant_id"`
	BuildID  string `json:"build_id"`
}

// Record is one JSONL journal line.
type Record struct {
	// TS is the wall-clock time of the mutation.
	TS time.Time `json:"ts"`

	// V is the schema version.
	V int `json:"v"`

	// Kind is the mutation kind.
	Kind RecordKind `json:"kind"`

	// Key scopes the record.
	Key RecordKey `json:"key"`

	// Fields is the kind-specific payload: a full build snapshot for
	// register/update, {"line": ...} for log.
	Fields json.RawMessage `json:"fields"`
}

// logFields is the payload for KindLog records.
type logFields struct {
	Line string `json:"line"`
}

// Journal is an append-only JSONL file of build mutations. Runtime never
// rewrites existing bytes; truncation and rotation happen offline.
type Journal struct {
	mu     sync.Mutex
	path   string
	f      *os.File
	w      *bufio.Writer
	logger *slog.Logger
}

// OpenJournal opens (creating if necessary) the journal file for appending.
func OpenJournal(path string, logger *slog.Logger) (*Journal, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return &Journal{
		path:   path,
		f:      f,
		w:      bufio.NewWriter(f),
		logger: logger,
	}, nil
}

// Append writes a single record and flushes it to the file. A failed append
// is fatal to the mutation; the caller must not commit in-memory state.
func (j *Journal) Append(rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return ErrJournalClosed
	}

	rec.V = SchemaVersion
	if rec.TS.IsZero() {
		rec.TS = time.Now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}
	if _, err := j.w.Write(data); err != nil {
		return fmt.Errorf("append journal record: %w", err)
	}
	if err := j.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("append journal record: %w", err)
	}
	if err := j.w.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	return nil
}

// Close flushes and closes the journal file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.f == nil {
		return nil
	}
	flushErr := j.w.Flush()
	closeErr := j.f.Close()
	j.f = nil
	if flushErr != nil {
		return fmt.Errorf("flush journal: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close journal: %w", closeErr)
	}
	return nil
}

// ReplayJournal reconstructs per-build state from the journal file. Only the
// most recent snapshot per (tenant, build) key survives — later records
// supersede earlier ones — with log records applied on top of the snapshot
// they follow. A corrupt line or unknown schema version is skipped with a
// warning and replay continues. A missing file yields an empty state.
func ReplayJournal(path string, logger *slog.Logger) (map[RecordKey]*Build, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[RecordKey]*Build{}, nil
		}
		return nil, fmt.Errorf("open journal for replay: %w", err)
	}
	defer f.Close()

	builds := make(map[RecordKey]*Build)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			logger.Warn("skipping corrupt journal line",
				slog.Int("line", lineNum), slog.String("error", err.Error()))
			continue
		}
		if rec.V != SchemaVersion {
			logger.Warn("skipping journal record with unknown schema version",
				slog.Int("line", lineNum), slog.Int("version", rec.V))
			continue
		}

		switch rec.Kind {
		case KindRegister, KindUpdate:
			var b Build
			if err := json.Unmarshal(rec.Fields, &b); err != nil {
				logger.Warn("skipping journal record with corrupt snapshot",
					slog.Int("line", lineNum), slog.String("error", err.Error()))
				continue
			}
			builds[rec.Key] = &b
		case KindLog:
			b, ok := builds[rec.Key]
			if !ok {
				logger.Warn("skipping log record for unknown build",
					slog.Int("line", lineNum), slog.String("build_id", rec.Key.BuildID))
				continue
			}
			var lf logFields
			if err := json.Unmarshal(rec.Fields, &lf); err != nil {
				logger.Warn("skipping corrupt log record",
					slog.Int("line", lineNum), slog.String("error", err.Error()))
				continue
			}
			b.AppendLogLine(lf.Line)
		default:
			logger.Warn("skipping journal record with unknown kind",
				slog.Int("line", lineNum), slog.String("kind", string(rec.Kind)))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan journal: %w", err)
	}

	return builds, nil
}
