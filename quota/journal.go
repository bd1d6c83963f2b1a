package quota

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// quotaSchemaVersion is stamped on every record so replay can skip records
// written by a future format.
const quotaSchemaVersion = 1

// recordKind discriminates quota journal records.
type recordKind string

const (
	kindState recordKind = "state"
	kindAudit recordKind = "audit"
)

// record is one JSONL line in the quota journal.
type record struct {
	TS       time.Time       `json:"ts"`
	V        int             `json:"v"`
	Kind     recordKind      `json:"kind"`
	TenantID string          `json:"tenant_id"`
	Fields   json.RawMessage `json:"fields"`
}

// auditFields records a limit change.
type auditFields struct {
	Dimension Dimension `json:"dimension"`
	OldValue  float64   `json:"old_value"`
	NewValue  float64   `json:"new_value"`
	ChangedBy string    `json:"changed_by"`
}

// ErrJournalClosed is returned by appends after Close.
var ErrJournalClosed = errors.New("quota journal is closed")

// Journal is the append-only quota journal.
type Journal struct {
	file   *os.File
	writer *bufio.Writer
	closed bool
}

// OpenJournal opens the journal for appending, creating it if absent.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open quota journal: %w", err)
	}
	return &Journal{file: f, writer: bufio.NewWriter(f)}, nil
}

// append writes one record and flushes.
func (j *Journal) append(rec record) error {
	if j.closed {
		return ErrJournalClosed
	}
	rec.V = quotaSchemaVersion
	rec.TS = time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal quota record: %w", err)
	}
	if _, err := j.writer.Write(data); err != nil {
		return fmt.Errorf("write quota record: %w", err)
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write quota record: %w", err)
	}
	return j.writer.Flush()
}

// AppendState journals a full tenant state snapshot.
func (j *Journal) AppendState(tenantID string, st *tenantState) error {
	fields, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal tenant state: %w", err)
	}
	return j.append(record{Kind: kindState, TenantID: tenantID, Fields: fields})
}

// AppendAudit journals a limit change.
func (j *Journal) AppendAudit(tenantID string, dim Dimension, oldValue, newValue float64, changedBy string) error {
	fields, err := json.Marshal(auditFields{
		Dimension: dim,
		OldValue:  oldValue,
		NewValue:  newValue,
		ChangedBy: changedBy,
	})
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	return j.append(record{Kind: kindAudit, TenantID: tenantID, Fields: fields})
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.writer.Flush(); err != nil {
		j.file.Close()
		return fmt.Errorf("flush quota journal: %w", err)
	}
	return j.file.Close()
}

// ReplayQuotaJournal rebuilds tenant states from the journal. The newest
// state record per tenant wins; audit records are informational and skipped.
// Corrupt or unknown lines are skipped with a warning, never fatal.
func ReplayQuotaJournal(path string, logger *slog.Logger) (map[string]*tenantState, error) {
	if logger == nil {
		logger = slog.Default()
	}

	states := make(map[string]*tenantState)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return states, nil
		}
		return nil, fmt.Errorf("open quota journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			logger.Warn("skipping corrupt quota journal line", "line", line, "error", err)
			continue
		}
		if rec.V != quotaSchemaVersion {
			logger.Warn("skipping quota record with unknown version", "line", line, "version", rec.V)
			continue
		}

		switch rec.Kind {
		case kindState:
			var st tenantState
			if err := json.Unmarshal(rec.Fields, &st); err != nil {
				logger.Warn("skipping undecodable tenant state", "line", line, "error", err)
				continue
			}
			states[rec.TenantID] = &st
		case kindAudit:
			// Audit records are a history, not state.
		default:
			logger.Warn("skipping quota record with unknown kind", "line", line, "kind", rec.Kind)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan quota journal: %w", err)
	}
	return states, nil
}
