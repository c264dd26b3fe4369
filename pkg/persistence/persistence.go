// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package persistence implements the queue, history and event store on
// top of a local SQLite database in WAL mode with a single writer.
package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/kraklabs/refdl/pkg/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the single-writer, WAL-mode SQLite-backed queue and history
// store. All mutating operations serialize through writeMu: SQLite permits
// only one writer at a time, and this avoids SQLITE_BUSY under load rather
// than retrying around it.
type Store struct {
	db      *sqlx.DB
	writeMu sync.Mutex
}

// Open opens (creating if absent) the SQLite database at path, enables
// WAL mode and a busy timeout, and applies any pending migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("persistence: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // WAL mode + single-writer semantics

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("persistence: enable wal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("persistence: enable foreign keys: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("persistence: set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("persistence: apply migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Enqueue inserts a new pending QueueItem and returns its assigned ID.
func (s *Store) Enqueue(ctx context.Context, item model.QueueItem) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := item.CreatedAt
	factors, _ := json.Marshal(item.ParseConfidenceFactors)
	topics, _ := json.Marshal(item.Topics)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_items
			(url, source_type, original_input, status, priority, retry_count,
			 last_error, parse_confidence, parse_confidence_factors, topics,
			 file_path, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, '', ?, ?, ?, '', ?, ?)`,
		item.URL, item.SourceType, item.OriginalInput, model.StatusPending, item.Priority,
		item.ParseConfidence, string(factors), string(topics), now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("persistence: enqueue: %w", err)
	}
	return res.LastInsertId()
}

// ClaimNextPending atomically selects and marks the highest-priority
// pending item as InProgress, so two concurrent schedulers never claim the
// same row. SQLite's single-writer semantics make the update itself
// atomic; the affected-row count confirms whether this caller won.
func (s *Store) ClaimNextPending(ctx context.Context, now time.Time) (*model.QueueItem, bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("persistence: begin claim tx: %w", err)
	}
	defer tx.Rollback()

	var row queueItemRow
	err = tx.GetContext(ctx, &row, `
		SELECT * FROM queue_items
		WHERE status = ?
		ORDER BY priority DESC, id ASC
		LIMIT 1`, model.StatusPending)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("persistence: select next pending: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		model.StatusInProgress, now, row.ID, model.StatusPending)
	if err != nil {
		return nil, false, fmt.Errorf("persistence: claim: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return nil, false, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("persistence: commit claim: %w", err)
	}

	item := row.toModel()
	item.Status = model.StatusInProgress
	return &item, true, nil
}

// ResetInProgressOnStartup reclaims any item left InProgress by a crashed
// prior run back to Pending, guaranteeing a single owner at a time.
func (s *Store) ResetInProgressOnStartup(ctx context.Context, now time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, updated_at = ? WHERE status = ?`,
		model.StatusPending, now, model.StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("persistence: reset in-progress: %w", err)
	}
	return res.RowsAffected()
}

// MarkCompleted transitions item to Completed, records its file path, and
// appends an immutable HistoryRecord.
func (s *Store) MarkCompleted(ctx context.Context, itemID int64, filePath, sha256Hex string, bytesWritten int64, meta *model.Metadata, now time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin complete tx: %w", err)
	}
	defer tx.Rollback()

	var row queueItemRow
	if err := tx.GetContext(ctx, &row, `SELECT * FROM queue_items WHERE id = ?`, itemID); err != nil {
		return fmt.Errorf("persistence: load item for completion: %w", err)
	}

	metaJSON := "null"
	if meta != nil {
		b, _ := json.Marshal(meta)
		metaJSON = string(b)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, file_path = ?, metadata = ?, updated_at = ? WHERE id = ?`,
		model.StatusCompleted, filePath, metaJSON, now, itemID); err != nil {
		return fmt.Errorf("persistence: mark completed: %w", err)
	}

	title, authorsJSON, doi, year, journal := "", "[]", "", "", ""
	if meta != nil {
		title, doi, year, journal = meta.Title, meta.DOI, meta.Year, meta.Journal
		b, _ := json.Marshal(meta.Authors)
		authorsJSON = string(b)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO history_records
			(queue_item_id, url, original_input, status, error_kind, started_at,
			 finished_at, bytes_written, sha256, title, authors, doi, year, journal, parse_confidence)
		VALUES (?, ?, ?, ?, '', ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		itemID, row.URL, row.OriginalInput, model.StatusCompleted, now, now,
		bytesWritten, sha256Hex, title, authorsJSON, doi, year, journal, row.ParseConfidence,
	); err != nil {
		return fmt.Errorf("persistence: append completion history: %w", err)
	}

	return tx.Commit()
}

// MarkFailed transitions item to Failed or Skipped (terminal) or back to
// Pending (when the caller has determined a retry is warranted); a terminal
// outcome also appends a HistoryRecord. It writes no Event: callers record
// events through AppendEvents. terminalStatus is ignored when terminal is
// false.
func (s *Store) MarkFailed(ctx context.Context, itemID int64, errKind, errDetail string, terminal bool, terminalStatus model.Status, now time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin fail tx: %w", err)
	}
	defer tx.Rollback()

	var row queueItemRow
	if err := tx.GetContext(ctx, &row, `SELECT * FROM queue_items WHERE id = ?`, itemID); err != nil {
		return fmt.Errorf("persistence: load item for failure: %w", err)
	}

	nextStatus := model.StatusPending
	if terminal {
		nextStatus = terminalStatus
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_items SET status = ?, retry_count = retry_count + 1, last_error = ?, updated_at = ?
		WHERE id = ?`, nextStatus, errDetail, now, itemID); err != nil {
		return fmt.Errorf("persistence: mark failed: %w", err)
	}

	if terminal {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO history_records
				(queue_item_id, url, original_input, status, error_kind, started_at, finished_at,
				 bytes_written, sha256, title, authors, doi, year, journal, parse_confidence)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', '', '[]', '', '', '', ?)`,
			itemID, row.URL, row.OriginalInput, nextStatus, errKind, now, now, row.ParseConfidence,
		); err != nil {
			return fmt.Errorf("persistence: append failure history: %w", err)
		}
	}

	return tx.Commit()
}

// AppendEvent inserts a single event row. Callers that emit many events in
// a burst should batch via AppendEvents instead.
func (s *Store) AppendEvent(ctx context.Context, ev model.Event) error {
	return s.AppendEvents(ctx, []model.Event{ev})
}

// AppendEvents inserts events in one transaction. The queue scheduler
// batches events on a 100ms/10-event flush policy so a busy batch doesn't
// serialize on the writer lock per event.
func (s *Store) AppendEvents(ctx context.Context, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("persistence: begin event batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (queue_item_id, kind, timestamp, details) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("persistence: prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, ev.QueueItemID, ev.Kind, ev.Timestamp, ev.Details); err != nil {
			return fmt.Errorf("persistence: insert event: %w", err)
		}
	}
	return tx.Commit()
}

// QueryHistory returns history records in ID order starting at afterID
// (exclusive), up to limit rows.
func (s *Store) QueryHistory(ctx context.Context, afterID int64, limit int) ([]model.HistoryRecord, error) {
	var rows []historyRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM history_records WHERE id > ? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("persistence: query history: %w", err)
	}
	out := make([]model.HistoryRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// CountsSince aggregates terminal outcome counts for the batch beginning
// at afterID, used to compute the process exit code.
func (s *Store) CountsSince(ctx context.Context, afterID int64) (model.TerminalCounts, error) {
	var counts model.TerminalCounts
	err := s.db.GetContext(ctx, &counts.Completed, `
		SELECT COUNT(*) FROM history_records WHERE id > ? AND status = ?`, afterID, model.StatusCompleted)
	if err != nil {
		return counts, fmt.Errorf("persistence: count completed: %w", err)
	}
	err = s.db.GetContext(ctx, &counts.Failed, `
		SELECT COUNT(*) FROM history_records WHERE id > ? AND status = ?`, afterID, model.StatusFailed)
	if err != nil {
		return counts, fmt.Errorf("persistence: count failed: %w", err)
	}
	err = s.db.GetContext(ctx, &counts.Skipped, `
		SELECT COUNT(*) FROM history_records WHERE id > ? AND status = ?`, afterID, model.StatusSkipped)
	if err != nil {
		return counts, fmt.Errorf("persistence: count skipped: %w", err)
	}
	counts.Attempted = counts.Completed + counts.Failed + counts.Skipped
	return counts, nil
}

// QueryQueue returns up to limit pending or in-progress queue items,
// highest priority first, for inspecting a batch still in flight.
func (s *Store) QueryQueue(ctx context.Context, limit int) ([]model.QueueItem, error) {
	var rows []queueItemRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM queue_items WHERE status IN (?, ?)
		ORDER BY priority DESC, id ASC LIMIT ?`,
		model.StatusPending, model.StatusInProgress, limit)
	if err != nil {
		return nil, fmt.Errorf("persistence: query queue: %w", err)
	}
	out := make([]model.QueueItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// MaxHistoryID returns the current maximum history_records id, used as the
// starting checkpoint for a fresh batch's CountsSince/QueryHistory calls.
func (s *Store) MaxHistoryID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.db.GetContext(ctx, &id, `SELECT MAX(id) FROM history_records`); err != nil {
		return 0, fmt.Errorf("persistence: max history id: %w", err)
	}
	return id.Int64, nil
}

type queueItemRow struct {
	ID                    int64     `db:"id"`
	URL                   string    `db:"url"`
	SourceType            string    `db:"source_type"`
	OriginalInput         string    `db:"original_input"`
	Status                string    `db:"status"`
	Priority              int       `db:"priority"`
	RetryCount            int       `db:"retry_count"`
	LastError             string    `db:"last_error"`
	ParseConfidence       string    `db:"parse_confidence"`
	ParseConfidenceFactors string   `db:"parse_confidence_factors"`
	Topics                string    `db:"topics"`
	Metadata              *string   `db:"metadata"`
	FilePath              string    `db:"file_path"`
	CreatedAt             time.Time `db:"created_at"`
	UpdatedAt             time.Time `db:"updated_at"`
}

func (r queueItemRow) toModel() model.QueueItem {
	var factors, topics []string
	_ = json.Unmarshal([]byte(r.ParseConfidenceFactors), &factors)
	_ = json.Unmarshal([]byte(r.Topics), &topics)

	var meta *model.Metadata
	if r.Metadata != nil && strings.TrimSpace(*r.Metadata) != "" && *r.Metadata != "null" {
		meta = &model.Metadata{}
		_ = json.Unmarshal([]byte(*r.Metadata), meta)
	}

	return model.QueueItem{
		ID:                   r.ID,
		URL:                  r.URL,
		SourceType:           model.SourceType(r.SourceType),
		OriginalInput:        r.OriginalInput,
		Status:               model.Status(r.Status),
		Priority:             r.Priority,
		RetryCount:           r.RetryCount,
		LastError:            r.LastError,
		ParseConfidence:        model.Confidence(r.ParseConfidence),
		ParseConfidenceFactors: factors,
		Topics:                 topics,
		Metadata:               meta,
		FilePath:               r.FilePath,
		CreatedAt:              r.CreatedAt,
		UpdatedAt:              r.UpdatedAt,
	}
}

type historyRow struct {
	ID              int64     `db:"id"`
	QueueItemID     int64     `db:"queue_item_id"`
	URL             string    `db:"url"`
	OriginalInput   string    `db:"original_input"`
	Status          string    `db:"status"`
	ErrorKind       string    `db:"error_kind"`
	StartedAt       time.Time `db:"started_at"`
	FinishedAt      time.Time `db:"finished_at"`
	BytesWritten    int64     `db:"bytes_written"`
	SHA256          string    `db:"sha256"`
	Title           string    `db:"title"`
	Authors         string    `db:"authors"`
	DOI             string    `db:"doi"`
	Year            string    `db:"year"`
	Journal         string    `db:"journal"`
	ParseConfidence string    `db:"parse_confidence"`
}

func (r historyRow) toModel() model.HistoryRecord {
	var authors []string
	_ = json.Unmarshal([]byte(r.Authors), &authors)
	return model.HistoryRecord{
		ID:              r.ID,
		QueueItemID:     r.QueueItemID,
		URL:             r.URL,
		OriginalInput:   r.OriginalInput,
		Status:          model.Status(r.Status),
		ErrorKind:       r.ErrorKind,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.FinishedAt,
		BytesWritten:    r.BytesWritten,
		SHA256:          r.SHA256,
		Title:           r.Title,
		Authors:         authors,
		DOI:             r.DOI,
		Year:            r.Year,
		Journal:         r.Journal,
		ParseConfidence: model.Confidence(r.ParseConfidence),
	}
}
