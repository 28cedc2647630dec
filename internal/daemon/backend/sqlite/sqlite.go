// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite backend implementation for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/dispatch/internal/daemon/backend"
	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ backend.WorkflowStore = (*Backend)(nil)
	_ backend.InstanceStore = (*Backend)(nil)
	_ backend.TaskLogStore  = (*Backend)(nil)
	_ backend.QueueStore    = (*Backend)(nil)
	_ backend.ScheduleStore = (*Backend)(nil)
	_ backend.Purger        = (*Backend)(nil)
	_ backend.Backend       = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens (creating if needed) the database and runs migrations.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			name TEXT PRIMARY KEY,
			content BLOB NOT NULL,
			source TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS instances (
			id INTEGER PRIMARY KEY,
			workflow TEXT NOT NULL,
			status TEXT NOT NULL,
			node_name TEXT,
			schedule_id INTEGER DEFAULT 0,
			parameters TEXT,
			errors INTEGER DEFAULT 0,
			snapshot BLOB,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status ON instances(status)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_workflow ON instances(workflow)`,
		`CREATE TABLE IF NOT EXISTS task_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id INTEGER NOT NULL,
			task_path TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			stream TEXT NOT NULL,
			data BLOB,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_logs_instance ON task_logs(instance_id)`,
		`CREATE TABLE IF NOT EXISTS queues (
			name TEXT PRIMARY KEY,
			concurrency INTEGER NOT NULL,
			scheduler TEXT NOT NULL,
			dynamic INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			workflow TEXT NOT NULL,
			cron TEXT NOT NULL,
			parameters TEXT,
			on_failure TEXT NOT NULL,
			active INTEGER DEFAULT 1,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// GetWorkflow retrieves a workflow definition by name.
func (b *Backend) GetWorkflow(ctx context.Context, name string) (*backend.Workflow, error) {
	var wf backend.Workflow
	var source sql.NullString
	var createdAt, updatedAt string

	err := b.db.QueryRowContext(ctx,
		`SELECT name, content, source, created_at, updated_at FROM workflows WHERE name = ?`, name,
	).Scan(&wf.Name, &wf.Content, &source, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &dispatcherrors.NotFoundError{Resource: "workflow", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	wf.Source = source.String
	wf.CreatedAt = parseTime(createdAt)
	wf.UpdatedAt = parseTime(updatedAt)
	return &wf, nil
}

// PutWorkflow creates or replaces a workflow definition.
func (b *Backend) PutWorkflow(ctx context.Context, wf *backend.Workflow) error {
	now := formatTime(time.Now())
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO workflows (name, content, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			content = excluded.content,
			source = excluded.source,
			updated_at = excluded.updated_at
	`, wf.Name, wf.Content, nullString(wf.Source), now, now)
	if err != nil {
		return fmt.Errorf("failed to save workflow: %w", err)
	}
	return nil
}

// ListWorkflows returns all definitions sorted by name.
func (b *Backend) ListWorkflows(ctx context.Context) ([]*backend.Workflow, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT name, content, source, created_at, updated_at FROM workflows ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var result []*backend.Workflow
	for rows.Next() {
		var wf backend.Workflow
		var source sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&wf.Name, &wf.Content, &source, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		wf.Source = source.String
		wf.CreatedAt = parseTime(createdAt)
		wf.UpdatedAt = parseTime(updatedAt)
		result = append(result, &wf)
	}
	return result, rows.Err()
}

// DeleteWorkflow removes a definition.
func (b *Backend) DeleteWorkflow(ctx context.Context, name string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM workflows WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &dispatcherrors.NotFoundError{Resource: "workflow", ID: name}
	}
	return nil
}

// MaxInstanceID returns the highest stored instance id.
func (b *Backend) MaxInstanceID(ctx context.Context) (uint64, error) {
	var max sql.NullInt64
	if err := b.db.QueryRowContext(ctx, `SELECT MAX(id) FROM instances`).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to read max instance id: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

// SaveInstance inserts or replaces an instance record.
func (b *Backend) SaveInstance(ctx context.Context, inst *backend.Instance) error {
	paramsJSON, err := json.Marshal(inst.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}

	var endedAt any
	if inst.EndedAt != nil {
		endedAt = formatTime(*inst.EndedAt)
	}

	_, err = b.db.ExecContext(ctx, `
		INSERT INTO instances (id, workflow, status, node_name, schedule_id, parameters, errors,
			snapshot, started_at, ended_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			errors = excluded.errors,
			snapshot = excluded.snapshot,
			ended_at = excluded.ended_at,
			updated_at = excluded.updated_at
	`, int64(inst.ID), inst.Workflow, inst.Status, nullString(inst.NodeName), inst.ScheduleID,
		string(paramsJSON), inst.Errors, inst.Snapshot, formatTime(inst.StartedAt), endedAt,
		formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	return nil
}

const instanceColumns = `id, workflow, status, node_name, schedule_id, parameters, errors,
	snapshot, started_at, ended_at, updated_at`

// GetInstance retrieves an instance record.
func (b *Backend) GetInstance(ctx context.Context, id uint64) (*backend.Instance, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE id = ?`, int64(id))
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &dispatcherrors.NotFoundError{Resource: "instance", ID: strconv.FormatUint(id, 10)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get instance: %w", err)
	}
	return inst, nil
}

// ListInstances lists instance records, newest first.
func (b *Backend) ListInstances(ctx context.Context, filter backend.InstanceFilter) ([]*backend.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, filter.Workflow)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer rows.Close()

	var result []*backend.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(s scanner) (*backend.Instance, error) {
	var inst backend.Instance
	var id int64
	var nodeName, paramsJSON, endedAt sql.NullString
	var startedAt, updatedAt string

	err := s.Scan(&id, &inst.Workflow, &inst.Status, &nodeName, &inst.ScheduleID, &paramsJSON,
		&inst.Errors, &inst.Snapshot, &startedAt, &endedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	inst.ID = uint64(id)
	inst.NodeName = nodeName.String
	if paramsJSON.Valid && paramsJSON.String != "" && paramsJSON.String != "null" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &inst.Parameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
		}
	}
	inst.StartedAt = parseTime(startedAt)
	inst.UpdatedAt = parseTime(updatedAt)
	if endedAt.Valid {
		t := parseTime(endedAt.String)
		inst.EndedAt = &t
	}
	return &inst, nil
}

// RecordTaskLog appends a captured log stream.
func (b *Backend) RecordTaskLog(ctx context.Context, entry *backend.TaskLog) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO task_logs (instance_id, task_path, attempt, stream, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, int64(entry.InstanceID), entry.TaskPath, entry.Attempt, entry.Stream, entry.Data, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to record task log: %w", err)
	}
	return nil
}

// ListTaskLogs returns the logs of an instance in recording order.
func (b *Backend) ListTaskLogs(ctx context.Context, instanceID uint64) ([]*backend.TaskLog, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT instance_id, task_path, attempt, stream, data, created_at
		FROM task_logs WHERE instance_id = ? ORDER BY id
	`, int64(instanceID))
	if err != nil {
		return nil, fmt.Errorf("failed to list task logs: %w", err)
	}
	defer rows.Close()

	var result []*backend.TaskLog
	for rows.Next() {
		var l backend.TaskLog
		var id int64
		var createdAt string
		if err := rows.Scan(&id, &l.TaskPath, &l.Attempt, &l.Stream, &l.Data, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan task log: %w", err)
		}
		l.InstanceID = uint64(id)
		l.CreatedAt = parseTime(createdAt)
		result = append(result, &l)
	}
	return result, rows.Err()
}

// PurgeInstances deletes up to limit ended instances and their task logs in
// one transaction.
func (b *Backend) PurgeInstances(ctx context.Context, before time.Time, limit int) (int, error) {
	const expired = `
		SELECT id FROM instances
		WHERE ended_at IS NOT NULL AND julianday(ended_at) <= julianday(?)
		ORDER BY id LIMIT ?`

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin purge: %w", err)
	}
	defer tx.Rollback()

	cutoff := formatTime(before)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM task_logs WHERE instance_id IN (`+expired+`)`, cutoff, limit); err != nil {
		return 0, fmt.Errorf("failed to purge instance logs: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM instances WHERE id IN (`+expired+`)`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to purge instances: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge instances: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}
	return int(n), nil
}

// PurgeTaskLogs deletes up to limit task logs recorded at or before before.
func (b *Backend) PurgeTaskLogs(ctx context.Context, before time.Time, limit int) (int, error) {
	res, err := b.db.ExecContext(ctx, `
		DELETE FROM task_logs WHERE id IN (
			SELECT id FROM task_logs
			WHERE julianday(created_at) <= julianday(?)
			ORDER BY id LIMIT ?)
	`, formatTime(before), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to purge task logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge task logs: %w", err)
	}
	return int(n), nil
}

// ListQueues returns queue declarations sorted by name.
func (b *Backend) ListQueues(ctx context.Context) ([]*backend.Queue, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT name, concurrency, scheduler, dynamic FROM queues ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	defer rows.Close()

	var result []*backend.Queue
	for rows.Next() {
		var q backend.Queue
		if err := rows.Scan(&q.Name, &q.Concurrency, &q.Scheduler, &q.Dynamic); err != nil {
			return nil, fmt.Errorf("failed to scan queue: %w", err)
		}
		result = append(result, &q)
	}
	return result, rows.Err()
}

// PutQueue creates or replaces a queue declaration.
func (b *Backend) PutQueue(ctx context.Context, q *backend.Queue) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO queues (name, concurrency, scheduler, dynamic) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			concurrency = excluded.concurrency,
			scheduler = excluded.scheduler,
			dynamic = excluded.dynamic
	`, q.Name, q.Concurrency, q.Scheduler, q.Dynamic)
	if err != nil {
		return fmt.Errorf("failed to save queue: %w", err)
	}
	return nil
}

// DeleteQueue removes a queue declaration.
func (b *Backend) DeleteQueue(ctx context.Context, name string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM queues WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete queue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &dispatcherrors.NotFoundError{Resource: "queue", ID: name}
	}
	return nil
}

// ListSchedules returns schedules ordered by ID.
func (b *Backend) ListSchedules(ctx context.Context) ([]*backend.Schedule, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, name, workflow, cron, parameters, on_failure, active, updated_at
		FROM schedules ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var result []*backend.Schedule
	for rows.Next() {
		var s backend.Schedule
		var paramsJSON sql.NullString
		var updatedAt string
		if err := rows.Scan(&s.ID, &s.Name, &s.Workflow, &s.Cron, &paramsJSON, &s.OnFailure, &s.Active, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		if paramsJSON.Valid && paramsJSON.String != "" && paramsJSON.String != "null" {
			if err := json.Unmarshal([]byte(paramsJSON.String), &s.Parameters); err != nil {
				return nil, fmt.Errorf("failed to unmarshal schedule parameters: %w", err)
			}
		}
		s.UpdatedAt = parseTime(updatedAt)
		result = append(result, &s)
	}
	return result, rows.Err()
}

// PutSchedule upserts a schedule by name.
func (b *Backend) PutSchedule(ctx context.Context, s *backend.Schedule) error {
	paramsJSON, err := json.Marshal(s.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal schedule parameters: %w", err)
	}

	now := time.Now()
	err = b.db.QueryRowContext(ctx, `
		INSERT INTO schedules (name, workflow, cron, parameters, on_failure, active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			workflow = excluded.workflow,
			cron = excluded.cron,
			parameters = excluded.parameters,
			on_failure = excluded.on_failure,
			active = excluded.active,
			updated_at = excluded.updated_at
		RETURNING id
	`, s.Name, s.Workflow, s.Cron, string(paramsJSON), s.OnFailure, s.Active, formatTime(now)).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	s.UpdatedAt = now
	return nil
}

// SetScheduleActive flips the active flag of a schedule.
func (b *Backend) SetScheduleActive(ctx context.Context, id int64, active bool) error {
	res, err := b.db.ExecContext(ctx, `UPDATE schedules SET active = ?, updated_at = ? WHERE id = ?`,
		active, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &dispatcherrors.NotFoundError{Resource: "schedule", ID: strconv.FormatInt(id, 10)}
	}
	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
