package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/opencurator/opencurator/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded migration files.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Target operations

// CreateTarget creates a new target record.
func (s *SQLiteStore) CreateTarget(ctx context.Context, target *engine.Target) error {
	metadata, err := encodeMetadata(target.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO targets (id, name, category, priority, status, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		target.ID,
		target.Name,
		target.Category,
		target.Priority,
		target.Status,
		metadata,
		target.CreatedAt,
		target.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create target: %w", err)
	}
	return nil
}

// GetTarget retrieves a target by ID.
func (s *SQLiteStore) GetTarget(ctx context.Context, id string) (*engine.Target, error) {
	query := `
		SELECT id, name, category, priority, status, metadata, created_at, updated_at
		FROM targets
		WHERE id = ?
	`
	return s.scanTarget(s.db.QueryRowContext(ctx, query, id), id)
}

func (s *SQLiteStore) scanTarget(row *sql.Row, id string) (*engine.Target, error) {
	target := &engine.Target{}
	var metadata sql.NullString
	err := row.Scan(
		&target.ID,
		&target.Name,
		&target.Category,
		&target.Priority,
		&target.Status,
		&metadata,
		&target.CreatedAt,
		&target.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("target %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get target: %w", err)
	}
	if target.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	return target, nil
}

// ListTargets lists targets, optionally filtered by status, ordered by
// priority then creation time. A non-positive limit returns everything.
func (s *SQLiteStore) ListTargets(ctx context.Context, statuses []engine.TargetStatus, limit, offset int) ([]*engine.Target, error) {
	query := `
		SELECT id, name, category, priority, status, metadata, created_at, updated_at
		FROM targets
	`
	var args []interface{}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, st)
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY priority ASC, created_at ASC LIMIT ? OFFSET ?"
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	defer rows.Close()

	targets := []*engine.Target{}
	for rows.Next() {
		target := &engine.Target{}
		var metadata sql.NullString
		err := rows.Scan(
			&target.ID,
			&target.Name,
			&target.Category,
			&target.Priority,
			&target.Status,
			&metadata,
			&target.CreatedAt,
			&target.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		if target.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating targets: %w", err)
	}
	return targets, nil
}

// UpdateTargetStatus updates the status of a target.
func (s *SQLiteStore) UpdateTargetStatus(ctx context.Context, id string, status engine.TargetStatus) error {
	query := `UPDATE targets SET status = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update target status: %w", err)
	}
	return requireRow(result, "target", id)
}

// UpdateTargetMetadata replaces the metadata of a target.
func (s *SQLiteStore) UpdateTargetMetadata(ctx context.Context, id string, metadata map[string]string) error {
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	query := `UPDATE targets SET metadata = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, encoded, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update target metadata: %w", err)
	}
	return requireRow(result, "target", id)
}

// Package operations

const packageColumns = `
	id, target_id, version, kind, state, plan_summary, endpoints,
	expected_outputs, validation_level, retry_count, metadata,
	created_at, updated_at
`

// CreatePackage inserts a package and its creation history entry in one
// transaction. It returns engine.ErrLivePackageExists when the target
// already holds a non-terminal package.
func (s *SQLiteStore) CreatePackage(ctx context.Context, pkg *engine.Package, entry *engine.HistoryEntry) error {
	endpoints, err := json.Marshal(pkg.Endpoints)
	if err != nil {
		return fmt.Errorf("failed to encode endpoints: %w", err)
	}
	outputs, err := json.Marshal(pkg.ExpectedOutputs)
	if err != nil {
		return fmt.Errorf("failed to encode expected outputs: %w", err)
	}
	metadata, err := encodeMetadata(pkg.Metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO packages (` + packageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		pkg.ID,
		pkg.TargetID,
		pkg.Version,
		pkg.Kind,
		pkg.State,
		pkg.PlanSummary,
		string(endpoints),
		string(outputs),
		pkg.ValidationLevel,
		pkg.RetryCount,
		metadata,
		pkg.CreatedAt,
		pkg.UpdatedAt,
	)
	if err != nil {
		if isLiveIndexViolation(err) {
			return fmt.Errorf("target %s: %w", pkg.TargetID, engine.ErrLivePackageExists)
		}
		return fmt.Errorf("failed to create package: %w", err)
	}

	if entry != nil {
		if err := insertHistory(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit package creation: %w", err)
	}
	return nil
}

// isLiveIndexViolation detects a violation of the partial unique index
// that enforces at most one non-terminal package per target. SQLite
// reports the violation by column, not by index name: the live index is
// the only unique constraint naming target_id alone, while the
// (target_id, version) table constraint also names the version column.
func isLiveIndexViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed: packages.target_id") &&
		!strings.Contains(msg, "packages.version")
}

// GetPackage retrieves a package by ID.
func (s *SQLiteStore) GetPackage(ctx context.Context, id string) (*engine.Package, error) {
	query := `SELECT ` + packageColumns + ` FROM packages WHERE id = ?`
	return s.scanPackageRow(s.db.QueryRowContext(ctx, query, id), id)
}

// GetLivePackage retrieves the single non-terminal package of a target.
func (s *SQLiteStore) GetLivePackage(ctx context.Context, targetID string) (*engine.Package, error) {
	query := `
		SELECT ` + packageColumns + `
		FROM packages
		WHERE target_id = ? AND state NOT IN ('closed', 'failed')
	`
	return s.scanPackageRow(s.db.QueryRowContext(ctx, query, targetID), targetID)
}

// LatestPackage retrieves the highest-version package of a target.
func (s *SQLiteStore) LatestPackage(ctx context.Context, targetID string) (*engine.Package, error) {
	query := `
		SELECT ` + packageColumns + `
		FROM packages
		WHERE target_id = ?
		ORDER BY version DESC
		LIMIT 1
	`
	return s.scanPackageRow(s.db.QueryRowContext(ctx, query, targetID), targetID)
}

func (s *SQLiteStore) scanPackageRow(row *sql.Row, id string) (*engine.Package, error) {
	pkg := &engine.Package{}
	var endpoints, outputs string
	var metadata sql.NullString
	err := row.Scan(
		&pkg.ID,
		&pkg.TargetID,
		&pkg.Version,
		&pkg.Kind,
		&pkg.State,
		&pkg.PlanSummary,
		&endpoints,
		&outputs,
		&pkg.ValidationLevel,
		&pkg.RetryCount,
		&metadata,
		&pkg.CreatedAt,
		&pkg.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("package %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package: %w", err)
	}
	return pkg, decodePackageFields(pkg, endpoints, outputs, metadata)
}

func decodePackageFields(pkg *engine.Package, endpoints, outputs string, metadata sql.NullString) error {
	if err := json.Unmarshal([]byte(endpoints), &pkg.Endpoints); err != nil {
		return fmt.Errorf("failed to decode endpoints: %w", err)
	}
	if err := json.Unmarshal([]byte(outputs), &pkg.ExpectedOutputs); err != nil {
		return fmt.Errorf("failed to decode expected outputs: %w", err)
	}
	var err error
	pkg.Metadata, err = decodeMetadata(metadata)
	return err
}

// ListPackagesByState lists all packages in a given state, oldest first.
func (s *SQLiteStore) ListPackagesByState(ctx context.Context, state engine.PackageState) ([]*engine.Package, error) {
	query := `
		SELECT ` + packageColumns + `
		FROM packages
		WHERE state = ?
		ORDER BY created_at ASC
	`
	return s.queryPackages(ctx, query, state)
}

// ListPackagesByTarget lists all package versions of a target.
func (s *SQLiteStore) ListPackagesByTarget(ctx context.Context, targetID string) ([]*engine.Package, error) {
	query := `
		SELECT ` + packageColumns + `
		FROM packages
		WHERE target_id = ?
		ORDER BY version ASC
	`
	return s.queryPackages(ctx, query, targetID)
}

func (s *SQLiteStore) queryPackages(ctx context.Context, query string, args ...interface{}) ([]*engine.Package, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", err)
	}
	defer rows.Close()

	packages := []*engine.Package{}
	for rows.Next() {
		pkg := &engine.Package{}
		var endpoints, outputs string
		var metadata sql.NullString
		err := rows.Scan(
			&pkg.ID,
			&pkg.TargetID,
			&pkg.Version,
			&pkg.Kind,
			&pkg.State,
			&pkg.PlanSummary,
			&endpoints,
			&outputs,
			&pkg.ValidationLevel,
			&pkg.RetryCount,
			&metadata,
			&pkg.CreatedAt,
			&pkg.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		if err := decodePackageFields(pkg, endpoints, outputs, metadata); err != nil {
			return nil, err
		}
		packages = append(packages, pkg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating packages: %w", err)
	}
	return packages, nil
}

// CountPackagesByState returns the package population per state.
func (s *SQLiteStore) CountPackagesByState(ctx context.Context) (map[engine.PackageState]int, error) {
	query := `SELECT state, COUNT(*) FROM packages GROUP BY state`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count packages: %w", err)
	}
	defer rows.Close()

	counts := map[engine.PackageState]int{}
	for rows.Next() {
		var state engine.PackageState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan package count: %w", err)
		}
		counts[state] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating package counts: %w", err)
	}
	return counts, nil
}

// UpdatePackageMetadata replaces the metadata of a package.
func (s *SQLiteStore) UpdatePackageMetadata(ctx context.Context, id string, metadata map[string]string) error {
	encoded, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	query := `UPDATE packages SET metadata = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, encoded, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update package metadata: %w", err)
	}
	return requireRow(result, "package", id)
}

// TransitionPackage atomically moves a package between states and appends
// one history entry. The state predicate in the UPDATE makes concurrent
// transitions race-safe: the loser matches zero rows and gets
// engine.ErrStaleState.
func (s *SQLiteStore) TransitionPackage(ctx context.Context, id string, from, to engine.PackageState, upd *engine.PackageUpdate, entry *engine.HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sets := []string{"state = ?", "updated_at = ?"}
	args := []interface{}{to, time.Now().UTC()}
	if upd != nil {
		if upd.ValidationLevel != nil {
			sets = append(sets, "validation_level = ?")
			args = append(args, *upd.ValidationLevel)
		}
		if upd.RetryCount != nil {
			sets = append(sets, "retry_count = ?")
			args = append(args, *upd.RetryCount)
		}
		if upd.Metadata != nil {
			encoded, err := encodeMetadata(upd.Metadata)
			if err != nil {
				return err
			}
			sets = append(sets, "metadata = ?")
			args = append(args, encoded)
		}
	}
	args = append(args, id, from)

	query := "UPDATE packages SET " + strings.Join(sets, ", ") + " WHERE id = ? AND state = ?"
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition package: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT 1 FROM packages WHERE id = ?", id).Scan(&exists); err == sql.ErrNoRows {
			return fmt.Errorf("package %s: %w", id, engine.ErrNotFound)
		}
		return fmt.Errorf("package %s is no longer in state %s: %w", id, from, engine.ErrStaleState)
	}

	if entry != nil {
		if err := insertHistory(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}
	return nil
}

// Handoff operations

const handoffColumns = `
	id, package_id, task_spec, status, submitted_at, completed_at,
	result, created_at, updated_at
`

// CreateHandoff creates a new handoff record.
func (s *SQLiteStore) CreateHandoff(ctx context.Context, rec *engine.HandoffRecord) error {
	query := `
		INSERT INTO handoffs (` + handoffColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.PackageID,
		string(rec.TaskSpec),
		rec.Status,
		rec.SubmittedAt,
		rec.CompletedAt,
		nullableRaw(rec.Result),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create handoff: %w", err)
	}
	return nil
}

// GetHandoff retrieves a handoff by ID.
func (s *SQLiteStore) GetHandoff(ctx context.Context, id string) (*engine.HandoffRecord, error) {
	query := `SELECT ` + handoffColumns + ` FROM handoffs WHERE id = ?`
	return s.scanHandoffRow(s.db.QueryRowContext(ctx, query, id), id)
}

// LatestHandoff retrieves the most recent handoff of a package.
func (s *SQLiteStore) LatestHandoff(ctx context.Context, packageID string) (*engine.HandoffRecord, error) {
	query := `
		SELECT ` + handoffColumns + `
		FROM handoffs
		WHERE package_id = ?
		ORDER BY submitted_at DESC, id DESC
		LIMIT 1
	`
	return s.scanHandoffRow(s.db.QueryRowContext(ctx, query, packageID), packageID)
}

func (s *SQLiteStore) scanHandoffRow(row *sql.Row, id string) (*engine.HandoffRecord, error) {
	rec := &engine.HandoffRecord{}
	var taskSpec string
	var result sql.NullString
	err := row.Scan(
		&rec.ID,
		&rec.PackageID,
		&taskSpec,
		&rec.Status,
		&rec.SubmittedAt,
		&rec.CompletedAt,
		&result,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("handoff %s: %w", id, engine.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get handoff: %w", err)
	}
	rec.TaskSpec = json.RawMessage(taskSpec)
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	return rec, nil
}

// ListHandoffsByPackage lists all handoffs of a package, oldest first.
func (s *SQLiteStore) ListHandoffsByPackage(ctx context.Context, packageID string) ([]*engine.HandoffRecord, error) {
	query := `
		SELECT ` + handoffColumns + `
		FROM handoffs
		WHERE package_id = ?
		ORDER BY submitted_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, packageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list handoffs: %w", err)
	}
	defer rows.Close()

	records := []*engine.HandoffRecord{}
	for rows.Next() {
		rec := &engine.HandoffRecord{}
		var taskSpec string
		var result sql.NullString
		err := rows.Scan(
			&rec.ID,
			&rec.PackageID,
			&taskSpec,
			&rec.Status,
			&rec.SubmittedAt,
			&rec.CompletedAt,
			&result,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan handoff: %w", err)
		}
		rec.TaskSpec = json.RawMessage(taskSpec)
		if result.Valid {
			rec.Result = json.RawMessage(result.String)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating handoffs: %w", err)
	}
	return records, nil
}

// UpdateHandoffStatus updates a handoff's status and, optionally, its
// result payload and completion time.
func (s *SQLiteStore) UpdateHandoffStatus(ctx context.Context, id string, status engine.HandoffStatus, result json.RawMessage, completedAt *time.Time) error {
	query := `
		UPDATE handoffs
		SET status = ?,
			result = COALESCE(?, result),
			completed_at = COALESCE(?, completed_at),
			updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query, status, nullableRaw(result), completedAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update handoff status: %w", err)
	}
	return requireRow(res, "handoff", id)
}

// Manifest operations

// CreateManifestEntry creates a manifest entry. Entries are unique per
// (package, expected path).
func (s *SQLiteStore) CreateManifestEntry(ctx context.Context, entry *engine.ManifestEntry) error {
	query := `
		INSERT INTO manifest_entries (
			id, package_id, expected_path, expected_kind, observed_path,
			observed_kind, status, error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var observedKind interface{}
	if entry.ObservedKind != nil {
		observedKind = string(*entry.ObservedKind)
	}
	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		entry.PackageID,
		entry.ExpectedPath,
		entry.ExpectedKind,
		entry.ObservedPath,
		observedKind,
		entry.Status,
		entry.Error,
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create manifest entry: %w", err)
	}
	return nil
}

// ListManifestByPackage lists manifest entries of a package in creation
// order.
func (s *SQLiteStore) ListManifestByPackage(ctx context.Context, packageID string) ([]*engine.ManifestEntry, error) {
	query := `
		SELECT id, package_id, expected_path, expected_kind, observed_path,
			   observed_kind, status, error, created_at, updated_at
		FROM manifest_entries
		WHERE package_id = ?
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, packageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list manifest entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.ManifestEntry{}
	for rows.Next() {
		entry := &engine.ManifestEntry{}
		var observedKind sql.NullString
		err := rows.Scan(
			&entry.ID,
			&entry.PackageID,
			&entry.ExpectedPath,
			&entry.ExpectedKind,
			&entry.ObservedPath,
			&observedKind,
			&entry.Status,
			&entry.Error,
			&entry.CreatedAt,
			&entry.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan manifest entry: %w", err)
		}
		if observedKind.Valid {
			kind := engine.ArtifactKind(observedKind.String)
			entry.ObservedKind = &kind
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating manifest entries: %w", err)
	}
	return entries, nil
}

// History operations

// AppendHistory appends one history entry.
func (s *SQLiteStore) AppendHistory(ctx context.Context, entry *engine.HistoryEntry) error {
	return insertHistoryExec(ctx, s.db, entry)
}

func insertHistory(ctx context.Context, tx *sql.Tx, entry *engine.HistoryEntry) error {
	return insertHistoryExec(ctx, tx, entry)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertHistoryExec(ctx context.Context, db execer, entry *engine.HistoryEntry) error {
	metadata, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return err
	}

	var fromState interface{}
	if entry.FromState != "" {
		fromState = string(entry.FromState)
	}

	query := `
		INSERT INTO history (package_id, from_state, to_state, reason, actor, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = db.ExecContext(ctx, query,
		entry.PackageID,
		fromState,
		entry.ToState,
		entry.Reason,
		entry.Actor,
		metadata,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// ListHistoryByPackage lists a package's history entries oldest first.
func (s *SQLiteStore) ListHistoryByPackage(ctx context.Context, packageID string) ([]*engine.HistoryEntry, error) {
	query := `
		SELECT id, package_id, from_state, to_state, reason, actor, metadata, timestamp
		FROM history
		WHERE package_id = ?
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, packageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	entries := []*engine.HistoryEntry{}
	for rows.Next() {
		entry := &engine.HistoryEntry{}
		var fromState sql.NullString
		var metadata sql.NullString
		err := rows.Scan(
			&entry.ID,
			&entry.PackageID,
			&fromState,
			&entry.ToState,
			&entry.Reason,
			&entry.Actor,
			&metadata,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		if fromState.Valid {
			entry.FromState = engine.PackageState(fromState.String)
		}
		if entry.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return entries, nil
}

// Audit operations

// CreateAuditEntry records one audit entry.
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *engine.AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, entity_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.EntityID,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries lists audit entries newest first, optionally filtered
// by action. A non-positive limit returns everything.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*engine.AuditEntry, error) {
	query := `
		SELECT id, action, actor, entity_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, query, action, action, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*engine.AuditEntry{}
	for rows.Next() {
		entry := &engine.AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.EntityID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return entries, nil
}

// Helpers

func encodeMetadata(metadata map[string]string) (interface{}, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(encoded), nil
}

func decodeMetadata(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(raw.String), &metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return metadata, nil
}

func nullableRaw(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func requireRow(result sql.Result, entity, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, engine.ErrNotFound)
	}
	return nil
}
