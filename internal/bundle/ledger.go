package bundle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger is the persisted record of every build attempt.
// All writes are single-row; terminal transitions are guarded by the current
// status so a record never moves backward.
type Ledger interface {
	InsertBuilding(ctx context.Context, params *InsertBuildingParams) (*Build, error)
	FindReadyByFingerprint(ctx context.Context, publisherID uuid.UUID, fingerprint string) (*Build, error)
	FindBuildingByFingerprint(ctx context.Context, publisherID uuid.UUID, fingerprint string) (*Build, error)
	Get(ctx context.Context, publisherID, id uuid.UUID) (*Build, error)
	MarkReady(ctx context.Context, id uuid.UUID, artifactPath string, sizeBytes int64) (*Build, error)
	MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) (*Build, error)
	ListByPublisher(ctx context.Context, publisherID uuid.UUID) ([]*Build, error)
	LatestReady(ctx context.Context, publisherID uuid.UUID) (*Build, error)
	Delete(ctx context.Context, publisherID, id uuid.UUID) (*Build, error)
	FailStale(ctx context.Context, olderThan time.Time, errorMessage string) ([]*Build, error)
	DeleteExpired(ctx context.Context, now time.Time) ([]*Build, error)
}

type InsertBuildingParams struct {
	PublisherID       uuid.UUID
	ConfigFingerprint string
	ToolchainVersion  string
	IncludedModules   []string
	ExpiresAt         *time.Time
}

var _ Ledger = (*PostgresLedger)(nil)

// PostgresLedger implements Ledger on a pgx pool.
type PostgresLedger struct {
	DB *pgxpool.Pool // required
}

func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{DB: db}
}

const buildColumns = `
	id, publisher_id, version, config_fingerprint, toolchain_version,
	included_modules, status, artifact_path, artifact_size_bytes,
	error_message, created_at, expires_at
`

type executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// InsertBuilding creates a new building record and assigns it the next
// version label for the publisher. The per-publisher lock serializes
// concurrent inserts so the version sequence stays monotonic.
// It returns ErrNotFound if the publisher doesn't exist.
func (l *PostgresLedger) InsertBuilding(ctx context.Context, params *InsertBuildingParams) (*Build, error) {
	tx, err := l.DB.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle.PostgresLedger: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	err = lockPublisher(ctx, tx, params.PublisherID)
	if err != nil {
		return nil, fmt.Errorf("bundle.PostgresLedger: %w", insertError(err, params.PublisherID))
	}

	version, err := getNextVersion(ctx, tx, params.PublisherID)
	if err != nil {
		return nil, fmt.Errorf("bundle.PostgresLedger: %w", err)
	}

	query := `
		INSERT INTO bundle_builds (publisher_id, version, config_fingerprint, toolchain_version, included_modules, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + buildColumns
	args := []any{params.PublisherID, version, params.ConfigFingerprint, params.ToolchainVersion, params.IncludedModules, StatusBuilding, params.ExpiresAt}

	rows, _ := tx.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if err != nil {
		return nil, fmt.Errorf("bundle.PostgresLedger: %w", insertError(err, params.PublisherID))
	}

	err = tx.Commit(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle.PostgresLedger: %w", err)
	}

	return b, nil
}

// insertError maps foreign key violations onto ErrNotFound. The only
// foreign keys an insert can hit reference the publishers table, so a
// violation means the publisher doesn't exist.
func insertError(err error, publisherID uuid.UUID) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
		return fmt.Errorf("publisher %s: %w", publisherID, ErrNotFound)
	}
	return err
}

func lockPublisher(ctx context.Context, db executor, publisherID uuid.UUID) error {
	query := `
		INSERT INTO publisher_locks (publisher_id)
		VALUES ($1)
		ON CONFLICT (publisher_id) DO UPDATE SET locked_at = now()
		RETURNING publisher_id
	`
	args := []any{publisherID}

	rows, _ := db.Query(ctx, query, args...)
	_, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return err
	}

	return nil
}

func getNextVersion(ctx context.Context, db executor, publisherID uuid.UUID) (string, error) {
	query := `
		SELECT version
		FROM bundle_builds
		WHERE publisher_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	args := []any{publisherID}

	rows, _ := db.Query(ctx, query, args...)
	prev, err := pgx.CollectExactlyOneRow(rows, pgx.RowTo[string])
	if errors.Is(err, pgx.ErrNoRows) {
		return baseVersion, nil
	} else if err != nil {
		return "", err
	}

	return nextVersion(prev), nil
}

// FindReadyByFingerprint returns the authoritative cache entry for a
// (publisher, fingerprint) pair. Superseded or failed rows with the same
// fingerprint are never returned.
func (l *PostgresLedger) FindReadyByFingerprint(ctx context.Context, publisherID uuid.UUID, fingerprint string) (*Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM bundle_builds
		WHERE publisher_id = $1 AND config_fingerprint = $2 AND status = $3
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	return l.findOne(ctx, query, publisherID, fingerprint, StatusReady)
}

// FindBuildingByFingerprint returns the most recent in-flight record for a
// (publisher, fingerprint) pair.
func (l *PostgresLedger) FindBuildingByFingerprint(ctx context.Context, publisherID uuid.UUID, fingerprint string) (*Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM bundle_builds
		WHERE publisher_id = $1 AND config_fingerprint = $2 AND status = $3
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	return l.findOne(ctx, query, publisherID, fingerprint, StatusBuilding)
}

func (l *PostgresLedger) Get(ctx context.Context, publisherID, id uuid.UUID) (*Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM bundle_builds
		WHERE publisher_id = $1 AND id = $2
	`
	return l.findOne(ctx, query, publisherID, id)
}

// LatestReady returns the most recent ready build for a publisher.
func (l *PostgresLedger) LatestReady(ctx context.Context, publisherID uuid.UUID) (*Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM bundle_builds
		WHERE publisher_id = $1 AND status = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	return l.findOne(ctx, query, publisherID, StatusReady)
}

func (l *PostgresLedger) findOne(ctx context.Context, query string, args ...any) (*Build, error) {
	rows, _ := l.DB.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("bundle.PostgresLedger: %w", err)
	}

	return b, nil
}

// MarkReady transitions a building record to ready with artifact metadata.
// It returns ErrNotFound if the record doesn't exist or already left the
// building state.
func (l *PostgresLedger) MarkReady(ctx context.Context, id uuid.UUID, artifactPath string, sizeBytes int64) (*Build, error) {
	query := `
		UPDATE bundle_builds
		SET status = $2, artifact_path = $3, artifact_size_bytes = $4
		WHERE id = $1 AND status = $5
		RETURNING ` + buildColumns
	args := []any{id, StatusReady, artifactPath, sizeBytes, StatusBuilding}

	rows, _ := l.DB.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("bundle.PostgresLedger: %w", err)
	}

	return b, nil
}

// MarkFailed transitions a building record to failed with a human-readable
// message. It returns ErrNotFound if the record doesn't exist or already
// left the building state.
func (l *PostgresLedger) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) (*Build, error) {
	query := `
		UPDATE bundle_builds
		SET status = $2, error_message = $3
		WHERE id = $1 AND status = $4
		RETURNING ` + buildColumns
	args := []any{id, StatusFailed, errorMessage, StatusBuilding}

	rows, _ := l.DB.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("bundle.PostgresLedger: %w", err)
	}

	return b, nil
}

// ListByPublisher returns all of a publisher's builds, newest first.
func (l *PostgresLedger) ListByPublisher(ctx context.Context, publisherID uuid.UUID) ([]*Build, error) {
	query := `
		SELECT ` + buildColumns + `
		FROM bundle_builds
		WHERE publisher_id = $1
		ORDER BY created_at DESC, id DESC
	`
	args := []any{publisherID}

	rows, _ := l.DB.Query(ctx, query, args...)
	builds, err := pgx.CollectRows(rows, rowToBuild)
	if err != nil {
		return nil, fmt.Errorf("bundle.PostgresLedger: %w", err)
	}

	return builds, nil
}

// Delete removes a record and returns it so the caller can remove the
// backing artifact.
func (l *PostgresLedger) Delete(ctx context.Context, publisherID, id uuid.UUID) (*Build, error) {
	query := `
		DELETE FROM bundle_builds
		WHERE publisher_id = $1 AND id = $2
		RETURNING ` + buildColumns
	args := []any{publisherID, id}

	rows, _ := l.DB.Query(ctx, query, args...)
	b, err := pgx.CollectExactlyOneRow(rows, rowToBuild)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("bundle.PostgresLedger: %w", err)
	}

	return b, nil
}

// FailStale force-fails building records created before olderThan.
// It is the recovery path for builds whose worker died without reaching a
// terminal transition.
func (l *PostgresLedger) FailStale(ctx context.Context, olderThan time.Time, errorMessage string) ([]*Build, error) {
	query := `
		UPDATE bundle_builds
		SET status = $1, error_message = $2
		WHERE status = $3 AND created_at < $4
		RETURNING ` + buildColumns
	args := []any{StatusFailed, errorMessage, StatusBuilding, olderThan}

	rows, _ := l.DB.Query(ctx, query, args...)
	builds, err := pgx.CollectRows(rows, rowToBuild)
	if err != nil {
		return nil, fmt.Errorf("bundle.PostgresLedger: %w", err)
	}

	return builds, nil
}

// DeleteExpired removes records whose expiry has passed and returns them so
// the caller can remove the backing artifacts. Building records are left
// alone even when expired; the staleness sweep owns those, and deleting one
// mid-compilation would orphan the artifact it is about to produce.
func (l *PostgresLedger) DeleteExpired(ctx context.Context, now time.Time) ([]*Build, error) {
	query := `
		DELETE FROM bundle_builds
		WHERE expires_at IS NOT NULL AND expires_at < $1 AND status <> $2
		RETURNING ` + buildColumns
	args := []any{now, StatusBuilding}

	rows, _ := l.DB.Query(ctx, query, args...)
	builds, err := pgx.CollectRows(rows, rowToBuild)
	if err != nil {
		return nil, fmt.Errorf("bundle.PostgresLedger: %w", err)
	}

	return builds, nil
}

func rowToBuild(collectableRow pgx.CollectableRow) (*Build, error) {
	type row struct {
		ID                uuid.UUID  `db:"id"`
		PublisherID       uuid.UUID  `db:"publisher_id"`
		Version           string     `db:"version"`
		ConfigFingerprint string     `db:"config_fingerprint"`
		ToolchainVersion  string     `db:"toolchain_version"`
		IncludedModules   []string   `db:"included_modules"`
		Status            string     `db:"status"`
		ArtifactPath      *string    `db:"artifact_path"`
		ArtifactSizeBytes *int64     `db:"artifact_size_bytes"`
		ErrorMessage      *string    `db:"error_message"`
		CreatedAt         time.Time  `db:"created_at"`
		ExpiresAt         *time.Time `db:"expires_at"`
	}
	collectedRow, err := pgx.RowToStructByName[row](collectableRow)
	if err != nil {
		return nil, err
	}

	status, known := StatusFromString(collectedRow.Status)
	if !known {
		return nil, fmt.Errorf("unknown status %q", collectedRow.Status)
	}

	b := &Build{
		ID:                collectedRow.ID,
		PublisherID:       collectedRow.PublisherID,
		Version:           collectedRow.Version,
		ConfigFingerprint: collectedRow.ConfigFingerprint,
		ToolchainVersion:  collectedRow.ToolchainVersion,
		IncludedModules:   collectedRow.IncludedModules,
		Status:            status,
		ArtifactPath:      collectedRow.ArtifactPath,
		ArtifactSizeBytes: collectedRow.ArtifactSizeBytes,
		ErrorMessage:      collectedRow.ErrorMessage,
		CreatedAt:         collectedRow.CreatedAt,
		ExpiresAt:         collectedRow.ExpiresAt,
	}
	return b, nil
}
