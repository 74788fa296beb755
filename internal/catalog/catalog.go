// Package catalog owns the component catalog (bidder adapters, feature
// modules, analytics adapters) and each publisher's selections against it.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexusengine/wrapper/internal/bundle"
)

var (
	// ErrUnknownComponent is returned when a mutation references a
	// component that is not in the catalog.
	ErrUnknownComponent = errors.New("unknown component")
	// ErrUnknownPublisher is returned when a mutation references a
	// publisher that doesn't exist.
	ErrUnknownPublisher = errors.New("unknown publisher")
)

var (
	_ bundle.Catalog    = (*Postgres)(nil)
	_ bundle.Selections = (*Postgres)(nil)
)

// Postgres serves catalog and selection reads and writes on a pgx pool.
type Postgres struct {
	DB *pgxpool.Pool // required
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{DB: db}
}

// Bidder is a catalog entry for a bidder adapter.
type Bidder struct {
	Module      string
	DisplayName string
}

// ListBidders returns the full bidder adapter catalog.
func (p *Postgres) ListBidders(ctx context.Context) ([]*Bidder, error) {
	query := `
		SELECT module, display_name
		FROM bidder_adapters
		ORDER BY module
	`

	rows, _ := p.DB.Query(ctx, query)
	bidders, err := pgx.CollectRows(rows, func(collectableRow pgx.CollectableRow) (*Bidder, error) {
		type row struct {
			Module      string `db:"module"`
			DisplayName string `db:"display_name"`
		}
		collectedRow, err := pgx.RowToStructByName[row](collectableRow)
		if err != nil {
			return nil, err
		}
		return &Bidder{Module: collectedRow.Module, DisplayName: collectedRow.DisplayName}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog.Postgres: %w", err)
	}

	return bidders, nil
}

// ListAvailableBidderModules implements bundle.Catalog.
func (p *Postgres) ListAvailableBidderModules(ctx context.Context) ([]string, error) {
	return p.listColumn(ctx, `SELECT module FROM bidder_adapters ORDER BY module`)
}

// GetRemovedBidders implements bundle.Selections.
func (p *Postgres) GetRemovedBidders(ctx context.Context, publisherID uuid.UUID) ([]string, error) {
	query := `
		SELECT bidder_module
		FROM publisher_removed_bidders
		WHERE publisher_id = $1
		ORDER BY bidder_module
	`
	return p.listColumn(ctx, query, publisherID)
}

// GetEnabledModules implements bundle.Selections.
func (p *Postgres) GetEnabledModules(ctx context.Context, publisherID uuid.UUID) ([]string, error) {
	query := `
		SELECT module
		FROM publisher_modules
		WHERE publisher_id = $1
		ORDER BY module
	`
	return p.listColumn(ctx, query, publisherID)
}

// GetEnabledAnalytics implements bundle.Selections.
func (p *Postgres) GetEnabledAnalytics(ctx context.Context, publisherID uuid.UUID) ([]string, error) {
	query := `
		SELECT module
		FROM publisher_analytics
		WHERE publisher_id = $1
		ORDER BY module
	`
	return p.listColumn(ctx, query, publisherID)
}

func (p *Postgres) listColumn(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, _ := p.DB.Query(ctx, query, args...)
	values, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("catalog.Postgres: %w", err)
	}

	return values, nil
}

// AddRemovedBidder marks a catalog bidder as removed for a publisher.
// Removing an already-removed bidder is a no-op.
func (p *Postgres) AddRemovedBidder(ctx context.Context, publisherID uuid.UUID, module string) error {
	query := `
		INSERT INTO publisher_removed_bidders (publisher_id, bidder_module)
		VALUES ($1, $2)
		ON CONFLICT (publisher_id, bidder_module) DO NOTHING
	`
	args := []any{publisherID, module}

	_, err := p.DB.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("catalog.Postgres: %w", mutationError(err, module))
	}

	return nil
}

// DeleteRemovedBidder restores a previously removed bidder. Restoring a
// bidder that isn't removed is a no-op.
func (p *Postgres) DeleteRemovedBidder(ctx context.Context, publisherID uuid.UUID, module string) error {
	query := `
		DELETE FROM publisher_removed_bidders
		WHERE publisher_id = $1 AND bidder_module = $2
	`
	args := []any{publisherID, module}

	_, err := p.DB.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("catalog.Postgres: %w", err)
	}

	return nil
}

// EnableModule enables a feature module for a publisher. Enabling an
// already-enabled module is a no-op.
func (p *Postgres) EnableModule(ctx context.Context, publisherID uuid.UUID, module string) error {
	query := `
		INSERT INTO publisher_modules (publisher_id, module)
		VALUES ($1, $2)
		ON CONFLICT (publisher_id, module) DO NOTHING
	`
	args := []any{publisherID, module}

	_, err := p.DB.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("catalog.Postgres: %w", mutationError(err, module))
	}

	return nil
}

// DisableModule disables a feature module for a publisher. Disabling a
// module that isn't enabled is a no-op.
func (p *Postgres) DisableModule(ctx context.Context, publisherID uuid.UUID, module string) error {
	query := `
		DELETE FROM publisher_modules
		WHERE publisher_id = $1 AND module = $2
	`
	args := []any{publisherID, module}

	_, err := p.DB.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("catalog.Postgres: %w", err)
	}

	return nil
}

// EnableAnalytics enables an analytics adapter for a publisher. Enabling an
// already-enabled adapter is a no-op.
func (p *Postgres) EnableAnalytics(ctx context.Context, publisherID uuid.UUID, module string) error {
	query := `
		INSERT INTO publisher_analytics (publisher_id, module)
		VALUES ($1, $2)
		ON CONFLICT (publisher_id, module) DO NOTHING
	`
	args := []any{publisherID, module}

	_, err := p.DB.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("catalog.Postgres: %w", mutationError(err, module))
	}

	return nil
}

// DisableAnalytics disables an analytics adapter for a publisher. Disabling
// an adapter that isn't enabled is a no-op.
func (p *Postgres) DisableAnalytics(ctx context.Context, publisherID uuid.UUID, module string) error {
	query := `
		DELETE FROM publisher_analytics
		WHERE publisher_id = $1 AND module = $2
	`
	args := []any{publisherID, module}

	_, err := p.DB.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("catalog.Postgres: %w", err)
	}

	return nil
}

// CreatePublisher registers a publisher. Registering an existing publisher
// is a no-op.
func (p *Postgres) CreatePublisher(ctx context.Context, publisherID uuid.UUID, name string) error {
	query := `
		INSERT INTO publishers (id, name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`
	args := []any{publisherID, name}

	_, err := p.DB.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("catalog.Postgres: %w", err)
	}

	return nil
}

// mutationError maps foreign key violations onto domain errors. The schema
// enforces that selections only reference catalog components and existing
// publishers; everything else passes through.
func mutationError(err error, module string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
		switch pgErr.ConstraintName {
		case "publisher_removed_bidders_publisher_id_fkey",
			"publisher_modules_publisher_id_fkey",
			"publisher_analytics_publisher_id_fkey":
			return ErrUnknownPublisher
		default:
			return fmt.Errorf("%q: %w", module, ErrUnknownComponent)
		}
	}
	return err
}
