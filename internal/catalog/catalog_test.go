package catalog

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nexusengine/wrapper/internal/app"
	"github.com/nexusengine/wrapper/internal/postgrestest"
)

func NewTestPostgres(tb testing.TB, ctx context.Context) (*Postgres, *pgxpool.Pool) {
	tb.Helper()

	connectionString := postgrestest.Setup(tb, ctx)

	db, err := app.NewPostgresPool(ctx, connectionString)
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	tb.Cleanup(db.Close)

	return NewPostgres(db), db
}

func createTestPublisher(tb testing.TB, ctx context.Context, p *Postgres) uuid.UUID {
	tb.Helper()

	publisherID := uuid.New()
	err := p.CreatePublisher(ctx, publisherID, "Test Publisher")
	if err != nil {
		tb.Fatalf("didn't want %q", err)
	}
	return publisherID
}

func TestPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a container")
	}

	ctx := context.Background()
	p, _ := NewTestPostgres(t, ctx)

	t.Run("serves the seeded bidder catalog", func(t *testing.T) {
		bidders, err := p.ListAvailableBidderModules(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(bidders) == 0 {
			t.Fatal("want a seeded catalog")
		}

		var found bool
		for _, b := range bidders {
			if b == "appnexusBidAdapter" {
				found = true
			}
		}
		if !found {
			t.Fatal("want appnexusBidAdapter in the catalog")
		}
	})

	t.Run("tracks removed bidders per publisher", func(t *testing.T) {
		publisherID := createTestPublisher(t, ctx, p)

		err := p.AddRemovedBidder(ctx, publisherID, "rubiconBidAdapter")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		// Removal is idempotent.
		err = p.AddRemovedBidder(ctx, publisherID, "rubiconBidAdapter")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		got, err := p.GetRemovedBidders(ctx, publisherID)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		want := []string{"rubiconBidAdapter"}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}

		err = p.DeleteRemovedBidder(ctx, publisherID, "rubiconBidAdapter")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		got, err = p.GetRemovedBidders(ctx, publisherID)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(got) != 0 {
			t.Fatalf("got %v, want none", got)
		}
	})

	t.Run("rejects removal of an unknown bidder", func(t *testing.T) {
		publisherID := createTestPublisher(t, ctx, p)

		err := p.AddRemovedBidder(ctx, publisherID, "noSuchBidAdapter")
		if got, want := err, ErrUnknownComponent; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("rejects a selection for an unknown publisher", func(t *testing.T) {
		err := p.EnableModule(ctx, uuid.New(), "priceFloors")
		if got, want := err, ErrUnknownPublisher; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("tracks enabled feature modules", func(t *testing.T) {
		publisherID := createTestPublisher(t, ctx, p)

		err := p.EnableModule(ctx, publisherID, "priceFloors")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		err = p.EnableModule(ctx, publisherID, "currency")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		got, err := p.GetEnabledModules(ctx, publisherID)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		want := []string{"currency", "priceFloors"}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}

		err = p.DisableModule(ctx, publisherID, "currency")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		got, err = p.GetEnabledModules(ctx, publisherID)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		want = []string{"priceFloors"}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("rejects an unknown feature module", func(t *testing.T) {
		publisherID := createTestPublisher(t, ctx, p)

		err := p.EnableModule(ctx, publisherID, "noSuchModule")
		if got, want := err, ErrUnknownComponent; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("tracks enabled analytics adapters", func(t *testing.T) {
		publisherID := createTestPublisher(t, ctx, p)

		err := p.EnableAnalytics(ctx, publisherID, "pubstackAnalyticsAdapter")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		got, err := p.GetEnabledAnalytics(ctx, publisherID)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		want := []string{"pubstackAnalyticsAdapter"}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}

		err = p.DisableAnalytics(ctx, publisherID, "pubstackAnalyticsAdapter")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		got, err = p.GetEnabledAnalytics(ctx, publisherID)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if len(got) != 0 {
			t.Fatalf("got %v, want none", got)
		}
	})

	t.Run("lists bidders with display names", func(t *testing.T) {
		bidders, err := p.ListBidders(ctx)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}

		var found bool
		for _, b := range bidders {
			if b.Module == "rubiconBidAdapter" {
				found = true
				if got, want := b.DisplayName, "Magnite"; got != want {
					t.Fatalf("got %q, want %q", got, want)
				}
			}
		}
		if !found {
			t.Fatal("want rubiconBidAdapter in the catalog")
		}
	})
}
