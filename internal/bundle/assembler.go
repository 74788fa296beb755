package bundle

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
)

// Catalog lists the bidder adapter modules available to every publisher.
// It is owned by the component CRUD layer.
type Catalog interface {
	ListAvailableBidderModules(ctx context.Context) ([]string, error)
}

// Selections reads a publisher's component choices. Bidders are opt-out
// (removal is the exception), feature modules and analytics adapters are
// opt-in. It is owned by the CRUD layer; the pipeline only reads it.
type Selections interface {
	GetRemovedBidders(ctx context.Context, publisherID uuid.UUID) ([]string, error)
	GetEnabledModules(ctx context.Context, publisherID uuid.UUID) ([]string, error)
	GetEnabledAnalytics(ctx context.Context, publisherID uuid.UUID) ([]string, error)
}

// Assembler resolves the full list of source modules to compile into a
// publisher's bundle.
type Assembler struct {
	Catalog    Catalog    // required
	Selections Selections // required
}

// Resolve returns the sorted, de-duplicated module list for a publisher:
// every available bidder adapter minus the publisher's removal list, plus
// the publisher's enabled feature modules and analytics adapters.
// An empty result is a configuration error, not a buildable state.
func (a *Assembler) Resolve(ctx context.Context, publisherID uuid.UUID) ([]string, error) {
	bidders, err := a.Catalog.ListAvailableBidderModules(ctx)
	if err != nil {
		return nil, fmt.Errorf("bundle.Assembler: %w", err)
	}
	removed, err := a.Selections.GetRemovedBidders(ctx, publisherID)
	if err != nil {
		return nil, fmt.Errorf("bundle.Assembler: %w", err)
	}
	modules, err := a.Selections.GetEnabledModules(ctx, publisherID)
	if err != nil {
		return nil, fmt.Errorf("bundle.Assembler: %w", err)
	}
	analytics, err := a.Selections.GetEnabledAnalytics(ctx, publisherID)
	if err != nil {
		return nil, fmt.Errorf("bundle.Assembler: %w", err)
	}

	removedSet := make(map[string]struct{}, len(removed))
	for _, b := range removed {
		removedSet[b] = struct{}{}
	}

	resolved := make([]string, 0, len(bidders)+len(modules)+len(analytics))
	for _, b := range bidders {
		if _, ok := removedSet[b]; ok {
			continue
		}
		resolved = append(resolved, b)
	}
	resolved = append(resolved, modules...)
	resolved = append(resolved, analytics...)

	slices.Sort(resolved)
	resolved = slices.Compact(resolved)

	if len(resolved) == 0 {
		return nil, fmt.Errorf("bundle.Assembler: publisher %s: %w", publisherID, ErrEmptyModuleSet)
	}

	return resolved, nil
}
