package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CreateResult is the synchronous answer to a build request. Cached is true
// when an existing ready build with the same fingerprint was returned and no
// work was dispatched.
type CreateResult struct {
	Build  *Build
	Cached bool
}

type inflightKey struct {
	publisherID uuid.UUID
	fingerprint string
}

// Orchestrator drives the build state machine: it decides cache-hit vs.
// cache-miss, inserts building records synchronously and dispatches
// compilation out of band. Publishers build concurrently, but at most one
// compilation runs per (publisher, fingerprint) pair at a time.
type Orchestrator struct {
	Ledger    Ledger     // required
	Assembler *Assembler // required
	Compiler  Compiler   // required
	Store     Store      // required

	Events EventPublisher // optional

	ToolchainVersion string
	OutputTarget     string        // default "prod"
	MaxBuildDuration time.Duration // default 10m; builds past it are force-failed
	MaxConcurrent    int           // default 8
	BuildTTL         time.Duration // optional; sets expires_at on new records

	mu       sync.Mutex
	inflight map[inflightKey]struct{}
	sem      chan struct{}
	semOnce  sync.Once
}

// CreateBuild resolves the publisher's configuration and returns a build for
// it. On a cache hit the existing ready build is returned and no work
// happens. On a miss a building record is inserted and compilation is
// dispatched in the background; the caller never blocks on it. If the same
// configuration is already compiling, the in-flight record is returned
// instead of starting a second compilation.
//
// The synchronous failures are ErrEmptyModuleSet for a configuration that
// selects nothing and ErrNotFound for an unknown publisher; toolchain and
// storage failures resolve asynchronously into the ledger.
func (o *Orchestrator) CreateBuild(ctx context.Context, publisherID uuid.UUID) (*CreateResult, error) {
	modules, err := o.Assembler.Resolve(ctx, publisherID)
	if err != nil {
		return nil, err
	}
	fingerprint := Fingerprint(modules, o.ToolchainVersion, o.outputTarget())

	b, err := o.Ledger.FindReadyByFingerprint(ctx, publisherID, fingerprint)
	if err == nil {
		return &CreateResult{Build: b, Cached: true}, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("bundle.Orchestrator: %w", err)
	}

	key := inflightKey{publisherID: publisherID, fingerprint: fingerprint}
	for attempt := 0; !o.acquire(key); attempt++ {
		b, err = o.Ledger.FindBuildingByFingerprint(ctx, publisherID, fingerprint)
		if err == nil {
			return &CreateResult{Build: b}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("bundle.Orchestrator: %w", err)
		}
		// The holder finished between our lookup and theirs; the ready row
		// it produced is now the cache entry.
		b, err = o.Ledger.FindReadyByFingerprint(ctx, publisherID, fingerprint)
		if err == nil {
			return &CreateResult{Build: b, Cached: true}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("bundle.Orchestrator: %w", err)
		}
		// The holder published the in-flight key but its record isn't
		// visible yet (or its insert failed and the key is about to free
		// up). Wait for one or the other.
		if attempt == inflightLookupAttempts {
			return nil, fmt.Errorf("bundle.Orchestrator: in-flight build for publisher %s didn't become visible", publisherID)
		}
		select {
		case <-time.After(inflightLookupDelay):
		case <-ctx.Done():
			return nil, fmt.Errorf("bundle.Orchestrator: %w", ctx.Err())
		}
	}

	var expiresAt *time.Time
	if o.BuildTTL > 0 {
		t := time.Now().UTC().Add(o.BuildTTL)
		expiresAt = &t
	}
	b, err = o.Ledger.InsertBuilding(ctx, &InsertBuildingParams{
		PublisherID:       publisherID,
		ConfigFingerprint: fingerprint,
		ToolchainVersion:  o.ToolchainVersion,
		IncludedModules:   modules,
		ExpiresAt:         expiresAt,
	})
	if err != nil {
		o.release(key)
		return nil, fmt.Errorf("bundle.Orchestrator: %w", err)
	}

	go o.compile(b, modules, key)

	return &CreateResult{Build: b}, nil
}

// TriggerBuild is the best-effort entry point for configuration-mutating
// operations. A failed trigger is logged and never propagated, so it cannot
// fail the mutation that caused it.
func (o *Orchestrator) TriggerBuild(ctx context.Context, publisherID uuid.UUID, reason string) {
	result, err := o.CreateBuild(ctx, publisherID)
	if err != nil {
		slog.Warn("didn't trigger build", "publisher_id", publisherID, "reason", reason, "err", err)
		return
	}
	slog.Info("triggered build",
		"publisher_id", publisherID,
		"reason", reason,
		"build_id", result.Build.ID,
		"fingerprint", result.Build.ConfigFingerprint,
		"cached", result.Cached,
	)
}

// compile runs in its own goroutine. Whatever happens, the record reaches a
// terminal state and the in-flight slot is released.
func (o *Orchestrator) compile(b *Build, modules []string, key inflightKey) {
	defer o.release(key)

	ctx, cancel := context.WithTimeout(context.Background(), o.maxBuildDuration())
	defer cancel()

	o.semaphore() <- struct{}{}
	defer func() {
		<-o.semaphore()
	}()

	defer func() {
		if r := recover(); r != nil {
			o.finishFailed(b, fmt.Sprintf("build panicked: %v", r))
		}
	}()

	result, err := o.Compiler.Invoke(ctx, &InvokeParams{
		Modules:      modules,
		ArtifactName: ArtifactName(b.PublisherID, b.Version, b.ConfigFingerprint),
	})
	if err != nil {
		o.finishFailed(b, err.Error())
		return
	}

	o.finishReady(b, result)
}

const (
	finishTimeout = 30 * time.Second

	inflightLookupAttempts = 5
	inflightLookupDelay    = 20 * time.Millisecond
)

func (o *Orchestrator) finishReady(b *Build, result *InvokeResult) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	updated, err := o.Ledger.MarkReady(ctx, b.ID, result.ArtifactPath, result.SizeBytes)
	if err != nil {
		// The sweeper may have force-failed the record while compilation
		// ran; the transition is lost, not retried backward.
		slog.Error("didn't mark build ready", "build_id", b.ID, "err", err)
		return
	}
	slog.Info("build ready",
		"build_id", updated.ID,
		"publisher_id", updated.PublisherID,
		"version", updated.Version,
		"artifact_path", result.ArtifactPath,
		"artifact_size_bytes", result.SizeBytes,
	)
	o.publishStatus(ctx, updated)
}

func (o *Orchestrator) finishFailed(b *Build, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	updated, err := o.Ledger.MarkFailed(ctx, b.ID, message)
	if err != nil {
		slog.Error("didn't mark build failed", "build_id", b.ID, "err", err)
		return
	}
	slog.Warn("build failed", "build_id", updated.ID, "publisher_id", updated.PublisherID, "error_message", message)
	o.publishStatus(ctx, updated)
}

func (o *Orchestrator) publishStatus(ctx context.Context, b *Build) {
	if o.Events == nil {
		return
	}
	if err := o.Events.PublishStatus(ctx, b); err != nil {
		slog.Warn("didn't publish build status", "build_id", b.ID, "err", err)
	}
}

// GetBuild returns a publisher's build by id.
func (o *Orchestrator) GetBuild(ctx context.Context, publisherID, id uuid.UUID) (*Build, error) {
	return o.Ledger.Get(ctx, publisherID, id)
}

// ListBuilds returns a publisher's builds, newest first.
func (o *Orchestrator) ListBuilds(ctx context.Context, publisherID uuid.UUID) ([]*Build, error) {
	return o.Ledger.ListByPublisher(ctx, publisherID)
}

// DeleteBuild removes a build record and its artifact. It reports whether a
// backing artifact was actually deleted; a record whose file was pruned
// externally deletes cleanly with artifactDeleted false.
func (o *Orchestrator) DeleteBuild(ctx context.Context, publisherID, id uuid.UUID) (artifactDeleted bool, err error) {
	b, err := o.Ledger.Delete(ctx, publisherID, id)
	if err != nil {
		return false, err
	}
	if b.ArtifactPath == nil {
		return false, nil
	}

	err = o.Store.Remove(ctx, *b.ArtifactPath)
	if errors.Is(err, ErrArtifactMissing) {
		slog.Warn("artifact already missing", "build_id", b.ID, "artifact_path", *b.ArtifactPath)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("bundle.Orchestrator: %w", err)
	}

	return true, nil
}

// OpenArtifact returns the artifact content of a ready build.
// It returns ErrNotFound for an unknown build, ErrNotReady for a build that
// has no artifact yet (or failed), and ErrArtifactMissing when the ledger
// says ready but the file is gone.
func (o *Orchestrator) OpenArtifact(ctx context.Context, publisherID, id uuid.UUID) (io.ReadCloser, *Build, error) {
	b, err := o.Ledger.Get(ctx, publisherID, id)
	if err != nil {
		return nil, nil, err
	}
	if b.Status != StatusReady || b.ArtifactPath == nil {
		return nil, nil, fmt.Errorf("build %s: %w", id, ErrNotReady)
	}

	rc, err := o.Store.Open(ctx, *b.ArtifactPath)
	if err != nil {
		if errors.Is(err, ErrArtifactMissing) {
			slog.Warn("artifact missing for ready build", "build_id", b.ID, "artifact_path", *b.ArtifactPath)
		}
		return nil, nil, err
	}

	return rc, b, nil
}

// OpenLatestBundle returns the artifact content of the publisher's most
// recent ready build. It backs the stable public bundle URL.
func (o *Orchestrator) OpenLatestBundle(ctx context.Context, publisherID uuid.UUID) (io.ReadCloser, *Build, error) {
	b, err := o.Ledger.LatestReady(ctx, publisherID)
	if err != nil {
		return nil, nil, err
	}
	if b.ArtifactPath == nil {
		return nil, nil, fmt.Errorf("build %s: %w", b.ID, ErrNotReady)
	}

	rc, err := o.Store.Open(ctx, *b.ArtifactPath)
	if err != nil {
		if errors.Is(err, ErrArtifactMissing) {
			slog.Warn("artifact missing for ready build", "build_id", b.ID, "artifact_path", *b.ArtifactPath)
		}
		return nil, nil, err
	}

	return rc, b, nil
}

// RunSweeper periodically force-fails stale building records and deletes
// expired records together with their artifacts. It returns when ctx is
// done.
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			o.sweepOnce(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()

	stale, err := o.Ledger.FailStale(ctx, now.Add(-o.maxBuildDuration()), "build exceeded maximum duration")
	if err != nil {
		slog.Error("didn't fail stale builds", "err", err)
	}
	for _, b := range stale {
		slog.Warn("force-failed stale build", "build_id", b.ID, "publisher_id", b.PublisherID, "created_at", b.CreatedAt)
		o.publishStatus(ctx, b)
	}

	expired, err := o.Ledger.DeleteExpired(ctx, now)
	if err != nil {
		slog.Error("didn't delete expired builds", "err", err)
	}
	for _, b := range expired {
		if b.ArtifactPath == nil {
			continue
		}
		if removeErr := o.Store.Remove(ctx, *b.ArtifactPath); removeErr != nil && !errors.Is(removeErr, ErrArtifactMissing) {
			slog.Error("didn't remove expired artifact", "build_id", b.ID, "artifact_path", *b.ArtifactPath, "err", removeErr)
		}
	}
}

func (o *Orchestrator) acquire(key inflightKey) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight == nil {
		o.inflight = make(map[inflightKey]struct{})
	}
	if _, ok := o.inflight[key]; ok {
		return false
	}
	o.inflight[key] = struct{}{}
	return true
}

func (o *Orchestrator) release(key inflightKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, key)
}

func (o *Orchestrator) semaphore() chan struct{} {
	o.semOnce.Do(func() {
		o.sem = make(chan struct{}, o.maxConcurrent())
	})
	return o.sem
}

func (o *Orchestrator) outputTarget() string {
	t := o.OutputTarget
	if t == "" {
		t = "prod"
	}
	return t
}

func (o *Orchestrator) maxBuildDuration() time.Duration {
	d := o.MaxBuildDuration
	if d == 0 {
		d = 10 * time.Minute
	}
	return d
}

func (o *Orchestrator) maxConcurrent() int {
	n := o.MaxConcurrent
	if n == 0 {
		n = 8
	}
	return n
}
