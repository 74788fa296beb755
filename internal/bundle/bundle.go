// Package bundle implements the wrapper bundle build pipeline: module set
// resolution, configuration fingerprinting, the persisted build ledger,
// asynchronous compilation and artifact storage.
package bundle

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrNotReady        = errors.New("not ready")
	ErrEmptyModuleSet  = errors.New("empty module set")
	ErrArtifactMissing = errors.New("artifact missing")
)

// Status represents the build status as a string.
type Status string

const (
	// StatusBuilding indicates that compilation is in flight.
	StatusBuilding Status = "building"
	// StatusReady indicates that the artifact was produced and stored.
	StatusReady Status = "ready"
	// StatusFailed indicates that the build reached a terminal failure.
	StatusFailed Status = "failed"
)

var statuses = map[Status]struct{}{
	StatusBuilding: {},
	StatusReady:    {},
	StatusFailed:   {},
}

// StatusFromString converts a string to a Status type and checks if it is a known status.
// It returns the Status and a boolean indicating whether the status is known.
func StatusFromString(s string) (status Status, known bool) {
	status = Status(s)
	_, known = statuses[status]
	return status, known
}

// Build is one row of the build ledger. A build transitions at most once,
// from building to ready or failed, and is never resurrected.
// IncludedModules is the resolved list frozen at creation time.
type Build struct {
	ID          uuid.UUID
	PublisherID uuid.UUID

	Version           string
	ConfigFingerprint string
	ToolchainVersion  string
	IncludedModules   []string

	Status            Status
	ArtifactPath      *string
	ArtifactSizeBytes *int64
	ErrorMessage      *string

	CreatedAt time.Time
	ExpiresAt *time.Time
}

const baseVersion = "1.0.0"

// nextVersion bumps the middle segment of a dotted version label.
// The label carries no meaning outside the ledger; it exists so the admin UI
// can show publishers a monotonic build number.
func nextVersion(prev string) string {
	parts := strings.Split(prev, ".")
	if len(parts) != 3 {
		return baseVersion
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return baseVersion
	}
	return fmt.Sprintf("%s.%d.0", parts[0], minor+1)
}

// ArtifactName returns the collision-free store name for a build's bundle.
// Publisher, version and fingerprint together are unique per artifact.
func ArtifactName(publisherID uuid.UUID, version, fingerprint string) string {
	return fmt.Sprintf("pub-%s/wrapper-v%s-%s.js", publisherID, version, fingerprint)
}

// DownloadName returns the user-facing filename for a build's bundle.
func DownloadName(version, fingerprint string) string {
	return fmt.Sprintf("wrapper-v%s-%s.js", version, fingerprint)
}
