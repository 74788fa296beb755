package server

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/nexusengine/wrapper/internal/bundle"
	"github.com/nexusengine/wrapper/internal/catalog"
)

// BuildService is the part of the build pipeline the handler drives.
// It is implemented by bundle.Orchestrator.
type BuildService interface {
	CreateBuild(ctx context.Context, publisherID uuid.UUID) (*bundle.CreateResult, error)
	GetBuild(ctx context.Context, publisherID, id uuid.UUID) (*bundle.Build, error)
	ListBuilds(ctx context.Context, publisherID uuid.UUID) ([]*bundle.Build, error)
	DeleteBuild(ctx context.Context, publisherID, id uuid.UUID) (bool, error)
	OpenArtifact(ctx context.Context, publisherID, id uuid.UUID) (io.ReadCloser, *bundle.Build, error)
	OpenLatestBundle(ctx context.Context, publisherID uuid.UUID) (io.ReadCloser, *bundle.Build, error)
	TriggerBuild(ctx context.Context, publisherID uuid.UUID, reason string)
}

// ComponentStore is the catalog and selection surface the handler mutates.
// It is implemented by catalog.Postgres.
type ComponentStore interface {
	ListBidders(ctx context.Context) ([]*catalog.Bidder, error)
	AddRemovedBidder(ctx context.Context, publisherID uuid.UUID, module string) error
	DeleteRemovedBidder(ctx context.Context, publisherID uuid.UUID, module string) error
	EnableModule(ctx context.Context, publisherID uuid.UUID, module string) error
	DisableModule(ctx context.Context, publisherID uuid.UUID, module string) error
	EnableAnalytics(ctx context.Context, publisherID uuid.UUID, module string) error
	DisableAnalytics(ctx context.Context, publisherID uuid.UUID, module string) error
}

type Handler struct {
	builds             BuildService       // required
	components         ComponentStore     // required
	jwtVerificationKey ed25519.PublicKey  // optional; nil disables auth

	mux *http.ServeMux
}

func NewHandler(builds BuildService, components ComponentStore, jwtVerificationKey ed25519.PublicKey) *Handler {
	mux := http.NewServeMux()
	h := &Handler{
		builds:             builds,
		components:         components,
		jwtVerificationKey: jwtVerificationKey,
		mux:                mux,
	}

	// TODO: Don't register in production.
	mux.Handle("GET /swagger/", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	mux.HandleFunc("GET /health", h.GetHealth)

	mux.HandleFunc("GET /v1/bidders", h.ListBidders)

	mux.HandleFunc("POST /v1/publishers/{publisherID}/builds", h.CreateBuild)
	mux.HandleFunc("GET /v1/publishers/{publisherID}/builds", h.ListBuilds)
	mux.HandleFunc("GET /v1/publishers/{publisherID}/builds/{id}", h.GetBuild)
	mux.HandleFunc("DELETE /v1/publishers/{publisherID}/builds/{id}", h.DeleteBuild)
	mux.HandleFunc("GET /v1/publishers/{publisherID}/builds/{id}/download", h.DownloadBuild)

	mux.HandleFunc("PUT /v1/publishers/{publisherID}/removed-bidders/{module}", h.RemoveBidder)
	mux.HandleFunc("DELETE /v1/publishers/{publisherID}/removed-bidders/{module}", h.RestoreBidder)
	mux.HandleFunc("PUT /v1/publishers/{publisherID}/modules/{module}", h.EnableModule)
	mux.HandleFunc("DELETE /v1/publishers/{publisherID}/modules/{module}", h.DisableModule)
	mux.HandleFunc("PUT /v1/publishers/{publisherID}/analytics/{module}", h.EnableAnalytics)
	mux.HandleFunc("DELETE /v1/publishers/{publisherID}/analytics/{module}", h.DisableAnalytics)

	mux.HandleFunc("GET /bundles/{publisherID}/wrapper.js", h.GetBundle)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) GetHealth(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status string `json:"status"`
	}

	serveJSON(w, http.StatusOK, response{Status: "ok"})
}

// Build is the API representation of a build record.
type Build struct {
	ID                uuid.UUID  `json:"id"`
	PublisherID       uuid.UUID  `json:"publisher_id"`
	Version           string     `json:"version"`
	ConfigFingerprint string     `json:"config_fingerprint"`
	ToolchainVersion  string     `json:"toolchain_version"`
	IncludedModules   []string   `json:"included_modules"`
	Status            string     `json:"status"`
	ArtifactPath      *string    `json:"artifact_path,omitempty"`
	ArtifactSizeBytes *int64     `json:"artifact_size_bytes,omitempty"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
}

func buildFromBundle(b *bundle.Build) *Build {
	return &Build{
		ID:                b.ID,
		PublisherID:       b.PublisherID,
		Version:           b.Version,
		ConfigFingerprint: b.ConfigFingerprint,
		ToolchainVersion:  b.ToolchainVersion,
		IncludedModules:   b.IncludedModules,
		Status:            string(b.Status),
		ArtifactPath:      b.ArtifactPath,
		ArtifactSizeBytes: b.ArtifactSizeBytes,
		ErrorMessage:      b.ErrorMessage,
		CreatedAt:         b.CreatedAt,
		ExpiresAt:         b.ExpiresAt,
	}
}

func (h *Handler) ListBidders(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	type bidder struct {
		Module      string `json:"module"`
		DisplayName string `json:"display_name"`
	}
	type response struct {
		Bidders []bidder `json:"bidders"`
	}

	bidders, err := h.components.ListBidders(r.Context())
	if err != nil {
		h.serveServerError(w, r, err)
		return
	}

	resp := response{Bidders: make([]bidder, 0, len(bidders))}
	for _, b := range bidders {
		resp.Bidders = append(resp.Bidders, bidder{Module: b.Module, DisplayName: b.DisplayName})
	}

	serveJSON(w, http.StatusOK, resp)
}

func (h *Handler) CreateBuild(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	publisherID, ok := h.publisherID(w, r)
	if !ok {
		return
	}

	result, err := h.builds.CreateBuild(r.Context(), publisherID)
	if err != nil {
		switch {
		case errors.Is(err, bundle.ErrEmptyModuleSet):
			h.serveClientError(w, r, http.StatusUnprocessableEntity, err)
		case errors.Is(err, bundle.ErrNotFound):
			h.serveClientError(w, r, http.StatusNotFound, err)
		default:
			h.serveServerError(w, r, err)
		}
		return
	}

	status := http.StatusCreated
	if result.Cached {
		status = http.StatusOK
	}

	type response struct {
		Build  *Build `json:"build"`
		Cached bool   `json:"cached"`
	}
	serveJSON(w, status, response{Build: buildFromBundle(result.Build), Cached: result.Cached})
}

func (h *Handler) ListBuilds(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	publisherID, ok := h.publisherID(w, r)
	if !ok {
		return
	}

	builds, err := h.builds.ListBuilds(r.Context(), publisherID)
	if err != nil {
		h.serveServerError(w, r, err)
		return
	}

	type response struct {
		Builds []*Build `json:"builds"`
	}
	resp := response{Builds: make([]*Build, 0, len(builds))}
	for _, b := range builds {
		resp.Builds = append(resp.Builds, buildFromBundle(b))
	}

	serveJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetBuild(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	publisherID, ok := h.publisherID(w, r)
	if !ok {
		return
	}
	id, ok := h.buildID(w, r)
	if !ok {
		return
	}

	b, err := h.builds.GetBuild(r.Context(), publisherID, id)
	if err != nil {
		if errors.Is(err, bundle.ErrNotFound) {
			h.serveClientError(w, r, http.StatusNotFound, err)
			return
		}
		h.serveServerError(w, r, err)
		return
	}

	serveJSON(w, http.StatusOK, buildFromBundle(b))
}

func (h *Handler) DeleteBuild(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	publisherID, ok := h.publisherID(w, r)
	if !ok {
		return
	}
	id, ok := h.buildID(w, r)
	if !ok {
		return
	}

	artifactDeleted, err := h.builds.DeleteBuild(r.Context(), publisherID, id)
	if err != nil {
		if errors.Is(err, bundle.ErrNotFound) {
			h.serveClientError(w, r, http.StatusNotFound, err)
			return
		}
		h.serveServerError(w, r, err)
		return
	}

	type response struct {
		ArtifactDeleted bool `json:"artifact_deleted"`
	}
	serveJSON(w, http.StatusOK, response{ArtifactDeleted: artifactDeleted})
}

func (h *Handler) DownloadBuild(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	publisherID, ok := h.publisherID(w, r)
	if !ok {
		return
	}
	id, ok := h.buildID(w, r)
	if !ok {
		return
	}

	rc, b, err := h.builds.OpenArtifact(r.Context(), publisherID, id)
	if err != nil {
		switch {
		case errors.Is(err, bundle.ErrNotFound), errors.Is(err, bundle.ErrArtifactMissing):
			h.serveClientError(w, r, http.StatusNotFound, err)
		case errors.Is(err, bundle.ErrNotReady):
			h.serveClientError(w, r, http.StatusConflict, err)
		default:
			h.serveServerError(w, r, err)
		}
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Disposition", "attachment; filename="+bundle.DownloadName(b.Version, b.ConfigFingerprint))
	h.serveBundleContent(w, r, rc, b)
}

// GetBundle is the public, unauthenticated bundle URL. It always serves the
// publisher's most recent ready build, so the URL is stable across rebuilds.
func (h *Handler) GetBundle(w http.ResponseWriter, r *http.Request) {
	publisherID, ok := h.publisherID(w, r)
	if !ok {
		return
	}

	rc, b, err := h.builds.OpenLatestBundle(r.Context(), publisherID)
	if err != nil {
		switch {
		case errors.Is(err, bundle.ErrNotFound), errors.Is(err, bundle.ErrArtifactMissing):
			h.serveClientError(w, r, http.StatusNotFound, err)
		case errors.Is(err, bundle.ErrNotReady):
			h.serveClientError(w, r, http.StatusConflict, err)
		default:
			h.serveServerError(w, r, err)
		}
		return
	}
	defer rc.Close()

	// Artifacts are immutable per fingerprint, so aggressive caching is safe.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("ETag", `"`+b.ConfigFingerprint+`"`)
	h.serveBundleContent(w, r, rc, b)
}

func (h *Handler) serveBundleContent(w http.ResponseWriter, _ *http.Request, rc io.Reader, b *bundle.Build) {
	w.Header().Set("Content-Type", "application/javascript")
	if b.ArtifactSizeBytes != nil {
		w.Header().Set("Content-Length", strconv.FormatInt(*b.ArtifactSizeBytes, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("didn't write bundle content", "build_id", b.ID, "err", err)
	}
}

func (h *Handler) RemoveBidder(w http.ResponseWriter, r *http.Request) {
	h.mutateSelection(w, r, "bidder removed", h.components.AddRemovedBidder)
}

func (h *Handler) RestoreBidder(w http.ResponseWriter, r *http.Request) {
	h.mutateSelection(w, r, "bidder restored", h.components.DeleteRemovedBidder)
}

func (h *Handler) EnableModule(w http.ResponseWriter, r *http.Request) {
	h.mutateSelection(w, r, "module enabled", h.components.EnableModule)
}

func (h *Handler) DisableModule(w http.ResponseWriter, r *http.Request) {
	h.mutateSelection(w, r, "module disabled", h.components.DisableModule)
}

func (h *Handler) EnableAnalytics(w http.ResponseWriter, r *http.Request) {
	h.mutateSelection(w, r, "analytics enabled", h.components.EnableAnalytics)
}

func (h *Handler) DisableAnalytics(w http.ResponseWriter, r *http.Request) {
	h.mutateSelection(w, r, "analytics disabled", h.components.DisableAnalytics)
}

// mutateSelection applies a selection change and kicks off a rebuild. The
// rebuild is best-effort so a toolchain outage never blocks configuration
// changes.
func (h *Handler) mutateSelection(w http.ResponseWriter, r *http.Request, reason string, mutate func(ctx context.Context, publisherID uuid.UUID, module string) error) {
	if !h.authorize(w, r) {
		return
	}
	publisherID, ok := h.publisherID(w, r)
	if !ok {
		return
	}

	const pathValueModule = "module"
	module := r.PathValue(pathValueModule)
	if module == "" {
		h.serveClientError(w, r, http.StatusUnprocessableEntity, fmt.Errorf("empty %q request path value", pathValueModule))
		return
	}

	err := mutate(r.Context(), publisherID, module)
	if err != nil {
		switch {
		case errors.Is(err, catalog.ErrUnknownComponent):
			h.serveClientError(w, r, http.StatusUnprocessableEntity, err)
		case errors.Is(err, catalog.ErrUnknownPublisher):
			h.serveClientError(w, r, http.StatusNotFound, err)
		default:
			h.serveServerError(w, r, err)
		}
		return
	}

	h.builds.TriggerBuild(r.Context(), publisherID, reason)

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) publisherID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	const pathValuePublisherID = "publisherID"
	publisherID, err := uuid.Parse(r.PathValue(pathValuePublisherID))
	if err != nil {
		h.serveClientError(w, r, http.StatusUnprocessableEntity, fmt.Errorf("invalid %q request path value: %w", pathValuePublisherID, err))
		return uuid.UUID{}, false
	}
	return publisherID, true
}

func (h *Handler) buildID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	const pathValueID = "id"
	id, err := uuid.Parse(r.PathValue(pathValueID))
	if err != nil {
		h.serveClientError(w, r, http.StatusUnprocessableEntity, fmt.Errorf("invalid %q request path value: %w", pathValueID, err))
		return uuid.UUID{}, false
	}
	return id, true
}

func serveJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("didn't encode response", "err", err)
	}
}

func (h *Handler) serveClientError(w http.ResponseWriter, _ *http.Request, status int, err error) {
	slog.Warn("client error", "err", err)

	type response struct {
		Error string `json:"error"`
	}
	serveJSON(w, status, response{Error: err.Error()})
}

func (h *Handler) serveServerError(w http.ResponseWriter, _ *http.Request, err error) {
	slog.Error("server error", "err", err)

	type response struct {
		Error string `json:"error"`
	}
	serveJSON(w, http.StatusInternalServerError, response{Error: "internal server error"})
}
