// Package httpapi exposes the content store and manifest router over HTTP.
//
// The surface maps the router's operations one-to-one: place/predict,
// commit/apply/rollback, route/invoke, the guardian emergency path, and
// read-only introspection. Authorization rides on bearer tokens resolved by
// the access package; for manifest operations the router's own gates decide
// and this layer only translates errors to status codes. Module state writes
// are the exception: the arena has no gates of its own, so the handlers
// require the proposer role before touching a partition.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/manifold/access"
	"github.com/hazyhaar/manifold/arena"
	"github.com/hazyhaar/manifold/contentstore"
	"github.com/hazyhaar/manifold/digest"
	"github.com/hazyhaar/manifold/kit"
	"github.com/hazyhaar/manifold/router"
	"github.com/hazyhaar/manifold/routetable"
)

// API serves the manifold HTTP surface.
type API struct {
	store  *contentstore.Store
	router *router.Router
	arena  *arena.Arena
	authz  *access.StaticAuthorizer
	logger *slog.Logger

	maxBody int64
}

// Options configures an API.
type Options struct {
	// MaxBodyBytes caps request bodies. Default: 8 MiB.
	MaxBodyBytes int64
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

// New creates the API over an initialized store, router, and arena.
func New(store *contentstore.Store, rt *router.Router, ar *arena.Arena, authz *access.StaticAuthorizer, opts Options) *API {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 8 << 20
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &API{
		store:   store,
		router:  rt,
		arena:   ar,
		authz:   authz,
		logger:  opts.Logger,
		maxBody: opts.MaxBodyBytes,
	}
}

// Handler builds the chi router with the full surface mounted.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(MaxBody(a.maxBody))
	r.Use(BearerAuth(a.authz))

	r.Get("/healthz", a.handleHealthz)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/modules", a.handlePlace)
		r.Post("/modules/predict", a.handlePredict)
		r.Get("/modules/{address}", a.handleGetModule)
		r.Get("/modules/{address}/state", a.handleStateKeys)
		r.Get("/modules/{address}/state/{key}", a.handleStateGet)
		r.Put("/modules/{address}/state/{key}", a.handleStatePut)
		r.Delete("/modules/{address}/state/{key}", a.handleStateDelete)

		r.Post("/manifest/commit", a.handleCommit)
		r.Post("/manifest/apply", a.handleApply)
		r.Post("/manifest/rollback", a.handleRollback)
		r.Get("/manifest/pending", a.handlePending)

		r.Get("/route/{operation}", a.handleRoute)
		r.Get("/route/{operation}/proof", a.handleProof)
		r.Post("/invoke/{operation}", a.handleInvoke)
		r.Get("/routes", a.handleRoutes)
		r.Post("/routes/remove", a.handleRemoveRoutes)

		r.Get("/forbidden", a.handleForbiddenList)
		r.Post("/forbidden", a.handleAddForbidden)
		r.Delete("/forbidden/{operation}", a.handleRemoveForbidden)

		r.Post("/pause", a.handlePause)
		r.Post("/unpause", a.handleUnpause)

		r.Get("/state", a.handleState)
	})
	return r
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type placeRequest struct {
	Payload []byte      `json:"payload"` // base64 in JSON
	Salt    digest.Salt `json:"salt"`
	Fee     uint64      `json:"fee"`
}

func (a *API) handlePlace(w http.ResponseWriter, r *http.Request) {
	var req placeRequest
	if !a.decode(w, r, &req) {
		return
	}
	m, err := a.store.Place(r.Context(), req.Payload, req.Salt, contentstore.PlaceOptions{
		Placer: kit.GetCaller(r.Context()),
		Fee:    req.Fee,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, moduleJSON(m))
}

func (a *API) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req placeRequest
	if !a.decode(w, r, &req) {
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"address":      a.store.Predict(req.Payload, req.Salt),
		"content_hash": a.store.PredictHash(req.Payload),
	})
}

func (a *API) handleGetModule(w http.ResponseWriter, r *http.Request) {
	addr, err := digest.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		a.writeError(w, r, badRequest(err))
		return
	}
	m, err := a.store.Get(r.Context(), addr)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, moduleJSON(m))
}

// namespaceFor resolves the state partition for a placed module. Partitions
// exist only for addresses that actually hold a module.
func (a *API) namespaceFor(r *http.Request) (*arena.Namespace, error) {
	addr, err := digest.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		return nil, badRequest(err)
	}
	if _, err := a.store.Get(r.Context(), addr); err != nil {
		return nil, err
	}
	return a.arena.Namespace(addr), nil
}

func (a *API) handleStateKeys(w http.ResponseWriter, r *http.Request) {
	ns, err := a.namespaceFor(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	keys, err := ns.Keys(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (a *API) handleStateGet(w http.ResponseWriter, r *http.Request) {
	ns, err := a.namespaceFor(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	value, err := ns.Get(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(value)
}

func (a *API) handleStatePut(w http.ResponseWriter, r *http.Request) {
	if err := a.authz.Allow(r.Context(), access.RoleProposer); err != nil {
		a.writeError(w, r, err)
		return
	}
	ns, err := a.namespaceFor(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	value, err := io.ReadAll(r.Body)
	if err != nil {
		a.writeError(w, r, badRequest(err))
		return
	}
	if err := ns.Put(r.Context(), chi.URLParam(r, "key"), value); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"key": chi.URLParam(r, "key")})
}

func (a *API) handleStateDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.authz.Allow(r.Context(), access.RoleProposer); err != nil {
		a.writeError(w, r, err)
		return
	}
	ns, err := a.namespaceFor(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := ns.Delete(r.Context(), chi.URLParam(r, "key")); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type commitRequest struct {
	Root  digest.Hash `json:"root"`
	Epoch uint64      `json:"epoch"`
}

func (a *API) handleCommit(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.router.CommitRoot(r.Context(), req.Root, req.Epoch); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]any{"root": req.Root, "epoch": req.Epoch})
}

type applyRequest struct {
	Entries []routetable.Entry `json:"entries"`
}

func (a *API) handleApply(w http.ResponseWriter, r *http.Request) {
	var req applyRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.router.ApplyCommittedRoot(r.Context(), req.Entries); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"root":   a.router.ActiveRoot(),
		"epoch":  a.router.ActiveEpoch(),
		"routes": a.router.RouteCount(),
	})
}

type rollbackRequest struct {
	Epoch   uint64             `json:"epoch"`
	Entries []routetable.Entry `json:"entries"`
}

func (a *API) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if !a.decode(w, r, &req) {
		return
	}
	root, err := a.router.Rollback(r.Context(), req.Epoch, req.Entries)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]any{"root": root, "epoch": req.Epoch})
}

func (a *API) handlePending(w http.ResponseWriter, r *http.Request) {
	pc, ok := a.router.Pending()
	if !ok {
		http.Error(w, "no pending commit", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"root":         pc.RootHash,
		"epoch":        pc.Epoch,
		"committed_at": pc.CommittedAt,
	})
}

func (a *API) handleRoute(w http.ResponseWriter, r *http.Request) {
	addr, err := a.router.Route(r.Context(), chi.URLParam(r, "operation"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"address": addr})
}

func (a *API) handleProof(w http.ResponseWriter, r *http.Request) {
	entry, siblings, err := a.router.ProveRoute(chi.URLParam(r, "operation"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"entry":    entry,
		"siblings": siblings,
		"root":     a.router.ActiveRoot(),
	})
}

func (a *API) handleInvoke(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		a.writeError(w, r, badRequest(err))
		return
	}
	out, err := a.router.Invoke(r.Context(), chi.URLParam(r, "operation"), payload)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func (a *API) handleRoutes(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{"routes": a.router.AllRoutes()})
}

type removeRoutesRequest struct {
	OperationIDs []string `json:"operation_ids"`
}

func (a *API) handleRemoveRoutes(w http.ResponseWriter, r *http.Request) {
	var req removeRoutesRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.router.RemoveRoutes(r.Context(), req.OperationIDs); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"routes": a.router.RouteCount()})
}

func (a *API) handleForbiddenList(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]any{"forbidden": a.router.Forbidden()})
}

type forbiddenRequest struct {
	OperationID string `json:"operation_id"`
}

func (a *API) handleAddForbidden(w http.ResponseWriter, r *http.Request) {
	var req forbiddenRequest
	if !a.decode(w, r, &req) {
		return
	}
	if err := a.router.AddForbidden(r.Context(), req.OperationID); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"forbidden": a.router.Forbidden()})
}

func (a *API) handleRemoveForbidden(w http.ResponseWriter, r *http.Request) {
	if err := a.router.RemoveForbidden(r.Context(), chi.URLParam(r, "operation")); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"forbidden": a.router.Forbidden()})
}

func (a *API) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := a.router.Pause(r.Context()); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (a *API) handleUnpause(w http.ResponseWriter, r *http.Request) {
	if err := a.router.Unpause(r.Context()); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

func (a *API) handleState(w http.ResponseWriter, r *http.Request) {
	modules, err := a.store.Count(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	state := map[string]any{
		"active_root":  a.router.ActiveRoot(),
		"active_epoch": a.router.ActiveEpoch(),
		"paused":       a.router.IsPaused(),
		"route_count":  a.router.RouteCount(),
		"modules":      modules,
	}
	if pc, ok := a.router.Pending(); ok {
		state["pending"] = map[string]any{
			"root":         pc.RootHash,
			"epoch":        pc.Epoch,
			"committed_at": pc.CommittedAt,
		}
	}
	a.writeJSON(w, http.StatusOK, state)
}

// --- plumbing ---

func moduleJSON(m *contentstore.Module) map[string]any {
	return map[string]any{
		"address":      m.Address,
		"content_hash": m.ContentHash,
		"payload_size": m.PayloadSize,
		"placer":       m.Placer,
		"fee_paid":     m.FeePaid,
		"placed_at":    m.PlacedAt,
	}
}

type malformedError struct{ cause error }

func (e *malformedError) Error() string { return "httpapi: malformed request: " + e.cause.Error() }
func (e *malformedError) Unwrap() error { return e.cause }

func badRequest(err error) error { return &malformedError{cause: err} }

func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		a.writeError(w, r, badRequest(err))
		return false
	}
	return true
}

func (a *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		a.logger.Error("httpapi: encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.logger.Error("httpapi: request failed",
			"method", r.Method, "path", r.URL.Path, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// statusFor maps each failure kind to one status code; defaults to 500.
func statusFor(err error) int {
	var collision *contentstore.CollisionError
	var stale *router.StaleCodeError
	var malformed *malformedError

	switch {
	case errors.As(err, &malformed):
		return http.StatusBadRequest
	case errors.Is(err, access.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, router.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, router.ErrPaused):
		return http.StatusServiceUnavailable
	case errors.Is(err, router.ErrRouteNotFound),
		errors.Is(err, contentstore.ErrModuleNotFound),
		errors.Is(err, arena.ErrKeyNotFound),
		errors.Is(err, router.ErrNoPendingCommit):
		return http.StatusNotFound
	case errors.Is(err, router.ErrNotYetActivatable):
		return http.StatusTooEarly
	case errors.Is(err, contentstore.ErrSizeExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, contentstore.ErrFeeInsufficient):
		return http.StatusPaymentRequired
	case errors.As(err, &collision),
		errors.As(err, &stale),
		errors.Is(err, router.ErrEpochNotMonotonic),
		errors.Is(err, router.ErrRootMismatch),
		errors.Is(err, router.ErrDuplicateOperation),
		errors.Is(err, router.ErrProofInvalid):
		return http.StatusConflict
	case errors.Is(err, router.ErrRunnerNotBound):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}
