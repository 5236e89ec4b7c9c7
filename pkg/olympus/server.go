// Package olympus serves the minos admin API: scopes, grants, API keys and sandbox state.
package olympus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tartarus-sandbox/minos/pkg/cerberus"
	"github.com/tartarus-sandbox/minos/pkg/domain"
	"github.com/tartarus-sandbox/minos/pkg/erinyes"
	"github.com/tartarus-sandbox/minos/pkg/hades"
	"github.com/tartarus-sandbox/minos/pkg/styx"
	"github.com/tartarus-sandbox/minos/pkg/themis"
)

// maxBodyBytes bounds request bodies, manifests included.
const maxBodyBytes = 1 << 20

// Deps are the components the API drives.
type Deps struct {
	Permissions *themis.Registry
	Validator   *cerberus.Validator
	Keys        *cerberus.KeyManager
	Sandbox     *erinyes.Sandbox
	Plugins     hades.Registry

	// Gateway answers outbound host checks. Nil leaves the route out.
	Gateway *styx.Gateway

	// Gatherer backs /metrics. Nil leaves the route out.
	Gatherer prometheus.Gatherer

	// Ready reports backing store health for /readyz.
	Ready func(ctx context.Context) error

	AdminToken string
	Logger     *slog.Logger
	Now        func() time.Time
}

type Server struct {
	Deps
	logger *slog.Logger
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Server{Deps: d, logger: d.Logger}
}

// Handler builds the router.
//
//	/healthz, /readyz, /metrics     unauthenticated
//	/admin/v1/...                   admin bearer token
//	/v1/...                         plugin API key
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(RequestLogger(s.logger))

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	if s.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	admin := r.PathPrefix("/admin/v1").Subrouter()
	admin.Use(AdminAuth(s.AdminToken, s.logger))

	admin.HandleFunc("/scopes", s.handleListScopes).Methods(http.MethodGet)
	admin.HandleFunc("/scopes/minimize", s.handleMinimizeScopes).Methods(http.MethodPost)
	admin.HandleFunc("/scopes/consent", s.handleConsent).Methods(http.MethodPost)
	admin.HandleFunc("/scopes/{scope}", s.handleShowScope).Methods(http.MethodGet)

	admin.HandleFunc("/plugins", s.handleListPlugins).Methods(http.MethodGet)
	admin.HandleFunc("/plugins/{plugin}", s.handleGetPlugin).Methods(http.MethodGet)
	admin.HandleFunc("/plugins/{plugin}/manifest", s.handleApplyManifest).Methods(http.MethodPut)

	admin.HandleFunc("/plugins/{plugin}/grants", s.handleListGrants).Methods(http.MethodGet)
	admin.HandleFunc("/plugins/{plugin}/grants", s.handleGrant).Methods(http.MethodPost)
	admin.HandleFunc("/plugins/{plugin}/grants", s.handleRevokeAll).Methods(http.MethodDelete)
	admin.HandleFunc("/plugins/{plugin}/grants/{scope}", s.handleRevoke).Methods(http.MethodDelete)
	admin.HandleFunc("/plugins/{plugin}/check", s.handleCheck).Methods(http.MethodGet)

	admin.HandleFunc("/plugins/{plugin}/keys", s.handleListKeys).Methods(http.MethodGet)
	admin.HandleFunc("/plugins/{plugin}/keys", s.handleCreateKey).Methods(http.MethodPost)
	admin.HandleFunc("/plugins/{plugin}/keys", s.handleRevokeAllKeys).Methods(http.MethodDelete)
	admin.HandleFunc("/keys/{key}/rotate", s.handleRotateKey).Methods(http.MethodPost)
	admin.HandleFunc("/keys/{key}", s.handleRevokeKey).Methods(http.MethodDelete)

	admin.HandleFunc("/plugins/{plugin}/usage", s.handleUsage).Methods(http.MethodGet)
	admin.HandleFunc("/plugins/{plugin}/block", s.handleBlockStatus).Methods(http.MethodGet)
	admin.HandleFunc("/plugins/{plugin}/block", s.handleBlock).Methods(http.MethodPost)
	admin.HandleFunc("/plugins/{plugin}/block", s.handleUnblock).Methods(http.MethodDelete)
	if s.Gateway != nil {
		admin.HandleFunc("/plugins/{plugin}/network/check", s.handleNetworkCheck).Methods(http.MethodGet)
	}

	if s.Keys != nil {
		api := r.PathPrefix("/v1").Subrouter()
		api.Use(cerberus.NewKeyMiddleware(s.Keys, s.logger).Wrap)
		api.HandleFunc("/whoami", s.handleWhoAmI).Methods(http.MethodGet)
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "readiness check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "not_ready", "backing store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func pluginVar(r *http.Request) domain.PluginID {
	return domain.PluginID(mux.Vars(r)["plugin"])
}

// decode reads a JSON body into v.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func actor(r *http.Request, fallback string) string {
	if fallback != "" {
		return fallback
	}
	if v := r.Header.Get("X-Minos-Actor"); v != "" {
		return v
	}
	return "admin-api"
}
