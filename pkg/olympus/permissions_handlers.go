package olympus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tartarus-sandbox/minos/pkg/domain"
	"github.com/tartarus-sandbox/minos/pkg/hades"
	"github.com/tartarus-sandbox/minos/pkg/plugins"
	"github.com/tartarus-sandbox/minos/pkg/themis"
)

type scopeDetail struct {
	themis.Scope
	Closure []string `json:"closure"`
}

type scopesRequest struct {
	Scopes []string `json:"scopes"`
}

type grantRequest struct {
	Scope       string             `json:"scope"`
	Resource    string             `json:"resource"`
	AccessLevel domain.AccessLevel `json:"access_level"`
	Constraints map[string]any     `json:"constraints"`
	GrantedBy   string             `json:"granted_by"`
}

type checkResponse struct {
	Plugin   domain.PluginID    `json:"plugin"`
	Scope    string             `json:"scope"`
	Resource string             `json:"resource,omitempty"`
	Level    domain.AccessLevel `json:"access_level"`
	Allowed  bool               `json:"allowed"`
}

func (s *Server) handleListScopes(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	out := []themis.Scope{}
	for _, sc := range s.Permissions.Catalog().Scopes() {
		if category == "" || sc.Category == category {
			out = append(out, sc)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleShowScope(w http.ResponseWriter, r *http.Request) {
	catalog := s.Permissions.Catalog()
	sc, ok := catalog.Parse(mux.Vars(r)["scope"])
	if !ok {
		s.fail(w, r, fmt.Errorf("scope %s: %w", mux.Vars(r)["scope"], domain.ErrNotFound))
		return
	}
	detail := scopeDetail{Scope: sc, Closure: []string{}}
	for _, implied := range catalog.Implies(sc.ID) {
		detail.Closure = append(detail.Closure, implied.ID)
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleMinimizeScopes(w http.ResponseWriter, r *http.Request) {
	var req scopesRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scopesRequest{Scopes: s.Validator.MinimizeScopes(req.Scopes)})
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	var req scopesRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Validator.CategorizeScopesForConsent(req.Scopes))
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	if s.Plugins == nil {
		writeJSON(w, http.StatusOK, []hades.PluginRecord{})
		return
	}
	recs, err := s.Plugins.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if recs == nil {
		recs = []hades.PluginRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	if s.Plugins == nil {
		s.fail(w, r, hades.ErrPluginNotFound)
		return
	}
	rec, err := s.Plugins.Get(r.Context(), pluginVar(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleApplyManifest registers the manifest and grants what it declares without approval.
func (s *Server) handleApplyManifest(w http.ResponseWriter, r *http.Request) {
	plugin := pluginVar(r)
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	m, err := plugins.ParseManifest(body)
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if m.PluginID() != plugin {
		s.fail(w, r, fmt.Errorf("%w: manifest names %s, path names %s", errBadRequest, m.PluginID(), plugin))
		return
	}

	if s.Plugins != nil {
		if err := s.registerManifest(r.Context(), m); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	res, err := s.Permissions.GrantFromManifest(r.Context(), plugin, m.Spec.Permissions, actor(r, ""))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// registerManifest upserts the plugin record. A re-applied manifest keeps the current status,
// so an auto-disabled plugin stays disabled.
func (s *Server) registerManifest(ctx context.Context, m *plugins.Manifest) error {
	rec := hades.RecordFromManifest(m)
	prev, err := s.Plugins.Get(ctx, rec.ID)
	switch {
	case err == nil:
		rec.Status = prev.Status
		rec.StatusReason = prev.StatusReason
	case !errors.Is(err, hades.ErrPluginNotFound):
		return err
	}
	rec.UpdatedAt = s.Now()
	return s.Plugins.Upsert(ctx, rec)
}

func (s *Server) handleListGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := s.Permissions.Grants(r.Context(), pluginVar(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if grants == nil {
		grants = []domain.Grant{}
	}
	writeJSON(w, http.StatusOK, grants)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	g, err := s.Permissions.Grant(r.Context(), themis.GrantRequest{
		Plugin:      pluginVar(r),
		Scope:       req.Scope,
		Resource:    req.Resource,
		AccessLevel: req.AccessLevel,
		Constraints: req.Constraints,
		GrantedBy:   actor(r, req.GrantedBy),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	scope := mux.Vars(r)["scope"]
	ok, err := s.Permissions.Revoke(r.Context(), pluginVar(r), scope, r.URL.Query().Get("resource"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		s.fail(w, r, fmt.Errorf("grant %s: %w", scope, domain.ErrNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.Permissions.RevokeAll(r.Context(), pluginVar(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

// handleCheck evaluates a permission the way plugin code would, inside the plugin's context.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	level, err := domain.ParseAccessLevel(q.Get("level"))
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	resp := checkResponse{
		Plugin:   pluginVar(r),
		Scope:    q.Get("scope"),
		Resource: q.Get("resource"),
		Level:    level,
	}
	if resp.Scope == "" {
		s.fail(w, r, fmt.Errorf("%w: scope is required", errBadRequest))
		return
	}

	err = s.Validator.WithinContext(r.Context(), resp.Plugin, func(ctx context.Context) error {
		allowed, err := s.Validator.CanAccessAt(ctx, resp.Scope, resp.Resource, level)
		resp.Allowed = allowed
		return err
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
