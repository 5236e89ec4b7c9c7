package olympus

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/tartarus-sandbox/minos/pkg/cerberus"
	"github.com/tartarus-sandbox/minos/pkg/domain"
)

type rotatedKey struct {
	KeyID     domain.KeyID `json:"key_id"`
	Plaintext string       `json:"plaintext"`
}

type whoAmI struct {
	Plugin domain.PluginID `json:"plugin"`
	KeyID  domain.KeyID    `json:"key_id"`
	Name   string          `json:"name,omitempty"`
	Scopes []string        `json:"scopes"`
}

func keyVar(r *http.Request) domain.KeyID {
	return domain.KeyID(mux.Vars(r)["key"])
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.Keys.ListKeys(r.Context(), pluginVar(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if keys == nil {
		keys = []domain.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var req cerberus.CreateKeyRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.Plugin = pluginVar(r)
	req.CreatedBy = actor(r, req.CreatedBy)

	issued, err := s.Keys.CreateKey(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	id := keyVar(r)
	plaintext, err := s.Keys.RotateKey(r.Context(), id)
	if err != nil {
		if plaintext == "" {
			s.fail(w, r, err)
			return
		}
		// The new secret is stored; the old one may linger in cache until its TTL.
		s.logger.WarnContext(r.Context(), "api key rotated with stale cache", "key_id", id, "error", err)
	}
	writeJSON(w, http.StatusOK, rotatedKey{KeyID: id, Plaintext: plaintext})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	id := keyVar(r)
	ok, err := s.Keys.RevokeKey(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		s.fail(w, r, fmt.Errorf("live api key %s: %w", id, domain.ErrNotFound))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevokeAllKeys(w http.ResponseWriter, r *http.Request) {
	n, err := s.Keys.RevokeAllForPlugin(r.Context(), pluginVar(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": n})
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	key, ok := cerberus.APIKeyFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing api key")
		return
	}
	writeJSON(w, http.StatusOK, whoAmI{
		Plugin: key.PluginSlug,
		KeyID:  key.KeyID,
		Name:   key.Name,
		Scopes: key.Scopes,
	})
}
