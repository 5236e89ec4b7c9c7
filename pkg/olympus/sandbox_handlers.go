package olympus

import (
	"fmt"
	"net/http"
	"time"

	"github.com/tartarus-sandbox/minos/pkg/domain"
)

type blockRequest struct {
	// Duration is a Go duration string. Empty uses the configured block duration.
	Duration string `json:"duration"`
	Reason   string `json:"reason"`
}

type blockStatus struct {
	Plugin  domain.PluginID      `json:"plugin"`
	Blocked bool                 `json:"blocked"`
	Until   *time.Time           `json:"until,omitempty"`
	Limits  domain.SandboxLimits `json:"limits"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	day := r.URL.Query().Get("day")
	if day == "" {
		day = domain.DayKey(s.Now())
	} else if _, err := time.Parse(time.DateOnly, day); err != nil {
		s.fail(w, r, fmt.Errorf("%w: day must be YYYY-MM-DD", errBadRequest))
		return
	}
	u, err := s.Sandbox.Usage(r.Context(), pluginVar(r), day)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleBlockStatus(w http.ResponseWriter, r *http.Request) {
	plugin := pluginVar(r)
	until, blocked, err := s.Sandbox.BlockedUntil(r.Context(), plugin)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	st := blockStatus{Plugin: plugin, Blocked: blocked, Limits: s.Sandbox.LimitsFor(r.Context(), plugin)}
	if blocked {
		st.Until = &until
	}
	writeJSON(w, http.StatusOK, st)
}

// handleBlock blocks a plugin for a fixed duration. With a reason and no duration it
// auto-disables instead, which also marks the registry record inactive.
func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	plugin := pluginVar(r)

	var err error
	if req.Duration == "" {
		reason := req.Reason
		if reason == "" {
			reason = "blocked by " + actor(r, "")
		}
		err = s.Sandbox.AutoDisablePlugin(r.Context(), plugin, reason)
	} else {
		d, perr := time.ParseDuration(req.Duration)
		if perr != nil || d <= 0 {
			s.fail(w, r, fmt.Errorf("%w: duration must be a positive Go duration", errBadRequest))
			return
		}
		err = s.Sandbox.BlockPlugin(r.Context(), plugin, d)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.handleBlockStatus(w, r)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if err := s.Sandbox.UnblockPlugin(r.Context(), pluginVar(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type networkCheck struct {
	Plugin  domain.PluginID `json:"plugin"`
	Host    string          `json:"host"`
	Allowed bool            `json:"allowed"`
}

// handleNetworkCheck reports whether the gateway would let plugin reach host. Nothing is counted.
func (s *Server) handleNetworkCheck(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Query().Get("host")
	if host == "" {
		s.fail(w, r, fmt.Errorf("%w: host is required", errBadRequest))
		return
	}
	plugin := pluginVar(r)
	writeJSON(w, http.StatusOK, networkCheck{
		Plugin:  plugin,
		Host:    domain.NormalizeHost(host),
		Allowed: s.Gateway.IsDomainAllowed(r.Context(), plugin, host),
	})
}
