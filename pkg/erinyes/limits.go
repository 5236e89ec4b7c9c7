package erinyes

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tartarus-sandbox/minos/pkg/domain"
	"github.com/tartarus-sandbox/minos/pkg/hades"
)

// LimitsSource resolves the effective limits of a plugin.
type LimitsSource interface {
	LimitsFor(ctx context.Context, plugin domain.PluginID) domain.SandboxLimits
}

// Limits layers limit sets: defaults, then the plugin manifest (which may only tighten),
// then operator overrides.
type Limits struct {
	Defaults  domain.SandboxLimits
	Overrides map[domain.PluginID]domain.SandboxLimits

	// Registry, when set, supplies manifest limits.
	Registry hades.Registry
	Logger   *slog.Logger
}

// StaticLimits returns a source serving defaults to every plugin.
func StaticLimits(defaults domain.SandboxLimits) *Limits {
	return &Limits{Defaults: defaults}
}

func (l *Limits) LimitsFor(ctx context.Context, plugin domain.PluginID) domain.SandboxLimits {
	out := l.Defaults

	if l.Registry != nil {
		rec, err := l.Registry.Get(ctx, plugin)
		switch {
		case err == nil:
			if rec.Manifest != nil && rec.Manifest.Spec.Limits != nil {
				out = out.Tighten(*rec.Manifest.Spec.Limits)
			}
		case errors.Is(err, hades.ErrPluginNotFound):
		default:
			if l.Logger != nil {
				l.Logger.WarnContext(ctx, "failed to load plugin limits, using defaults", "plugin", plugin, "error", err)
			}
		}
	}

	if o, ok := l.Overrides[plugin]; ok {
		out = out.Merge(o)
	}
	return out
}
