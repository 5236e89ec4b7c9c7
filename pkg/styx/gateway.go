package styx

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/tartarus-sandbox/minos/pkg/charon"
	"github.com/tartarus-sandbox/minos/pkg/domain"
	"github.com/tartarus-sandbox/minos/pkg/erinyes"
)

// Contract is the address policy applied on top of each plugin's domain allowlist.
type Contract struct {
	// AllowedCIDRs exempt addresses from the private and metadata denials.
	AllowedCIDRs []netip.Prefix `json:"allowed_cidrs"`
	DenyPrivate  bool           `json:"deny_private"`
	DenyMetadata bool           `json:"deny_metadata"`
}

// Config is the file form of the gateway settings.
type Config struct {
	DenyPrivate  bool     `mapstructure:"deny_private" yaml:"deny_private"`
	DenyMetadata bool     `mapstructure:"deny_metadata" yaml:"deny_metadata"`
	AllowedCIDRs []string `mapstructure:"allowed_cidrs" yaml:"allowed_cidrs,omitempty" validate:"dive,cidr"`

	// BurstPerSecond > 0 smooths each plugin's outbound traffic with a token bucket.
	BurstPerSecond float64 `mapstructure:"burst_per_second" yaml:"burst_per_second" validate:"gte=0"`
	Burst          int     `mapstructure:"burst" yaml:"burst" validate:"gte=0"`
}

func DefaultConfig() Config {
	return Config{DenyMetadata: true}
}

// Contract parses the configured CIDRs.
func (c Config) Contract() (Contract, error) {
	out := Contract{DenyPrivate: c.DenyPrivate, DenyMetadata: c.DenyMetadata}
	for _, s := range c.AllowedCIDRs {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return Contract{}, fmt.Errorf("invalid allowed cidr %q: %w", s, err)
		}
		out.AllowedCIDRs = append(out.AllowedCIDRs, p.Masked())
	}
	return out, nil
}

var metadataAddrs = []netip.Addr{
	netip.MustParseAddr("169.254.169.254"),
	netip.MustParseAddr("fd00:ec2::254"),
}

// Permits reports whether addr may be dialed.
func (c Contract) Permits(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range c.AllowedCIDRs {
		if p.Contains(addr) {
			return true
		}
	}
	if c.DenyMetadata {
		for _, m := range metadataAddrs {
			if addr == m {
				return false
			}
		}
	}
	if c.DenyPrivate && (addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified()) {
		return false
	}
	return true
}

// Gateway is Styx: every outbound request a plugin makes crosses it.
// The order is domain check, then rate increment, then the request, then byte accounting.
type Gateway struct {
	sandbox  *erinyes.Sandbox
	contract Contract
	limiter  charon.RateLimiter
	logger   *slog.Logger
}

type Option func(*Gateway)

func WithContract(c Contract) Option {
	return func(g *Gateway) { g.contract = c }
}

// WithLimiter adds burst smoothing in front of the per-minute counters.
func WithLimiter(l charon.RateLimiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// New creates a gateway metering through sandbox.
func New(sandbox *erinyes.Sandbox, opts ...Option) *Gateway {
	g := &Gateway{sandbox: sandbox, logger: slog.Default()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsDomainAllowed applies the plugin's allowlist and the address contract to host.
func (g *Gateway) IsDomainAllowed(ctx context.Context, plugin domain.PluginID, host string) bool {
	host = domain.NormalizeHost(host)
	if host == "" {
		return false
	}
	if addr, err := netip.ParseAddr(host); err == nil && !g.contract.Permits(addr) {
		return false
	}
	return domain.DomainAllowed(g.sandbox.LimitsFor(ctx, plugin).AllowedDomains, host)
}

// MatchDomain reports whether host matches an allowlist pattern.
func MatchDomain(pattern, host string) bool {
	return domain.MatchDomain(pattern, host)
}

// Admit gates one outbound request to host. A rejected request must not be sent.
func (g *Gateway) Admit(ctx context.Context, plugin domain.PluginID, host string) error {
	if !g.IsDomainAllowed(ctx, plugin, host) {
		v := erinyes.NewViolation(erinyes.ViolationDomain, plugin, "allowed_domains", 0, 0)
		v.Detail = domain.NormalizeHost(host)
		g.logger.WarnContext(ctx, "outbound request to disallowed host", "plugin", plugin, "host", v.Detail)
		if g.sandbox.Enabled() {
			g.sandbox.RecordViolation(ctx, v)
		}
		return v
	}

	if !g.sandbox.Enabled() {
		return nil
	}
	if g.limiter != nil {
		if err := g.limiter.Allow(ctx, "plugin:"+string(plugin)); err != nil {
			v := erinyes.NewViolation(erinyes.ViolationRateLimit, plugin, "network_burst", 0, 0)
			g.sandbox.RecordViolation(ctx, v)
			return v
		}
	}
	return g.sandbox.AcquireNetworkRequest(ctx, plugin)
}

// RecordNetworkRequest accounts a request made outside Admit: one rate slot plus its bytes.
func (g *Gateway) RecordNetworkRequest(ctx context.Context, plugin domain.PluginID, bytesOut, bytesIn int64) error {
	if !g.sandbox.Enabled() {
		return nil
	}
	if err := g.sandbox.AcquireNetworkRequest(ctx, plugin); err != nil {
		return err
	}
	g.sandbox.RecordNetworkBytes(ctx, plugin, bytesOut, bytesIn)
	return nil
}

// RecordBytes accounts traffic of an admitted request.
func (g *Gateway) RecordBytes(ctx context.Context, plugin domain.PluginID, bytesOut, bytesIn int64) {
	if !g.sandbox.Enabled() {
		return
	}
	g.sandbox.RecordNetworkBytes(ctx, plugin, bytesOut, bytesIn)
}
