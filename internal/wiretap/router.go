package wiretap

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/inktrace/inktrace/internal/discovery"
	"github.com/inktrace/inktrace/internal/intel"
)

var (
	ErrUnknownTarget = errors.New("unknown relay target")
	// ErrLiteralTarget is returned for an unregistered host:port when
	// literal targets are disabled.
	ErrLiteralTarget = errors.New("literal relay targets are disabled")
)

// Directory maps registered agent ids to their addresses. *brain.Brain
// satisfies it.
type Directory interface {
	AgentAddresses() map[string]string
}

// Target is a resolved relay destination.
type Target struct {
	AgentID  string
	Address  string   // host:port
	Upstream *url.URL // base URL the request is forwarded to
	Known    bool     // registered or configured, as opposed to a literal address
}

// Router resolves a relay target, given as an agent id or a host:port, to
// the upstream it is forwarded to.
type Router struct {
	upstreams    map[string]string
	dir          Directory
	allowLiteral bool
	logger       *slog.Logger
}

// NewRouter builds a router over the configured upstreams and the live
// directory. allowLiteral permits relaying to addresses neither knows.
func NewRouter(upstreams map[string]string, dir Directory, allowLiteral bool, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		upstreams:    upstreams,
		dir:          dir,
		allowLiteral: allowLiteral,
		logger:       logger.With("component", "wiretap.Router"),
	}
}

// Resolve checks registered agents first, then configured upstreams, then
// treats target as a literal address if the router allows it.
func (r *Router) Resolve(target string) (Target, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Target{}, fmt.Errorf("resolve %q: %w", target, ErrUnknownTarget)
	}

	var registered map[string]string
	if r.dir != nil {
		registered = r.dir.AgentAddresses()
	}

	if addr := registered[target]; addr != "" {
		return buildTarget(target, addr, true)
	}
	if addr := r.upstreams[target]; addr != "" {
		return buildTarget(target, addr, true)
	}

	addr := discovery.NormalizeAddress(target)
	if addr == "" {
		return Target{}, fmt.Errorf("resolve %q: %w", target, ErrUnknownTarget)
	}
	for id, a := range registered {
		if discovery.NormalizeAddress(a) == addr {
			return buildTarget(id, a, true)
		}
	}
	for id, a := range r.upstreams {
		if discovery.NormalizeAddress(a) == addr {
			return buildTarget(id, a, true)
		}
	}

	if !r.allowLiteral {
		r.logger.Warn("rejected unregistered relay target", "address", addr)
		return Target{}, fmt.Errorf("resolve %q: %w", target, ErrLiteralTarget)
	}
	r.logger.Debug("relaying to unregistered address", "address", addr)
	return buildTarget(intel.DeriveAgentID(intel.Manifest{}, addr), target, false)
}

func buildTarget(id, addr string, known bool) (Target, error) {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return Target{}, fmt.Errorf("resolve %s: invalid upstream %q: %w", id, addr, ErrUnknownTarget)
	}
	return Target{
		AgentID:  id,
		Address:  discovery.NormalizeAddress(base),
		Upstream: u,
		Known:    known,
	}, nil
}
