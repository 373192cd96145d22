package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"strings"

	"edgeward.io/internal/httpapi"
	"edgeward.io/internal/obs"
)

// Gateway dispatches inbound requests through the per-route filter chain
// to the route's upstream.
type Gateway struct {
	table     *Table
	chains    []http.Handler
	limiter   *httpapi.RateLimiter
	transport http.RoundTripper
	ready     httpapi.ReadyChecker
	version   string
	maxBody   int64
}

// Option configures Gateway.
type Option func(*Gateway)

// WithRateLimiter applies a per-client rate limit ahead of routing.
func WithRateLimiter(l *httpapi.RateLimiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

// WithTransport overrides the transport used to reach upstreams.
func WithTransport(rt http.RoundTripper) Option {
	return func(g *Gateway) { g.transport = rt }
}

// WithMaxBodyBytes caps request bodies forwarded upstream.
func WithMaxBodyBytes(n int64) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxBody = n
		}
	}
}

// WithReadiness sets the checker behind /readyz.
func WithReadiness(r httpapi.ReadyChecker, version string) Option {
	return func(g *Gateway) {
		g.ready = r
		g.version = version
	}
}

// New builds a gateway. upstreams maps the upstream names used in the
// table to base URLs; every route must name a known upstream.
func New(table *Table, upstreams map[string]string, verifier TokenVerifier, opts ...Option) (*Gateway, error) {
	if table == nil {
		return nil, errors.New("gateway: route table is nil")
	}
	if verifier == nil {
		return nil, errors.New("gateway: token verifier is nil")
	}
	g := &Gateway{table: table, maxBody: httpapi.DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(g)
	}

	proxies := make(map[string]http.Handler, len(upstreams))
	for name, raw := range upstreams {
		target, err := url.Parse(raw)
		if err != nil || target.Scheme == "" || target.Host == "" {
			return nil, fmt.Errorf("gateway: upstream %s has invalid url %q", name, raw)
		}
		proxies[name] = newProxy(name, target, g.transport)
	}

	var public []string
	for _, r := range table.routes {
		if r.Access == AccessPublic {
			public = append(public, r.Pattern)
		}
	}
	authn := NewAuthFilter(verifier, public...)

	g.chains = make([]http.Handler, len(table.routes))
	for i, r := range table.routes {
		proxy, ok := proxies[r.Upstream]
		if !ok {
			return nil, fmt.Errorf("%w: pattern %q names unknown upstream %q", ErrInvalidRoute, r.Pattern, r.Upstream)
		}
		switch r.Access {
		case AccessPublic:
			g.chains[i] = proxy
		case AccessToken:
			g.chains[i] = httpapi.Chain(proxy, authn.Middleware)
		case AccessRole:
			g.chains[i] = httpapi.Chain(proxy, authn.Middleware, RoleFilter(r.Roles))
		}
	}
	return g, nil
}

// Handler returns the edge handler with probes and the shared middleware.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	httpapi.RegisterProbes(mux, "edgeward-gateway", g.version, g.ready)
	mux.Handle("/", g)

	stages := []httpapi.Middleware{httpapi.RequestID, httpapi.LoggingJSON, obs.Instrument}
	if g.limiter != nil {
		stages = append(stages, g.limiter.Middleware)
	}
	stages = append(stages, httpapi.MaxBodyBytes(g.maxBody))
	return httpapi.Chain(mux, stages...)
}

// ServeHTTP strips spoofed identity headers, matches the cleaned path and
// runs the route's chain. Unmatched paths get a bare 404.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	StripTrustedHeaders(r.Header)

	clean := cleanPath(r.URL.Path)
	if clean != r.URL.Path {
		r = r.Clone(r.Context())
		r.URL.Path = clean
		r.URL.RawPath = ""
	}
	i := g.table.index(clean)
	if i < 0 {
		obs.ObserveEdgeDecision("route", "unmatched")
		w.WriteHeader(http.StatusNotFound)
		return
	}
	g.chains[i].ServeHTTP(w, r)
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

func newProxy(name string, target *url.URL, transport http.RoundTripper) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				return
			}
			log := obs.Component("gateway")
			log.Error().Err(err).
				Str("request_id", httpapi.RequestIDFromContext(r.Context())).
				Str("upstream", name).
				Str("path", r.URL.Path).
				Msg("upstream unavailable")
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}
