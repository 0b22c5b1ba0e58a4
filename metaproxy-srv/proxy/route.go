package proxy

import (
	"net/url"
	"strings"

	"github.com/numbata/metaproxy/metaproxy-srv/binding"
)

// RouteKind says where the upstream of a request came from.
type RouteKind int

const (
	// RouteDirect connects straight to the target.
	RouteDirect RouteKind = iota
	// RouteBinding uses the upstream of the binding the client connected to.
	RouteBinding
	// RouteCascade uses the upstream named in the request header.
	RouteCascade
)

func (k RouteKind) String() string {
	switch k {
	case RouteDirect:
		return "direct"
	case RouteBinding:
		return "binding"
	case RouteCascade:
		return "cascade"
	default:
		return "unknown"
	}
}

// Route is the resolved next hop of one request. Upstream is nil for
// RouteDirect.
type Route struct {
	Kind     RouteKind
	Upstream *url.URL
}

func (r Route) String() string {
	if r.Upstream == nil {
		return r.Kind.String()
	}
	return r.Kind.String() + " via " + binding.Redacted(r.Upstream)
}

// resolveRoute picks the next hop. The cascade header wins over the binding
// upstream; without either the request goes direct only when allowed
// globally or for the target host.
func (p *Proxy) resolveRoute(cascade string, b binding.Binding, targetHost string) (Route, error) {
	if cascade = strings.TrimSpace(cascade); cascade != "" {
		u, err := binding.ParseUpstream(cascade)
		if err != nil {
			return Route{}, NewProxyError(ErrCodeInvalidCascadeUpstream, err)
		}
		return Route{Kind: RouteCascade, Upstream: u}, nil
	}

	if b.Upstream != nil {
		return Route{Kind: RouteBinding, Upstream: b.Upstream}, nil
	}

	if p.allowDirect || p.directHosts.Match(targetHost) {
		return Route{Kind: RouteDirect}, nil
	}

	return Route{}, NewProxyError(ErrCodeNoUpstream, nil)
}
