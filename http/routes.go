package http

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	x402 "github.com/btwiuse/x402-vara-next-demo"
)

// RouteConfig describes the payment options for one protected route
type RouteConfig struct {
	// PayTo overrides the gate-wide recipient for this route
	PayTo string `json:"payTo,omitempty" yaml:"pay_to" toml:"pay_to"`

	// Resource is the URL advertised in the challenge. When empty it is the
	// resource root URL joined with the route path, or the request URL when
	// the gate has no root URL.
	Resource          string `json:"resource,omitempty" yaml:"resource" toml:"resource"`
	Description       string `json:"description,omitempty" yaml:"description" toml:"description"`
	MimeType          string `json:"mimeType,omitempty" yaml:"mime_type" toml:"mime_type"`
	MaxTimeoutSeconds int    `json:"maxTimeoutSeconds,omitempty" yaml:"max_timeout_seconds" toml:"max_timeout_seconds"`

	Accepts []x402.PaymentOption `json:"accepts" yaml:"accepts" toml:"accepts"`
}

// RoutesConfig maps route patterns to their configuration. A pattern is
// "METHOD /path" or just "/path" (any method); a trailing "*" matches any
// suffix.
//
//	"GET /weather"
//	"/premium/*"
type RoutesConfig map[string]RouteConfig

type compiledRoute struct {
	key          string
	method       string
	regex        *regexp.Regexp
	literal      int
	requirements []x402.PaymentRequirement

	// resourceFromRequest is set when neither the route nor the gate names
	// the advertised resource
	resourceFromRequest bool
}

// parseRoutePattern splits "METHOD /path" into its parts
func parseRoutePattern(pattern string) (method, path string, err error) {
	fields := strings.Fields(pattern)
	switch len(fields) {
	case 1:
		method, path = "*", fields[0]
	case 2:
		method, path = strings.ToUpper(fields[0]), fields[1]
	default:
		return "", "", &x402.ConfigError{Field: "route", Reason: fmt.Sprintf("invalid route pattern %q", pattern)}
	}
	if !strings.HasPrefix(path, "/") && path != "*" {
		return "", "", &x402.ConfigError{Field: "route", Reason: fmt.Sprintf("route path must start with '/': %q", pattern)}
	}
	return method, path, nil
}

func pathToRegex(path string) *regexp.Regexp {
	if path == "*" {
		return regexp.MustCompile(`^.*$`)
	}
	parts := strings.Split(path, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}

// routeResource joins the root URL with the literal prefix of the path
func routeResource(root, path string) string {
	if i := strings.Index(path, "*"); i >= 0 {
		path = path[:i]
	}
	return strings.TrimRight(root, "/") + path
}

// compileRoutes builds the immutable route table. Requirements are built
// once here; a bad price or recipient fails construction.
func compileRoutes(routes RoutesConfig, recipient, resourceRoot string) ([]compiledRoute, error) {
	compiled := make([]compiledRoute, 0, len(routes))
	for key, cfg := range routes {
		method, path, err := parseRoutePattern(key)
		if err != nil {
			return nil, err
		}

		payTo := cfg.PayTo
		if payTo == "" {
			payTo = recipient
		}
		resource := cfg.Resource
		fromRequest := resource == "" && resourceRoot == ""
		if resource == "" {
			resource = routeResource(resourceRoot, path)
		}

		requirements, err := x402.BuildPaymentRequirements(x402.Route{
			Resource:          resource,
			Description:       cfg.Description,
			MimeType:          cfg.MimeType,
			MaxTimeoutSeconds: cfg.MaxTimeoutSeconds,
			Accepts:           cfg.Accepts,
		}, payTo)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", key, err)
		}

		compiled = append(compiled, compiledRoute{
			key:          key,
			method:       method,
			regex:        pathToRegex(path),
			literal:      len(strings.ReplaceAll(path, "*", "")),
			requirements: requirements,

			resourceFromRequest: fromRequest,
		})
	}

	// Most specific first: longer literal paths, then explicit methods
	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].literal != compiled[j].literal {
			return compiled[i].literal > compiled[j].literal
		}
		if (compiled[i].method == "*") != (compiled[j].method == "*") {
			return compiled[j].method == "*"
		}
		return compiled[i].key < compiled[j].key
	})
	return compiled, nil
}

func matchRoute(routes []compiledRoute, method, path string) *compiledRoute {
	method = strings.ToUpper(method)
	for i := range routes {
		r := &routes[i]
		if r.method != "*" && r.method != method {
			continue
		}
		if r.regex.MatchString(path) {
			return r
		}
	}
	return nil
}

// requirementsFor returns the route's requirements as advertised to one
// request. The compiled table is never modified.
func (r *compiledRoute) requirementsFor(reqCtx HTTPRequestContext) []x402.PaymentRequirement {
	if !r.resourceFromRequest || reqCtx.Adapter == nil {
		return r.requirements
	}
	url := reqCtx.Adapter.GetURL()
	if url == "" {
		return r.requirements
	}
	out := make([]x402.PaymentRequirement, len(r.requirements))
	for i, req := range r.requirements {
		req.Resource = url
		out[i] = req
	}
	return out
}
