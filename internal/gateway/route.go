package gateway

import "strings"

type RouteClass int

const (
	RouteProtected RouteClass = iota
	RoutePublic
	RouteAuth
	RouteAPI
	RouteStatic
	RouteOnboarding
	RouteDashboardRoot
	RouteDashboard
)

func (c RouteClass) String() string {
	switch c {
	case RoutePublic:
		return "public"
	case RouteAuth:
		return "auth"
	case RouteAPI:
		return "api"
	case RouteStatic:
		return "static"
	case RouteOnboarding:
		return "onboarding"
	case RouteDashboardRoot:
		return "dashboard_root"
	case RouteDashboard:
		return "dashboard"
	default:
		return "protected"
	}
}

// Unconditional reports whether requests on this class pass without a session check.
func (c RouteClass) Unconditional() bool {
	return c == RoutePublic || c == RouteAuth || c == RouteAPI || c == RouteStatic
}

var (
	publicRoutes = []string{"/", "/login", "/signup", "/invite"}
	authRoutes   = []string{"/login", "/signup"}
)

// Classify maps a request path onto the gateway's routing classes.
func Classify(path string) RouteClass {
	switch {
	case strings.HasPrefix(path, "/_next"), path == "/favicon.ico":
		return RouteStatic
	case strings.HasPrefix(path, "/api"):
		return RouteAPI
	case matchesAny(path, authRoutes):
		return RouteAuth
	case matchesAny(path, publicRoutes):
		return RoutePublic
	case strings.HasPrefix(path, "/onboarding"):
		return RouteOnboarding
	case path == "/dashboard" || path == "/dashboard/":
		return RouteDashboardRoot
	case strings.HasPrefix(path, "/dashboard/"):
		return RouteDashboard
	default:
		return RouteProtected
	}
}

// matchesAny matches a route exactly or as a path prefix; "/" only matches itself.
func matchesAny(path string, routes []string) bool {
	for _, route := range routes {
		if path == route {
			return true
		}
		if route != "/" && strings.HasPrefix(path, route+"/") {
			return true
		}
	}
	return false
}
