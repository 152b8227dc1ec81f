package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths are infrastructure endpoints reachable without a session.
var publicPaths = map[string]bool{
	"/api/health": true,
	"/health":     true,
	"/health/db":  true,
	"/metrics":    true,
}

// AuthSkipper returns true for requests whose route should skip
// authentication. It matches the registered route, not the raw URL.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path bypasses authentication.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
