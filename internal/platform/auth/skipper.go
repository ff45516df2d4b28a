package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication and tenant resolution. The consent form
// endpoints are opened by patients from an emailed link and are guarded by
// the single-use token instead.
var publicPaths = map[string]bool{
	"/health":                         true,
	"/health/db":                      true,
	"/metrics":                        true,
	"/api/v1/ehr/consent-form":        true,
	"/api/v1/ehr/consent-form/submit": true,
	"/api/v1/ehr/consent-form/status": true,
}

// AuthSkipper matches on the route pattern so query strings do not matter.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

func IsPublicPath(path string) bool {
	return publicPaths[path]
}
