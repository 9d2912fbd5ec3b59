package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

const defaultBodyLimit = "1M"

// isBatchPost matches bulk endpoints such as POST /usage/batch.
func isBatchPost(c echo.Context) bool {
	req := c.Request()
	return req.Method == http.MethodPost && strings.HasSuffix(strings.TrimSuffix(req.URL.Path, "/"), "/batch")
}

// BodyLimit caps request bodies with two echo limiters: batchLimit for POSTs
// on a /batch endpoint and defaultLimit for everything else. Limits use
// echo's size syntax ("512K", "2M"); empty means 1M. Oversized bodies get
// a 413 whether Content-Length announces them or the read runs over.
func BodyLimit(defaultLimit, batchLimit string) echo.MiddlewareFunc {
	if defaultLimit == "" {
		defaultLimit = defaultBodyLimit
	}
	if batchLimit == "" {
		batchLimit = defaultLimit
	}
	standard := echomw.BodyLimitWithConfig(echomw.BodyLimitConfig{
		Limit:   defaultLimit,
		Skipper: isBatchPost,
	})
	batch := echomw.BodyLimitWithConfig(echomw.BodyLimitConfig{
		Limit:   batchLimit,
		Skipper: func(c echo.Context) bool { return !isBatchPost(c) },
	})
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return standard(batch(next))
	}
}
