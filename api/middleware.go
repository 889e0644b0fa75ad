package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const gzipEncoding = "gzip"

// RequestIDMiddleware tags every response with an X-Request-Id, keeping a
// caller-supplied id and generating a UUID otherwise.
func RequestIDMiddleware() echo.MiddlewareFunc {
	return middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	})
}

// RequestEncodingMiddleware accepts plain or gzip request bodies. Only
// create carries a body, so an encoded body on GET, HEAD or DELETE is
// refused, as is any encoding other than gzip. Undecodable gzip is a 400.
func RequestEncodingMiddleware() echo.MiddlewareFunc {
	decompress := middleware.Decompress()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		inflate := decompress(next)
		return func(c echo.Context) error {
			req := c.Request()
			enc := strings.TrimSpace(req.Header.Get(echo.HeaderContentEncoding))
			switch {
			case enc == "" || strings.EqualFold(enc, "identity"):
				return next(c)
			case !strings.EqualFold(enc, gzipEncoding):
				return echo.NewHTTPError(http.StatusUnsupportedMediaType, "unsupported content encoding "+enc)
			case !methodTakesBody(req.Method):
				return echo.NewHTTPError(http.StatusUnsupportedMediaType, "encoded body not accepted on "+req.Method)
			}

			// Decompress matches the header case-sensitively.
			req.Header.Set(echo.HeaderContentEncoding, gzipEncoding)
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentLength)
			err := inflate(c)
			if errors.Is(err, gzip.ErrHeader) || errors.Is(err, io.ErrUnexpectedEOF) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}
			return err
		}
	}
}

func methodTakesBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete:
		return false
	}
	return true
}
