package stream

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const keepAliveInterval = 30 * time.Second

// Authenticator is implemented by types able to extract caller IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Handler streams hub notifications to the client. Browsers cannot set
// headers on EventSource, so a token query parameter is accepted as well.
func Handler(hub *Hub, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if token := c.QueryParam("token"); authHeader == "" && token != "" {
			authHeader = "Bearer " + token
		}
		if _, err := auth.UserIDFromAuthHeader(authHeader); err != nil {
			return c.String(http.StatusUnauthorized, err.Error())
		}

		res := c.Response()
		flusher, ok := res.Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		res.Header().Set(echo.HeaderContentType, "text/event-stream")
		res.Header().Set(echo.HeaderCacheControl, "no-cache")
		res.Header().Set(echo.HeaderConnection, "keep-alive")
		res.Header().Set("X-Accel-Buffering", "no")
		res.WriteHeader(http.StatusOK)

		events, unsubscribe := hub.Subscribe()
		defer unsubscribe()

		if _, err := res.Write([]byte(": connected\n\n")); err != nil {
			return err
		}
		flusher.Flush()

		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()
		ctx := c.Request().Context()
		for {
			var frame []byte
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				frame = []byte(": ping\n\n")
			case data := <-events:
				frame = make([]byte, 0, len(data)+8)
				frame = append(frame, "data: "...)
				frame = append(frame, data...)
				frame = append(frame, "\n\n"...)
			}
			if _, err := res.Write(frame); err != nil {
				return err
			}
			flusher.Flush()
		}
	}
}
