package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"todo-registry/domain"
)

var errInvalidID = errors.New("invalid todo id")

const commitAttempts = 3

var commitBackoff = 20 * time.Millisecond

type handlerDeps struct {
	registry Registry
	auth     Authenticator
	deduper  Deduper
	logger   *log.Logger
}

// Register wires up all API routes on the provided Echo instance. deduper may
// be nil, in which case Idempotency-Key headers are ignored.
func Register(e *echo.Echo, registry Registry, auth Authenticator, deduper Deduper, logger *log.Logger) {
	d := handlerDeps{registry: registry, auth: auth, deduper: deduper, logger: logger}

	e.POST("/api/todos", d.instrument("create", "/api/todos", createTodo(d)))
	e.GET("/api/todos/total", d.instrument("total", "/api/todos/total", getTotal(d)))
	e.POST("/api/todos/:id/complete", d.instrument("complete", "/api/todos/:id/complete", completeTodo(d)))
	e.GET("/api/todos/:id", d.instrument("get", "/api/todos/:id", getTodo(d)))
	e.GET("/api/todos/:id/completed", d.instrument("is_completed", "/api/todos/:id/completed", isCompleted(d)))
	e.GET("/api/todos/:id/status", d.instrument("status", "/api/todos/:id/status", getStatus(d)))
	e.DELETE("/api/todos/:id", d.instrument("delete", "/api/todos/:id", deleteTodo(d)))
	e.GET("/healthz", healthz())
}

type operationFunc func(c echo.Context, m *requestMetrics) error

// instrument authenticates the caller, attaches it to the request context and
// records one metrics line and span per request.
func (d handlerDeps) instrument(operation, route string, fn operationFunc) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		metrics, ctx := newRequestMetrics(c.Request().Context(), d.logger, operation, route)
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()
		metrics.SetRequestID(c.Response().Header().Get(echo.HeaderXRequestID))

		authStart := time.Now()
		caller, authErr := d.auth.UserIDFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.Fail("auth", authErr)
			return c.String(http.StatusUnauthorized, authErr.Error())
		}
		metrics.SetCaller(caller)
		c.SetRequest(c.Request().WithContext(domain.WithCaller(ctx, caller)))

		return fn(c, metrics)
	}
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func createTodo(d handlerDeps) operationFunc {
	return func(c echo.Context, m *requestMetrics) error {
		dec := sonic.ConfigStd.NewDecoder(io.LimitReader(c.Request().Body, createTodoMaxSize))
		dec.DisallowUnknownFields()
		var req createTodoRequest
		if err := dec.Decode(&req); err != nil {
			m.Fail("decode", err)
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if req.Text == nil {
			m.SetErrorStage("decode")
			return c.String(http.StatusBadRequest, "missing text")
		}

		ctx := c.Request().Context()
		caller := domain.CallerFromContext(ctx)
		key := c.Request().Header.Get(headerIdempotencyKey)
		if d.deduper == nil || key == "" {
			id, err := d.create(ctx, m, *req.Text)
			if err != nil {
				return createFailed(c, err)
			}
			return c.JSON(http.StatusCreated, createTodoResponse{ID: id})
		}

		res, err := d.deduper.Reserve(ctx, caller, key)
		if err != nil {
			m.Fail("idempotency", err)
			return c.String(http.StatusInternalServerError, "failed to reserve idempotency key")
		}
		switch {
		case res.Pending:
			m.SetErrorStage("idempotency_pending")
			return c.String(http.StatusConflict, "request with this idempotency key is in progress")
		case !res.Acquired:
			m.SetTodoID(res.ID)
			m.SetReplayed(true)
			c.Response().Header().Set(headerReplayed, "true")
			return c.JSON(http.StatusOK, createTodoResponse{ID: res.ID})
		}

		id, err := d.create(ctx, m, *req.Text)
		if err != nil {
			if relErr := d.deduper.Release(context.WithoutCancel(ctx), caller, key); relErr != nil {
				d.logger.WithError(relErr).WithField("key", key).Warn("release idempotency key failed")
			}
			return createFailed(c, err)
		}
		d.commitKey(context.WithoutCancel(ctx), caller, key, id)
		return c.JSON(http.StatusCreated, createTodoResponse{ID: id})
	}
}

func createFailed(c echo.Context, err error) error {
	if errors.Is(err, domain.ErrTextTooLong) {
		return c.String(http.StatusRequestEntityTooLarge, "todo text too long")
	}
	return c.String(http.StatusInternalServerError, "failed to create todo")
}

// commitKey binds key to id, retrying briefly. If every attempt fails the
// reservation stays pending until its short TTL lapses.
func (d handlerDeps) commitKey(ctx context.Context, caller, key string, id uint64) {
	backoff := commitBackoff
	var err error
	for attempt := 1; attempt <= commitAttempts; attempt++ {
		if err = d.deduper.Commit(ctx, caller, key, id); err == nil {
			return
		}
		if attempt < commitAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	d.logger.WithError(err).WithFields(log.Fields{"key": key, "todo": id, "attempts": commitAttempts}).Error("commit idempotency key failed")
}

func (d handlerDeps) create(ctx context.Context, m *requestMetrics, text string) (uint64, error) {
	start := time.Now()
	id, err := d.registry.Create(ctx, text)
	m.ObserveLedger(time.Since(start))
	if err != nil {
		m.Fail("ledger", err)
		return 0, err
	}
	m.SetTodoID(id)
	return id, nil
}

func completeTodo(d handlerDeps) operationFunc {
	return func(c echo.Context, m *requestMetrics) error {
		id, ok := todoID(c, m)
		if !ok {
			return c.String(http.StatusBadRequest, errInvalidID.Error())
		}
		start := time.Now()
		msg, err := d.registry.Complete(c.Request().Context(), id)
		m.ObserveLedger(time.Since(start))
		if err != nil {
			m.Fail("ledger", err)
			return c.String(http.StatusInternalServerError, "failed to complete todo")
		}
		found := msg != domain.MsgNotFound
		m.SetFound(found)
		return c.JSON(http.StatusOK, messageResponse{Message: msg, Found: found})
	}
}

func getTodo(d handlerDeps) operationFunc {
	return func(c echo.Context, m *requestMetrics) error {
		id, ok := todoID(c, m)
		if !ok {
			return c.String(http.StatusBadRequest, errInvalidID.Error())
		}
		text, found := d.registry.Lookup(id)
		if !found {
			text = domain.MsgNotFound
		}
		m.SetFound(found)
		return c.JSON(http.StatusOK, getTodoResponse{Text: text, Found: found})
	}
}

func isCompleted(d handlerDeps) operationFunc {
	return func(c echo.Context, m *requestMetrics) error {
		id, ok := todoID(c, m)
		if !ok {
			return c.String(http.StatusBadRequest, errInvalidID.Error())
		}
		return c.JSON(http.StatusOK, completedResponse{Completed: d.registry.IsCompleted(id)})
	}
}

func getStatus(d handlerDeps) operationFunc {
	return func(c echo.Context, m *requestMetrics) error {
		id, ok := todoID(c, m)
		if !ok {
			return c.String(http.StatusBadRequest, errInvalidID.Error())
		}
		status := d.registry.Status(id)
		m.SetFound(status != domain.StatusNotFound)
		return c.JSON(http.StatusOK, statusResponse{Status: string(status)})
	}
}

func getTotal(d handlerDeps) operationFunc {
	return func(c echo.Context, m *requestMetrics) error {
		return c.JSON(http.StatusOK, totalResponse{Total: d.registry.Total()})
	}
}

func deleteTodo(d handlerDeps) operationFunc {
	return func(c echo.Context, m *requestMetrics) error {
		id, ok := todoID(c, m)
		if !ok {
			return c.String(http.StatusBadRequest, errInvalidID.Error())
		}
		start := time.Now()
		msg, err := d.registry.Delete(c.Request().Context(), id)
		m.ObserveLedger(time.Since(start))
		if err != nil {
			m.Fail("ledger", err)
			return c.String(http.StatusInternalServerError, "failed to delete todo")
		}
		found := msg != domain.MsgNotFound
		m.SetFound(found)
		return c.JSON(http.StatusOK, messageResponse{Message: msg, Found: found})
	}
}

func todoID(c echo.Context, m *requestMetrics) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		m.Fail("invalid_id", err)
		return 0, false
	}
	m.SetTodoID(id)
	return id, true
}
