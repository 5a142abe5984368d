package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

type handler struct {
	svc  BoardService
	auth Authenticator
	log  *log.Logger
}

type identifiedFunc func(c echo.Context, ident domain.Identity) error

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, svc BoardService, auth Authenticator, logger *log.Logger) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	h := &handler{svc: svc, auth: auth, log: logger}

	e.GET("/healthz", healthz)
	e.GET("/metrics", echoprometheus.NewHandler())

	g := e.Group("", RequestMetricsMiddleware(logger))
	g.GET("/boards", h.authed(h.listBoards))
	g.POST("/boards", h.authed(h.createBoard))
	g.GET("/board/:id", h.authed(h.getBoard))
	g.PUT("/boards/:id", h.authed(h.updateBoard("Board updated successfully")))
	g.PUT("/boards/:id/rename", h.authed(h.updateBoard("Board renamed successfully")))
	g.DELETE("/boards/:id", h.authed(h.deleteBoard))
	g.GET("/boards/:id/members", h.authed(h.listMembers))
	g.POST("/boards/:id/members", h.authed(h.addMember))
	g.DELETE("/boards/:id/members/:member_id", h.authed(h.removeMember))
	g.GET("/boards/:id/tasks", h.authed(h.listTasks))
	g.POST("/boards/:id/tasks", h.authed(h.createTask))
	g.GET("/boards/:id/stats", h.authed(h.stats))
	g.PUT("/tasks/:id", h.authed(h.updateTask))
	g.DELETE("/tasks/:id", h.authed(h.deleteTask))
	g.POST("/users", h.identified(h.createUser))
	g.GET("/users", h.authed(h.listUsers))
	g.POST("/users/check", h.checkUser)
}

func healthz(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// identified verifies the caller before running next.
func (h *handler) identified(next identifiedFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		metrics := metricsFrom(c)
		authStart := time.Now()
		ident, err := h.auth.IdentityFromRequest(c.Request())
		metrics.ObserveAuth(time.Since(authStart))
		if err != nil {
			metrics.SetErrorStage("auth")
			msg := "Invalid token"
			if errors.Is(err, errMissingAuthorization) {
				msg = "Unauthorized"
			}
			c.Set(errorContextKey, err)
			return c.JSON(http.StatusUnauthorized, messageResponse{Message: msg})
		}
		metrics.SetUser(ident.UserID)
		return next(c, ident)
	}
}

// authed is identified plus lazy creation of the caller's user document.
func (h *handler) authed(next identifiedFunc) echo.HandlerFunc {
	return h.identified(func(c echo.Context, ident domain.Identity) error {
		if _, _, err := h.svc.EnsureUser(c.Request().Context(), ident); err != nil {
			return h.fail(c, "ensure_user", err)
		}
		return next(c, ident)
	})
}

// fail writes err as a {message} response with the status of its kind.
func (h *handler) fail(c echo.Context, stage string, err error) error {
	metricsFrom(c).SetErrorStage(stage)
	c.Set(errorContextKey, err)
	status := statusForKind(domain.KindOf(err))
	if status >= http.StatusInternalServerError {
		h.log.WithFields(log.Fields{
			"route":  c.Path(),
			"method": c.Request().Method,
		}).WithError(err).Error("request failed")
		return c.JSON(status, messageResponse{Message: "Internal server error"})
	}
	return c.JSON(status, messageResponse{Message: domain.MessageOf(err)})
}

func statusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindUnauthenticated:
		return http.StatusUnauthorized
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// timed runs a service call and records its duration.
func timed[T any](c echo.Context, fn func() (T, error)) (T, error) {
	start := time.Now()
	out, err := fn()
	metricsFrom(c).ObserveService(time.Since(start))
	return out, err
}

func readBody(c echo.Context) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxRequestBodyBytes {
		return nil, errors.New("request body too large")
	}
	return data, nil
}

func decodeBody(c echo.Context, v any) error {
	data, err := readBody(c)
	if err != nil {
		return domain.Invalid("Invalid request body")
	}
	if len(data) == 0 {
		return nil
	}
	if err := sonic.ConfigStd.Unmarshal(data, v); err != nil {
		return domain.Invalid("Invalid request body")
	}
	return nil
}

func (h *handler) listBoards(c echo.Context, ident domain.Identity) error {
	boards, err := timed(c, func() ([]domain.Board, error) {
		return h.svc.ListBoards(c.Request().Context(), ident.UserID)
	})
	if err != nil {
		return h.fail(c, "service", err)
	}
	return c.JSON(http.StatusOK, boards)
}

func (h *handler) createBoard(c echo.Context, ident domain.Identity) error {
	var req titleRequest
	if err := decodeBody(c, &req); err != nil {
		return h.fail(c, "decode", err)
	}
	b, err := timed(c, func() (domain.Board, error) {
		return h.svc.CreateBoard(c.Request().Context(), ident.UserID, req.Title)
	})
	if err != nil {
		return h.fail(c, "service", err)
	}
	return c.JSON(http.StatusCreated, createdBoardResponse{Message: "Board created successfully", BoardID: b.ID})
}

func (h *handler) getBoard(c echo.Context, ident domain.Identity) error {
	var access domain.Access
	b, err := timed(c, func() (domain.Board, error) {
		b, a, err := h.svc.GetBoard(c.Request().Context(), ident.UserID, c.Param("id"))
		access = a
		return b, err
	})
	if err != nil {
		return h.fail(c, "service", err)
	}
	return c.JSON(http.StatusOK, boardResponse{Board: b, IsCreator: access == domain.AccessCreator})
}

func (h *handler) updateBoard(okMessage string) identifiedFunc {
	return func(c echo.Context, ident domain.Identity) error {
		var req titleRequest
		if err := decodeBody(c, &req); err != nil {
			return h.fail(c, "decode", err)
		}
		_, err := timed(c, func() (struct{}, error) {
			return struct{}{}, h.svc.UpdateBoard(c.Request().Context(), ident.UserID, c.Param("id"), req.Title)
		})
		if err != nil {
			return h.fail(c, "service", err)
		}
		return c.JSON(http.StatusOK, messageResponse{Message: okMessage})
	}
}

func (h *handler) deleteBoard(c echo.Context, ident domain.Identity) error {
	_, err := timed(c, func() (struct{}, error) {
		return struct{}{}, h.svc.DeleteBoard(c.Request().Context(), ident.UserID, c.Param("id"))
	})
	if err != nil {
		return h.fail(c, "service", err)
	}
	return c.JSON(http.StatusOK, messageResponse{Message: "Board deleted successfully"})
}

func (h *handler) listMembers(c echo.Context, ident domain.Identity) error {
	members, err := timed(c, func() ([]domain.Member, error) {
		return h.svc.ListMembers(c.Request().Context(), ident.UserID, c.Param("id"))
	})
	if err != nil {
		return h.fail(c, "service", err)
	}
	return c.JSON(http.StatusOK, members)
}

func (h *handler) addMember(c echo.Context, ident domain.Identity) error {
	var req emailRequest
	if err := decodeBody(c, &req); err != nil {
		return h.fail(c, "decode", err)
	}
	_, err := timed(c, func() (struct{}, error) {
		return struct{}{}, h.svc.AddMember(c.Request().Context(), ident.UserID, c.Param("id"), req.Email)
	})
	if err != nil {
		return h.fail(c, "service", err)
	}
	return c.JSON(http.StatusOK, messageResponse{Message: "Member added successfully"})
}

func (h *handler) removeMember(c echo.Context, ident domain.Identity) error {
	_, err := timed(c, func() (struct{}, error) {
		return struct{}{}, h.svc.RemoveMember(c.Request().Context(), ident.UserID, c.Param("id"), c.Param("member_id"))
	})
	if err != nil {
		return h.fail(c, "service", err)
	}
	return c.JSON(http.StatusOK, messageResponse{Message: "Member removed successfully"})
}

func (h *handler) listTasks(c echo.Context, ident domain.Identity) error {
	tasks, err := timed(c, func() ([]domain.Task, error) {
		return h.svc.ListTasks(c.Request().Context(), ident.UserID, c.Param("id"))
	})
	if err != nil {
		return h.fail(c, "service", err)
	}
	return c.JSON(http.StatusOK, tasks)
}

func (h *handler) createTask(c echo.Context, ident domain.Identity) error {
	var req createTaskRequest
	if err := decodeBody(c, &req); err != nil {
		return h.fail(c, "decode", err)
	}
	in := domain.TaskInput{Title: req.Title, Description: req.Description, AssignedTo: req.AssignedTo}
	if req.DueDate != "" {
		due, err := parseDueDate(req.DueDate)
		if err != nil {
			return h.fail(c, "decode", err)
		}
		in.DueDate = due
	}
	t, err := timed(c, func() (domain.Task, error) {
		return h.svc.CreateTask(c.Request().Context(), ident.UserID, c.Param("id"), in)
	})
	if err != nil {
		return h.fail(c, "service", err)
	}
	return c.JSON(http.StatusCreated, createdTaskResponse{Message: "Task created successfully", TaskID: t.ID})
}

func (h *handler) updateTask(c echo.Context, ident domain.Identity) error {
	data, err := readBody(c)
	if err != nil {
		return h.fail(c, "decode", domain.Invalid("Invalid request body"))
	}
	var req updateTaskRequest
	var raw map[string]any
	// An empty body is an empty patch.
	if len(data) > 0 {
		if err := sonic.ConfigStd.Unmarshal(data, &req); err != nil {
			return h.fail(c, "decode", domain.Invalid("Invalid request body"))
		}
		if err := sonic.ConfigStd.Unmarshal(data, &raw); err != nil {
			return h.fail(c, "decode", domain.Invalid("Invalid request body"))
		}
	}
	patch, err := taskPatchFrom(req, raw)
	if err != nil {
		return h.fail(c, "decode", err)
	}
	_, err = timed(c, func() (domain.Task, error) {
		return h.svc.UpdateTask(c.Request().Context(), ident.UserID, req.BoardID, c.Param("id"), patch)
	})
	if err != nil {
		return h.fail(c, "service", err)
	}
	return c.JSON(http.StatusOK, messageResponse{Message: "Task updated successfully"})
}

func (h *handler) deleteTask(c echo.Context, ident domain.Identity) error {
	_, err := timed(c, func() (struct{}, error) {
		return struct{}{}, h.svc.DeleteTask(c.Request().Context(), ident.UserID, c.QueryParam("board_id"), c.Param("id"))
	})
	if err != nil {
		return h.fail(c, "service", err)
	}
	return c.JSON(http.StatusOK, messageResponse{Message: "Task deleted successfully"})
}

func (h *handler) stats(c echo.Context, ident domain.Identity) error {
	st, err := timed(c, func() (domain.BoardStats, error) {
		return h.svc.Stats(c.Request().Context(), ident.UserID, c.Param("id"))
	})
	if err != nil {
		return h.fail(c, "service", err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *handler) createUser(c echo.Context, ident domain.Identity) error {
	var req emailRequest
	if err := decodeBody(c, &req); err != nil {
		return h.fail(c, "decode", err)
	}
	if ident.Email == "" {
		ident.Email = req.Email
	}
	created, err := timed(c, func() (bool, error) {
		_, created, err := h.svc.EnsureUser(c.Request().Context(), ident)
		return created, err
	})
	if err != nil {
		return h.fail(c, "service", err)
	}
	if !created {
		return c.JSON(http.StatusOK, messageResponse{Message: "User document already exists"})
	}
	return c.JSON(http.StatusCreated, messageResponse{Message: "User created successfully"})
}

func (h *handler) listUsers(c echo.Context, _ domain.Identity) error {
	users, err := timed(c, func() ([]domain.User, error) {
		return h.svc.ListUsers(c.Request().Context())
	})
	if err != nil {
		return h.fail(c, "service", err)
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userResponse{ID: u.ID, Email: u.Email})
	}
	return c.JSON(http.StatusOK, out)
}

func (h *handler) checkUser(c echo.Context) error {
	var req emailRequest
	if err := decodeBody(c, &req); err != nil {
		return h.fail(c, "decode", err)
	}
	exists, err := timed(c, func() (bool, error) {
		return h.svc.UserExists(c.Request().Context(), req.Email)
	})
	if err != nil {
		return h.fail(c, "service", err)
	}
	return c.JSON(http.StatusOK, existsResponse{Exists: exists})
}
