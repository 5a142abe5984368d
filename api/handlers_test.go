package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/board"
	"taskboard/domain"
	"taskboard/storage"
)

// mockAuth treats the bearer value as the user id.
type mockAuth struct{}

func (mockAuth) IdentityFromRequest(r *http.Request) (domain.Identity, error) {
	header := r.Header.Get(echo.HeaderAuthorization)
	if header == "" {
		return domain.Identity{}, errMissingAuthorization
	}
	uid, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || uid == "" || uid == "bad" {
		return domain.Identity{}, errBadAuthorization
	}
	return domain.Identity{UserID: uid, Email: uid + "@example.com"}, nil
}

type brokenStore struct {
	storage.Store
}

func (brokenStore) Get(context.Context, storage.Path) (*storage.Document, error) {
	return nil, errors.New("store unavailable")
}

func newTestServer(st storage.Store) *echo.Echo {
	logger := log.New()
	logger.SetOutput(&bytes.Buffer{})
	resolver := board.NewResolver(st, logger)
	synchronizer := board.NewSynchronizer(st, nil, 2, logger)
	svc := board.NewService(st, resolver, synchronizer, logger)

	e := echo.New()
	e.Use(GzipRequestMiddleware())
	Register(e, svc, mockAuth{}, logger)
	return e
}

func do(t *testing.T, e *echo.Echo, method, target, user, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if user != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+user)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := sonic.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid json %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func expectMessage(t *testing.T, rec *httptest.ResponseRecorder, status int, message string) {
	t.Helper()
	expectStatus(t, rec, status)
	if got := decode[messageResponse](t, rec).Message; got != message {
		t.Fatalf("expected message %q got %q", message, got)
	}
}

func createBoard(t *testing.T, e *echo.Echo, user, title string) string {
	t.Helper()
	rec := do(t, e, http.MethodPost, "/boards", user, `{"title":"`+title+`"}`)
	expectStatus(t, rec, http.StatusCreated)
	resp := decode[createdBoardResponse](t, rec)
	if resp.Message != "Board created successfully" || resp.BoardID == "" {
		t.Fatalf("unexpected create response: %#v", resp)
	}
	return resp.BoardID
}

func TestUnauthenticatedRequests(t *testing.T) {
	e := newTestServer(storage.NewMemory())

	expectMessage(t, do(t, e, http.MethodGet, "/boards", "", ""), http.StatusUnauthorized, "Unauthorized")
	expectMessage(t, do(t, e, http.MethodGet, "/boards", "bad", ""), http.StatusUnauthorized, "Invalid token")
}

func TestHealthz(t *testing.T) {
	e := newTestServer(storage.NewMemory())
	expectStatus(t, do(t, e, http.MethodGet, "/healthz", "", ""), http.StatusOK)
}

func TestAuthedRequestCreatesUserLazily(t *testing.T) {
	mem := storage.NewMemory()
	e := newTestServer(mem)

	rec := do(t, e, http.MethodGet, "/boards", "alice", "")
	expectStatus(t, rec, http.StatusOK)
	if boards := decode[[]domain.Board](t, rec); len(boards) != 0 {
		t.Fatalf("expected no boards, got %#v", boards)
	}
	doc, err := mem.Get(context.Background(), storage.UserPath("alice"))
	if err != nil || doc == nil {
		t.Fatalf("expected user document to be created, got %v %v", doc, err)
	}
}

func TestCreateUserAndCheck(t *testing.T) {
	e := newTestServer(storage.NewMemory())

	expectMessage(t, do(t, e, http.MethodPost, "/users", "alice", ""), http.StatusCreated, "User created successfully")
	expectMessage(t, do(t, e, http.MethodPost, "/users", "alice", ""), http.StatusOK, "User document already exists")

	rec := do(t, e, http.MethodPost, "/users/check", "", `{"email":"alice@example.com"}`)
	expectStatus(t, rec, http.StatusOK)
	if !decode[existsResponse](t, rec).Exists {
		t.Fatal("expected alice to exist")
	}
	rec = do(t, e, http.MethodPost, "/users/check", "", `{"email":"nobody@example.com"}`)
	expectStatus(t, rec, http.StatusOK)
	if decode[existsResponse](t, rec).Exists {
		t.Fatal("expected unknown email to be missing")
	}
	expectMessage(t, do(t, e, http.MethodPost, "/users/check", "", `{}`), http.StatusBadRequest, "Email is required")

	rec = do(t, e, http.MethodGet, "/users", "alice", "")
	expectStatus(t, rec, http.StatusOK)
	users := decode[[]userResponse](t, rec)
	if len(users) != 1 || users[0].ID != "alice" || users[0].Email != "alice@example.com" {
		t.Fatalf("unexpected users: %#v", users)
	}
}

func TestBoardLifecycle(t *testing.T) {
	e := newTestServer(storage.NewMemory())
	expectStatus(t, do(t, e, http.MethodPost, "/users", "bob", ""), http.StatusCreated)

	boardID := createBoard(t, e, "alice", "Roadmap")

	rec := do(t, e, http.MethodGet, "/board/"+boardID, "alice", "")
	expectStatus(t, rec, http.StatusOK)
	got := decode[boardResponse](t, rec)
	if got.Title != "Roadmap" || !got.IsCreator || got.CreatorID != "alice" {
		t.Fatalf("unexpected board: %#v", got)
	}

	expectMessage(t, do(t, e, http.MethodGet, "/board/"+boardID, "bob", ""), http.StatusNotFound, "Board not found")
	expectMessage(t, do(t, e, http.MethodPost, "/boards/"+boardID+"/members", "alice", `{"email":"bob@example.com"}`), http.StatusOK, "Member added successfully")
	expectMessage(t, do(t, e, http.MethodPost, "/boards/"+boardID+"/members", "alice", `{"email":"bob@example.com"}`), http.StatusBadRequest, "User is already a member of this board")
	expectMessage(t, do(t, e, http.MethodPost, "/boards/"+boardID+"/members", "alice", `{"email":"ghost@example.com"}`), http.StatusNotFound, "User not found. Make sure the user has signed up first.")

	rec = do(t, e, http.MethodGet, "/board/"+boardID, "bob", "")
	expectStatus(t, rec, http.StatusOK)
	if decode[boardResponse](t, rec).IsCreator {
		t.Fatal("expected bob not to be the creator")
	}

	rec = do(t, e, http.MethodGet, "/boards/"+boardID+"/members", "bob", "")
	expectStatus(t, rec, http.StatusOK)
	if members := decode[[]domain.Member](t, rec); len(members) != 2 {
		t.Fatalf("expected two members, got %#v", members)
	}

	expectMessage(t, do(t, e, http.MethodPut, "/boards/"+boardID, "bob", `{"title":"Mine"}`), http.StatusForbidden, "Only board creator can rename the board")
	expectMessage(t, do(t, e, http.MethodPut, "/boards/"+boardID+"/rename", "alice", `{"title":"Plan"}`), http.StatusOK, "Board renamed successfully")

	rec = do(t, e, http.MethodGet, "/boards", "bob", "")
	expectStatus(t, rec, http.StatusOK)
	if boards := decode[[]domain.Board](t, rec); len(boards) != 1 || boards[0].Title != "Plan" {
		t.Fatalf("expected rename to reach bob, got %#v", boards)
	}

	expectMessage(t, do(t, e, http.MethodDelete, "/boards/"+boardID, "bob", ""), http.StatusForbidden, "Only board creator can delete the board")
	expectMessage(t, do(t, e, http.MethodDelete, "/boards/"+boardID, "alice", ""), http.StatusBadRequest, "Cannot delete board with existing members")
	expectMessage(t, do(t, e, http.MethodDelete, "/boards/"+boardID+"/members/bob", "alice", ""), http.StatusOK, "Member removed successfully")
	expectMessage(t, do(t, e, http.MethodDelete, "/boards/"+boardID, "alice", ""), http.StatusOK, "Board deleted successfully")
	expectMessage(t, do(t, e, http.MethodGet, "/board/"+boardID, "alice", ""), http.StatusNotFound, "Board not found")
}

func TestTaskLifecycle(t *testing.T) {
	e := newTestServer(storage.NewMemory())
	expectStatus(t, do(t, e, http.MethodPost, "/users", "bob", ""), http.StatusCreated)
	boardID := createBoard(t, e, "alice", "Roadmap")
	expectStatus(t, do(t, e, http.MethodPost, "/boards/"+boardID+"/members", "alice", `{"email":"bob@example.com"}`), http.StatusOK)

	expectMessage(t, do(t, e, http.MethodPost, "/boards/"+boardID+"/tasks", "alice", `{"title":"Ship"}`), http.StatusBadRequest, "Due date is required")
	expectMessage(t, do(t, e, http.MethodPost, "/boards/"+boardID+"/tasks", "alice", `{"title":"Ship","due_date":"soon"}`), http.StatusBadRequest, "Invalid due date")
	expectMessage(t, do(t, e, http.MethodPost, "/boards/"+boardID+"/tasks", "alice", `{"title":"Ship","due_date":"2030-05-01","assigned_to":"carol"}`), http.StatusBadRequest, "Assignee must be a board member")

	rec := do(t, e, http.MethodPost, "/boards/"+boardID+"/tasks", "alice", `{"title":"Ship","description":"v1","due_date":"2030-05-01","assigned_to":"bob"}`)
	expectStatus(t, rec, http.StatusCreated)
	created := decode[createdTaskResponse](t, rec)
	if created.Message != "Task created successfully" || created.TaskID == "" {
		t.Fatalf("unexpected create response: %#v", created)
	}
	expectMessage(t, do(t, e, http.MethodPost, "/boards/"+boardID+"/tasks", "bob", `{"title":"Ship","due_date":"2030-05-01"}`), http.StatusBadRequest, "A task with this name already exists")

	rec = do(t, e, http.MethodGet, "/boards/"+boardID+"/tasks", "bob", "")
	expectStatus(t, rec, http.StatusOK)
	tasks := decode[[]domain.Task](t, rec)
	if len(tasks) != 1 || tasks[0].ID != created.TaskID || !tasks[0].IsAssignedTo("bob") {
		t.Fatalf("unexpected tasks for bob: %#v", tasks)
	}

	taskURL := "/tasks/" + created.TaskID
	expectMessage(t, do(t, e, http.MethodPut, taskURL, "bob", `{"completed":true}`), http.StatusBadRequest, "Board ID is required")
	expectMessage(t, do(t, e, http.MethodPut, taskURL, "bob", ""), http.StatusBadRequest, "Board ID is required")
	expectMessage(t, do(t, e, http.MethodPut, taskURL, "bob", "{"), http.StatusBadRequest, "Invalid request body")
	expectMessage(t, do(t, e, http.MethodPut, taskURL, "bob", `{"board_id":"`+boardID+`","completed":true}`), http.StatusOK, "Task updated successfully")
	expectMessage(t, do(t, e, http.MethodPut, taskURL, "alice", `{"board_id":"`+boardID+`","assigned_to":null}`), http.StatusOK, "Task updated successfully")

	rec = do(t, e, http.MethodGet, "/boards/"+boardID+"/tasks", "alice", "")
	expectStatus(t, rec, http.StatusOK)
	tasks = decode[[]domain.Task](t, rec)
	if len(tasks) != 1 || !tasks[0].Completed || tasks[0].CompletedAt == nil || tasks[0].AssignedTo != nil {
		t.Fatalf("unexpected task for alice: %#v", tasks)
	}

	rec = do(t, e, http.MethodGet, "/boards/"+boardID+"/stats", "bob", "")
	expectStatus(t, rec, http.StatusOK)
	stats := decode[domain.BoardStats](t, rec)
	if stats.TotalTasks != 1 || stats.CompletedTasks != 1 || stats.UnassignedTasks != 1 {
		t.Fatalf("unexpected stats: %#v", stats)
	}

	expectMessage(t, do(t, e, http.MethodPut, "/tasks/missing", "alice", `{"board_id":"`+boardID+`","title":"x"}`), http.StatusNotFound, "Task not found")
	expectMessage(t, do(t, e, http.MethodDelete, taskURL+"?board_id="+boardID, "bob", ""), http.StatusOK, "Task deleted successfully")

	rec = do(t, e, http.MethodGet, "/boards/"+boardID+"/tasks", "alice", "")
	expectStatus(t, rec, http.StatusOK)
	if tasks := decode[[]domain.Task](t, rec); len(tasks) != 0 {
		t.Fatalf("expected delete to reach alice, got %#v", tasks)
	}
}

func TestInvalidBody(t *testing.T) {
	e := newTestServer(storage.NewMemory())
	expectMessage(t, do(t, e, http.MethodPost, "/boards", "alice", `{"title":`), http.StatusBadRequest, "Invalid request body")
	expectMessage(t, do(t, e, http.MethodPost, "/boards", "alice", `{"title":"  "}`), http.StatusBadRequest, "Title is required")
}

func TestInternalErrorsAreMasked(t *testing.T) {
	e := newTestServer(brokenStore{Store: storage.NewMemory()})
	rec := do(t, e, http.MethodGet, "/boards", "alice", "")
	expectMessage(t, rec, http.StatusInternalServerError, "Internal server error")
	if strings.Contains(rec.Body.String(), "store unavailable") {
		t.Fatalf("internal error leaked: %s", rec.Body.String())
	}
}

func TestGzipRequestBody(t *testing.T) {
	e := newTestServer(storage.NewMemory())

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte(`{"title":"Zipped"}`)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/boards", &buf)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	req.Header.Set(echo.HeaderAuthorization, "Bearer alice")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusCreated)

	req = httptest.NewRequest(http.MethodPost, "/boards", strings.NewReader("not gzip"))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	req.Header.Set(echo.HeaderAuthorization, "Bearer alice")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	expectMessage(t, rec, http.StatusBadRequest, "invalid gzip body")
}

func TestStatusForKind(t *testing.T) {
	tests := map[domain.Kind]int{
		domain.KindUnauthenticated: http.StatusUnauthorized,
		domain.KindForbidden:       http.StatusForbidden,
		domain.KindNotFound:        http.StatusNotFound,
		domain.KindConflict:        http.StatusBadRequest,
		domain.KindInvalid:         http.StatusBadRequest,
		domain.KindInternal:        http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := statusForKind(kind); got != want {
			t.Fatalf("statusForKind(%v) = %d, want %d", kind, got, want)
		}
	}
}
