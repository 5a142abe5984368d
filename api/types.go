package api

import (
	"context"
	"net/http"

	"taskboard/domain"
)

// BoardService is the set of operations the handlers expose.
type BoardService interface {
	EnsureUser(ctx context.Context, ident domain.Identity) (domain.User, bool, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	UserExists(ctx context.Context, email string) (bool, error)

	CreateBoard(ctx context.Context, userID, title string) (domain.Board, error)
	ListBoards(ctx context.Context, userID string) ([]domain.Board, error)
	GetBoard(ctx context.Context, userID, boardID string) (domain.Board, domain.Access, error)
	UpdateBoard(ctx context.Context, userID, boardID, title string) error
	DeleteBoard(ctx context.Context, userID, boardID string) error

	ListMembers(ctx context.Context, userID, boardID string) ([]domain.Member, error)
	AddMember(ctx context.Context, userID, boardID, email string) error
	RemoveMember(ctx context.Context, userID, boardID, memberID string) error

	CreateTask(ctx context.Context, userID, boardID string, in domain.TaskInput) (domain.Task, error)
	ListTasks(ctx context.Context, userID, boardID string) ([]domain.Task, error)
	UpdateTask(ctx context.Context, userID, boardID, taskID string, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, userID, boardID, taskID string) error
	Stats(ctx context.Context, userID, boardID string) (domain.BoardStats, error)
}

// Authenticator is implemented by types able to verify the caller of a request.
type Authenticator interface {
	IdentityFromRequest(r *http.Request) (domain.Identity, error)
}

type messageResponse struct {
	Message string `json:"message"`
}

type createdBoardResponse struct {
	Message string `json:"message"`
	BoardID string `json:"board_id"`
}

type createdTaskResponse struct {
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
}

type boardResponse struct {
	domain.Board
	IsCreator bool `json:"is_creator"`
}

type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

type existsResponse struct {
	Exists bool `json:"exists"`
}

type titleRequest struct {
	Title string `json:"title"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type createTaskRequest struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	DueDate     string  `json:"due_date"`
	AssignedTo  *string `json:"assigned_to"`
}

type updateTaskRequest struct {
	BoardID     string  `json:"board_id"`
	Title       *string `json:"title"`
	Description *string `json:"description"`
	DueDate     *string `json:"due_date"`
	Completed   *bool   `json:"completed"`
}
