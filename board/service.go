package board

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/storage"
)

// Service implements the board, task and user operations behind the HTTP API.
// Every board-scoped call resolves the board first and writes through the
// Synchronizer.
type Service struct {
	store    storage.Store
	resolver *Resolver
	sync     *Synchronizer
	log      *log.Logger
	now      func() time.Time
	newID    func() string
}

func NewService(st storage.Store, resolver *Resolver, sync *Synchronizer, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Service{
		store:    st,
		resolver: resolver,
		sync:     sync,
		log:      logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
}

// EnsureUser creates the user document for ident if it does not exist yet and
// reports whether it did.
func (s *Service) EnsureUser(ctx context.Context, ident domain.Identity) (domain.User, bool, error) {
	p := storage.UserPath(ident.UserID)
	doc, err := s.store.Get(ctx, p)
	if err != nil {
		return domain.User{}, false, domain.Internal(err, "failed to load user")
	}
	if doc != nil {
		u, err := decodeUser(*doc)
		if err != nil {
			return domain.User{}, false, domain.Internal(err, "failed to load user")
		}
		return u, false, nil
	}
	u := domain.User{ID: ident.UserID, Email: ident.Email, CreatedAt: s.now()}
	if err := s.store.Set(ctx, p, encodeUser(u)); err != nil {
		return domain.User{}, false, domain.Internal(err, "failed to create user")
	}
	s.log.WithField("user", u.ID).Info("user created")
	return u, true, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]domain.User, error) {
	docs, err := s.store.List(ctx, storage.UsersPath())
	if err != nil {
		return nil, domain.Internal(err, "failed to list users")
	}
	users := make([]domain.User, 0, len(docs))
	for _, d := range docs {
		u, err := decodeUser(d)
		if err != nil {
			return nil, domain.Internal(err, "failed to list users")
		}
		users = append(users, u)
	}
	return users, nil
}

func (s *Service) UserExists(ctx context.Context, email string) (bool, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return false, domain.Invalid("Email is required")
	}
	u, err := s.findUserByEmail(ctx, email)
	if err != nil {
		return false, err
	}
	return u != nil, nil
}

func (s *Service) findUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	docs, err := s.store.Query(ctx, storage.UsersPath(), domain.FieldEmail, storage.OpEqual, email)
	if err != nil {
		return nil, domain.Internal(err, "failed to look up user")
	}
	if len(docs) == 0 {
		return nil, nil
	}
	u, err := decodeUser(docs[0])
	if err != nil {
		return nil, domain.Internal(err, "failed to look up user")
	}
	return &u, nil
}

// CreateBoard creates a board owned by userID. Only the creator's copy exists
// until members are added.
func (s *Service) CreateBoard(ctx context.Context, userID, title string) (domain.Board, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Board{}, domain.Invalid("Title is required")
	}
	b := domain.Board{
		ID:        s.newID(),
		Title:     title,
		CreatorID: userID,
		Members:   []string{userID},
		CreatedAt: s.now(),
	}
	if err := s.store.Set(ctx, storage.BoardPath(userID, b.ID), encodeBoard(b)); err != nil {
		return domain.Board{}, domain.Internal(err, "failed to create board")
	}
	return b, nil
}

// ListBoards lists the boards in the user's own collection.
func (s *Service) ListBoards(ctx context.Context, userID string) ([]domain.Board, error) {
	docs, err := s.store.List(ctx, storage.BoardsPath(userID))
	if err != nil {
		return nil, domain.Internal(err, "failed to list boards")
	}
	boards := make([]domain.Board, 0, len(docs))
	for _, d := range docs {
		b, err := decodeBoard(d)
		if err != nil {
			return nil, domain.Internal(err, "failed to list boards")
		}
		boards = append(boards, b)
	}
	return boards, nil
}

func (s *Service) GetBoard(ctx context.Context, userID, boardID string) (domain.Board, domain.Access, error) {
	return s.resolver.Resolve(ctx, userID, boardID)
}

// UpdateBoard renames a board in every member copy. Creator only.
func (s *Service) UpdateBoard(ctx context.Context, userID, boardID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Invalid("Title is required")
	}
	b, access, err := s.resolver.Resolve(ctx, userID, boardID)
	if err != nil {
		return err
	}
	if access != domain.AccessCreator {
		return domain.Forbidden("Only board creator can rename the board")
	}
	_, err = s.sync.Propagate(ctx, userID, b, SetBoardFields{Fields: storage.Fields{domain.FieldTitle: title}})
	return err
}

// DeleteBoard deletes an empty board that has no members besides its creator.
// No other copies can exist in that state.
func (s *Service) DeleteBoard(ctx context.Context, userID, boardID string) error {
	b, access, err := s.resolver.Resolve(ctx, userID, boardID)
	if err != nil {
		return err
	}
	if access != domain.AccessCreator {
		return domain.Forbidden("Only board creator can delete the board")
	}
	tasks, err := s.store.List(ctx, storage.TasksPath(userID, boardID))
	if err != nil {
		return domain.Internal(err, "failed to list tasks")
	}
	if len(tasks) > 0 {
		return domain.Conflict("Cannot delete board with existing tasks")
	}
	if len(b.Members) > 1 {
		return domain.Conflict("Cannot delete board with existing members")
	}
	if err := s.store.Delete(ctx, storage.BoardPath(userID, boardID)); err != nil {
		return domain.Internal(err, "failed to delete board")
	}
	return nil
}

// ListMembers lists the members of a board that have a user document.
func (s *Service) ListMembers(ctx context.Context, userID, boardID string) ([]domain.Member, error) {
	b, _, err := s.resolver.Resolve(ctx, userID, boardID)
	if err != nil {
		return nil, err
	}
	members := make([]domain.Member, 0, len(b.Members))
	for _, id := range b.Members {
		doc, err := s.store.Get(ctx, storage.UserPath(id))
		if err != nil {
			return nil, domain.Internal(err, "failed to load member")
		}
		if doc == nil {
			continue
		}
		u, err := decodeUser(*doc)
		if err != nil {
			return nil, domain.Internal(err, "failed to load member")
		}
		members = append(members, domain.Member{ID: u.ID, Email: u.Email, IsCreator: u.ID == b.CreatorID})
	}
	return members, nil
}

// AddMember invites the user registered under email to the board. Creator only.
func (s *Service) AddMember(ctx context.Context, userID, boardID, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return domain.Invalid("Email is required")
	}
	b, access, err := s.resolver.Resolve(ctx, userID, boardID)
	if err != nil {
		return err
	}
	if access != domain.AccessCreator {
		return domain.Forbidden("Only board creator can add members")
	}
	u, err := s.findUserByEmail(ctx, email)
	if err != nil {
		return err
	}
	if u == nil {
		return domain.NotFound("User not found. Make sure the user has signed up first.")
	}
	if b.HasMember(u.ID) {
		return domain.Conflict("User is already a member of this board")
	}
	tasks, err := s.ownTasks(ctx, userID, boardID)
	if err != nil {
		return err
	}
	_, err = s.sync.Propagate(ctx, userID, b, AddMember{MemberID: u.ID, Board: b.WithMember(u.ID), Tasks: tasks})
	return err
}

// RemoveMember removes memberID from the board and unassigns their tasks.
// Creator only; the creator cannot be removed.
func (s *Service) RemoveMember(ctx context.Context, userID, boardID, memberID string) error {
	b, access, err := s.resolver.Resolve(ctx, userID, boardID)
	if err != nil {
		return err
	}
	if access != domain.AccessCreator {
		return domain.Forbidden("Only board creator can remove members")
	}
	if !b.HasMember(memberID) {
		return domain.NotFound("Member not found")
	}
	if memberID == b.CreatorID {
		return domain.Conflict("Cannot remove the board creator")
	}
	tasks, err := s.ownTasks(ctx, userID, boardID)
	if err != nil {
		return err
	}
	var reassign []domain.Task
	for _, t := range tasks {
		if t.IsAssignedTo(memberID) {
			reassign = append(reassign, t)
		}
	}
	_, err = s.sync.Propagate(ctx, userID, b, RemoveMember{MemberID: memberID, Reassign: reassign})
	return err
}

// CreateTask adds a task to every member copy of the board.
func (s *Service) CreateTask(ctx context.Context, userID, boardID string, in domain.TaskInput) (domain.Task, error) {
	title := in.Title
	if strings.TrimSpace(title) == "" {
		return domain.Task{}, domain.Invalid("Title is required")
	}
	if in.DueDate.IsZero() {
		return domain.Task{}, domain.Invalid("Due date is required")
	}
	b, _, err := s.resolver.Resolve(ctx, userID, boardID)
	if err != nil {
		return domain.Task{}, err
	}
	assignee, err := checkAssignee(b, in.AssignedTo)
	if err != nil {
		return domain.Task{}, err
	}
	if err := s.checkTitleFree(ctx, userID, boardID, title); err != nil {
		return domain.Task{}, err
	}

	t := domain.Task{
		ID:          s.newID(),
		Title:       title,
		Description: in.Description,
		DueDate:     in.DueDate.UTC(),
		CreatedAt:   s.now(),
		AssignedTo:  assignee,
		CreatedBy:   userID,
	}
	if _, err := s.sync.Propagate(ctx, userID, b, PutTask{Task: t}); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ListTasks lists the tasks of the user's copy ordered by creation time.
func (s *Service) ListTasks(ctx context.Context, userID, boardID string) ([]domain.Task, error) {
	if _, _, err := s.resolver.Resolve(ctx, userID, boardID); err != nil {
		return nil, err
	}
	return s.ownTasks(ctx, userID, boardID)
}

// UpdateTask applies patch to a task in every member copy. Copies missing the
// task are recreated from the user's copy.
func (s *Service) UpdateTask(ctx context.Context, userID, boardID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	if boardID == "" {
		return domain.Task{}, domain.Invalid("Board ID is required")
	}
	b, _, err := s.resolver.Resolve(ctx, userID, boardID)
	if err != nil {
		return domain.Task{}, err
	}
	doc, err := s.store.Get(ctx, storage.TaskPath(userID, boardID, taskID))
	if err != nil {
		return domain.Task{}, domain.Internal(err, "failed to load task")
	}
	if doc == nil {
		return domain.Task{}, domain.NotFound("Task not found")
	}
	cur, err := decodeTask(*doc)
	if err != nil {
		return domain.Task{}, domain.Internal(err, "failed to load task")
	}
	if patch.Empty() {
		return cur, nil
	}

	fields := storage.Fields{}
	if patch.Title != nil {
		title := *patch.Title
		if strings.TrimSpace(title) == "" {
			return domain.Task{}, domain.Invalid("Title is required")
		}
		if title != cur.Title {
			if err := s.checkTitleFree(ctx, userID, boardID, title); err != nil {
				return domain.Task{}, err
			}
		}
		fields[domain.FieldTitle] = title
	}
	if patch.Description != nil {
		fields[domain.FieldDescription] = *patch.Description
	}
	if patch.DueDate != nil {
		fields[domain.FieldDueDate] = patch.DueDate.UTC()
	}
	if patch.Completed != nil {
		fields[domain.FieldCompleted] = *patch.Completed
		if *patch.Completed {
			fields[domain.FieldCompletedAt] = s.now()
		} else {
			fields[domain.FieldCompletedAt] = nil
		}
	}
	switch {
	case patch.ClearAssignee:
		fields[domain.FieldAssignedTo] = nil
	case patch.AssignedTo != nil:
		assignee, err := checkAssignee(b, patch.AssignedTo)
		if err != nil {
			return domain.Task{}, err
		}
		if assignee == nil {
			fields[domain.FieldAssignedTo] = nil
		} else {
			fields[domain.FieldAssignedTo] = *assignee
		}
	}

	if _, err := s.sync.Propagate(ctx, userID, b, SetTaskFields{TaskID: taskID, Fields: fields, Base: cur}); err != nil {
		return domain.Task{}, err
	}
	updated, err := applyTaskFields(cur, fields)
	if err != nil {
		return domain.Task{}, domain.Internal(err, "failed to update task")
	}
	return updated, nil
}

// DeleteTask removes a task from every member copy. Deleting a task that is
// already gone succeeds.
func (s *Service) DeleteTask(ctx context.Context, userID, boardID, taskID string) error {
	if boardID == "" {
		return domain.Invalid("Board ID is required")
	}
	b, _, err := s.resolver.Resolve(ctx, userID, boardID)
	if err != nil {
		return err
	}
	_, err = s.sync.Propagate(ctx, userID, b, DeleteTask{TaskID: taskID})
	return err
}

// Stats counts the tasks of the user's copy.
func (s *Service) Stats(ctx context.Context, userID, boardID string) (domain.BoardStats, error) {
	tasks, err := s.ListTasks(ctx, userID, boardID)
	if err != nil {
		return domain.BoardStats{}, err
	}
	var st domain.BoardStats
	for _, t := range tasks {
		st.TotalTasks++
		if t.Completed {
			st.CompletedTasks++
		} else {
			st.ActiveTasks++
		}
		if t.AssignedTo == nil || *t.AssignedTo == "" {
			st.UnassignedTasks++
		}
	}
	return st, nil
}

func (s *Service) ownTasks(ctx context.Context, userID, boardID string) ([]domain.Task, error) {
	docs, err := s.store.List(ctx, storage.TasksPath(userID, boardID))
	if err != nil {
		return nil, domain.Internal(err, "failed to list tasks")
	}
	tasks := make([]domain.Task, 0, len(docs))
	for _, d := range docs {
		t, err := decodeTask(d)
		if err != nil {
			return nil, domain.Internal(err, "failed to list tasks")
		}
		tasks = append(tasks, t)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// checkTitleFree rejects a title already used in the user's own copy. Other
// copies are not consulted.
func (s *Service) checkTitleFree(ctx context.Context, userID, boardID, title string) error {
	docs, err := s.store.Query(ctx, storage.TasksPath(userID, boardID), domain.FieldTitle, storage.OpEqual, title)
	if err != nil {
		return domain.Internal(err, "failed to check task title")
	}
	if len(docs) > 0 {
		return domain.Conflict("A task with this name already exists")
	}
	return nil
}

func checkAssignee(b domain.Board, assignee *string) (*string, error) {
	if assignee == nil || *assignee == "" {
		return nil, nil
	}
	if !b.HasMember(*assignee) {
		return nil, domain.Invalid("Assignee must be a board member")
	}
	id := *assignee
	return &id, nil
}
