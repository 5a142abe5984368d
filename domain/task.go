package domain

import "time"

// Task is a single item on a board. The same ID is shared by every member copy.
type Task struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	DueDate            time.Time  `json:"due_date"`
	Completed          bool       `json:"completed"`
	CompletedAt        *time.Time `json:"completed_at"`
	CreatedAt          time.Time  `json:"created_at"`
	AssignedTo         *string    `json:"assigned_to"`
	CreatedBy          string     `json:"created_by"`
	PreviouslyAssigned string     `json:"previously_assigned,omitempty"`
}

// IsAssignedTo reports whether the task is currently assigned to userID.
func (t Task) IsAssignedTo(userID string) bool {
	return t.AssignedTo != nil && *t.AssignedTo == userID
}

// Stored field names shared by every copy of a task or board.
const (
	FieldTitle              = "title"
	FieldDescription        = "description"
	FieldDueDate            = "due_date"
	FieldCompleted          = "completed"
	FieldCompletedAt        = "completed_at"
	FieldCreatedAt          = "created_at"
	FieldAssignedTo         = "assigned_to"
	FieldCreatedBy          = "created_by"
	FieldPreviouslyAssigned = "previously_assigned"
	FieldCreatorID          = "creator_id"
	FieldMembers            = "members"
	FieldEmail              = "email"
)

// TaskInput carries the fields of a new task.
type TaskInput struct {
	Title       string
	Description string
	DueDate     time.Time
	AssignedTo  *string
}

// TaskPatch carries a partial task update. Nil fields are left untouched.
// ClearAssignee distinguishes an explicit unassignment from an absent field.
type TaskPatch struct {
	Title         *string
	Description   *string
	DueDate       *time.Time
	Completed     *bool
	AssignedTo    *string
	ClearAssignee bool
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.DueDate == nil &&
		p.Completed == nil && p.AssignedTo == nil && !p.ClearAssignee
}
