package board

import (
	"fmt"

	"github.com/bytedance/sonic"

	"taskboard/domain"
	"taskboard/storage"
)

// Mutation is one change propagated to every member copy of a board. The set
// of variants is closed; each is applied to a single copy by ApplyMember.
type Mutation interface {
	mutationKind() string
}

// SetBoardFields updates board fields in every existing copy.
type SetBoardFields struct {
	Fields storage.Fields `json:"fields"`
}

// PutTask writes the full task record into every copy.
type PutTask struct {
	Task domain.Task `json:"task"`
}

// SetTaskFields updates a task in every copy. A copy missing the task is
// recreated from Base with Fields applied.
type SetTaskFields struct {
	TaskID string         `json:"task_id"`
	Fields storage.Fields `json:"fields"`
	Base   domain.Task    `json:"base"`
}

// DeleteTask removes a task from every copy.
type DeleteTask struct {
	TaskID string `json:"task_id"`
}

// AddMember gives MemberID a full copy of the board and its tasks and rewrites
// the board snapshot for everyone else. Board already lists MemberID.
type AddMember struct {
	MemberID string        `json:"member_id"`
	Board    domain.Board  `json:"board"`
	Tasks    []domain.Task `json:"tasks"`
}

// RemoveMember drops MemberID from every remaining copy, deletes the removed
// member's copy and unassigns the tasks in Reassign.
type RemoveMember struct {
	MemberID string        `json:"member_id"`
	Reassign []domain.Task `json:"reassign"`
}

const (
	KindSetBoardFields = "set_board_fields"
	KindPutTask        = "put_task"
	KindSetTaskFields  = "set_task_fields"
	KindDeleteTask     = "delete_task"
	KindAddMember      = "add_member"
	KindRemoveMember   = "remove_member"
)

func (SetBoardFields) mutationKind() string { return KindSetBoardFields }
func (PutTask) mutationKind() string        { return KindPutTask }
func (SetTaskFields) mutationKind() string  { return KindSetTaskFields }
func (DeleteTask) mutationKind() string     { return KindDeleteTask }
func (AddMember) mutationKind() string      { return KindAddMember }
func (RemoveMember) mutationKind() string   { return KindRemoveMember }

// KindOf returns the wire name of a mutation.
func KindOf(m Mutation) string {
	if m == nil {
		return ""
	}
	return m.mutationKind()
}

// EncodeMutation serialises m for the repair queue.
func EncodeMutation(m Mutation) (string, []byte, error) {
	if m == nil {
		return "", nil, fmt.Errorf("encode mutation: nil")
	}
	data, err := sonic.Marshal(m)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", m.mutationKind(), err)
	}
	return m.mutationKind(), data, nil
}

// DecodeMutation is the inverse of EncodeMutation.
func DecodeMutation(kind string, data []byte) (Mutation, error) {
	var (
		m   Mutation
		err error
	)
	switch kind {
	case KindSetBoardFields:
		var v SetBoardFields
		err = sonic.Unmarshal(data, &v)
		v.Fields = restoreTimes(v.Fields)
		m = v
	case KindPutTask:
		var v PutTask
		err = sonic.Unmarshal(data, &v)
		m = v
	case KindSetTaskFields:
		var v SetTaskFields
		err = sonic.Unmarshal(data, &v)
		v.Fields = restoreTimes(v.Fields)
		m = v
	case KindDeleteTask:
		var v DeleteTask
		err = sonic.Unmarshal(data, &v)
		m = v
	case KindAddMember:
		var v AddMember
		err = sonic.Unmarshal(data, &v)
		m = v
	case KindRemoveMember:
		var v RemoveMember
		err = sonic.Unmarshal(data, &v)
		m = v
	default:
		return nil, fmt.Errorf("unknown mutation kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return m, nil
}
