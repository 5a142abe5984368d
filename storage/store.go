package storage

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"strings"
	"time"
)

// ErrNotFound is returned by Update when the target document does not exist.
var ErrNotFound = errors.New("document not found")

// Fields holds the stored fields of a document keyed by field name.
type Fields map[string]any

// Document is a stored document together with its location.
type Document struct {
	ID     string
	Path   Path
	Fields Fields
}

// Op is a comparison operator for Query.
type Op string

const OpEqual Op = "=="

// Store is a hierarchical document store. Collections and documents alternate
// along a Path, e.g. users/{uid}/taskboards/{bid}/tasks/{tid}.
type Store interface {
	// Get returns nil and no error when the document does not exist.
	Get(ctx context.Context, p Path) (*Document, error)
	// Set creates or fully overwrites a document.
	Set(ctx context.Context, p Path, fields Fields) error
	// Update merges fields into an existing document and returns ErrNotFound
	// when it is absent.
	Update(ctx context.Context, p Path, fields Fields) error
	// Delete removes a document. Deleting an absent document is not an error.
	Delete(ctx context.Context, p Path) error
	// Query returns the direct children of collection whose field matches value.
	Query(ctx context.Context, collection Path, field string, op Op, value any) ([]Document, error)
	// List returns every direct child document of collection.
	List(ctx context.Context, collection Path) ([]Document, error)
}

// Path addresses a collection (odd number of segments) or a document (even).
type Path string

const (
	usersCollection  = "users"
	boardsCollection = "taskboards"
	tasksCollection  = "tasks"
)

func UsersPath() Path               { return Path(usersCollection) }
func UserPath(userID string) Path   { return UsersPath().Child(userID) }
func BoardsPath(userID string) Path { return UserPath(userID).Child(boardsCollection) }
func BoardPath(userID, boardID string) Path {
	return BoardsPath(userID).Child(boardID)
}
func TasksPath(userID, boardID string) Path {
	return BoardPath(userID, boardID).Child(tasksCollection)
}
func TaskPath(userID, boardID, taskID string) Path {
	return TasksPath(userID, boardID).Child(taskID)
}

// Child appends segments to the path.
func (p Path) Child(segments ...string) Path {
	if len(segments) == 0 {
		return p
	}
	if p == "" {
		return Path(strings.Join(segments, "/"))
	}
	return Path(string(p) + "/" + strings.Join(segments, "/"))
}

// Segments splits the path into its components.
func (p Path) Segments() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), "/")
}

// ID returns the last segment of the path.
func (p Path) ID() string {
	s := string(p)
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Parent returns the path without its last segment.
func (p Path) Parent() Path {
	s := string(p)
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return Path(s[:i])
	}
	return ""
}

// IsDocument reports whether the path addresses a document.
func (p Path) IsDocument() bool {
	return p != "" && len(p.Segments())%2 == 0
}

func (p Path) String() string { return string(p) }

// CloneFields returns a deep copy of fields so callers cannot alias stored state.
func CloneFields(fields Fields) Fields {
	if fields == nil {
		return Fields{}
	}
	out := make(Fields, len(fields))
	for k, v := range fields {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case []string:
		return slices.Clone(val)
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	case map[string]any:
		return map[string]any(CloneFields(Fields(val)))
	case Fields:
		return CloneFields(val)
	default:
		return v
	}
}

// MergeFields returns base overlaid with update.
func MergeFields(base, update Fields) Fields {
	out := CloneFields(base)
	for k, v := range update {
		out[k] = cloneValue(v)
	}
	return out
}

// ValuesEqual compares two stored values the way Query does.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && as == bs
	}
	return reflect.DeepEqual(a, b)
}

func matches(fields Fields, field string, op Op, value any) bool {
	if op != OpEqual {
		return false
	}
	v, ok := fields[field]
	if !ok {
		return false
	}
	return ValuesEqual(v, value)
}
