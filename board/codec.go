package board

import (
	"fmt"
	"slices"
	"time"

	"github.com/bytedance/sonic"

	"taskboard/domain"
	"taskboard/storage"
)

// Documents are decoded through a JSON round trip so that every backend's
// native value types (timestamps, []any arrays, JSON payload strings) end up
// in the same typed struct.

func decodeBoard(doc storage.Document) (domain.Board, error) {
	var b domain.Board
	if err := decodeFields(doc.Fields, &b); err != nil {
		return domain.Board{}, fmt.Errorf("decode board %s: %w", doc.Path, err)
	}
	b.ID = doc.ID
	return b, nil
}

func decodeTask(doc storage.Document) (domain.Task, error) {
	var t domain.Task
	if err := decodeFields(doc.Fields, &t); err != nil {
		return domain.Task{}, fmt.Errorf("decode task %s: %w", doc.Path, err)
	}
	t.ID = doc.ID
	return t, nil
}

func decodeUser(doc storage.Document) (domain.User, error) {
	var u domain.User
	if err := decodeFields(doc.Fields, &u); err != nil {
		return domain.User{}, fmt.Errorf("decode user %s: %w", doc.Path, err)
	}
	u.ID = doc.ID
	return u, nil
}

func decodeFields(fields storage.Fields, v any) error {
	raw, err := sonic.Marshal(fields)
	if err != nil {
		return err
	}
	return sonic.Unmarshal(raw, v)
}

func encodeBoard(b domain.Board) storage.Fields {
	return storage.Fields{
		domain.FieldTitle:     b.Title,
		domain.FieldCreatorID: b.CreatorID,
		domain.FieldMembers:   slices.Clone(b.Members),
		domain.FieldCreatedAt: b.CreatedAt.UTC(),
	}
}

func encodeTask(t domain.Task) storage.Fields {
	f := storage.Fields{
		domain.FieldTitle:       t.Title,
		domain.FieldDescription: t.Description,
		domain.FieldDueDate:     t.DueDate.UTC(),
		domain.FieldCompleted:   t.Completed,
		domain.FieldCompletedAt: nil,
		domain.FieldCreatedAt:   t.CreatedAt.UTC(),
		domain.FieldAssignedTo:  nil,
		domain.FieldCreatedBy:   t.CreatedBy,
	}
	if t.CompletedAt != nil {
		f[domain.FieldCompletedAt] = t.CompletedAt.UTC()
	}
	if t.AssignedTo != nil {
		f[domain.FieldAssignedTo] = *t.AssignedTo
	}
	if t.PreviouslyAssigned != "" {
		f[domain.FieldPreviouslyAssigned] = t.PreviouslyAssigned
	}
	return f
}

func encodeUser(u domain.User) storage.Fields {
	return storage.Fields{
		domain.FieldEmail:     u.Email,
		domain.FieldCreatedAt: u.CreatedAt.UTC(),
	}
}

// applyTaskFields overlays a partial update on a full task record.
func applyTaskFields(base domain.Task, fields storage.Fields) (domain.Task, error) {
	merged := storage.MergeFields(encodeTask(base), fields)
	var out domain.Task
	if err := decodeFields(merged, &out); err != nil {
		return domain.Task{}, fmt.Errorf("merge task %s: %w", base.ID, err)
	}
	out.ID = base.ID
	return out, nil
}

var timeFields = []string{domain.FieldDueDate, domain.FieldCompletedAt, domain.FieldCreatedAt}

// restoreTimes converts RFC3339 strings back to time.Time for the timestamp
// fields of a field map that went through JSON.
func restoreTimes(fields storage.Fields) storage.Fields {
	for _, name := range timeFields {
		s, ok := fields[name].(string)
		if !ok {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			fields[name] = ts.UTC()
		}
	}
	return fields
}
