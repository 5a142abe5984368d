package api

import (
	"strings"
	"time"

	"taskboard/domain"
)

var dueDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseDueDate accepts RFC3339 timestamps as well as the zone-less forms
// produced by HTML date inputs, which are read as UTC.
func parseDueDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dueDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, domain.Invalid("Invalid due date")
}

// taskPatchFrom builds a patch from the typed request and the raw body, which
// tells an explicit null assignee apart from an absent one.
func taskPatchFrom(req updateTaskRequest, raw map[string]any) (domain.TaskPatch, error) {
	patch := domain.TaskPatch{
		Title:       req.Title,
		Description: req.Description,
		Completed:   req.Completed,
	}
	if req.DueDate != nil {
		due, err := parseDueDate(*req.DueDate)
		if err != nil {
			return domain.TaskPatch{}, err
		}
		patch.DueDate = &due
	}
	if v, ok := raw["assigned_to"]; ok {
		switch val := v.(type) {
		case nil:
			patch.ClearAssignee = true
		case string:
			if val == "" {
				patch.ClearAssignee = true
			} else {
				patch.AssignedTo = &val
			}
		default:
			return domain.TaskPatch{}, domain.Invalid("Invalid assignee")
		}
	}
	return patch, nil
}
