package domain

import (
	"slices"
	"time"
)

// Board is a task board as seen through one member's copy.
type Board struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatorID string    `json:"creator_id"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
}

// HasMember reports whether userID is listed in the board's members.
func (b Board) HasMember(userID string) bool {
	return slices.Contains(b.Members, userID)
}

// WithMember returns a copy of the board with userID appended to the members
// set. The creator is kept in first position.
func (b Board) WithMember(userID string) Board {
	out := b
	out.Members = normalizeMembers(b.CreatorID, append(slices.Clone(b.Members), userID))
	return out
}

// WithoutMember returns a copy of the board with userID removed from members.
func (b Board) WithoutMember(userID string) Board {
	out := b
	members := make([]string, 0, len(b.Members))
	for _, m := range b.Members {
		if m != userID {
			members = append(members, m)
		}
	}
	out.Members = normalizeMembers(b.CreatorID, members)
	return out
}

// AccessFor derives the access level a member has on the board.
func (b Board) AccessFor(userID string) Access {
	if userID == b.CreatorID {
		return AccessCreator
	}
	return AccessMember
}

// normalizeMembers dedupes members preserving order and puts the creator first.
func normalizeMembers(creatorID string, members []string) []string {
	out := make([]string, 0, len(members)+1)
	seen := make(map[string]struct{}, len(members)+1)
	if creatorID != "" {
		out = append(out, creatorID)
		seen[creatorID] = struct{}{}
	}
	for _, m := range members {
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// Access is the level of access a member has on a board.
type Access int

const (
	AccessMember Access = iota
	AccessCreator
)

func (a Access) String() string {
	if a == AccessCreator {
		return "creator"
	}
	return "member"
}

// BoardStats summarises the task set of a board.
type BoardStats struct {
	TotalTasks      int `json:"total_tasks"`
	ActiveTasks     int `json:"active_tasks"`
	CompletedTasks  int `json:"completed_tasks"`
	UnassignedTasks int `json:"unassigned_tasks"`
}

// Member describes a board member for listing purposes.
type Member struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	IsCreator bool   `json:"is_creator"`
}
