package board

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/storage"
)

// ErrStaleFailure is returned by Replay when later writes made a recorded
// failure obsolete.
var ErrStaleFailure = errors.New("failure superseded by later writes")

// Replay repairs the member copy named by f from the actor's current copy
// rather than from the recorded payload, so a late replay cannot restore a
// deleted task or overwrite newer values. Task mutations converge on the
// actor's task: it is copied when present and removed when gone.
func (s *Synchronizer) Replay(ctx context.Context, f Failure) error {
	boardID := f.Board.ID
	if boardID == "" {
		boardID = f.BoardID
	}
	actor := f.Actor
	if actor == "" {
		actor = f.Board.CreatorID
	}
	member := f.MemberID

	doc, err := s.store.Get(ctx, storage.BoardPath(actor, boardID))
	if err != nil {
		return err
	}
	if doc == nil {
		return ErrStaleFailure
	}
	cur, err := decodeBoard(*doc)
	if err != nil {
		return err
	}

	if rm, ok := f.Mutation.(RemoveMember); ok && rm.MemberID == member {
		if cur.HasMember(member) {
			return ErrStaleFailure
		}
		return s.ApplyMember(ctx, cur, member, RemoveMember{MemberID: member})
	}
	if !cur.HasMember(member) {
		return ErrStaleFailure
	}

	entry := s.log.WithFields(log.Fields{"board": boardID, "member": member, "actor": actor, "mutation": KindOf(f.Mutation)})
	switch v := f.Mutation.(type) {
	case SetBoardFields:
		return s.updateBoard(ctx, member, boardID, encodeBoard(cur))
	case PutTask:
		return s.syncTask(ctx, entry, actor, member, boardID, v.Task.ID)
	case SetTaskFields:
		return s.syncTask(ctx, entry, actor, member, boardID, v.TaskID)
	case DeleteTask:
		return s.syncTask(ctx, entry, actor, member, boardID, v.TaskID)
	case AddMember:
		if !cur.HasMember(v.MemberID) {
			return s.updateBoard(ctx, member, boardID, encodeBoard(cur))
		}
		tasks, err := s.tasksOf(ctx, actor, boardID)
		if err != nil {
			return err
		}
		return s.ApplyMember(ctx, cur, member, AddMember{MemberID: v.MemberID, Board: cur, Tasks: tasks})
	case RemoveMember:
		if err := s.updateBoard(ctx, member, boardID, encodeBoard(cur)); err != nil {
			return err
		}
		for _, t := range v.Reassign {
			if err := s.syncTask(ctx, entry, actor, member, boardID, t.ID); err != nil {
				return err
			}
		}
		return nil
	default:
		return s.ApplyMember(ctx, cur, member, f.Mutation)
	}
}

// syncTask makes the member's copy of a task match the actor's.
func (s *Synchronizer) syncTask(ctx context.Context, entry *log.Entry, actor, member, boardID, taskID string) error {
	src, err := s.store.Get(ctx, storage.TaskPath(actor, boardID, taskID))
	if err != nil {
		return err
	}
	dst := storage.TaskPath(member, boardID, taskID)
	if src == nil {
		entry.WithField("task", taskID).Debug("task gone from actor copy, removing")
		return s.store.Delete(ctx, dst)
	}
	return s.store.Set(ctx, dst, src.Fields)
}

func (s *Synchronizer) tasksOf(ctx context.Context, userID, boardID string) ([]domain.Task, error) {
	docs, err := s.store.List(ctx, storage.TasksPath(userID, boardID))
	if err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(docs))
	for _, d := range docs {
		t, err := decodeTask(d)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
