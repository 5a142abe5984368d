package board

import (
	"context"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
	"taskboard/storage"
)

// Resolver locates the authoritative copy of a board for a user. A member
// without a local copy gets one cloned from the first other member copy that
// lists them.
type Resolver struct {
	store storage.Store
	log   *log.Logger
}

func NewResolver(st storage.Store, logger *log.Logger) *Resolver {
	if st == nil {
		panic("board.NewResolver: store is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Resolver{store: st, log: logger}
}

// Resolve returns the board as seen by userID together with their access
// level. It fails with NotFound when no copy lists the user and with Forbidden
// when the local copy does not.
func (r *Resolver) Resolve(ctx context.Context, userID, boardID string) (domain.Board, domain.Access, error) {
	doc, err := r.store.Get(ctx, storage.BoardPath(userID, boardID))
	if err != nil {
		return domain.Board{}, 0, domain.Internal(err, "failed to load board")
	}

	var b domain.Board
	if doc != nil {
		if b, err = decodeBoard(*doc); err != nil {
			return domain.Board{}, 0, domain.Internal(err, "failed to load board")
		}
	} else {
		found, ok, err := r.discover(ctx, userID, boardID)
		if err != nil {
			return domain.Board{}, 0, err
		}
		if !ok {
			return domain.Board{}, 0, domain.NotFound("Board not found")
		}
		b = found
	}

	if !b.HasMember(userID) {
		return domain.Board{}, 0, domain.Forbidden("Access denied")
	}
	return b, b.AccessFor(userID), nil
}

// discover scans every user's collection for boardID. There is no board to
// members index, so this is O(users); it runs once per (user, board) pair
// since the clone makes later lookups local.
func (r *Resolver) discover(ctx context.Context, userID, boardID string) (domain.Board, bool, error) {
	users, err := r.store.List(ctx, storage.UsersPath())
	if err != nil {
		return domain.Board{}, false, domain.Internal(err, "failed to list users")
	}

	probed := 0
	for _, u := range users {
		if u.ID == userID {
			continue
		}
		probed++
		doc, err := r.store.Get(ctx, storage.BoardPath(u.ID, boardID))
		if err != nil {
			return domain.Board{}, false, domain.Internal(err, "failed to load board")
		}
		if doc == nil {
			continue
		}
		b, err := decodeBoard(*doc)
		if err != nil {
			return domain.Board{}, false, domain.Internal(err, "failed to load board")
		}
		if !b.HasMember(userID) {
			continue
		}
		if err := r.clone(ctx, u.ID, userID, b); err != nil {
			return domain.Board{}, false, domain.Internal(err, "failed to copy board")
		}
		r.log.WithFields(log.Fields{
			"board":  boardID,
			"user":   userID,
			"owner":  u.ID,
			"probed": probed,
		}).Debug("board copy discovered and cloned")
		return b, true, nil
	}

	r.log.WithFields(log.Fields{"board": boardID, "user": userID, "probed": probed}).Debug("board not found in any member copy")
	return domain.Board{}, false, nil
}

// clone copies the board and its full task set from owner to userID.
func (r *Resolver) clone(ctx context.Context, owner, userID string, b domain.Board) error {
	tasks, err := r.store.List(ctx, storage.TasksPath(owner, b.ID))
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, storage.BoardPath(userID, b.ID), encodeBoard(b)); err != nil {
		return err
	}
	for _, t := range tasks {
		if err := r.store.Set(ctx, storage.TaskPath(userID, b.ID, t.ID), t.Fields); err != nil {
			return err
		}
	}
	return nil
}
