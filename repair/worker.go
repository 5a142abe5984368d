package repair

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"taskboard/board"
)

// Applier repairs the member copy a failure names. It returns
// board.ErrStaleFailure when the failure no longer applies.
type Applier interface {
	Replay(ctx context.Context, f board.Failure) error
}

const (
	defaultIdleDelay   = time.Second
	defaultMaxAttempts = 10
)

// Worker drains the repair queue. Messages are deleted once replayed; failed
// replays are left for redelivery until MaxAttempts is reached.
type Worker struct {
	queue       Queue
	applier     Applier
	log         *log.Logger
	IdleDelay   time.Duration
	MaxAttempts int64
}

func NewWorker(q Queue, a Applier, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Worker{queue: q, applier: a, log: logger, IdleDelay: defaultIdleDelay, MaxAttempts: defaultMaxAttempts}
}

// Run processes messages until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("repair worker started")
	for {
		handled, err := w.ProcessOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.WithError(err).Error("repair queue receive failed")
		}
		if handled && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			w.log.Info("repair worker stopped")
			return nil
		case <-time.After(w.IdleDelay):
		}
	}
}

// ProcessOne handles at most one message and reports whether there was one.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := w.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	w.handle(ctx, msg)
	return true, nil
}

func (w *Worker) handle(ctx context.Context, msg *azqueue.DequeuedMessage) {
	id, receipt := deref(msg.MessageID), deref(msg.PopReceipt)
	entry := w.log.WithField("message", id)

	f, err := decodeFailure(deref(msg.MessageText))
	if err != nil {
		entry.WithError(err).Error("dropping undecodable repair message")
		w.delete(ctx, entry, id, receipt)
		return
	}
	entry = entry.WithFields(log.Fields{
		"board":    f.Board.ID,
		"member":   f.MemberID,
		"mutation": board.KindOf(f.Mutation),
	})

	err = w.applier.Replay(ctx, f)
	if errors.Is(err, board.ErrStaleFailure) {
		entry.Info("repair superseded by later writes")
		w.delete(ctx, entry, id, receipt)
		return
	}
	if err != nil {
		attempts := int64(0)
		if msg.DequeueCount != nil {
			attempts = *msg.DequeueCount
		}
		if w.MaxAttempts > 0 && attempts >= w.MaxAttempts {
			entry.WithError(err).WithField("attempts", attempts).Error("giving up on repair")
			w.delete(ctx, entry, id, receipt)
			return
		}
		entry.WithError(err).WithField("attempts", attempts).Warn("repair failed, will retry")
		return
	}
	entry.Info("member copy repaired")
	w.delete(ctx, entry, id, receipt)
}

func (w *Worker) delete(ctx context.Context, entry *log.Entry, id, receipt string) {
	if err := w.queue.Delete(ctx, id, receipt); err != nil {
		entry.WithError(err).Error("failed to delete repair message")
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
