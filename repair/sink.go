package repair

import (
	"context"

	log "github.com/sirupsen/logrus"

	"taskboard/board"
)

// Sink records secondary fan-out failures. It satisfies board.FailureSink.
type Sink interface {
	Report(ctx context.Context, f board.Failure) error
}

var (
	_ Sink = LogSink{}
	_ Sink = (*QueueSink)(nil)
)

// LogSink only logs failures; the copies are left to the lazy repair paths
// (resolver re-clone, self-healing updates).
type LogSink struct {
	Log *log.Logger
}

func (s LogSink) Report(_ context.Context, f board.Failure) error {
	logger := s.Log
	if logger == nil {
		logger = log.StandardLogger()
	}
	logger.WithFields(log.Fields{
		"board":    f.BoardID,
		"member":   f.MemberID,
		"actor":    f.Actor,
		"mutation": board.KindOf(f.Mutation),
	}).WithError(f.Err).Error("member copy left stale")
	return nil
}

// QueueSink enqueues each failure so the repair worker can replay it.
type QueueSink struct {
	queue Queue
}

func NewQueueSink(q Queue) *QueueSink {
	if q == nil {
		panic("repair.NewQueueSink: queue is nil")
	}
	return &QueueSink{queue: q}
}

func (s *QueueSink) Report(ctx context.Context, f board.Failure) error {
	text, err := encodeFailure(f)
	if err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, text)
}
