package board

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskboard/domain"
	"taskboard/storage"
)

const (
	tracerName        = "taskboard/board"
	propagateSpanName = "board.propagate"

	DefaultFanoutWorkers = 8
)

var fanoutFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "taskboard",
	Name:      "fanout_failures_total",
	Help:      "Secondary member copy writes that failed during fan-out.",
}, []string{"mutation"})

// Failure is a secondary write that did not reach one member copy.
type Failure struct {
	BoardID  string
	MemberID string
	Actor    string
	Board    domain.Board
	Mutation Mutation
	Err      error
}

// FailureSink receives secondary fan-out failures for later repair.
type FailureSink interface {
	Report(ctx context.Context, f Failure) error
}

// Report summarises one propagation.
type Report struct {
	Targets  int
	Failures []Failure
}

// Synchronizer applies mutations to every member copy of a board. The acting
// member's copy is written first and must succeed; other copies are written
// concurrently and their failures are only reported.
type Synchronizer struct {
	store   storage.Store
	sink    FailureSink
	workers int
	log     *log.Logger
}

func NewSynchronizer(st storage.Store, sink FailureSink, workers int, logger *log.Logger) *Synchronizer {
	if st == nil {
		panic("board.NewSynchronizer: store is nil")
	}
	if workers <= 0 {
		workers = DefaultFanoutWorkers
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Synchronizer{store: st, sink: sink, workers: workers, log: logger}
}

// Propagate applies m to every member copy of b on behalf of actor.
func (s *Synchronizer) Propagate(ctx context.Context, actor string, b domain.Board, m Mutation) (Report, error) {
	kind := KindOf(m)
	ctx, span := otel.Tracer(tracerName).Start(ctx, propagateSpanName, trace.WithAttributes(
		attribute.String("taskboard.board_id", b.ID),
		attribute.String("taskboard.mutation", kind),
	))
	defer span.End()

	targets := targetsFor(b, m)
	rep := Report{Targets: len(targets)}
	span.SetAttributes(attribute.Int("taskboard.fanout.targets", len(targets)))

	secondary := make([]string, 0, len(targets))
	for _, member := range targets {
		if member == actor {
			continue
		}
		secondary = append(secondary, member)
	}
	if len(secondary) < len(targets) {
		if err := s.ApplyMember(ctx, b, actor, m); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "primary write failed")
			return rep, domain.Internal(err, "failed to update board")
		}
	}

	rep.Failures = s.fanOut(ctx, actor, b, m, secondary)
	span.SetAttributes(attribute.Int("taskboard.fanout.failures", len(rep.Failures)))
	if len(rep.Failures) > 0 {
		span.SetStatus(codes.Error, "secondary writes failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}

	// Failures are recorded even when the request context is cancelled.
	reportCtx := context.WithoutCancel(ctx)
	for _, f := range rep.Failures {
		fanoutFailures.WithLabelValues(kind).Inc()
		s.log.WithFields(log.Fields{
			"board":    f.BoardID,
			"member":   f.MemberID,
			"actor":    f.Actor,
			"mutation": kind,
		}).WithError(f.Err).Warn("fan-out write failed")
		if s.sink == nil {
			continue
		}
		if err := s.sink.Report(reportCtx, f); err != nil {
			s.log.WithFields(log.Fields{"board": f.BoardID, "member": f.MemberID}).WithError(err).Error("failed to record fan-out failure")
		}
	}
	return rep, nil
}

func (s *Synchronizer) fanOut(ctx context.Context, actor string, b domain.Board, m Mutation, members []string) []Failure {
	if len(members) == 0 {
		return nil
	}
	workers := min(s.workers, len(members))
	jobs := make(chan string)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failures []Failure
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for member := range jobs {
				if err := s.ApplyMember(ctx, b, member, m); err != nil {
					mu.Lock()
					failures = append(failures, Failure{
						BoardID:  b.ID,
						MemberID: member,
						Actor:    actor,
						Board:    b,
						Mutation: m,
						Err:      err,
					})
					mu.Unlock()
				}
			}
		}()
	}
	for _, member := range members {
		jobs <- member
	}
	close(jobs)
	wg.Wait()

	sort.Slice(failures, func(i, j int) bool { return failures[i].MemberID < failures[j].MemberID })
	return failures
}

// targetsFor lists the members whose copies m touches.
func targetsFor(b domain.Board, m Mutation) []string {
	switch v := m.(type) {
	case AddMember:
		return v.Board.WithMember(v.MemberID).Members
	case RemoveMember:
		return b.WithMember(v.MemberID).Members
	default:
		return b.Members
	}
}

// ApplyMember applies m to the copy of board b owned by member. Every write is
// a full-record set or an idempotent update, so it is safe to replay.
func (s *Synchronizer) ApplyMember(ctx context.Context, b domain.Board, member string, m Mutation) error {
	var err error
	switch v := m.(type) {
	case SetBoardFields:
		err = s.updateBoard(ctx, member, b.ID, v.Fields)
	case PutTask:
		err = s.store.Set(ctx, storage.TaskPath(member, b.ID, v.Task.ID), encodeTask(v.Task))
	case SetTaskFields:
		err = s.setTaskFields(ctx, member, b.ID, v.Base, v.Fields)
	case DeleteTask:
		err = s.store.Delete(ctx, storage.TaskPath(member, b.ID, v.TaskID))
	case AddMember:
		err = s.addMember(ctx, member, v)
	case RemoveMember:
		err = s.removeMember(ctx, member, b, v)
	default:
		err = fmt.Errorf("unsupported mutation %T", m)
	}
	if err != nil {
		return fmt.Errorf("%s for member %s: %w", KindOf(m), member, err)
	}
	return nil
}

// updateBoard skips members without a board copy; the resolver clones the
// board for them on their next access.
func (s *Synchronizer) updateBoard(ctx context.Context, member, boardID string, fields storage.Fields) error {
	err := s.store.Update(ctx, storage.BoardPath(member, boardID), fields)
	if errors.Is(err, storage.ErrNotFound) {
		s.log.WithFields(log.Fields{"board": boardID, "member": member}).Debug("board copy missing, skipping update")
		return nil
	}
	return err
}

func (s *Synchronizer) setTaskFields(ctx context.Context, member, boardID string, base domain.Task, fields storage.Fields) error {
	p := storage.TaskPath(member, boardID, base.ID)
	err := s.store.Update(ctx, p, fields)
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	healed, err := applyTaskFields(base, fields)
	if err != nil {
		return err
	}
	s.log.WithFields(log.Fields{"board": boardID, "member": member, "task": base.ID}).Info("task copy missing, recreating")
	return s.store.Set(ctx, p, encodeTask(healed))
}

// addMember gives the new member a full copy and rewrites the board of the
// others. An existing member whose copy is missing gets a full copy too.
func (s *Synchronizer) addMember(ctx context.Context, member string, v AddMember) error {
	snapshot := v.Board.WithMember(v.MemberID)
	if member != v.MemberID {
		err := s.store.Update(ctx, storage.BoardPath(member, snapshot.ID), encodeBoard(snapshot))
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		s.log.WithFields(log.Fields{"board": snapshot.ID, "member": member}).Info("board copy missing, recreating")
	}
	return s.writeCopy(ctx, member, snapshot, v.Tasks)
}

func (s *Synchronizer) writeCopy(ctx context.Context, member string, b domain.Board, tasks []domain.Task) error {
	if err := s.store.Set(ctx, storage.BoardPath(member, b.ID), encodeBoard(b)); err != nil {
		return err
	}
	for _, t := range tasks {
		if err := s.store.Set(ctx, storage.TaskPath(member, b.ID, t.ID), encodeTask(t)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) removeMember(ctx context.Context, member string, b domain.Board, v RemoveMember) error {
	if member == v.MemberID {
		tasks, err := s.store.List(ctx, storage.TasksPath(member, b.ID))
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if err := s.store.Delete(ctx, t.Path); err != nil {
				return err
			}
		}
		return s.store.Delete(ctx, storage.BoardPath(member, b.ID))
	}

	remaining := b.WithoutMember(v.MemberID)
	err := s.store.Update(ctx, storage.BoardPath(member, b.ID), storage.Fields{domain.FieldMembers: remaining.Members})
	if errors.Is(err, storage.ErrNotFound) {
		s.log.WithFields(log.Fields{"board": b.ID, "member": member}).Debug("board copy missing, skipping member removal")
		return nil
	}
	if err != nil {
		return err
	}
	unassign := storage.Fields{
		domain.FieldAssignedTo:         nil,
		domain.FieldPreviouslyAssigned: v.MemberID,
	}
	for _, t := range v.Reassign {
		if err := s.setTaskFields(ctx, member, b.ID, t, unassign); err != nil {
			return err
		}
	}
	return nil
}
