package board

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"taskboard/domain"
	"taskboard/storage"
)

func TestAddMemberCopiesBoardAndTasks(t *testing.T) {
	env := newTestEnv(t)
	b := env.sharedBoard(t, "Design", "Build", "Ship")

	creator := env.boardCopy(t, "alice", b.ID)
	creatorTasks := env.taskCopies(t, "alice", b.ID)
	require.Len(t, creatorTasks, 3)
	for _, member := range []string{"bob", "carol"} {
		replica := env.boardCopy(t, member, b.ID)
		require.NotNil(t, replica, member)
		assert.Equal(t, creator.Title, replica.Title)
		assert.Equal(t, creator.CreatorID, replica.CreatorID)
		assert.Equal(t, creator.Members, replica.Members)
		assert.Equal(t, creatorTasks, env.taskCopies(t, member, b.ID))
	}
	assert.Equal(t, []string{"alice", "bob", "carol"}, creator.Members)
}

func TestAddMemberPropagationIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.sharedBoard(t, "Design")

	tasks, err := env.svc.ownTasks(ctx, "alice", b.ID)
	require.NoError(t, err)
	orig := env.boardCopy(t, "alice", b.ID).WithoutMember("carol")
	m := AddMember{MemberID: "carol", Board: orig.WithMember("carol"), Tasks: tasks}

	_, err = env.sync.Propagate(ctx, "alice", orig, m)
	require.NoError(t, err)
	once := env.dump(t, "alice", "bob", "carol")

	_, err = env.sync.Propagate(ctx, "alice", orig, m)
	require.NoError(t, err)
	assert.Equal(t, once, env.dump(t, "alice", "bob", "carol"))
}

func TestRemoveMemberUnassignsAndCollects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.sharedBoard(t)

	bob := "bob"
	task, err := env.svc.CreateTask(ctx, "alice", b.ID, domain.TaskInput{
		Title:      "Review",
		DueDate:    time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		AssignedTo: &bob,
	})
	require.NoError(t, err)
	other, err := env.svc.CreateTask(ctx, "alice", b.ID, domain.TaskInput{
		Title:   "Plan",
		DueDate: time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	require.NoError(t, env.svc.RemoveMember(ctx, "alice", b.ID, "bob"))

	for _, member := range []string{"alice", "carol"} {
		replica := env.boardCopy(t, member, b.ID)
		require.NotNil(t, replica)
		assert.Equal(t, []string{"alice", "carol"}, replica.Members)

		tasks := env.taskCopies(t, member, b.ID)
		assert.Nil(t, tasks[task.ID].AssignedTo, member)
		assert.Equal(t, "bob", tasks[task.ID].PreviouslyAssigned, member)
		assert.Empty(t, tasks[other.ID].PreviouslyAssigned, member)
	}
	assert.Nil(t, env.boardCopy(t, "bob", b.ID))
	assert.Empty(t, env.taskCopies(t, "bob", b.ID))
}

func TestSecondaryFailureIsIsolated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.sharedBoard(t)

	before := testutil.ToFloat64(fanoutFailures.WithLabelValues(KindPutTask))
	env.store.setFailing("bob", true)

	task := domain.Task{ID: "t-1", Title: "Isolated", CreatedBy: "alice", DueDate: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	rep, err := env.sync.Propagate(ctx, "alice", b, PutTask{Task: task})
	require.NoError(t, err)

	assert.Equal(t, 3, rep.Targets)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, "bob", rep.Failures[0].MemberID)
	assert.ErrorIs(t, rep.Failures[0].Err, errBoom)

	assert.Contains(t, env.taskCopies(t, "alice", b.ID), "t-1")
	assert.Contains(t, env.taskCopies(t, "carol", b.ID), "t-1")
	assert.NotContains(t, env.taskCopies(t, "bob", b.ID), "t-1")

	sunk := env.sink.all()
	require.Len(t, sunk, 1)
	assert.Equal(t, "bob", sunk[0].MemberID)
	assert.Equal(t, "alice", sunk[0].Actor)
	assert.Equal(t, before+1, testutil.ToFloat64(fanoutFailures.WithLabelValues(KindPutTask)))

	// Replaying the recorded failure repairs the copy.
	env.store.setFailing("bob", false)
	require.NoError(t, env.sync.Replay(ctx, sunk[0]))
	assert.Equal(t, env.taskCopies(t, "alice", b.ID)["t-1"], env.taskCopies(t, "bob", b.ID)["t-1"])
}

func TestReplayAfterDeleteLeavesNoTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.sharedBoard(t)

	env.store.setFailing("bob", true)
	task := domain.Task{ID: "t-1", Title: "Ghost", CreatedBy: "alice", DueDate: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	_, err := env.sync.Propagate(ctx, "alice", b, PutTask{Task: task})
	require.NoError(t, err)
	sunk := env.sink.all()
	require.Len(t, sunk, 1)
	env.store.setFailing("bob", false)

	require.NoError(t, env.svc.DeleteTask(ctx, "alice", b.ID, "t-1"))
	require.NoError(t, env.sync.Replay(ctx, sunk[0]))

	for _, member := range []string{"alice", "bob", "carol"} {
		assert.NotContains(t, env.taskCopies(t, member, b.ID), "t-1", member)
	}
}

func TestReplayAfterMemberRemovalIsStale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.sharedBoard(t, "Draft")

	env.store.setFailing("carol", true)
	require.NoError(t, env.svc.UpdateBoard(ctx, "alice", b.ID, "Renamed"))
	sunk := env.sink.all()
	require.Len(t, sunk, 1)
	env.store.setFailing("carol", false)

	require.NoError(t, env.svc.RemoveMember(ctx, "alice", b.ID, "carol"))
	assert.ErrorIs(t, env.sync.Replay(ctx, sunk[0]), ErrStaleFailure)
	assert.Nil(t, env.boardCopy(t, "carol", b.ID))
	assert.Empty(t, env.taskCopies(t, "carol", b.ID))
}

func TestAddMemberRecreatesMissingMemberCopy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	b, err := env.svc.CreateBoard(ctx, "alice", "Roadmap")
	require.NoError(t, err)
	_, err = env.svc.CreateTask(ctx, "alice", b.ID, domain.TaskInput{Title: "Design", DueDate: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.NoError(t, env.svc.AddMember(ctx, "alice", b.ID, "bob@example.com"))
	require.NoError(t, env.mem.Delete(ctx, storage.BoardPath("bob", b.ID)))

	require.NoError(t, env.svc.AddMember(ctx, "alice", b.ID, "carol@example.com"))

	creator := env.boardCopy(t, "alice", b.ID)
	for _, member := range []string{"bob", "carol"} {
		replica := env.boardCopy(t, member, b.ID)
		require.NotNil(t, replica, member)
		assert.Equal(t, creator.Title, replica.Title, member)
		assert.Equal(t, creator.CreatorID, replica.CreatorID, member)
		assert.Equal(t, []string{"alice", "bob", "carol"}, replica.Members, member)
		assert.Equal(t, env.taskCopies(t, "alice", b.ID), env.taskCopies(t, member, b.ID), member)
	}
}

func TestPrimaryFailureFailsPropagation(t *testing.T) {
	env := newTestEnv(t)
	b := env.sharedBoard(t)
	env.store.setFailing("alice", true)

	_, err := env.sync.Propagate(context.Background(), "alice", b, SetBoardFields{Fields: storage.Fields{domain.FieldTitle: "New"}})
	require.Error(t, err)
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))
	assert.Equal(t, "Roadmap", env.boardCopy(t, "bob", b.ID).Title, "secondaries must not run after a failed primary write")
}

func TestSetTaskFieldsRecreatesMissingCopy(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.sharedBoard(t, "Draft")

	var taskID string
	for id := range env.taskCopies(t, "alice", b.ID) {
		taskID = id
	}
	require.NoError(t, env.mem.Delete(ctx, storage.TaskPath("carol", b.ID, taskID)))

	done := true
	updated, err := env.svc.UpdateTask(ctx, "alice", b.ID, taskID, domain.TaskPatch{Completed: &done})
	require.NoError(t, err)
	assert.True(t, updated.Completed)
	require.NotNil(t, updated.CompletedAt)

	healed, ok := env.taskCopies(t, "carol", b.ID)[taskID]
	require.True(t, ok, "missing copy should be recreated")
	assert.Equal(t, "Draft", healed.Title)
	assert.True(t, healed.Completed)
	assert.Equal(t, env.taskCopies(t, "alice", b.ID)[taskID], healed)
}

func TestSetBoardFieldsSkipsMissingCopies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	b := env.sharedBoard(t)
	require.NoError(t, env.mem.Delete(ctx, storage.BoardPath("carol", b.ID)))

	rep, err := env.sync.Propagate(ctx, "alice", b, SetBoardFields{Fields: storage.Fields{domain.FieldTitle: "Renamed"}})
	require.NoError(t, err)
	assert.Empty(t, rep.Failures)
	assert.Equal(t, "Renamed", env.boardCopy(t, "bob", b.ID).Title)
	assert.Nil(t, env.boardCopy(t, "carol", b.ID))
}

func TestPropagateRecordsSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})

	env := newTestEnv(t)
	b := env.sharedBoard(t)
	exporter.Reset()
	env.store.setFailing("carol", true)

	_, err := env.sync.Propagate(context.Background(), "alice", b, DeleteTask{TaskID: "gone"})
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, propagateSpanName, spans[0].Name)
	attrs := map[string]any{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, KindDeleteTask, attrs["taskboard.mutation"])
	assert.Equal(t, int64(3), attrs["taskboard.fanout.targets"])
	assert.Equal(t, int64(1), attrs["taskboard.fanout.failures"])
}

func TestMutationEncodingRestoresTimestamps(t *testing.T) {
	due := time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC)
	m := SetTaskFields{
		TaskID: "t1",
		Fields: storage.Fields{domain.FieldDueDate: due, domain.FieldAssignedTo: nil},
		Base:   domain.Task{ID: "t1", Title: "Pay", DueDate: due},
	}

	kind, data, err := EncodeMutation(m)
	require.NoError(t, err)
	assert.Equal(t, KindSetTaskFields, kind)

	decoded, err := DecodeMutation(kind, data)
	require.NoError(t, err)
	got, ok := decoded.(SetTaskFields)
	require.True(t, ok)
	assert.Equal(t, due, got.Fields[domain.FieldDueDate])
	assert.Contains(t, got.Fields, domain.FieldAssignedTo)
	assert.Equal(t, "Pay", got.Base.Title)

	_, err = DecodeMutation("unknown", data)
	assert.Error(t, err)
}
