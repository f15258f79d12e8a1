package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamline/internal/config"
	"teamline/internal/db"
	"teamline/internal/domain"
	"teamline/internal/engine"
	"teamline/internal/migrate"
	"teamline/internal/pipeline"
	"teamline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	cfg := config.Default()
	for _, m := range mutate {
		m(cfg)
	}
	eng, err := engine.New(conn, cfg)
	require.NoError(t, err)
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) create(t *testing.T, id, mission string, deps ...string) domain.WorkItem {
	t.Helper()
	it, err := env.Engine.CreateItem(env.Ctx, engine.CreateItemOptions{ID: id, MissionID: mission, Title: "item " + id, DependsOn: deps, ActorID: "face"})
	require.NoError(t, err, "create %s", id)
	return it
}

// walk moves an item along the given stages.
func (env testEnv) walk(t *testing.T, id string, stages ...domain.Stage) {
	t.Helper()
	for _, s := range stages {
		_, err := env.Engine.Move(env.Ctx, engine.MoveOptions{ItemID: id, To: s, ActorID: "hannibal"})
		require.NoError(t, err, "move %s to %s", id, s)
	}
}

func (env testEnv) stage(t *testing.T, id string) domain.Stage {
	t.Helper()
	it, err := env.Engine.GetItem(env.Ctx, id)
	require.NoError(t, err)
	return it.Stage
}

func (env testEnv) missionReady(t *testing.T, id string) {
	t.Helper()
	_, err := env.Engine.RecordFinalReview(env.Ctx, id, "approved", "lynch")
	require.NoError(t, err)
	_, err = env.Engine.RecordPostcheck(env.Ctx, id, domain.PostcheckResult{Passed: true}, "hannibal")
	require.NoError(t, err)
}

var (
	toImplementing = []domain.Stage{domain.StageReady, domain.StageTesting, domain.StageImplementing}
	toDone         = []domain.Stage{domain.StageReady, domain.StageTesting, domain.StageImplementing, domain.StageReview, domain.StageDone}
)

func TestCreateOnlyInInitialStage(t *testing.T) {
	env := newTestEnv(t)
	it := env.create(t, "001", "")
	assert.Equal(t, domain.StageBacklog, it.Stage)

	_, err := env.Engine.CreateItem(env.Ctx, engine.CreateItemOptions{ID: "002", Title: "x", Stage: domain.StageReview})
	var te *pipeline.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, domain.StageBacklog, te.Hint)
	_, err = env.Engine.GetItem(env.Ctx, "002")
	assert.Equal(t, "ITEM_NOT_FOUND", engine.Code(err))

	_, err = env.Engine.CreateItem(env.Ctx, engine.CreateItemOptions{ID: "001", Title: "dup"})
	assert.Equal(t, "VALIDATION_FAILED", engine.Code(err), "duplicate id")
	_, err = env.Engine.CreateItem(env.Ctx, engine.CreateItemOptions{ID: "003", Title: "x", DependsOn: []string{"nope"}})
	assert.Equal(t, "VALIDATION_FAILED", engine.Code(err), "unknown dependency")
	_, err = env.Engine.CreateItem(env.Ctx, engine.CreateItemOptions{ID: "004", Title: "x", MissionID: "M-none"})
	assert.Equal(t, "MISSION_NOT_FOUND", engine.Code(err))
}

func TestIllegalMoveLeavesItemUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "001", "")
	_, err := env.Engine.Move(env.Ctx, engine.MoveOptions{ItemID: "001", To: domain.StageDone})
	var te *pipeline.TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "INVALID_TRANSITION", engine.Code(err))
	assert.NotEmpty(t, te.Hint)
	assert.Equal(t, domain.StageBacklog, env.stage(t, "001"))

	_, err = env.Engine.Move(env.Ctx, engine.MoveOptions{ItemID: "001", To: "nowhere"})
	assert.Equal(t, "VALIDATION_FAILED", engine.Code(err), "unknown stage")
	_, err = env.Engine.Move(env.Ctx, engine.MoveOptions{ItemID: "missing", To: domain.StageReady})
	assert.Equal(t, "ITEM_NOT_FOUND", engine.Code(err))

	res, err := env.Engine.Move(env.Ctx, engine.MoveOptions{ItemID: "001", To: domain.StageReady})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, domain.StageBacklog, res.From)
	assert.Equal(t, domain.StageReady, res.To)
}

func TestWIPCeilingRefusesMove(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateMission(env.Ctx, engine.CreateMissionOptions{
		ID: "M-1", WIPLimits: map[domain.Stage]int{domain.StageImplementing: 2},
	})
	require.NoError(t, err)
	for _, id := range []string{"001", "002", "007"} {
		env.create(t, id, "M-1")
	}
	env.walk(t, "001", toImplementing...)
	env.walk(t, "002", toImplementing...)
	env.walk(t, "007", domain.StageReady, domain.StageTesting)

	_, err = env.Engine.Move(env.Ctx, engine.MoveOptions{ItemID: "007", To: domain.StageImplementing})
	var wip *pipeline.WIPLimitError
	require.ErrorAs(t, err, &wip)
	assert.Equal(t, 2, wip.Limit)
	assert.Equal(t, domain.StageImplementing, wip.Stage)
	assert.Equal(t, "WIP_LIMIT_EXCEEDED", engine.Code(err))
	assert.Equal(t, domain.StageTesting, env.stage(t, "007"))

	// Items outside the mission do not count toward its ceiling.
	env.create(t, "100", "")
	env.walk(t, "100", toImplementing...)

	stats, err := env.Engine.Stats(env.Ctx, "M-1")
	require.NoError(t, err)
	for _, s := range stats {
		if s.Stage != domain.StageImplementing {
			continue
		}
		assert.Equal(t, 2, s.Count)
		require.NotNil(t, s.Limit)
		assert.Equal(t, 2, *s.Limit)
	}
}

func TestClaimConflictNamesOwner(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "010", "")
	env.walk(t, "010", domain.StageReady, domain.StageTesting)

	_, err := env.Engine.Claim(env.Ctx, "010", "murdock")
	require.NoError(t, err)
	_, err = env.Engine.Claim(env.Ctx, "010", "ba")
	var ce *engine.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "murdock", ce.Owner)
	assert.EqualError(t, err, "already claimed by murdock")

	it, err := env.Engine.GetItem(env.Ctx, "010")
	require.NoError(t, err)
	require.NotNil(t, it.Owner)
	assert.Equal(t, "murdock", *it.Owner)
}

func TestClaimAndReleaseAreIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "001", "")
	for i := 0; i < 2; i++ {
		res, err := env.Engine.Claim(env.Ctx, "001", "BA")
		require.NoError(t, err, "claim %d", i)
		assert.True(t, res.Success)
		assert.Equal(t, "ba", res.Agent)
	}
	for i := 0; i < 2; i++ {
		_, err := env.Engine.Release(env.Ctx, "001", "ba")
		require.NoError(t, err, "release %d", i)
	}
	it, err := env.Engine.GetItem(env.Ctx, "001")
	require.NoError(t, err)
	assert.Nil(t, it.Owner)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{EntityID: "001"})
	require.NoError(t, err)
	counts := map[string]int{}
	for _, e := range evts {
		counts[e.Type]++
	}
	assert.Equal(t, 1, counts["item.claimed"])
	assert.Equal(t, 1, counts["item.released"])
}

func TestClaimRefusesTerminalItems(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "001", "")
	env.walk(t, "001", toDone...)
	_, err := env.Engine.Claim(env.Ctx, "001", "ba")
	assert.Equal(t, "ITEM_NOT_ACTIVE", engine.Code(err))
}

func TestClaimDependencyGate(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Claims.RequireDependenciesDone = true })
	env.create(t, "001", "")
	env.create(t, "002", "", "001")
	_, err := env.Engine.Claim(env.Ctx, "002", "ba")
	var de *engine.DependencyError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, []string{"001"}, de.Pending)

	env.walk(t, "001", toDone...)
	_, err = env.Engine.Claim(env.Ctx, "002", "ba")
	require.NoError(t, err, "claim after deps done")

	open := newTestEnv(t)
	open.create(t, "001", "")
	open.create(t, "002", "", "001")
	_, err = open.Engine.Claim(open.Ctx, "002", "ba")
	require.NoError(t, err, "claim without gate")
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "001", "")
	agents := []string{"ba", "murdock", "lynch", "amy"}
	var wg sync.WaitGroup
	errs := make([]error, len(agents))
	for i, a := range agents {
		wg.Add(1)
		go func(i int, a string) {
			defer wg.Done()
			_, errs[i] = env.Engine.Claim(env.Ctx, "001", a)
		}(i, a)
	}
	wg.Wait()
	winners := 0
	for i, err := range errs {
		if err == nil {
			winners++
			continue
		}
		assert.Equal(t, "ALREADY_CLAIMED", engine.Code(err), "agent %s: %v", agents[i], err)
	}
	assert.Equal(t, 1, winners)
}

func TestRejectReturnsThenEscalates(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "025", "")
	env.walk(t, "025", domain.StageReady, domain.StageTesting, domain.StageImplementing, domain.StageReview)
	_, err := env.Engine.Claim(env.Ctx, "025", "lynch")
	require.NoError(t, err)

	res, err := env.Engine.Reject(env.Ctx, engine.RejectOptions{ItemID: "025", Reason: "missing tests", Agent: "lynch", ReturnTo: domain.StageImplementing})
	require.NoError(t, err)
	assert.False(t, res.Escalated)
	assert.Equal(t, 1, res.Item.RejectionCount)
	assert.Equal(t, domain.StageImplementing, res.Item.Stage)

	env.walk(t, "025", domain.StageReview)
	res, err = env.Engine.Reject(env.Ctx, engine.RejectOptions{ItemID: "025", Reason: "still failing", Agent: "lynch"})
	require.NoError(t, err)
	assert.True(t, res.Escalated)
	assert.Equal(t, 2, res.Item.RejectionCount)
	assert.Equal(t, domain.StageBlocked, res.Item.Stage)
	assert.Nil(t, res.Item.Owner)
	var outcomes []string
	for _, e := range res.Item.WorkLog {
		outcomes = append(outcomes, e.Outcome)
	}
	require.Len(t, outcomes, 3)
	assert.Equal(t, "escalated", outcomes[2])

	_, err = env.Engine.Reject(env.Ctx, engine.RejectOptions{ItemID: "025", Reason: "again", Agent: "lynch"})
	assert.Equal(t, "ITEM_NOT_ACTIVE", engine.Code(err))
}

func TestRejectWithIllegalReturnIsAtomic(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "001", "")
	env.walk(t, "001", domain.StageReady, domain.StageTesting)
	_, err := env.Engine.Reject(env.Ctx, engine.RejectOptions{ItemID: "001", Reason: "bad", Agent: "lynch", ReturnTo: domain.StageDone})
	assert.Equal(t, "INVALID_TRANSITION", engine.Code(err))

	it, err := env.Engine.GetItem(env.Ctx, "001")
	require.NoError(t, err)
	assert.Zero(t, it.RejectionCount)
	assert.Empty(t, it.WorkLog)
	assert.Equal(t, domain.StageTesting, it.Stage)
}

func TestAppendLog(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "001", "")
	it, err := env.Engine.AppendLog(env.Ctx, "001", domain.WorkLogEntry{Agent: "Murdock", Outcome: "started", Summary: "writing tests"})
	require.NoError(t, err)
	require.Len(t, it.WorkLog, 1)
	assert.Equal(t, "murdock", it.WorkLog[0].Agent)

	_, err = env.Engine.AppendLog(env.Ctx, "001", domain.WorkLogEntry{Agent: "ba", Outcome: "shipped", Summary: "x"})
	assert.Equal(t, "VALIDATION_FAILED", engine.Code(err))
}

func TestMissionCompletion(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateMission(env.Ctx, engine.CreateMissionOptions{ID: "M-1", Title: "ship"})
	require.NoError(t, err)
	env.create(t, "001", "M-1")

	_, err = env.Engine.CompleteMission(env.Ctx, "M-1", "hannibal")
	var inc *engine.MissionIncompleteError
	require.ErrorAs(t, err, &inc)
	assert.Len(t, inc.Reasons, 3)

	env.walk(t, "001", toDone...)
	_, err = env.Engine.RecordFinalReview(env.Ctx, "M-1", "rejected", "lynch")
	require.NoError(t, err)
	_, err = env.Engine.RecordPostcheck(env.Ctx, "M-1", domain.PostcheckResult{Passed: true, Checks: []string{"lint", "test"}}, "hannibal")
	require.NoError(t, err)
	_, err = env.Engine.CompleteMission(env.Ctx, "M-1", "hannibal")
	require.ErrorAs(t, err, &inc, "rejected review blocks completion")
	assert.Len(t, inc.Reasons, 1)

	_, err = env.Engine.RecordFinalReview(env.Ctx, "M-1", "approved", "lynch")
	require.NoError(t, err)
	m, err := env.Engine.CompleteMission(env.Ctx, "M-1", "hannibal")
	require.NoError(t, err)
	assert.Equal(t, domain.MissionComplete, m.Status)
	assert.NotNil(t, m.CompletedAt)

	_, err = env.Engine.SetMissionStatus(env.Ctx, "M-1", domain.MissionActive, "hannibal")
	assert.Equal(t, "INVALID_MISSION_TRANSITION", engine.Code(err), "complete is final")
}

func TestCompletedMissionIsClosed(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateMission(env.Ctx, engine.CreateMissionOptions{ID: "M-1"})
	require.NoError(t, err)
	env.create(t, "001", "M-1")
	env.walk(t, "001", toDone...)
	env.missionReady(t, "M-1")
	_, err = env.Engine.CompleteMission(env.Ctx, "M-1", "hannibal")
	require.NoError(t, err)

	_, err = env.Engine.CreateItem(env.Ctx, engine.CreateItemOptions{ID: "002", MissionID: "M-1", Title: "late"})
	var closed *engine.MissionClosedError
	require.ErrorAs(t, err, &closed)
	assert.Equal(t, "MISSION_COMPLETE", engine.Code(err))
	_, err = env.Engine.GetItem(env.Ctx, "002")
	assert.Equal(t, "ITEM_NOT_FOUND", engine.Code(err))

	for i := 0; i < 2; i++ {
		_, err := env.Engine.Reject(env.Ctx, engine.RejectOptions{ItemID: "001", Reason: "regression", Agent: "lynch"})
		assert.Equal(t, "MISSION_COMPLETE", engine.Code(err), "reject %d", i)
	}
	it, err := env.Engine.GetItem(env.Ctx, "001")
	require.NoError(t, err)
	assert.Equal(t, domain.StageDone, it.Stage)
	assert.Zero(t, it.RejectionCount)

	// Items outside any mission are unaffected.
	env.create(t, "003", "")
}

func TestMissionStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateMission(env.Ctx, engine.CreateMissionOptions{ID: "M-1"})
	require.NoError(t, err)
	active, err := env.Engine.Repo.MissionActive(env.Ctx)
	require.NoError(t, err)
	assert.True(t, active)

	m, err := env.Engine.SetMissionStatus(env.Ctx, "M-1", domain.MissionPaused, "hannibal")
	require.NoError(t, err)
	assert.Equal(t, domain.MissionPaused, m.Status)
	active, err = env.Engine.Repo.MissionActive(env.Ctx)
	require.NoError(t, err)
	assert.False(t, active, "paused mission reported active")

	_, err = env.Engine.SetMissionStatus(env.Ctx, "M-1", domain.MissionComplete, "hannibal")
	assert.Equal(t, "INVALID_MISSION_TRANSITION", engine.Code(err), "completion via status")
	_, err = env.Engine.CreateMission(env.Ctx, engine.CreateMissionOptions{ID: "M-2", WIPLimits: map[domain.Stage]int{"nowhere": 1}})
	assert.Equal(t, "VALIDATION_FAILED", engine.Code(err), "unknown stage")

	list, err := env.Engine.ListMissions(env.Ctx, domain.MissionPaused)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
