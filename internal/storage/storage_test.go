package storage_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokoro-ai/kokoro/internal/graph"
	"github.com/kokoro-ai/kokoro/internal/integrity"
	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/storage"
	"github.com/kokoro-ai/kokoro/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	db, err := tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	testDB = db

	code := m.Run()

	db.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

// testVector builds a throwaway embedding matching the schema's dimensions.
func testVector() pgvector.Vector {
	return pgvector.NewVector(make([]float32, 1024))
}

func createTestMemory(t *testing.T, userID uuid.UUID, content string) model.Memory {
	t.Helper()
	mem, err := testDB.CreateMemoryWithOutbox(context.Background(), model.Memory{
		UserID:  userID,
		Content: content,
		Valence: 0.4,
	}, "")
	require.NoError(t, err)
	return mem
}

func TestMemoryOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	mem := createTestMemory(t, userID, "I adopted a cat named Mochi")

	// Fast path leaves the memory pending with exactly one pending event.
	got, err := testDB.GetMemory(ctx, userID, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MemoryPending, got.Status)
	assert.Nil(t, got.CommittedAt)

	events, err := testDB.LeaseOutboxEvents(ctx, 10)
	require.NoError(t, err)
	var ev model.OutboxEvent
	for _, e := range events {
		if e.MemoryID == mem.ID {
			ev = e
		}
	}
	require.NotZero(t, ev.ID, "outbox event for the new memory must be leased")
	assert.Equal(t, model.OutboxUpsert, ev.Kind)
	assert.Equal(t, model.OutboxProcessing, ev.Status)
	assert.Equal(t, mem.Content, ev.Payload.Content)

	// A leased event is invisible to other workers.
	again, err := testDB.LeaseOutboxEvents(ctx, 10)
	require.NoError(t, err)
	for _, e := range again {
		assert.NotEqual(t, ev.ID, e.ID, "leased event must not be handed out twice")
	}

	// Per-sink checkpoints then completion.
	require.NoError(t, testDB.MarkVectorWritten(ctx, ev.ID))
	require.NoError(t, testDB.MarkGraphWritten(ctx, ev.ID))
	require.NoError(t, testDB.CompleteOutboxEvent(ctx, ev))

	got, err = testDB.GetMemory(ctx, userID, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MemoryCommitted, got.Status)
	require.NotNil(t, got.CommittedAt)

	done, err := testDB.GetOutboxEventByMemory(ctx, userID, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxDone, done.Status)
	assert.NotNil(t, done.VectorWrittenAt)
	assert.NotNil(t, done.GraphWrittenAt)
}

func TestOutboxRetryBackoffAndDLQ(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	mem := createTestMemory(t, userID, "transient failure fodder")
	events, err := testDB.LeaseOutboxEvents(ctx, 50)
	require.NoError(t, err)
	var ev model.OutboxEvent
	for _, e := range events {
		if e.MemoryID == mem.ID {
			ev = e
		}
	}
	require.NotZero(t, ev.ID)

	// First failure returns the event to pending with backoff.
	require.NoError(t, testDB.FailOutboxEvent(ctx, ev.ID, errors.New("llm timeout"), 2, time.Millisecond))
	after, err := testDB.GetOutboxEventByMemory(ctx, userID, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxPending, after.Status)
	assert.Equal(t, 1, after.RetryCount)
	require.NotNil(t, after.ErrorMessage)
	assert.Contains(t, *after.ErrorMessage, "llm timeout")

	// Second failure exhausts maxRetries=2 and dead-letters.
	require.NoError(t, testDB.FailOutboxEvent(ctx, ev.ID, errors.New("llm timeout"), 2, time.Millisecond))
	after, err = testDB.GetOutboxEventByMemory(ctx, userID, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxDLQ, after.Status)
}

func TestFailOutboxEventPermanentGoesStraightToDLQ(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	mem := createTestMemory(t, userID, "permanent failure fodder")
	events, err := testDB.LeaseOutboxEvents(ctx, 50)
	require.NoError(t, err)
	var ev model.OutboxEvent
	for _, e := range events {
		if e.MemoryID == mem.ID {
			ev = e
		}
	}
	require.NotZero(t, ev.ID)

	// maxRetries=1 is how the worker encodes "do not retry".
	require.NoError(t, testDB.FailOutboxEvent(ctx, ev.ID, errors.New("schema rejected"), 1, time.Second))
	after, err := testDB.GetOutboxEventByMemory(ctx, userID, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxDLQ, after.Status)
}

func TestMarkPendingReview(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	mem := createTestMemory(t, userID, "ambiguous extraction fodder")
	events, err := testDB.LeaseOutboxEvents(ctx, 50)
	require.NoError(t, err)
	var ev model.OutboxEvent
	for _, e := range events {
		if e.MemoryID == mem.ID {
			ev = e
		}
	}
	require.NotZero(t, ev.ID)

	require.NoError(t, testDB.MarkPendingReview(ctx, ev.ID, errors.New("malformed extraction json")))
	after, err := testDB.GetOutboxEventByMemory(ctx, userID, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxPendingReview, after.Status)

	// Parked events never come back through the lease query.
	again, err := testDB.LeaseOutboxEvents(ctx, 50)
	require.NoError(t, err)
	for _, e := range again {
		assert.NotEqual(t, ev.ID, e.ID)
	}
}

func TestReclaimStaleLeases(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	mem := createTestMemory(t, userID, "crashed worker fodder")
	events, err := testDB.LeaseOutboxEvents(ctx, 50)
	require.NoError(t, err)
	var found bool
	for _, e := range events {
		if e.MemoryID == mem.ID {
			found = true
		}
	}
	require.True(t, found)

	// Zero lease timeout reclaims anything currently processing.
	n, err := testDB.ReclaimStaleLeases(ctx, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))

	after, err := testDB.GetOutboxEventByMemory(ctx, userID, mem.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxPending, after.Status)
}

func TestIdempotencyRoundTrip(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	key := "idem-" + uuid.NewString()
	ttl := time.Hour

	// Fresh key: no replay.
	res, err := testDB.BeginIdempotent(ctx, userID, key, ttl)
	require.NoError(t, err)
	assert.False(t, res.Replay)

	// Concurrent duplicate while in progress.
	_, err = testDB.BeginIdempotent(ctx, userID, key, ttl)
	require.ErrorIs(t, err, storage.ErrIdempotencyInProgress)

	// Same key from a different user never collides.
	_, err = testDB.BeginIdempotent(ctx, uuid.New(), key, ttl)
	require.NoError(t, err)

	memoryID := uuid.New()
	body := []byte(`{"reply":"of course I remember"}`)
	require.NoError(t, testDB.CompleteIdempotent(ctx, userID, key, memoryID, "abc123", body))

	// Replay within TTL returns the stored response.
	res, err = testDB.BeginIdempotent(ctx, userID, key, ttl)
	require.NoError(t, err)
	assert.True(t, res.Replay)
	require.NotNil(t, res.MemoryID)
	assert.Equal(t, memoryID, *res.MemoryID)
	assert.Equal(t, "abc123", res.ReplyHash)
	assert.Equal(t, body, res.Response)

	// Clearing frees the key for a fresh attempt.
	require.NoError(t, testDB.ClearIdempotent(ctx, userID, key))
	res, err = testDB.BeginIdempotent(ctx, userID, key, ttl)
	require.NoError(t, err)
	assert.False(t, res.Replay)
}

func TestSoftDeleteMemoriesAuditAndDrain(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	m1 := createTestMemory(t, userID, "I live in Osaka")
	m2 := createTestMemory(t, userID, "my sister visits every spring")
	keep := createTestMemory(t, userID, "untouched memory")

	audit, err := testDB.SoftDeleteMemories(ctx, userID, []uuid.UUID{m1.ID, m2.ID}, false)
	require.NoError(t, err)
	assert.Equal(t, model.DeletionByIDs, audit.DeletionType)
	assert.Equal(t, model.DeletionAccepted, audit.Status)
	assert.Len(t, audit.AffectedRecords, 2)

	// The audit hash must be recomputable from the stored records.
	assert.True(t, integrity.VerifyAuditHash(
		audit.AuditHash, userID, audit.DeletionType, audit.RequestedAt, audit.AffectedRecords))

	// Deleted memories 404; unrelated ones survive.
	_, err = testDB.GetMemory(ctx, userID, m1.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.GetMemory(ctx, userID, keep.ID)
	assert.NoError(t, err)

	// One delete event per affected memory was co-committed.
	pending, err := testDB.PendingDeleteEventCount(ctx, userID, []uuid.UUID{m1.ID, m2.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	// Audit stays open until the sink purges drain.
	open, err := testDB.OpenDeletionAudits(ctx, 100)
	require.NoError(t, err)
	var openIDs []uuid.UUID
	for _, a := range open {
		openIDs = append(openIDs, a.ID)
	}
	assert.Contains(t, openIDs, audit.ID)

	// Drain the delete events the way the worker would.
	events, err := testDB.LeaseOutboxEvents(ctx, 100)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.Kind != model.OutboxDelete || ev.UserID != userID {
			continue
		}
		assert.NotEmpty(t, ev.Payload.VectorPrimaryIDs)
		require.NoError(t, testDB.MarkVectorWritten(ctx, ev.ID))
		require.NoError(t, testDB.MarkGraphWritten(ctx, ev.ID))
		require.NoError(t, testDB.CompleteOutboxEvent(ctx, ev))
	}

	pending, err = testDB.PendingDeleteEventCount(ctx, userID, []uuid.UUID{m1.ID, m2.ID})
	require.NoError(t, err)
	assert.Zero(t, pending)

	require.NoError(t, testDB.CompleteDeletionAudit(ctx, audit.ID))
	audits, err := testDB.DeletionAuditsForUser(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, model.DeletionCompleted, audits[0].Status)
	assert.NotNil(t, audits[0].CompletedAt)
}

func TestSoftDeleteMemories_NoTargets(t *testing.T) {
	_, err := testDB.SoftDeleteMemories(context.Background(), uuid.New(), []uuid.UUID{uuid.New()}, false)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConflictInsertDedupAndResolve(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	older := createTestMemory(t, userID, "I love tea")
	newer := createTestMemory(t, userID, "I hate tea")

	conflict := model.MemoryConflict{
		UserID:       userID,
		Memory1ID:    older.ID,
		Memory2ID:    newer.ID,
		ConflictType: model.ConflictOpposite,
		CommonTopic:  []string{"tea"},
		Confidence:   0.95,
	}
	inserted, err := testDB.InsertConflict(ctx, conflict)
	require.NoError(t, err)
	assert.True(t, inserted)

	// The unordered pair is unique, even with the ids swapped.
	dup := conflict
	dup.ID = uuid.New()
	dup.Memory1ID, dup.Memory2ID = conflict.Memory2ID, conflict.Memory1ID
	inserted, err = testDB.InsertConflict(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	// Both memories are flagged while the conflict is pending.
	got, err := testDB.GetMemory(ctx, userID, older.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictConflicted, got.ConflictStatus)

	pending, err := testDB.PendingConflicts(ctx, userID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	conflictID := pending[0].ID

	// Resolving in favor of the newer memory deprecates the loser.
	require.NoError(t, testDB.ResolveConflict(ctx, userID, conflictID, newer.ID, model.ResolutionUserClarified))

	resolved, err := testDB.GetConflict(ctx, userID, conflictID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, resolved.Status)
	require.NotNil(t, resolved.PreferredMemoryID)
	assert.Equal(t, newer.ID, *resolved.PreferredMemoryID)

	loser, err := testDB.GetMemory(ctx, userID, older.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictDeprecated, loser.ConflictStatus)
	winner, err := testDB.GetMemory(ctx, userID, newer.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictActive, winner.ConflictStatus)
}

func TestClarificationRateLimitAndLifecycle(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	m1 := createTestMemory(t, userID, "I work at the bakery")
	m2 := createTestMemory(t, userID, "I quit the bakery")
	m3 := createTestMemory(t, userID, "I like jazz")
	m4 := createTestMemory(t, userID, "I hate jazz")

	c1 := model.MemoryConflict{ID: uuid.New(), UserID: userID, Memory1ID: m1.ID, Memory2ID: m2.ID,
		ConflictType: model.ConflictContradiction, Confidence: 0.9}
	_, err := testDB.InsertConflict(ctx, c1)
	require.NoError(t, err)
	c2 := model.MemoryConflict{ID: uuid.New(), UserID: userID, Memory1ID: m3.ID, Memory2ID: m4.ID,
		ConflictType: model.ConflictOpposite, Confidence: 0.9}
	_, err = testDB.InsertConflict(ctx, c2)
	require.NoError(t, err)

	session, err := testDB.CreateClarification(ctx, model.ClarificationSession{
		UserID:     userID,
		ConflictID: c1.ID,
		SessionID:  "sess-1",
		Question:   "which one is true now?",
	}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, model.ClarificationPending, session.Status)

	// One pending session per user per window.
	_, err = testDB.CreateClarification(ctx, model.ClarificationSession{
		UserID:     userID,
		ConflictID: c2.ID,
		SessionID:  "sess-1",
		Question:   "and this one?",
	}, time.Hour)
	assert.ErrorIs(t, err, storage.ErrClarificationRateLimited)

	got, err := testDB.PendingClarification(ctx, userID, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)

	// Ignored turns accumulate until the timeout closes the session.
	turns, err := testDB.BumpClarificationTurn(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, turns)

	require.NoError(t, testDB.AnswerClarification(ctx, session.ID, "the second one"))
	_, err = testDB.PendingClarification(ctx, userID, "sess-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// An answered session frees the rate limit window.
	_, err = testDB.CreateClarification(ctx, model.ClarificationSession{
		UserID:     userID,
		ConflictID: c2.ID,
		SessionID:  "sess-2",
		Question:   "and this one?",
	}, time.Hour)
	require.NoError(t, err)
}

func TestAppendAffinitySerializesUpdates(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	rec, err := testDB.AppendAffinity(ctx, userID, true,
		func(oldScore float64) (float64, float64, string, model.AffinitySignals) {
			assert.Zero(t, oldScore)
			return 0.015, 0.015, "conversation_turn", model.AffinitySignals{UserInitiated: true}
		})
	require.NoError(t, err)
	assert.InDelta(t, 0.015, rec.NewScore, 1e-9)

	rec, err = testDB.AppendAffinity(ctx, userID, true,
		func(oldScore float64) (float64, float64, string, model.AffinitySignals) {
			assert.InDelta(t, 0.015, oldScore, 1e-9)
			return 0.03, 0.015, "conversation_turn", model.AffinitySignals{UserInitiated: true}
		})
	require.NoError(t, err)
	assert.InDelta(t, 0.03, rec.NewScore, 1e-9)

	history, err := testDB.AffinityHistory(ctx, userID, 10, nil)
	require.NoError(t, err)
	require.Len(t, history, 2)
	// Newest first.
	assert.InDelta(t, 0.03, history[0].NewScore, 1e-9)
}

func TestAffinityHistorySinceFilter(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := testDB.AppendAffinity(ctx, userID, true,
			func(oldScore float64) (float64, float64, string, model.AffinitySignals) {
				return oldScore + 0.01, 0.01, "conversation_turn", model.AffinitySignals{UserInitiated: true}
			})
		require.NoError(t, err)
	}
	// Age the oldest row out of a one-day window.
	_, err := testDB.Pool().Exec(ctx,
		`UPDATE affinity_history SET created_at = now() - interval '3 days'
		 WHERE user_id = $1 AND id = (SELECT min(id) FROM affinity_history WHERE user_id = $1)`,
		userID)
	require.NoError(t, err)

	all, err := testDB.AffinityHistory(ctx, userID, 10, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)

	since := time.Now().AddDate(0, 0, -1)
	recent, err := testDB.AffinityHistory(ctx, userID, 10, &since)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	for _, rec := range recent {
		assert.True(t, rec.CreatedAt.After(since))
	}
}

func TestIDMappingRoundTrip(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	mem := createTestMemory(t, userID, "mapped memory")

	nodeID := int64(42)
	pointID := model.VectorPrimaryID(userID, mem.ID)
	require.NoError(t, testDB.UpsertIDMapping(ctx, model.IDMapping{
		UserID:          userID,
		PostgresID:      mem.ID,
		GraphNodeID:     &nodeID,
		VectorPrimaryID: &pointID,
		EntityType:      "memory",
	}))

	got, err := testDB.GetIDMapping(ctx, userID, mem.ID)
	require.NoError(t, err)
	require.NotNil(t, got.GraphNodeID)
	assert.Equal(t, nodeID, *got.GraphNodeID)
	require.NotNil(t, got.VectorPrimaryID)
	assert.Equal(t, pointID, *got.VectorPrimaryID)
}

func TestMemoriesForReindexKeysetPagination(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	// Only committed memories with a stored embedding are reindexable; the
	// plain helper above creates pending rows without one, which this test
	// relies on to keep other tests' fixtures out of the page.
	var ids []uuid.UUID
	base := time.Now().UTC().Add(-time.Minute)
	for i, content := range []string{"first", "second", "third"} {
		mem := createTestMemory(t, userID, content)
		// Distinct created_at values keep the keyset cursor unambiguous.
		_, err := testDB.Pool().Exec(ctx,
			`UPDATE memories SET status = 'committed', embedding = $2, created_at = $3 WHERE id = $1`,
			mem.ID, testVector(), base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		ids = append(ids, mem.ID)
	}

	var seen []uuid.UUID
	cursor := time.Time{}
	for {
		page, err := testDB.MemoriesForReindex(ctx, cursor, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			if m.UserID == userID {
				seen = append(seen, m.ID)
			}
		}
		cursor = page[len(page)-1].CreatedAt
	}
	assert.ElementsMatch(t, ids, seen)
}

func TestGraphDecayPreservesRecency(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	gs := graph.New(testDB, testutil.TestLogger())

	_, err := gs.ApplyExtraction(ctx, userID, model.Extraction{
		Entities: []model.ExtractedEntity{
			{Name: "user", Type: model.EntityPerson},
			{Name: "Tokyo", Type: model.EntityLocation},
		},
		Relations: []model.ExtractedRelation{
			{Source: "user", Target: "Tokyo", Type: "live_in"},
		},
	}, 0.8)
	require.NoError(t, err)

	// Age the edge one half-life into the past.
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE graph_relations SET last_refreshed_at = now() - interval '240 hours' WHERE user_id = $1`,
		userID)
	require.NoError(t, err)

	var refreshedBefore time.Time
	var weightBefore float32
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT last_refreshed_at, weight FROM graph_relations WHERE user_id = $1`, userID,
	).Scan(&refreshedBefore, &weightBefore))

	updated, pruned, err := gs.ApplyTimeDecay(ctx, 240*time.Hour, 0.05)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, updated, int64(1))
	assert.Zero(t, pruned)

	var refreshedAfter time.Time
	var weightAfter float32
	var decayAt *time.Time
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT last_refreshed_at, weight, last_decay_at FROM graph_relations WHERE user_id = $1`, userID,
	).Scan(&refreshedAfter, &weightAfter, &decayAt))

	// Decay charges the weight but never touches the recency timestamp.
	assert.True(t, refreshedAfter.Equal(refreshedBefore))
	assert.InDelta(t, float64(weightBefore)*0.5, float64(weightAfter), 0.01)
	require.NotNil(t, decayAt)

	// A second pass inside the hour charges nothing further.
	_, _, err = gs.ApplyTimeDecay(ctx, 240*time.Hour, 0.05)
	require.NoError(t, err)
	var weightAgain float32
	require.NoError(t, testDB.Pool().QueryRow(ctx,
		`SELECT weight FROM graph_relations WHERE user_id = $1`, userID,
	).Scan(&weightAgain))
	assert.InDelta(t, float64(weightAfter), float64(weightAgain), 1e-6)
}

func TestGraphRelationsByType(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	gs := graph.New(testDB, testutil.TestLogger())

	_, err := gs.ApplyExtraction(ctx, userID, model.Extraction{
		Entities: []model.ExtractedEntity{
			{Name: "user", Type: model.EntityPerson},
			{Name: "Kamakura", Type: model.EntityLocation},
			{Name: "hiking", Type: model.EntityConcept},
		},
		Relations: []model.ExtractedRelation{
			{Source: "user", Target: "Kamakura", Type: "live_in"},
			{Source: "user", Target: "hiking", Type: "likes"},
		},
	}, 0.6)
	require.NoError(t, err)

	facts, err := gs.RelationsByType(ctx, userID, []string{"live_in", "lives_in"}, 10)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "live_in", facts[0].RelationType)
	assert.Equal(t, "Kamakura", facts[0].Target)
	assert.Equal(t, 1, facts[0].HopDistance)

	// Other users' edges stay invisible.
	facts, err = gs.RelationsByType(ctx, uuid.New(), []string{"live_in"}, 10)
	require.NoError(t, err)
	assert.Empty(t, facts)
}
