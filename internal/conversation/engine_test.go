package conversation

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokoro-ai/kokoro/internal/affinity"
	"github.com/kokoro-ai/kokoro/internal/config"
	"github.com/kokoro-ai/kokoro/internal/conflicts"
	"github.com/kokoro-ai/kokoro/internal/graph"
	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/retrieval"
	"github.com/kokoro-ai/kokoro/internal/service/embedding"
	"github.com/kokoro-ai/kokoro/internal/service/llm"
	"github.com/kokoro-ai/kokoro/internal/storage"
	"github.com/kokoro-ai/kokoro/internal/testutil"
)

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

// scriptedLLM replies with a fixed string and counts invocations, so tests
// can assert which turns reached the reply model.
type scriptedLLM struct {
	reply string
	calls int
}

func (s *scriptedLLM) StreamChat(ctx context.Context, tier llm.Tier, msgs []llm.Message, onDelta func(string) error) (string, error) {
	s.calls++
	if err := onDelta(s.reply); err != nil {
		return "", err
	}
	return s.reply, nil
}

func (s *scriptedLLM) CompleteJSON(ctx context.Context, msgs []llm.Message, out any) error {
	return errors.New("no extraction model in tests")
}

// newTestEngine wires a graph-only engine against the shared test database.
// Conflict detection runs on heuristics only.
func newTestEngine(t *testing.T, client llm.Client) *Engine {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.GraphOnlyMode = true

	logger := testutil.TestLogger()
	embedder := embedding.NewNoopProvider(cfg.EmbeddingDimensions)
	gs := graph.New(testDB, logger)
	aff := affinity.New(testDB, logger)
	det := conflicts.NewDetector(nil, cfg.OppositePredicates, cfg.ConflictConfidenceThreshold, logger)
	clar := conflicts.NewClarifier(testDB, time.Hour, cfg.ClarificationTimeoutTurns, logger)
	ret := retrieval.NewEngine(testDB, nil, gs, embedder, aff, cfg, logger)
	return NewEngine(testDB, ret, embedder, client, aff, det, clar, nil, cfg, logger)
}

func runTurn(t *testing.T, eng *Engine, userID uuid.UUID, req model.MessageRequest) []model.StreamFrame {
	t.Helper()
	var frames []model.StreamFrame
	require.NoError(t, eng.Turn(context.Background(), userID, req, func(f model.StreamFrame) error {
		frames = append(frames, f)
		return nil
	}))
	require.NotEmpty(t, frames)
	return frames
}

func TestTurnClarificationReplacesReply(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	client := &scriptedLLM{reply: "That sounds lovely."}
	eng := newTestEngine(t, client)
	session := "sess-" + uuid.NewString()

	first := runTurn(t, eng, userID, model.MessageRequest{Message: "I love coffee", SessionID: session})
	assert.Equal(t, model.FrameStart, first[0].Type)
	assert.Equal(t, model.FrameDone, first[len(first)-1].Type)
	assert.Equal(t, 1, client.calls)

	// The contradicting turn ends in a clarification question instead of a
	// model reply: start, clarification, done, and nothing else.
	frames := runTurn(t, eng, userID, model.MessageRequest{Message: "I hate coffee", SessionID: session})
	require.Len(t, frames, 3)
	assert.Equal(t, model.FrameStart, frames[0].Type)
	assert.Equal(t, model.FrameDone, frames[2].Type)

	clarFrame := frames[1]
	require.Equal(t, model.FrameClarification, clarFrame.Type)
	assert.Contains(t, clarFrame.Content, "I love coffee")
	assert.NotEmpty(t, clarFrame.Metadata["clarification_id"])
	conflict, ok := clarFrame.Metadata["conflict"].(model.MemoryConflict)
	require.True(t, ok, "clarification frame must carry the conflict")
	assert.Equal(t, model.ConflictOpposite, conflict.ConflictType)

	// The reply model never ran for the clarification turn.
	assert.Equal(t, 1, client.calls)

	// Answering the question short-circuits the pipeline: a confirmation
	// text frame, no retrieval, no new memory, no reply model.
	answer := runTurn(t, eng, userID, model.MessageRequest{Message: "2", SessionID: session})
	require.Len(t, answer, 3)
	assert.Equal(t, model.FrameStart, answer[0].Type)
	assert.Equal(t, model.FrameText, answer[1].Type)
	assert.NotEmpty(t, answer[1].Content)
	assert.Equal(t, model.FrameDone, answer[2].Type)
	assert.Equal(t, conflict.Memory2ID.String(), answer[2].MemoryID)
	assert.Equal(t, 1, client.calls)

	// The conflict resolved in favor of the newer memory, the session is
	// closed, and the bare answer never became a memory.
	resolved, err := testDB.GetConflict(ctx, userID, conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, resolved.Status)
	require.NotNil(t, resolved.PreferredMemoryID)
	assert.Equal(t, conflict.Memory2ID, *resolved.PreferredMemoryID)

	_, pending, err := eng.clarifier.Pending(ctx, userID, session)
	require.NoError(t, err)
	assert.False(t, pending)

	recent, err := testDB.RecentActiveMemories(ctx, userID, 10)
	require.NoError(t, err)
	for _, m := range recent {
		assert.NotEqual(t, "2", m.Content)
		assert.NotEqual(t, "I love coffee", m.Content, "deprecated loser must leave the active view")
	}
}

func TestTurnClarificationReplay(t *testing.T) {
	userID := uuid.New()
	client := &scriptedLLM{reply: "Noted."}
	eng := newTestEngine(t, client)
	session := "sess-" + uuid.NewString()

	runTurn(t, eng, userID, model.MessageRequest{Message: "I love tea", SessionID: session})

	req := model.MessageRequest{
		Message:        "I hate tea",
		SessionID:      session,
		IdempotencyKey: "idem-" + uuid.NewString(),
	}
	frames := runTurn(t, eng, userID, req)
	require.Len(t, frames, 3)
	require.Equal(t, model.FrameClarification, frames[1].Type)
	clarID := frames[1].Metadata["clarification_id"]

	// Repeating the key replays the clarification outcome verbatim.
	replayed := runTurn(t, eng, userID, req)
	require.Len(t, replayed, 3)
	assert.Equal(t, true, replayed[0].Metadata["replay"])
	require.Equal(t, model.FrameClarification, replayed[1].Type)
	assert.Equal(t, frames[1].Content, replayed[1].Content)
	assert.Equal(t, clarID, replayed[1].Metadata["clarification_id"])
	assert.Equal(t, model.FrameDone, replayed[2].Type)

	// The replay neither re-ran the model nor re-opened anything.
	assert.Equal(t, 1, client.calls)
}
