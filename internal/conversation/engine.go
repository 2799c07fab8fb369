// Package conversation orchestrates one chat turn: the fast path that must
// finish before the reply stream ends, and the handoff to the outbox worker
// for everything that may lag behind.
package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kokoro-ai/kokoro/internal/affinity"
	"github.com/kokoro-ai/kokoro/internal/config"
	"github.com/kokoro-ai/kokoro/internal/conflicts"
	"github.com/kokoro-ai/kokoro/internal/emotion"
	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/retrieval"
	"github.com/kokoro-ai/kokoro/internal/service/embedding"
	"github.com/kokoro-ai/kokoro/internal/service/llm"
	"github.com/kokoro-ai/kokoro/internal/storage"
)

// clarificationAck is the confirmation text streamed when a turn answers the
// outstanding clarification question.
const clarificationAck = "Got it, thank you for clearing that up. I will remember it that way."

// Engine runs conversation turns.
type Engine struct {
	db        *storage.DB
	retrieval *retrieval.Engine
	embedder  embedding.Provider
	llm       llm.Client
	affinity  *affinity.Service
	detector  *conflicts.Detector
	clarifier *conflicts.Clarifier
	wakeSlow  func() // nudges the outbox worker after an enqueue
	cfg       config.Config
	logger    *slog.Logger
}

// NewEngine wires the conversation engine. wakeSlow may be nil.
func NewEngine(db *storage.DB, ret *retrieval.Engine, embedder embedding.Provider, client llm.Client, aff *affinity.Service, det *conflicts.Detector, clar *conflicts.Clarifier, wakeSlow func(), cfg config.Config, logger *slog.Logger) *Engine {
	if wakeSlow == nil {
		wakeSlow = func() {}
	}
	return &Engine{
		db:        db,
		retrieval: ret,
		embedder:  embedder,
		llm:       client,
		affinity:  aff,
		detector:  det,
		clarifier: clar,
		wakeSlow:  wakeSlow,
		cfg:       cfg,
		logger:    logger,
	}
}

// storedResponse is the replay body kept under an idempotency key.
type storedResponse struct {
	Reply           string `json:"reply"`
	MemoryID        string `json:"memory_id"`
	ClarificationID string `json:"clarification_id,omitempty"`
}

// Turn processes one user message, emitting SSE frames through emit in the
// order: start, text*, (memory_pending | clarification)?, done. If emit
// fails mid-stream the client is gone; persistence still completes so the
// memory is never lost to a dropped connection.
//
// Returns storage.ErrIdempotencyInProgress before any frame is emitted when
// a concurrent request holds the same idempotency key.
func (e *Engine) Turn(ctx context.Context, userID uuid.UUID, req model.MessageRequest, emit func(model.StreamFrame) error) error {
	if err := model.ValidateMessage(req.Message); err != nil {
		return err
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	// Idempotency reservation. A replayed key short-circuits the whole
	// turn: same reply, no second memory, no second affinity update.
	if req.IdempotencyKey != "" {
		idem, err := e.db.BeginIdempotent(ctx, userID, req.IdempotencyKey, e.cfg.IdempotencyTTL)
		if err != nil {
			return err
		}
		if idem.Replay {
			return e.replay(sessionID, idem, emit)
		}
	}

	err := e.run(ctx, userID, sessionID, req, emit)
	if err != nil && req.IdempotencyKey != "" {
		// Release the reservation so the client can retry.
		detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if clearErr := e.db.ClearIdempotent(detached, userID, req.IdempotencyKey); clearErr != nil {
			e.logger.Error("conversation: clear idempotency key failed",
				"user_id", userID, "error", clearErr)
		}
	}
	return err
}

// replay emits the stored outcome for a repeated idempotency key. A stored
// reply comes back as one text frame; a stored clarification comes back as a
// clarification frame. No memory is created and no affinity change applies.
func (e *Engine) replay(sessionID string, idem storage.IdempotencyResult, emit func(model.StreamFrame) error) error {
	var stored storedResponse
	if err := json.Unmarshal(idem.Response, &stored); err != nil {
		return fmt.Errorf("conversation: decode stored response: %w", err)
	}

	meta := map[string]any{"replay": true}
	if err := emit(model.StreamFrame{Type: model.FrameStart, SessionID: sessionID, Metadata: meta}); err != nil {
		return nil
	}
	switch {
	case stored.ClarificationID != "":
		if err := emit(model.StreamFrame{
			Type:      model.FrameClarification,
			SessionID: sessionID,
			Content:   stored.Reply,
			Metadata:  map[string]any{"clarification_id": stored.ClarificationID, "replay": true},
		}); err != nil {
			return nil
		}
	case stored.Reply != "":
		if err := emit(model.StreamFrame{Type: model.FrameText, SessionID: sessionID, Content: stored.Reply}); err != nil {
			return nil
		}
	}
	_ = emit(model.StreamFrame{
		Type:      model.FrameDone,
		SessionID: sessionID,
		MemoryID:  stored.MemoryID,
		Metadata:  meta,
	})
	return nil
}

func (e *Engine) run(ctx context.Context, userID uuid.UUID, sessionID string, req model.MessageRequest, emit func(model.StreamFrame) error) error {
	started := time.Now()

	emo := emotion.Analyze(req.Message)
	affRec, err := e.affinity.Current(ctx, userID)
	if err != nil {
		return e.fail(emit, sessionID, err)
	}
	state := model.AffinityStateFor(affRec.NewScore)

	// A pending clarification intercepts the turn: a recognizable answer
	// resolves the conflict and replaces the rest of the pipeline with a
	// confirmation; anything else counts against the timeout and the turn
	// proceeds normally.
	if pending, ok, err := e.clarifier.Pending(ctx, userID, sessionID); err != nil {
		return e.fail(emit, sessionID, err)
	} else if ok {
		if conflicts.ParseChoice(req.Message) != conflicts.ChoiceUnclear {
			return e.answerClarificationTurn(ctx, userID, sessionID, req, pending, emo, emit)
		}
		if err := e.clarifier.NoteUnansweredTurn(ctx, pending); err != nil {
			return e.fail(emit, sessionID, err)
		}
	}

	tier := RouteTier(req.Message, emo.Valence, state)

	retrieved, err := e.retrieval.Retrieve(ctx, userID, req.Message, e.cfg.TopKMin)
	if err != nil {
		return e.fail(emit, sessionID, err)
	}

	// Fast path: memory row and outbox event co-commit before the reply
	// finishes streaming.
	mem, err := e.createMemory(ctx, userID, req, emo)
	if err != nil {
		return e.fail(emit, sessionID, err)
	}
	e.wakeSlow()

	// Conflict detection against what retrieval surfaced. An opened
	// clarification replaces the reply for this turn; a rate-limited one
	// falls back to the disputed-memory caveat in the prompt.
	detected := e.detectConflicts(ctx, mem, retrieved)
	if len(detected) > 0 {
		if clar, conflict, ok := e.tryOpenClarification(ctx, userID, sessionID, mem, detected, retrieved); ok {
			return e.clarificationTurn(ctx, userID, sessionID, req, mem, emo, clar, conflict, emit)
		}
	}

	if err := emit(model.StreamFrame{Type: model.FrameStart, SessionID: sessionID}); err != nil {
		return e.finishDetached(ctx, userID, req, sessionID, mem.ID, emo, false, len(detected) > 0, "")
	}

	prompt := buildPrompt(promptInput{
		message:        req.Message,
		state:          state,
		retrieved:      retrieved,
		evaluationMode: e.cfg.EvaluationMode,
	})

	clientGone := false
	reply, streamErr := e.llm.StreamChat(ctx, tier, prompt, func(delta string) error {
		if err := emit(model.StreamFrame{Type: model.FrameText, SessionID: sessionID, Content: delta}); err != nil {
			clientGone = true
			return err
		}
		return nil
	})
	if streamErr != nil && !clientGone {
		return e.fail(emit, sessionID, fmt.Errorf("conversation: reply stream: %w", streamErr))
	}
	if clientGone {
		return e.finishDetached(ctx, userID, req, sessionID, mem.ID, emo, false, len(detected) > 0, reply)
	}

	_ = emit(model.StreamFrame{
		Type:      model.FrameMemoryPending,
		SessionID: sessionID,
		MemoryID:  mem.ID.String(),
	})

	if err := e.persistTurn(ctx, userID, req, mem.ID, emo, false, len(detected) > 0, reply, ""); err != nil {
		return e.fail(emit, sessionID, err)
	}

	e.logger.Info("conversation: turn completed",
		"user_id", userID, "session_id", sessionID, "memory_id", mem.ID,
		"tier", int(tier), "emotion", emo.Primary, "valence", emo.Valence,
		"conflicts", len(detected), "duration_ms", time.Since(started).Milliseconds())

	_ = emit(model.StreamFrame{
		Type:      model.FrameDone,
		SessionID: sessionID,
		MemoryID:  mem.ID.String(),
		Metadata:  map[string]any{"tier": int(tier), "emotion": string(emo.Primary)},
	})
	return nil
}

// clarificationTurn ends the stream with the clarification question in place
// of a model reply. The memory still commits through the outbox; only the
// reply and the memory_pending frame are suppressed.
func (e *Engine) clarificationTurn(ctx context.Context, userID uuid.UUID, sessionID string, req model.MessageRequest, mem model.Memory, emo emotion.Result, clar model.ClarificationSession, conflict model.MemoryConflict, emit func(model.StreamFrame) error) error {
	if err := emit(model.StreamFrame{Type: model.FrameStart, SessionID: sessionID}); err != nil {
		return e.finishDetached(ctx, userID, req, sessionID, mem.ID, emo, false, true, "")
	}
	if err := emit(model.StreamFrame{
		Type:      model.FrameClarification,
		SessionID: sessionID,
		Content:   clar.Question,
		Metadata: map[string]any{
			"clarification_id": clar.ID.String(),
			"conflict":         conflict,
		},
	}); err != nil {
		return e.finishDetached(ctx, userID, req, sessionID, mem.ID, emo, false, true, "")
	}

	if err := e.persistTurn(ctx, userID, req, mem.ID, emo, false, true, clar.Question, clar.ID.String()); err != nil {
		return e.fail(emit, sessionID, err)
	}

	e.logger.Info("conversation: clarification asked",
		"user_id", userID, "session_id", sessionID, "memory_id", mem.ID,
		"clarification_id", clar.ID, "conflict_id", conflict.ID)

	_ = emit(model.StreamFrame{
		Type:      model.FrameDone,
		SessionID: sessionID,
		MemoryID:  mem.ID.String(),
		Metadata:  map[string]any{"emotion": string(emo.Primary)},
	})
	return nil
}

// answerClarificationTurn handles a turn that answers the outstanding
// clarification question. The answer resolves the conflict; the stream
// carries only a confirmation, no memory is created and no reply model runs.
// The affinity update still applies, with the confirmation signal set.
func (e *Engine) answerClarificationTurn(ctx context.Context, userID uuid.UUID, sessionID string, req model.MessageRequest, pending model.ClarificationSession, emo emotion.Result, emit func(model.StreamFrame) error) error {
	preferred, err := e.clarifier.ProcessResponse(ctx, userID, pending, req.Message)
	if err != nil {
		return e.fail(emit, sessionID, err)
	}

	if err := emit(model.StreamFrame{Type: model.FrameStart, SessionID: sessionID}); err != nil {
		return e.finishDetached(ctx, userID, req, sessionID, preferred, emo, true, false, clarificationAck)
	}
	if err := emit(model.StreamFrame{Type: model.FrameText, SessionID: sessionID, Content: clarificationAck}); err != nil {
		return e.finishDetached(ctx, userID, req, sessionID, preferred, emo, true, false, clarificationAck)
	}

	if err := e.persistTurn(ctx, userID, req, preferred, emo, true, false, clarificationAck, ""); err != nil {
		return e.fail(emit, sessionID, err)
	}

	e.logger.Info("conversation: clarification answered",
		"user_id", userID, "session_id", sessionID,
		"clarification_id", pending.ID, "preferred_memory_id", preferred)

	_ = emit(model.StreamFrame{
		Type:      model.FrameDone,
		SessionID: sessionID,
		MemoryID:  preferred.String(),
		Metadata:  map[string]any{"clarification_id": pending.ID.String()},
	})
	return nil
}

// createMemory embeds the message and co-commits the memory row with its
// outbox event.
func (e *Engine) createMemory(ctx context.Context, userID uuid.UUID, req model.MessageRequest, emo emotion.Result) (model.Memory, error) {
	vec, err := e.embedder.Embed(ctx, req.Message)
	if err != nil {
		return model.Memory{}, fmt.Errorf("conversation: embed message: %w", err)
	}
	mem := model.Memory{
		ID:         uuid.New(),
		UserID:     userID,
		Content:    req.Message,
		Embedding:  &vec,
		Valence:    float32(emo.Valence),
		ObservedAt: time.Now(),
		Metadata: map[string]any{
			"session_id":      req.SessionID,
			"primary_emotion": string(emo.Primary),
		},
	}
	created, err := e.db.CreateMemoryWithOutbox(ctx, mem, req.IdempotencyKey)
	if err != nil {
		return model.Memory{}, fmt.Errorf("conversation: create memory: %w", err)
	}
	return created, nil
}

func (e *Engine) detectConflicts(ctx context.Context, mem model.Memory, retrieved retrieval.Result) []model.MemoryConflict {
	candidates := make([]model.Memory, len(retrieved.Memories))
	for i, c := range retrieved.Memories {
		candidates[i] = c.Memory
	}
	found := e.detector.Detect(ctx, mem, candidates)

	var inserted []model.MemoryConflict
	for _, c := range found {
		ok, err := e.db.InsertConflict(ctx, c)
		if err != nil {
			e.logger.Error("conversation: insert conflict failed",
				"user_id", mem.UserID, "memory_id", mem.ID, "error", err)
			continue
		}
		if ok {
			inserted = append(inserted, c)
		}
	}
	return inserted
}

// tryOpenClarification opens a clarification for the highest-confidence new
// conflict, if the rate limit allows. Returns false when none was opened.
func (e *Engine) tryOpenClarification(ctx context.Context, userID uuid.UUID, sessionID string, mem model.Memory, detected []model.MemoryConflict, retrieved retrieval.Result) (model.ClarificationSession, model.MemoryConflict, bool) {
	best := detected[0]
	for _, c := range detected[1:] {
		if c.Confidence > best.Confidence {
			best = c
		}
	}

	older := findMemory(retrieved, best.Memory1ID)
	if older == nil {
		return model.ClarificationSession{}, model.MemoryConflict{}, false
	}

	session, err := e.clarifier.Open(ctx, userID, sessionID, best, *older, mem)
	if err != nil {
		if !errors.Is(err, storage.ErrClarificationRateLimited) {
			e.logger.Error("conversation: open clarification failed",
				"user_id", userID, "conflict_id", best.ID, "error", err)
		}
		return model.ClarificationSession{}, model.MemoryConflict{}, false
	}
	return session, best, true
}

func findMemory(retrieved retrieval.Result, id uuid.UUID) *model.Memory {
	for _, c := range retrieved.Memories {
		if c.Memory.ID == id {
			m := c.Memory
			return &m
		}
	}
	return nil
}

// persistTurn applies the affinity update and completes the idempotency
// record with the streamed outcome. clarificationID is non-empty only when
// the turn ended in a clarification frame; replays then re-emit that frame.
func (e *Engine) persistTurn(ctx context.Context, userID uuid.UUID, req model.MessageRequest, memoryID uuid.UUID, emo emotion.Result, confirmed, corrected bool, reply, clarificationID string) error {
	if _, err := e.affinity.ApplyTurn(ctx, userID, model.AffinitySignals{
		UserInitiated:      true,
		EmotionValence:     emo.Valence,
		MemoryConfirmation: confirmed,
		Correction:         corrected,
	}); err != nil {
		return err
	}

	if req.IdempotencyKey == "" {
		return nil
	}
	body, err := json.Marshal(storedResponse{
		Reply:           reply,
		MemoryID:        memoryID.String(),
		ClarificationID: clarificationID,
	})
	if err != nil {
		return fmt.Errorf("conversation: marshal stored response: %w", err)
	}
	sum := sha256.Sum256([]byte(reply))
	return e.db.CompleteIdempotent(ctx, userID, req.IdempotencyKey, memoryID, hex.EncodeToString(sum[:]), body)
}

// finishDetached completes persistence after the client disconnected. The
// stream is dead but affinity and the idempotency record must still land.
func (e *Engine) finishDetached(ctx context.Context, userID uuid.UUID, req model.MessageRequest, sessionID string, memoryID uuid.UUID, emo emotion.Result, confirmed, corrected bool, reply string) error {
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := e.persistTurn(detached, userID, req, memoryID, emo, confirmed, corrected, reply, ""); err != nil {
		e.logger.Error("conversation: post-disconnect persistence failed",
			"user_id", userID, "session_id", sessionID, "memory_id", memoryID, "error", err)
		return err
	}
	e.logger.Info("conversation: client disconnected mid-turn, state persisted",
		"user_id", userID, "session_id", sessionID, "memory_id", memoryID)
	return nil
}

// fail emits a terminal error frame. The error detail stays in the logs;
// the client gets a generic message.
func (e *Engine) fail(emit func(model.StreamFrame) error, sessionID string, err error) error {
	e.logger.Error("conversation: turn failed", "session_id", sessionID, "error", err)
	_ = emit(model.StreamFrame{
		Type:      model.FrameError,
		SessionID: sessionID,
		Content:   "something went wrong handling this message",
	})
	return err
}
