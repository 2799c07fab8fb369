package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/retrieval"
	"github.com/kokoro-ai/kokoro/internal/service/llm"
)

func promptResult() retrieval.Result {
	return retrieval.Result{
		Memories: []retrieval.Candidate{
			{Memory: model.Memory{
				Content:    "I adopted a cat named Mochi",
				ObservedAt: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
			}},
		},
		Facts: []model.GraphFact{
			{Source: "user", RelationType: "has_pet", Target: "Mochi"},
		},
	}
}

func systemPrompt(t *testing.T, in promptInput) string {
	t.Helper()
	msgs := buildPrompt(in)
	require.Len(t, msgs, 2)
	require.Equal(t, llm.RoleSystem, msgs[0].Role)
	require.Equal(t, llm.RoleUser, msgs[1].Role)
	return msgs[0].Content
}

func TestBuildPrompt_IncludesMemoriesAndFacts(t *testing.T) {
	in := promptInput{
		message:   "how is my cat doing?",
		state:     model.StateFriend,
		retrieved: promptResult(),
	}
	sys := systemPrompt(t, in)

	assert.Contains(t, sys, "[2026-03-14] I adopted a cat named Mochi")
	assert.Contains(t, sys, "user has_pet Mochi")
	assert.Contains(t, sys, "You are friends")

	msgs := buildPrompt(in)
	assert.Equal(t, "how is my cat doing?", msgs[1].Content)
}

func TestBuildPrompt_RegisterFollowsAffinityState(t *testing.T) {
	stranger := systemPrompt(t, promptInput{message: "hi", state: model.StateStranger})
	best := systemPrompt(t, promptInput{message: "hi", state: model.StateBestFriend})

	assert.Contains(t, stranger, "just met")
	assert.Contains(t, best, "closest confidant")
	// The numeric score never reaches the model.
	assert.NotContains(t, stranger, "0.")
}

func TestBuildPrompt_DisputedMemoriesCaveat(t *testing.T) {
	res := promptResult()
	sys := systemPrompt(t, promptInput{message: "hi", state: model.StateFriend, retrieved: res})
	assert.NotContains(t, sys, "disputed")

	res.ConflictHints = []model.MemoryConflict{{ConflictType: model.ConflictOpposite}}
	sys = systemPrompt(t, promptInput{message: "hi", state: model.StateFriend, retrieved: res})
	assert.Contains(t, sys, "disputed")
}

func TestBuildPrompt_EvaluationMode(t *testing.T) {
	normal := systemPrompt(t, promptInput{message: "hi", state: model.StateFriend})
	strict := systemPrompt(t, promptInput{message: "hi", state: model.StateFriend, evaluationMode: true})

	assert.NotContains(t, normal, "say you do not remember")
	assert.Contains(t, strict, "say you do not remember")
	assert.Contains(t, strict, "Never invent facts")
}
