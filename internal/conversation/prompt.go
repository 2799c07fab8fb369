package conversation

import (
	"fmt"
	"strings"

	"github.com/kokoro-ai/kokoro/internal/model"
	"github.com/kokoro-ai/kokoro/internal/retrieval"
	"github.com/kokoro-ai/kokoro/internal/service/llm"
)

// registerByState maps the affinity state to the companion's voice. The
// reply model sees only the instruction, never the numeric score.
var registerByState = map[model.AffinityState]string{
	model.StateStranger:     "You have just met this person. Be polite, a little reserved, and do not presume familiarity.",
	model.StateAcquaintance: "You know this person a little. Be friendly and curious, but not intimate.",
	model.StateFriend:       "You are friends. Be warm and casual; reference shared history naturally.",
	model.StateCloseFriend:  "You are close friends. Be affectionate, playful, and comfortable with inside references.",
	model.StateBestFriend:   "You are this person's closest confidant. Be deeply familiar, supportive, and direct.",
}

// promptInput is everything the prompt builder needs for one turn.
type promptInput struct {
	message        string
	state          model.AffinityState
	retrieved      retrieval.Result
	evaluationMode bool
}

// buildPrompt assembles the system and user messages for the reply model.
func buildPrompt(in promptInput) []llm.Message {
	var sb strings.Builder

	sb.WriteString("You are Kokoro, an emotional companion with long-term memory of this user.\n\n")
	sb.WriteString(registerByState[in.state])
	sb.WriteString("\n")

	if len(in.retrieved.Memories) > 0 {
		sb.WriteString("\nThings you remember about this user, most relevant first:\n")
		for _, c := range in.retrieved.Memories {
			fmt.Fprintf(&sb, "- [%s] %s\n", c.Memory.ObservedAt.Format("2006-01-02"), c.Memory.Content)
		}
	}

	if len(in.retrieved.Facts) > 0 {
		sb.WriteString("\nRelationships you have learned:\n")
		for _, f := range in.retrieved.Facts {
			fmt.Fprintf(&sb, "- %s %s %s\n", f.Source, f.RelationType, f.Target)
		}
	}

	if len(in.retrieved.ConflictHints) > 0 {
		sb.WriteString("\nSome of the memories above are disputed. Do not assert either side of a disputed fact as true; acknowledge the uncertainty if it comes up.\n")
	}

	if in.evaluationMode {
		sb.WriteString("\nAnswer strictly from the memories listed above. If the answer is not in them, say you do not remember. Never invent facts about the user.\n")
	} else {
		sb.WriteString("\nGround what you say about the user in the memories above. Do not fabricate specifics you were never told.\n")
	}

	return []llm.Message{
		{Role: llm.RoleSystem, Content: sb.String()},
		{Role: llm.RoleUser, Content: in.message},
	}
}
