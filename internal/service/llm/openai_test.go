package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testModels() Models {
	return Models{Tier1: "model-1", Tier2: "model-2", Tier3: "model-3", Extract: "model-extract"}
}

func TestOpenAIClient_StreamChat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, delta := range []string{"Hel", "lo ", "there"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", delta)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c := NewOpenAIClient(server.URL+"/v1", "test-key", testModels(), testLogger())

	var got []string
	full, err := c.StreamChat(context.Background(), Tier2,
		[]Message{{Role: RoleUser, Content: "hi"}},
		func(delta string) error {
			got = append(got, delta)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, "Hello there", full)
	assert.Equal(t, []string{"Hel", "lo ", "there"}, got)
}

func TestOpenAIClient_StreamChat_ConsumerAbort(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 10; i++ {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c := NewOpenAIClient(server.URL+"/v1", "", testModels(), testLogger())

	calls := 0
	_, err := c.StreamChat(context.Background(), Tier3, nil, func(string) error {
		calls++
		if calls == 3 {
			return fmt.Errorf("client gone")
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestOpenAIClient_CompleteJSON(t *testing.T) {
	var seenModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seenModel = req.Model
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"answer\":42}"}}]}`)
	}))
	defer server.Close()

	c := NewOpenAIClient(server.URL+"/v1", "", testModels(), testLogger())

	var out struct {
		Answer int `json:"answer"`
	}
	require.NoError(t, c.CompleteJSON(context.Background(), nil, &out))
	assert.Equal(t, 42, out.Answer)
	assert.Equal(t, "model-extract", seenModel)
}

func TestOpenAIClient_CompleteJSON_Malformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"not json at all"}}]}`)
	}))
	defer server.Close()

	c := NewOpenAIClient(server.URL+"/v1", "", testModels(), testLogger())

	var out map[string]any
	err := c.CompleteJSON(context.Background(), nil, &out)
	require.Error(t, err)
	assert.Equal(t, NeedsReview, Classify(err))
}

func TestOpenAIClient_TierSelectsModel(t *testing.T) {
	var seenModel string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seenModel = req.Model
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	c := NewOpenAIClient(server.URL+"/v1", "", testModels(), testLogger())

	for tier, want := range map[Tier]string{
		Tier1: "model-1",
		Tier2: "model-2",
		Tier3: "model-3",
	} {
		_, err := c.StreamChat(context.Background(), tier, nil, func(string) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, want, seenModel, "tier %d", tier)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Classification
	}{
		{"rate limited", &StatusError{StatusCode: 429}, Retryable},
		{"server error", &StatusError{StatusCode: 503}, Retryable},
		{"bad request", &StatusError{StatusCode: 400}, Permanent},
		{"unauthorized", &StatusError{StatusCode: 401}, Permanent},
		{"malformed output", fmt.Errorf("wrap: %w", ErrMalformedOutput), NeedsReview},
		{"deadline", context.DeadlineExceeded, Retryable},
		{"network", &net.OpError{Op: "dial", Err: fmt.Errorf("refused")}, Retryable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestStaticClient(t *testing.T) {
	c := NewStaticClient("I hear you. Tell me more about that.")

	var deltas int
	full, err := c.StreamChat(context.Background(), Tier2, nil, func(string) error {
		deltas++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "I hear you. Tell me more about that.", full)
	assert.Greater(t, deltas, 1)
}

func TestExtractor_ExtractGraph_CoercesUnknownTypes(t *testing.T) {
	c := &StaticClient{JSON: `{"entities":[{"name":" Hiking ","type":"hobby"}],"relations":[]}`}
	e := NewExtractor(c)

	ext, err := e.ExtractGraph(context.Background(), "user: I love hiking")
	require.NoError(t, err)
	require.Len(t, ext.Entities, 1)
	assert.Equal(t, "Hiking", ext.Entities[0].Name)
	assert.Equal(t, "concept", string(ext.Entities[0].Type))
}

func TestExtractor_ExtractTriples_NormalizesAndDrops(t *testing.T) {
	c := &StaticClient{JSON: `{"triples":[
		{"subject":"User","predicate":" Like ","object":" Hiking "},
		{"subject":"user","predicate":"","object":"x"}
	]}`}
	e := NewExtractor(c)

	triples, err := e.ExtractTriples(context.Background(), "I like hiking")
	require.NoError(t, err)
	require.Len(t, triples, 1)
	assert.Equal(t, "user", triples[0].Subject)
	assert.Equal(t, "like", triples[0].Predicate)
	assert.Equal(t, "hiking", triples[0].Object)
}
