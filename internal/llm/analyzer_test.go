package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/capitalize-ai/lead-scheduler/internal/model"
	"github.com/capitalize-ai/lead-scheduler/pkg/logger"
)

type stubClient struct {
	content string
	err     error
	last    *CompletionRequest
}

func (s *stubClient) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &CompletionResponse{Content: s.content}, nil
}

func (s *stubClient) Name() string { return "stub" }

func TestAnalyze_ParsesFencedJSON(t *testing.T) {
	c := &stubClient{content: "```json\n{\"intent\":\"Buying\",\"urgency\":\"HIGH\",\"preferences\":{\"budget\":\" 750k \",\"pets\":\"dog\",\"timeline\":\"\"}}\n```"}
	a := NewAnalyzer(c, logger.NewNop())

	got, err := a.Analyze(context.Background(), "looking for a 3 bed around 750k asap")
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got.Intent != "buying" || got.Urgency != "high" {
		t.Fatalf("unexpected normalization %+v", got)
	}
	if got.Preferences["budget"] != "750k" {
		t.Fatalf("expected trimmed budget, got %q", got.Preferences["budget"])
	}
	if _, ok := got.Preferences["pets"]; ok {
		t.Fatalf("unknown keys must be dropped")
	}
	if _, ok := got.Preferences["timeline"]; ok {
		t.Fatalf("empty values must be dropped")
	}
	if c.last.System == "" {
		t.Fatalf("expected system prompt")
	}
}

func TestAnalyze_DegradesOnFailure(t *testing.T) {
	a := NewAnalyzer(&stubClient{err: errors.New("timeout")}, logger.NewNop())
	got, err := a.Analyze(context.Background(), "hi")
	if err == nil {
		t.Fatalf("expected error")
	}
	if got.Preferences == nil || len(got.Preferences) != 0 {
		t.Fatalf("expected empty analysis, got %+v", got)
	}

	a = NewAnalyzer(&stubClient{content: "I think they want to buy"}, logger.NewNop())
	if _, err := a.Analyze(context.Background(), "hi"); err == nil {
		t.Fatalf("expected error for non-JSON content")
	}

	a = NewAnalyzer(nil, logger.NewNop())
	if _, err := a.Analyze(context.Background(), "hi"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestAnalyzeBatch(t *testing.T) {
	c := &stubClient{content: `{"results":[{"id":"a","intent":"selling","preferences":{"home_condition":"good"}},{"id":"b","intent":"buying"}]}`}
	an := NewAnalyzer(c, logger.NewNop())

	got, err := an.AnalyzeBatch(context.Background(), []BatchItem{{ID: "a", Message: "sell"}, {ID: "b", Message: "buy"}})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if got["a"].Preferences["home_condition"] != "good" || got["b"].Intent != "buying" {
		t.Fatalf("unexpected results %+v", got)
	}

	_, err = an.AnalyzeBatch(context.Background(), []BatchItem{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	if err == nil || !strings.Contains(err.Error(), `"c"`) {
		t.Fatalf("expected missing item error, got %v", err)
	}
}

func TestResponder_TemplateWithoutClient(t *testing.T) {
	r := NewResponder(nil, logger.NewNop())
	got, err := r.Reply(context.Background(), ReplyRequest{
		Contact: model.ContactInfo{FirstName: "Dana"},
		Missing: []string{"budget", "timeline"},
	})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if !strings.HasPrefix(got, "Thanks, Dana!") || !strings.Contains(got, "make a move") {
		t.Fatalf("expected timeline question first, got %q", got)
	}
}

func TestResponder_PropagatesFailures(t *testing.T) {
	r := NewResponder(&stubClient{err: errors.New("503")}, logger.NewNop())
	if _, err := r.Reply(context.Background(), ReplyRequest{Message: "hi"}); err == nil {
		t.Fatalf("expected error")
	}

	r = NewResponder(&stubClient{content: "   "}, logger.NewNop())
	if _, err := r.Reply(context.Background(), ReplyRequest{Message: "hi"}); !errors.Is(err, ErrEmptyReply) {
		t.Fatalf("expected ErrEmptyReply, got %v", err)
	}
}

func TestWithSystemPrefix(t *testing.T) {
	got := withSystemPrefix("sys", []ChatMessage{{Role: "assistant", Content: "hello"}})
	if len(got) != 2 || got[0].Role != "user" || got[0].Content != "sys" {
		t.Fatalf("expected inserted user turn, got %+v", got)
	}
	got = withSystemPrefix("sys", []ChatMessage{{Role: "user", Content: "hi"}})
	if len(got) != 1 || got[0].Content != "sys\n\nhi" {
		t.Fatalf("expected merged first turn, got %+v", got)
	}
}

func TestNewClientDefaultModels(t *testing.T) {
	oc, err := NewOpenAIClient("key", "")
	if err != nil {
		t.Fatal(err)
	}
	if oc.model != "gpt-4o-mini" {
		t.Fatalf("openai default model = %q", oc.model)
	}
	if oc, _ = NewOpenAIClient("key", "gpt-4"); oc.model != "gpt-4" {
		t.Fatalf("configured model ignored: %q", oc.model)
	}
	if _, err := NewOpenAIClient("", ""); err == nil {
		t.Fatal("expected missing key error")
	}
}
