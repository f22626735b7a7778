package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/lead-scheduler/pkg/logger"
)

// PreferenceKeys are the qualification fields extracted from lead messages.
var PreferenceKeys = []string{
	"budget", "location", "timeline", "bedrooms", "financing", "motivation", "home_condition", "preferred_time",
}

// Analysis is the semantic read of one lead message.
type Analysis struct {
	Intent      string            `json:"intent"`
	Urgency     string            `json:"urgency"`
	Sentiment   string            `json:"sentiment"`
	Preferences map[string]string `json:"preferences"`
}

// EmptyAnalysis is the degraded result used when analysis is unavailable.
func EmptyAnalysis() Analysis {
	return Analysis{Preferences: map[string]string{}}
}

// BatchItem is one message in a batched analysis.
type BatchItem struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

const analysisPrompt = `You extract structured data from real estate lead messages.
Reply with JSON only, no prose. Schema:
{"intent": "buying|selling|investing|scheduling|question|other",
 "urgency": "low|medium|high",
 "sentiment": "positive|neutral|negative",
 "preferences": {"budget": "", "location": "", "timeline": "", "bedrooms": "", "financing": "", "motivation": "", "home_condition": "", "preferred_time": "morning|afternoon|evening"}}
Omit preference keys the message does not mention.`

const batchPrompt = `You extract structured data from several real estate lead messages at once.
Reply with JSON only: {"results": [{"id": "<id>", "intent": "", "urgency": "", "sentiment": "", "preferences": {}}]}
Use the same fields as a single analysis and return exactly one result per id.`

// Analyzer turns lead messages into Analysis values.
type Analyzer struct {
	client Client
	logger *logger.Logger
}

// NewAnalyzer creates an analyzer. A nil client makes every call fail with
// ErrNotConfigured.
func NewAnalyzer(client Client, log *logger.Logger) *Analyzer {
	return &Analyzer{client: client, logger: log.Named("analyzer")}
}

// Analyze extracts intent and preferences from message.
func (a *Analyzer) Analyze(ctx context.Context, message string) (Analysis, error) {
	if a.client == nil {
		return EmptyAnalysis(), ErrNotConfigured
	}
	if strings.TrimSpace(message) == "" {
		return EmptyAnalysis(), nil
	}

	resp, err := a.client.Complete(ctx, &CompletionRequest{
		System:    analysisPrompt,
		Messages:  []ChatMessage{{Role: "user", Content: message}},
		MaxTokens: 400,
		JSON:      true,
	})
	if err != nil {
		return EmptyAnalysis(), fmt.Errorf("analysis failed: %w", err)
	}

	var out Analysis
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &out); err != nil {
		a.logger.Warn("unparseable analysis", zap.String("content", truncate(resp.Content, 200)), zap.Error(err))
		return EmptyAnalysis(), fmt.Errorf("analysis response is not JSON: %w", err)
	}
	return normalize(out), nil
}

// AnalyzeBatch analyzes several messages in one call. It fails as a whole
// when any item is missing from the response, so callers can fall back to
// per-message analysis.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, items []BatchItem) (map[string]Analysis, error) {
	if a.client == nil {
		return nil, ErrNotConfigured
	}
	if len(items) == 0 {
		return map[string]Analysis{}, nil
	}

	payload, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Complete(ctx, &CompletionRequest{
		System:    batchPrompt,
		Messages:  []ChatMessage{{Role: "user", Content: string(payload)}},
		MaxTokens: 300 * len(items),
		JSON:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("batch analysis failed: %w", err)
	}

	var parsed struct {
		Results []struct {
			ID string `json:"id"`
			Analysis
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		return nil, fmt.Errorf("batch analysis response is not JSON: %w", err)
	}

	out := make(map[string]Analysis, len(parsed.Results))
	for _, r := range parsed.Results {
		out[r.ID] = normalize(r.Analysis)
	}
	for _, it := range items {
		if _, ok := out[it.ID]; !ok {
			return nil, fmt.Errorf("batch analysis missing item %q", it.ID)
		}
	}
	return out, nil
}

func normalize(a Analysis) Analysis {
	prefs := make(map[string]string, len(a.Preferences))
	for _, k := range PreferenceKeys {
		if v := strings.TrimSpace(a.Preferences[k]); v != "" {
			prefs[k] = v
		}
	}
	a.Preferences = prefs
	a.Intent = strings.ToLower(strings.TrimSpace(a.Intent))
	a.Urgency = strings.ToLower(strings.TrimSpace(a.Urgency))
	a.Sentiment = strings.ToLower(strings.TrimSpace(a.Sentiment))
	return a
}

// extractJSON trims code fences and prose around the outermost JSON object.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
