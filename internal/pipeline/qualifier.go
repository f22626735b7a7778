package pipeline

import (
	"strings"
	"time"

	"github.com/capitalize-ai/lead-scheduler/internal/llm"
	"github.com/capitalize-ai/lead-scheduler/internal/model"
)

// QualificationFields are the fields that count toward the score.
var QualificationFields = []string{
	"budget", "location", "timeline", "bedrooms", "financing", "motivation", "home_condition",
}

// Qualifier merges extracted preferences into the stored qualification and
// scores it as the number of known fields.
type Qualifier struct {
	Fields []string
}

// DefaultQualifier scores over QualificationFields.
func DefaultQualifier() Qualifier {
	return Qualifier{Fields: QualificationFields}
}

// Qualify returns prior updated with the analysis. Newer non-empty values
// replace older ones; nothing is ever cleared.
func (q Qualifier) Qualify(prior model.Qualification, a llm.Analysis, now time.Time) model.Qualification {
	prefs := make(map[string]string, len(prior.Preferences)+len(a.Preferences))
	for k, v := range prior.Preferences {
		prefs[k] = v
	}
	changed := false
	for k, v := range a.Preferences {
		if v = strings.TrimSpace(v); v != "" && prefs[k] != v {
			prefs[k] = v
			changed = true
		}
	}

	out := model.Qualification{
		Score:       q.score(prefs),
		Preferences: prefs,
		UpdatedAt:   prior.UpdatedAt,
	}
	if changed || prior.UpdatedAt.IsZero() {
		out.UpdatedAt = now
	}
	return out
}

// Missing lists scored fields with no value, in field order.
func (q Qualifier) Missing(qual model.Qualification) []string {
	var out []string
	for _, f := range q.Fields {
		if qual.Preferences[f] == "" {
			out = append(out, f)
		}
	}
	return out
}

func (q Qualifier) score(prefs map[string]string) int {
	n := 0
	for _, f := range q.Fields {
		if prefs[f] != "" {
			n++
		}
	}
	return n
}
