// Package classify merges rule signals with optional AI scores into the
// stored classification of each email.
package classify

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/kalambet/inboxrank/internal/rules"
	"github.com/kalambet/inboxrank/internal/scorer"
	"github.com/kalambet/inboxrank/internal/storage"
)

// Source records whether an AI score contributed to a record.
type Source string

const (
	SourceRuleOnly   Source = "rule_only"
	SourceRulePlusAI Source = "rule_plus_ai"
)

// DefaultBaselineConfidence is the confidence of rule-only records.
const DefaultBaselineConfidence = 0.5

// Policy holds the aggregation knobs.
type Policy struct {
	BaselineConfidence float64
}

// Record is the authoritative classification of one email.
type Record struct {
	EmailID        string      `json:"email_id"`
	PriorityScore  int         `json:"priority_score"`
	Urgency        rules.Level `json:"urgency_level"`
	Importance     rules.Level `json:"importance_level"`
	Confidence     float64     `json:"confidence"`
	Source         Source      `json:"source"`
	MatchedRuleIDs []string    `json:"matched_rule_ids"`
	Tags           []string    `json:"tags,omitempty"`
	Summary        string      `json:"summary,omitempty"`
	Reason         string      `json:"reason,omitempty"`
	ClassifiedAt   time.Time   `json:"classified_at"`
}

// Equal reports whether r and o carry the same classification. The
// timestamp and the free-text reason are bookkeeping and are ignored.
func (r Record) Equal(o Record) bool {
	return r.EmailID == o.EmailID &&
		r.PriorityScore == o.PriorityScore &&
		r.Urgency == o.Urgency &&
		r.Importance == o.Importance &&
		r.Confidence == o.Confidence &&
		r.Source == o.Source &&
		r.Summary == o.Summary &&
		slices.Equal(r.MatchedRuleIDs, o.MatchedRuleIDs) &&
		slices.Equal(r.Tags, o.Tags)
}

// Storage converts r to its persisted shape. Tags are stored separately.
func (r Record) Storage() storage.Classification {
	return storage.Classification{
		EmailID:        r.EmailID,
		PriorityScore:  r.PriorityScore,
		Urgency:        r.Urgency.String(),
		Importance:     r.Importance.String(),
		Confidence:     r.Confidence,
		Source:         string(r.Source),
		MatchedRuleIDs: r.MatchedRuleIDs,
		Summary:        r.Summary,
		Reason:         r.Reason,
		ClassifiedAt:   r.ClassifiedAt,
	}
}

// FromStorage rebuilds a Record from its persisted shape and tag set.
func FromStorage(c storage.Classification, tags []string) (Record, error) {
	urg, err := rules.ParseLevel(c.Urgency)
	if err != nil {
		return Record{}, fmt.Errorf("urgency of %s: %w", c.EmailID, err)
	}
	imp, err := rules.ParseLevel(c.Importance)
	if err != nil {
		return Record{}, fmt.Errorf("importance of %s: %w", c.EmailID, err)
	}
	return Record{
		EmailID:        c.EmailID,
		PriorityScore:  c.PriorityScore,
		Urgency:        urg,
		Importance:     imp,
		Confidence:     c.Confidence,
		Source:         Source(c.Source),
		MatchedRuleIDs: nonNil(c.MatchedRuleIDs),
		Tags:           nonNil(tags),
		Summary:        c.Summary,
		Reason:         c.Reason,
		ClassifiedAt:   c.ClassifiedAt,
	}, nil
}

// levelScore maps a label to its priority score.
var levelScore = map[rules.Level]int{
	rules.LevelCritical: 5,
	rules.LevelHigh:     4,
	rules.LevelMedium:   3,
	rules.LevelLow:      2,
}

// RuleScore derives a priority score from the labels of sig alone.
func RuleScore(sig rules.Signal) int {
	urg, imp := orLow(sig.Urgency), orLow(sig.Importance)
	score := max(levelScore[urg], levelScore[imp])
	if urg == rules.LevelLow && imp == rules.LevelLow {
		score = 1
	}
	return clamp(score + sig.ScoreDelta)
}

// Aggregate merges a rule signal with an optional AI score. It is pure:
// EmailID and ClassifiedAt are left for the caller to set.
//
// Without an AI score the record is rule-only with the baseline
// confidence. With one, the AI score is used unless the signal asserts a
// floor (critical importance or rule-asserted urgency), in which case the
// rule score is the minimum.
func Aggregate(sig rules.Signal, ai *scorer.Score, p Policy) Record {
	if p.BaselineConfidence <= 0 || p.BaselineConfidence > 1 {
		p.BaselineConfidence = DefaultBaselineConfidence
	}
	rec := Record{
		Urgency:        orLow(sig.Urgency),
		Importance:     orLow(sig.Importance),
		MatchedRuleIDs: nonNil(slices.Clone(sig.MatchedRuleIDs)),
		Tags:           nonNil(slices.Clone(sig.Tags)),
	}
	ruleScore := RuleScore(sig)
	labels := fmt.Sprintf("urgency %s, importance %s", rec.Urgency, rec.Importance)

	if ai == nil {
		rec.Source = SourceRuleOnly
		rec.PriorityScore = ruleScore
		rec.Confidence = p.BaselineConfidence
		rec.Reason = fmt.Sprintf("rules: %s -> %d", labels, ruleScore)
		return rec
	}

	rec.Source = SourceRulePlusAI
	rec.Confidence = clampUnit(ai.Confidence)
	rec.Summary = ai.Summary
	rec.PriorityScore = clamp(ai.PriorityScore)
	rec.Reason = fmt.Sprintf("rules: %s; ai score %d", labels, ai.PriorityScore)
	if sig.Floor() && ruleScore > rec.PriorityScore {
		rec.PriorityScore = ruleScore
		rec.Reason += fmt.Sprintf(" raised to rule floor %d (%s)", ruleScore, floorCause(sig))
	}
	return rec
}

func floorCause(sig rules.Signal) string {
	var causes []string
	if sig.Importance == rules.LevelCritical {
		causes = append(causes, "critical importance")
	}
	if sig.UrgencyAsserted {
		causes = append(causes, "asserted urgency")
	}
	return strings.Join(causes, " and ")
}

func orLow(l rules.Level) rules.Level {
	if l == rules.LevelNone {
		return rules.LevelLow
	}
	return l
}

func clamp(score int) int {
	return min(max(score, 1), 5)
}

func clampUnit(f float64) float64 {
	if f != f || f < 0 {
		return 0
	}
	return min(f, 1)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
