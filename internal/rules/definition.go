package rules

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrRuleNotFound is returned by rule-management operations for unknown ids.
var ErrRuleNotFound = errors.New("rule not found")

// Type is the closed set of rule variants.
type Type string

const (
	TypeSender    Type = "sender-match"
	TypeKeyword   Type = "keyword-match"
	TypeTime      Type = "time-window"
	TypeComposite Type = "composite"
)

// File is the on-disk rules document.
type File struct {
	Timezone         string       `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	Recency          Recency      `yaml:"recency" json:"recency"`
	Management       []SenderSpec `yaml:"management,omitempty" json:"management,omitempty"`
	CriticalKeywords []string     `yaml:"critical_keywords,omitempty" json:"critical_keywords,omitempty"`
	Rules            []Definition `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// Recency configures the age thresholds used for time-based urgency.
// Messages younger than UrgentWithin are high urgency, younger than
// MediumWithin are medium, and anything older is low.
type Recency struct {
	UrgentWithin time.Duration `yaml:"urgent_within" json:"urgent_within"`
	MediumWithin time.Duration `yaml:"medium_within" json:"medium_within"`
}

// SenderSpec is one management allow-list entry: either an exact address
// or a wildcard pattern such as "*@corp.com".
type SenderSpec struct {
	Pattern    string `yaml:"pattern" json:"pattern"`
	Importance string `yaml:"importance,omitempty" json:"importance,omitempty"`
}

// Definition is a user rule as written in the rules file.
type Definition struct {
	ID        string       `yaml:"id" json:"id"`
	Type      Type         `yaml:"type" json:"type"`
	Condition ConditionDef `yaml:"condition" json:"condition"`
	Action    ActionDef    `yaml:"action" json:"action"`
	Priority  int          `yaml:"priority,omitempty" json:"priority,omitempty"`
	Active    *bool        `yaml:"active,omitempty" json:"active,omitempty"`
}

// IsActive reports whether the rule is enabled. Rules are active unless
// explicitly disabled.
func (d Definition) IsActive() bool {
	return d.Active == nil || *d.Active
}

// ConditionDef is either a leaf predicate (Field, Op, Value) or a
// composite of nested conditions (All = AND, Any = OR).
type ConditionDef struct {
	Field string         `yaml:"field,omitempty" json:"field,omitempty"`
	Op    string         `yaml:"op,omitempty" json:"op,omitempty"`
	Value any            `yaml:"value,omitempty" json:"value,omitempty"`
	All   []ConditionDef `yaml:"all,omitempty" json:"all,omitempty"`
	Any   []ConditionDef `yaml:"any,omitempty" json:"any,omitempty"`
}

// ActionDef is what a rule asserts when it fires.
type ActionDef struct {
	Urgency    string   `yaml:"urgency,omitempty" json:"urgency,omitempty"`
	Importance string   `yaml:"importance,omitempty" json:"importance,omitempty"`
	ScoreDelta int      `yaml:"score_delta,omitempty" json:"score_delta,omitempty"`
	Tags       []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// DefaultFile returns the rules used when no rules file exists.
func DefaultFile() File {
	return File{
		Recency: Recency{
			UrgentWithin: 48 * time.Hour,
			MediumWithin: 7 * 24 * time.Hour,
		},
		CriticalKeywords: []string{
			"evaluation", "promotion", "benefits", "registration",
			"考核", "晋升", "福利", "注册",
		},
	}
}

// Load reads a rules file. A missing file yields DefaultFile.
func Load(path string) (File, error) {
	return LoadWithRecency(path, DefaultFile().Recency)
}

// LoadWithRecency is Load with rec filling recency thresholds the file
// leaves unset.
func LoadWithRecency(path string, rec Recency) (File, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		f := DefaultFile()
		f.Recency = fillRecency(Recency{}, rec)
		return f, nil
	}
	if err != nil {
		return File{}, fmt.Errorf("reading rules file: %w", err)
	}
	f, err := decode(data)
	if err != nil {
		return File{}, err
	}
	f.Recency = fillRecency(f.Recency, rec)
	return f, nil
}

// Parse decodes a YAML rules document, filling unset recency thresholds
// from DefaultFile.
func Parse(data []byte) (File, error) {
	f, err := decode(data)
	if err != nil {
		return File{}, err
	}
	f.Recency = fillRecency(f.Recency, DefaultFile().Recency)
	return f, nil
}

func decode(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parsing rules file: %w", err)
	}
	return f, nil
}

func fillRecency(r, def Recency) Recency {
	if r.UrgentWithin <= 0 {
		r.UrgentWithin = def.UrgentWithin
	}
	if r.MediumWithin <= 0 {
		r.MediumWithin = def.MediumWithin
	}
	return r
}

// Save writes f to path as YAML, creating parent directories as needed.
func Save(path string, f File) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating rules dir: %w", err)
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding rules: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Add appends a rule. Ids must be unique.
func (f *File) Add(d Definition) error {
	if d.ID == "" {
		return errors.New("rule id is required")
	}
	if f.index(d.ID) >= 0 {
		return fmt.Errorf("rule %q already exists", d.ID)
	}
	if _, warn := compileRule(d, len(f.Rules)); warn != nil {
		return fmt.Errorf("rule %q: %s", d.ID, warn.Reason)
	}
	f.Rules = append(f.Rules, d)
	return nil
}

// SetActive enables or disables a rule.
func (f *File) SetActive(id string, active bool) error {
	i := f.index(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	f.Rules[i].Active = &active
	return nil
}

// Remove deletes a rule.
func (f *File) Remove(id string) error {
	i := f.index(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	f.Rules = append(f.Rules[:i], f.Rules[i+1:]...)
	return nil
}

func (f *File) index(id string) int {
	for i, r := range f.Rules {
		if r.ID == id {
			return i
		}
	}
	return -1
}
