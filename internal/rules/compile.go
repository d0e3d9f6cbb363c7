package rules

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kalambet/inboxrank/internal/email"
)

// Field names usable in rule conditions.
type Field string

const (
	FieldSender          Field = "sender"
	FieldRecipients      Field = "recipients"
	FieldSubject         Field = "subject"
	FieldBody            Field = "body"
	FieldContent         Field = "content"
	FieldHasAttachments  Field = "has_attachments"
	FieldAgeHours        Field = "age_hours"
	FieldReceivedHour    Field = "received_hour"
	FieldReceivedWeekday Field = "received_weekday"
)

// fieldTypes maps each field to the rule variant that may test it.
var fieldTypes = map[Field]Type{
	FieldSender:          TypeSender,
	FieldRecipients:      TypeSender,
	FieldSubject:         TypeKeyword,
	FieldBody:            TypeKeyword,
	FieldContent:         TypeKeyword,
	FieldHasAttachments:  TypeKeyword,
	FieldAgeHours:        TypeTime,
	FieldReceivedHour:    TypeTime,
	FieldReceivedWeekday: TypeTime,
}

// Op is a predicate operator.
type Op string

const (
	OpEquals   Op = "equals"
	OpIn       Op = "in"
	OpContains Op = "contains"
	OpMatches  Op = "matches"
	OpWildcard Op = "wildcard"
	OpLT       Op = "lt"
	OpLTE      Op = "lte"
	OpGT       Op = "gt"
	OpGTE      Op = "gte"
	OpBetween  Op = "between"
)

var stringOps = map[Op]bool{OpEquals: true, OpIn: true, OpContains: true, OpMatches: true, OpWildcard: true}
var numberOps = map[Op]bool{OpEquals: true, OpIn: true, OpLT: true, OpLTE: true, OpGT: true, OpGTE: true, OpBetween: true}

// Tie-break ranks for equal-priority conflicts. Larger wins.
const (
	specTime          = 10
	specKeyword       = 20
	specSenderPattern = 30
	specSenderExact   = 40
	specCompositeBump = 5
)

// Reserved id prefixes for rules synthesized from the File's policy sections.
const (
	builtinPrefix        = "builtin."
	BuiltinRecencyUrgent = "builtin.recency.urgent"
	BuiltinRecencyMedium = "builtin.recency.medium"
	BuiltinRecencyStale  = "builtin.recency.stale"
	builtinSenderPrefix  = "builtin.sender:"
	builtinKeywordPrefix = "builtin.keyword:"
)

// Warning records a rule that was skipped during compilation.
type Warning struct {
	RuleID string
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("rule %q skipped: %s", w.RuleID, w.Reason)
}

// Action is the compiled form of ActionDef.
type Action struct {
	Urgency    Level
	Importance Level
	ScoreDelta int
	Tags       []string
}

// Rule is a compiled, validated rule. The Type tag selects the evaluation
// function; cond is never nil.
type Rule struct {
	ID          string
	Type        Type
	Priority    int
	Order       int
	Specificity int
	Action      Action
	cond        *condition
}

type condition struct {
	leaf *predicate
	all  []*condition
	any  []*condition
}

type predicate struct {
	field Field
	op    Op
	strs  []string
	nums  []float64
	flag  bool
	re    *regexp.Regexp
}

// RuleSet is the immutable, compiled configuration passed to Evaluate.
type RuleSet struct {
	Rules        []Rule
	UrgentWithin time.Duration
	Location     *time.Location
	Warnings     []Warning
}

// Compile validates f and produces a RuleSet. Invalid rules are dropped and
// reported in Warnings; Compile itself never fails.
func Compile(f File) *RuleSet {
	def := DefaultFile()
	if f.Recency.UrgentWithin <= 0 {
		f.Recency.UrgentWithin = def.Recency.UrgentWithin
	}
	if f.Recency.MediumWithin < f.Recency.UrgentWithin {
		f.Recency.MediumWithin = f.Recency.UrgentWithin
	}

	rs := &RuleSet{UrgentWithin: f.Recency.UrgentWithin, Location: time.UTC}
	if f.Timezone != "" {
		if loc, err := time.LoadLocation(f.Timezone); err == nil {
			rs.Location = loc
		} else {
			rs.Warnings = append(rs.Warnings, Warning{RuleID: "timezone", Reason: err.Error()})
		}
	}

	defs := builtinDefinitions(f)
	nBuiltin := len(defs)
	defs = append(defs, f.Rules...)

	seen := make(map[string]bool, len(defs))
	for i, d := range defs {
		if !d.IsActive() {
			continue
		}
		if i >= nBuiltin && strings.HasPrefix(d.ID, builtinPrefix) {
			rs.Warnings = append(rs.Warnings, Warning{RuleID: d.ID, Reason: "reserved id prefix " + builtinPrefix})
			continue
		}
		if seen[d.ID] {
			rs.Warnings = append(rs.Warnings, Warning{RuleID: d.ID, Reason: "duplicate id"})
			continue
		}
		r, warn := compileRule(d, len(rs.Rules))
		if warn != nil {
			rs.Warnings = append(rs.Warnings, *warn)
			continue
		}
		seen[d.ID] = true
		rs.Rules = append(rs.Rules, r)
	}
	return rs
}

func builtinDefinitions(f File) []Definition {
	urgent := f.Recency.UrgentWithin.Hours()
	medium := f.Recency.MediumWithin.Hours()

	defs := []Definition{
		{
			ID: BuiltinRecencyUrgent, Type: TypeTime,
			Condition: ConditionDef{Field: string(FieldAgeHours), Op: string(OpLTE), Value: urgent},
			Action:    ActionDef{Urgency: "high"},
		},
		{
			ID: BuiltinRecencyMedium, Type: TypeTime,
			Condition: ConditionDef{Field: string(FieldAgeHours), Op: string(OpBetween), Value: []any{urgent, medium}},
			Action:    ActionDef{Urgency: "medium"},
		},
		{
			ID: BuiltinRecencyStale, Type: TypeTime,
			Condition: ConditionDef{Field: string(FieldAgeHours), Op: string(OpGT), Value: medium},
			Action:    ActionDef{Urgency: "low"},
		},
	}

	for _, m := range f.Management {
		op := OpEquals
		if strings.Contains(m.Pattern, "*") {
			op = OpWildcard
		}
		imp := m.Importance
		if imp == "" {
			imp = "high"
		}
		defs = append(defs, Definition{
			ID: builtinSenderPrefix + m.Pattern, Type: TypeSender,
			Condition: ConditionDef{Field: string(FieldSender), Op: string(op), Value: m.Pattern},
			Action:    ActionDef{Importance: imp},
		})
	}

	for _, kw := range f.CriticalKeywords {
		op, val := OpContains, kw
		if len(kw) > 2 && strings.HasPrefix(kw, "/") && strings.HasSuffix(kw, "/") {
			op, val = OpMatches, kw[1:len(kw)-1]
		}
		defs = append(defs, Definition{
			ID: builtinKeywordPrefix + kw, Type: TypeKeyword,
			Condition: ConditionDef{Field: string(FieldContent), Op: string(op), Value: val},
			Action:    ActionDef{Importance: "critical"},
		})
	}
	return defs
}

func compileRule(d Definition, order int) (Rule, *Warning) {
	fail := func(format string, args ...any) (Rule, *Warning) {
		return Rule{}, &Warning{RuleID: d.ID, Reason: fmt.Sprintf(format, args...)}
	}

	if strings.TrimSpace(d.ID) == "" {
		return fail("missing id")
	}

	act, err := compileAction(d.Action)
	if err != nil {
		return fail("%v", err)
	}

	r := Rule{ID: d.ID, Type: d.Type, Priority: d.Priority, Order: order, Action: act}

	switch d.Type {
	case TypeSender, TypeKeyword, TypeTime:
		if len(d.Condition.All) > 0 || len(d.Condition.Any) > 0 {
			return fail("%s rule cannot have a composite condition", d.Type)
		}
		p, err := compilePredicate(d.Condition)
		if err != nil {
			return fail("%v", err)
		}
		if fieldTypes[p.field] != d.Type {
			return fail("field %q cannot be used in a %s rule", p.field, d.Type)
		}
		r.cond = &condition{leaf: p}
		r.Specificity = predicateSpecificity(p)
	case TypeComposite:
		if len(d.Condition.All) == 0 && len(d.Condition.Any) == 0 {
			return fail("composite rule needs all or any")
		}
		c, spec, err := compileCondition(d.Condition)
		if err != nil {
			return fail("%v", err)
		}
		r.cond = c
		r.Specificity = spec + specCompositeBump
	default:
		return fail("unknown type %q", d.Type)
	}
	return r, nil
}

func compileAction(a ActionDef) (Action, error) {
	var out Action
	var err error
	if a.Urgency != "" {
		if out.Urgency, err = ParseLevel(a.Urgency); err != nil {
			return Action{}, fmt.Errorf("urgency: %w", err)
		}
	}
	if a.Importance != "" {
		if out.Importance, err = ParseLevel(a.Importance); err != nil {
			return Action{}, fmt.Errorf("importance: %w", err)
		}
	}
	out.ScoreDelta = a.ScoreDelta
	for _, t := range a.Tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out.Tags = append(out.Tags, t)
		}
	}
	if out.Urgency == LevelNone && out.Importance == LevelNone && out.ScoreDelta == 0 && len(out.Tags) == 0 {
		return Action{}, fmt.Errorf("empty action")
	}
	return out, nil
}

// compileCondition compiles a composite tree and returns the highest leaf
// specificity found in it.
func compileCondition(c ConditionDef) (*condition, int, error) {
	if len(c.All) == 0 && len(c.Any) == 0 {
		p, err := compilePredicate(c)
		if err != nil {
			return nil, 0, err
		}
		return &condition{leaf: p}, predicateSpecificity(p), nil
	}
	if c.Field != "" {
		return nil, 0, fmt.Errorf("condition mixes field %q with all/any", c.Field)
	}

	out := &condition{}
	best := 0
	for _, sub := range c.All {
		cc, spec, err := compileCondition(sub)
		if err != nil {
			return nil, 0, err
		}
		out.all = append(out.all, cc)
		best = max(best, spec)
	}
	for _, sub := range c.Any {
		cc, spec, err := compileCondition(sub)
		if err != nil {
			return nil, 0, err
		}
		out.any = append(out.any, cc)
		best = max(best, spec)
	}
	return out, best, nil
}

func compilePredicate(c ConditionDef) (*predicate, error) {
	f := Field(c.Field)
	group, ok := fieldTypes[f]
	if !ok {
		return nil, fmt.Errorf("unknown field %q", c.Field)
	}
	op := Op(c.Op)
	p := &predicate{field: f, op: op}

	switch {
	case f == FieldHasAttachments:
		if op != OpEquals {
			return nil, fmt.Errorf("operator %q not valid for %s", op, f)
		}
		b, ok := c.Value.(bool)
		if !ok {
			var err error
			if b, err = strconv.ParseBool(fmt.Sprint(c.Value)); err != nil {
				return nil, fmt.Errorf("has_attachments expects a boolean")
			}
		}
		p.flag = b
	case group == TypeTime:
		if !numberOps[op] {
			return nil, fmt.Errorf("operator %q not valid for %s", op, f)
		}
		nums, err := numberValues(c.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		if op == OpBetween && len(nums) != 2 {
			return nil, fmt.Errorf("between expects two values")
		}
		p.nums = nums
	default:
		if !stringOps[op] {
			return nil, fmt.Errorf("operator %q not valid for %s", op, f)
		}
		strs, err := stringValues(c.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f, err)
		}
		switch op {
		case OpMatches:
			re, err := regexp.Compile("(?i)" + strs[0])
			if err != nil {
				return nil, fmt.Errorf("invalid regex %q: %w", strs[0], err)
			}
			p.re = re
		case OpWildcard:
			p.re = globToRegexp(email.Normalize(strs[0]))
		}
		for i := range strs {
			strs[i] = email.Normalize(strs[i])
		}
		p.strs = strs
	}
	return p, nil
}

func predicateSpecificity(p *predicate) int {
	switch fieldTypes[p.field] {
	case TypeSender:
		if p.op == OpEquals || p.op == OpIn {
			return specSenderExact
		}
		return specSenderPattern
	case TypeKeyword:
		return specKeyword
	default:
		return specTime
	}
}

func stringValues(v any) ([]string, error) {
	var out []string
	switch x := v.(type) {
	case nil:
	case string:
		out = []string{x}
	case []string:
		out = append(out, x...)
	case []any:
		for _, e := range x {
			out = append(out, fmt.Sprint(e))
		}
	default:
		out = []string{fmt.Sprint(x)}
	}
	// Drop empties; an empty pattern would match everything.
	kept := out[:0]
	for _, s := range out {
		if strings.TrimSpace(s) != "" {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("missing value")
	}
	return kept, nil
}

func numberValues(v any) ([]float64, error) {
	one := func(e any) (float64, error) {
		switch n := e.(type) {
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case float64:
			return n, nil
		case string:
			return strconv.ParseFloat(strings.TrimSpace(n), 64)
		}
		return 0, fmt.Errorf("not a number: %v", e)
	}

	var out []float64
	switch x := v.(type) {
	case []any:
		for _, e := range x {
			n, err := one(e)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		}
	case nil:
	default:
		n, err := one(x)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("missing value")
	}
	return out, nil
}

func globToRegexp(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i := range parts {
		parts[i] = regexp.QuoteMeta(parts[i])
	}
	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}
