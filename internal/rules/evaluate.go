package rules

import (
	"slices"
	"strings"
	"time"

	"github.com/kalambet/inboxrank/internal/email"
)

// Signal is the deterministic output of Evaluate.
type Signal struct {
	Urgency    Level `json:"urgency"`
	Importance Level `json:"importance"`
	// MatchedRuleIDs is sorted so equal inputs give equal signals.
	MatchedRuleIDs []string `json:"matched_rule_ids"`
	// UrgencyAsserted is set when high-or-above urgency came from an exact
	// sender, keyword or composite rule rather than from message age.
	UrgencyAsserted bool     `json:"urgency_asserted"`
	ScoreDelta      int      `json:"score_delta,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// Floor reports whether the signal carries a rule-asserted classification
// that an AI score must not lower.
func (s Signal) Floor() bool {
	return s.Importance == LevelCritical || s.UrgencyAsserted
}

// Evaluate applies rs to e as of now. It performs no I/O and has no side
// effects; the same inputs always yield an identical Signal.
func Evaluate(e email.Email, rs *RuleSet, now time.Time) Signal {
	f := newFacts(e, rs.Location, now)

	var (
		urgWin, impWin *Rule
		critical       bool
		ids            []string
		tags           []string
		delta          int
	)
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if !r.matches(f) {
			continue
		}
		ids = append(ids, r.ID)
		delta += r.Action.ScoreDelta
		tags = append(tags, r.Action.Tags...)
		if strings.HasPrefix(r.ID, builtinKeywordPrefix) {
			critical = true
		}
		if r.Action.Urgency != LevelNone && outranks(r, urgWin) {
			urgWin = r
		}
		if r.Action.Importance != LevelNone && outranks(r, impWin) {
			impWin = r
		}
	}

	sig := Signal{Urgency: LevelLow, Importance: LevelLow, ScoreDelta: delta}
	if urgWin != nil {
		sig.Urgency = urgWin.Action.Urgency
		sig.UrgencyAsserted = sig.Urgency >= LevelHigh && urgWin.asserts()
	}
	if impWin != nil {
		sig.Importance = impWin.Action.Importance
	}
	// Critical content escalates regardless of which sender rule won.
	if critical {
		sig.Importance = LevelCritical
	}
	if f.ageHours <= rs.UrgentWithin.Hours() && sig.Urgency < LevelHigh {
		sig.Urgency = LevelHigh
	}

	slices.Sort(ids)
	sig.MatchedRuleIDs = ids
	if len(tags) > 0 {
		slices.Sort(tags)
		sig.Tags = slices.Compact(tags)
	}
	return sig
}

// outranks implements the conflict policy: higher priority, then higher
// specificity, then earlier position in the set.
func outranks(r, cur *Rule) bool {
	if cur == nil {
		return true
	}
	if r.Priority != cur.Priority {
		return r.Priority > cur.Priority
	}
	if r.Specificity != cur.Specificity {
		return r.Specificity > cur.Specificity
	}
	return r.Order < cur.Order
}

func (r *Rule) asserts() bool {
	switch r.Type {
	case TypeKeyword, TypeComposite:
		return true
	case TypeSender:
		return r.Specificity == specSenderExact
	}
	return false
}

type facts struct {
	senderAddr string
	senderRaw  string
	recipients []string
	subject    string
	body       string
	content    string
	attach     bool
	ageHours   float64
	hour       float64
	weekday    float64
}

func newFacts(e email.Email, loc *time.Location, now time.Time) *facts {
	if loc == nil {
		loc = time.UTC
	}
	age := now.Sub(e.ReceivedAt).Hours()
	if age < 0 {
		age = 0
	}
	local := e.ReceivedAt.In(loc)

	f := &facts{
		senderAddr: e.SenderAddress(),
		senderRaw:  email.Normalize(e.Sender),
		subject:    e.NormalizedSubject(),
		body:       e.NormalizedBody(),
		attach:     e.HasAttachments,
		ageHours:   age,
		hour:       float64(local.Hour()),
		weekday:    float64(local.Weekday()),
	}
	f.content = strings.TrimSpace(f.subject + " " + f.body)
	for _, r := range e.Recipients {
		f.recipients = append(f.recipients, email.Address(r))
	}
	return f
}

func (r *Rule) matches(f *facts) bool {
	switch r.Type {
	case TypeSender:
		return matchSender(r.cond.leaf, f)
	case TypeKeyword:
		return matchKeyword(r.cond.leaf, f)
	case TypeTime:
		return matchTime(r.cond.leaf, f)
	case TypeComposite:
		return matchComposite(r.cond, f)
	}
	return false
}

func matchSender(p *predicate, f *facts) bool {
	if p.field == FieldRecipients {
		for _, rcpt := range f.recipients {
			if p.matchString(rcpt) {
				return true
			}
		}
		return false
	}
	if p.matchString(f.senderAddr) {
		return true
	}
	// Substring and regex tests may target the display name too.
	return (p.op == OpContains || p.op == OpMatches) && p.matchString(f.senderRaw)
}

func matchKeyword(p *predicate, f *facts) bool {
	switch p.field {
	case FieldSubject:
		return p.matchString(f.subject)
	case FieldBody:
		return p.matchString(f.body)
	case FieldContent:
		return p.matchString(f.content)
	case FieldHasAttachments:
		return f.attach == p.flag
	}
	return false
}

func matchTime(p *predicate, f *facts) bool {
	switch p.field {
	case FieldAgeHours:
		return p.matchNumber(f.ageHours)
	case FieldReceivedHour:
		return p.matchNumber(f.hour)
	case FieldReceivedWeekday:
		return p.matchNumber(f.weekday)
	}
	return false
}

func matchComposite(c *condition, f *facts) bool {
	if c.leaf != nil {
		switch fieldTypes[c.leaf.field] {
		case TypeSender:
			return matchSender(c.leaf, f)
		case TypeKeyword:
			return matchKeyword(c.leaf, f)
		default:
			return matchTime(c.leaf, f)
		}
	}
	for _, sub := range c.all {
		if !matchComposite(sub, f) {
			return false
		}
	}
	if len(c.any) == 0 {
		return true
	}
	for _, sub := range c.any {
		if matchComposite(sub, f) {
			return true
		}
	}
	return false
}

func (p *predicate) matchString(s string) bool {
	switch p.op {
	case OpEquals, OpIn:
		return slices.Contains(p.strs, s)
	case OpContains:
		for _, v := range p.strs {
			if strings.Contains(s, v) {
				return true
			}
		}
	case OpMatches, OpWildcard:
		return p.re.MatchString(s)
	}
	return false
}

func (p *predicate) matchNumber(x float64) bool {
	switch p.op {
	case OpEquals, OpIn:
		return slices.Contains(p.nums, x)
	case OpLT:
		return x < p.nums[0]
	case OpLTE:
		return x <= p.nums[0]
	case OpGT:
		return x > p.nums[0]
	case OpGTE:
		return x >= p.nums[0]
	case OpBetween:
		return x > p.nums[0] && x <= p.nums[1]
	}
	return false
}
