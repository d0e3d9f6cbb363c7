package rules

import (
	"reflect"
	"slices"
	"testing"
	"time"

	"github.com/kalambet/inboxrank/internal/email"
)

var evalNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func testEmail(sender, subject, body string, age time.Duration) email.Email {
	return email.Email{
		ID:         "m1",
		Sender:     sender,
		Recipients: []string{"me@corp.com"},
		Subject:    subject,
		Body:       body,
		ReceivedAt: evalNow.Add(-age),
	}
}

func managementFile() File {
	f := DefaultFile()
	f.Management = []SenderSpec{
		{Pattern: "*@corp.com", Importance: "medium"},
		{Pattern: "ceo@corp.com", Importance: "high"},
	}
	return f
}

func TestEvaluate_ScenarioA(t *testing.T) {
	rs := Compile(managementFile())
	e := testEmail("CEO <ceo@corp.com>", "Q3 planning", "Your promotion is approved.", time.Hour)

	sig := Evaluate(e, rs, evalNow)

	if sig.Urgency != LevelHigh {
		t.Errorf("Urgency = %v, want high", sig.Urgency)
	}
	if sig.Importance != LevelCritical {
		t.Errorf("Importance = %v, want critical", sig.Importance)
	}
	if !sig.Floor() {
		t.Error("Floor() = false, want true for critical importance")
	}
	for _, id := range []string{BuiltinRecencyUrgent, "builtin.sender:ceo@corp.com", "builtin.keyword:promotion"} {
		if !slices.Contains(sig.MatchedRuleIDs, id) {
			t.Errorf("MatchedRuleIDs %v missing %q", sig.MatchedRuleIDs, id)
		}
	}
}

func TestEvaluate_CriticalKeywordBeatsSenderRule(t *testing.T) {
	tests := []struct {
		name   string
		sender string
		age    time.Duration
	}{
		{"wildcard sender, stale", "team@corp.com", 72 * time.Hour},
		{"wildcard sender, recent", "team@corp.com", time.Hour},
		{"exact sender, stale", "ceo@corp.com", 200 * time.Hour},
	}
	rs := Compile(managementFile())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := Evaluate(testEmail(tt.sender, "Update", "about your promotion", tt.age), rs, evalNow)
			if sig.Importance != LevelCritical {
				t.Errorf("Importance = %v, want critical (ids %v)", sig.Importance, sig.MatchedRuleIDs)
			}
			if !sig.Floor() {
				t.Error("Floor() = false, want true")
			}
		})
	}

	sig := Evaluate(testEmail("team@corp.com", "Update", "lunch menu", 72*time.Hour), rs, evalNow)
	if sig.Importance != LevelMedium {
		t.Errorf("without keyword: Importance = %v, want medium", sig.Importance)
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	rs := Compile(managementFile())
	e := testEmail("ceo@corp.com", "Benefits registration", "open enrollment", 30*time.Hour)

	first := Evaluate(e, rs, evalNow)
	for i := 0; i < 50; i++ {
		if got := Evaluate(e, rs, evalNow); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d: signal %+v differs from %+v", i, got, first)
		}
	}
	if !slices.IsSorted(first.MatchedRuleIDs) {
		t.Errorf("MatchedRuleIDs not sorted: %v", first.MatchedRuleIDs)
	}
}

func TestEvaluate_RecencyDecay(t *testing.T) {
	rs := Compile(DefaultFile())
	tests := []struct {
		age  time.Duration
		want Level
	}{
		{0, LevelHigh},
		{47 * time.Hour, LevelHigh},
		{48 * time.Hour, LevelHigh},
		{49 * time.Hour, LevelMedium},
		{7 * 24 * time.Hour, LevelMedium},
		{8 * 24 * time.Hour, LevelLow},
		{-2 * time.Hour, LevelHigh}, // future-dated counts as fresh
	}
	for _, tt := range tests {
		sig := Evaluate(testEmail("x@y.z", "hi", "", tt.age), rs, evalNow)
		if sig.Urgency != tt.want {
			t.Errorf("age %v: Urgency = %v, want %v", tt.age, sig.Urgency, tt.want)
		}
		if sig.UrgencyAsserted {
			t.Errorf("age %v: time-based urgency must not be asserted", tt.age)
		}
	}
}

func TestEvaluate_RecentIsNeverBelowHigh(t *testing.T) {
	f := DefaultFile()
	f.Rules = []Definition{{
		ID: "quiet-newsletters", Type: TypeSender, Priority: 100,
		Condition: ConditionDef{Field: "sender", Op: "wildcard", Value: "*@news.example.com"},
		Action:    ActionDef{Urgency: "low"},
	}}
	rs := Compile(f)

	sig := Evaluate(testEmail("digest@news.example.com", "Weekly", "", 2*time.Hour), rs, evalNow)
	if sig.Urgency != LevelHigh {
		t.Errorf("Urgency = %v, want high for a 2h-old message", sig.Urgency)
	}
	if !slices.Contains(sig.MatchedRuleIDs, "quiet-newsletters") {
		t.Errorf("expected quiet-newsletters in %v", sig.MatchedRuleIDs)
	}

	old := Evaluate(testEmail("digest@news.example.com", "Weekly", "", 72*time.Hour), rs, evalNow)
	if old.Urgency != LevelLow {
		t.Errorf("old Urgency = %v, want low from higher-priority rule", old.Urgency)
	}
}

func TestEvaluate_ExactSenderBeatsWildcard(t *testing.T) {
	rs := Compile(managementFile())

	ceo := Evaluate(testEmail("ceo@corp.com", "hello", "", 100*time.Hour), rs, evalNow)
	if ceo.Importance != LevelHigh {
		t.Errorf("ceo Importance = %v, want high", ceo.Importance)
	}

	staff := Evaluate(testEmail("bob@corp.com", "hello", "", 100*time.Hour), rs, evalNow)
	if staff.Importance != LevelMedium {
		t.Errorf("staff Importance = %v, want medium", staff.Importance)
	}

	outsider := Evaluate(testEmail("eve@corp.com.evil.io", "hello", "", 100*time.Hour), rs, evalNow)
	if outsider.Importance != LevelLow {
		t.Errorf("outsider Importance = %v, want low", outsider.Importance)
	}
}

func TestEvaluate_TieBreak(t *testing.T) {
	f := DefaultFile()
	f.CriticalKeywords = nil
	f.Rules = []Definition{
		{
			ID: "time-high", Type: TypeTime, Priority: 5,
			Condition: ConditionDef{Field: "received_hour", Op: "gte", Value: 0},
			Action:    ActionDef{Importance: "high"},
		},
		{
			ID: "kw-medium", Type: TypeKeyword, Priority: 5,
			Condition: ConditionDef{Field: "subject", Op: "contains", Value: "report"},
			Action:    ActionDef{Importance: "medium"},
		},
		{
			ID: "sender-low", Type: TypeSender, Priority: 5,
			Condition: ConditionDef{Field: "sender", Op: "equals", Value: "ops@corp.com"},
			Action:    ActionDef{Importance: "low"},
		},
	}
	rs := Compile(f)

	// Equal priority: sender beats keyword beats time.
	sig := Evaluate(testEmail("ops@corp.com", "Daily report", "", 100*time.Hour), rs, evalNow)
	if sig.Importance != LevelLow {
		t.Errorf("Importance = %v, want low from sender rule", sig.Importance)
	}
	sig = Evaluate(testEmail("dev@corp.com", "Daily report", "", 100*time.Hour), rs, evalNow)
	if sig.Importance != LevelMedium {
		t.Errorf("Importance = %v, want medium from keyword rule", sig.Importance)
	}

	// Higher priority wins regardless of type.
	f.Rules[0].Priority = 9
	rs = Compile(f)
	sig = Evaluate(testEmail("ops@corp.com", "Daily report", "", 100*time.Hour), rs, evalNow)
	if sig.Importance != LevelHigh {
		t.Errorf("Importance = %v, want high from priority-9 time rule", sig.Importance)
	}
}

func TestEvaluate_CJKKeyword(t *testing.T) {
	rs := Compile(DefaultFile())
	sig := Evaluate(testEmail("hr@corp.cn", "关于年度考核的通知", "请 查看", 100*time.Hour), rs, evalNow)
	if sig.Importance != LevelCritical {
		t.Errorf("Importance = %v, want critical for 考核", sig.Importance)
	}

	sig = Evaluate(testEmail("hr@corp.cn", "REGISTRATION   deadline", "", 100*time.Hour), rs, evalNow)
	if sig.Importance != LevelCritical {
		t.Errorf("Importance = %v, want critical for case-insensitive keyword", sig.Importance)
	}
}

func TestEvaluate_RegexKeyword(t *testing.T) {
	f := DefaultFile()
	f.CriticalKeywords = []string{`/deadline\s+(today|tomorrow)/`}
	rs := Compile(f)

	sig := Evaluate(testEmail("a@b.c", "Deadline   TOMORROW", "", 100*time.Hour), rs, evalNow)
	if sig.Importance != LevelCritical {
		t.Errorf("Importance = %v, want critical", sig.Importance)
	}
}

func TestEvaluate_CompositeAndAssertedUrgency(t *testing.T) {
	f := DefaultFile()
	f.Rules = []Definition{{
		ID: "boss-outage", Type: TypeComposite,
		Condition: ConditionDef{
			All: []ConditionDef{
				{Field: "sender", Op: "wildcard", Value: "*@corp.com"},
				{Any: []ConditionDef{
					{Field: "subject", Op: "contains", Value: "outage"},
					{Field: "subject", Op: "contains", Value: "故障"},
				}},
			},
		},
		Action: ActionDef{Urgency: "critical", ScoreDelta: 1, Tags: []string{"Incident", "ops"}},
	}}
	rs := Compile(f)

	sig := Evaluate(testEmail("sre@corp.com", "数据库故障", "", 200*time.Hour), rs, evalNow)
	if sig.Urgency != LevelCritical {
		t.Errorf("Urgency = %v, want critical", sig.Urgency)
	}
	if !sig.UrgencyAsserted {
		t.Error("UrgencyAsserted = false, want true for composite rule")
	}
	if sig.ScoreDelta != 1 {
		t.Errorf("ScoreDelta = %d, want 1", sig.ScoreDelta)
	}
	if !reflect.DeepEqual(sig.Tags, []string{"incident", "ops"}) {
		t.Errorf("Tags = %v", sig.Tags)
	}

	miss := Evaluate(testEmail("sre@other.com", "outage", "", 200*time.Hour), rs, evalNow)
	if miss.Urgency != LevelLow || slices.Contains(miss.MatchedRuleIDs, "boss-outage") {
		t.Errorf("composite should not fire for other domain: %+v", miss)
	}
}

func TestEvaluate_RecipientsAndAttachments(t *testing.T) {
	f := DefaultFile()
	f.Rules = []Definition{
		{
			ID: "to-legal", Type: TypeSender,
			Condition: ConditionDef{Field: "recipients", Op: "in", Value: []any{"legal@corp.com", "me@corp.com"}},
			Action:    ActionDef{Tags: []string{"direct"}},
		},
		{
			ID: "has-files", Type: TypeKeyword,
			Condition: ConditionDef{Field: "has_attachments", Op: "equals", Value: true},
			Action:    ActionDef{ScoreDelta: 1},
		},
	}
	rs := Compile(f)

	e := testEmail("a@b.c", "files", "", 100*time.Hour)
	e.HasAttachments = true
	sig := Evaluate(e, rs, evalNow)
	if !slices.Contains(sig.MatchedRuleIDs, "to-legal") || !slices.Contains(sig.MatchedRuleIDs, "has-files") {
		t.Errorf("MatchedRuleIDs = %v", sig.MatchedRuleIDs)
	}
	if sig.ScoreDelta != 1 {
		t.Errorf("ScoreDelta = %d, want 1", sig.ScoreDelta)
	}
}
