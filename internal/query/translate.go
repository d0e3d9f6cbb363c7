// Package query turns natural-language questions in English or Chinese into
// structured filters and runs them against the store and the search index.
package query

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/kalambet/inboxrank/internal/email"
	"github.com/kalambet/inboxrank/internal/rules"
	"github.com/kalambet/inboxrank/internal/storage"
)

// TimeRange is a half-open interval [Since, Until). A zero Until means
// "up to now".
type TimeRange struct {
	Since  time.Time `json:"since"`
	Until  time.Time `json:"until,omitzero"`
	Phrase string    `json:"phrase"`
}

// Filter is the structured form of a query. It is never persisted.
type Filter struct {
	Range      *TimeRange    `json:"time_range,omitempty"`
	Urgency    []rules.Level `json:"urgency,omitempty"`
	Importance []rules.Level `json:"importance,omitempty"`
	MinScore   int           `json:"min_score,omitempty"`
	MaxScore   int           `json:"max_score,omitempty"`
	Sender     string        `json:"sender,omitempty"`
	Tags       []string      `json:"tags,omitempty"`
	// Residue is the free text left after every slot was extracted.
	Residue []string `json:"residue,omitempty"`
	// Slots names the slots that were recognized, in recognition order.
	Slots []string `json:"slots,omitempty"`
}

// Structured reports whether any structured slot was recognized.
func (f Filter) Structured() bool {
	return f.Range != nil || len(f.Urgency) > 0 || len(f.Importance) > 0 ||
		f.MinScore > 0 || f.MaxScore > 0 || f.Sender != "" || len(f.Tags) > 0
}

// Mode is "structured", "freetext" or "mixed".
func (f Filter) Mode() string {
	switch {
	case f.Structured() && len(f.Residue) > 0:
		return "mixed"
	case f.Structured():
		return "structured"
	default:
		return "freetext"
	}
}

// Storage converts the structured slots to a store filter.
func (f Filter) Storage() storage.Filter {
	sf := storage.Filter{
		MinScore: f.MinScore,
		MaxScore: f.MaxScore,
		Tags:     f.Tags,
	}
	if f.Range != nil {
		sf.Since, sf.Until = f.Range.Since, f.Range.Until
	}
	for _, l := range f.Urgency {
		sf.Urgency = append(sf.Urgency, l.String())
	}
	for _, l := range f.Importance {
		sf.Importance = append(sf.Importance, l.String())
	}
	if f.Sender != "" {
		sf.Senders = []string{f.Sender}
	}
	return sf
}

// Translator parses queries relative to a clock and time zone.
type Translator struct {
	now func() time.Time
	loc *time.Location
}

// TranslatorOption customizes a Translator.
type TranslatorOption func(*Translator)

// WithClock sets the reference time for relative phrases.
func WithClock(now func() time.Time) TranslatorOption {
	return func(t *Translator) { t.now = now }
}

// WithLocation sets the zone in which days and weeks start.
func WithLocation(loc *time.Location) TranslatorOption {
	return func(t *Translator) { t.loc = loc }
}

// NewTranslator returns a Translator using the local clock and zone.
func NewTranslator(opts ...TranslatorOption) *Translator {
	t := &Translator{now: time.Now, loc: time.Local}
	for _, o := range opts {
		o(t)
	}
	return t
}

// valueChars is what a sender or tag value may contain. Values end at
// whitespace, punctuation other than address characters, or 的.
const valueChars = `[^\s,，。;；!！?？()（）"'“”‘’的]+`

type timePattern struct {
	re    *regexp.Regexp
	span  func(t *Translator, m []string) (since, until time.Time)
	label string
}

var timePatterns = []timePattern{
	{regexp.MustCompile(`\b(?:last|past)\s+(\d{1,3})\s+days?\b`), (*Translator).lastNDays, "last_n_days"},
	{regexp.MustCompile(`(?:最近|近|过去)\s*(\d{1,3})\s*天`), (*Translator).lastNDays, "last_n_days"},
	{regexp.MustCompile(`\bday before yesterday\b|前天`), dayOffset(-2), "day_before_yesterday"},
	{regexp.MustCompile(`\byesterday\b|昨天|昨日`), dayOffset(-1), "yesterday"},
	{regexp.MustCompile(`\btoday\b|今天|今日`), dayOffset(0), "today"},
	{regexp.MustCompile(`\blast week\b|上周|上个?星期|上礼拜`), weekOffset(-1), "last_week"},
	{regexp.MustCompile(`\bthis week\b|本周|这周|这个?星期|本星期`), weekOffset(0), "this_week"},
	{regexp.MustCompile(`\blast month\b|上个?月`), monthOffset(-1), "last_month"},
	{regexp.MustCompile(`\bthis month\b|本月|这个月`), monthOffset(0), "this_month"},
	{regexp.MustCompile(`\brecent(?:ly)?\b|最近|近期`), func(t *Translator, _ []string) (time.Time, time.Time) {
		return t.now().In(t.loc).AddDate(0, 0, -7), time.Time{}
	}, "recent"},
}

func (t *Translator) lastNDays(m []string) (time.Time, time.Time) {
	n, _ := strconv.Atoi(m[1])
	if n <= 0 {
		n = 1
	}
	return t.now().In(t.loc).AddDate(0, 0, -n), time.Time{}
}

func (t *Translator) midnight() time.Time {
	n := t.now().In(t.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, t.loc)
}

func dayOffset(days int) func(*Translator, []string) (time.Time, time.Time) {
	return func(t *Translator, _ []string) (time.Time, time.Time) {
		start := t.midnight().AddDate(0, 0, days)
		return start, start.AddDate(0, 0, 1)
	}
}

// weekOffset uses Monday as the first day of the week.
func weekOffset(weeks int) func(*Translator, []string) (time.Time, time.Time) {
	return func(t *Translator, _ []string) (time.Time, time.Time) {
		m := t.midnight()
		back := (int(m.Weekday()) + 6) % 7
		start := m.AddDate(0, 0, -back+7*weeks)
		return start, start.AddDate(0, 0, 7)
	}
}

func monthOffset(months int) func(*Translator, []string) (time.Time, time.Time) {
	return func(t *Translator, _ []string) (time.Time, time.Time) {
		m := t.midnight()
		start := time.Date(m.Year(), m.Month(), 1, 0, 0, 0, 0, t.loc).AddDate(0, months, 0)
		return start, start.AddDate(0, 1, 0)
	}
}

type priorityPattern struct {
	re    *regexp.Regexp
	slot  string
	apply func(f *Filter)
}

var (
	highAndCritical = []rules.Level{rules.LevelHigh, rules.LevelCritical}
	onlyCritical    = []rules.Level{rules.LevelCritical}
)

// Score phrases come first so "high priority" is not read as anything else.
var priorityPatterns = []priorityPattern{
	{regexp.MustCompile(`\bhigh[- ]priority\b|高优先级`), "min_score", func(f *Filter) { f.MinScore = 4 }},
	{regexp.MustCompile(`\blow[- ]priority\b|低优先级`), "max_score", func(f *Filter) { f.MaxScore = 2 }},
	{regexp.MustCompile(`\burgent\b|\basap\b|紧急|加急|急件`), "urgency", func(f *Filter) { f.Urgency = highAndCritical }},
	{regexp.MustCompile(`\bcritical\b|关键`), "importance", func(f *Filter) { f.Importance = onlyCritical }},
	{regexp.MustCompile(`\bimportant\b|重要`), "importance", func(f *Filter) { f.Importance = highAndCritical }},
}

var senderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:from|sender)\s*[:：]\s*(` + valueChars + `)`),
	regexp.MustCompile(`\bfrom\s+(` + valueChars + `)`),
	regexp.MustCompile(`(?:来自|发件人)\s*[:：]?\s*(` + valueChars + `)`),
}

var tagPatterns = []*regexp.Regexp{
	regexp.MustCompile(`#(` + valueChars + `)`),
	regexp.MustCompile(`\btag\s*[:：]\s*(` + valueChars + `)`),
	regexp.MustCompile(`标签\s*[:：]?\s*(` + valueChars + `)`),
}

var englishStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true, "to": true,
	"in": true, "on": true, "for": true, "with": true, "about": true, "me": true, "my": true,
	"show": true, "find": true, "list": true, "get": true, "give": true, "all": true, "any": true,
	"email": true, "emails": true, "mail": true, "mails": true, "message": true, "messages": true,
	"that": true, "which": true, "is": true, "are": true, "was": true, "were": true, "please": true,
	"i": true, "want": true, "see": true, "what": true, "some": true, "there": true, "received": true,
	"sent": true, "by": true,
}

// chineseStopwords are removed as substrings, longest first.
var chineseStopwords = []string{
	"所有的", "帮我找", "给我看", "有哪些", "哪些",
	"邮件", "信件", "所有", "全部", "给我", "显示", "查找", "查看", "看看", "一下",
	"有关", "关于", "我的", "帮我", "收到", "发来",
}

// chineseParticles are single characters dropped only where they do not
// sit next to a one-character fragment, so 目的地 and 的确 survive.
var chineseParticles = map[rune]bool{'的': true, '了': true, '吗': true, '呢': true, '和': true, '请': true}

// Translate parses q. It never fails: text that matches no slot becomes
// free-text residue, and a query with no slot at all is a pure content
// search.
func (t *Translator) Translate(q string) Filter {
	var f Filter
	text := " " + email.Normalize(q) + " "

	for _, re := range tagPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			tag := strings.ToLower(trimValue(m[1]))
			if tag != "" && !slices.Contains(f.Tags, tag) {
				f.Tags = append(f.Tags, tag)
			}
		}
		text = re.ReplaceAllString(text, " ")
	}
	if len(f.Tags) > 0 {
		f.Slots = append(f.Slots, "tags")
	}

	for _, p := range timePatterns {
		m := p.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if f.Range == nil {
			since, until := p.span(t, m)
			f.Range = &TimeRange{Since: since.UTC(), Phrase: strings.TrimSpace(m[0])}
			if !until.IsZero() {
				f.Range.Until = until.UTC()
			}
			f.Slots = append(f.Slots, "time:"+p.label)
		}
		text = p.re.ReplaceAllString(text, " ")
	}

	seen := map[string]bool{}
	for _, p := range priorityPatterns {
		if !p.re.MatchString(text) {
			continue
		}
		if !seen[p.slot] {
			seen[p.slot] = true
			p.apply(&f)
			f.Slots = append(f.Slots, p.slot)
		}
		text = p.re.ReplaceAllString(text, " ")
	}

	for _, re := range senderPatterns {
		m := re.FindStringSubmatchIndex(text)
		if m == nil {
			continue
		}
		if f.Sender == "" {
			if v := trimValue(text[m[2]:m[3]]); v != "" {
				f.Sender = v
				f.Slots = append(f.Slots, "sender")
			}
		}
		text = text[:m[0]] + " " + text[m[1]:]
	}

	f.Residue = residue(text)
	return f
}

// trimValue strips punctuation a value may have picked up at its ends.
func trimValue(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) && r != '@' && r != '_'
	})
}

func residue(text string) []string {
	for _, sw := range chineseStopwords {
		text = strings.ReplaceAll(text, sw, " ")
	}
	text = dropParticles(text)
	var out []string
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || (unicode.IsPunct(r) && r != '@' && r != '.' && r != '-' && r != '_')
	}) {
		w = strings.Trim(w, ".-_")
		if w == "" || englishStopwords[w] {
			continue
		}
		out = append(out, w)
	}
	return out
}

// dropParticles blanks each particle whose neighbouring CJK runs are empty
// or at least two characters long.
func dropParticles(text string) string {
	rs := []rune(text)
	run := func(i, step int) int {
		n := 0
		for ; i >= 0 && i < len(rs) && email.IsCJK(rs[i]) && !chineseParticles[rs[i]]; i += step {
			n++
		}
		return n
	}
	for i, r := range rs {
		if !chineseParticles[r] {
			continue
		}
		if run(i-1, -1) != 1 && run(i+1, 1) != 1 {
			rs[i] = ' '
		}
	}
	return string(rs)
}
