package filter

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/jpalka/notimirror/internal/logging"
	"github.com/jpalka/notimirror/internal/notify"
)

var filterLog = logging.ForComponent(logging.CompFilter)

// Pattern is a single regular-expression filter rule. A pattern applies to
// the record's text, its title, or both; at least one flag stays true.
type Pattern struct {
	// Pattern is the regex text, matched case-insensitively.
	Pattern string `json:"pattern"`

	// ColorIndex selects the display color for UI highlighting.
	ColorIndex int `json:"colorIndex"`

	// MatchTitle / MatchText control which fields the pattern applies to.
	MatchTitle bool `json:"matchTitle"`
	MatchText  bool `json:"matchText"`
}

// Blank reports whether the pattern has no usable regex text.
func (p Pattern) Blank() bool {
	return strings.TrimSpace(p.Pattern) == ""
}

// Normalize returns the pattern with the field-flag invariant restored: a
// pattern that names neither field applies to the content text.
func (p Pattern) Normalize() Pattern {
	if !p.MatchTitle && !p.MatchText {
		p.MatchText = true
	}
	return p
}

// NormalizeAll applies Normalize to every pattern in the list.
func NormalizeAll(patterns []Pattern) []Pattern {
	out := make([]Pattern, len(patterns))
	for i, p := range patterns {
		out[i] = p.Normalize()
	}
	return out
}

// compile returns the case-insensitive regexp for a pattern, or nil when the
// pattern text is not a valid regex. Invalid patterns never match (fail-open).
func compile(p Pattern) *regexp.Regexp {
	re, err := regexp.Compile("(?i)" + p.Pattern)
	if err != nil {
		filterLog.Debug("invalid_pattern", slog.String("pattern", p.Pattern))
		return nil
	}
	return re
}

// ConfigSource provides the ordered filter lists for an (app, profile) pair.
// The record store implements this.
type ConfigSource interface {
	FiltersFor(app string, profile notify.Profile) (include, exclude []Pattern)
}

// Evaluator decides mirror-eligibility of records against per-app filters.
// Stateless apart from a compiled-regex cache; safe for concurrent use.
type Evaluator struct {
	source ConfigSource

	mu    sync.Mutex
	cache map[string]*regexp.Regexp // pattern text -> compiled (nil entry = invalid)
}

// NewEvaluator creates an evaluator reading filters from source.
func NewEvaluator(source ConfigSource) *Evaluator {
	return &Evaluator{
		source: source,
		cache:  make(map[string]*regexp.Regexp),
	}
}

func (e *Evaluator) compiled(p Pattern) *regexp.Regexp {
	e.mu.Lock()
	defer e.mu.Unlock()
	re, ok := e.cache[p.Pattern]
	if !ok {
		re = compile(p)
		e.cache[p.Pattern] = re
	}
	return re
}

// patternMatches runs one pattern against the record fields it applies to.
func (e *Evaluator) patternMatches(p Pattern, rec *notify.Record) bool {
	re := e.compiled(p)
	if re == nil {
		return false
	}
	if p.MatchText && re.MatchString(rec.Text) {
		return true
	}
	if p.MatchTitle && re.MatchString(rec.Title) {
		return true
	}
	return false
}

// Matches reports whether the record passes the (app, profile) filter config.
// Include patterns, when any are present, require at least one match; exclude
// patterns reject on any match. A record with no applicable patterns passes.
func (e *Evaluator) Matches(rec *notify.Record) bool {
	include, exclude := e.source.FiltersFor(rec.App, rec.Profile)
	include = stripBlank(include)
	exclude = stripBlank(exclude)

	if len(include) > 0 {
		matched := false
		for _, p := range include {
			if e.patternMatches(p, rec) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}

	for _, p := range exclude {
		if e.patternMatches(p, rec) {
			return false
		}
	}
	return true
}

// Field names reported by FirstMatch.
const (
	FieldText  = "text"
	FieldTitle = "title"
)

// Match describes the first matched substring for UI highlighting.
type Match struct {
	// Field is FieldText or FieldTitle.
	Field string `json:"field"`

	// Start and End are byte offsets of the matched substring.
	Start int `json:"start"`
	End   int `json:"end"`

	// Pattern is the rule that produced the match; Index is its position in
	// the declared include list.
	Pattern Pattern `json:"pattern"`
	Index   int     `json:"index"`
}

// FirstMatch returns the first include-pattern match for a record, preferring
// the content field over the title and earlier patterns over later ones.
func (e *Evaluator) FirstMatch(rec *notify.Record) (*Match, bool) {
	include, _ := e.source.FiltersFor(rec.App, rec.Profile)

	for _, field := range []string{FieldText, FieldTitle} {
		value := rec.Text
		if field == FieldTitle {
			value = rec.Title
		}
		for i, p := range include {
			if p.Blank() {
				continue
			}
			if field == FieldText && !p.MatchText {
				continue
			}
			if field == FieldTitle && !p.MatchTitle {
				continue
			}
			re := e.compiled(p)
			if re == nil {
				continue
			}
			if loc := re.FindStringIndex(value); loc != nil {
				return &Match{
					Field:   field,
					Start:   loc[0],
					End:     loc[1],
					Pattern: p,
					Index:   i,
				}, true
			}
		}
	}
	return nil, false
}

func stripBlank(patterns []Pattern) []Pattern {
	out := patterns[:0:0]
	for _, p := range patterns {
		if !p.Blank() {
			out = append(out, p)
		}
	}
	return out
}
