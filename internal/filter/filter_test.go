package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jpalka/notimirror/internal/notify"
)

type fakeSource struct {
	include []Pattern
	exclude []Pattern
}

func (s *fakeSource) FiltersFor(app string, profile notify.Profile) (include, exclude []Pattern) {
	return s.include, s.exclude
}

func rec(title, text string) *notify.Record {
	return &notify.Record{App: "com.app", Profile: notify.ProfilePersonal, Title: title, Text: text}
}

func TestEvaluator_NoPatternsPasses(t *testing.T) {
	e := NewEvaluator(&fakeSource{})
	assert.True(t, e.Matches(rec("Alert", "battery low")))
}

func TestEvaluator_IncludeRequiresMatch(t *testing.T) {
	src := &fakeSource{include: []Pattern{{Pattern: "urgent", MatchText: true}}}
	e := NewEvaluator(src)

	assert.True(t, e.Matches(rec("Alert", "URGENT: server down")))
	assert.False(t, e.Matches(rec("Alert", "all quiet")))
}

func TestEvaluator_ExcludeRejectsOnMatch(t *testing.T) {
	src := &fakeSource{exclude: []Pattern{{Pattern: "spam", MatchText: true, MatchTitle: true}}}
	e := NewEvaluator(src)

	assert.False(t, e.Matches(rec("Spam folder", "hello")))
	assert.True(t, e.Matches(rec("Inbox", "hello")))
}

func TestEvaluator_ExcludeWinsOverInclude(t *testing.T) {
	src := &fakeSource{
		include: []Pattern{{Pattern: "deploy", MatchText: true}},
		exclude: []Pattern{{Pattern: "staging", MatchText: true}},
	}
	e := NewEvaluator(src)

	assert.True(t, e.Matches(rec("CI", "deploy to prod finished")))
	assert.False(t, e.Matches(rec("CI", "deploy to staging finished")))
}

func TestEvaluator_FieldFlags(t *testing.T) {
	src := &fakeSource{include: []Pattern{{Pattern: "dana", MatchTitle: true}}}
	e := NewEvaluator(src)

	assert.True(t, e.Matches(rec("Dana", "whatever")))
	// Title-only pattern ignores matching text.
	assert.False(t, e.Matches(rec("Bob", "message from dana")))
}

func TestEvaluator_InvalidPatternNeverMatches(t *testing.T) {
	src := &fakeSource{include: []Pattern{{Pattern: "[unclosed", MatchText: true}}}
	e := NewEvaluator(src)

	// The only include pattern is broken, so nothing can satisfy it.
	assert.False(t, e.Matches(rec("Alert", "[unclosed")))

	// A broken exclude pattern cannot reject anything.
	src2 := &fakeSource{exclude: []Pattern{{Pattern: "(bad", MatchText: true}}}
	e2 := NewEvaluator(src2)
	assert.True(t, e2.Matches(rec("Alert", "(bad")))
}

func TestEvaluator_BlankPatternsIgnored(t *testing.T) {
	src := &fakeSource{include: []Pattern{{Pattern: "   ", MatchText: true}}}
	e := NewEvaluator(src)

	// A list of only blank patterns behaves like no include list at all.
	assert.True(t, e.Matches(rec("Alert", "anything")))
}

func TestEvaluator_FirstMatchPrefersTextOverTitle(t *testing.T) {
	src := &fakeSource{include: []Pattern{
		{Pattern: "alpha", MatchTitle: true, MatchText: true},
		{Pattern: "beta", MatchText: true},
	}}
	e := NewEvaluator(src)

	m, ok := e.FirstMatch(rec("alpha report", "beta release shipped"))
	require.True(t, ok)
	// "alpha" only hits the title, "beta" hits the text: text wins.
	assert.Equal(t, FieldText, m.Field)
	assert.Equal(t, 1, m.Index)
	assert.Equal(t, 0, m.Start)
	assert.Equal(t, 4, m.End)
}

func TestEvaluator_FirstMatchEarlierPatternWins(t *testing.T) {
	src := &fakeSource{include: []Pattern{
		{Pattern: "release", MatchText: true},
		{Pattern: "beta", MatchText: true},
	}}
	e := NewEvaluator(src)

	m, ok := e.FirstMatch(rec("", "beta release shipped"))
	require.True(t, ok)
	assert.Equal(t, 0, m.Index)
	assert.Equal(t, "release", m.Pattern.Pattern)
}

func TestEvaluator_FirstMatchNone(t *testing.T) {
	src := &fakeSource{include: []Pattern{{Pattern: "urgent", MatchText: true}}}
	e := NewEvaluator(src)

	_, ok := e.FirstMatch(rec("Alert", "all quiet"))
	assert.False(t, ok)
}

func TestEvaluator_CaseInsensitive(t *testing.T) {
	src := &fakeSource{include: []Pattern{{Pattern: "OTP", MatchText: true}}}
	e := NewEvaluator(src)

	assert.True(t, e.Matches(rec("Bank", "your otp is 123456")))
}

func TestPattern_NormalizeDefaultsToText(t *testing.T) {
	p := Pattern{Pattern: "otp"}.Normalize()
	assert.True(t, p.MatchText)
	assert.False(t, p.MatchTitle)

	titleOnly := Pattern{Pattern: "otp", MatchTitle: true}.Normalize()
	assert.True(t, titleOnly.MatchTitle)
	assert.False(t, titleOnly.MatchText)
}

func TestNormalizeAll(t *testing.T) {
	in := []Pattern{
		{Pattern: "a"},
		{Pattern: "b", MatchTitle: true},
		{Pattern: "c", MatchText: true},
	}
	out := NormalizeAll(in)
	require.Len(t, out, 3)
	assert.True(t, out[0].MatchText)
	assert.False(t, out[1].MatchText)
	assert.True(t, out[2].MatchText)

	// Input is left untouched.
	assert.False(t, in[0].MatchText)
}
