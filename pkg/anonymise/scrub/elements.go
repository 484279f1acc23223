package scrub

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/TransfuseSolutions/crate/pkg/anonymise/dd"
)

// element is one compiled match rule. Word-boundary policy is baked into the
// pattern; numeric-token boundaries cannot be expressed in RE2, so they are
// enforced by neighbour inspection at scrub time.
type element struct {
	pattern         string
	re              *regexp.Regexp
	numericBoundary bool
}

var fragmentRe = regexp.MustCompile(`[A-Za-z0-9]+`)
var digitRe = regexp.MustCompile(`[0-9]`)
var nonAlnumRe = regexp.MustCompile(`[^A-Za-z0-9]+`)

func inferMethod(sqltype string) Method {
	switch {
	case dd.IsDateType(sqltype):
		return MethodDate
	case dd.IsTextOverOneChar(sqltype):
		return MethodWords
	}
	return MethodNumber
}

// wordsElements builds one element per word fragment in the value: short
// fragments and whitelisted words are dropped, fragments at or above the
// error-length threshold allow the configured number of typos.
func (s *PersonalizedScrubber) wordsElements(value string) []element {
	var out []element
	for _, frag := range fragmentRe.FindAllString(value, -1) {
		if len(frag) < s.opts.MinStringLengthToScrubWith {
			continue
		}
		if s.whitelist != nil && s.whitelist.Contains(frag) {
			continue
		}
		maxErrors := 0
		if len(frag) >= s.opts.MinStringLengthForErrors {
			maxErrors = s.opts.StringMaxRegexErrors
		}
		out = append(out, stringElement(frag, s.opts.ScrubStringSuffixes, maxErrors,
			s.opts.StringsAtWordBoundariesOnly))
	}
	return out
}

// phraseElements matches the whole phrase, with flexible internal whitespace.
func (s *PersonalizedScrubber) phraseElements(value string) []element {
	value = strings.TrimSpace(value)
	if value == "" || len(value) < s.opts.MinStringLengthToScrubWith {
		return nil
	}
	if s.whitelist != nil && s.whitelist.Contains(value) {
		return nil
	}
	words := strings.Fields(value)
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	pattern := strings.Join(quoted, `\s+`)
	if s.opts.StringsAtWordBoundariesOnly {
		pattern = `\b` + pattern + `\b`
	}
	return []element{compileElement(`(?i)`+pattern, false)}
}

// numberElements reduces the value to its digit string (phone numbers arrive
// as "(01223) 123456") and matches those digits with optional separators.
func (s *PersonalizedScrubber) numberElements(value string) []element {
	digits := strings.Join(digitRe.FindAllString(value, -1), "")
	if digits == "" {
		return nil
	}
	return []element{codeElement(digits,
		s.opts.NumbersAtWordBoundariesOnly,
		s.opts.NumbersAtNumericBoundariesOnly)}
}

// codeElements reduces the value to alphanumerics (postcodes arrive as
// "PE12 3AB") and matches the code with optional internal whitespace.
func (s *PersonalizedScrubber) codeElements(value string) []element {
	code := nonAlnumRe.ReplaceAllString(value, "")
	if code == "" {
		return nil
	}
	return []element{codeElement(code, s.opts.CodesAtWordBoundariesOnly, false)}
}

// dateElements matches the parsed date under its common textual and numeric
// renderings. Unparseable dates yield no elements; the caller logs them.
func (s *PersonalizedScrubber) dateElements(value string) []element {
	t, ok := parseDate(value)
	if !ok {
		return nil
	}
	day := fmt.Sprintf(`0?%d(?:st|nd|rd|th)?`, t.Day())
	monthNum := fmt.Sprintf(`0?%d`, int(t.Month()))
	monthName := monthNamePattern(t.Month())
	year4 := fmt.Sprintf("%d", t.Year())
	year := fmt.Sprintf(`(?:%s|%02d)`, year4, t.Year()%100)
	sep := `[/\-. ]`

	alternatives := []string{
		day + sep + monthNum + sep + year,     // 13/11/2006
		monthNum + sep + day + sep + year,     // 11/13/2006
		year4 + sep + monthNum + sep + day,    // 2006-11-13
		day + `\s+` + monthName + `,?\s+` + year, // 13 November 2006
		monthName + `\s+` + day + `,?\s+` + year, // November 13, 2006
	}
	pattern := `(?i)(?:` + strings.Join(alternatives, `|`) + `)`
	if s.opts.DatesAtWordBoundariesOnly {
		pattern = `(?i)\b(?:` + strings.Join(alternatives, `|`) + `)\b`
	}
	return []element{compileElement(pattern, false)}
}

var dateLayouts = []string{
	"2006-01-02", "2006-01-02 15:04:05", "2006-01-02T15:04:05",
	"02/01/2006", "02 Jan 2006", "2 January 2006", time.RFC3339,
}

func parseDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func monthNamePattern(m time.Month) string {
	full := strings.ToLower(m.String())
	return `(?:` + full[:3] + `(?:` + full[3:] + `)?)`
}

// stringElement matches one word, optionally followed by a configured suffix
// (e.g. a possessive "s"), with a typo allowance expressed as single-character
// substitution alternatives.
func stringElement(word string, suffixes []string, maxErrors int, atWordBoundaries bool) element {
	pattern := fuzzyWordPattern(word, maxErrors)
	if len(suffixes) > 0 {
		quoted := make([]string, len(suffixes))
		for i, suf := range suffixes {
			quoted[i] = regexp.QuoteMeta(suf)
		}
		pattern += `(?:` + strings.Join(quoted, `|`) + `)?`
	}
	if atWordBoundaries {
		pattern = `\b` + pattern + `\b`
	}
	return compileElement(`(?i)`+pattern, false)
}

// fuzzyWordPattern returns a pattern for word tolerating up to maxErrors
// single-character substitutions. RE2 has no error quantifier, so each
// allowed error position becomes an any-character alternative.
func fuzzyWordPattern(word string, maxErrors int) string {
	if maxErrors <= 0 {
		return regexp.QuoteMeta(word)
	}
	runes := []rune(word)
	var alts []string
	alts = append(alts, regexp.QuoteMeta(word))
	for i := range runes {
		var b strings.Builder
		for j, r := range runes {
			if i == j {
				b.WriteString(`\w`)
			} else {
				b.WriteString(regexp.QuoteMeta(string(r)))
			}
		}
		alts = append(alts, b.String())
	}
	return `(?:` + strings.Join(alts, `|`) + `)`
}

// codeElement matches a character sequence with optional single spaces
// between characters, honouring word and numeric boundary policies.
func codeElement(code string, atWordBoundaries, atNumericBoundaries bool) element {
	chars := make([]string, 0, len(code))
	for _, r := range code {
		chars = append(chars, regexp.QuoteMeta(string(r)))
	}
	pattern := strings.Join(chars, `\s?`)
	if atWordBoundaries {
		pattern = `\b` + pattern + `\b`
	}
	return compileElement(pattern, atNumericBoundaries)
}

func compileElement(pattern string, numericBoundary bool) element {
	return element{
		pattern:         pattern,
		re:              regexp.MustCompile(pattern),
		numericBoundary: numericBoundary,
	}
}

// replaceAll substitutes every match of e in text, enforcing the numeric
// boundary rule (the characters adjacent to the match must not be digits)
// where the element requires it.
func (e element) replaceAll(text, replacement string) string {
	if !e.numericBoundary {
		return e.re.ReplaceAllString(text, replacement)
	}
	matches := e.re.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if digitAt(text, start-1) || digitAt(text, end) {
			continue
		}
		b.WriteString(text[last:start])
		b.WriteString(replacement)
		last = end
	}
	b.WriteString(text[last:])
	return b.String()
}

func digitAt(text string, i int) bool {
	if i < 0 || i >= len(text) {
		return false
	}
	return text[i] >= '0' && text[i] <= '9'
}
