// Package scrub compiles per-patient scrub-source values into match rules
// and applies them to free text, replacing patient and third-party
// identifiers with configured placeholder texts.
package scrub

import (
	"fmt"
	"strings"
	"time"

	"github.com/TransfuseSolutions/crate/pkg/common/logger"
	"github.com/TransfuseSolutions/crate/pkg/hash"
)

// Options carries the boundary policies and length thresholds for match-rule
// construction. Threaded explicitly; there is no ambient config.
type Options struct {
	ReplacementTextPatient    string
	ReplacementTextThirdParty string

	CodesAtWordBoundariesOnly      bool
	DatesAtWordBoundariesOnly      bool
	NumbersAtWordBoundariesOnly    bool
	NumbersAtNumericBoundariesOnly bool
	StringsAtWordBoundariesOnly    bool

	MinStringLengthToScrubWith int
	MinStringLengthForErrors   int
	StringMaxRegexErrors       int
	ScrubStringSuffixes        []string
}

// term is one accepted (provenance, method, value) triple. The ordered term
// list is the scrubber's identity for change detection.
type term struct {
	patient bool
	method  Method
	value   string
}

// PersonalizedScrubber accepts patient-specific and third-party values and
// scrubs text with them. Transient: rebuilt on every run; only its hash is
// persisted.
type PersonalizedScrubber struct {
	opts        Options
	hasher      hash.Hasher
	whitelist   *WordList
	nonspecific *NonspecificScrubber

	terms           []term
	termSet         map[term]struct{}
	patientElements []element
	tpElements      []element
}

// NewPersonalizedScrubber builds an empty scrubber. hasher must be the
// change-detection hasher: its secret is independent of the RID secrets.
func NewPersonalizedScrubber(opts Options, hasher hash.Hasher, whitelist *WordList, nonspecific *NonspecificScrubber) *PersonalizedScrubber {
	return &PersonalizedScrubber{
		opts:        opts,
		hasher:      hasher,
		whitelist:   whitelist,
		nonspecific: nonspecific,
		termSet:     make(map[term]struct{}),
	}
}

// AddValue adds one scrub-source value under a given method. The patient
// flag controls provenance: true for the primary subject's own information,
// false for third-party information. Nil values are ignored.
func (s *PersonalizedScrubber) AddValue(value interface{}, method Method, patient bool) {
	str, ok := stringify(value)
	if !ok {
		return
	}
	t := term{patient: patient, method: method, value: str}
	if _, seen := s.termSet[t]; seen {
		return
	}
	s.termSet[t] = struct{}{}
	s.terms = append(s.terms, t)

	var elements []element
	switch method {
	case MethodDate:
		elements = s.dateElements(str)
		if elements == nil {
			logger.Log.WithField("value_length", len(str)).Warn("Unparseable date value for scrubber")
		}
	case MethodWords:
		elements = s.wordsElements(str)
	case MethodPhrase:
		elements = s.phraseElements(str)
	case MethodNumber:
		elements = s.numberElements(str)
	case MethodCode:
		elements = s.codeElements(str)
	}

	if patient {
		s.patientElements = append(s.patientElements, elements...)
	} else {
		s.tpElements = append(s.tpElements, elements...)
	}
}

func stringify(value interface{}) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case string:
		return v, v != ""
	case []byte:
		return string(v), len(v) > 0
	case time.Time:
		return v.Format("2006-01-02"), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// Scrub returns the text with nonspecific, patient and third-party matches
// replaced, in that order.
func (s *PersonalizedScrubber) Scrub(text string) string {
	if s.nonspecific != nil {
		text = s.nonspecific.Scrub(text)
	}
	for _, e := range s.patientElements {
		text = e.replaceAll(text, s.opts.ReplacementTextPatient)
	}
	for _, e := range s.tpElements {
		text = e.replaceAll(text, s.opts.ReplacementTextThirdParty)
	}
	return text
}

// PatientPatterns returns the textual form of the patient match rules, for
// debug persistence only.
func (s *PersonalizedScrubber) PatientPatterns() string {
	return joinPatterns(s.patientElements)
}

// ThirdPartyPatterns returns the textual form of the third-party match rules.
func (s *PersonalizedScrubber) ThirdPartyPatterns() string {
	return joinPatterns(s.tpElements)
}

func joinPatterns(elements []element) string {
	patterns := make([]string, len(elements))
	for i, e := range elements {
		patterns[i] = e.pattern
	}
	return strings.Join(patterns, "\n")
}

// Hash is the scrubber's content fingerprint: a digest over the boundary
// options and the ordered term list. Term order is significant; reordered
// source data re-scrubs.
func (s *PersonalizedScrubber) Hash() string {
	return s.hasher.Hash(s.rawInfo())
}

func (s *PersonalizedScrubber) rawInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "codes_wb=%t|dates_wb=%t|numbers_wb=%t|numbers_nb=%t|strings_wb=%t|",
		s.opts.CodesAtWordBoundariesOnly,
		s.opts.DatesAtWordBoundariesOnly,
		s.opts.NumbersAtWordBoundariesOnly,
		s.opts.NumbersAtNumericBoundariesOnly,
		s.opts.StringsAtWordBoundariesOnly)
	fmt.Fprintf(&b, "minlen=%d|minlen_err=%d|max_err=%d|suffixes=%s|",
		s.opts.MinStringLengthToScrubWith,
		s.opts.MinStringLengthForErrors,
		s.opts.StringMaxRegexErrors,
		strings.Join(s.opts.ScrubStringSuffixes, ","))
	if s.whitelist != nil {
		fmt.Fprintf(&b, "whitelist=%s|", s.whitelist.Hash())
	}
	if s.nonspecific != nil {
		fmt.Fprintf(&b, "nonspecific=%s|", s.nonspecific.Hash())
	}
	for _, t := range s.terms {
		fmt.Fprintf(&b, "(%t,%s,%q)", t.patient, t.method, t.value)
	}
	return b.String()
}
