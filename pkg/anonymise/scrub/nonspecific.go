package scrub

import (
	"fmt"
	"strings"

	"github.com/TransfuseSolutions/crate/pkg/hash"
)

// ukPostcodePattern matches the standard UK postcode shapes (outward code,
// optional space, inward code).
const ukPostcodePattern = `[A-Z]{1,2}[0-9][A-Z0-9]?\s*[0-9][A-Z]{2}`

// NonspecificScrubber removes classes of identifier that are independent of
// any one patient: all UK postcodes, or all numbers of configured lengths.
type NonspecificScrubber struct {
	replacementText string
	hasher          hash.Hasher
	denylist        *WordList

	scrubAllUKPostcodes     bool
	scrubNumbersOfNDigits   []int
	codesAtWordBoundaries   bool
	numbersAtWordBoundaries bool

	elements   []element
	cachedHash string
}

type NonspecificOptions struct {
	ReplacementText             string
	Hasher                      hash.Hasher
	Denylist                    *WordList
	ScrubAllUKPostcodes         bool
	ScrubAllNumbersOfNDigits    []int
	CodesAtWordBoundariesOnly   bool
	NumbersAtWordBoundariesOnly bool
}

func NewNonspecificScrubber(opts NonspecificOptions) *NonspecificScrubber {
	s := &NonspecificScrubber{
		replacementText:         opts.ReplacementText,
		hasher:                  opts.Hasher,
		denylist:                opts.Denylist,
		scrubAllUKPostcodes:     opts.ScrubAllUKPostcodes,
		scrubNumbersOfNDigits:   opts.ScrubAllNumbersOfNDigits,
		codesAtWordBoundaries:   opts.CodesAtWordBoundariesOnly,
		numbersAtWordBoundaries: opts.NumbersAtWordBoundariesOnly,
	}
	s.buildElements()
	return s
}

func (s *NonspecificScrubber) buildElements() {
	s.elements = nil
	if s.scrubAllUKPostcodes {
		pattern := `(?i)` + ukPostcodePattern
		if s.codesAtWordBoundaries {
			pattern = `(?i)\b` + ukPostcodePattern + `\b`
		}
		s.elements = append(s.elements, compileElement(pattern, false))
	}
	for _, n := range s.scrubNumbersOfNDigits {
		if n <= 0 {
			continue
		}
		pattern := fmt.Sprintf(`[0-9]{%d}`, n)
		if s.numbersAtWordBoundaries {
			pattern = `\b` + pattern + `\b`
		}
		s.elements = append(s.elements, compileElement(pattern, !s.numbersAtWordBoundaries))
	}
}

func (s *NonspecificScrubber) Scrub(text string) string {
	if s.denylist != nil {
		text = s.denylist.Scrub(text)
	}
	for _, e := range s.elements {
		text = e.replaceAll(text, s.replacementText)
	}
	return text
}

// Hash fingerprints the configuration, so policy changes force re-scrubs.
func (s *NonspecificScrubber) Hash() string {
	if s.cachedHash == "" {
		denyHash := ""
		if s.denylist != nil {
			denyHash = s.denylist.Hash()
		}
		nums := make([]string, len(s.scrubNumbersOfNDigits))
		for i, n := range s.scrubNumbersOfNDigits {
			nums[i] = fmt.Sprintf("%d", n)
		}
		raw := fmt.Sprintf("postcodes=%t|ndigits=%s|deny=%s|codewb=%t|numwb=%t",
			s.scrubAllUKPostcodes, strings.Join(nums, ","), denyHash,
			s.codesAtWordBoundaries, s.numbersAtWordBoundaries)
		s.cachedHash = s.hasher.Hash(raw)
	}
	return s.cachedHash
}
