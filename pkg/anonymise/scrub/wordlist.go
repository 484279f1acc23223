package scrub

import (
	"bufio"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/TransfuseSolutions/crate/pkg/hash"
)

// WordList serves a dual purpose: as a whitelist (is this word exempt from
// scrubbing?) and as a denylist scrubber (remove every listed word).
type WordList struct {
	words            map[string]struct{}
	replacementText  string
	atWordBoundaries bool
	hasher           hash.Hasher

	re         *regexp.Regexp
	reBuilt    bool
	cachedHash string
}

type WordListOptions struct {
	Filenames            []string
	Words                []string
	ReplacementText      string
	AtWordBoundariesOnly bool
	Hasher               hash.Hasher
}

func NewWordList(opts WordListOptions) (*WordList, error) {
	if opts.ReplacementText == "" {
		opts.ReplacementText = "[---]"
	}
	w := &WordList{
		words:            make(map[string]struct{}),
		replacementText:  opts.ReplacementText,
		atWordBoundaries: opts.AtWordBoundariesOnly,
		hasher:           opts.Hasher,
	}
	for _, f := range opts.Filenames {
		if err := w.AddFile(f); err != nil {
			return nil, err
		}
	}
	for _, word := range opts.Words {
		w.AddWord(word)
	}
	return w, nil
}

func (w *WordList) AddWord(word string) {
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" {
		return
	}
	w.words[word] = struct{}{}
	w.reBuilt = false
	w.cachedHash = ""
}

func (w *WordList) AddFile(filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		for _, word := range strings.Fields(scanner.Text()) {
			w.words[strings.ToLower(word)] = struct{}{}
		}
	}
	w.reBuilt = false
	w.cachedHash = ""
	return scanner.Err()
}

func (w *WordList) Contains(word string) bool {
	_, ok := w.words[strings.ToLower(word)]
	return ok
}

// Hash fingerprints the word set. Sets are unordered; sorting first keeps
// the fingerprint stable across load order.
func (w *WordList) Hash() string {
	if w.cachedHash == "" {
		sorted := make([]string, 0, len(w.words))
		for word := range w.words {
			sorted = append(sorted, word)
		}
		sort.Strings(sorted)
		w.cachedHash = w.hasher.Hash(strings.Join(sorted, "\x1f"))
	}
	return w.cachedHash
}

// Scrub removes every listed word from the text.
func (w *WordList) Scrub(text string) string {
	if !w.reBuilt {
		w.buildRegex()
	}
	if w.re == nil {
		return text
	}
	return w.re.ReplaceAllString(text, w.replacementText)
}

func (w *WordList) buildRegex() {
	w.reBuilt = true
	if len(w.words) == 0 {
		w.re = nil
		return
	}
	sorted := make([]string, 0, len(w.words))
	for word := range w.words {
		sorted = append(sorted, regexp.QuoteMeta(word))
	}
	sort.Strings(sorted)
	pattern := `(?i)(?:` + strings.Join(sorted, `|`) + `)`
	if w.atWordBoundaries {
		pattern = `(?i)\b(?:` + strings.Join(sorted, `|`) + `)\b`
	}
	w.re = regexp.MustCompile(pattern)
}
