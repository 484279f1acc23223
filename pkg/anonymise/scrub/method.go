package scrub

import (
	"fmt"

	"github.com/TransfuseSolutions/crate/pkg/anonymise/dd"
)

// Method is the closed set of scrub-method tags. The set is fixed and
// exhaustively enumerable from the data dictionary's own vocabulary, so
// dispatch is a switch, not subclassing.
type Method int

const (
	MethodWords Method = iota
	MethodPhrase
	MethodNumber
	MethodCode
	MethodDate
)

func (m Method) String() string {
	switch m {
	case MethodWords:
		return "words"
	case MethodPhrase:
		return "phrase"
	case MethodNumber:
		return "number"
	case MethodCode:
		return "code"
	case MethodDate:
		return "date"
	}
	return fmt.Sprintf("method(%d)", int(m))
}

// MethodForRow resolves the scrub method for a rule row: the declared method
// wins; otherwise it is inferred from the source column type (dates scrub as
// dates, free text as words, everything else as a number).
func MethodForRow(row *dd.Row) Method {
	switch row.ScrubMethod {
	case dd.ScrubMethodWords:
		return MethodWords
	case dd.ScrubMethodPhrase:
		return MethodPhrase
	case dd.ScrubMethodNumber:
		return MethodNumber
	case dd.ScrubMethodCode:
		return MethodCode
	case dd.ScrubMethodDate:
		return MethodDate
	}
	return inferMethod(row.SrcDatatype)
}
