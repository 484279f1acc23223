package dd

import (
	"fmt"
	"strings"
)

// ScrubSrc classifies where a scrub-source field's value originates.
type ScrubSrc string

const (
	ScrubSrcNone       ScrubSrc = ""
	ScrubSrcPatient    ScrubSrc = "patient"
	ScrubSrcThirdParty ScrubSrc = "thirdparty"
	// ScrubSrcThirdPartyXrefPID marks a field holding the PID of a related
	// patient, whose own records are trawled as third-party information.
	ScrubSrcThirdPartyXrefPID ScrubSrc = "thirdparty_xref_pid"
)

// ScrubMethod decides how a scrub-source value is turned into match rules.
type ScrubMethod string

const (
	ScrubMethodNone   ScrubMethod = ""
	ScrubMethodWords  ScrubMethod = "words"
	ScrubMethodPhrase ScrubMethod = "phrase"
	ScrubMethodNumber ScrubMethod = "number"
	ScrubMethodCode   ScrubMethod = "code"
	ScrubMethodDate   ScrubMethod = "date"
)

// Source-flag characters, as written in the src_flags rule-file column.
const (
	flagPK                 = 'K'
	flagAddSrcHash         = 'H'
	flagPrimaryPID         = 'P'
	flagDefinesPrimaryPIDs = '*'
	flagMasterPID          = 'M'
	flagConstant           = 'C'
	flagRequiredScrubber   = 'R'
)

const decisionOmit = "OMIT"

// Row is one rule: per (source database, source table, source field).
type Row struct {
	SrcDB       string
	SrcTable    string
	SrcField    string
	SrcDatatype string // SQL column type, declared or cached from the live schema

	PK                 bool
	AddSrcHash         bool
	Constant           bool
	PrimaryPID         bool
	DefinesPrimaryPIDs bool
	MasterPID          bool
	RequiredScrubber   bool
	Omit               bool

	ScrubSrc    ScrubSrc
	ScrubMethod ScrubMethod

	DestTable    string
	DestField    string
	DestDatatype string
}

// Signature identifies the source field: "db.table.field", lowercased.
func (r *Row) Signature() string {
	return strings.ToLower(fmt.Sprintf("%s.%s.%s", r.SrcDB, r.SrcTable, r.SrcField))
}

// DestSignature identifies the destination field: "table.field", lowercased.
func (r *Row) DestSignature() string {
	return strings.ToLower(fmt.Sprintf("%s.%s", r.DestTable, r.DestField))
}

// BeingScrubbed reports whether the field is a scrub source.
func (r *Row) BeingScrubbed() bool {
	return r.ScrubSrc != ScrubSrcNone
}

// ContainsPatientInfo reports whether the field carries identifying
// information in any structural or scrub-source capacity.
func (r *Row) ContainsPatientInfo() bool {
	return r.PrimaryPID || r.MasterPID || r.BeingScrubbed()
}

// Required reports whether the row matters even when omitted from the
// destination: scrub sources and ID fields must still be read.
func (r *Row) Required() bool {
	return !r.Omit || r.ContainsPatientInfo()
}

// SrcFlags renders the structural flags as the compact rule-file form.
func (r *Row) SrcFlags() string {
	var b strings.Builder
	for _, f := range []struct {
		set bool
		ch  rune
	}{
		{r.PK, flagPK},
		{r.AddSrcHash, flagAddSrcHash},
		{r.PrimaryPID, flagPrimaryPID},
		{r.DefinesPrimaryPIDs, flagDefinesPrimaryPIDs},
		{r.MasterPID, flagMasterPID},
		{r.Constant, flagConstant},
		{r.RequiredScrubber, flagRequiredScrubber},
	} {
		if f.set {
			b.WriteRune(f.ch)
		}
	}
	return b.String()
}

// SetSrcFlags parses the compact flag string.
func (r *Row) SetSrcFlags(flags string) error {
	r.PK, r.AddSrcHash, r.PrimaryPID = false, false, false
	r.DefinesPrimaryPIDs, r.MasterPID, r.Constant, r.RequiredScrubber = false, false, false, false
	for _, ch := range flags {
		switch ch {
		case flagPK:
			r.PK = true
		case flagAddSrcHash:
			r.AddSrcHash = true
		case flagPrimaryPID:
			r.PrimaryPID = true
		case flagDefinesPrimaryPIDs:
			r.DefinesPrimaryPIDs = true
		case flagMasterPID:
			r.MasterPID = true
		case flagConstant:
			r.Constant = true
		case flagRequiredScrubber:
			r.RequiredScrubber = true
		default:
			return configErrorf("row %s: unknown src_flags character %q", r.Signature(), string(ch))
		}
	}
	return nil
}

func parseScrubSrc(s string) (ScrubSrc, error) {
	switch ScrubSrc(strings.ToLower(strings.TrimSpace(s))) {
	case ScrubSrcNone:
		return ScrubSrcNone, nil
	case ScrubSrcPatient:
		return ScrubSrcPatient, nil
	case ScrubSrcThirdParty:
		return ScrubSrcThirdParty, nil
	case ScrubSrcThirdPartyXrefPID:
		return ScrubSrcThirdPartyXrefPID, nil
	}
	return ScrubSrcNone, fmt.Errorf("unknown scrub_src value %q", s)
}

func parseScrubMethod(s string) (ScrubMethod, error) {
	switch ScrubMethod(strings.ToLower(strings.TrimSpace(s))) {
	case ScrubMethodNone:
		return ScrubMethodNone, nil
	case ScrubMethodWords:
		return ScrubMethodWords, nil
	case ScrubMethodPhrase:
		return ScrubMethodPhrase, nil
	case ScrubMethodNumber:
		return ScrubMethodNumber, nil
	case ScrubMethodCode:
		return ScrubMethodCode, nil
	case ScrubMethodDate:
		return ScrubMethodDate, nil
	}
	return ScrubMethodNone, fmt.Errorf("unknown scrub_method value %q", s)
}

// checkValid enforces per-row consistency, independent of the rest of the
// rule table.
func (r *Row) checkValid() error {
	if r.SrcDB == "" || r.SrcTable == "" || r.SrcField == "" {
		return configErrorf("row missing source db/table/field: %q.%q.%q",
			r.SrcDB, r.SrcTable, r.SrcField)
	}
	if !r.Omit {
		if r.DestTable == "" || r.DestField == "" {
			return configErrorf("row %s: included rows need dest_table and dest_field", r.Signature())
		}
	}
	if r.ScrubSrc == ScrubSrcNone && r.ScrubMethod != ScrubMethodNone {
		return configErrorf("row %s: scrub_method set without scrub_src", r.Signature())
	}
	if r.ScrubSrc == ScrubSrcThirdPartyXrefPID && !IsIntegerType(r.SrcDatatype) && r.SrcDatatype != "" {
		return configErrorf("row %s: thirdparty_xref_pid field should be an integer type, got %q",
			r.Signature(), r.SrcDatatype)
	}
	if r.RequiredScrubber && !r.BeingScrubbed() {
		return configErrorf("row %s: required_scrubber set on a field that is not a scrub source",
			r.Signature())
	}
	return nil
}

// checkProhibited rejects rows whose destination field would collide with a
// reserved admin field name (rid, trid and friends).
func (r *Row) checkProhibited(prohibited []string) error {
	for _, p := range prohibited {
		if strings.EqualFold(r.DestField, p) {
			return validationErrorf([]string{r.Signature()},
				"destination field name %q is prohibited", r.DestField)
		}
	}
	return nil
}
