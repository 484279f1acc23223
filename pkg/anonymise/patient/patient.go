// Package patient builds the per-patient scrubber: it trawls the
// scrub-source tables for one patient, classifies every value as patient or
// third-party information, recurses into cross-referenced patients up to a
// configured depth, and produces a ready-to-use scrubber together with the
// patient's pseudonyms.
package patient

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/TransfuseSolutions/crate/pkg/anonymise/dd"
	"github.com/TransfuseSolutions/crate/pkg/anonymise/scrub"
	"github.com/TransfuseSolutions/crate/pkg/common/logger"
	"github.com/TransfuseSolutions/crate/pkg/hash"
	"github.com/TransfuseSolutions/crate/pkg/identity"
	"github.com/TransfuseSolutions/crate/pkg/source"
)

// Builder assembles Patient objects. It owns no per-patient state and is
// safe to reuse across patients sequentially.
type Builder struct {
	dict     *dd.DataDictionary
	store    identity.Store
	reader   source.Reader
	maxDepth int

	scrubOpts   scrub.Options
	hasher      hash.Hasher // change-detection hasher, independent secret
	whitelist   *scrub.WordList
	nonspecific *scrub.NonspecificScrubber
}

type BuilderOptions struct {
	Dict     *dd.DataDictionary
	Store    identity.Store
	Reader   source.Reader
	MaxDepth int

	ScrubOptions scrub.Options
	ChangeHasher hash.Hasher
	Whitelist    *scrub.WordList
	Nonspecific  *scrub.NonspecificScrubber
}

func NewBuilder(opts BuilderOptions) *Builder {
	return &Builder{
		dict:        opts.Dict,
		store:       opts.Store,
		reader:      opts.Reader,
		maxDepth:    opts.MaxDepth,
		scrubOpts:   opts.ScrubOptions,
		hasher:      opts.ChangeHasher,
		whitelist:   opts.Whitelist,
		nonspecific: opts.Nonspecific,
	}
}

// Patient is the result of one build: pseudonyms plus a loaded scrubber.
type Patient struct {
	pid  int64
	info *identity.PatientInfo

	scrubber  *scrub.PersonalizedScrubber
	unchanged bool

	mpid        *string
	unfulfilled []string
}

// Build runs the full sequence for one patient: ensure identity, trawl
// scrub sources, record the master ID, persist the scrubber fingerprint,
// and check mandatory scrub-source coverage.
func (b *Builder) Build(ctx context.Context, pid int64) (*Patient, error) {
	info, err := b.store.GetOrCreate(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("ensure patient identity: %w", err)
	}

	p := &Patient{
		pid:      pid,
		info:     info,
		scrubber: scrub.NewPersonalizedScrubber(b.scrubOpts, b.hasher, b.whitelist, b.nonspecific),
		// A persisted master ID is permanent. Seeding the observation from
		// the record means a run that sees a NULL or changed source value
		// can never clear or overwrite the escrow mapping.
		mpid: info.MPID,
	}

	mandatory := b.dict.MandatoryScrubberSignatures()
	if err := b.trawl(ctx, p, pid, 0, mandatory); err != nil {
		return nil, err
	}

	if p.mpid != nil && info.MPID == nil {
		if err := b.store.SetMasterID(ctx, pid, p.mpid); err != nil {
			return nil, err
		}
	}

	changed, err := b.store.UpdateScrubberInfo(ctx, pid,
		p.scrubber.Hash(), p.scrubber.PatientPatterns(), p.scrubber.ThirdPartyPatterns())
	if err != nil {
		return nil, err
	}
	p.unchanged = !changed

	for sig := range mandatory {
		p.unfulfilled = append(p.unfulfilled, sig)
	}
	sort.Strings(p.unfulfilled)
	if len(p.unfulfilled) > 0 {
		logger.Log.WithField("unfulfilled", len(p.unfulfilled)).
			Warn("Patient has mandatory scrub-source fields with no usable value")
	}
	return p, nil
}

// trawl walks the scrub-source rows of every scrub-source table for one
// subject. depth 0 is the primary patient; positive depths are
// cross-referenced patients whose values are all third-party information.
// The depth bound alone terminates the walk: cycles in the cross-reference
// graph (A references B references A) just revisit patients until the bound
// is hit, and revisited values deduplicate inside the scrubber. The bound is
// also the control for how far third-party information propagates, so no
// cycle detection is layered on top of it.
func (b *Builder) trawl(ctx context.Context, p *Patient, pid int64, depth int, mandatory map[string]struct{}) error {
	if depth > b.maxDepth {
		return nil
	}

	for _, pair := range b.dict.ScrubSourceTablePairs() {
		pidField := b.dict.PIDFieldForTable(pair.DB, pair.Table)
		if pidField == "" {
			continue
		}
		scrubRows := b.dict.ScrubSourceRowsForTable(pair.DB, pair.Table)
		fields := make([]string, len(scrubRows))
		for i, row := range scrubRows {
			fields[i] = row.SrcField
		}

		values, err := b.reader.ScrubSourceRows(ctx, pair.DB, pair.Table, fields, pidField, pid)
		if err != nil {
			return fmt.Errorf("trawl %s for patient: %w", pair, err)
		}

		for _, record := range values {
			for i, row := range scrubRows {
				b.absorb(ctx, p, row, record[i], depth, mandatory)
			}
		}
	}
	return nil
}

// absorb routes one scrub-source value: master-ID capture, cross-reference
// recursion, or scrubber enrolment.
func (b *Builder) absorb(ctx context.Context, p *Patient, row *dd.Row, value interface{}, depth int, mandatory map[string]struct{}) {
	if value == nil {
		return
	}

	if row.MasterPID && depth == 0 && p.mpid == nil {
		mpid := valueString(value)
		if mpid != "" {
			p.mpid = &mpid
		}
	}

	// Only the primary patient's own rows yield patient information.
	// Any value reached through a cross-reference belongs to somebody
	// else and is scrubbed as third-party regardless of its rule. The
	// cross-reference PID itself is a scrub value too: the related
	// patient's raw identifier must never survive in scrubbed text.
	isPatient := depth == 0 && row.ScrubSrc == dd.ScrubSrcPatient

	p.scrubber.AddValue(value, scrub.MethodForRow(row), isPatient)

	if row.RequiredScrubber && valueString(value) != "" {
		delete(mandatory, row.Signature())
	}

	if row.ScrubSrc == dd.ScrubSrcThirdPartyXrefPID {
		xref, ok := valueInt(value)
		if !ok {
			// Unparseable cross-reference values are skipped, not fatal.
			logger.Log.WithField("field", row.Signature()).
				Debug("Non-integer cross-reference PID ignored")
			return
		}
		if err := b.trawl(ctx, p, xref, depth+1, mandatory); err != nil {
			logger.Log.WithError(err).WithField("field", row.Signature()).
				Warn("Cross-referenced patient trawl failed")
		}
	}
}

func valueString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case []byte:
		return strings.TrimSpace(string(v))
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}

func valueInt(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		n := int64(v)
		if float64(n) == v {
			return n, true
		}
		return 0, false
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n, err == nil
	case []byte:
		n, err := strconv.ParseInt(strings.TrimSpace(string(v)), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// Scrub applies the patient's scrubber to free text.
func (p *Patient) Scrub(text string) string {
	return p.scrubber.Scrub(text)
}

// RID is the per-table research pseudonym.
func (p *Patient) RID() string { return p.info.RID }

// TRID is the compact integer research pseudonym, if allocated.
func (p *Patient) TRID() *int64 { return p.info.TRID }

// MRID is the master research pseudonym, if a master ID was found.
func (p *Patient) MRID() *string { return p.info.MRID }

// MPID is the master patient ID: the persisted value if one exists,
// otherwise the first observation from this trawl, if any.
func (p *Patient) MPID() *string { return p.mpid }

// Unchanged reports whether the scrubber fingerprint matches the previously
// stored one, meaning downstream text need not be re-scrubbed.
func (p *Patient) Unchanged() bool { return p.unchanged }

// MandatoryScrubbersUnfulfilled lists the required scrub-source field
// signatures for which no usable value was found.
func (p *Patient) MandatoryScrubbersUnfulfilled() []string {
	return p.unfulfilled
}

// Scrubber exposes the built scrubber.
func (p *Patient) Scrubber() *scrub.PersonalizedScrubber { return p.scrubber }
