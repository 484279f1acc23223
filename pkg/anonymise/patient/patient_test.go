package patient

import (
	"context"
	"strconv"
	"strings"
	"testing"

	"github.com/TransfuseSolutions/crate/pkg/anonymise/dd"
	"github.com/TransfuseSolutions/crate/pkg/anonymise/scrub"
	"github.com/TransfuseSolutions/crate/pkg/hash"
	"github.com/TransfuseSolutions/crate/pkg/identity"
)

// fakeStore is an in-memory identity.Store.
type fakeStore struct {
	infos      map[int64]*identity.PatientInfo
	prevHashes map[int64]string
	nextTRID   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		infos:      map[int64]*identity.PatientInfo{},
		prevHashes: map[int64]string{},
		nextTRID:   1000,
	}
}

func (f *fakeStore) GetOrCreate(ctx context.Context, pid int64) (*identity.PatientInfo, error) {
	if info, ok := f.infos[pid]; ok {
		return info, nil
	}
	f.nextTRID++
	trid := f.nextTRID
	info := &identity.PatientInfo{
		PID:  pid,
		RID:  "rid-for-" + itoa(pid),
		TRID: &trid,
	}
	f.infos[pid] = info
	return info, nil
}

func (f *fakeStore) SetMasterID(ctx context.Context, pid int64, mpid *string) error {
	info := f.infos[pid]
	info.MPID = nil
	info.MRID = nil
	if mpid != nil && *mpid != "" {
		m := *mpid
		r := "mrid-for-" + m
		info.MPID = &m
		info.MRID = &r
	}
	return nil
}

func (f *fakeStore) UpdateScrubberInfo(ctx context.Context, pid int64, fingerprint, patientText, tpText string) (bool, error) {
	prev, had := f.prevHashes[pid]
	f.prevHashes[pid] = fingerprint
	return !had || prev != fingerprint, nil
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

// fakeReader serves canned scrub-source rows keyed by table and pid.
type fakeReader struct {
	// rows[table][pid] is a list of records; each record maps field names
	// to values.
	rows map[string]map[int64][]map[string]interface{}
}

func (f *fakeReader) ScrubSourceRows(ctx context.Context, db, table string, fields []string, pidField string, pid int64) ([][]interface{}, error) {
	var out [][]interface{}
	for _, record := range f.rows[table][pid] {
		values := make([]interface{}, len(fields))
		for i, field := range fields {
			values[i] = record[field]
		}
		out = append(out, values)
	}
	return out, nil
}

func testDict(t *testing.T) *dd.DataDictionary {
	t.Helper()
	rows := []*dd.Row{
		{
			SrcDB: "clinical", SrcTable: "patients", SrcField: "patient_id",
			SrcDatatype: "INTEGER", PK: true, PrimaryPID: true, Omit: true,
		},
		{
			SrcDB: "clinical", SrcTable: "patients", SrcField: "forename",
			SrcDatatype: "VARCHAR(50)", Omit: true,
			ScrubSrc: dd.ScrubSrcPatient, ScrubMethod: dd.ScrubMethodWords,
			RequiredScrubber: true,
		},
		{
			SrcDB: "clinical", SrcTable: "patients", SrcField: "surname",
			SrcDatatype: "VARCHAR(50)", Omit: true,
			ScrubSrc: dd.ScrubSrcPatient, ScrubMethod: dd.ScrubMethodWords,
		},
		{
			SrcDB: "clinical", SrcTable: "patients", SrcField: "nhs_number",
			SrcDatatype: "BIGINT", MasterPID: true, Omit: true,
			ScrubSrc: dd.ScrubSrcPatient, ScrubMethod: dd.ScrubMethodNumber,
		},
		{
			SrcDB: "clinical", SrcTable: "patients", SrcField: "carer_name",
			SrcDatatype: "VARCHAR(100)", Omit: true,
			ScrubSrc: dd.ScrubSrcThirdParty, ScrubMethod: dd.ScrubMethodWords,
		},
		{
			SrcDB: "clinical", SrcTable: "patients", SrcField: "related_patient_id",
			SrcDatatype: "INTEGER", Omit: true,
			ScrubSrc: dd.ScrubSrcThirdPartyXrefPID,
		},
		{
			SrcDB: "clinical", SrcTable: "notes", SrcField: "patient_id",
			SrcDatatype: "INTEGER", PrimaryPID: true, Omit: true,
		},
		{
			SrcDB: "clinical", SrcTable: "notes", SrcField: "note",
			SrcDatatype: "TEXT",
			DestTable: "notes", DestField: "note", DestDatatype: "TEXT",
		},
	}
	dict, err := dd.New(rows)
	if err != nil {
		t.Fatalf("build rule table: %v", err)
	}
	return dict
}

func testBuilder(t *testing.T, store identity.Store, reader *fakeReader, maxDepth int) *Builder {
	t.Helper()
	hasher, err := hash.New(hash.HMACMD5, "change-detect-secret")
	if err != nil {
		t.Fatalf("hasher: %v", err)
	}
	return NewBuilder(BuilderOptions{
		Dict:     testDict(t),
		Store:    store,
		Reader:   reader,
		MaxDepth: maxDepth,
		ScrubOptions: scrub.Options{
			ReplacementTextPatient:         "[__PPP__]",
			ReplacementTextThirdParty:      "[__TTT__]",
			StringsAtWordBoundariesOnly:    true,
			NumbersAtNumericBoundariesOnly: true,
			MinStringLengthToScrubWith:     2,
			MinStringLengthForErrors:       4,
		},
		ChangeHasher: hasher,
	})
}

func standardRows() *fakeReader {
	return &fakeReader{rows: map[string]map[int64][]map[string]interface{}{
		"patients": {
			42: {{
				"forename":           "Jane",
				"surname":            "Doe",
				"nhs_number":         int64(9876543210),
				"carer_name":         "Bob Smith",
				"related_patient_id": int64(17),
			}},
			17: {{
				"forename":           "John",
				"surname":            "Doe",
				"nhs_number":         int64(1111111111),
				"carer_name":         nil,
				"related_patient_id": int64(42), // circular reference back
			}},
		},
	}}
}

func TestBuildScrubsPatientAndThirdParty(t *testing.T) {
	store := newFakeStore()
	b := testBuilder(t, store, standardRows(), 1)

	p, err := b.Build(context.Background(), 42)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	text := "Jane Doe saw Bob Smith. Contact John on 9876543210."
	got := p.Scrub(text)

	if strings.Contains(got, "Jane") || strings.Contains(got, "9876543210") {
		t.Errorf("patient identifiers survive: %q", got)
	}
	if !strings.Contains(got, "[__PPP__]") {
		t.Errorf("no patient replacement in %q", got)
	}
	// Bob Smith is the carer and John is the cross-referenced patient:
	// both are third-party information.
	if strings.Contains(got, "Bob") || strings.Contains(got, "John") {
		t.Errorf("third-party identifiers survive: %q", got)
	}
	if !strings.Contains(got, "[__TTT__]") {
		t.Errorf("no third-party replacement in %q", got)
	}
}

func TestBuildSharedSurnameScrubsAsPatient(t *testing.T) {
	// "Doe" is both the patient's surname and the related patient's.
	// Patient rules run first, so the patient replacement wins.
	store := newFakeStore()
	b := testBuilder(t, store, standardRows(), 1)

	p, err := b.Build(context.Background(), 42)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got := p.Scrub("Doe")
	if got != "[__PPP__]" {
		t.Errorf("Scrub(\"Doe\") = %q, want patient replacement", got)
	}
}

func TestBuildCrossReferenceDepthZeroSkipsRelatives(t *testing.T) {
	store := newFakeStore()
	b := testBuilder(t, store, standardRows(), 0)

	p, err := b.Build(context.Background(), 42)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got := p.Scrub("John went home.")
	if !strings.Contains(got, "John") {
		t.Errorf("depth 0 should not trawl the related patient, got %q", got)
	}
}

func TestBuildCircularCrossReferenceTerminates(t *testing.T) {
	store := newFakeStore()
	b := testBuilder(t, store, standardRows(), 5)

	// 42 -> 17 -> 42: the depth bound alone terminates the walk.
	p, err := b.Build(context.Background(), 42)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := p.Scrub("John"); strings.Contains(got, "John") {
		t.Errorf("related patient not scrubbed: %q", got)
	}
}

func TestBuildScrubsCrossReferencePIDValue(t *testing.T) {
	// The cross-reference column holds the related patient's raw PID, so the
	// number itself must scrub as third-party information.
	store := newFakeStore()
	b := testBuilder(t, store, standardRows(), 1)

	p, err := b.Build(context.Background(), 42)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	got := p.Scrub("see also patient 17")
	if strings.Contains(got, "17") {
		t.Errorf("related patient's PID survives: %q", got)
	}
	if !strings.Contains(got, "[__TTT__]") {
		t.Errorf("no third-party replacement in %q", got)
	}
}

func TestBuildCapturesMasterIDAtDepthZeroOnly(t *testing.T) {
	store := newFakeStore()
	b := testBuilder(t, store, standardRows(), 1)

	p, err := b.Build(context.Background(), 42)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p.MPID() == nil || *p.MPID() != "9876543210" {
		t.Fatalf("MPID = %v, want the primary patient's own master ID", p.MPID())
	}
	if p.MRID() == nil {
		t.Errorf("MRID not set alongside MPID")
	}
}

func TestBuildNilMasterIDStoresNullMRID(t *testing.T) {
	store := newFakeStore()
	reader := &fakeReader{rows: map[string]map[int64][]map[string]interface{}{
		"patients": {
			7: {{
				"forename":           "Alice",
				"surname":            "Jones",
				"nhs_number":         nil,
				"carer_name":         nil,
				"related_patient_id": nil,
			}},
		},
	}}
	b := testBuilder(t, store, reader, 1)

	p, err := b.Build(context.Background(), 7)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p.MPID() != nil {
		t.Errorf("MPID = %v, want nil", p.MPID())
	}
	if p.MRID() != nil {
		t.Errorf("MRID = %v, want nil (never a sentinel hash)", p.MRID())
	}
}

func TestBuildKeepsPersistedMasterID(t *testing.T) {
	// Once recorded, the master ID mapping is permanent: a later run that
	// finds the source field NULL must not clear it.
	store := newFakeStore()
	ctx := context.Background()

	b := testBuilder(t, store, standardRows(), 1)
	if _, err := b.Build(ctx, 42); err != nil {
		t.Fatalf("first build: %v", err)
	}

	reader := &fakeReader{rows: map[string]map[int64][]map[string]interface{}{
		"patients": {
			42: {{
				"forename":           "Jane",
				"surname":            "Doe",
				"nhs_number":         nil,
				"carer_name":         nil,
				"related_patient_id": nil,
			}},
		},
	}}
	b2 := testBuilder(t, store, reader, 1)
	p, err := b2.Build(ctx, 42)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}

	info := store.infos[42]
	if info.MPID == nil || *info.MPID != "9876543210" {
		t.Fatalf("stored MPID = %v, want the value from the first build", info.MPID)
	}
	if info.MRID == nil {
		t.Errorf("stored MRID cleared")
	}
	if p.MPID() == nil || *p.MPID() != "9876543210" {
		t.Errorf("MPID() = %v, want the persisted value", p.MPID())
	}
}

func TestBuildUnparseableCrossReferenceSkipped(t *testing.T) {
	store := newFakeStore()
	reader := &fakeReader{rows: map[string]map[int64][]map[string]interface{}{
		"patients": {
			8: {{
				"forename":           "Carol",
				"surname":            "White",
				"nhs_number":         nil,
				"carer_name":         nil,
				"related_patient_id": "not-a-number",
			}},
		},
	}}
	b := testBuilder(t, store, reader, 1)

	if _, err := b.Build(context.Background(), 8); err != nil {
		t.Fatalf("unparseable cross-reference should be skipped, got %v", err)
	}
}

func TestBuildUnchangedSignal(t *testing.T) {
	store := newFakeStore()
	b := testBuilder(t, store, standardRows(), 1)
	ctx := context.Background()

	p1, err := b.Build(ctx, 42)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	if p1.Unchanged() {
		t.Errorf("first build should report a changed scrubber")
	}

	p2, err := b.Build(ctx, 42)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if !p2.Unchanged() {
		t.Errorf("identical source data should report an unchanged scrubber")
	}
}

func TestBuildMandatoryScrubberUnfulfilled(t *testing.T) {
	store := newFakeStore()
	reader := &fakeReader{rows: map[string]map[int64][]map[string]interface{}{
		"patients": {
			9: {{
				"forename":           nil, // required_scrubber field with no value
				"surname":            "Green",
				"nhs_number":         nil,
				"carer_name":         nil,
				"related_patient_id": nil,
			}},
		},
	}}
	b := testBuilder(t, store, reader, 1)

	p, err := b.Build(context.Background(), 9)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	want := []string{"clinical.patients.forename"}
	got := p.MandatoryScrubbersUnfulfilled()
	if len(got) != 1 || got[0] != want[0] {
		t.Errorf("unfulfilled = %v, want %v", got, want)
	}
}

func TestBuildRequiredScrubberFulfilledByRelative(t *testing.T) {
	// A required field empty on the primary patient counts as fulfilled when
	// the cross-referenced patient supplies a value for the same column.
	store := newFakeStore()
	reader := &fakeReader{rows: map[string]map[int64][]map[string]interface{}{
		"patients": {
			30: {{
				"forename":           nil,
				"surname":            "Black",
				"nhs_number":         nil,
				"carer_name":         nil,
				"related_patient_id": int64(31),
			}},
			31: {{
				"forename":           "Peter",
				"surname":            "Black",
				"nhs_number":         nil,
				"carer_name":         nil,
				"related_patient_id": nil,
			}},
		},
	}}
	b := testBuilder(t, store, reader, 1)

	p, err := b.Build(context.Background(), 30)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := p.MandatoryScrubbersUnfulfilled(); len(got) != 0 {
		t.Errorf("unfulfilled = %v, want none", got)
	}
}

func TestBuildAllocatesStablePseudonyms(t *testing.T) {
	store := newFakeStore()
	b := testBuilder(t, store, standardRows(), 1)
	ctx := context.Background()

	p1, err := b.Build(ctx, 42)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	p2, err := b.Build(ctx, 42)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if p1.RID() != p2.RID() {
		t.Errorf("RID changed between builds: %q vs %q", p1.RID(), p2.RID())
	}
	if p1.TRID() == nil || p2.TRID() == nil || *p1.TRID() != *p2.TRID() {
		t.Errorf("TRID changed between builds")
	}
}
