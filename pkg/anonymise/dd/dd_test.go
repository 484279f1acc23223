package dd

import (
	"context"
	"errors"
	"strings"
	"testing"
)

const goodTSV = "src_db\tsrc_table\tsrc_field\tsrc_datatype\tsrc_flags\tscrub_src\tscrub_method\tdecision\tdest_table\tdest_field\tdest_datatype\n" +
	"clinical\tpatients\tpatient_id\tINTEGER\tK*P\t\t\tOMIT\t\t\t\n" +
	"clinical\tpatients\tforename\tVARCHAR(50)\tR\tpatient\twords\tOMIT\t\t\t\n" +
	"clinical\tpatients\tnhs_number\tBIGINT\tM\tpatient\tnumber\tOMIT\t\t\t\n" +
	"clinical\tnotes\tpatient_id\tINTEGER\tP\t\t\tOMIT\t\t\t\n" +
	"clinical\tnotes\tnote\tTEXT\t\t\t\tinclude\tnotes\tnote\tTEXT\n"

func TestReadRoundTrip(t *testing.T) {
	d, err := Read(strings.NewReader(goodTSV))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := len(d.Rows()); got != 5 {
		t.Fatalf("rows = %d, want 5", got)
	}

	d2, err := Read(strings.NewReader(d.TSV()))
	if err != nil {
		t.Fatalf("re-read rendered rule table: %v", err)
	}
	if d2.TSV() != d.TSV() {
		t.Errorf("rendered rule table is not stable across a round trip")
	}
}

func TestReadEmptyFile(t *testing.T) {
	if _, err := Read(strings.NewReader("")); err == nil {
		t.Fatal("empty rule file should fail")
	}
	var ce *ConfigError
	_, err := Read(strings.NewReader(""))
	if !errors.As(err, &ce) {
		t.Errorf("err = %T, want *ConfigError", err)
	}
}

func TestReadMissingColumn(t *testing.T) {
	tsv := "src_db\tsrc_table\tsrc_field\n" + "clinical\tpatients\tpatient_id\n"
	_, err := Read(strings.NewReader(tsv))
	if err == nil || !strings.Contains(err.Error(), "missing required column") {
		t.Fatalf("err = %v, want missing-column failure", err)
	}
}

func TestReadBadScrubSrc(t *testing.T) {
	tsv := strings.Replace(goodTSV, "\tpatient\twords\t", "\tpatinet\twords\t", 1)
	if _, err := Read(strings.NewReader(tsv)); err == nil {
		t.Fatal("misspelled scrub_src should fail")
	}
}

func TestSrcFlagsRoundTrip(t *testing.T) {
	r := &Row{}
	if err := r.SetSrcFlags("K*PMHCR"); err != nil {
		t.Fatalf("set flags: %v", err)
	}
	if !r.PK || !r.DefinesPrimaryPIDs || !r.PrimaryPID || !r.MasterPID ||
		!r.AddSrcHash || !r.Constant || !r.RequiredScrubber {
		t.Errorf("flags not all set: %+v", r)
	}
	got := r.SrcFlags()
	for _, c := range "K*PMHCR" {
		if !strings.ContainsRune(got, c) {
			t.Errorf("SrcFlags() = %q, missing %q", got, c)
		}
	}
	if err := (&Row{}).SetSrcFlags("KZ"); err == nil {
		t.Error("unknown flag char should fail")
	}
}

func TestQueryIndexes(t *testing.T) {
	d, err := Read(strings.NewReader(goodTSV))
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	pairs := d.ScrubSourceTablePairs()
	if len(pairs) != 1 || pairs[0].Table != "patients" {
		t.Errorf("scrub-source pairs = %v, want just clinical.patients", pairs)
	}
	if got := d.PIDFieldForTable("clinical", "notes"); got != "patient_id" {
		t.Errorf("PIDFieldForTable(notes) = %q", got)
	}
	if got := d.MPIDFieldForTable("clinical", "patients"); got != "nhs_number" {
		t.Errorf("MPIDFieldForTable(patients) = %q", got)
	}
	if got := d.DestTables(); len(got) != 1 || got[0] != "notes" {
		t.Errorf("DestTables() = %v", got)
	}
	// Only patients carries a K flag on an INTEGER column; notes has no PK row.
	if got := d.TablePairsWithIntegerPK(); len(got) != 1 || got[0].Table != "patients" {
		t.Errorf("TablePairsWithIntegerPK() = %v, want just clinical.patients", got)
	}

	mandatory := d.MandatoryScrubberSignatures()
	if _, ok := mandatory["clinical.patients.forename"]; !ok || len(mandatory) != 1 {
		t.Errorf("mandatory signatures = %v", mandatory)
	}
	// Callers consume their copy; the index must not change underneath.
	delete(mandatory, "clinical.patients.forename")
	if len(d.MandatoryScrubberSignatures()) != 1 {
		t.Error("MandatoryScrubberSignatures must return a fresh copy")
	}
}

func TestNewRejectsInvalidRows(t *testing.T) {
	cases := []struct {
		name string
		row  *Row
	}{
		{"missing source", &Row{SrcDB: "clinical", SrcTable: "", SrcField: "x", Omit: true}},
		{"included without dest", &Row{SrcDB: "clinical", SrcTable: "t", SrcField: "x"}},
		{"method without source", &Row{
			SrcDB: "clinical", SrcTable: "t", SrcField: "x", Omit: true,
			ScrubMethod: ScrubMethodWords,
		}},
		{"xref on text column", &Row{
			SrcDB: "clinical", SrcTable: "t", SrcField: "x", Omit: true,
			SrcDatatype: "VARCHAR(10)", ScrubSrc: ScrubSrcThirdPartyXrefPID,
		}},
		{"required scrubber without scrub source", &Row{
			SrcDB: "clinical", SrcTable: "t", SrcField: "x", Omit: true,
			RequiredScrubber: true,
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := New([]*Row{c.row}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

// fakeIntrospector serves a canned schema.
type fakeIntrospector struct {
	tables  map[string][]string
	columns map[string][]ColumnInfo // key "db.table"
}

func (f *fakeIntrospector) Tables(ctx context.Context, db string) ([]string, error) {
	return f.tables[db], nil
}

func (f *fakeIntrospector) Columns(ctx context.Context, db, table string) ([]ColumnInfo, error) {
	return f.columns[db+"."+table], nil
}

func clinicalSchema() *fakeIntrospector {
	return &fakeIntrospector{
		tables: map[string][]string{
			"clinical": {"notes", "patients"},
		},
		columns: map[string][]ColumnInfo{
			"clinical.patients": {
				{Name: "patient_id", DatabaseType: "INTEGER", IsPK: true},
				{Name: "forename", DatabaseType: "VARCHAR(50)"},
				{Name: "nhs_number", DatabaseType: "BIGINT"},
			},
			"clinical.notes": {
				{Name: "patient_id", DatabaseType: "INTEGER"},
				{Name: "note", DatabaseType: "TEXT"},
			},
		},
	}
}

func validateOpts(intr SchemaIntrospector) ValidateOptions {
	return ValidateOptions{
		ProhibitedFieldnames: []string{"rid", "trid", "mrid"},
		Introspector:         intr,
		PIDType:              "BIGINT",
		MPIDType:             "BIGINT",
	}
}

func TestValidateGoodDictionary(t *testing.T) {
	d, err := Read(strings.NewReader(goodTSV))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := d.Validate(context.Background(), validateOpts(clinicalSchema())); err != nil {
		t.Fatalf("validate: %v", err)
	}
	// Live column types are cached for scrub-method inference.
	for _, r := range d.RowsForTable("clinical", "notes") {
		if r.SrcField == "note" && r.SrcDatatype != "TEXT" {
			t.Errorf("live type not cached, got %q", r.SrcDatatype)
		}
	}
}

func TestValidateDuplicateSourceSignature(t *testing.T) {
	tsv := goodTSV +
		"clinical\tnotes\tnote\tTEXT\t\t\t\tinclude\tnotes\tnote2\tTEXT\n"
	d, err := Read(strings.NewReader(tsv))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	err = d.Validate(context.Background(), validateOpts(clinicalSchema()))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want duplicate-signature ValidationError", err)
	}
}

func TestValidateProhibitedDestField(t *testing.T) {
	tsv := strings.Replace(goodTSV, "\tnotes\tnote\tTEXT\n", "\tnotes\ttrid\tTEXT\n", 1)
	d, err := Read(strings.NewReader(tsv))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	err = d.Validate(context.Background(), validateOpts(clinicalSchema()))
	if err == nil || !strings.Contains(err.Error(), "prohibited") {
		t.Fatalf("err = %v, want prohibited-fieldname failure", err)
	}
}

func TestValidateMultiplePrimaryKeys(t *testing.T) {
	tsv := goodTSV +
		"clinical\tnotes\tnote_id\tINTEGER\tK\t\t\tOMIT\t\t\t\n" +
		"clinical\tnotes\tother_id\tINTEGER\tK\t\t\tOMIT\t\t\t\n"
	d, err := Read(strings.NewReader(tsv))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	err = d.Validate(context.Background(), validateOpts(clinicalSchema()))
	if err == nil || !strings.Contains(err.Error(), "more than one primary key") {
		t.Fatalf("err = %v, want multi-PK failure", err)
	}
}

func TestValidateScrubTableWithoutPIDField(t *testing.T) {
	tsv := strings.Replace(goodTSV,
		"clinical\tpatients\tpatient_id\tINTEGER\tK*P\t\t\tOMIT\t\t\t\n",
		"clinical\tpatients\tpatient_id\tINTEGER\tK*\t\t\tOMIT\t\t\t\n", 1)
	d, err := Read(strings.NewReader(tsv))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	err = d.Validate(context.Background(), validateOpts(clinicalSchema()))
	if err == nil || !strings.Contains(err.Error(), "no patient-id field") {
		t.Fatalf("err = %v, want missing-pid-field failure", err)
	}
}

func TestValidateNoPIDDefiners(t *testing.T) {
	tsv := strings.Replace(goodTSV, "\tK*P\t", "\tKP\t", 1)
	d, err := Read(strings.NewReader(tsv))
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	err = d.Validate(context.Background(), validateOpts(clinicalSchema()))
	if err == nil {
		t.Fatal("no pid-defining field without an opt-in should fail")
	}

	opts := validateOpts(clinicalSchema())
	opts.Policies = &PolicyConfig{Databases: []SourcePolicy{
		{Name: "clinical", AllowNoPatientInfo: true},
	}}
	if err := d.Validate(context.Background(), opts); err != nil {
		t.Fatalf("allow_no_patient_info opt-in should downgrade to a warning, got %v", err)
	}
}

func TestValidateMissingSourceColumn(t *testing.T) {
	intr := clinicalSchema()
	intr.columns["clinical.notes"] = intr.columns["clinical.notes"][:1] // drop "note"
	d, err := Read(strings.NewReader(goodTSV))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	err = d.Validate(context.Background(), validateOpts(intr))
	if err == nil || !strings.Contains(err.Error(), "column missing") {
		t.Fatalf("err = %v, want missing-column failure", err)
	}
}

func TestValidatePIDTypeMismatch(t *testing.T) {
	intr := clinicalSchema()
	intr.columns["clinical.patients"][0].DatabaseType = "VARCHAR(10)"
	d, err := Read(strings.NewReader(goodTSV))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := d.Validate(context.Background(), validateOpts(intr)); err == nil {
		t.Fatal("string pid column against integer storage type should fail")
	}
}

func TestDraftFromPolicy(t *testing.T) {
	policies := &PolicyConfig{Databases: []SourcePolicy{{
		Name:                     "clinical",
		PerTablePIDField:         "patient_id",
		PIDDefiningTable:         "patients",
		MasterPIDField:           "nhs_number",
		ScrubSrcPatientFields:    []string{"forename"},
		ThirdPartyXrefPIDFields:  []string{"related_patient_id"},
		RequiredScrubberFields:   []string{"forename"},
	}}}

	intr := clinicalSchema()
	intr.columns["clinical.patients"] = append(intr.columns["clinical.patients"],
		ColumnInfo{Name: "related_patient_id", DatabaseType: "INTEGER"})

	d, err := Draft(context.Background(), intr, policies)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}

	byField := map[string]*Row{}
	for _, r := range d.RowsForTable("clinical", "patients") {
		byField[r.SrcField] = r
	}

	pid := byField["patient_id"]
	if pid == nil || !pid.PrimaryPID || !pid.Omit || !pid.DefinesPrimaryPIDs {
		t.Errorf("pid row misdrafted: %+v", pid)
	}
	mpid := byField["nhs_number"]
	if mpid == nil || !mpid.MasterPID || mpid.ScrubSrc != ScrubSrcPatient {
		t.Errorf("master-pid row misdrafted: %+v", mpid)
	}
	name := byField["forename"]
	if name == nil || name.ScrubSrc != ScrubSrcPatient || !name.RequiredScrubber {
		t.Errorf("patient scrub row misdrafted: %+v", name)
	}
	if name != nil && name.ScrubMethod != ScrubMethodWords {
		t.Errorf("forename scrub method = %q, want words", name.ScrubMethod)
	}
	xref := byField["related_patient_id"]
	if xref == nil || xref.ScrubSrc != ScrubSrcThirdPartyXrefPID {
		t.Errorf("xref row misdrafted: %+v", xref)
	}
	noteTable := d.RowsForTable("clinical", "notes")
	if len(noteTable) != 2 {
		t.Errorf("notes table drafted %d rows, want 2", len(noteTable))
	}
}

func TestDraftSkipsTableWithoutPIDField(t *testing.T) {
	intr := clinicalSchema()
	intr.tables["clinical"] = append(intr.tables["clinical"], "lookup")
	intr.columns["clinical.lookup"] = []ColumnInfo{{Name: "code", DatabaseType: "VARCHAR(10)"}}

	policies := &PolicyConfig{Databases: []SourcePolicy{{
		Name:             "clinical",
		PerTablePIDField: "patient_id",
		PIDDefiningTable: "patients",
	}}}
	d, err := Draft(context.Background(), intr, policies)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if rows := d.RowsForTable("clinical", "lookup"); len(rows) != 0 {
		t.Errorf("table without a patient-id field should be skipped, got %d rows", len(rows))
	}
}
