// Package dd implements the data dictionary: the declarative rule table
// governing per-field anonymisation behaviour, its rule-file form, its
// drafting from live source schemas, and its validation.
package dd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/TransfuseSolutions/crate/pkg/common/logger"
)

// TablePair names one source table: (source database, table).
type TablePair struct {
	DB    string
	Table string
}

func (p TablePair) String() string {
	return p.DB + "." + p.Table
}

// DataDictionary is the in-memory rule table plus query indexes built once
// over the rule list. Query methods are O(1) lookups in the steady state.
type DataDictionary struct {
	rows []*Row

	// Indexes, built by buildIndexes.
	rowsByTable      map[TablePair][]*Row
	scrubRowsByTable map[TablePair][]*Row
	pidFieldByTable  map[TablePair]string
	mpidFieldByTable map[TablePair]string
	scrubTablePairs  []TablePair
	intPKTablePairs  []TablePair
	pkByTable        map[TablePair]*Row
	destTables       []string
	srcDatabases     []string
	mandatorySigs    map[string]struct{}
}

// rule-file columns, fixed order
var tsvHeader = []string{
	"src_db", "src_table", "src_field", "src_datatype", "src_flags",
	"scrub_src", "scrub_method", "decision", "dest_table", "dest_field",
	"dest_datatype",
}

// New builds a data dictionary from pre-parsed rows and indexes it.
func New(rows []*Row) (*DataDictionary, error) {
	d := &DataDictionary{rows: rows}
	for _, r := range rows {
		if err := r.checkValid(); err != nil {
			return nil, err
		}
	}
	d.buildIndexes()
	return d, nil
}

// Rows returns the rule list in signature order.
func (d *DataDictionary) Rows() []*Row {
	return d.rows
}

// ReadFile loads a previously saved rule table.
func ReadFile(path string) (*DataDictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, configErrorf("open rule file: %v", err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses the tabular rule list: one fixed header row, one row per
// source field.
func Read(r io.Reader) (*DataDictionary, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	if !scanner.Scan() {
		return nil, configErrorf("rule file is empty")
	}
	header := strings.Split(scanner.Text(), "\t")
	colIndex := make(map[string]int, len(header))
	for i, name := range header {
		colIndex[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, required := range tsvHeader {
		if _, ok := colIndex[required]; !ok {
			return nil, configErrorf("rule file is missing required column %q", required)
		}
	}

	var rows []*Row
	lineno := 1
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		values := strings.Split(line, "\t")
		get := func(col string) string {
			i := colIndex[col]
			if i >= len(values) {
				return ""
			}
			return strings.TrimSpace(values[i])
		}

		row := &Row{
			SrcDB:        strings.ToLower(get("src_db")),
			SrcTable:     strings.ToLower(get("src_table")),
			SrcField:     strings.ToLower(get("src_field")),
			SrcDatatype:  get("src_datatype"),
			DestTable:    strings.ToLower(get("dest_table")),
			DestField:    strings.ToLower(get("dest_field")),
			DestDatatype: get("dest_datatype"),
			Omit:         strings.EqualFold(get("decision"), decisionOmit),
		}
		if err := row.SetSrcFlags(get("src_flags")); err != nil {
			return nil, err
		}
		var err error
		if row.ScrubSrc, err = parseScrubSrc(get("scrub_src")); err != nil {
			return nil, configErrorf("line %d: %v", lineno, err)
		}
		if row.ScrubMethod, err = parseScrubMethod(get("scrub_method")); err != nil {
			return nil, configErrorf("line %d: %v", lineno, err)
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, configErrorf("read rule file: %v", err)
	}
	if len(rows) == 0 {
		return nil, configErrorf("rule file contains no rules")
	}
	return New(rows)
}

// TSV renders the rule table back to its file form.
func (d *DataDictionary) TSV() string {
	var b strings.Builder
	b.WriteString(strings.Join(tsvHeader, "\t"))
	b.WriteByte('\n')
	for _, r := range d.rows {
		decision := "include"
		if r.Omit {
			decision = decisionOmit
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.SrcDB, r.SrcTable, r.SrcField, r.SrcDatatype, r.SrcFlags(),
			r.ScrubSrc, r.ScrubMethod, decision,
			r.DestTable, r.DestField, r.DestDatatype)
	}
	return b.String()
}

func (d *DataDictionary) buildIndexes() {
	d.rowsByTable = make(map[TablePair][]*Row)
	d.scrubRowsByTable = make(map[TablePair][]*Row)
	d.pidFieldByTable = make(map[TablePair]string)
	d.mpidFieldByTable = make(map[TablePair]string)
	d.pkByTable = make(map[TablePair]*Row)
	d.mandatorySigs = make(map[string]struct{})

	scrubPairs := make(map[TablePair]struct{})
	intPKPairs := make(map[TablePair]struct{})
	destTables := make(map[string]struct{})
	srcDBs := make(map[string]struct{})

	for _, r := range d.rows {
		pair := TablePair{DB: r.SrcDB, Table: r.SrcTable}
		d.rowsByTable[pair] = append(d.rowsByTable[pair], r)
		if r.Required() {
			srcDBs[r.SrcDB] = struct{}{}
		}
		if r.BeingScrubbed() {
			d.scrubRowsByTable[pair] = append(d.scrubRowsByTable[pair], r)
			scrubPairs[pair] = struct{}{}
		}
		if r.PrimaryPID {
			d.pidFieldByTable[pair] = r.SrcField
		}
		if r.MasterPID {
			d.mpidFieldByTable[pair] = r.SrcField
		}
		if r.PK {
			d.pkByTable[pair] = r
			if IsIntegerType(r.SrcDatatype) {
				intPKPairs[pair] = struct{}{}
			}
		}
		if !r.Omit && r.DestTable != "" {
			destTables[r.DestTable] = struct{}{}
		}
		if r.RequiredScrubber && r.BeingScrubbed() {
			d.mandatorySigs[r.Signature()] = struct{}{}
		}
	}

	d.scrubTablePairs = sortedPairs(scrubPairs)
	d.intPKTablePairs = sortedPairs(intPKPairs)
	d.destTables = sortedKeys(destTables)
	d.srcDatabases = sortedKeys(srcDBs)

	logger.Log.WithFields(map[string]interface{}{
		"rows":                len(d.rows),
		"scrub_src_tables":    len(d.scrubTablePairs),
		"dest_tables":         len(d.destTables),
		"mandatory_scrubbers": len(d.mandatorySigs),
	}).Debug("Data dictionary indexed")
}

func sortedPairs(set map[TablePair]struct{}) []TablePair {
	out := make([]TablePair, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DB != out[j].DB {
			return out[i].DB < out[j].DB
		}
		return out[i].Table < out[j].Table
	})
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ScrubSourceTablePairs lists every (source db, table) containing at least
// one scrub-source field, including omitted ones.
func (d *DataDictionary) ScrubSourceTablePairs() []TablePair {
	return d.scrubTablePairs
}

// RowsForTable returns all rules for a source table.
func (d *DataDictionary) RowsForTable(db, table string) []*Row {
	return d.rowsByTable[TablePair{DB: strings.ToLower(db), Table: strings.ToLower(table)}]
}

// ScrubSourceRowsForTable returns the scrub-source rules for a source table.
func (d *DataDictionary) ScrubSourceRowsForTable(db, table string) []*Row {
	return d.scrubRowsByTable[TablePair{DB: strings.ToLower(db), Table: strings.ToLower(table)}]
}

// PIDFieldForTable returns the per-table patient-id field name, or "".
func (d *DataDictionary) PIDFieldForTable(db, table string) string {
	return d.pidFieldByTable[TablePair{DB: strings.ToLower(db), Table: strings.ToLower(table)}]
}

// MPIDFieldForTable returns the master-patient-id field name, or "".
func (d *DataDictionary) MPIDFieldForTable(db, table string) string {
	return d.mpidFieldByTable[TablePair{DB: strings.ToLower(db), Table: strings.ToLower(table)}]
}

// TablePairsWithIntegerPK lists source tables whose PK row is integer-typed.
func (d *DataDictionary) TablePairsWithIntegerPK() []TablePair {
	return d.intPKTablePairs
}

// DestTables lists destination table names fed by non-omitted rules.
func (d *DataDictionary) DestTables() []string {
	return d.destTables
}

// SourceDatabases lists source database names with at least one required row.
func (d *DataDictionary) SourceDatabases() []string {
	return d.srcDatabases
}

// PIDDefiningRows returns the rows flagged as defining the primary patient
// ID population, normally exactly one.
func (d *DataDictionary) PIDDefiningRows() []*Row {
	var out []*Row
	for _, r := range d.rows {
		if r.DefinesPrimaryPIDs {
			out = append(out, r)
		}
	}
	return out
}

// MandatoryScrubberSignatures returns a fresh copy of the required-scrubber
// signature set; the builder consumes it as a working set.
func (d *DataDictionary) MandatoryScrubberSignatures() map[string]struct{} {
	out := make(map[string]struct{}, len(d.mandatorySigs))
	for sig := range d.mandatorySigs {
		out[sig] = struct{}{}
	}
	return out
}
