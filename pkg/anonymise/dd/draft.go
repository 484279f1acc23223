package dd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/TransfuseSolutions/crate/pkg/common/logger"
	"gopkg.in/yaml.v3"
)

// SourcePolicy holds the per-source-database defaults used when drafting a
// rule table from live schema introspection, and the opt-in for databases
// that genuinely hold no patient information.
type SourcePolicy struct {
	Name               string   `yaml:"name"`
	PerTablePIDField   string   `yaml:"per_table_pid_field"`
	PIDDefiningTable   string   `yaml:"pid_defining_table"`
	MasterPIDField     string   `yaml:"master_pid_field"`
	AllowNoPatientInfo bool     `yaml:"allow_no_patient_info"`
	AllowTables        []string `yaml:"allow_tables"`
	DenyTables         []string `yaml:"deny_tables"`

	// Field-name lists mapped onto scrub sources when drafting.
	ScrubSrcPatientFields    []string `yaml:"scrub_src_patient_fields"`
	ScrubSrcThirdPartyFields []string `yaml:"scrub_src_thirdparty_fields"`
	ThirdPartyXrefPIDFields  []string `yaml:"thirdparty_xref_pid_fields"`
	RequiredScrubberFields   []string `yaml:"required_scrubber_fields"`
	OmitFields               []string `yaml:"omit_fields"`
}

// PolicyConfig is the YAML file shape: one policy per source database.
type PolicyConfig struct {
	Databases []SourcePolicy `yaml:"databases"`
}

// PolicyFor finds the policy for a source database name.
func (c *PolicyConfig) PolicyFor(db string) *SourcePolicy {
	for i := range c.Databases {
		if strings.EqualFold(c.Databases[i].Name, db) {
			return &c.Databases[i]
		}
	}
	return nil
}

// LoadPolicies reads the source-policy YAML file.
func LoadPolicies(path string) (*PolicyConfig, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, configErrorf("read source policy file: %v", err)
	}

	var cfg PolicyConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, configErrorf("parse source policy file: %v", err)
	}
	if len(cfg.Databases) == 0 {
		return nil, &ConfigError{Msg: "no source databases configured"}
	}
	return &cfg, nil
}

// ErrNoTables is returned when drafting finds nothing to describe.
var ErrNoTables = errors.New("no source tables visible for drafting")

// Draft derives a draft rule table from live schema introspection, applying
// the per-database policies. The output is a starting point for a governance
// team to review, in the same form as a saved rule file.
func Draft(ctx context.Context, intr SchemaIntrospector, policies *PolicyConfig) (*DataDictionary, error) {
	var rows []*Row
	for _, pol := range policies.Databases {
		dbRows, err := draftDatabase(ctx, intr, &pol)
		if err != nil {
			return nil, err
		}
		rows = append(rows, dbRows...)
	}
	if len(rows) == 0 {
		return nil, ErrNoTables
	}
	return New(rows)
}

func draftDatabase(ctx context.Context, intr SchemaIntrospector, pol *SourcePolicy) ([]*Row, error) {
	tables, err := intr.Tables(ctx, pol.Name)
	if err != nil {
		return nil, configErrorf("introspect %s: %v", pol.Name, err)
	}

	var rows []*Row
	for _, table := range tables {
		if !tableAllowed(table, pol) {
			logger.Log.WithFields(map[string]interface{}{
				"db":    pol.Name,
				"table": table,
			}).Debug("Table excluded by policy")
			continue
		}
		cols, err := intr.Columns(ctx, pol.Name, table)
		if err != nil {
			return nil, configErrorf("introspect %s.%s: %v", pol.Name, table, err)
		}
		if pol.PerTablePIDField != "" && !hasColumn(cols, pol.PerTablePIDField) {
			// Minimum-field heuristic: a table with no per-table patient-id
			// column cannot be linked to a patient and is skipped in drafts.
			logger.Log.WithFields(map[string]interface{}{
				"db":    pol.Name,
				"table": table,
			}).Debug("Table has no patient-id field, skipped in draft")
			continue
		}
		for _, col := range cols {
			rows = append(rows, draftRow(pol, table, col))
		}
	}
	return rows, nil
}

func draftRow(pol *SourcePolicy, table string, col ColumnInfo) *Row {
	row := &Row{
		SrcDB:        strings.ToLower(pol.Name),
		SrcTable:     strings.ToLower(table),
		SrcField:     strings.ToLower(col.Name),
		SrcDatatype:  col.DatabaseType,
		PK:           col.IsPK,
		DestTable:    strings.ToLower(table),
		DestField:    strings.ToLower(col.Name),
		DestDatatype: col.DatabaseType,
	}

	switch {
	case strings.EqualFold(col.Name, pol.PerTablePIDField):
		row.PrimaryPID = true
		row.Omit = true // the raw PID never reaches the destination
		if strings.EqualFold(table, pol.PIDDefiningTable) {
			row.DefinesPrimaryPIDs = true
		}
	case strings.EqualFold(col.Name, pol.MasterPIDField):
		row.MasterPID = true
		row.ScrubSrc = ScrubSrcPatient
		row.ScrubMethod = ScrubMethodNumber
		row.Omit = true
	case fieldInList(col.Name, pol.ThirdPartyXrefPIDFields):
		row.ScrubSrc = ScrubSrcThirdPartyXrefPID
		row.Omit = true
	case fieldInList(col.Name, pol.ScrubSrcPatientFields):
		row.ScrubSrc = ScrubSrcPatient
		row.ScrubMethod = defaultScrubMethod(col.DatabaseType)
		row.Omit = true
	case fieldInList(col.Name, pol.ScrubSrcThirdPartyFields):
		row.ScrubSrc = ScrubSrcThirdParty
		row.ScrubMethod = defaultScrubMethod(col.DatabaseType)
		row.Omit = true
	case fieldInList(col.Name, pol.OmitFields):
		row.Omit = true
	}

	if row.BeingScrubbed() && fieldInList(col.Name, pol.RequiredScrubberFields) {
		row.RequiredScrubber = true
	}
	return row
}

// defaultScrubMethod infers the scrub method from the column type when a
// rule does not override it: dates scrub as dates, free text as words,
// everything else as a number.
func defaultScrubMethod(sqltype string) ScrubMethod {
	switch {
	case IsDateType(sqltype):
		return ScrubMethodDate
	case IsTextOverOneChar(sqltype):
		return ScrubMethodWords
	default:
		return ScrubMethodNumber
	}
}

func tableAllowed(table string, pol *SourcePolicy) bool {
	for _, deny := range pol.DenyTables {
		if strings.EqualFold(table, deny) {
			return false
		}
	}
	if len(pol.AllowTables) == 0 {
		return true
	}
	for _, allow := range pol.AllowTables {
		if strings.EqualFold(table, allow) {
			return true
		}
	}
	return false
}

func hasColumn(cols []ColumnInfo, name string) bool {
	for _, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

func fieldInList(name string, list []string) bool {
	for _, f := range list {
		if strings.EqualFold(name, f) {
			return true
		}
	}
	return false
}
