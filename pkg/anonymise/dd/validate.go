package dd

import (
	"context"
	"strings"

	"github.com/TransfuseSolutions/crate/pkg/common/logger"
)

// ValidateOptions configures Validate. Introspector is optional; when set,
// declared PID/MPID types are cross-checked against the live source schema.
type ValidateOptions struct {
	ProhibitedFieldnames []string
	Policies             *PolicyConfig
	Introspector         SchemaIntrospector

	// Config-declared storage types for PID and MPID columns.
	PIDType  string
	MPIDType string
}

// Validate checks the rule-table invariants. Any returned error is fatal and
// aborts the run before processing starts.
func (d *DataDictionary) Validate(ctx context.Context, opts ValidateOptions) error {
	if len(d.rows) == 0 {
		return &ValidationError{Msg: "empty data dictionary"}
	}
	if len(d.destTables) == 0 {
		return &ValidationError{Msg: "empty data dictionary after removing omitted tables"}
	}

	for _, r := range d.rows {
		if r.AddSrcHash && r.Omit {
			return validationErrorf([]string{r.Signature()},
				"omit must not be set on add-source-hash fields")
		}
		if r.Constant && r.Omit {
			return validationErrorf([]string{r.Signature()},
				"omit must not be set on constant-content fields")
		}
		if err := r.checkProhibited(opts.ProhibitedFieldnames); err != nil {
			return err
		}
	}

	if err := d.checkDuplicates(); err != nil {
		return err
	}
	if err := d.checkDestMappings(); err != nil {
		return err
	}
	if err := d.checkPerTableStructure(); err != nil {
		return err
	}
	if err := d.checkPIDDefiners(opts.Policies); err != nil {
		return err
	}
	if opts.Introspector != nil {
		if err := d.checkAgainstSource(ctx, opts); err != nil {
			return err
		}
	}
	logger.Log.Info("Data dictionary validated")
	return nil
}

func (d *DataDictionary) checkDuplicates() error {
	srcSeen := make(map[string]bool, len(d.rows))
	dstSeen := make(map[string]bool, len(d.rows))
	var srcDups, dstDups []string
	for _, r := range d.rows {
		sig := r.Signature()
		if srcSeen[sig] {
			srcDups = append(srcDups, sig)
		}
		srcSeen[sig] = true
		if !r.Omit {
			dsig := r.DestSignature()
			if dstSeen[dsig] {
				dstDups = append(dstDups, dsig)
			}
			dstSeen[dsig] = true
		}
	}
	if len(srcDups) > 0 {
		return validationErrorf(srcDups, "duplicate source rows")
	}
	if len(dstDups) > 0 {
		return validationErrorf(dstDups, "duplicate destination rows")
	}
	return nil
}

// checkDestMappings enforces that every destination table is populated by
// exactly one (source db, source table) pair.
func (d *DataDictionary) checkDestMappings() error {
	feeders := make(map[string]map[TablePair]struct{})
	for _, r := range d.rows {
		if r.Omit || r.DestTable == "" {
			continue
		}
		pair := TablePair{DB: r.SrcDB, Table: r.SrcTable}
		if feeders[r.DestTable] == nil {
			feeders[r.DestTable] = make(map[TablePair]struct{})
		}
		feeders[r.DestTable][pair] = struct{}{}
	}
	for dest, pairs := range feeders {
		if len(pairs) > 1 {
			var names []string
			for p := range pairs {
				names = append(names, p.String())
			}
			return validationErrorf(names,
				"destination table %q is fed by multiple source tables", dest)
		}
	}
	return nil
}

// checkPerTableStructure enforces at most one PK per source table, and that
// any table with scrub-source or master-patient-id rows declares a per-table
// patient-id field.
func (d *DataDictionary) checkPerTableStructure() error {
	for pair, rows := range d.rowsByTable {
		var pks []string
		needsPID := false
		for _, r := range rows {
			if r.PK {
				pks = append(pks, r.Signature())
			}
			if r.BeingScrubbed() || r.MasterPID {
				needsPID = true
			}
		}
		if len(pks) > 1 {
			return validationErrorf(pks, "source table %s has more than one primary key row", pair)
		}
		if needsPID && d.pidFieldByTable[pair] == "" {
			return validationErrorf(nil,
				"source table %s has scrub-source or master-patient-id rows but no patient-id field", pair)
		}
	}
	return nil
}

// checkPIDDefiners enforces at least one defines-primary-patient-id row
// unless every source database opts in to "no patient info" mode, in which
// case those databases are copied unscrubbed: deliberate, logged, not fatal.
func (d *DataDictionary) checkPIDDefiners(policies *PolicyConfig) error {
	definers := 0
	for _, r := range d.rows {
		if r.DefinesPrimaryPIDs {
			definers++
		}
	}
	switch {
	case definers == 0:
		if policies != nil && allAllowNoPatientInfo(d.srcDatabases, policies) {
			logger.Log.Warn("NO PATIENT-DEFINING FIELD: source databases will be copied, not anonymised")
			return nil
		}
		return &ValidationError{
			Msg: "no field defines primary patient IDs, and not every source database allows no patient info",
		}
	case definers > 1:
		logger.Log.WithField("definers", definers).
			Warn("Unusual: more than one field defines primary patient IDs")
	}
	return nil
}

func allAllowNoPatientInfo(dbs []string, policies *PolicyConfig) bool {
	for _, db := range dbs {
		pol := policies.PolicyFor(db)
		if pol == nil || !pol.AllowNoPatientInfo {
			return false
		}
	}
	return true
}

// checkAgainstSource cross-checks the rule table against the live schema:
// tables and columns must exist, and declared PID/MPID fields must be
// type-compatible with the configured storage types. Live column types are
// cached on the rows for later scrub-method inference.
func (d *DataDictionary) checkAgainstSource(ctx context.Context, opts ValidateOptions) error {
	for _, db := range d.srcDatabases {
		tables, err := opts.Introspector.Tables(ctx, db)
		if err != nil {
			return configErrorf("introspect %s: %v", db, err)
		}
		tableSet := make(map[string]struct{}, len(tables))
		for _, t := range tables {
			tableSet[strings.ToLower(t)] = struct{}{}
		}

		for pair, rows := range d.rowsByTable {
			if pair.DB != db {
				continue
			}
			if _, ok := tableSet[pair.Table]; !ok {
				return validationErrorf(nil, "table %s missing from source database %s", pair.Table, db)
			}
			cols, err := opts.Introspector.Columns(ctx, db, pair.Table)
			if err != nil {
				return configErrorf("introspect %s: %v", pair, err)
			}
			colTypes := make(map[string]string, len(cols))
			for _, c := range cols {
				colTypes[strings.ToLower(c.Name)] = c.DatabaseType
			}
			for _, r := range rows {
				liveType, ok := colTypes[r.SrcField]
				if !ok {
					return validationErrorf([]string{r.Signature()},
						"column missing from source table %s", pair)
				}
				r.SrcDatatype = liveType
				if r.PrimaryPID {
					if err := ensureTypeCompatible(r, liveType, opts.PIDType, "primary PID"); err != nil {
						return err
					}
				}
				if r.MasterPID {
					if err := ensureTypeCompatible(r, liveType, opts.MPIDType, "master PID"); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// ensureTypeCompatible accepts integer-vs-integer, or string-vs-string where
// the source length fits the configured column, and rejects everything else.
func ensureTypeCompatible(r *Row, liveType, configType, what string) error {
	if configType == "" {
		return nil
	}
	if IsIntegerType(liveType) && IsIntegerType(configType) {
		return nil
	}
	if IsStringType(liveType) && IsStringType(configType) {
		srcLen := StringTypeLength(liveType)
		cfgLen := StringTypeLength(configType)
		if cfgLen < 0 || (srcLen >= 0 && srcLen <= cfgLen) {
			return nil
		}
	}
	return validationErrorf([]string{r.Signature()},
		"column is marked as a %s field of type %q, but the config expects %q",
		what, liveType, configType)
}
