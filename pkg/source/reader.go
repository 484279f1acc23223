// Package source provides read-only access to the source clinical
// databases: per-patient scrub-source value rows and live schema
// enumeration for rule drafting and validation.
package source

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/TransfuseSolutions/crate/pkg/anonymise/dd"
	"gorm.io/gorm"
)

// Reader fetches scrub-source values. One call is a single row-scan of a
// source table for a patient, returning every requested field per row.
type Reader interface {
	// ScrubSourceRows returns all rows of (db, table) whose pidField equals
	// pid, with values ordered to match fields.
	ScrubSourceRows(ctx context.Context, db, table string, fields []string, pidField string, pid int64) ([][]interface{}, error)
}

// DBSet is a Reader and dd.SchemaIntrospector over a set of named gorm
// handles, one per source database.
type DBSet struct {
	dbs map[string]*gorm.DB
}

func NewDBSet() *DBSet {
	return &DBSet{dbs: make(map[string]*gorm.DB)}
}

func (s *DBSet) Add(name string, db *gorm.DB) {
	s.dbs[strings.ToLower(name)] = db
}

func (s *DBSet) handle(name string) (*gorm.DB, error) {
	db, ok := s.dbs[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown source database %q", name)
	}
	return db, nil
}

func (s *DBSet) ScrubSourceRows(ctx context.Context, dbName, table string, fields []string, pidField string, pid int64) ([][]interface{}, error) {
	db, err := s.handle(dbName)
	if err != nil {
		return nil, err
	}

	rows, err := db.WithContext(ctx).
		Table(table).
		Select(strings.Join(fields, ", ")).
		Where(fmt.Sprintf("%s = ?", pidField), pid).
		Rows()
	if err != nil {
		return nil, fmt.Errorf("fetch scrub-source rows from %s.%s: %w", dbName, table, err)
	}
	defer rows.Close()

	var out [][]interface{}
	for rows.Next() {
		values := make([]interface{}, len(fields))
		ptrs := make([]interface{}, len(fields))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan scrub-source row from %s.%s: %w", dbName, table, err)
		}
		out = append(out, values)
	}
	return out, rows.Err()
}

// DistinctPIDs lists every distinct patient ID in the pid-defining table, in
// ascending order. This is the work queue for a full anonymisation run.
func (s *DBSet) DistinctPIDs(ctx context.Context, dbName, table, pidField string) ([]int64, error) {
	db, err := s.handle(dbName)
	if err != nil {
		return nil, err
	}
	var pids []int64
	err = db.WithContext(ctx).
		Table(table).
		Distinct(pidField).
		Where(fmt.Sprintf("%s IS NOT NULL", pidField)).
		Order(pidField).
		Pluck(pidField, &pids).Error
	if err != nil {
		return nil, fmt.Errorf("list patient ids from %s.%s: %w", dbName, table, err)
	}
	return pids, nil
}

// Tables implements dd.SchemaIntrospector.
func (s *DBSet) Tables(ctx context.Context, dbName string) ([]string, error) {
	db, err := s.handle(dbName)
	if err != nil {
		return nil, err
	}
	tables, err := db.WithContext(ctx).Migrator().GetTables()
	if err != nil {
		return nil, fmt.Errorf("list tables of %s: %w", dbName, err)
	}
	sort.Strings(tables)
	return tables, nil
}

// Columns implements dd.SchemaIntrospector.
func (s *DBSet) Columns(ctx context.Context, dbName, table string) ([]dd.ColumnInfo, error) {
	db, err := s.handle(dbName)
	if err != nil {
		return nil, err
	}
	colTypes, err := db.WithContext(ctx).Migrator().ColumnTypes(table)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s.%s: %w", dbName, table, err)
	}

	out := make([]dd.ColumnInfo, 0, len(colTypes))
	for _, ct := range colTypes {
		typeName := ct.DatabaseTypeName()
		if length, ok := ct.Length(); ok && length > 0 && dd.IsStringType(typeName) {
			typeName = fmt.Sprintf("%s(%d)", typeName, length)
		}
		isPK, _ := ct.PrimaryKey()
		out = append(out, dd.ColumnInfo{
			Name:         ct.Name(),
			DatabaseType: typeName,
			IsPK:         isPK,
		})
	}
	return out, nil
}
