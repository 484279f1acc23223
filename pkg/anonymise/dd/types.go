package dd

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

// ColumnInfo describes one live source column, as enumerated by a
// SchemaIntrospector.
type ColumnInfo struct {
	Name         string
	DatabaseType string // e.g. "BIGINT", "VARCHAR(50)", "TIMESTAMP"
	IsPK         bool
}

// SchemaIntrospector enumerates the live schema of the source databases. It
// is the read-only collaborator boundary used for rule drafting and for
// cross-checking declared types at validation time.
type SchemaIntrospector interface {
	Tables(ctx context.Context, db string) ([]string, error)
	Columns(ctx context.Context, db, table string) ([]ColumnInfo, error)
}

var (
	intTypeRe    = regexp.MustCompile(`(?i)^(big|small|medium|tiny)?int(eger)?(\(\d+\))?( unsigned)?$`)
	stringTypeRe = regexp.MustCompile(`(?i)^(var)?char(acter)?( varying)?\s*(\((\d+)\))?$|^text$`)
	dateTypeRe   = regexp.MustCompile(`(?i)^(date|datetime|datetime2|timestamp)(\(\d+\))?( with(out)? time zone)?$`)
)

func IsIntegerType(sqltype string) bool {
	return intTypeRe.MatchString(strings.TrimSpace(sqltype))
}

func IsStringType(sqltype string) bool {
	return stringTypeRe.MatchString(strings.TrimSpace(sqltype))
}

func IsDateType(sqltype string) bool {
	return dateTypeRe.MatchString(strings.TrimSpace(sqltype))
}

// StringTypeLength returns the declared length of a string type, or -1 when
// unbounded or unknown (TEXT, bare VARCHAR).
func StringTypeLength(sqltype string) int {
	m := stringTypeRe.FindStringSubmatch(strings.TrimSpace(sqltype))
	if m == nil || m[5] == "" {
		return -1
	}
	n, err := strconv.Atoi(m[5])
	if err != nil {
		return -1
	}
	return n
}

// IsTextOverOneChar reports whether the type can hold free text worth
// scrubbing by words: TEXT, or a string type longer than one character.
func IsTextOverOneChar(sqltype string) bool {
	if !IsStringType(sqltype) {
		return false
	}
	l := StringTypeLength(sqltype)
	return l < 0 || l > 1
}
