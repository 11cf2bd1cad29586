package warehouse

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/varmetrics/varmetrics/internal/report"
)

// Dialect captures the handful of places where engines disagree: driver name,
// bind placeholders, column types, table options and date casts.
type Dialect struct {
	Name   string
	Driver string

	types        map[report.ColumnType]string
	numbered     bool
	tableOptions func(key []string) string
	dateOf       func(expr string) string
	// single forces one open connection; used for embedded engines
	single bool
}

func (d Dialect) Placeholder(n int) string {
	if d.numbered {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (d Dialect) Type(t report.ColumnType) string {
	return d.types[t]
}

// TableOptions returns the clause appended after the column list of CREATE TABLE.
func (d Dialect) TableOptions(key []string) string {
	if d.tableOptions == nil {
		return ""
	}
	return d.tableOptions(key)
}

// Truncate returns the statement that empties table.
func (d Dialect) Truncate(table string) string {
	if d.Name == "sqlite" {
		return "DELETE FROM " + table
	}
	return "TRUNCATE TABLE " + table
}

// DateOf casts a date or timestamp expression to a calendar date.
func (d Dialect) DateOf(expr string) string {
	if d.dateOf == nil {
		return "CAST(" + expr + " AS DATE)"
	}
	return d.dateOf(expr)
}

var ansiTypes = map[report.ColumnType]string{
	report.TypeDate:   "DATE",
	report.TypeString: "VARCHAR(255)",
	report.TypeInt:    "BIGINT",
	report.TypeFloat:  "DOUBLE",
}

var dialects = map[string]Dialect{
	"starrocks": {
		Name:   "starrocks",
		Driver: "mysql",
		types:  ansiTypes,
		tableOptions: func(key []string) string {
			return fmt.Sprintf(`ENGINE=OLAP DUPLICATE KEY(%s) DISTRIBUTED BY HASH(%s) PROPERTIES ("replication_num" = "1")`,
				strings.Join(key, ", "), key[0])
		},
	},
	"mysql": {
		Name:   "mysql",
		Driver: "mysql",
		types:  ansiTypes,
	},
	"postgres": {
		Name:     "postgres",
		Driver:   "postgres",
		numbered: true,
		types: map[report.ColumnType]string{
			report.TypeDate:   "DATE",
			report.TypeString: "VARCHAR(255)",
			report.TypeInt:    "BIGINT",
			report.TypeFloat:  "DOUBLE PRECISION",
		},
	},
	"snowflake": {
		Name:   "snowflake",
		Driver: "snowflake",
		types: map[report.ColumnType]string{
			report.TypeDate:   "DATE",
			report.TypeString: "VARCHAR(255)",
			report.TypeInt:    "NUMBER(38,0)",
			report.TypeFloat:  "FLOAT",
		},
		dateOf: func(expr string) string { return "TO_DATE(" + expr + ")" },
	},
	"clickhouse": {
		Name:   "clickhouse",
		Driver: "clickhouse",
		types: map[report.ColumnType]string{
			report.TypeDate:   "Date",
			report.TypeString: "String",
			report.TypeInt:    "Int64",
			report.TypeFloat:  "Nullable(Float64)",
		},
		tableOptions: func(key []string) string {
			return fmt.Sprintf("ENGINE = MergeTree ORDER BY (%s)", strings.Join(key, ", "))
		},
		dateOf: func(expr string) string { return "toDate(" + expr + ")" },
	},
	// DATE columns are TEXT so the driver hands back the stored YYYY-MM-DD string
	"sqlite": {
		Name:   "sqlite",
		Driver: "sqlite",
		types: map[report.ColumnType]string{
			report.TypeDate:   "TEXT",
			report.TypeString: "TEXT",
			report.TypeInt:    "INTEGER",
			report.TypeFloat:  "REAL",
		},
		dateOf: func(expr string) string { return "date(" + expr + ")" },
		single: true,
	},
}

// LookupDialect returns the dialect registered under name.
func LookupDialect(name string) (Dialect, error) {
	d, ok := dialects[strings.ToLower(name)]
	if !ok {
		return Dialect{}, fmt.Errorf("unknown warehouse dialect %q (supported: %s)", name, strings.Join(DialectNames(), ", "))
	}
	return d, nil
}

func DialectNames() []string {
	names := make([]string, 0, len(dialects))
	for name := range dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
