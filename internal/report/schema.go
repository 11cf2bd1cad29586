package report

import (
	"fmt"
	"regexp"
	"time"
)

type ColumnType int

const (
	TypeDate ColumnType = iota
	TypeString
	TypeInt
	TypeFloat
)

func (t ColumnType) String() string {
	switch t {
	case TypeDate:
		return "date"
	case TypeString:
		return "string"
	case TypeInt:
		return "int"
	case TypeFloat:
		return "float"
	}
	return fmt.Sprintf("ColumnType(%d)", int(t))
}

type Column struct {
	Name string
	Type ColumnType
}

func Date(name string) Column   { return Column{Name: name, Type: TypeDate} }
func String(name string) Column { return Column{Name: name, Type: TypeString} }
func Int(name string) Column    { return Column{Name: name, Type: TypeInt} }
func Float(name string) Column  { return Column{Name: name, Type: TypeFloat} }

type Breakdown string

const (
	BreakdownNone    Breakdown = "none"
	BreakdownCountry Breakdown = "country"
)

const (
	ColEventDate     = "event_date"
	ColVariationID   = "variation_id"
	ColCountry       = "country"
	ColExperimentID  = "experiment_id"
	ColExperimentTag = "experiment_tag"
)

// Schema describes a destination table: key columns, metric values and the
// experiment columns stamped on every row.
type Schema struct {
	Breakdown Breakdown
	Values    []Column
}

func NewSchema(b Breakdown, values ...Column) Schema {
	return Schema{Breakdown: b, Values: values}
}

// Key returns the columns identifying a row.
func (s Schema) Key() []Column {
	key := []Column{Date(ColEventDate), String(ColVariationID)}
	if s.Breakdown == BreakdownCountry {
		key = append(key, String(ColCountry))
	}
	return key
}

// Columns returns every column in table order.
func (s Schema) Columns() []Column {
	cols := s.Key()
	cols = append(cols, s.Values...)
	return append(cols, String(ColExperimentID), String(ColExperimentTag))
}

func (s Schema) ColumnNames() []string {
	cols := s.Columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names
}

// Row is one (day, variation[, country]) output of a metric formula.
type Row struct {
	EventDate   time.Time
	VariationID string
	Country     string
	Values      map[string]any
}

// Args flattens r into insert arguments in Columns() order.
func (s Schema) Args(r Row, experimentID, tag string) []any {
	args := []any{r.EventDate.Format("2006-01-02"), r.VariationID}
	if s.Breakdown == BreakdownCountry {
		args = append(args, r.Country)
	}
	for _, c := range s.Values {
		args = append(args, r.Values[c.Name])
	}
	return append(args, experimentID, tag)
}

var metricPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// TableName returns the destination table for a metric and experiment tag.
func TableName(metric, tag string) string {
	return "tbl_report_" + metric + "_" + tag
}

func ValidateMetricName(name string) error {
	if !metricPattern.MatchString(name) {
		return fmt.Errorf("invalid metric name %q", name)
	}
	return nil
}
