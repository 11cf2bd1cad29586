package export

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/varmetrics/varmetrics/internal/report"
)

type Format string

const (
	CSV  Format = "csv"
	JSON Format = "json"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case CSV, JSON:
		return f, nil
	}
	return "", fmt.Errorf("invalid format %q: must be 'csv' or 'json'", s)
}

func (f Format) ContentType() string {
	if f == JSON {
		return "application/json"
	}
	return "text/csv"
}

// Header lists the exported columns: the key columns then the metric values.
func Header(s report.Schema) []string {
	var names []string
	for _, c := range s.Key() {
		names = append(names, c.Name)
	}
	for _, c := range s.Values {
		names = append(names, c.Name)
	}
	return names
}

func Write(w io.Writer, f Format, table string, s report.Schema, rows []report.Row) error {
	switch f {
	case CSV:
		return WriteCSV(w, s, rows)
	case JSON:
		return WriteJSON(w, table, s, rows)
	}
	return fmt.Errorf("invalid format %q", f)
}

func WriteCSV(w io.Writer, s report.Schema, rows []report.Row) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(Header(s)); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for _, r := range rows {
		record := []string{r.EventDate.Format("2006-01-02"), r.VariationID}
		if s.Breakdown == report.BreakdownCountry {
			record = append(record, r.Country)
		}
		for _, c := range s.Values {
			record = append(record, FormatValue(r.Values[c.Name]))
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}

type jsonExport struct {
	Table   string           `json:"table"`
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
}

func WriteJSON(w io.Writer, table string, s report.Schema, rows []report.Row) error {
	export := jsonExport{
		Table:   table,
		Columns: Header(s),
		Rows:    make([]map[string]any, len(rows)),
	}

	for i, r := range rows {
		m := map[string]any{
			report.ColEventDate:   r.EventDate.Format("2006-01-02"),
			report.ColVariationID: r.VariationID,
		}
		if s.Breakdown == report.BreakdownCountry {
			m[report.ColCountry] = r.Country
		}
		for _, c := range s.Values {
			m[c.Name] = jsonValue(r.Values[c.Name])
		}
		export.Rows[i] = m
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

// FormatValue renders a metric value for text output. NULL is empty.
func FormatValue(v any) string {
	switch x := jsonValue(v).(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case string:
		return x
	case time.Time:
		return x.Format("2006-01-02")
	default:
		return fmt.Sprint(x)
	}
}

func jsonValue(v any) any {
	switch x := v.(type) {
	case sql.NullFloat64:
		if !x.Valid {
			return nil
		}
		return x.Float64
	case sql.NullInt64:
		if !x.Valid {
			return nil
		}
		return x.Int64
	case int:
		return int64(x)
	case float32:
		return float64(x)
	}
	return v
}
