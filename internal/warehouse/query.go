package warehouse

import (
	"fmt"
	"regexp"
	"strings"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidateIdent accepts a table or column name, optionally schema-qualified.
// Identifiers are spliced into SQL text, so anything else is refused.
func ValidateIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// Query accumulates bind arguments while SQL text is assembled. Arg must be
// called in the order the placeholders appear in the final statement.
type Query struct {
	dialect Dialect
	args    []any
}

func NewQuery(d Dialect) *Query {
	return &Query{dialect: d}
}

// Arg binds v and returns its placeholder.
func (q *Query) Arg(v any) string {
	q.args = append(q.args, v)
	return q.dialect.Placeholder(len(q.args))
}

// List binds every value and returns a comma separated placeholder list.
func (q *Query) List(vs ...any) string {
	ph := make([]string, len(vs))
	for i, v := range vs {
		ph[i] = q.Arg(v)
	}
	return strings.Join(ph, ", ")
}

func (q *Query) Args() []any {
	return q.args
}

func (q *Query) Dialect() Dialect {
	return q.dialect
}
