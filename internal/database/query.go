package database

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Q is one predicate in a query. All predicates are ANDed together.
type Q struct {
	field  string
	op     string
	values []any
}

// Eq matches field = value; a nil value matches IS NULL.
func Eq(field string, value any) Q {
	if value == nil {
		return Q{field: field, op: "isnull"}
	}
	return Q{field: field, op: "=", values: []any{value}}
}

// In matches field IN (values...).
func In[V any](field string, values ...V) Q {
	vs := make([]any, len(values))
	for i, v := range values {
		vs[i] = v
	}
	return Q{field: field, op: "in", values: vs}
}

// Glob matches field GLOB pattern.
func Glob(field, pattern string) Q {
	return Q{field: field, op: "glob", values: []any{pattern}}
}

// Lt matches field < value.
func Lt(field string, value any) Q {
	return Q{field: field, op: "<", values: []any{value}}
}

// Gt matches field > value.
func Gt(field string, value any) Q {
	return Q{field: field, op: ">", values: []any{value}}
}

func buildWhere(qs []Q) (string, []any) {
	if len(qs) == 0 {
		return "1 = 1", nil
	}
	parts := make([]string, 0, len(qs))
	var args []any
	for _, q := range qs {
		switch q.op {
		case "isnull":
			parts = append(parts, escape(q.field)+" IS NULL")
		case "in":
			ph := strings.TrimSuffix(strings.Repeat("?, ", len(q.values)), ", ")
			parts = append(parts, fmt.Sprintf("%s IN (%s)", escape(q.field), ph))
			args = append(args, q.values...)
		case "glob":
			parts = append(parts, escape(q.field)+" GLOB ?")
			args = append(args, q.values...)
		default:
			parts = append(parts, fmt.Sprintf("%s %s ?", escape(q.field), q.op))
			args = append(args, q.values...)
		}
	}
	return strings.Join(parts, " AND "), args
}

// escape quotes a SQLite identifier (as opposed to a string literal).
func escape(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Insert writes a new record.
func Insert(ctx context.Context, h Handle, r Record) error {
	cols := r.Columns()
	escaped := make([]string, len(cols))
	for i, c := range cols {
		escaped[i] = escape(c)
	}
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		escape(r.TableName()), strings.Join(escaped, ", "), ph)
	_, err := h.ExecContext(ctx, query, r.Refs()...)
	return err
}

// Upsert inserts the record or, on conflict with the given key columns,
// updates every column from the new values.
func Upsert(ctx context.Context, h Handle, r Record, keys ...string) error {
	cols := r.Columns()
	escaped := make([]string, len(cols))
	updates := make([]string, len(cols))
	for i, c := range cols {
		escaped[i] = escape(c)
		updates[i] = fmt.Sprintf("%s = excluded.%s", escape(c), escape(c))
	}
	escapedKeys := make([]string, len(keys))
	for i, k := range keys {
		escapedKeys[i] = escape(k)
	}
	ph := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		escape(r.TableName()), strings.Join(escaped, ", "), ph,
		strings.Join(escapedKeys, ", "), strings.Join(updates, ", "))
	_, err := h.ExecContext(ctx, query, r.Refs()...)
	return err
}

// Update rewrites every column of the record (identified by its "id" column)
// except those listed in exclude. Excluding a column leaves the stored value
// untouched, which is how the controller avoids overwriting the cancelled
// flag written by the request handler.
func Update(ctx context.Context, h Handle, r Record, exclude ...string) error {
	skip := make(map[string]bool, len(exclude)+1)
	for _, c := range exclude {
		skip[c] = true
	}
	cols := r.Columns()
	refs := r.Refs()
	var sets []string
	var args []any
	var id any
	for i, c := range cols {
		if c == "id" {
			id = refs[i]
			continue
		}
		if skip[c] {
			continue
		}
		sets = append(sets, escape(c)+" = ?")
		args = append(args, refs[i])
	}
	if id == nil {
		return fmt.Errorf("record in table %q has no id column", r.TableName())
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?",
		escape(r.TableName()), strings.Join(sets, ", "))
	_, err := h.ExecContext(ctx, query, args...)
	return err
}

// UpdateWhere patches the named columns on every row matching the query.
func UpdateWhere(ctx context.Context, h Handle, table string, patch map[string]any, qs ...Q) error {
	var sets []string
	var args []any
	for _, col := range sortedKeys(patch) {
		sets = append(sets, escape(col)+" = ?")
		args = append(args, patch[col])
	}
	where, whereArgs := buildWhere(qs)
	args = append(args, whereArgs...)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		escape(table), strings.Join(sets, ", "), where)
	_, err := h.ExecContext(ctx, query, args...)
	return err
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

// FindWhere returns every record matching the query.
func FindWhere[T any, P ptrRecord[T]](ctx context.Context, h Handle, qs ...Q) ([]*T, error) {
	var proto T
	r := P(&proto)
	cols := r.Columns()
	escaped := make([]string, len(cols))
	for i, c := range cols {
		escaped[i] = escape(c)
	}
	where, args := buildWhere(qs)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(escaped, ", "), escape(r.TableName()), where)
	rows, err := h.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var item T
		if err := rows.Scan(P(&item).Refs()...); err != nil {
			return nil, err
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}

// FindOne returns exactly one matching record, erroring on zero or many.
func FindOne[T any, P ptrRecord[T]](ctx context.Context, h Handle, qs ...Q) (*T, error) {
	results, err := FindWhere[T, P](ctx, h, qs...)
	if err != nil {
		return nil, err
	}
	var proto T
	switch len(results) {
	case 1:
		return results[0], nil
	case 0:
		return nil, fmt.Errorf("found no %s rows matching query, expected one",
			P(&proto).TableName())
	default:
		return nil, fmt.Errorf("found %d %s rows matching query, expected one",
			len(results), P(&proto).TableName())
	}
}

// ExistsWhere reports whether any record matches the query.
func ExistsWhere[T any, P ptrRecord[T]](ctx context.Context, h Handle, qs ...Q) (bool, error) {
	var proto T
	where, args := buildWhere(qs)
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s)",
		escape(P(&proto).TableName()), where)
	rows, err := h.QueryContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	var exists bool
	if rows.Next() {
		if err := rows.Scan(&exists); err != nil {
			return false, err
		}
	}
	return exists, rows.Err()
}

// CountWhere returns the number of matching records.
func CountWhere[T any, P ptrRecord[T]](ctx context.Context, h Handle, qs ...Q) (int, error) {
	var proto T
	where, args := buildWhere(qs)
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s",
		escape(P(&proto).TableName()), where)
	rows, err := h.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var n int
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, err
		}
	}
	return n, rows.Err()
}

// SelectValues returns a single column from every matching row in table.
func SelectValues[V any](ctx context.Context, h Handle, table, column string, qs ...Q) ([]V, error) {
	where, args := buildWhere(qs)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		escape(column), escape(table), where)
	rows, err := h.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []V
	for rows.Next() {
		var v V
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// jsonRef adapts a list- or map-valued field to a TEXT column. A nil value
// round-trips as NULL rather than the JSON literal "null".
type jsonRef struct {
	target any
}

// JSON wraps a pointer to a slice, map or struct field for use in Refs().
func JSON(target any) *jsonRef {
	return &jsonRef{target: target}
}

func (j *jsonRef) Value() (driver.Value, error) {
	if isNilPointee(j.target) {
		return nil, nil
	}
	b, err := json.Marshal(deref(j.target))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func isNilPointee(target any) bool {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return true
	}
	elem := rv.Elem()
	switch elem.Kind() {
	case reflect.Slice, reflect.Map, reflect.Pointer:
		return elem.IsNil()
	}
	return false
}

func deref(target any) any {
	return reflect.ValueOf(target).Elem().Interface()
}

func (j *jsonRef) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("cannot scan %T into JSON column", src)
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, j.target)
}
