package handler

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// AuditRecorder is notified of a table mutation's prior state before it is
// applied, so a reorg rollback can replay the inverse. The Dispatcher
// supplies one backed by an on-disk audit log; tests and Setup's
// pseudo-event dispatch may leave it nil, in which case no rollback trail
// is kept for that transaction.
type AuditRecorder interface {
	RecordMutation(tableName, rowID string, prevData map[string]any, prevExisted bool) error
}

// DB is context.db: a handle scoped to the dispatcher's open transaction,
// exposing one dynamically-shaped Table per name. Tables are created lazily
// on first use as an (id, data) row store, so user handlers never need a
// migration step of their own.
type DB struct {
	tx    *sql.Tx
	audit AuditRecorder
}

// NewDB wraps an open dispatch transaction. audit may be nil.
func NewDB(tx *sql.Tx, audit AuditRecorder) *DB {
	return &DB{tx: tx, audit: audit}
}

// Table returns the named table handle, creating its backing table if this
// is the first reference to it.
func (d *DB) Table(name string) (*Table, error) {
	if !isValidIdentifier(name) {
		return nil, fmt.Errorf("handler: invalid table name %q", name)
	}
	if _, err := d.tx.Exec(fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS user_%s (id TEXT PRIMARY KEY, data TEXT NOT NULL)`, name)); err != nil {
		return nil, fmt.Errorf("handler: create table %s: %w", name, err)
	}
	return &Table{tx: d.tx, name: name, audit: d.audit}, nil
}

// Table is context.db.<Table>.
type Table struct {
	tx    *sql.Tx
	name  string
	audit AuditRecorder
}

// recordPriorState captures the row's state before a mutation so a rollback
// can undo it, when the DB was built with an AuditRecorder.
func (t *Table) recordPriorState(id string) error {
	if t.audit == nil {
		return nil
	}
	prior, existed, err := t.FindUnique(id)
	if err != nil {
		return err
	}
	return t.audit.RecordMutation(t.name, id, prior.Data, existed)
}

func (t *Table) tableName() string { return "user_" + t.name }

// Row is a decoded table row: its id plus its JSON-object data.
type Row struct {
	ID   string
	Data map[string]any
}

// Create inserts a new row, failing if id already exists.
func (t *Table) Create(id string, data map[string]any) error {
	if err := t.recordPriorState(id); err != nil {
		return err
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("handler: encode row: %w", err)
	}
	_, err = t.tx.Exec(fmt.Sprintf(`INSERT INTO %s (id, data) VALUES (?, ?)`, t.tableName()), id, string(encoded))
	if err != nil {
		return fmt.Errorf("handler: create %s/%s: %w", t.name, id, err)
	}
	return nil
}

// Update partially merges data into the existing row's JSON object. update
// may instead be a function of the row's current data, matching the spec's
// `data:(current)=>partial` form.
func (t *Table) Update(id string, update any) error {
	current, ok, err := t.FindUnique(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("handler: update %s/%s: no such row", t.name, id)
	}
	if err := t.recordPriorState(id); err != nil {
		return err
	}

	partial, err := resolvePartial(update, current.Data)
	if err != nil {
		return err
	}
	merged := mergeData(current.Data, partial)

	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("handler: encode row: %w", err)
	}
	_, err = t.tx.Exec(fmt.Sprintf(`UPDATE %s SET data = ? WHERE id = ?`, t.tableName()), string(encoded), id)
	if err != nil {
		return fmt.Errorf("handler: update %s/%s: %w", t.name, id, err)
	}
	return nil
}

// Upsert creates the row with create if absent, otherwise applies update the
// same way Update does.
func (t *Table) Upsert(id string, create map[string]any, update any) error {
	_, ok, err := t.FindUnique(id)
	if err != nil {
		return err
	}
	if !ok {
		return t.Create(id, create)
	}
	return t.Update(id, update)
}

// Delete removes a row. Deleting a nonexistent id is a no-op.
func (t *Table) Delete(id string) error {
	if err := t.recordPriorState(id); err != nil {
		return err
	}
	_, err := t.tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, t.tableName()), id)
	if err != nil {
		return fmt.Errorf("handler: delete %s/%s: %w", t.name, id, err)
	}
	return nil
}

// FindUnique looks up one row by id.
func (t *Table) FindUnique(id string) (Row, bool, error) {
	var raw string
	err := t.tx.QueryRow(fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, t.tableName()), id).Scan(&raw)
	if err == sql.ErrNoRows {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("handler: find %s/%s: %w", t.name, id, err)
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return Row{}, false, fmt.Errorf("handler: decode %s/%s: %w", t.name, id, err)
	}
	return Row{ID: id, Data: data}, true, nil
}

// Condition is one field's filter in a FindMany/UpdateMany where clause.
// Exactly one operator should be set.
type Condition struct {
	Eq, Gt, Gte, Lt, Lte     any
	In, NotIn                []any
	Contains, StartsWith, EndsWith *string
}

// FindManyArgs mirrors context.db.<Table>.findMany's named parameters.
type FindManyArgs struct {
	Where   map[string]Condition
	OrderBy string
	Desc    bool
	Skip    int
	Take    int
}

// FindMany returns every row matching Where, AND-combined across fields,
// using SQLite's JSON1 extension to filter and sort by extracted fields.
func (t *Table) FindMany(args FindManyArgs) ([]Row, error) {
	query := fmt.Sprintf(`SELECT id, data FROM %s`, t.tableName())
	var clauses []string
	var params []any

	for field, cond := range args.Where {
		clause, condParams, err := buildConditionSQL(field, cond)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, clause)
		params = append(params, condParams...)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	if args.OrderBy != "" {
		dir := "ASC"
		if args.Desc {
			dir = "DESC"
		}
		query += fmt.Sprintf(" ORDER BY json_extract(data, '$.%s') %s", args.OrderBy, dir)
	}
	if args.Take > 0 {
		query += fmt.Sprintf(" LIMIT %d", args.Take)
		if args.Skip > 0 {
			query += fmt.Sprintf(" OFFSET %d", args.Skip)
		}
	} else if args.Skip > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", args.Skip)
	}

	rows, err := t.tx.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("handler: find many %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("handler: scan %s row: %w", t.name, err)
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			return nil, fmt.Errorf("handler: decode %s/%s: %w", t.name, id, err)
		}
		out = append(out, Row{ID: id, Data: data})
	}
	return out, rows.Err()
}

// CreateMany inserts every row in data, keyed by id.
func (t *Table) CreateMany(data map[string]map[string]any) error {
	for id, row := range data {
		if err := t.Create(id, row); err != nil {
			return err
		}
	}
	return nil
}

// UpdateMany applies update to every row matching where.
func (t *Table) UpdateMany(where map[string]Condition, update any) error {
	rows, err := t.FindMany(FindManyArgs{Where: where})
	if err != nil {
		return err
	}
	for _, row := range rows {
		if err := t.Update(row.ID, update); err != nil {
			return err
		}
	}
	return nil
}

func buildConditionSQL(field string, cond Condition) (string, []any, error) {
	path := fmt.Sprintf("json_extract(data, '$.%s')", field)
	switch {
	case cond.Eq != nil:
		return path + " = ?", []any{cond.Eq}, nil
	case cond.Gt != nil:
		return path + " > ?", []any{cond.Gt}, nil
	case cond.Gte != nil:
		return path + " >= ?", []any{cond.Gte}, nil
	case cond.Lt != nil:
		return path + " < ?", []any{cond.Lt}, nil
	case cond.Lte != nil:
		return path + " <= ?", []any{cond.Lte}, nil
	case cond.In != nil:
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cond.In)), ",")
		return fmt.Sprintf("%s IN (%s)", path, placeholders), cond.In, nil
	case cond.NotIn != nil:
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cond.NotIn)), ",")
		return fmt.Sprintf("%s NOT IN (%s)", path, placeholders), cond.NotIn, nil
	case cond.Contains != nil:
		return path + " LIKE ?", []any{"%" + *cond.Contains + "%"}, nil
	case cond.StartsWith != nil:
		return path + " LIKE ?", []any{*cond.StartsWith + "%"}, nil
	case cond.EndsWith != nil:
		return path + " LIKE ?", []any{"%" + *cond.EndsWith}, nil
	default:
		return "", nil, fmt.Errorf("handler: empty condition for field %q", field)
	}
}

func mergeData(current, partial map[string]any) map[string]any {
	merged := make(map[string]any, len(current)+len(partial))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	return merged
}

// resolvePartial accepts either a plain partial-update map or a
// func(map[string]any) map[string]any, matching the spec's
// `data:(current)=>partial` convenience form.
func resolvePartial(update any, current map[string]any) (map[string]any, error) {
	switch u := update.(type) {
	case map[string]any:
		return u, nil
	case func(map[string]any) map[string]any:
		return u(current), nil
	default:
		return nil, fmt.Errorf("handler: update must be a map[string]any or func(map[string]any) map[string]any")
	}
}

func isValidIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' {
			continue
		}
		return false
	}
	return true
}
