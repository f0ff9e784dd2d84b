// Copyright 2024 Cabwise Technologies GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// dev@cabwise.tech
//

package backend

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/cabwise-tech/fleetcore/core"
	"github.com/cabwise-tech/fleetcore/core/csql"
	"github.com/cabwise-tech/fleetcore/core/descriptor"
	"github.com/cabwise-tech/fleetcore/core/logger"
	"github.com/cabwise-tech/fleetcore/core/schema"
)

// Record is one identified, timestamped document of a compiled model
type Record struct {
	ID         uuid.UUID
	Created    time.Time
	Updated    time.Time
	Properties map[string]interface{}
}

// String returns a property as string, or "" if absent or not a string
func (r Record) String(name string) string {
	s, _ := r.Properties[name].(string)
	return s
}

// MarshalJSON flattens the record into one object: the document properties
// plus the server-assigned id and timestamps.
func (r Record) MarshalJSON() ([]byte, error) {
	object := make(map[string]interface{}, len(r.Properties)+3)
	for key, value := range r.Properties {
		object[key] = value
	}
	object["id"] = r.ID
	object["created_at"] = r.Created.UTC().Format(time.RFC3339Nano)
	object["updated_at"] = r.Updated.UTC().Format(time.RFC3339Nano)
	return json.Marshal(object)
}

// UnmarshalJSON is the inverse of MarshalJSON
func (r *Record) UnmarshalJSON(data []byte) error {
	object := map[string]interface{}{}
	if err := json.Unmarshal(data, &object); err != nil {
		return err
	}
	if s, ok := object["id"].(string); ok {
		id, err := uuid.Parse(s)
		if err != nil {
			return err
		}
		r.ID = id
	}
	if s, ok := object["created_at"].(string); ok {
		r.Created, _ = time.Parse(time.RFC3339Nano, s)
	}
	if s, ok := object["updated_at"].(string); ok {
		r.Updated, _ = time.Parse(time.RFC3339Nano, s)
	}
	delete(object, "id")
	delete(object, "created_at")
	delete(object, "updated_at")
	r.Properties = object
	return nil
}

// Model is a compiled, named document collection derived 1:1 from a
// descriptor's payload shape. Models are created once at startup and shared
// read-only thereafter, except for the underlying store mutations.
type Model struct {
	name       string
	kind       descriptor.Kind
	definition schema.Definition
	searchable []string
	db         *csql.DB
	notifier   core.Notifier
	timeout    time.Duration
}

var fieldNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// newModel compiles the descriptor's payload shape into a model and creates
// the underlying table and indexes.
func newModel(db *csql.DB, d descriptor.Descriptor, notifier core.Notifier,
	timeout time.Duration, updateSchema bool) (*Model, error) {

	definition, err := schema.Compile(d.Fields)
	if err != nil {
		return nil, fmt.Errorf("cannot compile schema for %s: %w", d.Name, err)
	}

	var searchable []string
	for _, field := range d.Searchable {
		if !fieldNamePattern.MatchString(field) {
			return nil, fmt.Errorf("%s: invalid searchable field name %q", d.Name, field)
		}
		searchable = append(searchable, field)
	}

	m := &Model{
		name:       d.Name,
		kind:       d.Kind,
		definition: definition,
		searchable: searchable,
		db:         db,
		notifier:   notifier,
		timeout:    timeout,
	}

	if updateSchema {
		if err := m.createTable(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Model) table() string {
	return m.db.Schema + ".\"" + m.name + "\""
}

func (m *Model) createTable() error {
	createQuery := fmt.Sprintf(`CREATE table IF NOT EXISTS %s
(%s_id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
properties jsonb NOT NULL DEFAULT '{}'::jsonb,
created_at timestamp NOT NULL DEFAULT now(),
updated_at timestamp NOT NULL DEFAULT now());`, m.table(), m.name)

	createQuery += fmt.Sprintf("CREATE index IF NOT EXISTS %s ON %s(created_at);",
		"sort_index_"+m.name+"_created_at", m.table())

	for _, property := range m.searchable {
		createQuery += fmt.Sprintf("CREATE index IF NOT EXISTS %s ON %s((properties->>'%s'));",
			"searchable_property_"+m.name+"_"+property, m.table(), property)
	}

	for _, property := range m.definition.UniqueFields() {
		if !fieldNamePattern.MatchString(property) {
			return fmt.Errorf("%s: invalid unique field name %q", m.name, property)
		}
		createQuery += fmt.Sprintf("CREATE UNIQUE index IF NOT EXISTS %s ON %s((lower(properties->>'%s')));",
			"unique_property_"+m.name+"_"+property, m.table(), property)
	}

	_, err := m.db.Exec(createQuery)
	if err != nil {
		logger.Default().WithError(err).Errorf("error while updating schema when running: %s", createQuery)
		return fmt.Errorf("cannot create collection %s: %w", m.name, err)
	}
	return nil
}

func (m *Model) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := m.timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

func (m *Model) notify(operation core.Operation, record Record) {
	if m.notifier == nil {
		return
	}
	payload, _ := json.Marshal(record)
	m.notifier.Notify(m.name, operation, payload)
}

// isUniqueViolation returns true if err is a postgres unique constraint violation
func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}

// insert validates the document against the compiled schema, applies
// defaults and persists one record.
func (m *Model) insert(ctx context.Context, properties map[string]interface{}) (Record, error) {
	if properties == nil {
		properties = map[string]interface{}{}
	}
	m.definition.ApplyDefaults(properties)
	m.definition.Coerce(properties)
	if missing := m.definition.ValidateRequired(properties); len(missing) > 0 {
		return Record{}, fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	if err := m.definition.ValidateEnums(properties); err != nil {
		return Record{}, err
	}

	propertiesJSON, err := json.Marshal(properties)
	if err != nil {
		return Record{}, err
	}

	ctx, cancel := m.operationContext(ctx)
	defer cancel()

	record := Record{Properties: properties}
	err = m.db.QueryRowContext(ctx,
		fmt.Sprintf("INSERT INTO %s (properties) VALUES($1::jsonb) RETURNING %s_id, created_at, updated_at;",
			m.table(), m.name),
		propertiesJSON).Scan(&record.ID, &record.Created, &record.Updated)
	if err != nil {
		return Record{}, err
	}
	m.notify(core.OperationCreate, record)
	return record, nil
}

func (m *Model) scanOne(row interface{ Scan(...interface{}) error }) (Record, bool, error) {
	var record Record
	var propertiesJSON json.RawMessage
	err := row.Scan(&record.ID, &propertiesJSON, &record.Created, &record.Updated)
	if err == csql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	if err := json.Unmarshal(propertiesJSON, &record.Properties); err != nil {
		return Record{}, false, err
	}
	return record, true, nil
}

// findByID fetches one record by identifier
func (m *Model) findByID(ctx context.Context, id uuid.UUID) (Record, bool, error) {
	ctx, cancel := m.operationContext(ctx)
	defer cancel()
	row := m.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s_id, properties, created_at, updated_at FROM %s WHERE %s_id = $1;",
			m.name, m.table(), m.name), id)
	return m.scanOne(row)
}

// findOneByFieldFold fetches one record by a case-insensitive property match
func (m *Model) findOneByFieldFold(ctx context.Context, field, value string) (Record, bool, error) {
	if !fieldNamePattern.MatchString(field) {
		return Record{}, false, fmt.Errorf("invalid field name %q", field)
	}
	ctx, cancel := m.operationContext(ctx)
	defer cancel()
	row := m.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s_id, properties, created_at, updated_at FROM %s WHERE lower(properties->>'%s') = lower($1) LIMIT 1;",
			m.name, m.table(), field), value)
	return m.scanOne(row)
}

// update applies a validated partial update to one record. Concurrent
// updates to the same record are last-write-wins.
func (m *Model) update(ctx context.Context, id uuid.UUID, partial map[string]interface{}) (Record, bool, error) {
	record, found, err := m.findByID(ctx, id)
	if err != nil || !found {
		return Record{}, found, err
	}

	for key, value := range partial {
		record.Properties[key] = value
	}
	m.definition.Coerce(record.Properties)
	if err := m.definition.ValidateEnums(record.Properties); err != nil {
		return Record{}, true, err
	}

	propertiesJSON, err := json.Marshal(record.Properties)
	if err != nil {
		return Record{}, true, err
	}

	ctx, cancel := m.operationContext(ctx)
	defer cancel()
	err = m.db.QueryRowContext(ctx,
		fmt.Sprintf("UPDATE %s SET properties = $2::jsonb, updated_at = now() WHERE %s_id = $1 RETURNING created_at, updated_at;",
			m.table(), m.name),
		id, propertiesJSON).Scan(&record.Created, &record.Updated)
	if err == csql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, true, err
	}
	m.notify(core.OperationUpdate, record)
	return record, true, nil
}

// deleteRecord hard-deletes one record and returns it
func (m *Model) deleteRecord(ctx context.Context, id uuid.UUID) (Record, bool, error) {
	ctx, cancel := m.operationContext(ctx)
	defer cancel()
	row := m.db.QueryRowContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s_id = $1 RETURNING %s_id, properties, created_at, updated_at;",
			m.table(), m.name, m.name), id)
	record, found, err := m.scanOne(row)
	if found && err == nil {
		m.notify(core.OperationDelete, record)
	}
	return record, found, err
}

// listQuery describes a filtered, paginated collection query
type listQuery struct {
	page    int
	limit   int
	search  string
	sortBy  string
	sortAsc bool
	// equals filters on exact property values
	equals map[string]string
	// in filters on property value sets
	in map[string][]string
	// expiringWithinDays filters documents on document_metadata.expiry_date
	expiringWithinDays int
}

const expiryExpression = "properties#>>'{document_metadata,expiry_date}'"

func (m *Model) buildWhere(q listQuery, parameters *[]interface{}) (string, error) {
	var conditions []string
	next := func() int { return len(*parameters) + 1 }

	for _, field := range sortedKeys(q.equals) {
		if !fieldNamePattern.MatchString(field) {
			return "", fmt.Errorf("invalid filter field %q", field)
		}
		conditions = append(conditions, fmt.Sprintf("properties->>'%s' = $%d", field, next()))
		*parameters = append(*parameters, q.equals[field])
	}

	for _, field := range sortedKeysSlice(q.in) {
		if !fieldNamePattern.MatchString(field) {
			return "", fmt.Errorf("invalid filter field %q", field)
		}
		conditions = append(conditions, fmt.Sprintf("properties->>'%s' = ANY($%d)", field, next()))
		*parameters = append(*parameters, pq.Array(q.in[field]))
	}

	if q.search != "" && len(m.searchable) > 0 {
		// free-text search is OR-matched case-insensitively across the
		// descriptor-declared searchable field set
		var matches []string
		placeholder := next()
		for _, field := range m.searchable {
			matches = append(matches, fmt.Sprintf("properties->>'%s' ILIKE $%d", field, placeholder))
		}
		conditions = append(conditions, "("+strings.Join(matches, " OR ")+")")
		*parameters = append(*parameters, "%"+q.search+"%")
	}

	if q.expiringWithinDays > 0 {
		conditions = append(conditions, fmt.Sprintf(
			"%s ~ '^\\d{4}-\\d{2}-\\d{2}' AND (%s)::timestamptz <= now() + $%d * interval '1 day'",
			expiryExpression, expiryExpression, next()))
		*parameters = append(*parameters, q.expiringWithinDays)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), nil
}

// query returns matching records plus the total match count
func (m *Model) query(ctx context.Context, q listQuery) ([]Record, int, error) {
	if q.limit < 1 {
		q.limit = 10
	}
	if q.limit > 100 {
		q.limit = 100
	}
	if q.page < 1 {
		q.page = 1
	}

	var parameters []interface{}
	where, err := m.buildWhere(q, &parameters)
	if err != nil {
		return nil, 0, err
	}

	direction := "DESC"
	if q.sortAsc {
		direction = "ASC"
	}
	orderBy := fmt.Sprintf(" ORDER BY created_at %s, %s_id %s", direction, m.name, direction)
	if q.sortBy != "" && q.sortBy != "created_at" {
		if _, ok := m.definition.Fields[q.sortBy]; !ok || !fieldNamePattern.MatchString(q.sortBy) {
			return nil, 0, fmt.Errorf("unknown sort field '%s'", q.sortBy)
		}
		orderBy = fmt.Sprintf(" ORDER BY properties->>'%s' %s, %s_id %s", q.sortBy, direction, m.name, direction)
	}

	sqlQuery := fmt.Sprintf("SELECT %s_id, properties, created_at, updated_at, count(*) OVER() AS full_count FROM %s",
		m.name, m.table()) + where + orderBy +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d;", len(parameters)+1, len(parameters)+2)
	queryParameters := append(parameters, q.limit, (q.page-1)*q.limit)

	ctx, cancel := m.operationContext(ctx)
	defer cancel()

	rows, err := m.db.QueryContext(ctx, sqlQuery, queryParameters...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	records := []Record{}
	var totalCount int
	for rows.Next() {
		var record Record
		var propertiesJSON json.RawMessage
		if err := rows.Scan(&record.ID, &propertiesJSON, &record.Created, &record.Updated, &totalCount); err != nil {
			return nil, 0, err
		}
		if err := json.Unmarshal(propertiesJSON, &record.Properties); err != nil {
			return nil, 0, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if len(records) == 0 {
		// sql does not return the window total when we ask beyond the last
		// page, hence a second count query
		countQuery := "SELECT count(*) FROM " + m.table() + where + ";"
		if err := m.db.QueryRowContext(ctx, countQuery, parameters...).Scan(&totalCount); err != nil {
			return nil, 0, err
		}
	}
	return records, totalCount, nil
}

// findAll returns all records matching the equals/in filters, newest first
func (m *Model) findAll(ctx context.Context, equals map[string]string, in map[string][]string) ([]Record, error) {
	var parameters []interface{}
	where, err := m.buildWhere(listQuery{equals: equals, in: in}, &parameters)
	if err != nil {
		return nil, err
	}

	ctx, cancel := m.operationContext(ctx)
	defer cancel()
	rows, err := m.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s_id, properties, created_at, updated_at FROM %s", m.name, m.table())+
			where+" ORDER BY created_at DESC;", parameters...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		var record Record
		var propertiesJSON json.RawMessage
		if err := rows.Scan(&record.ID, &propertiesJSON, &record.Created, &record.Updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(propertiesJSON, &record.Properties); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// count returns the number of records matching the equals/in filters
func (m *Model) count(ctx context.Context, equals map[string]string, in map[string][]string) (int, error) {
	var parameters []interface{}
	where, err := m.buildWhere(listQuery{equals: equals, in: in}, &parameters)
	if err != nil {
		return 0, err
	}
	ctx, cancel := m.operationContext(ctx)
	defer cancel()
	var total int
	err = m.db.QueryRowContext(ctx, "SELECT count(*) FROM "+m.table()+where+";", parameters...).Scan(&total)
	return total, err
}

// statusCounts returns the total record count and the per-status breakdown
func (m *Model) statusCounts(ctx context.Context) (int, map[string]int, error) {
	ctx, cancel := m.operationContext(ctx)
	defer cancel()
	rows, err := m.db.QueryContext(ctx,
		"SELECT coalesce(properties->>'status', ''), count(*) FROM "+m.table()+" GROUP BY 1;")
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()

	total := 0
	byStatus := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return 0, nil, err
		}
		total += count
		if status != "" {
			byStatus[status] = count
		}
	}
	return total, byStatus, rows.Err()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysSlice(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
