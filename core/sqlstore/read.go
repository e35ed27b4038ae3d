package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/colinhiggs/japi/core/api"
	"github.com/colinhiggs/japi/core/model"
	"github.com/colinhiggs/japi/core/query"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// runner carries the query surface shared by the store and its
// transactions.
type runner struct {
	q      querier
	schema string
}

// selectColumns returns the quoted column list for one resource type: the
// primary key, all visible attributes, the forward foreign keys of visible
// to-one relationships, and the revision.
func selectColumns(rt *model.ResourceType) string {
	columns := []string{`"` + rt.IDColumn + `"`}
	for _, attr := range rt.Attributes() {
		columns = append(columns, `"`+attr.Name+`"`)
	}
	for _, rel := range rt.Relationships() {
		if kindOf(rt, rel) == kindForwardKey {
			columns = append(columns, `"`+fkColumn(rel)+`"`)
		}
	}
	columns = append(columns, "revision")
	return strings.Join(columns, ", ")
}

// scanTargets builds the scan holder list matching selectColumns and a
// closure assembling the scanned row into a resource.
func scanTargets(rt *model.ResourceType) ([]interface{}, func() (*api.Resource, int64)) {
	var id string
	var revision int64
	holders := []interface{}{&id}

	attrs := rt.Attributes()
	attrHolders := make([]interface{}, len(attrs))
	for i, attr := range attrs {
		switch attr.Type {
		case model.TypeInteger:
			attrHolders[i] = new(sql.NullInt64)
		case model.TypeNumber:
			attrHolders[i] = new(sql.NullFloat64)
		case model.TypeBoolean:
			attrHolders[i] = new(sql.NullBool)
		case model.TypeTimestamp:
			attrHolders[i] = new(sql.NullTime)
		default:
			attrHolders[i] = new(sql.NullString)
		}
		holders = append(holders, attrHolders[i])
	}

	var forward []*model.Relationship
	var fkHolders []*sql.NullString
	for _, rel := range rt.Relationships() {
		if kindOf(rt, rel) != kindForwardKey {
			continue
		}
		holder := new(sql.NullString)
		forward = append(forward, rel)
		fkHolders = append(fkHolders, holder)
		holders = append(holders, holder)
	}
	holders = append(holders, &revision)

	assemble := func() (*api.Resource, int64) {
		res := &api.Resource{
			Type:          rt.Name,
			ID:            id,
			Attributes:    map[string]interface{}{},
			Relationships: map[string]*api.RelationshipObject{},
		}
		for i, attr := range attrs {
			res.Attributes[attr.Name] = attrValue(attr, attrHolders[i])
		}
		for i, rel := range forward {
			var linked *api.Identifier
			if fkHolders[i].Valid {
				linked = &api.Identifier{Type: rel.Target.Name, ID: fkHolders[i].String}
			}
			res.Relationships[rel.Name] = &api.RelationshipObject{Data: api.ToOne(linked)}
		}
		return res, revision
	}
	return holders, assemble
}

func attrValue(attr model.Attribute, holder interface{}) interface{} {
	switch h := holder.(type) {
	case *sql.NullInt64:
		if h.Valid {
			return h.Int64
		}
	case *sql.NullFloat64:
		if h.Valid {
			return h.Float64
		}
	case *sql.NullBool:
		if h.Valid {
			return h.Bool
		}
	case *sql.NullTime:
		if h.Valid {
			return h.Time
		}
	case *sql.NullString:
		if h.Valid {
			return h.String
		}
	}
	return nil
}

// renderFilter produces one WHERE condition. arg numbering starts after
// offset.
func (r runner) renderFilter(rt *model.ResourceType, f query.Filter, offset int) (string, interface{}) {
	comparison := fmt.Sprintf("\"%s\" %s $%d", f.Attribute.Name, f.Operator.Comparison, offset+1)
	if f.Relationship == nil {
		return comparison, f.Value
	}

	rel := f.Relationship
	target := rel.Target
	switch kindOf(rt, rel) {
	case kindForwardKey:
		return fmt.Sprintf("\"%s\" IN (SELECT %s FROM %s.\"%s\" WHERE %s)",
			fkColumn(rel), target.IDColumn, r.schema, target.Name, comparison), f.Value
	case kindReverseKey:
		reverse := rel.ReverseRelationship()
		return fmt.Sprintf("\"%s\" IN (SELECT \"%s\" FROM %s.\"%s\" WHERE %s)",
			rt.IDColumn, fkColumn(reverse), r.schema, target.Name, comparison), f.Value
	default:
		mine, theirs := joinColumns(rt, rel)
		return fmt.Sprintf("\"%s\" IN (SELECT \"%s\" FROM %s.\"%s\" WHERE \"%s\" IN (SELECT %s FROM %s.\"%s\" WHERE %s))",
			rt.IDColumn, mine, r.schema, joinTableName(rt, rel), theirs,
			target.IDColumn, r.schema, target.Name, comparison), f.Value
	}
}

func orderBy(rt *model.ResourceType, sort []query.SortKey) string {
	if len(sort) == 0 {
		return fmt.Sprintf(" ORDER BY \"%s\" ASC", rt.IDColumn)
	}
	keys := make([]string, len(sort))
	for i, key := range sort {
		column := key.Attribute
		if column == "id" {
			column = rt.IDColumn
		}
		direction := "ASC"
		if key.Descending {
			direction = "DESC"
		}
		keys[i] = fmt.Sprintf("\"%s\" %s", column, direction)
	}
	return " ORDER BY " + strings.Join(keys, ",")
}

// listQuery renders a plan into a paginated select. extraWhere conditions
// are prepended and their args must already be in args.
func (r runner) listQuery(ctx context.Context, rt *model.ResourceType, plan *query.Plan,
	extraWhere []string, args []interface{}) ([]*api.Resource, int, *api.Error) {

	where := append([]string{}, extraWhere...)
	for _, f := range plan.Filters {
		condition, value := r.renderFilter(rt, f, len(args))
		where = append(where, condition)
		args = append(args, value)
	}

	sqlQuery := fmt.Sprintf("SELECT %s, count(*) OVER() AS full_count FROM %s.\"%s\"",
		selectColumns(rt), r.schema, rt.Name)
	if len(where) > 0 {
		sqlQuery += " WHERE " + strings.Join(where, " AND ")
	}
	sqlQuery += orderBy(rt, plan.Sort)
	sqlQuery += fmt.Sprintf(" LIMIT $%d OFFSET $%d;", len(args)+1, len(args)+2)
	args = append(args, plan.Limit, plan.Offset)

	rows, err := r.q.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, 0, mapError(err)
	}
	defer rows.Close()

	resources := []*api.Resource{}
	available := 0
	for rows.Next() {
		holders, assemble := scanTargets(rt)
		holders = append(holders, &available)
		if err := rows.Scan(holders...); err != nil {
			return nil, 0, mapError(err)
		}
		res, _ := assemble()
		resources = append(resources, res)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapError(err)
	}
	return resources, available, nil
}

// List executes a collection read.
func (r runner) List(ctx context.Context, rt *model.ResourceType, plan *query.Plan) ([]*api.Resource, int, *api.Error) {
	return r.listQuery(ctx, rt, plan, nil, nil)
}

// Get reads one resource by id. The revision feeds the item ETag.
func (r runner) Get(ctx context.Context, rt *model.ResourceType, id string) (*api.Resource, int64, *api.Error) {
	sqlQuery := fmt.Sprintf("SELECT %s FROM %s.\"%s\" WHERE \"%s\" = $1;",
		selectColumns(rt), r.schema, rt.Name, rt.IDColumn)
	holders, assemble := scanTargets(rt)
	if err := r.q.QueryRowContext(ctx, sqlQuery, id).Scan(holders...); err != nil {
		return nil, 0, mapError(err)
	}
	res, revision := assemble()
	return res, revision, nil
}

// Exists reports whether the resource exists, without reading it.
func (r runner) Exists(ctx context.Context, rt *model.ResourceType, id string) (bool, *api.Error) {
	sqlQuery := fmt.Sprintf("SELECT 1 FROM %s.\"%s\" WHERE \"%s\" = $1;",
		r.schema, rt.Name, rt.IDColumn)
	var one int
	err := r.q.QueryRowContext(ctx, sqlQuery, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	return true, nil
}

// Related reads the resources linked through one relationship, applying the
// plan's filters, ordering and pagination on the target type.
func (r runner) Related(ctx context.Context, rt *model.ResourceType, id string,
	rel *model.Relationship, plan *query.Plan) ([]*api.Resource, int, *api.Error) {

	target := rel.Target
	var membership string
	switch kindOf(rt, rel) {
	case kindForwardKey:
		membership = fmt.Sprintf("\"%s\" = (SELECT \"%s\" FROM %s.\"%s\" WHERE \"%s\" = $1)",
			target.IDColumn, fkColumn(rel), r.schema, rt.Name, rt.IDColumn)
	case kindReverseKey:
		membership = fmt.Sprintf("\"%s\" = $1", fkColumn(rel.ReverseRelationship()))
	default:
		mine, theirs := joinColumns(rt, rel)
		membership = fmt.Sprintf("\"%s\" IN (SELECT \"%s\" FROM %s.\"%s\" WHERE \"%s\" = $1)",
			target.IDColumn, theirs, r.schema, joinTableName(rt, rel), mine)
	}
	return r.listQuery(ctx, target, plan, []string{membership}, []interface{}{id})
}

// ToOneLinkage reads the linked identifier of a to-one relationship. A nil
// identifier means empty linkage.
func (r runner) ToOneLinkage(ctx context.Context, rt *model.ResourceType, id string,
	rel *model.Relationship) (*api.Identifier, *api.Error) {

	sqlQuery := fmt.Sprintf("SELECT \"%s\" FROM %s.\"%s\" WHERE \"%s\" = $1;",
		fkColumn(rel), r.schema, rt.Name, rt.IDColumn)
	var linked sql.NullString
	if err := r.q.QueryRowContext(ctx, sqlQuery, id).Scan(&linked); err != nil {
		return nil, mapError(err)
	}
	if !linked.Valid {
		return nil, nil
	}
	return &api.Identifier{Type: rel.Target.Name, ID: linked.String}, nil
}

// ToManyLinkage reads one page of linked identifiers of a to-many
// relationship, with the total count. A non-positive limit reads the whole
// linkage.
func (r runner) ToManyLinkage(ctx context.Context, rt *model.ResourceType, id string,
	rel *model.Relationship, limit, offset int) ([]api.Identifier, int, *api.Error) {

	// LIMIT NULL means no limit
	var boundedLimit interface{}
	if limit > 0 {
		boundedLimit = limit
	}

	var sqlQuery string
	switch kindOf(rt, rel) {
	case kindReverseKey:
		target := rel.Target
		sqlQuery = fmt.Sprintf(
			"SELECT \"%s\", count(*) OVER() AS full_count FROM %s.\"%s\" WHERE \"%s\" = $1 ORDER BY \"%s\" ASC LIMIT $2 OFFSET $3;",
			target.IDColumn, r.schema, target.Name,
			fkColumn(rel.ReverseRelationship()), target.IDColumn)
	default:
		mine, theirs := joinColumns(rt, rel)
		sqlQuery = fmt.Sprintf(
			"SELECT \"%s\", count(*) OVER() AS full_count FROM %s.\"%s\" WHERE \"%s\" = $1 ORDER BY serial ASC LIMIT $2 OFFSET $3;",
			theirs, r.schema, joinTableName(rt, rel), mine)
	}

	rows, err := r.q.QueryContext(ctx, sqlQuery, id, boundedLimit, offset)
	if err != nil {
		return nil, 0, mapError(err)
	}
	defer rows.Close()

	identifiers := []api.Identifier{}
	available := 0
	for rows.Next() {
		var linked string
		if err := rows.Scan(&linked, &available); err != nil {
			return nil, 0, mapError(err)
		}
		identifiers = append(identifiers, api.Identifier{Type: rel.Target.Name, ID: linked})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapError(err)
	}
	return identifiers, available, nil
}
