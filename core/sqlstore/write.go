package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/colinhiggs/japi/core/api"
	"github.com/colinhiggs/japi/core/logger"
	"github.com/colinhiggs/japi/core/model"
)

// Tx is one write transaction. All writes of one request, including the
// linkage cascade, run inside a single transaction; any denial or failure
// rolls the whole request back.
type Tx struct {
	runner
	tx interface {
		Commit() error
		Rollback() error
	}
}

// Begin opens a write transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, *api.Error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: s.Isolation})
	if err != nil {
		return nil, mapError(err)
	}
	return &Tx{runner: runner{q: tx, schema: s.schema}, tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() *api.Error {
	if err := t.tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// Rollback rolls the transaction back. Safe to call after Commit.
func (t *Tx) Rollback() {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Default().WithError(err).Error("cannot roll back transaction")
	}
}

// orderedAttributes returns the attributes present in values, in definition
// order, so generated statements are deterministic.
func orderedAttributes(rt *model.ResourceType, values map[string]interface{}) ([]model.Attribute, *api.Error) {
	var attrs []model.Attribute
	for _, attr := range rt.Attributes() {
		if _, ok := values[attr.Name]; ok {
			attrs = append(attrs, attr)
		}
	}
	if len(attrs) != len(values) {
		for name := range values {
			if _, ok := rt.Attribute(name); !ok {
				return nil, api.Errorf(api.KindMalformedRequest,
					"%s has no attribute %q", rt.Name, name).
					WithPointer("/data/attributes/" + name)
			}
		}
	}
	return attrs, nil
}

// Insert creates one resource and returns its id. An empty id lets the
// database generate one.
func (t *Tx) Insert(ctx context.Context, rt *model.ResourceType, id string,
	values map[string]interface{}) (string, *api.Error) {

	attrs, aerr := orderedAttributes(rt, values)
	if aerr != nil {
		return "", aerr
	}

	var columns []string
	var args []interface{}
	if id != "" {
		columns = append(columns, `"`+rt.IDColumn+`"`)
		args = append(args, id)
	}
	for _, attr := range attrs {
		bound, berr := bindValue(attr, values[attr.Name])
		if berr != nil {
			return "", berr
		}
		columns = append(columns, `"`+attr.Name+`"`)
		args = append(args, bound)
	}

	sqlQuery := fmt.Sprintf("INSERT INTO %s.\"%s\"", t.schema, rt.Name)
	if len(columns) > 0 {
		sqlQuery += fmt.Sprintf(" (%s) VALUES(%s)",
			strings.Join(columns, ","), parameterString(0, len(args)))
	} else {
		sqlQuery += " DEFAULT VALUES"
	}
	sqlQuery += fmt.Sprintf(" RETURNING \"%s\";", rt.IDColumn)

	var created string
	if err := t.q.QueryRowContext(ctx, sqlQuery, args...).Scan(&created); err != nil {
		return "", mapError(err)
	}
	return created, nil
}

// Update changes the given attributes of one resource and bumps its
// revision.
func (t *Tx) Update(ctx context.Context, rt *model.ResourceType, id string,
	values map[string]interface{}) *api.Error {

	attrs, aerr := orderedAttributes(rt, values)
	if aerr != nil {
		return aerr
	}

	var sets []string
	var args []interface{}
	for _, attr := range attrs {
		bound, berr := bindValue(attr, values[attr.Name])
		if berr != nil {
			return berr
		}
		args = append(args, bound)
		sets = append(sets, fmt.Sprintf("\"%s\" = $%d", attr.Name, len(args)))
	}
	sets = append(sets, "revision = revision + 1", "timestamp = now()")
	args = append(args, id)

	sqlQuery := fmt.Sprintf("UPDATE %s.\"%s\" SET %s WHERE \"%s\" = $%d;",
		t.schema, rt.Name, strings.Join(sets, ", "), rt.IDColumn, len(args))

	result, err := t.q.ExecContext(ctx, sqlQuery, args...)
	if err != nil {
		return mapError(err)
	}
	return mustAffect(result.RowsAffected())
}

// Delete removes one resource. Dependent linkage is cleared by the
// schema's ON DELETE actions.
func (t *Tx) Delete(ctx context.Context, rt *model.ResourceType, id string) *api.Error {
	sqlQuery := fmt.Sprintf("DELETE FROM %s.\"%s\" WHERE \"%s\" = $1;",
		t.schema, rt.Name, rt.IDColumn)
	result, err := t.q.ExecContext(ctx, sqlQuery, id)
	if err != nil {
		return mapError(err)
	}
	return mustAffect(result.RowsAffected())
}

// Touch bumps the revision of one resource. Pure relationship writes use it
// so the item ETag changes.
func (t *Tx) Touch(ctx context.Context, rt *model.ResourceType, id string) *api.Error {
	sqlQuery := fmt.Sprintf("UPDATE %s.\"%s\" SET revision = revision + 1, timestamp = now() WHERE \"%s\" = $1;",
		t.schema, rt.Name, rt.IDColumn)
	result, err := t.q.ExecContext(ctx, sqlQuery, id)
	if err != nil {
		return mapError(err)
	}
	return mustAffect(result.RowsAffected())
}

// SetToOne points a to-one relationship at target, or clears it when target
// is nil.
func (t *Tx) SetToOne(ctx context.Context, rt *model.ResourceType, id string,
	rel *model.Relationship, target *string) *api.Error {

	sqlQuery := fmt.Sprintf("UPDATE %s.\"%s\" SET \"%s\" = $1 WHERE \"%s\" = $2;",
		t.schema, rt.Name, fkColumn(rel), rt.IDColumn)
	var value interface{}
	if target != nil {
		value = *target
	}
	result, err := t.q.ExecContext(ctx, sqlQuery, value, id)
	if err != nil {
		return mapLinkError(err)
	}
	return mustAffect(result.RowsAffected())
}

// AddLinks adds the given targets to a to-many relationship. Targets that
// do not exist fail the call.
func (t *Tx) AddLinks(ctx context.Context, rt *model.ResourceType, id string,
	rel *model.Relationship, targets []string) *api.Error {

	if len(targets) == 0 {
		return nil
	}
	switch kindOf(rt, rel) {
	case kindReverseKey:
		reverse := rel.ReverseRelationship()
		sqlQuery := fmt.Sprintf("UPDATE %s.\"%s\" SET \"%s\" = $1 WHERE \"%s\" = ANY($2);",
			t.schema, rel.Target.Name, fkColumn(reverse), rel.Target.IDColumn)
		result, err := t.q.ExecContext(ctx, sqlQuery, id, pq.Array(targets))
		if err != nil {
			return mapLinkError(err)
		}
		count, err := result.RowsAffected()
		if err != nil {
			return mapError(err)
		}
		if int(count) != len(targets) {
			return api.Errorf(api.KindNotFound, "related resource does not exist")
		}
		return nil
	case kindJoinTable:
		mine, theirs := joinColumns(rt, rel)
		var rows []string
		var args []interface{}
		for _, target := range targets {
			rows = append(rows, fmt.Sprintf("($%d,$%d)", len(args)+1, len(args)+2))
			args = append(args, id, target)
		}
		sqlQuery := fmt.Sprintf("INSERT INTO %s.\"%s\" (\"%s\",\"%s\") VALUES %s ON CONFLICT DO NOTHING;",
			t.schema, joinTableName(rt, rel), mine, theirs, strings.Join(rows, ","))
		if _, err := t.q.ExecContext(ctx, sqlQuery, args...); err != nil {
			return mapLinkError(err)
		}
		return nil
	}
	return api.Errorf(api.KindMalformedRequest, "%s is not a to-many relationship", rel.Name)
}

// RemoveLinks removes the given targets from a to-many relationship.
// Targets that are not linked are ignored.
func (t *Tx) RemoveLinks(ctx context.Context, rt *model.ResourceType, id string,
	rel *model.Relationship, targets []string) *api.Error {

	if len(targets) == 0 {
		return nil
	}
	switch kindOf(rt, rel) {
	case kindReverseKey:
		reverse := rel.ReverseRelationship()
		sqlQuery := fmt.Sprintf("UPDATE %s.\"%s\" SET \"%s\" = NULL WHERE \"%s\" = $1 AND \"%s\" = ANY($2);",
			t.schema, rel.Target.Name, fkColumn(reverse), fkColumn(reverse), rel.Target.IDColumn)
		if _, err := t.q.ExecContext(ctx, sqlQuery, id, pq.Array(targets)); err != nil {
			return mapError(err)
		}
		return nil
	case kindJoinTable:
		mine, theirs := joinColumns(rt, rel)
		sqlQuery := fmt.Sprintf("DELETE FROM %s.\"%s\" WHERE \"%s\" = $1 AND \"%s\" = ANY($2);",
			t.schema, joinTableName(rt, rel), mine, theirs)
		if _, err := t.q.ExecContext(ctx, sqlQuery, id, pq.Array(targets)); err != nil {
			return mapError(err)
		}
		return nil
	}
	return api.Errorf(api.KindMalformedRequest, "%s is not a to-many relationship", rel.Name)
}

func mustAffect(count int64, err error) *api.Error {
	if err != nil {
		return mapError(err)
	}
	if count == 0 {
		return api.Errorf(api.KindNotFound, "no such resource")
	}
	return nil
}

// mapLinkError is mapError with foreign-key violations reported as missing
// related resources instead of conflicts.
func mapLinkError(err error) *api.Error {
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
		return api.Errorf(api.KindNotFound, "related resource does not exist")
	}
	return mapError(err)
}
