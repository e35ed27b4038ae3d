/*Package sqlstore executes query plans and write operations against
postgres. Tables are generated from the resource graph at startup:

  - every resource type becomes one table with a uuid primary key
  - a to-one relationship becomes a foreign-key column on the owning table
  - a to-many relationship with a to-one reverse is read through that
    reverse's foreign-key column
  - any other to-many relationship becomes a join table

The store returns wire-level resources; links, included resources and
permission filtering are the caller's concern.
*/
package sqlstore

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/colinhiggs/japi/core/api"
	"github.com/colinhiggs/japi/core/csql"
	"github.com/colinhiggs/japi/core/logger"
	"github.com/colinhiggs/japi/core/model"
)

// Store is the postgres backing store for one resource graph. It is safe
// for concurrent use.
type Store struct {
	runner
	db    *csql.DB
	graph *model.Graph

	// Isolation is the level new transactions begin with.
	Isolation sql.IsolationLevel
}

// New creates all tables for the graph and returns the store. Table
// creation is idempotent; any failure is a startup failure and panics.
func New(db *csql.DB, graph *model.Graph) *Store {
	s := &Store{
		runner: runner{q: db.DB, schema: db.Schema},
		db:     db,
		graph:  graph,
	}
	rlog := logger.Default()
	for _, rt := range graph.Types() {
		query := s.createTableQuery(rt)
		rlog.Debugln("create table:", rt.Name)
		if _, err := db.Exec(query); err != nil {
			panic(fmt.Sprintf("cannot create table for %s: %s", rt.Name, err))
		}
	}
	// join tables second, their foreign keys need the resource tables
	for _, rt := range graph.Types() {
		for _, rel := range rt.AllRelationships() {
			if kindOf(rt, rel) != kindJoinTable || !isCanonical(rt, rel) {
				continue
			}
			query := s.createJoinTableQuery(rt, rel)
			rlog.Debugln("create join table:", joinTableName(rt, rel))
			if _, err := db.Exec(query); err != nil {
				panic(fmt.Sprintf("cannot create join table for %s.%s: %s", rt.Name, rel.Name, err))
			}
		}
	}
	return s
}

// Graph returns the resource graph the store was built for.
func (s *Store) Graph() *model.Graph {
	return s.graph
}

// storage kinds of a relationship
type relKind int

const (
	kindForwardKey relKind = iota // to-one, fk column on the owning table
	kindReverseKey                // to-many read through the reverse's fk column
	kindJoinTable                 // to-many without a usable reverse fk
)

func kindOf(rt *model.ResourceType, rel *model.Relationship) relKind {
	if !rel.ToMany {
		return kindForwardKey
	}
	if reverse := rel.ReverseRelationship(); reverse != nil && !reverse.ToMany {
		return kindReverseKey
	}
	return kindJoinTable
}

// isCanonical reports whether (rt, rel) is the naming side of a join table.
// Both ends of a mutual to-many resolve to the same table.
func isCanonical(rt *model.ResourceType, rel *model.Relationship) bool {
	reverse := rel.ReverseRelationship()
	if reverse == nil {
		return true
	}
	return rt.Name+"."+rel.Name <= rel.Target.Name+"."+reverse.Name
}

func joinTableName(rt *model.ResourceType, rel *model.Relationship) string {
	if !isCanonical(rt, rel) {
		return joinTableName(rel.Target, rel.ReverseRelationship())
	}
	return "rel_" + rt.Name + "_" + rel.Name
}

// join table column names, relative to the canonical side
func joinColumns(rt *model.ResourceType, rel *model.Relationship) (mine, theirs string) {
	if isCanonical(rt, rel) {
		return rt.Name + "_id", rel.Name + "_id"
	}
	reverse := rel.ReverseRelationship()
	return reverse.Name + "_id", rel.Target.Name + "_id"
}

func fkColumn(rel *model.Relationship) string {
	return rel.Name + "_id"
}

func sqlType(typ model.AttributeType) string {
	switch typ {
	case model.TypeInteger:
		return "bigint"
	case model.TypeNumber:
		return "double precision"
	case model.TypeBoolean:
		return "boolean"
	case model.TypeTimestamp:
		return "timestamp"
	default:
		return "text"
	}
}

func sqlDefault(typ model.AttributeType) string {
	switch typ {
	case model.TypeInteger, model.TypeNumber:
		return "0"
	case model.TypeBoolean:
		return "false"
	case model.TypeTimestamp:
		return "now()"
	default:
		return "''"
	}
}

func (s *Store) createTableQuery(rt *model.ResourceType) string {
	createColumns := []string{
		rt.IDColumn + " uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY",
	}
	for _, attr := range rt.AllAttributes() {
		createColumn := fmt.Sprintf("\"%s\" %s", attr.Name, sqlType(attr.Type))
		if !attr.Nullable {
			createColumn += " NOT NULL DEFAULT " + sqlDefault(attr.Type)
		}
		createColumns = append(createColumns, createColumn)
	}
	for _, rel := range rt.AllRelationships() {
		if kindOf(rt, rel) != kindForwardKey {
			continue
		}
		createColumns = append(createColumns, fmt.Sprintf(
			"\"%s\" uuid REFERENCES %s.\"%s\"(%s) ON DELETE SET NULL",
			fkColumn(rel), s.schema, rel.Target.Name, rel.Target.IDColumn))
	}
	createColumns = append(createColumns, "timestamp timestamp NOT NULL DEFAULT now()")
	createColumns = append(createColumns, "revision INTEGER NOT NULL DEFAULT 1")

	return fmt.Sprintf("CREATE table IF NOT EXISTS %s.\"%s\" (%s);",
		s.schema, rt.Name, strings.Join(createColumns, ", "))
}

func (s *Store) createJoinTableQuery(rt *model.ResourceType, rel *model.Relationship) string {
	mine, theirs := joinColumns(rt, rel)
	createColumns := []string{
		"serial SERIAL",
		fmt.Sprintf("\"%s\" uuid NOT NULL REFERENCES %s.\"%s\"(%s) ON DELETE CASCADE",
			mine, s.schema, rt.Name, rt.IDColumn),
		fmt.Sprintf("\"%s\" uuid NOT NULL REFERENCES %s.\"%s\"(%s) ON DELETE CASCADE",
			theirs, s.schema, rel.Target.Name, rel.Target.IDColumn),
		fmt.Sprintf("UNIQUE (\"%s\",\"%s\")", mine, theirs),
	}
	return fmt.Sprintf("CREATE table IF NOT EXISTS %s.\"%s\" (%s);",
		s.schema, joinTableName(rt, rel), strings.Join(createColumns, ", "))
}

// returns $(offset+1),...,$(offset+n)
func parameterString(offset, n int) string {
	result := ""
	for i := 0; i < n; i++ {
		if i > 0 {
			result += ","
		}
		result += "$" + strconv.Itoa(offset+i+1)
	}
	return result
}

// bindValue converts a decoded JSON attribute value into its bind form.
func bindValue(attr model.Attribute, value interface{}) (interface{}, *api.Error) {
	if value == nil {
		if !attr.Nullable {
			return nil, api.Errorf(api.KindMalformedRequest,
				"attribute %q is not nullable", attr.Name).
				WithPointer("/data/attributes/" + attr.Name)
		}
		return nil, nil
	}
	badType := func() *api.Error {
		return api.Errorf(api.KindMalformedRequest,
			"attribute %q must be of type %s", attr.Name, attr.Type).
			WithPointer("/data/attributes/" + attr.Name)
	}
	switch attr.Type {
	case model.TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, badType()
		}
		return s, nil
	case model.TypeInteger:
		f, ok := value.(float64)
		if !ok || f != float64(int64(f)) {
			return nil, badType()
		}
		return int64(f), nil
	case model.TypeNumber:
		f, ok := value.(float64)
		if !ok {
			return nil, badType()
		}
		return f, nil
	case model.TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, badType()
		}
		return b, nil
	case model.TypeTimestamp:
		s, ok := value.(string)
		if !ok {
			return nil, badType()
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return nil, api.Errorf(api.KindMalformedRequest,
				"attribute %q is not a valid timestamp: %s", attr.Name, err).
				WithPointer("/data/attributes/" + attr.Name)
		}
		return t, nil
	}
	return nil, badType()
}

// SameValue reports whether a decoded JSON attribute value equals the
// stored value, comparing in the attribute's bind form.
func SameValue(attr model.Attribute, stored, proposed interface{}) bool {
	bound, err := bindValue(attr, proposed)
	if err != nil {
		return false
	}
	if t, ok := bound.(time.Time); ok {
		s, ok := stored.(time.Time)
		return ok && t.Equal(s)
	}
	return bound == stored
}

// mapError converts database errors into the API taxonomy.
func mapError(err error) *api.Error {
	if err == csql.ErrNoRows {
		return api.Errorf(api.KindNotFound, "no such resource")
	}
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "23505": // unique_violation
			return api.Errorf(api.KindConflict, "duplicate value: %s", pqErr.Detail)
		case "23503": // foreign_key_violation
			return api.Errorf(api.KindConflict, "related resource does not exist")
		case "22P02": // invalid_text_representation, typically a malformed uuid
			return api.Errorf(api.KindMalformedRequest, "malformed identifier")
		case "40001": // serialization_failure
			return api.Errorf(api.KindConflict, "concurrent update, please retry")
		}
	}
	return api.AsError(err)
}
