package logicalsource

import (
	"fmt"
	"sync"

	"github.com/jackc/pglogrepl"
)

// relationCache tracks the column layout pgoutput announces via
// RelationMessage, keyed by the relation OID every later Insert/Update/
// Delete message references instead of repeating the schema.
type relationCache struct {
	mu   sync.Mutex
	rels map[uint32]*pglogrepl.RelationMessage
}

func newRelationCache() *relationCache {
	return &relationCache{rels: make(map[uint32]*pglogrepl.RelationMessage)}
}

func (c *relationCache) put(rel *pglogrepl.RelationMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rels[rel.RelationID] = rel
}

func (c *relationCache) get(relationID uint32) (*pglogrepl.RelationMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rel, ok := c.rels[relationID]
	return rel, ok
}

// decodeTuple converts a pgoutput TupleData into a row image keyed by
// column name. Values are decoded as text (pgoutput's default format for
// columns not using the binary protocol); this keeps the decoder simple
// and is sufficient for JSON-serializable change events, at the cost of
// not distinguishing PostgreSQL's native types beyond string/null/unchanged.
func decodeTuple(rel *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string]any {
	if tuple == nil {
		return nil
	}

	row := make(map[string]any, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name

		switch col.DataType {
		case 'n': // NULL
			row[name] = nil
		case 'u': // TOASTed value not included in the stream
			row[name] = nil
		case 't': // text
			row[name] = string(col.Data)
		default:
			row[name] = string(col.Data)
		}
	}
	return row
}

// errUnknownRelation marks a DML message referencing a relation OID this
// source hasn't seen a RelationMessage for yet; pgoutput guarantees the
// relation is sent before any DML referencing it, so this indicates a
// decoding bug rather than a recoverable condition.
var errUnknownRelation = fmt.Errorf("logicalsource: relation message not seen before DML")
