package replication

import (
	"fmt"
	"sync"

	"github.com/abc3/sequin/pkg/connector"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
)

// Catalog maps relation ids to their latest announced shape. It is written
// only by the decoder of a single slot; reads from other goroutines see
// immutable snapshots.
type Catalog struct {
	typeMap *pgtype.Map

	mu        sync.RWMutex
	relations map[uint32]*connector.Relation
}

// NewCatalog returns an empty catalog.
func NewCatalog(typeMap *pgtype.Map) *Catalog {
	if typeMap == nil {
		typeMap = pgtype.NewMap()
	}
	return &Catalog{
		typeMap:   typeMap,
		relations: make(map[uint32]*connector.Relation),
	}
}

// Apply replaces the snapshot for msg.RelationID.
func (c *Catalog) Apply(msg *pglogrepl.RelationMessage) *connector.Relation {
	columns := make([]connector.Column, 0, len(msg.Columns))
	for _, col := range msg.Columns {
		columns = append(columns, connector.Column{
			Name:       col.Name,
			Type:       c.typeName(col.DataType),
			OID:        col.DataType,
			PrimaryKey: col.Flags&1 == 1,
		})
	}
	rel := &connector.Relation{
		ID:      msg.RelationID,
		Schema:  msg.Namespace,
		Table:   msg.RelationName,
		Columns: columns,
	}

	c.mu.Lock()
	c.relations[msg.RelationID] = rel
	c.mu.Unlock()
	return rel
}

// Lookup returns the current snapshot for id.
func (c *Catalog) Lookup(id uint32) (*connector.Relation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rel, ok := c.relations[id]
	return rel, ok
}

// Len reports how many relations are known.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.relations)
}

// Reset forgets every relation. The server re-announces relations on a new
// replication session.
func (c *Catalog) Reset() {
	c.mu.Lock()
	c.relations = make(map[uint32]*connector.Relation)
	c.mu.Unlock()
}

func (c *Catalog) typeName(oid uint32) string {
	if typ, ok := c.typeMap.TypeForOID(oid); ok {
		return typ.Name
	}
	return fmt.Sprintf("oid:%d", oid)
}
