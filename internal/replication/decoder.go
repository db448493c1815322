package replication

import (
	"fmt"

	"github.com/abc3/sequin/pkg/connector"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
)

// EventKind classifies a decoded logical message.
type EventKind int

const (
	EventIgnored EventKind = iota
	EventBegin
	EventRelation
	EventChange
	EventCommit
)

func (k EventKind) String() string {
	switch k {
	case EventBegin:
		return "begin"
	case EventRelation:
		return "relation"
	case EventChange:
		return "change"
	case EventCommit:
		return "commit"
	default:
		return "ignored"
	}
}

// Event is one decoded pgoutput message.
type Event struct {
	Kind     EventKind
	LSN      LSN
	Begin    *pglogrepl.BeginMessage
	Commit   *pglogrepl.CommitMessage
	Relation *connector.Relation
	Change   *connector.ChangeRecord
}

// Decoder turns pgoutput payloads into typed events. It owns the relation
// catalog for its slot.
type Decoder struct {
	catalog *Catalog
	typeMap *pgtype.Map
}

// NewDecoder returns a decoder writing relation announcements into catalog.
func NewDecoder(catalog *Catalog, typeMap *pgtype.Map) *Decoder {
	if typeMap == nil {
		typeMap = pgtype.NewMap()
	}
	if catalog == nil {
		catalog = NewCatalog(typeMap)
	}
	return &Decoder{catalog: catalog, typeMap: typeMap}
}

// Catalog returns the decoder's relation catalog.
func (d *Decoder) Catalog() *Catalog {
	return d.catalog
}

// Decode parses a single XLogData payload. Any malformed input or row for
// an undescribed relation yields a *connector.ProtocolError.
func (d *Decoder) Decode(xld pglogrepl.XLogData) (Event, error) {
	if len(xld.WALData) == 0 {
		return Event{}, connector.Protocolf(xld.WALStart, "empty logical message")
	}
	logical, err := parseLogical(xld.WALData)
	if err != nil {
		return Event{}, &connector.ProtocolError{LSN: xld.WALStart, Reason: "parse logical message", Err: err}
	}

	event := Event{LSN: xld.WALStart}
	switch msg := logical.(type) {
	case *pglogrepl.BeginMessage:
		event.Kind = EventBegin
		event.Begin = msg
	case *pglogrepl.CommitMessage:
		event.Kind = EventCommit
		event.Commit = msg
	case *pglogrepl.RelationMessage:
		event.Kind = EventRelation
		event.Relation = d.catalog.Apply(msg)
	case *pglogrepl.InsertMessage:
		rec, err := d.decodeInsert(msg, xld.WALStart)
		if err != nil {
			return Event{}, err
		}
		event.Kind = EventChange
		event.Change = rec
	case *pglogrepl.UpdateMessage:
		rec, err := d.decodeUpdate(msg, xld.WALStart)
		if err != nil {
			return Event{}, err
		}
		event.Kind = EventChange
		event.Change = rec
	case *pglogrepl.DeleteMessage:
		rec, err := d.decodeDelete(msg, xld.WALStart)
		if err != nil {
			return Event{}, err
		}
		event.Kind = EventChange
		event.Change = rec
	default:
		// truncate, type, origin and logical decoding messages carry nothing
		// that is delivered downstream.
		event.Kind = EventIgnored
	}
	return event, nil
}

func (d *Decoder) decodeInsert(msg *pglogrepl.InsertMessage, lsn LSN) (*connector.ChangeRecord, error) {
	rel, err := d.loadRelation(msg.RelationID, lsn)
	if err != nil {
		return nil, err
	}
	values, unchanged, err := d.decodeTuple(rel, msg.Tuple, lsn)
	if err != nil {
		return nil, err
	}
	return newRecord(rel, connector.ActionInsert, nil, values, unchanged), nil
}

func (d *Decoder) decodeUpdate(msg *pglogrepl.UpdateMessage, lsn LSN) (*connector.ChangeRecord, error) {
	rel, err := d.loadRelation(msg.RelationID, lsn)
	if err != nil {
		return nil, err
	}

	var before map[string]any
	var beforeUnchanged []string
	if msg.OldTuple != nil {
		before, beforeUnchanged, err = d.decodeTuple(rel, msg.OldTuple, lsn)
		if err != nil {
			return nil, err
		}
	}
	after, afterUnchanged, err := d.decodeTuple(rel, msg.NewTuple, lsn)
	if err != nil {
		return nil, err
	}
	if after == nil {
		return nil, connector.Protocolf(lsn, "update for relation %d without new tuple", msg.RelationID)
	}

	rec := newRecord(rel, connector.ActionUpdate, before, after, append(beforeUnchanged, afterUnchanged...))
	// Key-only old tuples describe identity, not previous values.
	if msg.OldTupleType == pglogrepl.UpdateMessageTupleTypeKey {
		rec.Old = nil
	}
	return rec, nil
}

func (d *Decoder) decodeDelete(msg *pglogrepl.DeleteMessage, lsn LSN) (*connector.ChangeRecord, error) {
	rel, err := d.loadRelation(msg.RelationID, lsn)
	if err != nil {
		return nil, err
	}
	before, unchanged, err := d.decodeTuple(rel, msg.OldTuple, lsn)
	if err != nil {
		return nil, err
	}
	if before == nil {
		return nil, connector.Protocolf(lsn, "delete for relation %d without old tuple", msg.RelationID)
	}
	return newRecord(rel, connector.ActionDelete, before, nil, unchanged), nil
}

func (d *Decoder) loadRelation(id uint32, lsn LSN) (*connector.Relation, error) {
	rel, ok := d.catalog.Lookup(id)
	if !ok {
		return nil, connector.Protocolf(lsn, "unknown relation id %d", id)
	}
	return rel, nil
}

func (d *Decoder) decodeTuple(rel *connector.Relation, tuple *pglogrepl.TupleData, lsn LSN) (map[string]any, []string, error) {
	if tuple == nil {
		return nil, nil, nil
	}
	if len(tuple.Columns) > len(rel.Columns) {
		return nil, nil, connector.Protocolf(lsn, "tuple has %d columns, relation %s has %d",
			len(tuple.Columns), rel.QualifiedName(), len(rel.Columns))
	}

	values := make(map[string]any, len(tuple.Columns))
	var unchanged []string
	for idx, col := range tuple.Columns {
		meta := rel.Columns[idx]
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			values[meta.Name] = nil
		case pglogrepl.TupleDataTypeToast:
			unchanged = append(unchanged, meta.Name)
		case pglogrepl.TupleDataTypeText, pglogrepl.TupleDataTypeBinary:
			value, err := d.decodeColumn(meta, col)
			if err != nil {
				return nil, nil, &connector.ProtocolError{LSN: lsn, Reason: fmt.Sprintf("decode column %s", meta.Name), Err: err}
			}
			values[meta.Name] = value
		default:
			return nil, nil, connector.Protocolf(lsn, "unknown column data type %c", col.DataType)
		}
	}
	return values, unchanged, nil
}

func (d *Decoder) decodeColumn(meta connector.Column, col *pglogrepl.TupleDataColumn) (any, error) {
	format := int16(pgtype.TextFormatCode)
	if col.DataType == pglogrepl.TupleDataTypeBinary {
		format = pgtype.BinaryFormatCode
	}
	typ, ok := d.typeMap.TypeForOID(meta.OID)
	if !ok {
		return string(col.Data), nil
	}
	return typ.Codec.DecodeValue(d.typeMap, meta.OID, format, col.Data)
}

func newRecord(rel *connector.Relation, action connector.Action, before, after map[string]any, unchanged []string) *connector.ChangeRecord {
	return &connector.ChangeRecord{
		RelationID: rel.ID,
		Schema:     rel.Schema,
		Table:      rel.Table,
		Action:     action,
		Old:        before,
		New:        after,
		Unchanged:  unchanged,
		Relation:   rel,
	}
}

// parseLogical guards against short buffers, which the pgoutput parser
// reports by panicking on out-of-range reads.
func parseLogical(data []byte) (msg pglogrepl.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg = nil
			err = fmt.Errorf("truncated message: %v", r)
		}
	}()
	return pglogrepl.Parse(data)
}
