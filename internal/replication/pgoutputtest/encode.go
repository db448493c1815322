// Package pgoutputtest encodes pgoutput protocol version 1 messages for tests.
package pgoutputtest

import (
	"encoding/binary"
	"time"

	"github.com/jackc/pglogrepl"
)

var pgEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Column describes a relation column for Relation.
type Column struct {
	Name string
	OID  uint32
	Key  bool
}

// Value is a tuple column. A nil pointer encodes NULL.
type Value *string

// Text returns a non-null text value.
func Text(v string) Value {
	return &v
}

// Toast marks an unchanged TOASTed value.
var Toast Value = func() *string { s := "\x00toast"; return &s }()

func Begin(final pglogrepl.LSN, commit time.Time, xid uint32) []byte {
	buf := []byte{'B'}
	buf = binary.BigEndian.AppendUint64(buf, uint64(final))
	buf = binary.BigEndian.AppendUint64(buf, uint64(pgTime(commit)))
	buf = binary.BigEndian.AppendUint32(buf, xid)
	return buf
}

func Commit(commitLSN, endLSN pglogrepl.LSN, commit time.Time) []byte {
	buf := []byte{'C', 0}
	buf = binary.BigEndian.AppendUint64(buf, uint64(commitLSN))
	buf = binary.BigEndian.AppendUint64(buf, uint64(endLSN))
	buf = binary.BigEndian.AppendUint64(buf, uint64(pgTime(commit)))
	return buf
}

func Relation(id uint32, namespace, name string, columns ...Column) []byte {
	buf := []byte{'R'}
	buf = binary.BigEndian.AppendUint32(buf, id)
	buf = appendCString(buf, namespace)
	buf = appendCString(buf, name)
	buf = append(buf, 'd')
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(columns)))
	for _, col := range columns {
		flags := byte(0)
		if col.Key {
			flags = 1
		}
		buf = append(buf, flags)
		buf = appendCString(buf, col.Name)
		buf = binary.BigEndian.AppendUint32(buf, col.OID)
		buf = binary.BigEndian.AppendUint32(buf, 0xFFFFFFFF)
	}
	return buf
}

func Insert(relationID uint32, values ...Value) []byte {
	buf := []byte{'I'}
	buf = binary.BigEndian.AppendUint32(buf, relationID)
	buf = append(buf, 'N')
	return appendTuple(buf, values)
}

// Update encodes an update. old may be nil to omit the old tuple.
func Update(relationID uint32, old []Value, values ...Value) []byte {
	buf := []byte{'U'}
	buf = binary.BigEndian.AppendUint32(buf, relationID)
	if old != nil {
		buf = append(buf, 'O')
		buf = appendTuple(buf, old)
	}
	buf = append(buf, 'N')
	return appendTuple(buf, values)
}

func Delete(relationID uint32, old ...Value) []byte {
	buf := []byte{'D'}
	buf = binary.BigEndian.AppendUint32(buf, relationID)
	buf = append(buf, 'O')
	return appendTuple(buf, old)
}

// XLogData wraps payload in the copy-data frame the walsender sends.
func XLogData(start, end pglogrepl.LSN, payload []byte) []byte {
	buf := []byte{pglogrepl.XLogDataByteID}
	buf = binary.BigEndian.AppendUint64(buf, uint64(start))
	buf = binary.BigEndian.AppendUint64(buf, uint64(end))
	buf = binary.BigEndian.AppendUint64(buf, uint64(pgTime(time.Now())))
	return append(buf, payload...)
}

// Keepalive encodes a primary keepalive frame.
func Keepalive(end pglogrepl.LSN, replyRequested bool) []byte {
	buf := []byte{pglogrepl.PrimaryKeepaliveMessageByteID}
	buf = binary.BigEndian.AppendUint64(buf, uint64(end))
	buf = binary.BigEndian.AppendUint64(buf, uint64(pgTime(time.Now())))
	if replyRequested {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendTuple(buf []byte, values []Value) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(values)))
	for _, v := range values {
		switch {
		case v == nil:
			buf = append(buf, 'n')
		case v == Toast:
			buf = append(buf, 'u')
		default:
			buf = append(buf, 't')
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(*v)))
			buf = append(buf, *v...)
		}
	}
	return buf
}

func appendCString(buf []byte, s string) []byte {
	buf = append(buf, s...)
	return append(buf, 0)
}

func pgTime(t time.Time) int64 {
	return t.Sub(pgEpoch).Microseconds()
}
