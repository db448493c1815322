package replication

import (
	"context"
	"time"

	"github.com/jackc/pglogrepl"
)

// LSN mirrors Postgres log sequence numbers.
type LSN = pglogrepl.LSN

// MessageKind distinguishes replication copy-data frames.
type MessageKind int

const (
	MessageXLogData MessageKind = iota + 1
	MessageKeepalive
)

// Message is one frame received on a replication connection.
type Message struct {
	Kind           MessageKind
	WALStart       LSN
	ServerWALEnd   LSN
	ServerTime     time.Time
	ReplyRequested bool
	Data           []byte
}

// XLogData returns the frame in the shape the decoder consumes.
func (m Message) XLogData() pglogrepl.XLogData {
	return pglogrepl.XLogData{
		WALStart:     m.WALStart,
		ServerWALEnd: m.ServerWALEnd,
		ServerTime:   m.ServerTime,
		WALData:      m.Data,
	}
}

// Conn is a logical replication session for one slot.
type Conn interface {
	// Start opens the session and begins streaming from start.
	Start(ctx context.Context, slot, publication string, start LSN) error
	// Receive blocks until a frame arrives, ctx is done, or the session fails.
	// A nil message with a nil error means the receive deadline passed.
	Receive(ctx context.Context) (*Message, error)
	// SendStatus reports write, flush and apply positions.
	SendStatus(ctx context.Context, flushed LSN) error
	Close(ctx context.Context) error
}

// Dialer opens a fresh Conn for each session.
type Dialer func() Conn
