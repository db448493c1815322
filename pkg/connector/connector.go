package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
)

// LSN is a Postgres write-ahead log position.
type LSN = pglogrepl.LSN

// ParseLSN parses the textual X/X form of a log position.
func ParseLSN(value string) (LSN, error) {
	if value == "" {
		return 0, nil
	}
	return pglogrepl.ParseLSN(value)
}

// SinkType identifies a destination implementation.
type SinkType string

const (
	SinkHTTP     SinkType = "http"
	SinkKafka    SinkType = "kafka"
	SinkRabbitMQ SinkType = "rabbitmq"
	SinkNATS     SinkType = "nats"
	SinkSQS      SinkType = "sqs"
	SinkMock     SinkType = "mock"
)

// Action indicates the change type for a record.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	// ActionRead marks rows produced by a table backfill.
	ActionRead Action = "read"
)

// Valid reports whether the action is one of the known kinds.
func (a Action) Valid() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionDelete, ActionRead:
		return true
	default:
		return false
	}
}

// Spec defines a sink instance plus implementation-specific options.
type Spec struct {
	Name    string
	Type    SinkType
	Options map[string]string
}

// Column describes one column of a relation.
type Column struct {
	Name       string
	Type       string
	OID        uint32
	PrimaryKey bool
}

// Relation is an immutable snapshot of a table's shape as announced by the
// replication stream. A newer announcement replaces it wholesale.
type Relation struct {
	ID      uint32
	Schema  string
	Table   string
	Columns []Column
}

// QualifiedName returns schema.table.
func (r Relation) QualifiedName() string {
	return r.Schema + "." + r.Table
}

// PrimaryKey lists the names of the key columns in declaration order.
func (r Relation) PrimaryKey() []string {
	keys := make([]string, 0, 1)
	for _, col := range r.Columns {
		if col.PrimaryKey {
			keys = append(keys, col.Name)
		}
	}
	return keys
}

// Position orders records across the stream: commit position first, then
// ordinal within the transaction.
type Position struct {
	CommitLSN LSN
	Seq       uint32
}

// Less reports whether p sorts before other.
func (p Position) Less(other Position) bool {
	if p.CommitLSN != other.CommitLSN {
		return p.CommitLSN < other.CommitLSN
	}
	return p.Seq < other.Seq
}

func (p Position) String() string {
	return fmt.Sprintf("%s#%d", p.CommitLSN, p.Seq)
}

// ChangeRecord is a single decoded row change.
type ChangeRecord struct {
	RelationID uint32
	Schema     string
	Table      string
	Action     Action
	Old        map[string]any
	New        map[string]any
	// Unchanged lists TOASTed columns that were not sent by the server.
	Unchanged  []string
	Position   Position
	CommitTime time.Time
	Relation   *Relation
}

// Values returns the values predicates and group keys are evaluated on:
// new values, or old values for deletes.
func (r ChangeRecord) Values() map[string]any {
	if r.Action == ActionDelete {
		return r.Old
	}
	return r.New
}

// QualifiedName returns schema.table.
func (r ChangeRecord) QualifiedName() string {
	return r.Schema + "." + r.Table
}

// Transaction is a committed unit of changes in commit order.
type Transaction struct {
	XID        uint32
	CommitLSN  LSN
	EndLSN     LSN
	CommitTime time.Time
	Records    []ChangeRecord
}

// RoutedMessage binds one record to one consumer.
type RoutedMessage struct {
	ConsumerID    string
	Record        ChangeRecord
	GroupKey      string
	IdempotencyID string
	Partition     int
}

// Tracked reports whether the message counts toward flush accounting.
func (m RoutedMessage) Tracked() bool {
	return m.Record.Action != ActionRead
}

// Message is a routed record after envelope encoding.
type Message struct {
	ID         string
	GroupKey   string
	Action     Action
	Table      string
	Schema     string
	Position   Position
	CommitTime time.Time
	Payload    []byte
}

// Batch is an ordered set of messages for one consumer.
type Batch struct {
	ConsumerID   string
	ConsumerName string
	Messages     []Message
}

// Status is the outcome class of a delivery attempt.
type Status int

const (
	StatusAck Status = iota
	StatusRetry
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusAck:
		return "ack"
	case StatusRetry:
		return "retry"
	case StatusFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Result reports the outcome of one delivery attempt. For fatal results,
// FailedIndex names the offending message when the sink can tell, or -1.
type Result struct {
	Status      Status
	Err         error
	FailedIndex int
}

// Ack returns a successful result.
func Ack() Result { return Result{Status: StatusAck, FailedIndex: -1} }

// Retry returns a transient failure.
func Retry(err error) Result {
	return Result{Status: StatusRetry, Err: &DeliveryTransientError{Err: err}, FailedIndex: -1}
}

// Fatal returns a permanent failure. index is -1 when unknown.
func Fatal(err error, index int) Result {
	return Result{Status: StatusFatal, Err: &DeliveryFatalError{Err: err, Index: index}, FailedIndex: index}
}

// Sink delivers batches to a destination.
type Sink interface {
	Open(ctx context.Context, spec Spec) error
	Deliver(ctx context.Context, batch Batch) Result
	Close(ctx context.Context) error
}

// Checkpoint tracks the last confirmed flush for a slot.
type Checkpoint struct {
	LSN       string
	Timestamp time.Time
	Metadata  map[string]string
}

// CheckpointStore persists checkpoints per slot.
type CheckpointStore interface {
	Get(ctx context.Context, slot string) (Checkpoint, error)
	Put(ctx context.Context, slot string, checkpoint Checkpoint) error
}
