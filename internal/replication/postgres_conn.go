package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/abc3/sequin/pkg/connector"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog/log"
)

// PostgresConn implements Conn over a pgoutput replication session.
type PostgresConn struct {
	dsn            string
	outputPlugin   string
	createSlot     bool
	pluginArgs     []string
	receiveTimeout time.Duration

	mu   sync.Mutex
	conn *pgconn.PgConn
}

// PostgresConnOption configures the connection.
type PostgresConnOption func(*PostgresConn)

func WithOutputPlugin(plugin string) PostgresConnOption {
	return func(c *PostgresConn) {
		c.outputPlugin = plugin
	}
}

func WithCreateSlot(enabled bool) PostgresConnOption {
	return func(c *PostgresConn) {
		c.createSlot = enabled
	}
}

func WithPluginArgs(args []string) PostgresConnOption {
	return func(c *PostgresConn) {
		c.pluginArgs = args
	}
}

// WithReceiveTimeout bounds a single Receive call so callers get a chance to
// send standby status while the server is quiet.
func WithReceiveTimeout(timeout time.Duration) PostgresConnOption {
	return func(c *PostgresConn) {
		c.receiveTimeout = timeout
	}
}

// NewPostgresConn returns an unopened replication connection.
func NewPostgresConn(dsn string, opts ...PostgresConnOption) *PostgresConn {
	c := &PostgresConn{
		dsn:            dsn,
		outputPlugin:   "pgoutput",
		receiveTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start connects with replication=database and starts streaming at start.
// A zero start position defers to the slot's confirmed flush.
func (c *PostgresConn) Start(ctx context.Context, slot, publication string, start LSN) error {
	if c.dsn == "" {
		return errors.New("postgres DSN is required")
	}
	if slot == "" {
		return errors.New("replication slot is required")
	}
	if publication == "" {
		return errors.New("publication is required")
	}

	cfg, err := pgconn.ParseConfig(c.dsn)
	if err != nil {
		return fmt.Errorf("parse dsn: %w", err)
	}
	cfg.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return &connector.ConnectionError{Op: "connect", Err: err}
	}

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		conn.Close(ctx)
		return &connector.ConnectionError{Op: "identify system", Err: err}
	}
	log.Debug().
		Str("slot", slot).
		Str("system_id", sysident.SystemID).
		Int32("timeline", sysident.Timeline).
		Str("xlogpos", sysident.XLogPos.String()).
		Msg("replication system identified")

	if c.createSlot {
		_, err = pglogrepl.CreateReplicationSlot(ctx, conn, slot, c.outputPlugin, pglogrepl.CreateReplicationSlotOptions{})
		if err != nil && !isSlotExistsErr(err) {
			conn.Close(ctx)
			return &connector.ConnectionError{Op: "create replication slot", Err: err}
		}
	}

	pluginArgs := c.pluginArgs
	if len(pluginArgs) == 0 {
		pluginArgs = defaultPluginArgs(publication)
	}
	if err := pglogrepl.StartReplication(ctx, conn, slot, start, pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		conn.Close(ctx)
		return &connector.ConnectionError{Op: "start replication", Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return nil
}

// Receive reads the next copy-data frame.
func (c *PostgresConn) Receive(ctx context.Context) (*Message, error) {
	conn := c.current()
	if conn == nil {
		return nil, &connector.ConnectionError{Op: "receive", Err: errors.New("replication connection not started")}
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, c.receiveTimeout)
	rawMsg, err := conn.ReceiveMessage(deadlineCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if pgconn.Timeout(err) {
			return nil, nil
		}
		return nil, &connector.ConnectionError{Op: "receive", Err: err}
	}

	switch msg := rawMsg.(type) {
	case *pgproto3.ErrorResponse:
		return nil, &connector.ConnectionError{Op: "receive", Err: fmt.Errorf("postgres error %s: %s", msg.Code, msg.Message)}
	case *pgproto3.CopyData:
		return parseCopyData(msg.Data)
	default:
		return nil, nil
	}
}

// SendStatus reports flushed as the write, flush and apply positions.
func (c *PostgresConn) SendStatus(ctx context.Context, flushed LSN) error {
	conn := c.current()
	if conn == nil {
		return &connector.ConnectionError{Op: "send status", Err: errors.New("replication connection not started")}
	}
	err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: flushed,
		WALFlushPosition: flushed,
		WALApplyPosition: flushed,
	})
	if err != nil {
		return &connector.ConnectionError{Op: "send status", Err: err}
	}
	return nil
}

// Close terminates the session.
func (c *PostgresConn) Close(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(ctx)
}

func (c *PostgresConn) current() *pgconn.PgConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func parseCopyData(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, connector.Protocolf(0, "empty copy data frame")
	}
	switch data[0] {
	case pglogrepl.PrimaryKeepaliveMessageByteID:
		pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
		if err != nil {
			return nil, &connector.ProtocolError{Reason: "parse keepalive", Err: err}
		}
		return &Message{
			Kind:           MessageKeepalive,
			ServerWALEnd:   pkm.ServerWALEnd,
			ServerTime:     pkm.ServerTime,
			ReplyRequested: pkm.ReplyRequested,
		}, nil
	case pglogrepl.XLogDataByteID:
		xld, err := pglogrepl.ParseXLogData(data[1:])
		if err != nil {
			return nil, &connector.ProtocolError{Reason: "parse xlogdata", Err: err}
		}
		payload := make([]byte, len(xld.WALData))
		copy(payload, xld.WALData)
		return &Message{
			Kind:         MessageXLogData,
			WALStart:     xld.WALStart,
			ServerWALEnd: xld.ServerWALEnd,
			ServerTime:   xld.ServerTime,
			Data:         payload,
		}, nil
	default:
		return nil, connector.Protocolf(0, "unknown copy data frame %q", data[0])
	}
}

func isSlotExistsErr(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "42710"
	}
	return strings.Contains(strings.ToLower(err.Error()), "already exists")
}

func defaultPluginArgs(publication string) []string {
	return []string{"proto_version '1'", "publication_names " + quoteLiteral(publication)}
}

// quoteLiteral renders s as a single-quoted SQL literal for plugin options.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
