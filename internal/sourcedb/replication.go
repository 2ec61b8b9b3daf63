package sourcedb

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
)

// postgresEpoch is 2000-01-01, the epoch streaming-replication timestamps
// and pgoutput's commit-time field are counted from.
var postgresEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// pgConnProvider owns the dedicated connection logical replication
// requires (opened with replication=database in its startup parameters,
// distinct from the pooled connections ordinary CRUD uses).
type pgConnProvider struct {
	raw         *pgconn.PgConn
	publication string
}

// DialReplicationConn opens a connection dedicated to logical replication
// against publication (SPEC_FULL.md §9: publication name externally
// configured, default "arcore_cdc_pub").
func DialReplicationConn(ctx context.Context, dsn, publication string) (*pgConnProvider, error) {
	cfg, err := pgconn.ParseConfig(dsn)
	if err != nil {
		return nil, engine.Invariant("sourcedb.dial_replication", err)
	}
	cfg.RuntimeParams["replication"] = "database"
	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, engine.Transport("sourcedb.dial_replication", err)
	}
	return &pgConnProvider{raw: conn, publication: publication}, nil
}

func (a *Adapter) CreateSlot(ctx context.Context, slotName string) error {
	_, err := a.pool.Exec(ctx, "SELECT pg_create_logical_replication_slot($1, 'pgoutput')", slotName)
	if err != nil {
		return engine.Transport("sourcedb.create_slot", err)
	}
	return nil
}

func (a *Adapter) DropSlot(ctx context.Context, slotName string) error {
	_, err := a.pool.Exec(ctx, "SELECT pg_drop_replication_slot($1)", slotName)
	if err != nil {
		return engine.Transport("sourcedb.drop_slot", err)
	}
	return nil
}

func (a *Adapter) ListSlots(ctx context.Context) ([]string, error) {
	rows, err := a.pool.Query(ctx, "SELECT slot_name FROM pg_replication_slots WHERE plugin = 'pgoutput'")
	if err != nil {
		return nil, engine.Transport("sourcedb.list_slots", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, engine.Decode("sourcedb.list_slots", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// OpenReplication issues START_REPLICATION on the dedicated connection,
// putting it into CopyBoth mode, and returns a stream that unwraps XLogData
// messages into raw frames for the replication package's decoder
// (SPEC_FULL.md §4.6, §4.1).
func (a *Adapter) OpenReplication(ctx context.Context, slotName string, startLSN uint64) (engine.ReplicationStream, error) {
	if a.conn == nil {
		return nil, engine.Invariant("sourcedb.open_replication", fmt.Errorf("adapter has no dedicated replication connection"))
	}
	query := fmt.Sprintf(
		"START_REPLICATION SLOT %s LOGICAL %s (proto_version '1', publication_names '%s')",
		slotName, formatLSN(startLSN), a.conn.publication,
	)
	if err := a.conn.raw.Exec(ctx, query).Close(); err != nil {
		return nil, engine.Transport("sourcedb.open_replication", err)
	}
	return &replicationStream{conn: a.conn.raw, log: a.log}, nil
}

// SendFeedback sends a standby status update acknowledging lsn, allowing
// the server to reclaim WAL retained on the slot's behalf.
func (a *Adapter) SendFeedback(ctx context.Context, lsn uint64) error {
	if a.conn == nil {
		return engine.Invariant("sourcedb.send_feedback", fmt.Errorf("adapter has no dedicated replication connection"))
	}
	buf := standbyStatusUpdate(lsn, time.Now())
	if err := a.conn.raw.Frontend().Send(&pgproto3.CopyData{Data: buf}); err != nil {
		return engine.Transport("sourcedb.send_feedback", err)
	}
	if err := a.conn.raw.Frontend().Flush(); err != nil {
		return engine.Transport("sourcedb.send_feedback", err)
	}
	return nil
}

// replicationStream implements engine.ReplicationStream over a connection
// already in CopyBoth mode.
type replicationStream struct {
	conn *pgconn.PgConn
	log  *zap.Logger
}

func (s *replicationStream) Next(ctx context.Context, timeout time.Duration) ([]byte, uint64, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := s.conn.ReceiveMessage(cctx)
	if err != nil {
		if cctx.Err() != nil && ctx.Err() == nil {
			return nil, 0, false, nil // timeout, not end of stream
		}
		return nil, 0, false, engine.Transport("sourcedb.replication_next", err)
	}

	cd, ok := msg.(*pgproto3.CopyData)
	if !ok {
		// Keepalive/other protocol messages with no frame payload: treat as
		// a no-op tick rather than an error.
		return nil, 0, false, nil
	}
	if len(cd.Data) == 0 {
		return nil, 0, false, engine.Decode("sourcedb.replication_next", fmt.Errorf("empty CopyData payload"))
	}

	switch cd.Data[0] {
	case 'w': // XLogData: 1 + walStart(8) + walEnd(8) + sendTime(8) + payload
		if len(cd.Data) < 25 {
			return nil, 0, false, engine.Decode("sourcedb.replication_next", fmt.Errorf("truncated XLogData header"))
		}
		walStart := binary.BigEndian.Uint64(cd.Data[1:9])
		return cd.Data[25:], walStart, true, nil
	case 'k': // primary keepalive: ask the caller to decide on a feedback send
		return nil, 0, false, nil
	default:
		return nil, 0, false, engine.Decode("sourcedb.replication_next", fmt.Errorf("unknown CopyData tag %q", cd.Data[0]))
	}
}

func (s *replicationStream) Close() error {
	return s.conn.Close(context.Background())
}

// formatLSN renders lsn in Postgres's "XXXXXXXX/XXXXXXXX" textual form.
func formatLSN(lsn uint64) string {
	return fmt.Sprintf("%X/%X", uint32(lsn>>32), uint32(lsn))
}

// standbyStatusUpdate builds the CopyData payload for a client standby
// status update ('r' + written + flushed + applied LSNs + client time + a
// reply-requested byte).
func standbyStatusUpdate(lsn uint64, now time.Time) []byte {
	buf := make([]byte, 1+8+8+8+8+1)
	buf[0] = 'r'
	binary.BigEndian.PutUint64(buf[1:9], lsn)
	binary.BigEndian.PutUint64(buf[9:17], lsn)
	binary.BigEndian.PutUint64(buf[17:25], lsn)
	micros := uint64(now.Sub(postgresEpoch).Microseconds())
	binary.BigEndian.PutUint64(buf[25:33], micros)
	buf[33] = 0
	return buf
}
