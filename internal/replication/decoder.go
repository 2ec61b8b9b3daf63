package replication

import (
	"encoding/binary"
	"fmt"

	"github.com/jare20895/ArcoreSyncBridge/internal/engine"
)

// Decoder parses a sequence of opaque byte frames into typed Events,
// maintaining the in-memory relation cache Relation frames refresh
// (SPEC_FULL.md §4.1). A Decoder is not safe for concurrent use; the CDC
// consumer owns one instance per source instance's replication stream.
type Decoder struct {
	relations map[uint32]Relation
}

// NewDecoder returns a Decoder with an empty relation cache.
func NewDecoder() *Decoder {
	return &Decoder{relations: make(map[uint32]Relation)}
}

// Decode parses one frame, tagged with the LSN the caller observed it at.
// Returns a *engine.EngineError of kind KindDecode on truncated frames;
// frame tags outside the known-ignored set (anything not in the switch
// below) decode to an EventUnknown with no error, per SPEC_FULL.md §4.1
// ("Fails with DecodeError on truncated frames or unknown tags beyond a
// known-ignored set" — the ignored set is "every tag this decoder does not
// specifically recognize").
func (d *Decoder) Decode(frame []byte, lsn uint64) (Event, error) {
	if len(frame) == 0 {
		return Event{}, engine.Decode("replication.decode", errTruncated("empty frame"))
	}
	r := &cursor{buf: frame, pos: 1}
	tag := frame[0]

	switch tag {
	case 'B':
		return d.decodeBegin(r, lsn)
	case 'C':
		return d.decodeCommit(r, lsn)
	case 'R':
		return d.decodeRelation(r, lsn)
	case 'I':
		return d.decodeInsert(r, lsn)
	case 'U':
		return d.decodeUpdate(r, lsn)
	case 'D':
		return d.decodeDelete(r, lsn)
	default:
		return Event{Type: EventUnknown, LSN: lsn}, nil
	}
}

func (d *Decoder) decodeBegin(r *cursor, lsn uint64) (Event, error) {
	lsnEnd, err := r.u64()
	if err != nil {
		return Event{}, wrapTruncated("replication.decode_begin", err)
	}
	commitTime, err := r.i64()
	if err != nil {
		return Event{}, wrapTruncated("replication.decode_begin", err)
	}
	return Event{Type: EventBegin, LSN: lsn, TxnLSNStart: lsn, TxnLSNEnd: lsnEnd, CommitTime: commitTime}, nil
}

func (d *Decoder) decodeCommit(r *cursor, lsn uint64) (Event, error) {
	if _, err := r.u8(); err != nil { // flags, reserved
		return Event{}, wrapTruncated("replication.decode_commit", err)
	}
	commitLSN, err := r.u64()
	if err != nil {
		return Event{}, wrapTruncated("replication.decode_commit", err)
	}
	endLSN, err := r.u64()
	if err != nil {
		return Event{}, wrapTruncated("replication.decode_commit", err)
	}
	commitTime, err := r.i64()
	if err != nil {
		return Event{}, wrapTruncated("replication.decode_commit", err)
	}
	return Event{Type: EventCommit, LSN: endLSN, TxnLSNStart: commitLSN, TxnLSNEnd: endLSN, CommitTime: commitTime}, nil
}

func (d *Decoder) decodeRelation(r *cursor, lsn uint64) (Event, error) {
	relID, err := r.u32()
	if err != nil {
		return Event{}, wrapTruncated("replication.decode_relation", err)
	}
	ns, err := r.cstring()
	if err != nil {
		return Event{}, wrapTruncated("replication.decode_relation", err)
	}
	name, err := r.cstring()
	if err != nil {
		return Event{}, wrapTruncated("replication.decode_relation", err)
	}
	if _, err := r.u8(); err != nil { // replica identity setting, unused
		return Event{}, wrapTruncated("replication.decode_relation", err)
	}
	numCols, err := r.u16()
	if err != nil {
		return Event{}, wrapTruncated("replication.decode_relation", err)
	}
	cols := make([]string, 0, numCols)
	for i := uint16(0); i < numCols; i++ {
		if _, err := r.u8(); err != nil { // per-column flags, unused at v1
			return Event{}, wrapTruncated("replication.decode_relation", err)
		}
		colName, err := r.cstring()
		if err != nil {
			return Event{}, wrapTruncated("replication.decode_relation", err)
		}
		if _, err := r.u32(); err != nil { // type oid, unused
			return Event{}, wrapTruncated("replication.decode_relation", err)
		}
		if _, err := r.u32(); err != nil { // atttypmod, unused
			return Event{}, wrapTruncated("replication.decode_relation", err)
		}
		cols = append(cols, colName)
	}

	rel := Relation{RelationID: relID, Schema: ns, Table: name, Columns: cols}
	d.relations[relID] = rel
	return Event{Type: EventRelation, LSN: lsn, Relation: rel}, nil
}

func (d *Decoder) decodeInsert(r *cursor, lsn uint64) (Event, error) {
	relID, err := r.u32()
	if err != nil {
		return Event{}, wrapTruncated("replication.decode_insert", err)
	}
	rel, ok := d.relations[relID]
	if !ok {
		return Event{}, engine.Decode("replication.decode_insert", fmt.Errorf("unknown relation id %d: no preceding Relation frame", relID))
	}
	if _, err := r.u8(); err != nil { // 'N' tuple tag
		return Event{}, wrapTruncated("replication.decode_insert", err)
	}
	cols, err := d.decodeTuple(r, rel)
	if err != nil {
		return Event{}, wrapTruncated("replication.decode_insert", err)
	}
	return Event{Type: EventInsert, LSN: lsn, Schema: rel.Schema, Table: rel.Table, Row: cols}, nil
}

func (d *Decoder) decodeUpdate(r *cursor, lsn uint64) (Event, error) {
	relID, err := r.u32()
	if err != nil {
		return Event{}, wrapTruncated("replication.decode_update", err)
	}
	rel, ok := d.relations[relID]
	if !ok {
		return Event{}, engine.Decode("replication.decode_update", fmt.Errorf("unknown relation id %d: no preceding Relation frame", relID))
	}

	tupleTag, err := r.u8()
	if err != nil {
		return Event{}, wrapTruncated("replication.decode_update", err)
	}

	var oldKey []Column
	if tupleTag == 'K' || tupleTag == 'O' {
		oldKey, err = d.decodeTuple(r, rel)
		if err != nil {
			return Event{}, wrapTruncated("replication.decode_update", err)
		}
		tupleTag, err = r.u8() // the 'N' tag for the new tuple
		if err != nil {
			return Event{}, wrapTruncated("replication.decode_update", err)
		}
	}
	if tupleTag != 'N' {
		return Event{}, engine.Decode("replication.decode_update", fmt.Errorf("expected new-tuple tag 'N', got %q", tupleTag))
	}
	newCols, err := d.decodeTuple(r, rel)
	if err != nil {
		return Event{}, wrapTruncated("replication.decode_update", err)
	}

	return Event{Type: EventUpdate, LSN: lsn, Schema: rel.Schema, Table: rel.Table, Row: newCols, OldKey: oldKey}, nil
}

func (d *Decoder) decodeDelete(r *cursor, lsn uint64) (Event, error) {
	relID, err := r.u32()
	if err != nil {
		return Event{}, wrapTruncated("replication.decode_delete", err)
	}
	rel, ok := d.relations[relID]
	if !ok {
		return Event{}, engine.Decode("replication.decode_delete", fmt.Errorf("unknown relation id %d: no preceding Relation frame", relID))
	}
	if _, err := r.u8(); err != nil { // 'K' or 'O' tag
		return Event{}, wrapTruncated("replication.decode_delete", err)
	}
	cols, err := d.decodeTuple(r, rel)
	if err != nil {
		return Event{}, wrapTruncated("replication.decode_delete", err)
	}
	return Event{Type: EventDelete, LSN: lsn, Schema: rel.Schema, Table: rel.Table, Row: cols}, nil
}

// decodeTuple reads a tuple's columns, positionally aligning each against
// rel.Columns as mandated by SPEC_FULL.md §4.1.
func (d *Decoder) decodeTuple(r *cursor, rel Relation) ([]Column, error) {
	numCols, err := r.u16()
	if err != nil {
		return nil, err
	}
	cols := make([]Column, 0, numCols)
	for i := uint16(0); i < numCols; i++ {
		marker, err := r.u8()
		if err != nil {
			return nil, err
		}
		name := ""
		if int(i) < len(rel.Columns) {
			name = rel.Columns[i]
		}
		c := Column{Name: name, Marker: ColumnMarker(marker)}
		if ColumnMarker(marker) == MarkerText {
			length, err := r.u32()
			if err != nil {
				return nil, err
			}
			text, err := r.bytes(int(length))
			if err != nil {
				return nil, err
			}
			c.Value = string(text)
		}
		cols = append(cols, c)
	}
	return cols, nil
}

// cursor is a minimal bounds-checked binary reader over a frame buffer.
type cursor struct {
	buf []byte
	pos int
}

type errTruncated string

func (e errTruncated) Error() string { return "truncated frame: " + string(e) }

func wrapTruncated(op string, err error) error {
	return engine.Decode(op, err)
}

func (c *cursor) need(n int) error {
	if c.pos+n > len(c.buf) {
		return errTruncated(fmt.Sprintf("need %d bytes at offset %d, have %d", n, c.pos, len(c.buf)))
	}
	return nil
}

func (c *cursor) u8() (byte, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) u16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v, nil
}

func (c *cursor) u64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(c.buf[c.pos:])
	c.pos += 8
	return v, nil
}

func (c *cursor) i64() (int64, error) {
	v, err := c.u64()
	return int64(v), err
}

func (c *cursor) bytes(n int) ([]byte, error) {
	if err := c.need(n); err != nil {
		return nil, err
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) cstring() (string, error) {
	start := c.pos
	for c.pos < len(c.buf) {
		if c.buf[c.pos] == 0 {
			s := string(c.buf[start:c.pos])
			c.pos++
			return s, nil
		}
		c.pos++
	}
	return "", errTruncated("unterminated cstring")
}
