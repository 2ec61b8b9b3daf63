package replication

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// frameBuilder assembles a test frame byte-by-byte without depending on the
// decoder under test.
type frameBuilder struct {
	buf []byte
}

func (f *frameBuilder) tag(b byte) *frameBuilder { f.buf = append(f.buf, b); return f }
func (f *frameBuilder) u8(b byte) *frameBuilder  { f.buf = append(f.buf, b); return f }
func (f *frameBuilder) u16(v uint16) *frameBuilder {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	f.buf = append(f.buf, b[:]...)
	return f
}
func (f *frameBuilder) u32(v uint32) *frameBuilder {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	f.buf = append(f.buf, b[:]...)
	return f
}
func (f *frameBuilder) u64(v uint64) *frameBuilder {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	f.buf = append(f.buf, b[:]...)
	return f
}
func (f *frameBuilder) cstring(s string) *frameBuilder {
	f.buf = append(f.buf, []byte(s)...)
	f.buf = append(f.buf, 0)
	return f
}
func (f *frameBuilder) text(s string) *frameBuilder {
	f.u8(byte(MarkerText))
	f.u32(uint32(len(s)))
	f.buf = append(f.buf, []byte(s)...)
	return f
}
func (f *frameBuilder) null() *frameBuilder { return f.u8(byte(MarkerNull)) }

func relationFrame(relID uint32, schema, table string, cols []string) []byte {
	f := &frameBuilder{}
	f.tag('R').u32(relID).cstring(schema).cstring(table).u8('d').u16(uint16(len(cols)))
	for _, c := range cols {
		f.u8(0).cstring(c).u32(0).u32(0)
	}
	return f.buf
}

func TestDecode_RelationThenInsert(t *testing.T) {
	d := NewDecoder()

	relFrame := relationFrame(7, "public", "widgets", []string{"id", "name"})
	ev, err := d.Decode(relFrame, 100)
	require.NoError(t, err)
	require.Equal(t, EventRelation, ev.Type)
	require.Equal(t, "public", ev.Relation.Schema)
	require.Equal(t, "widgets", ev.Relation.Table)
	require.Equal(t, []string{"id", "name"}, ev.Relation.Columns)

	ib := &frameBuilder{}
	ib.tag('I').u32(7)
	ib.u8('N')
	ib.u16(2)
	ib.text("42")
	ib.text("widget-a")

	ev, err = d.Decode(ib.buf, 101)
	require.NoError(t, err)
	require.Equal(t, EventInsert, ev.Type)
	require.Equal(t, "public", ev.Schema)
	require.Equal(t, "widgets", ev.Table)
	require.Len(t, ev.Row, 2)
	require.Equal(t, "id", ev.Row[0].Name)
	require.Equal(t, "42", ev.Row[0].Value)
	require.Equal(t, "name", ev.Row[1].Name)
	require.Equal(t, "widget-a", ev.Row[1].Value)
}

func (f *frameBuilder) build() []byte { return f.buf }

func TestDecode_UpdateWithOldKey(t *testing.T) {
	d := NewDecoder()
	_, err := d.Decode(relationFrame(9, "public", "widgets", []string{"id", "name"}), 1)
	require.NoError(t, err)

	ub := &frameBuilder{}
	ub.tag('U').u32(9)
	ub.u8('K')
	ub.u16(1)
	ub.text("42")
	ub.u8('N')
	ub.u16(2)
	ub.text("42")
	ub.text("widget-b")

	ev, err := d.Decode(ub.buf, 2)
	require.NoError(t, err)
	require.Equal(t, EventUpdate, ev.Type)
	require.Len(t, ev.OldKey, 1)
	require.Equal(t, "42", ev.OldKey[0].Value)
	require.Len(t, ev.Row, 2)
	require.Equal(t, "widget-b", ev.Row[1].Value)
}

func TestDecode_DeleteWithNullColumn(t *testing.T) {
	d := NewDecoder()
	_, err := d.Decode(relationFrame(3, "public", "widgets", []string{"id", "name"}), 1)
	require.NoError(t, err)

	db := &frameBuilder{}
	db.tag('D').u32(3)
	db.u8('K')
	db.u16(2)
	db.text("42")
	db.null()

	ev, err := d.Decode(db.buf, 5)
	require.NoError(t, err)
	require.Equal(t, EventDelete, ev.Type)
	require.Equal(t, MarkerNull, ev.Row[1].Marker)
}

func TestDecode_BeginCommit(t *testing.T) {
	d := NewDecoder()

	bb := &frameBuilder{}
	bb.tag('B').u64(500).u64(1_700_000_000_000_000)
	ev, err := d.Decode(bb.buf, 400)
	require.NoError(t, err)
	require.Equal(t, EventBegin, ev.Type)
	require.Equal(t, uint64(400), ev.TxnLSNStart)
	require.Equal(t, uint64(500), ev.TxnLSNEnd)

	cb := &frameBuilder{}
	cb.tag('C').u8(0).u64(400).u64(500).u64(1_700_000_000_000_000)
	ev, err = d.Decode(cb.buf, 0)
	require.NoError(t, err)
	require.Equal(t, EventCommit, ev.Type)
	require.Equal(t, uint64(500), ev.LSN)
}

func TestDecode_UnknownRelationFails(t *testing.T) {
	d := NewDecoder()
	ib := &frameBuilder{}
	ib.tag('I').u32(999).u8('N').u16(0)
	_, err := d.Decode(ib.buf, 1)
	require.Error(t, err)
}

func TestDecode_TruncatedFrameFails(t *testing.T) {
	d := NewDecoder()
	_, err := d.Decode([]byte{'B', 0, 0, 0}, 1)
	require.Error(t, err)
}

func TestDecode_UnknownTagIsUnknownEvent(t *testing.T) {
	d := NewDecoder()
	ev, err := d.Decode([]byte{'Z', 1, 2, 3}, 1)
	require.NoError(t, err)
	require.Equal(t, EventUnknown, ev.Type)
}
