package record

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/segdb/internal/btree"
	"github.com/aalhour/segdb/internal/dbformat"
	"github.com/aalhour/segdb/internal/segment"
	"github.com/aalhour/segdb/internal/vfs"
	"github.com/aalhour/segdb/keyformat"
)

// testLog is a single-segment Log.
type testLog struct {
	seg *segment.Segment
}

func newTestLog(t *testing.T) *testLog {
	t.Helper()
	fs := vfs.NewMemFS()
	require.NoError(t, fs.MkdirAll("/db", 0755))
	seg, err := segment.Create(fs, "/db/000001.seg", 1, 0)
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })
	return &testLog{seg: seg}
}

func (l *testLog) MaybeRoll() error        { return nil }
func (l *testLog) Active() *segment.Segment { return l.seg }
func (l *testLog) Translate(a dbformat.Address) (*segment.Segment, int64, error) {
	if a.Ordinal() != l.seg.Ordinal() {
		return nil, 0, fmt.Errorf("%w: no segment %d", dbformat.ErrCorruption, a.Ordinal())
	}
	return l.seg, a.Offset(), nil
}

func TestHeaderRoundTrip(t *testing.T) {
	buf := make([]byte, dbformat.RecordHeaderSize)
	in := Header{Flags: dbformat.FlagIndexNode | dbformat.FlagLeaf, Length: 1 << 33}
	EncodeHeader(buf, in)
	out, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.EqualValues(t, 9+1<<33, out.Size())

	buf[0] = 0x40
	_, err = DecodeHeader(buf)
	assert.ErrorIs(t, err, ErrInvalidFlags)

	_, err = DecodeHeader(buf[:4])
	assert.Error(t, err)
}

func TestNodeEncoding(t *testing.T) {
	leaf := &btree.Node{Leaf: true, Entries: []btree.Entry{
		{Key: []byte("a"), Value: dbformat.MakeAddress(1, 16)},
		{Key: []byte("bc"), Value: dbformat.MakeAddress(2, 99)},
	}}
	internal := &btree.Node{
		Entries: []btree.Entry{{Key: []byte("m")}},
		Children: []btree.Child{
			{Addr: dbformat.MakeAddress(1, 100), Count: 3},
			{Addr: dbformat.MakeAddress(1, 200), Count: 4},
		},
	}

	for name, n := range map[string]*btree.Node{"leaf": leaf, "internal": internal} {
		t.Run(name, func(t *testing.T) {
			body := AppendNode(nil, keyformat.Framed, n)
			got, err := DecodeNode(body, keyformat.Framed, n.Leaf)
			require.NoError(t, err)
			assert.Equal(t, n, got)

			_, err = DecodeNode(append(body, 0), keyformat.Framed, n.Leaf)
			assert.ErrorIs(t, err, dbformat.ErrCorruption, "trailing byte")
			_, err = DecodeNode(body[:len(body)-1], keyformat.Framed, n.Leaf)
			assert.ErrorIs(t, err, dbformat.ErrCorruption, "truncated body")
		})
	}

	// Layout: count, then key+pointer, then children.
	body := AppendNode(nil, keyformat.Framed, internal)
	assert.Len(t, body, 4+(1+1+8)+2*12)

	_, err := DecodeNode([]byte{0xFF, 0xFF, 0xFF, 0x7F}, keyformat.Framed, true)
	assert.ErrorIs(t, err, dbformat.ErrCorruption, "absurd entry count")
}

func TestCodec_RecordsAndNodes(t *testing.T) {
	log := newTestLog(t)
	c := NewCodec(log, keyformat.Framed)

	a1, err := c.WriteRecord([]byte("first"))
	require.NoError(t, err)
	assert.Equal(t, dbformat.MakeAddress(1, 16), a1)

	leaf := &btree.Node{Leaf: true, Entries: []btree.Entry{{Key: []byte("k"), Value: a1}}}
	a2, err := c.WriteNode(leaf, true)
	require.NoError(t, err)
	assert.Equal(t, dbformat.MakeAddress(1, 16+9+5), a2)

	rec, err := c.ReadRecordAt(a1)
	require.NoError(t, err)
	assert.Equal(t, "first", string(rec.Payload))
	assert.False(t, rec.Header.IsNode())

	rec, err = c.ReadRecordAt(a2)
	require.NoError(t, err)
	assert.Equal(t, dbformat.FlagIndexNode|dbformat.FlagLeaf|dbformat.FlagRoot, rec.Header.Flags)

	n, err := c.ReadNode(a2)
	require.NoError(t, err)
	assert.Equal(t, leaf, n)

	_, err = c.ReadNode(a1)
	assert.ErrorIs(t, err, ErrNotIndexNode)

	_, err = c.WriteRecord(nil)
	assert.ErrorIs(t, err, ErrEmptyPayload)

	_, err = c.ReadRecordAt(dbformat.MakeAddress(1, 5000))
	assert.ErrorIs(t, err, dbformat.ErrCorruption)
}

func TestCodec_MarkGarbage(t *testing.T) {
	log := newTestLog(t)
	c := NewCodec(log, keyformat.Framed)

	a, _ := c.WriteRecord([]byte("0123456789"))
	n, err := c.MarkGarbage(a)
	require.NoError(t, err)
	assert.EqualValues(t, 19, n)
	assert.EqualValues(t, 19, log.seg.Garbage())

	rec, _ := c.ReadRecordAt(a)
	assert.True(t, rec.Header.IsGarbage())
	assert.Equal(t, "0123456789", string(rec.Payload), "payload must be untouched")

	n, err = c.MarkGarbage(a)
	require.NoError(t, err)
	assert.Zero(t, n, "second mark is a no-op")
	assert.EqualValues(t, 19, log.seg.Garbage())
}

func TestScanner(t *testing.T) {
	log := newTestLog(t)
	c := NewCodec(log, keyformat.Framed)

	var want []dbformat.Address
	for i := 0; i < 5; i++ {
		a, err := c.WriteRecord([]byte(fmt.Sprintf("rec-%d", i)))
		require.NoError(t, err)
		want = append(want, a)
	}
	c.MarkGarbage(want[1])

	scan := func() ([]dbformat.Address, []bool, int64, bool) {
		var addrs []dbformat.Address
		var garbage []bool
		s := NewScanner(log.seg)
		for s.Next() {
			addrs = append(addrs, s.Addr())
			garbage = append(garbage, s.Record().Header.IsGarbage())
		}
		require.NoError(t, s.Err())
		torn, ok := s.TornAt()
		return addrs, garbage, torn, ok
	}

	addrs, garbage, _, torn := scan()
	assert.Equal(t, want, addrs)
	assert.Equal(t, []bool{false, true, false, false, false}, garbage)
	assert.False(t, torn)

	s := NewScanner(log.seg)
	require.True(t, s.Next())
	p, err := s.Payload()
	require.NoError(t, err)
	assert.Equal(t, "rec-0", string(p))

	tests := []struct {
		name string
		tail []byte
	}{
		{"partial header", []byte{0, 5, 0}},
		{"length past end", []byte{0, 200, 0, 0, 0, 0, 0, 0, 0, 'x'}},
		{"zero header", make([]byte, 9)},
		{"bad flags", []byte{0x80, 1, 0, 0, 0, 0, 0, 0, 0, 'x'}},
	}
	end := log.seg.Length()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, log.seg.Truncate(end))
			_, err := log.seg.Append(tt.tail)
			require.NoError(t, err)

			addrs, _, at, torn := scan()
			assert.Equal(t, want, addrs)
			assert.True(t, torn)
			assert.Equal(t, end, at)
		})
	}
}

func TestReadHeaderAt_Bounds(t *testing.T) {
	log := newTestLog(t)
	_, err := ReadHeaderAt(log.seg, 0)
	assert.True(t, errors.Is(err, dbformat.ErrCorruption), "the segment header is not a record")
}
