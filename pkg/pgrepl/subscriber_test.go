package pgrepl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pglogstream/pkg/lsn"
)

// copyFrame wraps an inner replication message in a CopyData envelope.
func copyFrame(innerType byte, payload []byte) []byte {
	return buildFrame(msgCopyData, append([]byte{innerType}, payload...))
}

// walFrame builds a CopyData-wrapped XLogData message: wal_start, wal_end,
// server_time headers followed by the pgoutput body.
func walFrame(walStart, walEnd uint64, body []byte) []byte {
	payload := binary.BigEndian.AppendUint64(nil, walStart)
	payload = binary.BigEndian.AppendUint64(payload, walEnd)
	payload = binary.BigEndian.AppendUint64(payload, 0) // server time
	return copyFrame(msgWALData, append(payload, body...))
}

func keepaliveFrame(walEnd uint64, replyRequested byte) []byte {
	payload := binary.BigEndian.AppendUint64(nil, walEnd)
	payload = binary.BigEndian.AppendUint64(payload, 0) // server time
	payload = append(payload, replyRequested)
	return copyFrame(msgKeepalive, payload)
}

func beginBody(finalLSN uint64) []byte {
	body := []byte{walBegin}
	body = binary.BigEndian.AppendUint64(body, finalLSN)
	body = binary.BigEndian.AppendUint64(body, 0) // commit timestamp
	return binary.BigEndian.AppendUint32(body, 777) // xid
}

func commitBody(commitLSN uint64) []byte {
	body := []byte{walCommit}
	return binary.BigEndian.AppendUint64(body, commitLSN)
}

func relationBody(id uint32, namespace, name string, identity byte, columns []Column) []byte {
	body := []byte{walRelation}
	body = binary.BigEndian.AppendUint32(body, id)
	body = append(body, namespace...)
	body = append(body, 0)
	body = append(body, name...)
	body = append(body, 0)
	body = append(body, identity)
	body = binary.BigEndian.AppendUint16(body, uint16(len(columns)))
	for _, col := range columns {
		body = append(body, col.Flags)
		body = append(body, col.Name...)
		body = append(body, 0)
		body = binary.BigEndian.AppendUint32(body, col.TypeID)
		body = binary.BigEndian.AppendUint32(body, uint32(col.TypeModifier))
	}
	return body
}

// tupleCell is one column of an encoded tuple: format byte plus raw value.
type tupleCell struct {
	format byte
	data   []byte
}

func textCell(s string) tupleCell { return tupleCell{format: 't', data: []byte(s)} }
func binCell(b []byte) tupleCell  { return tupleCell{format: 'b', data: b} }
func nullCell() tupleCell         { return tupleCell{format: 'n'} }
func unchangedCell() tupleCell    { return tupleCell{format: 'u'} }

func encodeTuple(cells []tupleCell) []byte {
	body := binary.BigEndian.AppendUint16(nil, uint16(len(cells)))
	for _, c := range cells {
		body = append(body, c.format)
		if c.format == 't' || c.format == 'b' {
			body = binary.BigEndian.AppendUint32(body, uint32(len(c.data)))
			body = append(body, c.data...)
		}
	}
	return body
}

func insertBody(relID uint32, cells []tupleCell) []byte {
	body := []byte{walInsert}
	body = binary.BigEndian.AppendUint32(body, relID)
	body = append(body, tupleNew)
	return append(body, encodeTuple(cells)...)
}

func updateBody(relID uint32, oldMarker byte, oldCells, newCells []tupleCell) []byte {
	body := []byte{walUpdate}
	body = binary.BigEndian.AppendUint32(body, relID)
	if oldMarker != 0 {
		body = append(body, oldMarker)
		body = append(body, encodeTuple(oldCells)...)
		body = append(body, tupleNew)
	} else {
		body = append(body, tupleNew)
	}
	return append(body, encodeTuple(newCells)...)
}

func deleteBody(relID uint32, marker byte, cells []tupleCell) []byte {
	body := []byte{walDelete}
	body = binary.BigEndian.AppendUint32(body, relID)
	body = append(body, marker)
	if marker == tupleOld || marker == tupleKey {
		body = append(body, encodeTuple(cells)...)
	}
	return body
}

var testItemsColumns = []Column{
	{Name: "id", TypeID: TypeInt4, TypeModifier: -1, Flags: 1},
	{Name: "name", TypeID: TypeText, TypeModifier: -1, Flags: 0},
	{Name: "value", TypeID: TypeInt4, TypeModifier: -1, Flags: 0},
}

// newTestSubscriber wires a Subscriber over a scripted stream. The script
// must begin with the CopyBothResponse answering START_REPLICATION.
func newTestSubscriber(t *testing.T, frames ...[]byte) (*Subscriber, *fakeStream) {
	t.Helper()
	stream := newFakeStream(frames...)
	conn := &Connection{framer: framer{rw: stream}, logger: zerolog.Nop()}
	sub, err := Subscribe(conn, "test_slot", "test_pub", zerolog.Nop())
	if err != nil {
		t.Fatalf("Subscribe() error: %v", err)
	}
	return sub, stream
}

func copyBothFrame() []byte {
	return buildFrame(msgCopyBothResponse, []byte{0, 0, 0})
}

func TestSubscribeSendsStartReplication(t *testing.T) {
	_, stream := newTestSubscriber(t, copyBothFrame())

	raw := stream.written.Bytes()
	if raw[0] != msgQuery {
		t.Fatalf("first written frame type = %q, want %q", raw[0], msgQuery)
	}
	command := string(raw[5:])
	want := "START_REPLICATION SLOT test_slot LOGICAL 0/0 (proto_version '1', publication_names 'test_pub')\x00"
	if command != want {
		t.Errorf("command = %q, want %q", command, want)
	}
}

func TestSubscribeCommandFailed(t *testing.T) {
	stream := newFakeStream(errorFrame("ERROR", `replication slot "test_slot" does not exist`))
	conn := &Connection{framer: framer{rw: stream}, logger: zerolog.Nop()}

	_, err := Subscribe(conn, "test_slot", "test_pub", zerolog.Nop())
	var cmdErr *CommandFailedError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("Subscribe() error = %v, want CommandFailedError", err)
	}
	if !strings.Contains(cmdErr.Reason, "does not exist") {
		t.Errorf("reason = %q, want slot-missing message", cmdErr.Reason)
	}
}

func TestSubscribeServerHangsUp(t *testing.T) {
	stream := newFakeStream() // EOF before CopyBothResponse
	conn := &Connection{framer: framer{rw: stream}, logger: zerolog.Nop()}

	_, err := Subscribe(conn, "test_slot", "test_pub", zerolog.Nop())
	if !errors.Is(err, ErrCopyModeNotStarted) {
		t.Errorf("Subscribe() error = %v, want ErrCopyModeNotStarted", err)
	}
}

func TestNextTransactionStream(t *testing.T) {
	sub, _ := newTestSubscriber(t,
		copyBothFrame(),
		walFrame(100, 110, beginBody(0x0000000100000010)),
		walFrame(110, 120, relationBody(16385, "public", "test_items", 'd', testItemsColumns)),
		walFrame(120, 130, insertBody(16385, []tupleCell{textCell("1"), textCell("first"), textCell("10")})),
		walFrame(130, 140, insertBody(16385, []tupleCell{textCell("2"), nullCell(), textCell("20")})),
		walFrame(140, 150, commitBody(0x0000000100000010)),
	)

	begin, err := sub.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if msg, ok := begin.(*BeginMessage); !ok || msg.FinalLSN != 0x0000000100000010 {
		t.Fatalf("first message = %#v, want Begin at 1/10", begin)
	}

	rel, err := sub.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	relMsg, ok := rel.(*RelationMessage)
	if !ok {
		t.Fatalf("second message = %#v, want Relation", rel)
	}
	if relMsg.Namespace != "public" || relMsg.Name != "test_items" {
		t.Errorf("relation = %s.%s, want public.test_items", relMsg.Namespace, relMsg.Name)
	}
	if relMsg.ReplicaIdentity != 'd' {
		t.Errorf("replica identity = %q, want 'd'", relMsg.ReplicaIdentity)
	}
	if len(relMsg.Columns) != 3 {
		t.Fatalf("columns = %d, want 3", len(relMsg.Columns))
	}
	if !relMsg.Columns[0].IsKey() || relMsg.Columns[1].IsKey() {
		t.Error("key flags: want id key, name not key")
	}

	cached, ok := sub.Relation(16385)
	if !ok {
		t.Fatal("relation 16385 not cached after RelationMessage")
	}
	if cached.Columns[2].Name != "value" || cached.Columns[2].TypeID != TypeInt4 {
		t.Errorf("cached column 2 = %+v, want value int4", cached.Columns[2])
	}

	first, err := sub.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	ins, ok := first.(*InsertMessage)
	if !ok {
		t.Fatalf("third message = %#v, want Insert", first)
	}
	if ins.RelationID != 16385 {
		t.Errorf("relation ID = %d, want 16385", ins.RelationID)
	}
	if len(ins.Tuple) != 3 {
		t.Fatalf("tuple length = %d, want 3", len(ins.Tuple))
	}
	wantTuple := []Value{IntegerValue(1), TextValue("first"), IntegerValue(10)}
	for i, want := range wantTuple {
		if !ins.Tuple[i].Equal(want) {
			t.Errorf("tuple[%d] = %v, want %v", i, ins.Tuple[i], want)
		}
	}

	second, err := sub.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	ins2 := second.(*InsertMessage)
	if len(ins2.Tuple) != 3 {
		t.Fatalf("tuple length = %d, want 3", len(ins2.Tuple))
	}
	if ins2.Tuple[1].Kind != ValueNull {
		t.Errorf("tuple[1] = %v, want NULL", ins2.Tuple[1])
	}

	commit, err := sub.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if msg, ok := commit.(*CommitMessage); !ok || msg.CommitLSN != 0x0000000100000010 {
		t.Fatalf("last message = %#v, want Commit at 1/10", commit)
	}

	// LSN tracking follows the highest wal_end seen.
	if got := sub.LastReceivedLSN(); got != 150 {
		t.Errorf("LastReceivedLSN() = %d, want 150", got)
	}
}

func TestNextLSNMonotonic(t *testing.T) {
	sub, _ := newTestSubscriber(t,
		copyBothFrame(),
		walFrame(100, 200, commitBody(1)),
		// A replayed frame with a lower wal_end must not move the LSN back.
		walFrame(50, 80, commitBody(2)),
		keepaliveFrame(150, 0),
		walFrame(200, 300, commitBody(3)),
	)

	if _, err := sub.Next(); err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if got := sub.LastReceivedLSN(); got != 200 {
		t.Fatalf("LastReceivedLSN() = %d, want 200", got)
	}

	if _, err := sub.Next(); err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if got := sub.LastReceivedLSN(); got != 200 {
		t.Errorf("LastReceivedLSN() = %d after stale frame, want 200", got)
	}

	// The keepalive at 150 is absorbed while reading the next change.
	if _, err := sub.Next(); err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if got := sub.LastReceivedLSN(); got != 300 {
		t.Errorf("LastReceivedLSN() = %d, want 300", got)
	}
}

func TestNextKeepaliveReplyRequested(t *testing.T) {
	sub, stream := newTestSubscriber(t,
		copyBothFrame(),
		keepaliveFrame(500, 1),
		walFrame(500, 600, commitBody(9)),
	)

	if _, err := sub.Next(); err != nil {
		t.Fatalf("Next() error: %v", err)
	}

	raw := stream.written.Bytes()
	// Skip the START_REPLICATION query frame.
	queryLen := int(binary.BigEndian.Uint32(raw[1:5]))
	raw = raw[queryLen+1:]
	if len(raw) == 0 {
		t.Fatal("no standby status written after reply-requested keepalive")
	}
	if raw[0] != msgCopyData {
		t.Fatalf("status frame outer type = %q, want %q", raw[0], msgCopyData)
	}
	if raw[5] != msgStandbyStatus {
		t.Fatalf("status frame inner type = %q, want %q", raw[5], msgStandbyStatus)
	}

	status := raw[6:]
	written := lsn.LSN(binary.BigEndian.Uint64(status[0:8]))
	flushed := lsn.LSN(binary.BigEndian.Uint64(status[8:16]))
	applied := lsn.LSN(binary.BigEndian.Uint64(status[16:24]))
	if written != 500 || flushed != 500 || applied != 500 {
		t.Errorf("status LSNs = %d/%d/%d, want 500 for all three", written, flushed, applied)
	}
	if status[32] != 0 {
		t.Errorf("reply flag = %d, want 0", status[32])
	}
}

func TestNextUnknownRelationFallsBackToText(t *testing.T) {
	sub, _ := newTestSubscriber(t,
		copyBothFrame(),
		// No RelationMessage for 999: values decode as text.
		walFrame(0, 10, insertBody(999, []tupleCell{textCell("42"), textCell("anything")})),
	)

	msg, err := sub.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	ins := msg.(*InsertMessage)
	want := []Value{TextValue("42"), TextValue("anything")}
	for i, w := range want {
		if !ins.Tuple[i].Equal(w) {
			t.Errorf("tuple[%d] = %v, want %v", i, ins.Tuple[i], w)
		}
	}
}

func TestNextUpdateVariants(t *testing.T) {
	relFrame := walFrame(0, 10, relationBody(16385, "public", "test_items", 'f', testItemsColumns))

	tests := []struct {
		name      string
		oldMarker byte
		wantOld   bool
	}{
		{name: "full old row", oldMarker: tupleOld, wantOld: true},
		{name: "key columns only", oldMarker: tupleKey, wantOld: true},
		{name: "no old tuple", oldMarker: 0, wantOld: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldCells := []tupleCell{textCell("1"), textCell("before"), textCell("10")}
			newCells := []tupleCell{textCell("1"), textCell("after"), textCell("11")}
			sub, _ := newTestSubscriber(t,
				copyBothFrame(),
				relFrame,
				walFrame(10, 20, updateBody(16385, tt.oldMarker, oldCells, newCells)),
			)

			if _, err := sub.Next(); err != nil { // relation
				t.Fatalf("Next() error: %v", err)
			}
			msg, err := sub.Next()
			if err != nil {
				t.Fatalf("Next() error: %v", err)
			}
			upd, ok := msg.(*UpdateMessage)
			if !ok {
				t.Fatalf("message = %#v, want Update", msg)
			}

			if tt.wantOld {
				if upd.OldTuple == nil {
					t.Fatal("OldTuple = nil, want old row")
				}
				if !upd.OldTuple[1].Equal(TextValue("before")) {
					t.Errorf("old tuple[1] = %v, want before", upd.OldTuple[1])
				}
			} else if upd.OldTuple != nil {
				t.Errorf("OldTuple = %v, want nil", upd.OldTuple)
			}

			if len(upd.NewTuple) != 3 {
				t.Fatalf("new tuple length = %d, want 3", len(upd.NewTuple))
			}
			if !upd.NewTuple[1].Equal(TextValue("after")) {
				t.Errorf("new tuple[1] = %v, want after", upd.NewTuple[1])
			}
		})
	}
}

func TestNextDeleteVariants(t *testing.T) {
	relFrame := walFrame(0, 10, relationBody(16385, "public", "test_items", 'd', testItemsColumns))

	tests := []struct {
		name    string
		marker  byte
		wantOld bool
	}{
		{name: "old row", marker: tupleOld, wantOld: true},
		{name: "key columns", marker: tupleKey, wantOld: true},
		{name: "nothing on wire", marker: 'X', wantOld: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cells := []tupleCell{textCell("7"), nullCell(), nullCell()}
			sub, _ := newTestSubscriber(t,
				copyBothFrame(),
				relFrame,
				walFrame(10, 20, deleteBody(16385, tt.marker, cells)),
			)

			if _, err := sub.Next(); err != nil { // relation
				t.Fatalf("Next() error: %v", err)
			}
			msg, err := sub.Next()
			if err != nil {
				t.Fatalf("Next() error: %v", err)
			}
			del, ok := msg.(*DeleteMessage)
			if !ok {
				t.Fatalf("message = %#v, want Delete", msg)
			}

			if tt.wantOld {
				if len(del.OldTuple) != 3 {
					t.Fatalf("old tuple length = %d, want 3", len(del.OldTuple))
				}
				if !del.OldTuple[0].Equal(IntegerValue(7)) {
					t.Errorf("old tuple[0] = %v, want 7", del.OldTuple[0])
				}
			} else if del.OldTuple != nil {
				t.Errorf("OldTuple = %v, want nil", del.OldTuple)
			}
		})
	}
}

func TestNextBinaryAndUnchangedColumns(t *testing.T) {
	columns := []Column{
		{Name: "id", TypeID: TypeInt4, TypeModifier: -1, Flags: 1},
		{Name: "payload", TypeID: TypeBytea, TypeModifier: -1, Flags: 0},
		{Name: "blob", TypeID: TypeText, TypeModifier: -1, Flags: 0},
	}
	sub, _ := newTestSubscriber(t,
		copyBothFrame(),
		walFrame(0, 10, relationBody(16400, "public", "attachments", 'd', columns)),
		walFrame(10, 20, insertBody(16400, []tupleCell{
			binCell([]byte{0, 0, 0, 5}),
			binCell([]byte{0xca, 0xfe}),
			unchangedCell(),
		})),
	)

	if _, err := sub.Next(); err != nil { // relation
		t.Fatalf("Next() error: %v", err)
	}
	msg, err := sub.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	ins := msg.(*InsertMessage)
	if !ins.Tuple[0].Equal(IntegerValue(5)) {
		t.Errorf("tuple[0] = %v, want 5", ins.Tuple[0])
	}
	if !ins.Tuple[1].Equal(BinaryValue([]byte{0xca, 0xfe})) {
		t.Errorf("tuple[1] = %v, want ca fe", ins.Tuple[1])
	}
	// Unchanged TOAST values come through as NULL.
	if ins.Tuple[2].Kind != ValueNull {
		t.Errorf("tuple[2] = %v, want NULL", ins.Tuple[2])
	}
}

func TestNextRelationRecache(t *testing.T) {
	oldColumns := testItemsColumns
	newColumns := append([]Column{}, testItemsColumns...)
	newColumns = append(newColumns, Column{Name: "added", TypeID: TypeBool, TypeModifier: -1})

	sub, _ := newTestSubscriber(t,
		copyBothFrame(),
		walFrame(0, 10, relationBody(16385, "public", "test_items", 'd', oldColumns)),
		walFrame(10, 20, relationBody(16385, "public", "test_items", 'd', newColumns)),
		walFrame(20, 30, insertBody(16385, []tupleCell{
			textCell("1"), textCell("x"), textCell("2"), textCell("t"),
		})),
	)

	for i := 0; i < 2; i++ {
		if _, err := sub.Next(); err != nil {
			t.Fatalf("Next() error: %v", err)
		}
	}
	cached, _ := sub.Relation(16385)
	if len(cached.Columns) != 4 {
		t.Fatalf("cached columns = %d after re-announce, want 4", len(cached.Columns))
	}

	msg, err := sub.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	ins := msg.(*InsertMessage)
	if !ins.Tuple[3].Equal(BoolValue(true)) {
		t.Errorf("tuple[3] = %v, want true", ins.Tuple[3])
	}
}

func TestNextSkipsEmptyWALFrames(t *testing.T) {
	short := copyFrame(msgWALData, bytes.Repeat([]byte{0}, 24)) // headers only
	sub, _ := newTestSubscriber(t,
		copyBothFrame(),
		short,
		walFrame(0, 10, commitBody(1)),
	)

	msg, err := sub.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	if _, ok := msg.(*CommitMessage); !ok {
		t.Errorf("message = %#v, want Commit", msg)
	}
}

func TestNextUnknownPgoutputMessage(t *testing.T) {
	sub, _ := newTestSubscriber(t,
		copyBothFrame(),
		walFrame(0, 10, []byte{'T', 1, 2, 3}), // Truncate, not decoded
	)

	msg, err := sub.Next()
	if err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	unk, ok := msg.(*UnknownMessage)
	if !ok {
		t.Fatalf("message = %#v, want Unknown", msg)
	}
	if unk.Type != 'T' {
		t.Errorf("type = %q, want 'T'", unk.Type)
	}
}

func TestNextTruncatedTuple(t *testing.T) {
	body := []byte{walInsert}
	body = binary.BigEndian.AppendUint32(body, 16385)
	body = append(body, tupleNew)
	body = binary.BigEndian.AppendUint16(body, 3) // claims 3 columns, has none

	sub, _ := newTestSubscriber(t,
		copyBothFrame(),
		walFrame(0, 10, body),
	)

	_, err := sub.Next()
	var eofErr *UnexpectedEOFError
	if !errors.As(err, &eofErr) {
		t.Errorf("Next() error = %v, want UnexpectedEOFError", err)
	}
}

func TestNextStreamEnds(t *testing.T) {
	sub, _ := newTestSubscriber(t, copyBothFrame())

	_, err := sub.Next()
	var eofErr *UnexpectedEOFError
	if !errors.As(err, &eofErr) {
		t.Errorf("Next() error = %v, want UnexpectedEOFError", err)
	}
}
