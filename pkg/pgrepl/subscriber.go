package pgrepl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"slices"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/jfoltran/pglogstream/pkg/lsn"
)

// standbyStatusInterval is how often the subscriber reports its receive
// position to the server. Falling silent for wal_sender_timeout gets the
// walsender killed, so this must stay well under that (60s by default).
const standbyStatusInterval = 10 * time.Second

// pgoutput message type bytes (protocol version 1).
const (
	walBegin    = byte('B')
	walCommit   = byte('C')
	walRelation = byte('R')
	walInsert   = byte('I')
	walUpdate   = byte('U')
	walDelete   = byte('D')
)

// Tuple part markers inside Insert/Update/Delete messages.
const (
	tupleNew = byte('N')
	tupleOld = byte('O')
	tupleKey = byte('K')
)

// Subscriber consumes a logical replication stream from an open connection.
// It caches relation schemas as the server announces them, tracks the last
// received LSN, and keeps the walsender alive with periodic standby status
// updates. Not safe for concurrent use.
type Subscriber struct {
	conn   *Connection
	logger zerolog.Logger

	slotName    string
	publication string

	relations        map[uint32]*RelationInfo
	lastReceivedLSN  lsn.LSN
	lastStatusUpdate time.Time
}

// Subscribe issues START_REPLICATION on the slot and waits for the server to
// switch the connection into COPY BOTH mode. The publication selects which
// tables' changes the slot's pgoutput plugin emits.
func Subscribe(conn *Connection, slotName, publication string, logger zerolog.Logger) (*Subscriber, error) {
	s := &Subscriber{
		conn: conn,
		logger: logger.With().
			Str("component", "pgrepl-subscriber").
			Str("slot", slotName).
			Logger(),
		slotName:    slotName,
		publication: publication,
		relations:   make(map[uint32]*RelationInfo),
	}
	if err := s.startReplication(); err != nil {
		return nil, err
	}
	s.lastStatusUpdate = time.Now()
	return s, nil
}

// startReplication sends the START_REPLICATION command as a simple query and
// consumes responses until CopyBothResponse confirms the stream is live.
func (s *Subscriber) startReplication() error {
	command := fmt.Sprintf(
		"START_REPLICATION SLOT %s LOGICAL 0/0 (proto_version '1', publication_names '%s')",
		s.slotName, s.publication,
	)
	payload := make([]byte, 0, len(command)+1)
	payload = append(payload, command...)
	payload = append(payload, 0)
	if err := s.conn.writeMessage(msgQuery, payload, false); err != nil {
		return err
	}

	for {
		msgType, body, err := s.conn.readMessage(false)
		if err != nil {
			var eof *UnexpectedEOFError
			if errors.As(err, &eof) {
				return ErrCopyModeNotStarted
			}
			return err
		}

		switch msgType {
		case msgCopyBothResponse:
			s.logger.Debug().Str("publication", s.publication).Msg("entered copy mode")
			return nil
		case msgErrorResponse:
			return &CommandFailedError{Reason: parseErrorResponse(body)}
		default:
			s.logger.Warn().
				Str("type", string(msgType)).
				Msg("unhandled message while starting replication")
		}
	}
}

// Next blocks until the next decoded change message. Keepalives and standby
// status housekeeping are handled internally; read deadline expiries on the
// underlying stream are treated as idle periods, so a deadline shorter than
// the status interval keeps the server fed even when no changes arrive.
func (s *Subscriber) Next() (Message, error) {
	for {
		if time.Since(s.lastStatusUpdate) >= standbyStatusInterval {
			if err := s.sendStandbyStatus(); err != nil {
				return nil, err
			}
		}

		msgType, payload, err := s.conn.readMessage(true)
		if err != nil {
			if isTransientReadError(err) {
				continue
			}
			return nil, err
		}

		switch msgType {
		case msgKeepalive:
			// be64 wal_end, be64 server_time, byte reply_requested.
			if len(payload) < 17 {
				s.logger.Warn().Int("len", len(payload)).Msg("short keepalive")
				continue
			}
			walEnd := lsn.LSN(binary.BigEndian.Uint64(payload[0:8]))
			if walEnd > s.lastReceivedLSN {
				s.lastReceivedLSN = walEnd
			}
			if payload[16] != 0 {
				if err := s.sendStandbyStatus(); err != nil {
					return nil, err
				}
			}
		case msgWALData:
			// be64 wal_start, be64 wal_end, be64 server_time, then pgoutput.
			if len(payload) <= 24 {
				s.logger.Warn().Int("len", len(payload)).Msg("WAL data without payload")
				continue
			}
			walEnd := lsn.LSN(binary.BigEndian.Uint64(payload[8:16]))
			if walEnd > s.lastReceivedLSN {
				s.lastReceivedLSN = walEnd
			}

			msg, err := s.parseWALData(payload[24:])
			if err != nil {
				return nil, err
			}
			if rel, ok := msg.(*RelationMessage); ok {
				s.relations[rel.ID] = &RelationInfo{
					Namespace:       rel.Namespace,
					Name:            rel.Name,
					ReplicaIdentity: rel.ReplicaIdentity,
					Columns:         slices.Clone(rel.Columns),
				}
			}
			return msg, nil
		case msgErrorResponse:
			s.logger.Error().Str("error", parseErrorResponse(payload)).Msg("server error on stream")
		default:
			s.logger.Warn().
				Str("type", string(msgType)).
				Msg("unhandled message on replication stream")
		}
	}
}

// Relation returns the cached schema for a relation ID.
func (s *Subscriber) Relation(id uint32) (*RelationInfo, bool) {
	rel, ok := s.relations[id]
	return rel, ok
}

// LastReceivedLSN returns the highest WAL position seen so far.
func (s *Subscriber) LastReceivedLSN() lsn.LSN { return s.lastReceivedLSN }

// sendStandbyStatus reports the last received LSN as written, flushed, and
// applied. The timestamp is microseconds since 2000-01-01 UTC; the trailing
// zero byte declines an immediate reply.
func (s *Subscriber) sendStandbyStatus() error {
	pos := uint64(s.lastReceivedLSN)
	now := time.Now().UTC().Sub(pgEpoch).Microseconds()

	payload := make([]byte, 0, 33)
	payload = binary.BigEndian.AppendUint64(payload, pos)
	payload = binary.BigEndian.AppendUint64(payload, pos)
	payload = binary.BigEndian.AppendUint64(payload, pos)
	payload = binary.BigEndian.AppendUint64(payload, uint64(now))
	payload = append(payload, 0)

	if err := s.conn.writeMessage(msgStandbyStatus, payload, true); err != nil {
		return err
	}
	s.lastStatusUpdate = time.Now()
	s.logger.Debug().Stringer("lsn", s.lastReceivedLSN).Msg("standby status sent")
	return nil
}

// parseWALData decodes one pgoutput message.
func (s *Subscriber) parseWALData(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, ErrEmptyWALData
	}
	r := &walReader{data: data[1:]}

	switch data[0] {
	case walBegin:
		final, err := r.readUint64("final LSN")
		if err != nil {
			return nil, err
		}
		// commit_time and xid follow; nothing downstream needs them.
		return &BeginMessage{FinalLSN: lsn.LSN(final)}, nil
	case walCommit:
		commit, err := r.readUint64("commit LSN")
		if err != nil {
			return nil, err
		}
		return &CommitMessage{CommitLSN: lsn.LSN(commit)}, nil
	case walRelation:
		return s.parseRelation(r)
	case walInsert:
		return s.parseInsert(r)
	case walUpdate:
		return s.parseUpdate(r)
	case walDelete:
		return s.parseDelete(r)
	default:
		s.logger.Warn().
			Str("type", string(data[0])).
			Msg("unhandled pgoutput message")
		return &UnknownMessage{Type: data[0]}, nil
	}
}

func (s *Subscriber) parseRelation(r *walReader) (Message, error) {
	id, err := r.readUint32("relation ID")
	if err != nil {
		return nil, err
	}
	namespace, err := r.readString("namespace")
	if err != nil {
		return nil, err
	}
	name, err := r.readString("relation name")
	if err != nil {
		return nil, err
	}
	identity, err := r.readByte("replica identity")
	if err != nil {
		return nil, err
	}
	ncols, err := r.readUint16("column count")
	if err != nil {
		return nil, err
	}

	columns := make([]Column, 0, ncols)
	for i := 0; i < int(ncols); i++ {
		flags, err := r.readByte("column flags")
		if err != nil {
			return nil, err
		}
		colName, err := r.readString("column name")
		if err != nil {
			return nil, err
		}
		typeID, err := r.readUint32("column type")
		if err != nil {
			return nil, err
		}
		typeMod, err := r.readInt32("column type modifier")
		if err != nil {
			return nil, err
		}
		columns = append(columns, Column{
			Name:         colName,
			TypeID:       typeID,
			TypeModifier: typeMod,
			Flags:        flags,
		})
	}

	return &RelationMessage{
		ID:              id,
		Namespace:       namespace,
		Name:            name,
		ReplicaIdentity: identity,
		Columns:         columns,
	}, nil
}

func (s *Subscriber) parseInsert(r *walReader) (Message, error) {
	relID, err := r.readUint32("relation ID")
	if err != nil {
		return nil, err
	}
	tuple, err := s.readTuple(r, relID)
	if err != nil {
		return nil, err
	}
	return &InsertMessage{RelationID: relID, Tuple: tuple}, nil
}

func (s *Subscriber) parseUpdate(r *walReader) (Message, error) {
	relID, err := r.readUint32("relation ID")
	if err != nil {
		return nil, err
	}

	// An 'O' or 'K' marker means the old tuple (full row or key columns) is
	// on the wire before the new one; both decode the same way. Any other
	// marker byte ('N') belongs to the new tuple and has been consumed here,
	// which readTuple tolerates.
	var oldTuple []Value
	marker, err := r.readByte("tuple marker")
	if err != nil {
		return nil, err
	}
	if marker == tupleOld || marker == tupleKey {
		oldTuple, err = s.readTuple(r, relID)
		if err != nil {
			return nil, err
		}
	}

	newTuple, err := s.readTuple(r, relID)
	if err != nil {
		return nil, err
	}
	return &UpdateMessage{RelationID: relID, OldTuple: oldTuple, NewTuple: newTuple}, nil
}

func (s *Subscriber) parseDelete(r *walReader) (Message, error) {
	relID, err := r.readUint32("relation ID")
	if err != nil {
		return nil, err
	}

	var oldTuple []Value
	marker, err := r.readByte("tuple marker")
	if err != nil {
		return nil, err
	}
	if marker == tupleOld || marker == tupleKey {
		oldTuple, err = s.readTuple(r, relID)
		if err != nil {
			return nil, err
		}
	}
	return &DeleteMessage{RelationID: relID, OldTuple: oldTuple}, nil
}

// readTuple decodes a tuple body: a big-endian column count followed by one
// (format, value) pair per column. Columns decode against the cached schema
// for relID; positions past the cached column list, or tuples for relations
// never announced, fall back to TEXT.
func (s *Subscriber) readTuple(r *walReader, relID uint32) ([]Value, error) {
	// A leading 'N' marks the new tuple; it is optional here because update
	// handling may already have consumed it.
	r.consumeIf(tupleNew)

	rel := s.relations[relID]

	count, err := r.readUint16("tuple column count")
	if err != nil {
		return nil, err
	}

	values := make([]Value, 0, count)
	for i := 0; i < int(count); i++ {
		oid := TypeText
		if rel != nil && i < len(rel.Columns) {
			oid = rel.Columns[i].TypeID
		}

		format, err := r.readByte("column format")
		if err != nil {
			return nil, err
		}
		switch format {
		case 't':
			raw, err := r.readLengthPrefixed("column value")
			if err != nil {
				return nil, err
			}
			if raw == nil {
				values = append(values, NullValue())
				continue
			}
			if !utf8.Valid(raw) {
				return nil, &ParseValueError{
					Reason: fmt.Sprintf("column %d text value is not valid UTF-8", i),
				}
			}
			v, err := ParseText(string(raw), oid)
			if err != nil {
				return nil, err
			}
			values = append(values, v)
		case 'b':
			raw, err := r.readLengthPrefixed("column value")
			if err != nil {
				return nil, err
			}
			if raw == nil {
				values = append(values, NullValue())
				continue
			}
			values = append(values, ParseBinary(raw, oid))
		default:
			// 'n' is SQL NULL, 'u' an unchanged TOAST value; anything else
			// is degraded to NULL rather than failing the stream.
			values = append(values, NullValue())
		}
	}
	return values, nil
}

// isTransientReadError reports whether a read failure is a deadline expiry
// rather than a broken stream.
func isTransientReadError(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// walReader is a cursor over a pgoutput message body. Short reads surface as
// UnexpectedEOFError naming the structure being read.
type walReader struct {
	data []byte
	pos  int
}

// consumeIf advances past the next byte when it equals b.
func (r *walReader) consumeIf(b byte) bool {
	if r.pos < len(r.data) && r.data[r.pos] == b {
		r.pos++
		return true
	}
	return false
}

func (r *walReader) readByte(context string) (byte, error) {
	if r.pos >= len(r.data) {
		return 0, &UnexpectedEOFError{Context: context}
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *walReader) readUint16(context string) (uint16, error) {
	if r.pos+2 > len(r.data) {
		return 0, &UnexpectedEOFError{Context: context}
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *walReader) readUint32(context string) (uint32, error) {
	if r.pos+4 > len(r.data) {
		return 0, &UnexpectedEOFError{Context: context}
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *walReader) readInt32(context string) (int32, error) {
	v, err := r.readUint32(context)
	return int32(v), err
}

func (r *walReader) readUint64(context string) (uint64, error) {
	if r.pos+8 > len(r.data) {
		return 0, &UnexpectedEOFError{Context: context}
	}
	v := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

// readString reads a NUL-terminated string.
func (r *walReader) readString(context string) (string, error) {
	for i := r.pos; i < len(r.data); i++ {
		if r.data[i] == 0 {
			s := string(r.data[r.pos:i])
			r.pos = i + 1
			return s, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnterminatedString, context)
}

// readLengthPrefixed reads a be32 length followed by that many bytes. A
// negative length means SQL NULL and returns nil.
func (r *walReader) readLengthPrefixed(context string) ([]byte, error) {
	n, err := r.readInt32(context)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	if r.pos+int(n) > len(r.data) {
		return nil, &UnexpectedEOFError{Context: context}
	}
	raw := r.data[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return raw, nil
}
