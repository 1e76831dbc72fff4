package pgrepl

import "github.com/jfoltran/pglogstream/pkg/lsn"

// MessageKind identifies the type of a decoded WAL message.
type MessageKind int

const (
	KindBegin MessageKind = iota
	KindCommit
	KindRelation
	KindInsert
	KindUpdate
	KindDelete
	KindUnknown
)

// String returns a human-readable name for a MessageKind.
func (k MessageKind) String() string {
	switch k {
	case KindBegin:
		return "Begin"
	case KindCommit:
		return "Commit"
	case KindRelation:
		return "Relation"
	case KindInsert:
		return "Insert"
	case KindUpdate:
		return "Update"
	case KindDelete:
		return "Delete"
	default:
		return "Unknown"
	}
}

// Message is one decoded change from the logical replication stream. The
// concrete type is one of BeginMessage, CommitMessage, RelationMessage,
// InsertMessage, UpdateMessage, DeleteMessage, or UnknownMessage.
type Message interface {
	Kind() MessageKind
}

// Column describes a single column of a replicated relation. The low bit of
// Flags marks membership in the replica identity key.
type Column struct {
	Name         string
	TypeID       uint32
	TypeModifier int32
	Flags        uint8
}

// IsKey reports whether the column is part of the replica identity key.
func (c Column) IsKey() bool { return c.Flags&1 != 0 }

// RelationInfo is the cached description of a relation. Within a session the
// column ordering matches the tuple-field ordering the server emits for the
// relation's ID.
type RelationInfo struct {
	Namespace       string
	Name            string
	ReplicaIdentity byte
	Columns         []Column
}

// BeginMessage marks the start of a transaction.
type BeginMessage struct {
	FinalLSN lsn.LSN
}

func (*BeginMessage) Kind() MessageKind { return KindBegin }

// CommitMessage marks the end of a transaction.
type CommitMessage struct {
	CommitLSN lsn.LSN
}

func (*CommitMessage) Kind() MessageKind { return KindCommit }

// RelationMessage carries the schema of a relation. The server sends one
// before the first DML for that relation in the session, and again whenever
// the schema changes.
type RelationMessage struct {
	ID              uint32
	Namespace       string
	Name            string
	ReplicaIdentity byte
	Columns         []Column
}

func (*RelationMessage) Kind() MessageKind { return KindRelation }

// InsertMessage is a single inserted row. Tuple entries are positional,
// matching the relation's column order; SQL NULL appears as a Null value.
type InsertMessage struct {
	RelationID uint32
	Tuple      []Value
}

func (*InsertMessage) Kind() MessageKind { return KindInsert }

// UpdateMessage is a single updated row. OldTuple is nil unless the replica
// identity put the old row (or its key columns) on the wire.
type UpdateMessage struct {
	RelationID uint32
	OldTuple   []Value
	NewTuple   []Value
}

func (*UpdateMessage) Kind() MessageKind { return KindUpdate }

// DeleteMessage is a single deleted row. OldTuple is nil when the replica
// identity sends nothing for deletes.
type DeleteMessage struct {
	RelationID uint32
	OldTuple   []Value
}

func (*DeleteMessage) Kind() MessageKind { return KindDelete }

// UnknownMessage preserves the type byte of a pgoutput message this library
// does not decode.
type UnknownMessage struct {
	Type byte
}

func (*UnknownMessage) Kind() MessageKind { return KindUnknown }
