package main

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pglogstream/pkg/pgrepl"
)

// readDeadline bounds each blocking read so the subscriber can run its
// standby status housekeeping while the stream is idle. It must stay under
// the status interval.
const readDeadline = 5 * time.Second

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream and print decoded changes from the replication slot",
	Long: `Tail connects over the replication protocol, starts streaming from the
slot, and prints every decoded change. The slot and publication must already
exist (created by setup).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		ctx := cmd.Context()

		raw, err := net.Dial("tcp", cfg.Database.Addr())
		if err != nil {
			return fmt.Errorf("dial %s: %w", cfg.Database.Addr(), err)
		}
		defer raw.Close()

		// Closing the socket on cancellation unblocks any pending read.
		go func() {
			<-ctx.Done()
			raw.Close()
		}()

		stream := &deadlineConn{Conn: raw, timeout: readDeadline}
		conn, err := pgrepl.Open(stream, cfg.Database.User, cfg.Database.Password, cfg.Database.DBName, logger)
		if err != nil {
			return err
		}
		logger.Info().
			Int32("backend_pid", conn.BackendPID()).
			Str("database", cfg.Database.DBName).
			Msg("connected")

		sub, err := pgrepl.Subscribe(conn, cfg.Replication.SlotName, cfg.Replication.Publication, logger)
		if err != nil {
			return err
		}
		logger.Info().
			Str("slot", cfg.Replication.SlotName).
			Str("publication", cfg.Replication.Publication).
			Msg("streaming")

		for {
			msg, err := sub.Next()
			if err != nil {
				if ctx.Err() != nil {
					logger.Info().Stringer("lsn", sub.LastReceivedLSN()).Msg("stopped")
					return nil
				}
				return err
			}
			logChange(sub, msg)
		}
	},
}

// logChange prints one decoded message with its relation context.
func logChange(sub *pgrepl.Subscriber, msg pgrepl.Message) {
	evt := logger.Info().
		Stringer("kind", msg.Kind()).
		Stringer("lsn", sub.LastReceivedLSN())

	switch m := msg.(type) {
	case *pgrepl.BeginMessage:
		evt.Stringer("final_lsn", m.FinalLSN)
	case *pgrepl.CommitMessage:
		evt.Stringer("commit_lsn", m.CommitLSN)
	case *pgrepl.RelationMessage:
		evt.Str("relation", m.Namespace+"."+m.Name).Int("columns", len(m.Columns))
	case *pgrepl.InsertMessage:
		evt.Str("relation", relationName(sub, m.RelationID)).Str("new", renderTuple(sub, m.RelationID, m.Tuple))
	case *pgrepl.UpdateMessage:
		evt.Str("relation", relationName(sub, m.RelationID)).Str("new", renderTuple(sub, m.RelationID, m.NewTuple))
		if m.OldTuple != nil {
			evt.Str("old", renderTuple(sub, m.RelationID, m.OldTuple))
		}
	case *pgrepl.DeleteMessage:
		evt.Str("relation", relationName(sub, m.RelationID))
		if m.OldTuple != nil {
			evt.Str("old", renderTuple(sub, m.RelationID, m.OldTuple))
		}
	case *pgrepl.UnknownMessage:
		evt.Str("type", string(m.Type))
	}
	evt.Msg("change")
}

func relationName(sub *pgrepl.Subscriber, id uint32) string {
	if rel, ok := sub.Relation(id); ok {
		return rel.Namespace + "." + rel.Name
	}
	return fmt.Sprintf("oid:%d", id)
}

// renderTuple formats a tuple as col=value pairs, falling back to positional
// names when the relation schema is unknown.
func renderTuple(sub *pgrepl.Subscriber, id uint32, tuple []pgrepl.Value) string {
	rel, _ := sub.Relation(id)

	parts := make([]string, len(tuple))
	for i, v := range tuple {
		name := fmt.Sprintf("$%d", i+1)
		if rel != nil && i < len(rel.Columns) {
			name = rel.Columns[i].Name
		}
		parts[i] = name + "=" + v.String()
	}
	return strings.Join(parts, " ")
}

// deadlineConn applies a rolling read deadline to a net.Conn.
type deadlineConn struct {
	net.Conn
	timeout time.Duration
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

func init() {
	rootCmd.AddCommand(tailCmd)
}
