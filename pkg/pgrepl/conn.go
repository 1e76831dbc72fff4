// Package pgrepl is a client for PostgreSQL logical replication. It speaks
// the v3 frontend/backend protocol directly on a caller-supplied byte
// stream: Open performs the startup and authentication handshake, Subscribe
// issues START_REPLICATION on a slot, and Subscriber.Next yields decoded
// pgoutput change messages with typed column values.
package pgrepl

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// protocolVersion is v3.0 of the frontend/backend protocol: 3<<16 | 0.
const protocolVersion = 196608

// Authentication request type codes.
const (
	authOK        = 0
	authCleartext = 3
	authMD5       = 5
)

// Connection is a PostgreSQL connection established for logical replication.
// It owns the underlying transport exclusively and is not safe for
// concurrent use.
type Connection struct {
	framer
	logger zerolog.Logger

	backendPID    int32
	backendSecret int32
}

// Open performs the startup handshake on stream and returns a connection
// ready for replication commands. The startup packet always carries
// replication=database, which is what selects a logical replication session
// on the server. Cleartext and MD5 password authentication are supported;
// anything else fails with an AuthenticationError.
//
// The stream is typically a net.Conn; a read deadline on it is what allows
// the subscriber's periodic housekeeping to run under low traffic.
func Open(stream io.ReadWriter, user, password, database string, logger zerolog.Logger) (*Connection, error) {
	c := &Connection{
		framer: framer{rw: stream},
		logger: logger.With().Str("component", "pgrepl-conn").Logger(),
	}

	if err := c.sendStartup(user, database); err != nil {
		return nil, err
	}
	if err := c.authenticate(user, password); err != nil {
		return nil, err
	}
	if err := c.drainStartup(); err != nil {
		return nil, err
	}
	return c, nil
}

// BackendPID returns the server process ID reported in BackendKeyData, or
// zero if the server never sent one.
func (c *Connection) BackendPID() int32 { return c.backendPID }

// BackendSecret returns the cancellation key reported in BackendKeyData, or
// zero if the server never sent one.
func (c *Connection) BackendSecret() int32 { return c.backendSecret }

// sendStartup writes the untyped startup packet: protocol version followed
// by NUL-terminated parameter pairs and a trailing NUL. The length prefix
// includes itself.
func (c *Connection) sendStartup(user, database string) error {
	var packet []byte
	packet = binary.BigEndian.AppendUint32(packet, protocolVersion)
	for _, kv := range [][2]string{
		{"user", user},
		{"database", database},
		{"replication", "database"},
	} {
		packet = append(packet, kv[0]...)
		packet = append(packet, 0)
		packet = append(packet, kv[1]...)
		packet = append(packet, 0)
	}
	packet = append(packet, 0)

	buf := make([]byte, 0, len(packet)+4)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(packet)+4))
	buf = append(buf, packet...)

	if _, err := c.rw.Write(buf); err != nil {
		return fmt.Errorf("send startup packet: %w", err)
	}
	return nil
}

// authenticate drives the password exchange until the server reports
// AuthenticationOk.
func (c *Connection) authenticate(user, password string) error {
	for {
		msgType, payload, err := c.readMessage(false)
		if err != nil {
			return err
		}

		switch msgType {
		case msgAuthentication:
			if len(payload) < 4 {
				return ErrInvalidAuthRequest
			}
			authType := int32(binary.BigEndian.Uint32(payload[:4]))
			switch authType {
			case authOK:
				return nil
			case authCleartext:
				if err := c.sendPassword(password); err != nil {
					return err
				}
			case authMD5:
				if len(payload) < 8 {
					return ErrInvalidMD5AuthRequest
				}
				if err := c.sendPassword(md5Password(user, password, payload[4:8])); err != nil {
					return err
				}
			default:
				return &AuthenticationError{
					Reason: fmt.Sprintf("unsupported authentication method: %d", authType),
				}
			}
		case msgErrorResponse:
			return &AuthenticationError{Reason: parseErrorResponse(payload)}
		default:
			return &ProtocolViolationError{
				Reason: fmt.Sprintf("unexpected message type %q during authentication", msgType),
			}
		}
	}
}

// drainStartup absorbs the post-authentication burst (ParameterStatus,
// BackendKeyData, notices) until the server signals ReadyForQuery.
func (c *Connection) drainStartup() error {
	for {
		msgType, payload, err := c.readMessage(false)
		if err != nil {
			return err
		}

		switch msgType {
		case msgReadyForQuery:
			return nil
		case msgParameterStatus:
			// Run-time parameter reports; nothing to retain.
		case msgBackendKeyData:
			if len(payload) < 8 {
				return ErrBackendKeyDataInvalid
			}
			c.backendPID = int32(binary.BigEndian.Uint32(payload[0:4]))
			c.backendSecret = int32(binary.BigEndian.Uint32(payload[4:8]))
		case msgNoticeResponse:
			c.logger.Info().Str("notice", parseErrorResponse(payload)).Msg("server notice")
		case msgErrorResponse:
			return &StartupError{Reason: parseErrorResponse(payload)}
		default:
			c.logger.Warn().
				Str("type", string(msgType)).
				Msg("unhandled message during startup")
		}
	}
}

func (c *Connection) sendPassword(password string) error {
	payload := make([]byte, 0, len(password)+1)
	payload = append(payload, password...)
	payload = append(payload, 0)
	return c.writeMessage(msgPassword, payload, false)
}

// md5Password computes the PostgreSQL MD5 password response:
// "md5" + hex(md5(hex(md5(password+user)) + salt)), all hex lowercase.
func md5Password(user, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	outer := md5.New()
	outer.Write([]byte(hex.EncodeToString(inner[:])))
	outer.Write(salt)
	return "md5" + hex.EncodeToString(outer.Sum(nil))
}

// parseErrorResponse renders an ErrorResponse or NoticeResponse payload.
// The payload is a sequence of (field code, NUL-terminated string) pairs
// ending with a zero field code. The message field is kept and prefixed
// with the severity when one is present.
func parseErrorResponse(data []byte) string {
	var severity, message string
	for i := 0; i < len(data); {
		code := data[i]
		i++
		if code == 0 {
			break
		}
		end := i
		for end < len(data) && data[end] != 0 {
			end++
		}
		value := string(data[i:end])
		if end < len(data) {
			end++ // NUL
		}
		i = end

		switch code {
		case 'M':
			message = value
		case 'S':
			severity = value
		}
	}
	if severity != "" {
		return severity + ": " + message
	}
	return message
}
