package pgrepl

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// PostgreSQL type OIDs this library decodes.
const (
	TypeBool        uint32 = 16
	TypeBytea       uint32 = 17
	TypeChar        uint32 = 18
	TypeName        uint32 = 19
	TypeInt8        uint32 = 20
	TypeInt2        uint32 = 21
	TypeInt4        uint32 = 23
	TypeText        uint32 = 25
	TypeOID         uint32 = 26
	TypeJSON        uint32 = 114
	TypeFloat4      uint32 = 700
	TypeFloat8      uint32 = 701
	TypeBpchar      uint32 = 1042
	TypeVarchar     uint32 = 1043
	TypeDate        uint32 = 1082
	TypeTime        uint32 = 1083
	TypeTimestamp   uint32 = 1114
	TypeTimestampTz uint32 = 1184
	TypeNumeric     uint32 = 1700
	TypeUUID        uint32 = 2950
	TypeJSONB       uint32 = 3802
)

// pgEpoch is 2000-01-01 00:00:00 UTC, the reference point for binary date
// and timestamp values on the wire.
var pgEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// ValueKind tags the variant held by a Value.
type ValueKind int

const (
	ValueNull ValueKind = iota
	ValueText
	ValueInteger
	ValueBigInt
	ValueFloat
	ValueDouble
	ValueBoolean
	ValueDate
	ValueTime
	ValueTimestamp
	ValueTimestampTz
	ValueUUID
	ValueJSON
	ValueJSONB
	ValueBinary
	ValueUnknown
)

// String returns a human-readable name for a ValueKind.
func (k ValueKind) String() string {
	switch k {
	case ValueNull:
		return "Null"
	case ValueText:
		return "Text"
	case ValueInteger:
		return "Integer"
	case ValueBigInt:
		return "BigInt"
	case ValueFloat:
		return "Float"
	case ValueDouble:
		return "Double"
	case ValueBoolean:
		return "Boolean"
	case ValueDate:
		return "Date"
	case ValueTime:
		return "Time"
	case ValueTimestamp:
		return "Timestamp"
	case ValueTimestampTz:
		return "TimestampTz"
	case ValueUUID:
		return "Uuid"
	case ValueJSON:
		return "Json"
	case ValueJSONB:
		return "Jsonb"
	case ValueBinary:
		return "Binary"
	case ValueUnknown:
		return "Unknown"
	default:
		return "Invalid"
	}
}

// Value is a decoded column value tagged with its PostgreSQL type family.
// Only the field matching Kind is meaningful.
type Value struct {
	Kind  ValueKind
	Str   string    // Text, UUID, JSON, JSONB
	Int   int64     // Integer (int32 range), BigInt
	F32   float32   // Float
	F64   float64   // Double
	Bool  bool      // Boolean
	Time  time.Time // Date, Time, Timestamp, TimestampTz
	Bytes []byte    // Binary, Unknown
	OID   uint32    // Unknown
}

func NullValue() Value                   { return Value{Kind: ValueNull} }
func TextValue(s string) Value           { return Value{Kind: ValueText, Str: s} }
func IntegerValue(i int32) Value         { return Value{Kind: ValueInteger, Int: int64(i)} }
func BigIntValue(i int64) Value          { return Value{Kind: ValueBigInt, Int: i} }
func FloatValue(f float32) Value         { return Value{Kind: ValueFloat, F32: f} }
func DoubleValue(f float64) Value        { return Value{Kind: ValueDouble, F64: f} }
func BoolValue(b bool) Value             { return Value{Kind: ValueBoolean, Bool: b} }
func DateValue(t time.Time) Value        { return Value{Kind: ValueDate, Time: t} }
func TimeValue(t time.Time) Value        { return Value{Kind: ValueTime, Time: t} }
func TimestampValue(t time.Time) Value   { return Value{Kind: ValueTimestamp, Time: t} }
func TimestampTzValue(t time.Time) Value { return Value{Kind: ValueTimestampTz, Time: t} }
func UUIDValue(s string) Value           { return Value{Kind: ValueUUID, Str: s} }
func JSONValue(s string) Value           { return Value{Kind: ValueJSON, Str: s} }
func JSONBValue(s string) Value          { return Value{Kind: ValueJSONB, Str: s} }
func BinaryValue(b []byte) Value         { return Value{Kind: ValueBinary, Bytes: b} }
func UnknownValue(b []byte, oid uint32) Value {
	return Value{Kind: ValueUnknown, Bytes: b, OID: oid}
}

// Epsilons for float equality, matching the machine epsilon of each width.
const (
	float32Epsilon = 1.1920929e-07
	float64Epsilon = 2.220446049250313e-16
)

// Equal compares two values. Float and Double compare within machine
// epsilon; all other kinds compare exactly.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case ValueNull:
		return true
	case ValueText, ValueUUID, ValueJSON, ValueJSONB:
		return v.Str == o.Str
	case ValueInteger, ValueBigInt:
		return v.Int == o.Int
	case ValueFloat:
		return math.Abs(float64(v.F32)-float64(o.F32)) < float32Epsilon
	case ValueDouble:
		return math.Abs(v.F64-o.F64) < float64Epsilon
	case ValueBoolean:
		return v.Bool == o.Bool
	case ValueDate, ValueTime, ValueTimestamp, ValueTimestampTz:
		return v.Time.Equal(o.Time)
	case ValueBinary:
		return bytes.Equal(v.Bytes, o.Bytes)
	case ValueUnknown:
		return v.OID == o.OID && bytes.Equal(v.Bytes, o.Bytes)
	}
	return false
}

// String renders the value in its PostgreSQL text wire form where one
// exists (booleans as t/f, timestamps in server output format), so that
// re-decoding the rendering with the same OID yields an equal value.
func (v Value) String() string {
	switch v.Kind {
	case ValueNull:
		return "NULL"
	case ValueText, ValueUUID, ValueJSON, ValueJSONB:
		return v.Str
	case ValueInteger, ValueBigInt:
		return strconv.FormatInt(v.Int, 10)
	case ValueFloat:
		return strconv.FormatFloat(float64(v.F32), 'g', -1, 32)
	case ValueDouble:
		return strconv.FormatFloat(v.F64, 'g', -1, 64)
	case ValueBoolean:
		if v.Bool {
			return "t"
		}
		return "f"
	case ValueDate:
		return v.Time.Format("2006-01-02")
	case ValueTime:
		return v.Time.Format("15:04:05.999999")
	case ValueTimestamp:
		return v.Time.Format("2006-01-02 15:04:05.999999")
	case ValueTimestampTz:
		return v.Time.Format("2006-01-02 15:04:05.999999-07:00")
	case ValueBinary:
		return fmt.Sprintf("<binary data: %d bytes>", len(v.Bytes))
	case ValueUnknown:
		return fmt.Sprintf("<unknown type: %d>", v.OID)
	default:
		return "<invalid>"
	}
}

// ParseText decodes a column's textual wire form for the given type OID.
func ParseText(text string, oid uint32) (Value, error) {
	switch oid {
	case TypeBool:
		switch text {
		case "t":
			return BoolValue(true), nil
		case "f":
			return BoolValue(false), nil
		}
		return Value{}, &ParseValueError{Reason: fmt.Sprintf("invalid boolean value %q", text)}
	case TypeInt2, TypeInt4:
		n, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return Value{}, &ParseValueError{Reason: fmt.Sprintf("invalid integer %q", text), Cause: err}
		}
		return IntegerValue(int32(n)), nil
	case TypeInt8:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Value{}, &ParseValueError{Reason: fmt.Sprintf("invalid bigint %q", text), Cause: err}
		}
		return BigIntValue(n), nil
	case TypeOID:
		// OIDs are unsigned on the wire; reinterpret the bits as int32.
		n, err := strconv.ParseUint(text, 10, 32)
		if err != nil {
			return Value{}, &ParseValueError{Reason: fmt.Sprintf("invalid oid %q", text), Cause: err}
		}
		return IntegerValue(int32(uint32(n))), nil
	case TypeFloat4:
		f, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return Value{}, &ParseValueError{Reason: fmt.Sprintf("invalid float %q", text), Cause: err}
		}
		return FloatValue(float32(f)), nil
	case TypeFloat8, TypeNumeric:
		// NUMERIC goes through float64 and may lose precision.
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, &ParseValueError{Reason: fmt.Sprintf("invalid double %q", text), Cause: err}
		}
		return DoubleValue(f), nil
	case TypeText, TypeVarchar, TypeChar, TypeName, TypeBpchar:
		// No trimming: char(n) arrives blank-padded and stays that way.
		return TextValue(text), nil
	case TypeUUID:
		return UUIDValue(text), nil
	case TypeJSON:
		return JSONValue(text), nil
	case TypeJSONB:
		return JSONBValue(text), nil
	case TypeBytea:
		rest, ok := strings.CutPrefix(text, `\x`)
		if !ok {
			return Value{}, &ParseValueError{Reason: fmt.Sprintf("invalid bytea format %q", text)}
		}
		raw, err := hex.DecodeString(rest)
		if err != nil {
			return Value{}, &ParseValueError{Reason: fmt.Sprintf("invalid bytea hex %q", text), Cause: err}
		}
		return BinaryValue(raw), nil
	case TypeDate:
		t, err := time.Parse("2006-01-02", text)
		if err != nil {
			return Value{}, &ParseValueError{Reason: fmt.Sprintf("invalid date %q", text), Cause: err}
		}
		return DateValue(t), nil
	case TypeTime:
		t, err := time.Parse("15:04:05", text)
		if err != nil {
			return Value{}, &ParseValueError{Reason: fmt.Sprintf("invalid time %q", text), Cause: err}
		}
		return TimeValue(t), nil
	case TypeTimestamp:
		t, err := time.Parse("2006-01-02 15:04:05", text)
		if err != nil {
			return Value{}, &ParseValueError{Reason: fmt.Sprintf("invalid timestamp %q", text), Cause: err}
		}
		return TimestampValue(t), nil
	case TypeTimestampTz:
		t, err := parseTimestampTz(text)
		if err != nil {
			return Value{}, err
		}
		return TimestampTzValue(t), nil
	default:
		return Value{}, &ParseValueError{Reason: fmt.Sprintf("unknown type_id: %d", oid)}
	}
}

// parseTimestampTz normalizes the timezone suffix before parsing. The
// server's output format depends on its timezone setting and arrives as
// ±HH, ±HH:MM, or ±HHMM; the parse layout wants ±HHMM.
func parseTimestampTz(text string) (time.Time, error) {
	const layout = "2006-01-02 15:04:05-0700"

	normalized := text
	if len(text) >= 3 {
		if tzStart := strings.LastIndexAny(text, "+-"); tzStart >= 0 {
			main, tz := text[:tzStart], text[tzStart:]
			switch {
			case len(tz) == 6 && tz[3] == ':':
				normalized = main + tz[:3] + tz[4:]
			case len(tz) == 3:
				normalized = main + tz + "00"
			}
		}
	}

	t, err := time.Parse(layout, normalized)
	if err != nil {
		return time.Time{}, &ParseValueError{Reason: fmt.Sprintf("invalid timestamptz %q", text), Cause: err}
	}
	return t, nil
}

// ParseBinary decodes a column's binary wire form for the given type OID.
// Values that cannot be decoded degrade rather than fail: fixed-width types
// with a mismatched length and undecodable types come back as Unknown, and
// text-family payloads that are not valid UTF-8 come back as Binary.
func ParseBinary(data []byte, oid uint32) Value {
	switch {
	case oid == TypeBool && len(data) == 1:
		return BoolValue(data[0] != 0)
	case oid == TypeInt2 && len(data) == 2:
		return IntegerValue(int32(int16(binary.BigEndian.Uint16(data))))
	case oid == TypeInt4 && len(data) == 4:
		return IntegerValue(int32(binary.BigEndian.Uint32(data)))
	case oid == TypeInt8 && len(data) == 8:
		return BigIntValue(int64(binary.BigEndian.Uint64(data)))
	case oid == TypeOID && len(data) == 4:
		return IntegerValue(int32(binary.BigEndian.Uint32(data)))
	case oid == TypeFloat4 && len(data) == 4:
		return FloatValue(math.Float32frombits(binary.BigEndian.Uint32(data)))
	case oid == TypeFloat8 && len(data) == 8:
		return DoubleValue(math.Float64frombits(binary.BigEndian.Uint64(data)))
	case oid == TypeBytea:
		return BinaryValue(bytes.Clone(data))
	case oid == TypeText || oid == TypeVarchar || oid == TypeChar || oid == TypeName || oid == TypeBpchar:
		if utf8.Valid(data) {
			return TextValue(string(data))
		}
		return BinaryValue(bytes.Clone(data))
	case oid == TypeUUID && len(data) == 16:
		u, err := uuid.FromBytes(data)
		if err != nil {
			return UnknownValue(bytes.Clone(data), oid)
		}
		return UUIDValue(u.String())
	case oid == TypeJSON || oid == TypeJSONB:
		if utf8.Valid(data) {
			if oid == TypeJSON {
				return JSONValue(string(data))
			}
			return JSONBValue(string(data))
		}
		return BinaryValue(bytes.Clone(data))
	case oid == TypeDate && len(data) == 4:
		days := int32(binary.BigEndian.Uint32(data))
		return DateValue(pgEpoch.AddDate(0, 0, int(days)))
	case oid == TypeTimestamp && len(data) == 8:
		micros := int64(binary.BigEndian.Uint64(data))
		t, ok := pgEpochAdd(micros)
		if !ok {
			return UnknownValue(bytes.Clone(data), oid)
		}
		return TimestampValue(t)
	case oid == TypeTimestampTz && len(data) == 8:
		micros := int64(binary.BigEndian.Uint64(data))
		t, ok := pgEpochAdd(micros)
		if !ok {
			return UnknownValue(bytes.Clone(data), oid)
		}
		return TimestampTzValue(t)
	case oid == TypeTime && len(data) == 8:
		micros := int64(binary.BigEndian.Uint64(data))
		if micros < 0 || micros >= 24*60*60*1e6 {
			return UnknownValue(bytes.Clone(data), oid)
		}
		secs := micros / 1e6
		return TimeValue(time.Date(0, 1, 1,
			int(secs/3600), int(secs%3600/60), int(secs%60),
			int(micros%1e6)*1000, time.UTC))
	case oid == TypeNumeric:
		// The numeric binary format (digit words, weight, dscale) is not
		// decoded; the raw bytes are preserved for the caller.
		return UnknownValue(bytes.Clone(data), oid)
	default:
		return UnknownValue(bytes.Clone(data), oid)
	}
}

// pgEpochAdd offsets the PostgreSQL epoch by micros, reporting failure when
// the microsecond count cannot be represented as a duration.
func pgEpochAdd(micros int64) (time.Time, bool) {
	if micros > math.MaxInt64/1000 || micros < math.MinInt64/1000 {
		return time.Time{}, false
	}
	return pgEpoch.Add(time.Duration(micros) * time.Microsecond), true
}
