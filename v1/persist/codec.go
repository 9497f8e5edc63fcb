package persist

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	keeperrors "github.com/mirkobrombin/go-keep/v1/errors"
)

// Separator is the reserved field separator of the line format.
const Separator = '\t'

// ErrMalformed reports a log line that cannot be decoded.
var ErrMalformed = errors.New("keep: malformed log record")

// Codec turns records into single log lines (without the trailing newline)
// and back.
type Codec interface {
	Encode(r Record) ([]byte, error)
	Decode(line []byte) (Record, error)
}

// LineCodec implements the textual line format:
//
//	key<TAB>value                 set, no expiry
//	key<TAB>value<TAB>unix-nanos  set with expiry
//	<TAB>key                      delete
//
// By default backslash, TAB, LF and CR inside keys and values are escaped.
// With Strict set they are rejected with ErrInvalidArgument instead and
// lines are written raw.
type LineCodec struct {
	Strict bool
}

// Encode implements Codec.Encode.
func (c LineCodec) Encode(r Record) ([]byte, error) {
	if r.Key == "" {
		return nil, fmt.Errorf("%w: empty key", keeperrors.ErrInvalidArgument)
	}
	if c.Strict {
		if reserved([]byte(r.Key)) || reserved(r.Value) {
			return nil, fmt.Errorf("%w: key or value contains a reserved character", keeperrors.ErrInvalidArgument)
		}
	}
	var b bytes.Buffer
	switch r.Op {
	case OpDelete:
		b.WriteByte(Separator)
		c.write(&b, []byte(r.Key))
	case OpSet:
		c.write(&b, []byte(r.Key))
		b.WriteByte(Separator)
		c.write(&b, r.Value)
		if !r.ExpiresAt.IsZero() {
			b.WriteByte(Separator)
			b.WriteString(strconv.FormatInt(unixNanos(r.ExpiresAt), 10))
		}
	default:
		return nil, fmt.Errorf("%w: unknown op %d", keeperrors.ErrInvalidArgument, r.Op)
	}
	return b.Bytes(), nil
}

// Decode implements Codec.Decode.
func (c LineCodec) Decode(line []byte) (Record, error) {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	fields := bytes.Split(line, []byte{Separator})
	if len(fields) < 2 {
		return Record{}, fmt.Errorf("%w: missing separator", ErrMalformed)
	}
	if len(fields[0]) == 0 {
		if len(fields) != 2 || len(fields[1]) == 0 {
			return Record{}, fmt.Errorf("%w: bad delete record", ErrMalformed)
		}
		key, err := c.read(fields[1])
		if err != nil {
			return Record{}, err
		}
		return Record{Op: OpDelete, Key: string(key)}, nil
	}
	if len(fields) > 3 {
		return Record{}, fmt.Errorf("%w: too many fields", ErrMalformed)
	}
	key, err := c.read(fields[0])
	if err != nil {
		return Record{}, err
	}
	value, err := c.read(fields[1])
	if err != nil {
		return Record{}, err
	}
	r := Record{Op: OpSet, Key: string(key), Value: value}
	if len(fields) == 3 {
		n, err := strconv.ParseInt(string(fields[2]), 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("%w: bad expiry %q", ErrMalformed, fields[2])
		}
		r.ExpiresAt = time.Unix(0, n)
	}
	return r, nil
}

// unixNanos returns t as unix nanoseconds, saturating at the int64 range
// instead of wrapping.
func unixNanos(t time.Time) int64 {
	switch {
	case t.After(maxNanos):
		return math.MaxInt64
	case t.Before(minNanos):
		return math.MinInt64
	}
	return t.UnixNano()
}

var (
	maxNanos = time.Unix(0, math.MaxInt64)
	minNanos = time.Unix(0, math.MinInt64)
)

func reserved(b []byte) bool {
	return bytes.ContainsAny(b, "\t\n\r")
}

func (c LineCodec) write(b *bytes.Buffer, p []byte) {
	if c.Strict {
		b.Write(p)
		return
	}
	for _, ch := range p {
		switch ch {
		case '\\':
			b.WriteString(`\\`)
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteByte(ch)
		}
	}
}

func (c LineCodec) read(p []byte) ([]byte, error) {
	if c.Strict || bytes.IndexByte(p, '\\') < 0 {
		return bytes.Clone(p), nil
	}
	out := make([]byte, 0, len(p))
	for i := 0; i < len(p); i++ {
		if p[i] != '\\' {
			out = append(out, p[i])
			continue
		}
		i++
		if i == len(p) {
			return nil, fmt.Errorf("%w: dangling escape", ErrMalformed)
		}
		switch p[i] {
		case '\\':
			out = append(out, '\\')
		case 't':
			out = append(out, '\t')
		case 'n':
			out = append(out, '\n')
		case 'r':
			out = append(out, '\r')
		default:
			return nil, fmt.Errorf("%w: unknown escape \\%c", ErrMalformed, p[i])
		}
	}
	return out, nil
}
