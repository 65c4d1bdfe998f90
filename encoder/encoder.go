package encoder

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/csv"
	"encoding/json"
	"io"
	"strings"

	"github.com/agentuity/scylla/protocol"
	"github.com/cockroachdb/errors"
	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Format is the row representation inside the compressed payload.
type Format string

const (
	CSV     Format = "csv"
	JSON    Format = "json"
	MsgPack Format = "msgpack"
)

// Codec is the block compressor wrapped around the rows.
type Codec string

const (
	Bzip2 Codec = "bzip2"
	Zstd  Codec = "zstd"
)

// DefaultMaxCells is the rows x columns ceiling of a single result.
const DefaultMaxCells = 150000000

// ErrTooLarge is returned when a result crosses the cell ceiling. No partial
// dataset is ever returned alongside it.
var ErrTooLarge = errors.New("Your result set is too big. Please add a limit or try getting the data " +
	"some other way (e.g. create a table and export it to a CSV file manually).")

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case CSV, JSON, MsgPack:
		return f, nil
	}
	return "", errors.Newf("unknown format %q (expected csv, json or msgpack)", s)
}

// ParseCodec validates a codec name.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(strings.ToLower(s)); c {
	case Bzip2, Zstd:
		return c, nil
	}
	return "", errors.Newf("unknown codec %q (expected bzip2 or zstd)", s)
}

// Encoder turns a cursor into a dataset Answer.
type Encoder struct {
	format   Format
	codec    Codec
	maxCells int64
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithFormat selects the row representation. Defaults to CSV.
func WithFormat(f Format) Option {
	return func(e *Encoder) { e.format = f }
}

// WithCodec selects the compressor. Defaults to Bzip2.
func WithCodec(c Codec) Option {
	return func(e *Encoder) { e.codec = c }
}

// WithMaxCells sets the rows x columns ceiling. Defaults to DefaultMaxCells.
func WithMaxCells(n int64) Option {
	return func(e *Encoder) {
		if n > 0 {
			e.maxCells = n
		}
	}
}

// New returns an Encoder.
func New(opts ...Option) *Encoder {
	e := &Encoder{format: CSV, codec: Bzip2, maxCells: DefaultMaxCells}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Format returns the configured row representation.
func (e *Encoder) Format() Format {
	return e.format
}

type rowWriter interface {
	write(names []string, row []any) error
	close() error
}

func (e *Encoder) compressor(w io.Writer) (io.WriteCloser, error) {
	if e.codec == Zstd {
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, err
		}
		return zw, nil
	}
	bw, err := bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.BestCompression})
	if err != nil {
		return nil, err
	}
	return bw, nil
}

func (e *Encoder) rowWriter(w io.Writer) rowWriter {
	switch e.format {
	case JSON:
		return &jsonRows{w: w}
	case MsgPack:
		return &msgpackRows{enc: msgpack.NewEncoder(w)}
	default:
		cw := csv.NewWriter(w)
		cw.Comma = '\t'
		return &csvRows{w: cw}
	}
}

// Encode drains cur into a compressed, base64 encoded dataset. It returns the
// answer and the number of rows read. The cursor is not closed.
func (e *Encoder) Encode(ctx context.Context, cur Cursor) (*protocol.Answer, int64, error) {
	cols, err := cur.Columns()
	if err != nil {
		return nil, 0, errors.Wrap(err, "error reading columns")
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = strings.ToLower(c.Name)
	}

	var buf bytes.Buffer
	b64 := base64.NewEncoder(base64.StdEncoding, &buf)
	zw, err := e.compressor(b64)
	if err != nil {
		return nil, 0, errors.Wrap(err, "error creating compressor")
	}
	rw := e.rowWriter(zw)

	values := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	row := make([]any, len(cols))

	var rows int64
	for cur.Next() {
		if rows%4096 == 0 && ctx.Err() != nil {
			return nil, rows, ctx.Err()
		}
		if err := cur.Scan(dest...); err != nil {
			return nil, rows, errors.Wrap(err, "error scanning row")
		}
		for i, c := range cols {
			row[i] = project(c.Type, values[i])
		}
		if err := rw.write(names, row); err != nil {
			return nil, rows, errors.Wrap(err, "error encoding row")
		}
		rows++
		if rows*int64(len(cols)) > e.maxCells {
			return nil, rows, ErrTooLarge
		}
	}
	if err := cur.Err(); err != nil {
		return nil, rows, err
	}
	if err := rw.close(); err != nil {
		return nil, rows, errors.Wrap(err, "error encoding rows")
	}
	if err := zw.Close(); err != nil {
		return nil, rows, errors.Wrap(err, "error compressing rows")
	}
	if err := b64.Close(); err != nil {
		return nil, rows, errors.Wrap(err, "error encoding rows")
	}

	answer := &protocol.Answer{
		Cols:   names,
		Res:    buf.String(),
		Format: string(e.format),
	}
	if e.codec != Bzip2 {
		answer.Codec = string(e.codec)
	}
	return answer, rows, nil
}

type csvRows struct {
	w      *csv.Writer
	record []string
}

func (c *csvRows) write(_ []string, row []any) error {
	if cap(c.record) < len(row) {
		c.record = make([]string, len(row))
	}
	c.record = c.record[:len(row)]
	for i, v := range row {
		c.record[i] = text(v)
	}
	return c.w.Write(c.record)
}

func (c *csvRows) close() error {
	c.w.Flush()
	return c.w.Error()
}

type jsonRows struct {
	w    io.Writer
	n    int64
	line bytes.Buffer
}

func (j *jsonRows) write(names []string, row []any) error {
	j.line.Reset()
	if j.n == 0 {
		j.line.WriteByte('[')
	} else {
		j.line.WriteByte(',')
	}
	j.line.WriteByte('{')
	for i, v := range row {
		if i > 0 {
			j.line.WriteByte(',')
		}
		k, _ := json.Marshal(names[i])
		j.line.Write(k)
		j.line.WriteByte(':')
		val, err := json.Marshal(v)
		if err != nil {
			return err
		}
		j.line.Write(val)
	}
	j.line.WriteByte('}')
	j.n++
	_, err := j.w.Write(j.line.Bytes())
	return err
}

func (j *jsonRows) close() error {
	end := "]"
	if j.n == 0 {
		end = "[]"
	}
	_, err := io.WriteString(j.w, end)
	return err
}

type msgpackRows struct {
	enc *msgpack.Encoder
}

func (m *msgpackRows) write(names []string, row []any) error {
	if err := m.enc.EncodeMapLen(len(row)); err != nil {
		return err
	}
	for i, v := range row {
		if err := m.enc.EncodeString(names[i]); err != nil {
			return err
		}
		if err := m.enc.Encode(v); err != nil {
			return err
		}
	}
	return nil
}

func (m *msgpackRows) close() error {
	return nil
}

// Decompress reverses the base64 and compression layers of a dataset answer.
func Decompress(a *protocol.Answer) ([]byte, error) {
	if a.Format == "" {
		return nil, errors.New("answer carries no dataset")
	}
	r := base64.NewDecoder(base64.StdEncoding, strings.NewReader(a.Res))
	var zr io.Reader
	switch Codec(a.Codec) {
	case Zstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "error creating zstd reader")
		}
		defer d.Close()
		zr = d
	case "", Bzip2:
		d, err := bzip2.NewReader(r, nil)
		if err != nil {
			return nil, errors.Wrap(err, "error creating bzip2 reader")
		}
		defer d.Close()
		zr = d
	default:
		return nil, errors.Newf("unknown codec %q", a.Codec)
	}
	buf, err := io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrap(err, "error decompressing dataset")
	}
	return buf, nil
}
