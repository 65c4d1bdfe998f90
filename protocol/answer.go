package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Status describes where a request stands.
type Status string

const (
	StatusDone    Status = "done"
	StatusPending Status = "pending"
	StatusPeek    Status = "peek"
	StatusLocked  Status = "locked"
)

// PeekStatus is the three-way result of a peek request.
type PeekStatus string

const (
	PeekYes    PeekStatus = "yes"
	PeekNo     PeekStatus = "no"
	PeekLocked PeekStatus = "locked"
)

// Flag is a boolean that is only written when set. It travels as "yes"/"no".
type Flag int8

const (
	Unset Flag = iota
	Yes
	No
)

// FlagOf converts a bool into a set Flag.
func FlagOf(b bool) Flag {
	if b {
		return Yes
	}
	return No
}

// True reports whether the flag is set to yes.
func (f Flag) True() bool {
	return f == Yes
}

func (f Flag) MarshalJSON() ([]byte, error) {
	switch f {
	case Yes:
		return []byte(`"yes"`), nil
	case No:
		return []byte(`"no"`), nil
	}
	return []byte("null"), nil
}

func (f *Flag) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case `"yes"`, "true":
		*f = Yes
	case `"no"`, "false":
		*f = No
	case "null":
		*f = Unset
	default:
		return errors.Newf("invalid flag value %s", b)
	}
	return nil
}

// Answer is the response envelope sent back to clients and stored in the cache.
// Fields left at their zero value are not written.
type Answer struct {
	OK     Flag       `json:"ok,omitempty"`
	Err    string     `json:"err,omitempty"`
	Status Status     `json:"status,omitempty"`
	Peek   PeekStatus `json:"peek,omitempty"`
	Update Flag       `json:"update,omitempty"`
	NoBG   Flag       `json:"nobg,omitempty"`
	N      *int64     `json:"n,omitempty"`
	Cols   []string   `json:"cols,omitempty"`
	Res    string     `json:"res,omitempty"`
	Format string     `json:"format,omitempty"`
	Codec  string     `json:"codec,omitempty"`

	raw []byte
}

type wireAnswer Answer

// NewAnswer returns an empty answer, which encodes as {}.
func NewAnswer() *Answer {
	return &Answer{}
}

// Failure returns an answer with ok:"no" and the given error message.
func Failure(msg string) *Answer {
	return &Answer{OK: No, Err: msg}
}

// Pending is the reply for work that was scheduled in the background.
func Pending(update bool) *Answer {
	a := &Answer{OK: Yes, Status: StatusPending}
	if update {
		a.Update = Yes
	}
	return a
}

// Locked is the reply when another request is already running the same query.
func Locked() *Answer {
	return &Answer{OK: Yes, Status: StatusLocked}
}

// Peeked is the reply for a peek request.
func Peeked(p PeekStatus) *Answer {
	return &Answer{OK: Yes, Status: StatusPeek, Peek: p}
}

// Rows is the answer for an update statement that touched n rows.
func Rows(n int64) *Answer {
	return &Answer{N: &n}
}

// Done reports whether the answer carries a dataset or a row count.
func (a *Answer) Done() bool {
	return a.Res != "" || a.Format != "" || a.N != nil
}

// Failed reports whether the answer records an error.
func (a *Answer) Failed() bool {
	return a.OK == No || a.Err != ""
}

// ResSize is the length of the encoded dataset.
func (a *Answer) ResSize() int {
	return len(a.Res)
}

// MarshalJSON returns the stored bytes untouched for answers read back from a
// cache, so that clients receive exactly what was written.
func (a *Answer) MarshalJSON() ([]byte, error) {
	if a.raw != nil {
		return a.raw, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode((*wireAnswer)(a)); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (a *Answer) UnmarshalJSON(b []byte) error {
	var w wireAnswer
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*a = Answer(w)
	a.raw = bytes.Clone(b)
	return nil
}

// Bytes encodes the answer. Encoding cannot fail for the field types an
// Answer holds.
func (a *Answer) Bytes() []byte {
	buf, err := a.MarshalJSON()
	if err != nil {
		return []byte("{}")
	}
	return buf
}

func (a *Answer) String() string {
	return string(a.Bytes())
}

// ParseAnswer decodes a stored answer and keeps its original encoding.
func ParseAnswer(b []byte) (*Answer, error) {
	b = bytes.TrimSpace(b)
	var a Answer
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, errors.Wrap(err, "error decoding answer")
	}
	return &a, nil
}

// Stamp marks a finished execution as successful and done.
func (a *Answer) Stamp() *Answer {
	a.raw = nil
	a.OK = Yes
	a.Status = StatusDone
	return a
}

// VerificationAnswer is the outcome of checking a query before running it.
// NoBG means the query resolves immediately and must not be scheduled in the
// background.
type VerificationAnswer struct {
	OK   bool
	Err  string
	NoBG bool
}

// Verified returns a successful verification.
func Verified(nobg bool) VerificationAnswer {
	return VerificationAnswer{OK: true, NoBG: nobg}
}

// Rejected returns a failed verification.
func Rejected(msg string) VerificationAnswer {
	return VerificationAnswer{Err: msg}
}

// Answer converts the verification into the envelope sent to the client.
func (v VerificationAnswer) Answer() *Answer {
	a := &Answer{OK: FlagOf(v.OK), Err: v.Err}
	if v.NoBG {
		a.NoBG = Yes
	}
	return a
}
