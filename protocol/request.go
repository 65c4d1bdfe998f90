package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

const (
	// DefaultScope is used when a request doesn't name one.
	DefaultScope = "hive"
	// DefaultExpire is the TTL ceiling used when a request doesn't set one.
	DefaultExpire = 86400 * time.Second
)

// ErrInvalidRequest marks every error produced while validating a request.
var ErrInvalidRequest = errors.New("invalid request")

// ErrEmptyInstruction is returned for a blank request line.
var ErrEmptyInstruction = errors.Mark(errors.New("I got an empty instruction!"), ErrInvalidRequest)

var booleanFields = []string{"force", "quiet", "update", "peek", "reckless"}

// Scopes resolves the scope named by a client.
type Scopes interface {
	// Lookup returns the canonical scope name and whether it requires a
	// password. ok is false when the scope doesn't exist.
	Lookup(name string) (canonical string, needsPassword bool, ok bool)
}

// Request is a validated client request.
type Request struct {
	Query    string
	User     string
	Scope    string
	Password string
	// DSN is the explicit connection string, empty when the scope default applies.
	DSN     string
	HParams []string
	Expire  time.Duration
	Force   bool
	Quiet   bool
	Update  bool
	Peek    bool
}

func invalid(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidRequest)
}

func wrongType(field string) error {
	return invalid("Field %s has the wrong type!", field)
}

// ParseRequest decodes and validates a single request line.
func ParseRequest(line []byte, scopes Scopes) (*Request, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, ErrEmptyInstruction
	}
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(line))
	if err := dec.Decode(&fields); err != nil {
		return nil, errors.Mark(errors.Newf("malformed instruction: %s", err), ErrInvalidRequest)
	}
	if fields == nil {
		return nil, invalid("malformed instruction: expected a JSON object")
	}

	req := &Request{
		Scope:  DefaultScope,
		Expire: DefaultExpire,
	}

	var err error
	if req.Query, err = stringField(fields, "query", true); err != nil {
		return nil, err
	}
	if req.User, err = stringField(fields, "user", true); err != nil {
		return nil, err
	}
	if _, ok := fields["scope"]; ok {
		name, err := stringField(fields, "scope", true)
		if err != nil {
			return nil, err
		}
		canonical, needsPassword, ok := scopes.Lookup(name)
		if !ok {
			return nil, invalid("Scope '%s' doesn't exist.", name)
		}
		if _, has := fields["password"]; needsPassword && !has {
			return nil, invalid("I needed a password but I got none!")
		}
		req.Scope = canonical
	} else if canonical, _, ok := scopes.Lookup(DefaultScope); ok {
		req.Scope = canonical
	}
	if req.Password, err = stringField(fields, "password", false); err != nil {
		return nil, err
	}
	if raw, ok := fields["expire"]; ok {
		n, ok := integer(raw)
		if !ok {
			return nil, wrongType("expire")
		}
		if n <= 0 {
			return nil, invalid("'expire' must be greater than zero, realistically a lot greater ...")
		}
		// anything past the largest Duration means "as long as possible"
		req.Expire = time.Duration(min(n, math.MaxInt64/int64(time.Second))) * time.Second
	}
	for _, name := range booleanFields {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil || isNull(raw) {
			return nil, wrongType(name)
		}
		switch name {
		case "force":
			req.Force = b
		case "quiet":
			req.Quiet = b
		case "update":
			req.Update = b
		case "peek":
			req.Peek = b
		}
	}
	if req.DSN, err = stringField(fields, "jdbcstring", false); err != nil {
		return nil, err
	}
	if raw, ok := fields["hparams"]; ok {
		var params []string
		if err := json.Unmarshal(raw, &params); err != nil || isNull(raw) {
			return nil, wrongType("hparams")
		}
		req.HParams = params
	}
	return req, nil
}

func stringField(fields map[string]json.RawMessage, name string, required bool) (string, error) {
	raw, ok := fields[name]
	if !ok {
		if required {
			return "", wrongType(name)
		}
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || isNull(raw) {
		return "", wrongType(name)
	}
	return s, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}

// integer accepts JSON numbers without a fractional part.
func integer(raw json.RawMessage) (int64, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var n json.Number
	if err := dec.Decode(&n); err != nil {
		return 0, false
	}
	if v, err := n.Int64(); err == nil {
		return v, true
	}
	return 0, false
}

// Shorten trims a query for logging.
func Shorten(query string) string {
	if len(query) < 2000 {
		return query
	}
	cut := 1996
	for cut > 0 && !utf8.RuneStart(query[cut]) {
		cut--
	}
	return query[:cut] + "..."
}

func (r *Request) String() string {
	return fmt.Sprintf("%s@%s: %s", r.User, r.Scope, strings.Join(strings.Fields(Shorten(r.Query)), " "))
}
