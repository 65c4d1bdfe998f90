package connector

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentuity/scylla/protocol"
)

// metadataOperators appear in the plan of statements that only read the
// catalogue and finish immediately.
var metadataOperators = []string{"Describe Table Operator", "Show Table Operator"}

type verifier interface {
	verify(ctx context.Context, sess Session, query string) protocol.VerificationAnswer
}

type prepareVerifier struct{}

func (prepareVerifier) verify(ctx context.Context, sess Session, query string) protocol.VerificationAnswer {
	if err := sess.Prepare(ctx, query); err != nil {
		return protocol.Rejected(driverMessage(err))
	}
	return protocol.Verified(false)
}

type planVerifier struct{}

func (planVerifier) verify(ctx context.Context, sess Session, query string) protocol.VerificationAnswer {
	cur, err := sess.Query(ctx, "explain "+query)
	if err != nil {
		return protocol.Rejected(driverMessage(err))
	}
	defer cur.Close()

	cols, err := cur.Columns()
	if err != nil {
		return protocol.Rejected(driverMessage(err))
	}
	values := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}

	nobg := false
	for !nobg && cur.Next() {
		if err := cur.Scan(dest...); err != nil {
			return protocol.Rejected(driverMessage(err))
		}
		if len(values) == 0 {
			continue
		}
		line := planText(values[0])
		for _, op := range metadataOperators {
			if strings.Contains(line, op) {
				nobg = true
				break
			}
		}
	}
	if err := cur.Err(); err != nil {
		return protocol.Rejected(driverMessage(err))
	}
	return protocol.Verified(nobg)
}

func planText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	}
	return fmt.Sprint(v)
}
