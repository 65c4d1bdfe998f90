package connector

import (
	"context"
	"database/sql"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/agentuity/scylla/encoder"
	"github.com/agentuity/scylla/logger"
	"github.com/agentuity/scylla/protocol"
	"github.com/agentuity/scylla/resilience"
	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("@agentuity/scylla/connector")

var (
	// ErrDriverNotFound is returned by New when the scope's database/sql
	// driver is not linked into the binary.
	ErrDriverNotFound = errors.New("driver not found")
	// ErrNoConnectionString is returned when a request carries no connection
	// string and the scope has no default.
	ErrNoConnectionString = errors.New("No connection string provided explicitly and no default one configured.")
	// ErrIllegalState marks execution failures that will not go away by
	// retrying soon.
	ErrIllegalState = errors.New("illegal state")
)

// Verification selects how a scope checks a query before running it.
type Verification string

const (
	// Prepare asks the driver to prepare the statement without executing it.
	Prepare Verification = "prepare"
	// Plan runs EXPLAIN and inspects the plan for metadata-only operators.
	Plan Verification = "plan"
)

// Scope describes one backend engine family.
type Scope struct {
	// Name is the canonical lower-case scope name used in requests.
	Name string
	// Title is the human readable engine name.
	Title string
	// Driver is the database/sql driver name.
	Driver string
	// DSN is the default connection string, used when a request has none.
	DSN           string
	NeedsPassword bool
	Verify        Verification
	// LogRelay forwards the engine's query log while a query runs, for
	// drivers whose sessions implement LogSource.
	LogRelay    bool
	Credentials Credentials
	// IllegalState lists substrings of driver errors that are marked with
	// ErrIllegalState.
	IllegalState []string
}

// Job is a single verified or executed query.
type Job struct {
	Query    string
	User     string
	Password string
	// DSN is the resolved connection string, see Connector.DSN.
	DSN     string
	HParams []string
	Update  bool
	// Logger receives relayed engine log lines. Optional.
	Logger logger.Logger
}

// Connector verifies and executes queries against one scope.
type Connector interface {
	// Scope returns the scope served by this connector.
	Scope() Scope
	// DSN resolves the connection string for a request, falling back to the
	// scope default.
	DSN(explicit string) (string, error)
	// Verify checks the query without running it. A rejected query is a
	// value, not an error; errors mean the backend could not be reached.
	Verify(ctx context.Context, job Job) (protocol.VerificationAnswer, error)
	// Execute runs the query and returns a dataset or row count answer.
	Execute(ctx context.Context, job Job) (*protocol.Answer, error)
}

// DriverNotFound builds the configuration error for a scope whose driver is
// missing.
func DriverNotFound(scope Scope) error {
	return errors.Mark(errors.Newf("%s connector isn't configured: I couldn't find '%s'. Make sure that the %s driver is linked into scyllad (see scopes.%s.driver).",
		scope.Title, scope.Driver, scope.Title, scope.Name), ErrDriverNotFound)
}

// Available reports whether the database/sql driver is registered.
func Available(driver string) bool {
	return slices.Contains(sql.Drivers(), driver)
}

type options struct {
	dialer   Dialer
	encoder  *encoder.Encoder
	breaker  *resilience.CircuitBreaker
	retry    resilience.RetryConfig
	relay    time.Duration
	relayEnd time.Duration
}

// Option configures a connector.
type Option func(*options)

// WithDialer replaces the database/sql dialer.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithEncoder sets the result encoder.
func WithEncoder(e *encoder.Encoder) Option {
	return func(o *options) { o.encoder = e }
}

// WithBreaker guards session dials with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(o *options) { o.breaker = cb }
}

// WithRetry sets how dials are retried.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(o *options) { o.retry = cfg }
}

// WithRelayInterval sets how often the engine log is polled.
func WithRelayInterval(d time.Duration) Option {
	return func(o *options) { o.relay = d }
}

type sqlConnector struct {
	scope    Scope
	opts     options
	verifier verifier
}

var _ Connector = (*sqlConnector)(nil)

// New returns a connector for scope. It fails with ErrDriverNotFound when no
// dialer is given and the scope's driver is not registered.
func New(scope Scope, opts ...Option) (Connector, error) {
	o := options{
		retry:    resilience.DefaultRetryConfig(),
		relay:    time.Second,
		relayEnd: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		if !Available(scope.Driver) {
			return nil, DriverNotFound(scope)
		}
		o.dialer = SQLDialer(scope.Driver, scope.Credentials)
	}
	if o.encoder == nil {
		o.encoder = encoder.New()
	}
	if o.breaker == nil {
		o.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		})
	}
	c := &sqlConnector{scope: scope, opts: o}
	switch scope.Verify {
	case Plan:
		c.verifier = planVerifier{}
	default:
		c.verifier = prepareVerifier{}
	}
	return c, nil
}

func (c *sqlConnector) Scope() Scope {
	return c.scope
}

func (c *sqlConnector) DSN(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if c.scope.DSN == "" {
		return "", ErrNoConnectionString
	}
	return c.scope.DSN, nil
}

// open dials a session through the breaker. A session that arrives after the
// caller gave up is closed.
func (c *sqlConnector) open(ctx context.Context, job Job) (Session, error) {
	var (
		mu        sync.Mutex
		sess      Session
		abandoned bool
	)
	err := resilience.RetryWithCircuitBreaker(ctx, c.opts.retry, c.opts.breaker, func() error {
		s, err := c.opts.dialer(ctx, job.DSN, job.User, job.Password)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		if abandoned || sess != nil {
			s.Close()
			return nil
		}
		sess = s
		return nil
	})
	mu.Lock()
	defer mu.Unlock()
	if err != nil {
		abandoned = true
		if sess != nil {
			sess.Close()
			sess = nil
		}
		return nil, errors.Wrapf(err, "error connecting to %s", c.scope.Title)
	}
	return sess, nil
}

func (c *sqlConnector) Verify(ctx context.Context, job Job) (protocol.VerificationAnswer, error) {
	ctx, span := tracer.Start(ctx, "Verify", trace.WithAttributes(
		attribute.String("scope", c.scope.Name),
		attribute.String("verify", string(c.scope.Verify)),
	))
	defer span.End()

	sess, err := c.open(ctx, job)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return protocol.VerificationAnswer{}, err
	}
	defer sess.Close()

	for _, param := range job.HParams {
		if _, err := sess.Exec(ctx, param); err != nil {
			span.SetStatus(codes.Error, "rejected")
			return protocol.Rejected(driverMessage(err)), nil
		}
	}
	answer := c.verifier.verify(ctx, sess, job.Query)
	if !answer.OK {
		span.SetStatus(codes.Error, "rejected")
	} else {
		span.SetStatus(codes.Ok, "verified")
	}
	return answer, nil
}

func (c *sqlConnector) Execute(ctx context.Context, job Job) (*protocol.Answer, error) {
	ctx, span := tracer.Start(ctx, "Execute", trace.WithAttributes(
		attribute.String("scope", c.scope.Name),
		attribute.Bool("update", job.Update),
	))
	defer span.End()

	answer, err := c.execute(ctx, job)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return nil, c.classify(err)
	}
	span.SetStatus(codes.Ok, "executed")
	return answer, nil
}

func (c *sqlConnector) execute(ctx context.Context, job Job) (*protocol.Answer, error) {
	sess, err := c.open(ctx, job)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	if src, ok := sess.(LogSource); ok && c.scope.LogRelay && job.Logger != nil {
		r := startRelay(ctx, src, job.Logger, c.opts.relay)
		defer r.stop(c.opts.relayEnd)
	}

	for _, param := range job.HParams {
		if _, err := sess.Exec(ctx, param); err != nil {
			return nil, err
		}
	}

	if job.Update {
		n, err := sess.Exec(ctx, job.Query)
		if err != nil {
			return nil, err
		}
		return protocol.Rows(n), nil
	}

	cur, err := sess.Query(ctx, job.Query)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	_, span := tracer.Start(ctx, "Encode")
	defer span.End()
	answer, rows, err := c.opts.encoder.Encode(ctx, cur)
	span.SetAttributes(attribute.Int64("rows", rows))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return answer, nil
}

func (c *sqlConnector) classify(err error) error {
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, sql.ErrTxDone) {
		return errors.Mark(err, ErrIllegalState)
	}
	msg := err.Error()
	for _, pattern := range c.scope.IllegalState {
		if pattern != "" && strings.Contains(msg, pattern) {
			return errors.Mark(err, ErrIllegalState)
		}
	}
	return err
}

// driverMessage is the message shown to clients for a driver error.
func driverMessage(err error) string {
	if err == nil {
		return "null"
	}
	return err.Error()
}
