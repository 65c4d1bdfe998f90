package server

import (
	"context"
	"time"

	"github.com/agentuity/scylla/cache"
	"github.com/agentuity/scylla/connector"
	"github.com/agentuity/scylla/encoder"
	"github.com/agentuity/scylla/logger"
	"github.com/agentuity/scylla/pool"
	"github.com/agentuity/scylla/protocol"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Submitter schedules background work. *pool.Pool implements it.
type Submitter interface {
	Submit(task pool.Task) error
	// Queued is the number of tasks waiting for a worker.
	Queued() int
}

// OrchestratorConfig wires the collaborators of an Orchestrator.
type OrchestratorConfig struct {
	Cache cache.Cache
	// Connectors is keyed by canonical scope name. A scope known to Scopes
	// but missing here is reported as not configured.
	Connectors map[string]connector.Connector
	Scopes     protocol.Scopes
	Pool       Submitter
	Logger     logger.Logger

	// Lifetime caps the TTL of cached results.
	Lifetime time.Duration
	// ErrorTTL is how long a failed execution is remembered.
	ErrorTTL time.Duration
	// IllegalStateTTL replaces ErrorTTL for failures marked with
	// connector.ErrIllegalState.
	IllegalStateTTL time.Duration
	// MaxEntryBytes is the largest encoded dataset that gets cached.
	MaxEntryBytes int64
}

// Orchestrator answers one request line at a time: it peeks, serves cached
// answers, or verifies a query and runs it inline or on the pool.
type Orchestrator struct {
	cfg OrchestratorConfig
	log logger.Logger
}

// NewOrchestrator returns an orchestrator, filling unset TTLs and ceilings
// with the daemon defaults.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = 7 * 24 * time.Hour
	}
	if cfg.ErrorTTL <= 0 {
		cfg.ErrorTTL = 20 * time.Second
	}
	if cfg.IllegalStateTTL <= 0 {
		cfg.IllegalStateTTL = 3 * 24 * time.Hour
	}
	if cfg.MaxEntryBytes <= 0 {
		cfg.MaxEntryBytes = 1_000_000_000
	}
	return &Orchestrator{cfg: cfg, log: cfg.Logger.WithPrefix("[scylla]")}
}

// Handle processes one raw request line from remote and returns the answer
// to send back. It never fails: every problem becomes an ok:"no" answer.
func (o *Orchestrator) Handle(ctx context.Context, line []byte, remote string) *protocol.Answer {
	log := o.log.With(map[string]interface{}{
		"remote":  remote,
		"request": uuid.NewString(),
	})

	req, err := protocol.ParseRequest(line, o.cfg.Scopes)
	if err != nil {
		if errors.Is(err, protocol.ErrEmptyInstruction) {
			log.Debug("got an empty instruction")
		} else {
			log.Error("Got a malformed instruction from %s (%s)", remote, err)
		}
		return protocol.Failure(err.Error())
	}

	log = log.WithPrefix(logger.Tag(string(line), "["+req.User+"]")).With(map[string]interface{}{
		"user":  req.User,
		"scope": req.Scope,
	})
	if req.Quiet {
		log = quietLogger{log}
	}
	log.Debug("Good question from %s, processing ...", remote)

	answer, err := o.answer(ctx, log, req)
	if err != nil {
		log.Error("Unhandled error: %s", err)
		return protocol.Failure(err.Error())
	}
	return answer
}

func (o *Orchestrator) answer(ctx context.Context, log logger.Logger, req *protocol.Request) (*protocol.Answer, error) {
	conn, ok := o.cfg.Connectors[req.Scope]
	if !ok {
		return nil, errors.Newf("Scope %s not configured! Check the configuration and make sure the driver is linked into scyllad!", req.Scope)
	}
	dsn, err := conn.DSN(req.DSN)
	if err != nil {
		return nil, err
	}
	key := cache.Key(dsn, req.Query)
	c := o.cfg.Cache
	log = log.With(map[string]interface{}{"fingerprint": cache.Fingerprint(dsn, req.Query)})

	if req.Peek {
		return o.peek(ctx, key)
	}

	if req.Force {
		if err := c.Delete(ctx, key); err != nil {
			return nil, err
		}
	} else {
		locked, err := c.Locked(ctx, key)
		if err != nil {
			return nil, err
		}
		if locked {
			log.Info("Your query is still running, come back later.")
			return protocol.Locked(), nil
		}
		cached, err := c.Get(ctx, key)
		switch {
		case err == nil && !cached.Done() && !cached.Failed():
			// a placeholder between unlock and set
			return protocol.Locked(), nil
		case err == nil:
			log.Info("Your query was in the cache :)")
			return cached, nil
		case !errors.Is(err, cache.ErrNotFound):
			return nil, err
		}
	}

	job := connector.Job{
		Query:    req.Query,
		User:     req.User,
		Password: req.Password,
		DSN:      dsn,
		HParams:  req.HParams,
		Update:   req.Update,
		Logger:   log,
	}

	log.Debug("Verifying %s", protocol.Shorten(req.Query))
	verdict, err := conn.Verify(ctx, job)
	if err != nil {
		return nil, err
	}
	if !verdict.OK {
		log.Info("Your query is not valid: %s", verdict.Err)
		return verdict.Answer(), nil
	}

	claimed, err := c.Claim(ctx, key)
	if err != nil {
		return nil, err
	}
	if !claimed {
		log.Info("Someone else is running this query, come back later.")
		return protocol.Locked(), nil
	}

	if verdict.NoBG {
		return o.run(ctx, log, conn, job, key, req.Expire), nil
	}

	err = o.cfg.Pool.Submit(func(ctx context.Context) {
		o.run(ctx, log, conn, job, key, req.Expire)
	})
	if err != nil {
		o.check(log, "releasing claim", c.Delete(ctx, key))
		if errors.Is(err, pool.ErrQueueFull) {
			log.Warn("background queue is full (%d waiting), turning the query away", o.cfg.Pool.Queued())
		}
		return nil, err
	}
	if req.Update {
		log.Info("Updating in the background.")
	} else {
		log.Info("Querying in the background. Come back later :)")
	}
	log.Debug("%d queries waiting for a worker", o.cfg.Pool.Queued())
	return protocol.Pending(req.Update), nil
}

func (o *Orchestrator) peek(ctx context.Context, key string) (*protocol.Answer, error) {
	locked, err := o.cfg.Cache.Locked(ctx, key)
	if err != nil {
		return nil, err
	}
	if locked {
		return protocol.Peeked(protocol.PeekLocked), nil
	}
	exists, err := o.cfg.Cache.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if exists {
		return protocol.Peeked(protocol.PeekYes), nil
	}
	return protocol.Peeked(protocol.PeekNo), nil
}

// run executes a claimed query and records its outcome in the cache.
func (o *Orchestrator) run(ctx context.Context, log logger.Logger, conn connector.Connector, job connector.Job, key string, expire time.Duration) *protocol.Answer {
	c := o.cfg.Cache
	log.Info("Launching your query.")

	answer, err := conn.Execute(ctx, job)
	if errors.Is(err, encoder.ErrTooLarge) {
		// nothing is remembered so that a smaller rewrite can run right away
		log.Warn("Your result set is too big, not caching the error.")
		o.check(log, "unlocking", c.Unlock(ctx, key))
		o.check(log, "deleting", c.Delete(ctx, key))
		o.check(log, "cleaning up", c.Cleanup(ctx))
		return protocol.Failure(err.Error())
	}
	if err != nil {
		log.Info("Your query didn't finish! Logging the error ... (%s)", err)
		o.check(log, "unlocking", c.Unlock(ctx, key))
		o.check(log, "deleting", c.Delete(ctx, key))
		failure := protocol.Failure(err.Error())
		ttl := o.cfg.ErrorTTL
		if errors.Is(err, connector.ErrIllegalState) {
			ttl = o.cfg.IllegalStateTTL
		}
		o.check(log, "caching the error", c.Set(ctx, key, failure))
		o.check(log, "expiring the error", c.Expire(ctx, key, ttl))
		o.check(log, "cleaning up", c.Cleanup(ctx))
		return failure
	}

	o.check(log, "unlocking", c.Unlock(ctx, key))
	switch {
	case !answer.Done():
		o.check(log, "deleting", c.Delete(ctx, key))
	case job.Update:
		answer.Stamp()
		log.Info("Your update finished!")
		o.check(log, "deleting", c.Delete(ctx, key))
	default:
		answer.Stamp()
		log.Info("Your query finished!")
		if int64(answer.ResSize()) < o.cfg.MaxEntryBytes {
			o.check(log, "caching the answer", c.Set(ctx, key, answer))
			o.check(log, "expiring the answer", c.Expire(ctx, key, min(expire, o.cfg.Lifetime)))
		} else {
			log.Warn("Answer is too big to be cached here.")
			o.check(log, "deleting", c.Delete(ctx, key))
		}
	}
	o.check(log, "cleaning up", c.Cleanup(ctx))
	return answer
}

func (o *Orchestrator) check(log logger.Logger, what string, err error) {
	if err != nil {
		log.Error("cache failure while %s: %s", what, err)
	}
}
