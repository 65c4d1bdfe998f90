package config

import (
	"github.com/agentuity/scylla/connector"
	"github.com/agentuity/scylla/logger"
	"github.com/agentuity/scylla/resilience"
)

// Connectors builds a connector for every scope whose driver is linked into
// the binary. Scopes with a missing driver are skipped and reported in
// missing, each marked with connector.ErrDriverNotFound. breakers gets one
// breaker per scope, configured from the scope's breaker settings; breaker
// transitions are logged to log.
func (c *Config) Connectors(breakers *resilience.Breakers, log logger.Logger) (conns map[string]connector.Connector, missing []error, err error) {
	enc, err := c.Encoder()
	if err != nil {
		return nil, nil, err
	}
	conns = make(map[string]connector.Connector, len(c.Scopes))
	for _, name := range c.ScopeNames() {
		scope, _ := c.Scope(name)
		bc := c.Scopes[name].BreakerConfig()
		bc.OnStateChange = func(from, to resilience.CircuitBreakerState) {
			if to == resilience.StateOpen {
				log.Warn("%s keeps failing to connect, pausing connections for %s", scope.Title, bc.Timeout)
				return
			}
			log.Info("%s connection breaker %s -> %s", scope.Title, from, to)
		}
		breakers.Configure(name, bc)
		conn, err := connector.New(scope,
			connector.WithEncoder(enc),
			connector.WithBreaker(breakers.Get(name)),
		)
		if err != nil {
			missing = append(missing, err)
			continue
		}
		conns[name] = conn
	}
	return conns, missing, nil
}
