package connector

import (
	"context"
	"strings"
	"time"

	"github.com/agentuity/scylla/logger"
)

const relayBuffer = 64

// relay forwards engine log lines to a logger while a statement runs. The
// poller and the forwarder talk over a bounded channel; stop never waits
// longer than its grace period.
type relay struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startRelay(ctx context.Context, src LogSource, log logger.Logger, interval time.Duration) *relay {
	ctx, cancel := context.WithCancel(ctx)
	r := &relay{cancel: cancel, done: make(chan struct{})}
	lines := make(chan string, relayBuffer)

	go func() {
		defer close(lines)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for src.HasMoreLogs() {
			batch, err := src.QueryLog(ctx)
			if err != nil {
				return
			}
			for _, line := range batch {
				// lines already fetched are delivered unless the buffer is full
				select {
				case lines <- line:
					continue
				default:
				}
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer close(r.done)
		for line := range lines {
			forward(log, line)
		}
	}()

	return r
}

// stop cancels the poller and waits up to grace for buffered lines to drain.
func (r *relay) stop(grace time.Duration) {
	r.cancel()
	select {
	case <-r.done:
	case <-time.After(grace):
	}
}

func forward(log logger.Logger, line string) {
	switch {
	case strings.HasPrefix(line, "DEBUG : "):
		log.Debug("%s", line[8:])
	case strings.HasPrefix(line, "INFO  : "):
		log.Info("%s", line[8:])
	default:
		log.Info("%s", line)
	}
}
