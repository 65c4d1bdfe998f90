package server

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentuity/scylla/cache"
	"github.com/agentuity/scylla/config"
	"github.com/agentuity/scylla/connector"
	"github.com/agentuity/scylla/encoder"
	"github.com/agentuity/scylla/logger"
	"github.com/agentuity/scylla/pool"
	"github.com/agentuity/scylla/protocol"
	"github.com/agentuity/scylla/sys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func startServer(t *testing.T, o *Orchestrator, idle time.Duration) *Server {
	t.Helper()
	port, err := sys.GetFreePort()
	require.NoError(t, err)
	s := New(context.Background(), logger.NewTestLogger(), Config{
		ListenAddress: fmt.Sprintf("127.0.0.1:%d", port),
		IdleTimeout:   idle,
	}, o)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

func send(s *Server, line string) (string, error) {
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		return "", err
	}
	defer conn.Close()
	if _, err := io.WriteString(conn, line+"\n"); err != nil {
		return "", err
	}
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return "", err
	}
	return bufio.NewReader(conn).ReadString('\n')
}

func roundTrip(t *testing.T, s *Server, line string) string {
	t.Helper()
	answer, err := send(s, line)
	require.NoError(t, err)
	return answer
}

func TestServerAnswersOneLine(t *testing.T) {
	f := newFixture(t)
	s := startServer(t, f.orch, time.Minute)
	assert.True(t, s.IsRunning())

	got := roundTrip(t, s, `{"query":"select 1","user":"bob","peek":true}`)
	assert.Equal(t, `{"ok":"yes","status":"peek","peek":"no"}`+"\n", got)
}

func TestServerClosesAfterAnswer(t *testing.T) {
	f := newFixture(t)
	s := startServer(t, f.orch, time.Minute)

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn, `{"query":"select 1","user":"bob","peek":true}`+"\r\n")
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	rest, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":"yes","status":"peek","peek":"no"}`+"\n", string(rest))
}

func TestServerEmptyInstruction(t *testing.T) {
	f := newFixture(t)
	s := startServer(t, f.orch, time.Minute)

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	rest, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":"no","err":"I got an empty instruction!"}`+"\n", string(rest))
}

func TestServerIdleTimeout(t *testing.T) {
	f := newFixture(t)
	s := startServer(t, f.orch, 50*time.Millisecond)

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = io.WriteString(conn, `{"query":"sel`)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	rest, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Empty(t, rest)
	assert.Zero(t, f.conn.verifies.Load())
}

func TestServerStop(t *testing.T) {
	f := newFixture(t)
	s := startServer(t, f.orch, time.Minute)
	addr := s.Addr().String()

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	require.NoError(t, s.Stop())

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
	assert.Error(t, s.Start())
}

func TestServerWithSQLite(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "warehouse.db")
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE fruit (name TEXT, qty INTEGER); INSERT INTO fruit VALUES ('apple', 3), ('pear', 5)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	cfg := config.Default()
	cfg.Scopes["hive"] = &config.ScopeConfig{
		Title:       "SQLite",
		Driver:      "sqlite",
		DSN:         dsn,
		Verify:      string(connector.Prepare),
		Credentials: string(connector.CredentialsNone),
	}
	scope, ok := cfg.Scope("hive")
	require.True(t, ok)
	conn, err := connector.New(scope, connector.WithEncoder(encoder.New(encoder.WithFormat(encoder.CSV))))
	require.NoError(t, err)

	log := logger.NewTestLogger()
	c := cache.NewInMemory(ctx)
	p := pool.New(ctx, log, 2, 4)
	t.Cleanup(func() { p.Close(time.Second) })
	o := NewOrchestrator(OrchestratorConfig{
		Cache:      c,
		Connectors: map[string]connector.Connector{"hive": conn},
		Scopes:     cfg,
		Pool:       p,
		Logger:     log,
	})
	s := startServer(t, o, time.Minute)

	const q = `{"query":"SELECT name, qty FROM fruit ORDER BY qty","user":"bob"}`
	assert.Equal(t, `{"ok":"yes","status":"pending"}`+"\n", roundTrip(t, s, q))

	var answer *protocol.Answer
	require.Eventually(t, func() bool {
		line, err := send(s, q)
		if err != nil {
			return false
		}
		a, err := protocol.ParseAnswer([]byte(line))
		if err != nil || a.Status != protocol.StatusDone {
			return false
		}
		answer = a
		return true
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, []string{"name", "qty"}, answer.Cols)
	raw, err := encoder.Decompress(answer)
	require.NoError(t, err)
	assert.Equal(t, "apple\t3\npear\t5\n", string(raw))

	bad := roundTrip(t, s, `{"query":"SELECT * FROM vegetables","user":"bob"}`)
	assert.Contains(t, bad, `"ok":"no"`)
	assert.Contains(t, bad, "no such table")
}
