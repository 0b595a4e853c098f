package httpipc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagan-sh/kagan-core/internal/db"
	"github.com/kagan-sh/kagan-core/internal/db/repositories"
	"github.com/kagan-sh/kagan-core/internal/dispatcher"
	"github.com/kagan-sh/kagan-core/internal/plugin"
	"github.com/kagan-sh/kagan-core/pkg/kaganapi"
)

func startTestServer(t *testing.T) (*Server, context.CancelFunc) {
	t.Helper()
	testDB, err := db.NewTest(t)
	require.NoError(t, err)
	t.Cleanup(func() { testDB.Close() })

	audit := repositories.NewAuditRepo(testDB.Conn())
	host := dispatcher.New(plugin.New(), audit, 0, nil)
	host.RegisterSession("sess-1", plugin.ProfileOperator)
	host.RegisterBuiltin("demo", "ping", func(ctx context.Context, sessionID string, params map[string]any) (map[string]any, error) {
		return map[string]any{"pong": true}, nil
	})

	srv := New(host, "127.0.0.1:0")
	ctx, cancel := context.WithCancel(context.Background())

	ready := make(chan struct{})
	go func() {
		go func() {
			for srv.Addr() == "127.0.0.1:0" {
				time.Sleep(time.Millisecond)
			}
			close(ready)
		}()
		_ = srv.Start(ctx)
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not start in time")
	}
	// give the listener a moment to be Accept-ready
	time.Sleep(10 * time.Millisecond)
	return srv, cancel
}

func TestHealthz(t *testing.T) {
	srv, cancel := startTestServer(t)
	defer cancel()

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandleIPC_RoundTrip(t *testing.T) {
	srv, cancel := startTestServer(t)
	defer cancel()

	body, err := json.Marshal(kaganapi.CoreRequest{
		SessionID:  "sess-1",
		Capability: "demo",
		Method:     "ping",
	})
	require.NoError(t, err)

	resp, err := http.Post("http://"+srv.Addr()+"/ipc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var parsed kaganapi.CoreResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.True(t, parsed.OK)
	assert.Equal(t, true, parsed.Result["pong"])
}

func TestHandleIPC_MalformedBody(t *testing.T) {
	srv, cancel := startTestServer(t)
	defer cancel()

	resp, err := http.Post("http://"+srv.Addr()+"/ipc", "application/json", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
