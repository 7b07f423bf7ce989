package ipc

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/conarylabs/mira/internal/merrors"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mira.sock")
	srv, err := NewServer(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, path
}

type echoParams struct {
	Text string `json:"text"`
}

func TestClientCallRoundTrip(t *testing.T) {
	srv, path := startTestServer(t)
	srv.Register("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p echoParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return map[string]string{"echoed": p.Text}, nil
	})

	client := NewClient(path)
	var out map[string]string
	err := client.Call(context.Background(), "echo", echoParams{Text: "hello"}, &out)
	require.NoError(t, err)
	require.Equal(t, "hello", out["echoed"])
}

func TestClientCallUnknownOp(t *testing.T) {
	_, path := startTestServer(t)
	client := NewClient(path)
	err := client.Call(context.Background(), "not_registered", nil, nil)
	require.Error(t, err)
	require.Equal(t, merrors.Backend, merrors.KindOf(err))
}

func TestClientCallHandlerError(t *testing.T) {
	srv, path := startTestServer(t)
	srv.Register("fail", func(ctx context.Context, params json.RawMessage) (any, error) {
		return nil, require.AnError
	})

	client := NewClient(path)
	err := client.Call(context.Background(), "fail", nil, nil)
	require.Error(t, err)
	require.Equal(t, merrors.Backend, merrors.KindOf(err))
}

func TestClientCallNoServerReturnsUnavailable(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "does-not-exist.sock"))
	client.Timeout = 200 * time.Millisecond
	err := client.Call(context.Background(), "echo", nil, nil)
	require.Error(t, err)
	require.Equal(t, merrors.Unavailable, merrors.KindOf(err))
}

func TestServerRegisterReplacesHandler(t *testing.T) {
	srv, path := startTestServer(t)
	srv.Register("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		return "first", nil
	})
	srv.Register("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		return "second", nil
	})

	client := NewClient(path)
	var out string
	require.NoError(t, client.Call(context.Background(), "echo", nil, &out))
	require.Equal(t, "second", out)
}
