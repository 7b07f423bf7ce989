package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/conarylabs/mira/internal/merrors"
)

// Client is the stdin-JSON hook front-end's connection to the daemon. It
// dials lazily and reconnects on every call — hooks are short-lived
// processes, not long-running clients, so there is no persistent
// connection to manage.
type Client struct {
	SocketPath string
	Timeout    time.Duration
}

// NewClient returns a Client with a default 5s round-trip timeout.
func NewClient(socketPath string) *Client {
	return &Client{SocketPath: socketPath, Timeout: 5 * time.Second}
}

// Call sends op with params and decodes the result into out (which may be
// nil if the caller doesn't need the payload). It returns an error of
// Kind Unavailable if the daemon cannot be reached at all, which callers
// use as the signal to fall back to a direct, in-process implementation
// rather than treating it as a hard failure.
func (c *Client) Call(ctx context.Context, op string, params, out any) error {
	const opName = "ipc.Client.Call"

	dialer := net.Dialer{Timeout: c.Timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return merrors.New(merrors.Unavailable, opName, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(c.Timeout))
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return merrors.New(merrors.InvalidInput, opName, err)
	}
	req := Request{Op: op, ID: uuid.NewString(), Params: paramsJSON}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return merrors.New(merrors.InvalidInput, opName, err)
	}
	if _, err := conn.Write(append(reqJSON, '\n')); err != nil {
		return merrors.New(merrors.Transient, opName, err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return merrors.New(merrors.Transient, opName, err)
		}
		return merrors.Newf(merrors.Transient, opName, "connection closed with no response")
	}

	var resp Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return merrors.New(merrors.Backend, opName, err)
	}
	if !resp.OK {
		return merrors.Newf(merrors.Backend, opName, "%s: %s", op, resp.Error)
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return merrors.New(merrors.Backend, opName, err)
	}
	return nil
}

// CallFireAndForget sends op and discards the reply's payload — used by
// hook callers for events like log_behavior where the front-end has no
// use for an acknowledgement, just best-effort delivery. It still waits
// for the reply line, within the call's deadline. Errors other than
// Unavailable go to logger, never stdout, since the hook front-end's
// stdout is the host agent's JSON protocol channel.
func (c *Client) CallFireAndForget(ctx context.Context, op string, params any, logger *slog.Logger) {
	if err := c.Call(ctx, op, params, nil); err != nil && !merrors.Is(err, merrors.Unavailable) {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("fire-and-forget ipc call failed", "op", op, "error", err)
	}
}
