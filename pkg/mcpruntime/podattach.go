// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package mcpruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/archestra/gateway/pkg/orchestrator"
)

// podAttachTransport speaks line-delimited JSON-RPC over an attach stream to
// a running tool server pod. One Connect equals one attach; the stream stays
// up until the connection is closed, independent of the caller's context.
type podAttachTransport struct {
	orch orchestrator.Orchestrator
	pod  *orchestrator.Pod
}

var _ mcp.Transport = (*podAttachTransport)(nil)

// Connect implements mcp.Transport.
func (t *podAttachTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	stdinReader, stdinWriter := io.Pipe()
	stdoutReader, stdoutWriter := io.Pipe()

	attachCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	conn := &podAttachConn{
		pod:     t.pod,
		stdin:   stdinWriter,
		stdout:  stdoutReader,
		decoder: json.NewDecoder(stdoutReader),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(conn.done)
		err := t.orch.Attach(attachCtx, t.pod, stdinReader, stdoutWriter)
		if err == nil {
			err = io.EOF
		}
		// Fail pending reads and writes with the attach outcome.
		_ = stdoutWriter.CloseWithError(fmt.Errorf("pod %s attach ended: %w", t.pod.Name, err))
		_ = stdinReader.CloseWithError(err)
	}()

	return conn, nil
}

// podAttachConn is the mcp.Connection over one pod attach stream.
type podAttachConn struct {
	pod     *orchestrator.Pod
	stdin   *io.PipeWriter
	stdout  *io.PipeReader
	decoder *json.Decoder

	writeMu   sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ mcp.Connection = (*podAttachConn)(nil)

// SessionID identifies the stream by the pod serving it.
func (c *podAttachConn) SessionID() string {
	return c.pod.Name
}

// Read decodes the next JSON-RPC message from the pod's stdout. The SDK owns
// the read loop and unblocks it by closing the connection, so the context is
// not consulted here.
func (c *podAttachConn) Read(_ context.Context) (jsonrpc.Message, error) {
	var raw json.RawMessage
	if err := c.decoder.Decode(&raw); err != nil {
		return nil, err
	}
	return jsonrpc.DecodeMessage(raw)
}

// Write sends one JSON-RPC message to the pod's stdin, newline delimited.
func (c *podAttachConn) Write(_ context.Context, msg jsonrpc.Message) error {
	data, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stdin.Write(append(data, '\n'))
	return err
}

// Close detaches from the pod. Idempotent.
func (c *podAttachConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.stdin.Close()
		_ = c.stdout.Close()
		<-c.done
	})
	return nil
}
