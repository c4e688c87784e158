// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"io"
	"net/http"

	"github.com/archestra/gateway/pkg/errkind"
	"github.com/archestra/gateway/pkg/logging"
	"github.com/archestra/gateway/pkg/provider"
	"github.com/archestra/gateway/pkg/provider/bedrock"
	"github.com/archestra/gateway/pkg/store"
)

// serveStream forwards a streaming native request and relays the upstream
// frames to the client as they arrive. Frames pass through byte-for-byte;
// Bedrock's binary frames are decoded and re-framed so the padding field the
// decoder strips is restored deterministically. A usage tee reads each frame
// for token counts; the totals are metered when the stream ends, including
// when the client walks away mid-stream.
func (g *Gateway) serveStream(w http.ResponseWriter, r *http.Request, client provider.Client,
	interaction *store.Interaction, body []byte, rest string) {
	ctx := r.Context()
	tag := string(client.Name())

	req, err := g.upstreamRequest(ctx, client, body, rest)
	if err != nil {
		writeError(w, tag, err, 0)
		return
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		writeError(w, tag, errkind.Wrap(errkind.NetworkError, "forwarding to upstream", err), 0)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		writeError(w, tag, errkind.FromHTTPStatus(tag, resp.StatusCode, data), resp.StatusCode)
		return
	}

	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	out := &flushWriter{w: w, flusher: flusher}

	var usage provider.Usage
	if client.Framing() == provider.FramingEventStream {
		usage = g.relayEventStream(out, client, resp.Body)
	} else {
		usage = g.relayVerbatim(out, client, resp.Body)
	}

	g.record(ctx, usage, interaction)
}

// relayVerbatim copies the upstream bytes to the client while a frame
// scanner walks the same stream for usage payloads. Chunks reach the client
// at read time, so relayed output is always a prefix of the upstream's.
func (g *Gateway) relayVerbatim(out io.Writer, client provider.Client, upstream io.Reader) provider.Usage {
	var usage provider.Usage
	tee := io.TeeReader(upstream, out)
	sc := provider.NewFrameScanner(client.Framing(), tee)
	for sc.Next() {
		if u, ok := client.UsageFromPayload(sc.Data()); ok {
			usage.Merge(u)
		}
	}
	if err := sc.Err(); err != nil {
		logging.GetLogger().Warn("Stream scan ended early", "provider", client.Name(), "error", err)
		// Whatever the scanner would not parse still belongs to the client.
		_, _ = io.Copy(out, upstream)
	}
	return usage
}

// relayEventStream decodes Bedrock frames and re-emits them one by one.
func (g *Gateway) relayEventStream(out io.Writer, client provider.Client, upstream io.Reader) provider.Usage {
	var usage provider.Usage
	sc := provider.NewFrameScanner(client.Framing(), upstream)
	for sc.Next() {
		if u, ok := client.UsageFromPayload(sc.Data()); ok {
			usage.Merge(u)
		}
		frame, err := bedrock.Encode(sc.Event(), sc.Data())
		if err != nil {
			logging.GetLogger().Warn("Dropping unencodable stream frame", "event", sc.Event(), "error", err)
			continue
		}
		if _, err := out.Write(frame); err != nil {
			break
		}
	}
	if err := sc.Err(); err != nil {
		logging.GetLogger().Warn("Stream scan ended early", "provider", client.Name(), "error", err)
	}
	return usage
}

// flushWriter pushes every write to the client immediately.
type flushWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if f.flusher != nil {
		f.flusher.Flush()
	}
	return n, err
}
