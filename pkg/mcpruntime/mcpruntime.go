// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

// Package mcpruntime executes tool calls against MCP tool servers. The
// dispatcher keeps at most one connection per connection key, resumes
// upstream HTTP sessions across gateway replicas, serializes stdio traffic,
// recovers from stale sessions and expired OAuth credentials, and feeds the
// audit log.
package mcpruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	xsync "github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/singleflight"

	"github.com/archestra/gateway/pkg/appconsts"
	"github.com/archestra/gateway/pkg/audit"
	"github.com/archestra/gateway/pkg/bus"
	"github.com/archestra/gateway/pkg/errkind"
	"github.com/archestra/gateway/pkg/identity"
	"github.com/archestra/gateway/pkg/logging"
	"github.com/archestra/gateway/pkg/orchestrator"
	"github.com/archestra/gateway/pkg/secrets"
	"github.com/archestra/gateway/pkg/store"
)

// ClientSession is the slice of mcp.ClientSession the dispatcher uses.
// Tests inject fakes through the dispatcher's connect hook.
type ClientSession interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Ping(ctx context.Context, params *mcp.PingParams) error
	Close() error
}

// connectFunc establishes an MCP session over a prepared transport.
type connectFunc func(ctx context.Context, transport mcp.Transport) (ClientSession, error)

func defaultConnect(ctx context.Context, transport mcp.Transport) (ClientSession, error) {
	client := mcp.NewClient(&mcp.Implementation{
		Name:    appconsts.Name,
		Version: appconsts.Version,
	}, nil)
	return client.Connect(ctx, transport, nil)
}

// Config tunes the dispatcher. Zero values fall back to defaults.
type Config struct {
	// ConnectTimeout bounds waiting for a connection to become usable,
	// including scaling the pod from zero.
	ConnectTimeout time.Duration
	// PingTimeout bounds the health probe before a cached client is reused.
	PingTimeout time.Duration
	// ListToolsTimeout bounds the tool listing that seeds the name map.
	ListToolsTimeout time.Duration
	// OAuthRefreshTimeout bounds one token refresh round-trip.
	OAuthRefreshTimeout time.Duration
	// HTTPConcurrency caps in-flight calls per HTTP connection. Stdio is
	// always serialized to one.
	HTTPConcurrency int64
	// ToolNameTTL is how long the lowercase to canonical tool name map is
	// kept before the next call relists.
	ToolNameTTL time.Duration
	// InstallBaseURL prefixes the install deep link in actionable errors.
	InstallBaseURL string
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.ListToolsTimeout <= 0 {
		c.ListToolsTimeout = 10 * time.Second
	}
	if c.OAuthRefreshTimeout <= 0 {
		c.OAuthRefreshTimeout = 10 * time.Second
	}
	if c.HTTPConcurrency <= 0 {
		c.HTTPConcurrency = 4
	}
	if c.ToolNameTTL <= 0 {
		c.ToolNameTTL = 10 * time.Minute
	}
	if c.InstallBaseURL == "" {
		c.InstallBaseURL = "https://app.archestra.ai/mcp-catalog"
	}
	return c
}

// ToolCall is one tool invocation requested by an agent.
type ToolCall struct {
	AgentID        string
	ConversationID string
	Name           string
	Arguments      map[string]any
}

// ToolResult is the outcome of a dispatched call. ToolName carries the
// server's canonical spelling, Content the flattened text output.
type ToolResult struct {
	ToolName string
	Content  string
	IsError  bool
}

// sessionMeta is captured session state awaiting persistence.
type sessionMeta struct {
	sessionID string
	endpoint  string
	podName   string
}

// Dispatcher routes tool calls to their servers.
type Dispatcher struct {
	store   store.Store
	secrets *secrets.Manager
	orch    orchestrator.Orchestrator
	cfg     Config

	// id distinguishes this replica's invalidation messages from peers'.
	id string

	clients *xsync.Map[string, *clientEntry]
	pending *xsync.Map[string, *sessionMeta]
	flights singleflight.Group
	connect connectFunc

	runCtx    context.Context
	cancelRun context.CancelFunc

	audits        bus.Bus[*audit.Event]
	invalidations bus.Bus[*Invalidation]
	unsubscribe   func()
}

// NewDispatcher wires a dispatcher. Call Start to attach the event bus and
// Shutdown to drain connections.
func NewDispatcher(st store.Store, sec *secrets.Manager, orch orchestrator.Orchestrator, cfg Config) *Dispatcher {
	runCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:     st,
		secrets:   sec,
		orch:      orch,
		cfg:       cfg.withDefaults(),
		id:        uuid.New().String(),
		clients:   xsync.NewMap[string, *clientEntry](),
		pending:   xsync.NewMap[string, *sessionMeta](),
		connect:   defaultConnect,
		runCtx:    runCtx,
		cancelRun: cancel,
	}
}

// Start subscribes the dispatcher to cross-replica session invalidations and
// opens the audit topic. provider may be nil in tests; the dispatcher then
// runs without bus fan-out.
func (d *Dispatcher) Start(ctx context.Context, provider *bus.Provider) error {
	if provider == nil {
		return nil
	}
	audits, err := bus.GetBus[*audit.Event](provider, bus.ToolCallAuditTopic)
	if err != nil {
		return fmt.Errorf("failed to open audit topic: %w", err)
	}
	invalidations, err := bus.GetBus[*Invalidation](provider, bus.SessionInvalidationTopic)
	if err != nil {
		return fmt.Errorf("failed to open invalidation topic: %w", err)
	}
	d.audits = audits
	d.invalidations = invalidations
	d.unsubscribe = invalidations.Subscribe(ctx, bus.SessionInvalidationTopic, d.onInvalidated)
	return nil
}

// Shutdown detaches from the bus and closes every cached connection.
func (d *Dispatcher) Shutdown(_ context.Context) error {
	if d.unsubscribe != nil {
		d.unsubscribe()
		d.unsubscribe = nil
	}
	d.cancelRun()
	d.clients.Range(func(key string, entry *clientEntry) bool {
		d.clients.Delete(key)
		entry.close()
		return true
	})
	return nil
}

// onInvalidated drops the local client for a key another replica evicted.
// The session row is already gone; keeping the client would just fail its
// next ping.
func (d *Dispatcher) onInvalidated(msg *Invalidation) {
	if msg == nil || msg.Origin == d.id {
		return
	}
	if entry, ok := d.clients.LoadAndDelete(msg.ConnectionKey); ok {
		logging.GetLogger().Info("Dropping tool server client invalidated by peer", "connection_key", msg.ConnectionKey)
		entry.close()
	}
}

// Execute dispatches one tool call. Stale sessions and rejected credentials
// are each recovered at most once; everything else surfaces to the caller.
func (d *Dispatcher) Execute(ctx context.Context, call *ToolCall) (*ToolResult, error) {
	if call == nil || call.Name == "" {
		return nil, errkind.New(errkind.InvalidRequest, "tool call needs a tool name")
	}
	if call.AgentID == "" {
		return nil, errkind.New(errkind.InvalidRequest, "tool call needs an agent id")
	}

	tool, err := d.store.GetToolByName(ctx, strings.ToLower(call.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to look up tool %s: %w", call.Name, err)
	}
	if tool == nil {
		return nil, errkind.Newf(errkind.NotFound, "tool %s is not configured", call.Name)
	}

	auth, _ := identity.AuthFromContext(ctx)
	target, err := d.resolveTarget(ctx, tool, auth)
	if err != nil {
		return nil, err
	}

	var extUserID string
	if auth != nil && auth.IsExternalIdp {
		extUserID = auth.UserID
	}
	conversationID := ""
	if target.stdio {
		conversationID = call.ConversationID
	}
	key := ConnectionKey(target.catalog.ID, target.server.ID, call.AgentID, conversationID, extUserID)

	result, err := d.callWithRecovery(ctx, key, target, auth, call)
	if err != nil {
		d.publishAudit(ctx, call.AgentID, call.Name, call.Arguments, map[string]any{"error": err.Error()}, true, auth)
		return nil, err
	}
	d.flushSession(ctx, key)

	if tool.ResponseModifierTemplate != "" {
		rendered, rerr := renderModifier(tool.ResponseModifierTemplate, result.Content, result.ToolName, call.AgentID)
		if rerr != nil {
			logging.GetLogger().Warn("Response modifier failed, passing original content through",
				"tool", result.ToolName, "error", rerr)
		} else {
			result.Content = rendered
		}
	}

	d.publishAudit(ctx, call.AgentID, result.ToolName, call.Arguments, result.Content, result.IsError, auth)
	return result, nil
}

// callWithRecovery runs the call, rebuilding the connection once on a stale
// session and refreshing credentials once on an upstream 401.
func (d *Dispatcher) callWithRecovery(ctx context.Context, key string, target *target, auth *identity.TokenAuthContext, call *ToolCall) (*ToolResult, error) {
	logger := logging.GetLogger().With("connection_key", key, "tool", call.Name)
	var staleRetried, authRetried bool
	for {
		result, err := d.callOnce(ctx, key, target, auth, call)
		if err == nil {
			return result, nil
		}
		switch {
		case errkind.IsKind(err, errkind.StaleSession) && !staleRetried:
			staleRetried = true
			logger.Info("Stale tool server session, rebuilding connection")
			continue
		case errkind.IsKind(err, errkind.Authentication) && !authRetried &&
			target.catalog.OAuthConfig != nil && target.server.SecretID != "":
			authRetried = true
			logger.Info("Tool server rejected credentials, attempting oauth refresh")
			if rerr := d.refreshOAuth(ctx, target.server, target.catalog); rerr != nil {
				return nil, rerr
			}
			continue
		}
		return nil, err
	}
}

// callOnce performs a single attempt against a healthy connection.
func (d *Dispatcher) callOnce(ctx context.Context, key string, target *target, auth *identity.TokenAuthContext, call *ToolCall) (*ToolResult, error) {
	entry, err := d.clientFor(ctx, key, target, auth)
	if err != nil {
		return nil, err
	}
	if err := entry.begin(); err != nil {
		return nil, err
	}
	defer entry.end()

	if err := entry.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer entry.limiter.Release(1)

	canonical := d.canonicalName(ctx, entry, call.Name)
	result, err := entry.session.CallTool(ctx, &mcp.CallToolParams{
		Name:      canonical,
		Arguments: call.Arguments,
	})
	if err != nil {
		kind := classifyCallError(err)
		if kind == errkind.StaleSession || kind == errkind.Authentication {
			d.evict(ctx, key, entry)
		}
		return nil, errkind.Wrap(kind, fmt.Sprintf("tool %s failed", canonical), err)
	}

	return &ToolResult{
		ToolName: canonical,
		Content:  flattenContent(result.Content),
		IsError:  result.IsError,
	}, nil
}

// clientFor returns a healthy cached client or builds one. Cached clients
// are pinged first; concurrent rebuilds for the same key coalesce on a
// single flight and losers wait for the winner's client.
func (d *Dispatcher) clientFor(ctx context.Context, key string, target *target, auth *identity.TokenAuthContext) (*clientEntry, error) {
	if entry, ok := d.clients.Load(key); ok {
		pctx, cancel := context.WithTimeout(ctx, d.cfg.PingTimeout)
		err := entry.session.Ping(pctx, nil)
		cancel()
		if err == nil {
			return entry, nil
		}
		logging.GetLogger().Info("Evicting unresponsive tool server client", "connection_key", key, "error", err)
		d.evict(ctx, key, entry)
	}

	ch := d.flights.DoChan(key, func() (any, error) {
		return d.buildClient(key, target, auth)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*clientEntry), nil
	case <-ctx.Done():
		d.flights.Forget(key)
		return nil, ctx.Err()
	}
}

// buildClient establishes a new connection for the key. It runs under the
// dispatcher's lifecycle context so the session outlives the request that
// triggered it.
func (d *Dispatcher) buildClient(key string, target *target, auth *identity.TokenAuthContext) (*clientEntry, error) {
	logger := logging.GetLogger().With("connection_key", key, "mcp_server_id", target.server.ID)

	kind := kindHTTP
	if target.stdio {
		kind = kindStdio
	}
	entry := newClientEntry(key, kind)
	entry.connecting()

	octx, cancel := context.WithTimeout(d.runCtx, d.cfg.ConnectTimeout)
	defer cancel()

	var transport mcp.Transport
	maxInFlight := d.cfg.HTTPConcurrency
	if target.stdio {
		maxInFlight = 1
		if err := d.orch.EnsureDeployment(octx, target.server.ID); err != nil {
			return nil, errkind.Wrap(errkind.NetworkError, "failed to scale tool server pod", err)
		}
		pod, err := d.orch.RunningPod(octx, target.server.ID)
		if err != nil {
			return nil, errkind.Wrap(errkind.NetworkError, "no running pod for tool server", err)
		}
		entry.podName = pod.Name
		transport = &podAttachTransport{orch: d.orch, pod: pod}
	} else {
		endpoint, podName, err := d.httpEndpoint(octx, target)
		if err != nil {
			return nil, err
		}
		entry.endpoint = endpoint
		entry.podName = podName

		srt := &sessionRoundTripper{
			onSession: func(id string) {
				d.pending.Store(key, &sessionMeta{sessionID: id, endpoint: endpoint, podName: podName})
			},
		}
		if row, err := d.store.GetMcpSession(d.runCtx, key); err != nil {
			logger.Warn("Failed to read persisted session, starting fresh", "error", err)
		} else if row != nil {
			srt.setSessionID(row.SessionID)
			logger.Info("Resuming persisted tool server session", "session_id", row.SessionID)
		}

		token, err := d.upstreamToken(octx, target, auth)
		if err != nil {
			return nil, err
		}
		httpClient := &http.Client{
			Transport: &bearerRoundTripper{token: token, base: srt},
			// Redirects would leak the credential to another host.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
		transport = &mcp.StreamableClientTransport{
			Endpoint:   endpoint,
			HTTPClient: httpClient,
		}
	}

	session, err := d.connect(d.runCtx, transport)
	if err != nil {
		kind := classifyCallError(err)
		if kind == errkind.Unknown {
			kind = errkind.NetworkError
		}
		if kind == errkind.StaleSession {
			// The persisted session is dead; drop it so the retry starts clean.
			d.forgetSession(d.runCtx, key)
		}
		return nil, errkind.Wrap(kind, fmt.Sprintf("failed to connect to tool server %s", target.server.ID), err)
	}
	entry.ready(session, maxInFlight, d.cfg.ToolNameTTL)
	if old, loaded := d.clients.LoadAndStore(key, entry); loaded && old != entry {
		// A build that lost the caller raced a newer one; drop the loser.
		old.close()
	}
	logger.Info("Connected to tool server", "transport", kind.String())
	return entry, nil
}

// httpEndpoint resolves where the streamable HTTP connection goes: the
// catalog URL for remote servers, the service endpoint of a scaled-up pod
// for local ones.
func (d *Dispatcher) httpEndpoint(ctx context.Context, target *target) (endpoint, podName string, err error) {
	if target.catalog.ServerType == store.ServerTypeRemote {
		if target.catalog.ServerURL == "" {
			return "", "", errkind.Newf(errkind.Misconfigured, "catalog item %s has no server url", target.catalog.ID)
		}
		return target.catalog.ServerURL, "", nil
	}
	if err := d.orch.EnsureDeployment(ctx, target.server.ID); err != nil {
		return "", "", errkind.Wrap(errkind.NetworkError, "failed to scale tool server pod", err)
	}
	pod, err := d.orch.RunningPod(ctx, target.server.ID)
	if err != nil {
		return "", "", errkind.Wrap(errkind.NetworkError, "no running pod for tool server", err)
	}
	endpoint, err = d.orch.HTTPEndpoint(ctx, target.server.ID)
	if err != nil {
		return "", "", errkind.Wrap(errkind.NetworkError, "no http endpoint for tool server", err)
	}
	return endpoint, pod.Name, nil
}

// upstreamToken picks the bearer token for an HTTP connection: the caller's
// own JWT for external-IdP users, otherwise the server's stored credential.
func (d *Dispatcher) upstreamToken(ctx context.Context, target *target, auth *identity.TokenAuthContext) (string, error) {
	if auth != nil && auth.IsExternalIdp && auth.RawToken != "" {
		return auth.RawToken, nil
	}
	if target.server.SecretID == "" {
		return "", nil
	}
	raw, err := d.secrets.Resolve(ctx, target.server.SecretID)
	if err != nil {
		return "", errkind.Wrap(errkind.Misconfigured,
			fmt.Sprintf("failed to resolve credentials for tool server %s", target.server.ID), err)
	}
	return parseStoredToken(raw).AccessToken, nil
}

// canonicalName maps a stored lowercase tool name back to the server's
// spelling, listing tools once per TTL window. Unknown names pass through
// unchanged and fail upstream with the server's own error.
func (d *Dispatcher) canonicalName(ctx context.Context, entry *clientEntry, name string) string {
	lower := strings.ToLower(name)
	if item := entry.names.Get(lower); item != nil {
		return item.Value()
	}

	lctx, cancel := context.WithTimeout(ctx, d.cfg.ListToolsTimeout)
	defer cancel()
	res, err := entry.session.ListTools(lctx, &mcp.ListToolsParams{})
	if err != nil {
		logging.GetLogger().Warn("Failed to list tools for name resolution", "connection_key", entry.key, "error", err)
		return name
	}
	for _, t := range res.Tools {
		entry.names.Set(strings.ToLower(t.Name), t.Name, ttlcache.DefaultTTL)
	}
	if item := entry.names.Get(lower); item != nil {
		return item.Value()
	}
	return name
}

// evict closes a connection and forgets its session row.
func (d *Dispatcher) evict(ctx context.Context, key string, entry *clientEntry) {
	if current, ok := d.clients.Load(key); ok && current == entry {
		d.clients.Delete(key)
	}
	entry.close()
	d.forgetSession(ctx, key)
}

// forgetSession removes the persisted session row and tells the other
// replicas to drop their clients for the key.
func (d *Dispatcher) forgetSession(ctx context.Context, key string) {
	d.pending.Delete(key)
	if err := d.store.DeleteMcpSession(ctx, key); err != nil {
		logging.GetLogger().Warn("Failed to delete persisted session", "connection_key", key, "error", err)
	}
	if d.invalidations != nil {
		msg := &Invalidation{ConnectionKey: key, Origin: d.id}
		if err := d.invalidations.Publish(ctx, bus.SessionInvalidationTopic, msg); err != nil {
			logging.GetLogger().Warn("Failed to publish session invalidation", "connection_key", key, "error", err)
		}
	}
}

// flushSession persists session metadata captured during the call so other
// replicas can resume the upstream session.
func (d *Dispatcher) flushSession(ctx context.Context, key string) {
	meta, ok := d.pending.LoadAndDelete(key)
	if !ok {
		return
	}
	row := &store.McpHttpSession{
		ConnectionKey:          key,
		SessionID:              meta.sessionID,
		SessionEndpointURL:     meta.endpoint,
		SessionEndpointPodName: meta.podName,
	}
	if err := d.store.PutMcpSession(ctx, row); err != nil {
		// Put it back so the next successful call retries the write.
		d.pending.Store(key, meta)
		logging.GetLogger().Warn("Failed to persist tool server session", "connection_key", key, "error", err)
	}
}

// publishAudit emits the call to the audit topic unless the tool is in the
// high-frequency chatter class.
func (d *Dispatcher) publishAudit(ctx context.Context, agentID, toolName string, args any, result any, isError bool, auth *identity.TokenAuthContext) {
	if d.audits == nil || !audit.Loggable(toolName) {
		return
	}
	callJSON, err := json.Marshal(args)
	if err != nil {
		callJSON = nil
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = nil
	}
	event := &audit.Event{
		AgentID:    agentID,
		ToolName:   toolName,
		ToolCall:   callJSON,
		ToolResult: resultJSON,
		IsError:    isError,
	}
	if auth != nil {
		event.UserID = auth.UserID
		event.AuthMethod = authMethod(auth)
	}
	if err := d.audits.Publish(ctx, bus.ToolCallAuditTopic, event); err != nil {
		logging.GetLogger().Warn("Failed to publish tool call audit event", "tool", toolName, "error", err)
	}
}

func authMethod(auth *identity.TokenAuthContext) string {
	switch {
	case auth.IsExternalIdp:
		return "external_idp"
	case auth.IsOrgToken:
		return "org_token"
	default:
		return "gateway_token"
	}
}

// classifyCallError maps an upstream failure onto an error kind. Classified
// errors keep their kind; bare transport errors are inspected for the usual
// stale-session and auth markers.
func classifyCallError(err error) errkind.Kind {
	if kind := errkind.KindOf(err); kind != errkind.Unknown {
		return kind
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "session not found"),
		strings.Contains(msg, "404") && strings.Contains(msg, "session"):
		return errkind.StaleSession
	case strings.Contains(msg, "401"), strings.Contains(msg, "unauthorized"):
		return errkind.Authentication
	}
	return errkind.Unknown
}

// flattenContent renders tool output as text. Text parts pass through;
// anything else keeps its JSON form.
func flattenContent(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if text, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, text.Text)
			continue
		}
		if buf, err := json.Marshal(c); err == nil {
			parts = append(parts, string(buf))
		}
	}
	return strings.Join(parts, "\n")
}
