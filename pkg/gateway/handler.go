// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/archestra/gateway/pkg/credential"
	"github.com/archestra/gateway/pkg/errkind"
	"github.com/archestra/gateway/pkg/identity"
	"github.com/archestra/gateway/pkg/logging"
	"github.com/archestra/gateway/pkg/metrics"
	"github.com/archestra/gateway/pkg/provider"
	"github.com/archestra/gateway/pkg/store"
	"github.com/archestra/gateway/pkg/util"
)

// handleChat serves POST /v1/{provider}/{agentId}[/{rest}]. The body is the
// provider's native chat request; the response mirrors the upstream's native
// shape, streamed when the request asks for it.
func (g *Gateway) handleChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	name, err := provider.Parse(vars["provider"])
	if err != nil {
		writeError(w, "", err, 0)
		return
	}
	tag := string(name)

	auth, ok := identity.AuthFromContext(ctx)
	if !ok {
		writeError(w, tag, errkind.New(errkind.Authentication, "request is not authenticated"), 0)
		return
	}

	meta := ParseMeta(r.Header)
	rest := vars["rest"]
	if rest != "" && r.URL.RawQuery != "" {
		rest += "?" + r.URL.RawQuery
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, tag, errkind.Wrap(errkind.InvalidRequest, "reading request body", err), 0)
		return
	}

	agent, err := g.store.GetAgent(ctx, vars["agentId"])
	if err != nil {
		writeError(w, tag, err, 0)
		return
	}
	if agent == nil {
		writeError(w, tag, errkind.Newf(errkind.NotFound, "agent %s not found", vars["agentId"]), 0)
		return
	}
	if auth.OrgID != "" && agent.OrgID != "" && agent.OrgID != auth.OrgID {
		writeError(w, tag, errkind.New(errkind.PermissionDenied, "agent belongs to a different organization"), 0)
		return
	}

	// A keyless probe extracts the model so admission runs before any
	// secret is dereferenced.
	probe, err := provider.New(name, provider.Config{})
	if err != nil {
		writeError(w, tag, err, 0)
		return
	}
	model := probe.Model(body, rest)

	if err := g.guard.Admit(ctx, agent.ID, model); err != nil {
		writeError(w, tag, err, 0)
		return
	}

	cred, err := g.resolveCredential(ctx, auth, agent, meta, name)
	if err != nil {
		writeError(w, tag, err, 0)
		return
	}
	if !cred.Configured() && !g.keyOptional(name) {
		writeError(w, tag, errkind.Newf(errkind.Misconfigured, "no %s API key is configured for this request", tag), 0)
		return
	}

	cfg, err := g.providerConfig(ctx, name, cred.APIKey)
	if err != nil {
		writeError(w, tag, err, 0)
		return
	}
	client, err := provider.New(name, cfg)
	if err != nil {
		writeError(w, tag, err, 0)
		return
	}

	interaction := &store.Interaction{
		Type:            client.InteractionType(),
		AgentID:         agent.ID,
		OrgID:           auth.OrgID,
		UserID:          util.FirstNonEmpty(meta.UserID, auth.UserID),
		SessionID:       meta.SessionID,
		ExecutionID:     meta.ExecutionID,
		ExternalAgentID: meta.ExternalAgentID,
		Model:           model,
		Request:         json.RawMessage(body),
	}

	if client.WantsStream(body, rest) {
		g.serveStream(w, r, client, interaction, body, rest)
		return
	}
	g.serveUnary(w, r, client, agent, meta, interaction, body, rest)
}

// resolveCredential fills the ladder request from the token, the agent and
// the propagated session, widening access for admin users.
func (g *Gateway) resolveCredential(ctx context.Context, auth *identity.TokenAuthContext,
	agent *store.Agent, meta RequestMeta, name provider.Name) (*credential.Credential, error) {
	req := credential.Request{
		OrgID:            auth.OrgID,
		Provider:         string(name),
		UserID:           auth.UserID,
		UserTeamIDs:      auth.TeamIDs,
		ConversationID:   meta.SessionID,
		AgentLlmAPIKeyID: agent.LlmAPIKeyID,
	}
	if auth.UserID != "" {
		user, err := g.store.GetUser(ctx, auth.UserID)
		if err != nil {
			return nil, err
		}
		req.IsAdmin = user != nil && user.IsAdmin
	}
	return g.resolver.Resolve(ctx, req)
}

// record meters one exchange. Client disconnects do not cancel the write;
// tokens consumed by an abandoned stream still count.
func (g *Gateway) record(ctx context.Context, u provider.Usage, interaction *store.Interaction) {
	interaction.InputTokens = u.InputTokens
	interaction.OutputTokens = u.OutputTokens

	labels := []metrics.Label{
		{Name: "type", Value: interaction.Type},
		{Name: "model", Value: interaction.Model},
	}
	metrics.IncrCounterWithLabels([]string{"gateway", "chat", "requests"}, 1, labels)
	metrics.IncrCounterWithLabels([]string{"gateway", "chat", "input_tokens"}, float32(u.InputTokens), labels)
	metrics.IncrCounterWithLabels([]string{"gateway", "chat", "output_tokens"}, float32(u.OutputTokens), labels)

	if err := g.recorder.Record(context.WithoutCancel(ctx), interaction); err != nil {
		logging.GetLogger().Error("Failed to record interaction",
			"agent_id", interaction.AgentID, "type", interaction.Type, "error", err)
	}
}
