// Copyright 2026 Author(s) of Archestra
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/archestra/gateway/pkg/errkind"
)

// schemaAttempt runs one chat call for ChatWithSchema. useNative asks for
// the provider's native JSON-schema response mode; adapters without one
// ignore it.
type schemaAttempt func(ctx context.Context, messages []Message, useNative bool) (string, error)

// chatWithSchema implements the shared structured-output protocol: one
// attempt (native JSON mode where the provider has one), then on a
// validation failure or a rejected request exactly one fallback attempt with
// the schema instruction inlined into the first user message.
func chatWithSchema(ctx context.Context, schema json.RawMessage, messages []Message, native bool, attempt schemaAttempt) (json.RawMessage, error) {
	compiled, err := compileSchema(schema)
	if err != nil {
		return nil, err
	}

	out, err := attempt(ctx, messages, native)
	if err == nil {
		if raw, vErr := validateJSON(compiled, out); vErr == nil {
			return raw, nil
		}
	} else if !errkind.IsKind(err, errkind.InvalidRequest) {
		return nil, err
	}

	out, err = attempt(ctx, withSchemaInstruction(messages, schema), false)
	if err != nil {
		return nil, err
	}
	return validateJSON(compiled, out)
}

func compileSchema(schema json.RawMessage) (*jsonschema.Schema, error) {
	compiled, err := jsonschema.CompileString("response.schema.json", string(schema))
	if err != nil {
		return nil, errkind.Wrap(errkind.Misconfigured, "response schema does not compile", err)
	}
	return compiled, nil
}

// validateJSON permissively parses out (stripping code fences) and validates
// it against the compiled schema.
func validateJSON(schema *jsonschema.Schema, out string) (json.RawMessage, error) {
	cleaned := strings.TrimSpace(stripFences(out))
	var value any
	if err := json.Unmarshal([]byte(cleaned), &value); err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "model response is not valid JSON", err)
	}
	if err := schema.Validate(value); err != nil {
		return nil, errkind.Wrap(errkind.InvalidRequest, "model response does not match the schema", err)
	}
	return json.RawMessage(cleaned), nil
}

// stripFences removes a surrounding triple-backtick code fence, with or
// without a language tag.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return s
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		// Drop a language tag like "json" on the opening fence line.
		first := strings.TrimSpace(trimmed[:idx])
		if first != "" && !strings.ContainsAny(first, "{}[]") {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}

// withSchemaInstruction returns a copy of messages with the schema
// instruction prepended to the first user message, or appended as a new user
// message when there is none.
func withSchemaInstruction(messages []Message, schema json.RawMessage) []Message {
	instruction := fmt.Sprintf("You must respond with valid JSON matching this schema: %s. Return only the JSON object.", string(schema))
	out := make([]Message, len(messages))
	copy(out, messages)
	for i := range out {
		if out[i].Role == RoleUser {
			out[i].Content = instruction + "\n\n" + out[i].Content
			return out
		}
	}
	return append(out, Message{Role: RoleUser, Content: instruction})
}
