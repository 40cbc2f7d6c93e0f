package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/errors"
	"github.com/deechat/dmcp/pkg/events"
	"github.com/deechat/dmcp/pkg/logger"
)

// CallTool invokes one tool on one server. Identical calls inside the
// call-cache window are served from the cache without touching the wire.
// Once a call is dispatched, any failure — tool-level, transport, or
// timeout — comes back in the response with success false and a toolError
// event, never as a returned error. Returned errors are reserved for bad
// requests and routing: missing identity, unknown server, schema
// rejection, a session that cannot be opened.
func (o *Orchestrator) CallTool(ctx context.Context, req core.ToolCallRequest) (*core.ToolCallResponse, error) {
	if strings.TrimSpace(req.ServerID) == "" || strings.TrimSpace(req.ToolName) == "" {
		return nil, errors.NewConfigInvalidError("tool call requires serverId and toolName", nil)
	}

	start := time.Now()

	if cached, ok := o.cache.GetToolCall(req.ServerID, req.ToolName, req.Arguments); ok {
		resp := cached
		resp.CallID = req.CallID
		resp.DurationMs = time.Since(start).Milliseconds()
		o.bus.EmitData(events.ToolCalled, req.ServerID, map[string]any{
			"toolName":   req.ToolName,
			"durationMs": resp.DurationMs,
			"cached":     true,
		})
		return &resp, nil
	}

	cfg, ok := o.registry.Get(req.ServerID)
	if !ok {
		return nil, errors.NewConfigInvalidError(fmt.Sprintf("unknown server id %q", req.ServerID), nil)
	}

	c, err := o.supervisor.GetOrOpen(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if o.validateArgs {
		if err := o.validateArguments(req); err != nil {
			return nil, err
		}
	}

	outcome, err := c.CallTool(ctx, req.ToolName, req.Arguments)
	elapsed := time.Since(start).Milliseconds()
	if elapsed < 1 {
		elapsed = 1 // a dispatched call is never free
	}
	if err != nil {
		o.bus.EmitError(events.ToolError, req.ServerID, err)
		return &core.ToolCallResponse{
			Success:    false,
			Error:      err.Error(),
			CallID:     req.CallID,
			DurationMs: elapsed,
		}, nil
	}

	resp := &core.ToolCallResponse{
		Success:    !outcome.IsError,
		Result:     outcome.Result,
		Error:      outcome.ErrorText,
		CallID:     req.CallID,
		DurationMs: elapsed,
	}

	if outcome.IsError {
		o.bus.EmitData(events.ToolError, req.ServerID, map[string]any{
			"toolName":   req.ToolName,
			"durationMs": elapsed,
			"error":      outcome.ErrorText,
		})
		return resp, nil
	}

	o.cache.SetToolCall(req.ServerID, req.ToolName, req.Arguments, *resp)
	o.cache.RecordToolUsage(req.ServerID, req.ToolName)
	o.bus.EmitData(events.ToolCalled, req.ServerID, map[string]any{
		"toolName":   req.ToolName,
		"durationMs": elapsed,
	})
	return resp, nil
}

// validateArguments checks the call arguments against the tool's cached
// input schema. A server whose catalog is not cached, or a tool without a
// schema, passes; validation only ever runs against data we already hold.
func (o *Orchestrator) validateArguments(req core.ToolCallRequest) error {
	tools, ok := o.cache.GetTools(req.ServerID)
	if !ok {
		return nil
	}

	var schema json.RawMessage
	for i := range tools {
		if tools[i].Name == req.ToolName {
			schema = tools[i].InputSchema
			break
		}
	}
	if len(schema) == 0 {
		return nil
	}

	args := req.Arguments
	if args == nil {
		args = map[string]any{}
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		// A malformed schema is the server's fault, not the caller's.
		logger.Debugw("skipping argument validation", "server", req.ServerID, "tool", req.ToolName, "error", err)
		return nil
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return errors.NewConfigInvalidError(
			fmt.Sprintf("arguments for tool %s rejected by its schema: %s",
				req.ToolName, strings.Join(details, "; ")), nil)
	}
	return nil
}
