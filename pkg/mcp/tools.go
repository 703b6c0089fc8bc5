package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// handleDefine validates and stores a workflow definition.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "workflow", nil)
	if raw == nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}

	def, err := decodeWorkflow(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid workflow: %v", err)), nil
	}

	wf, result, defErr := s.runner.Define(ctx, def)
	if defErr != nil {
		if result != nil && !result.Valid() {
			return errorResult(defErr, map[string]any{"validation": result})
		}
		return errorResult(defErr, nil)
	}

	out := map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"steps":       len(wf.Definition.Steps),
	}
	if result != nil && len(result.Warnings) > 0 {
		out["warnings"] = result.Warnings
	}
	return marshalResult(out)
}

// handleRun starts a run, or runs it to completion when wait is set.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	if !req.GetBool("wait", false) {
		run, startErr := s.runner.Start(ctx, workflowID, inputs)
		if startErr != nil {
			return errorResult(startErr, nil)
		}
		s.logger.Info("run started via mcp", slog.String("run_id", run.ID), slog.String("workflow_id", workflowID))
		return marshalResult(map[string]any{"run_id": run.ID, "status": run.Status})
	}

	run, runErr := s.runner.Run(ctx, workflowID, inputs)
	if run == nil {
		return errorResult(runErr, nil)
	}
	view, viewErr := runView(run)
	if viewErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to decode run: %v", viewErr)), nil
	}
	if runErr != nil {
		return errorResult(runErr, map[string]any{"run": view})
	}
	return marshalResult(view)
}

// handleStatus returns the persisted state of a run.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	report, statusErr := s.runner.Status(ctx, runID)
	if statusErr != nil {
		return errorResult(statusErr, nil)
	}
	view, viewErr := runView(report.Run)
	if viewErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to decode run: %v", viewErr)), nil
	}
	view["active"] = report.Active
	view["steps"] = report.Steps
	return marshalResult(view)
}

// handleCancel asks a run to stop before its next step.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	reason := req.GetString("reason", "")

	if cancelErr := s.runner.Cancel(ctx, runID, reason); cancelErr != nil {
		return errorResult(cancelErr, nil)
	}
	return marshalResult(map[string]any{"ok": true, "run_id": runID})
}

// handleTools lists the registered tools.
func (s *Server) handleTools(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.catalog == nil {
		return marshalResult(map[string]any{"tools": []any{}})
	}
	return marshalResult(map[string]any{"tools": s.catalog.List()})
}

// handleDelete removes a stored workflow.
func (s *Server) handleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	if delErr := s.runner.DeleteWorkflow(ctx, workflowID); delErr != nil {
		return errorResult(delErr, nil)
	}
	return marshalResult(map[string]any{"ok": true, "workflow_id": workflowID})
}

// handleSchedule stores a cron schedule for a workflow.
func (s *Server) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	sched, schedErr := s.scheduler.Create(ctx, workflowID, cronExpr, inputs)
	if schedErr != nil {
		return errorResult(schedErr, nil)
	}
	return marshalResult(sched)
}

// handleDiagram renders a workflow, or the workflow of a run with the run's
// step statuses.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID := req.GetString("workflow_id", "")
	runID := req.GetString("run_id", "")
	if (workflowID == "") == (runID == "") {
		return mcp.NewToolResultError("exactly one of workflow_id or run_id is required"), nil
	}

	var records []*store.StepRecord
	if runID != "" {
		report, err := s.runner.Status(ctx, runID)
		if err != nil {
			return errorResult(err, nil)
		}
		workflowID = report.Run.WorkflowID
		records = report.Steps
	}
	wf, err := s.runner.Workflow(ctx, workflowID)
	if err != nil {
		return errorResult(err, nil)
	}

	model, err := diagram.Build(&wf.Definition, records)
	if err != nil {
		return errorResult(err, nil)
	}
	switch format := req.GetString("format", "mermaid"); format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "text":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown diagram format: %s", format)), nil
	}
}

// handleQuery lists workflows, runs or events based on filters.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *Server) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if name, ok := filter["name"].(string); ok {
		wf.Name = name
	}

	workflows, err := s.runner.Workflows(ctx, wf)
	if err != nil {
		return errorResult(err, nil)
	}
	summaries := make([]map[string]any, 0, len(workflows))
	for _, w := range workflows {
		summaries = append(summaries, map[string]any{
			"id":          w.ID,
			"name":        w.Name,
			"description": w.Description,
			"steps":       len(w.Definition.Steps),
			"updated_at":  w.UpdatedAt,
		})
	}
	return marshalResult(map[string]any{"workflows": summaries})
}

func (s *Server) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		rf.WorkflowID = wfID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}

	runs, err := s.runner.Runs(ctx, rf)
	if err != nil {
		return errorResult(err, nil)
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *Server) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.events == nil {
		return mcp.NewToolResultError("event log is not available"), nil
	}
	runID, _ := filter["run_id"].(string)
	if runID == "" {
		return mcp.NewToolResultError("event query requires 'run_id' in filter"), nil
	}
	since := int64(extractInt(filter, "since", 0))

	events, err := s.events.GetEvents(ctx, runID, since)
	if err != nil {
		return errorResult(err, nil)
	}
	if limit := extractInt(filter, "limit", 0); limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// decodeWorkflow converts the tool argument into a workflow, rejecting
// unknown fields.
func decodeWorkflow(raw map[string]any) (schema.Workflow, error) {
	var def schema.Workflow
	data, err := json.Marshal(raw)
	if err != nil {
		return def, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return def, err
	}
	return def, nil
}

// runView renders a run with its JSON columns inlined.
func runView(run *store.Run) (map[string]any, error) {
	data, err := json.Marshal(run)
	if err != nil {
		return nil, err
	}
	var view map[string]any
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, err
	}
	delete(view, "state")
	return view, nil
}

// errorResult renders err as a tool error carrying its code and details.
func errorResult(err error, extra map[string]any) (*mcp.CallToolResult, error) {
	fe := schema.AsFlowError(err, schema.ErrCodeStore)
	body := map[string]any{"error": fe}
	for k, v := range extra {
		body[k] = v
	}
	data, marshalErr := json.Marshal(body)
	if marshalErr != nil {
		return mcp.NewToolResultError(fe.Error()), nil
	}
	return mcp.NewToolResultError(string(data)), nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
