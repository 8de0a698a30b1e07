// Package orchestration is the HTTP client for the external
// planning/execution collaborator. The engine treats the collaborator
// as a black box; this package only moves JSON across the wire and
// enforces per-call timeouts.
package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterlabs/arbiter/internal/engine"
	"github.com/arbiterlabs/arbiter/internal/model"
)

// Client talks to the orchestration collaborator over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a collaborator client. Timeout is the per-call
// ceiling; a collaborator that exceeds it is treated as failed, never
// awaited indefinitely.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type planRequest struct {
	WorkspaceID uuid.UUID                  `json:"workspace_id"`
	Objective   string                     `json:"objective"`
	Parameters  model.CalibratedParameters `json:"parameters"`
}

type planResponse struct {
	TaskID     uuid.UUID `json:"task_id"`
	AgentChain []string  `json:"agent_chain"`
}

// Plan asks the collaborator to decompose an objective into an agent
// chain. The active calibrated parameters ride along as advisory input.
func (c *Client) Plan(ctx context.Context, workspaceID uuid.UUID, objective string, params model.CalibratedParameters) (engine.Plan, error) {
	var resp planResponse
	err := c.post(ctx, "/v1/plan", planRequest{
		WorkspaceID: workspaceID,
		Objective:   objective,
		Parameters:  params,
	}, &resp)
	if err != nil {
		return engine.Plan{}, fmt.Errorf("orchestration: plan: %w", err)
	}
	if resp.TaskID == uuid.Nil {
		return engine.Plan{}, fmt.Errorf("orchestration: plan: missing task id")
	}
	if len(resp.AgentChain) == 0 {
		return engine.Plan{}, fmt.Errorf("orchestration: plan: empty agent chain")
	}
	return engine.Plan{TaskID: resp.TaskID, AgentChain: resp.AgentChain}, nil
}

type executeRequest struct {
	TaskID      uuid.UUID `json:"task_id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
}

type executeResponse struct {
	Steps []executeStep `json:"steps"`
}

type executeStep struct {
	Index      int    `json:"index"`
	Agent      string `json:"agent"`
	Status     string `json:"status"`
	DurationMs int64  `json:"duration_ms"`
}

// Execute runs a previously planned task and returns the step trace.
func (c *Client) Execute(ctx context.Context, taskID, workspaceID uuid.UUID) (engine.ExecutionTrace, error) {
	var resp executeResponse
	err := c.post(ctx, "/v1/execute", executeRequest{
		TaskID:      taskID,
		WorkspaceID: workspaceID,
	}, &resp)
	if err != nil {
		return engine.ExecutionTrace{}, fmt.Errorf("orchestration: execute: %w", err)
	}

	trace := engine.ExecutionTrace{Steps: make([]engine.ExecutionStep, 0, len(resp.Steps))}
	for _, s := range resp.Steps {
		status := engine.StepStatus(s.Status)
		if status != engine.StepCompleted && status != engine.StepFailed {
			// Anything the collaborator reports that is not completed
			// counts as failed for scoring purposes.
			status = engine.StepFailed
		}
		trace.Steps = append(trace.Steps, engine.ExecutionStep{
			Index:      s.Index,
			Agent:      s.Agent,
			Status:     status,
			DurationMs: s.DurationMs,
		})
	}
	return trace, nil
}

type actionRequest struct {
	WorkspaceID uuid.UUID               `json:"workspace_id"`
	Action      model.ImprovementAction `json:"action"`
}

type actionResponse struct {
	Status string `json:"status"`
}

// ExecuteAction hands one improvement action to the collaborator. The
// correction engine tolerates individual failures, so any non-completed
// status comes back as a plain error.
func (c *Client) ExecuteAction(ctx context.Context, workspaceID uuid.UUID, action model.ImprovementAction) error {
	var resp actionResponse
	err := c.post(ctx, "/v1/actions", actionRequest{
		WorkspaceID: workspaceID,
		Action:      action,
	}, &resp)
	if err != nil {
		return fmt.Errorf("orchestration: action %s: %w", action.ID, err)
	}
	if resp.Status != "completed" {
		return fmt.Errorf("orchestration: action %s: status %q", action.ID, resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	reqBody, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
