package runner

import (
	"context"
	"fmt"
	"maps"

	"github.com/dukex/relay/pkg/models"
)

// TransitionRequest describes an entity moving between two stages of a workflow.
type TransitionRequest struct {
	AccountID     string         `json:"-"`
	WorkflowDefID string         `json:"-"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"               validate:"required"`
	FromStageID   string         `json:"from_stage_id"           validate:"required"`
	ToStageID     string         `json:"to_stage_id"             validate:"required"`
	TransitionID  *string        `json:"transition_id,omitempty"`
	Payload       map[string]any `json:"payload"`
}

// TransitionReport holds the run of every phase that was reached.
type TransitionReport struct {
	Exit       Report  `json:"exit"`
	Transition Report  `json:"transition"`
	Enter      *Report `json:"enter,omitempty"`
	Persisted  bool    `json:"persisted"`
}

// Transition runs on_exit_stage for the old stage, then on_transition, then
// persist, then on_enter_stage for the new stage. A persist error stops before
// the enter phase and is returned; action failures never are.
func (r *Runner) Transition(ctx context.Context, req TransitionRequest, persist func(context.Context) error) (TransitionReport, error) {
	var report TransitionReport

	payload := transitionPayload(req)
	from := req.FromStageID
	to := req.ToStageID

	report.Exit = r.Run(ctx, req.AccountID, req.WorkflowDefID, models.TriggerOnExitStage, &from, payload)
	report.Transition = r.Run(ctx, req.AccountID, req.WorkflowDefID, models.TriggerOnTransition, req.TransitionID, payload)

	if persist != nil {
		if err := persist(ctx); err != nil {
			return report, fmt.Errorf("persisting transition of %s to stage %s: %w", req.EntityID, req.ToStageID, err)
		}
	}

	report.Persisted = true

	enter := r.Run(ctx, req.AccountID, req.WorkflowDefID, models.TriggerOnEnterStage, &to, payload)
	report.Enter = &enter

	return report, nil
}

func transitionPayload(req TransitionRequest) map[string]any {
	payload := maps.Clone(req.Payload)
	if payload == nil {
		payload = make(map[string]any)
	}

	payload["entity_type"] = req.EntityType
	payload["entity_id"] = req.EntityID
	payload["workflow_def_id"] = req.WorkflowDefID
	payload["from_stage_id"] = req.FromStageID
	payload["to_stage_id"] = req.ToStageID

	if req.TransitionID != nil {
		payload["transition_id"] = *req.TransitionID
	}

	return payload
}
