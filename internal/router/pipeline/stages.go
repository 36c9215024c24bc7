package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oakmund/storyrouter/internal/router/contract"
	"github.com/oakmund/storyrouter/internal/router/moduleclient"
	"github.com/oakmund/storyrouter/internal/router/registry"
)

// executeStage runs one stage against the checkpoint: it either invokes the
// stage's module, records a skip, or finalizes the turn. Every outcome
// appends exactly one pipeline event. The returned trace is non-nil only
// for world_state_update.
func (d *Driver) executeStage(ctx context.Context, rc contract.RunContext, cp *contract.Checkpoint, stage contract.Stage) (*contract.TurnTrace, error) {
	ctx, span := d.startSpan(ctx, rc, stage)
	defer span.End()

	if stage == contract.StageWorldStateUpdate {
		return d.finalizeTurn(ctx, rc, cp)
	}

	started := time.Now().UTC()

	if cp.RefusalReason != "" && contract.RefusalSkippedStages[stage] {
		response, err := json.Marshal(map[string]string{
			"reason": "skipped after refusal: " + cp.RefusalReason,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal skip reason: %w", err)
		}
		if err := d.appendStageEvent(ctx, rc.Turn, contract.PipelineEvent{
			Stage:      stage,
			Status:     contract.PipelineStatusSkipped,
			Response:   response,
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
		}); err != nil {
			return nil, err
		}
		return nil, nil
	}

	role, ok := contract.RoleForStage(stage)
	if !ok {
		return nil, fmt.Errorf("stage %s has no module role", stage)
	}
	endpoint := registry.EndpointFor(stage, d.modules, d.bindings)

	request, err := d.buildStageRequest(ctx, rc, cp, stage)
	if err != nil {
		return nil, err
	}
	requestJSON, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal stage request: %w", err)
	}

	envelope, invokeErr := d.client.Invoke(ctx, role, endpoint, request)
	if invokeErr == nil {
		invokeErr = d.mergeStageOutput(rc, cp, stage, envelope)
	}
	if invokeErr != nil {
		if appendErr := d.appendStageEvent(ctx, rc.Turn, contract.PipelineEvent{
			Stage:      stage,
			Endpoint:   endpoint,
			Status:     contract.PipelineStatusError,
			Request:    requestJSON,
			Error:      invokeErr.Error(),
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
		}); appendErr != nil {
			return nil, appendErr
		}
		return nil, &StageError{Stage: stage, Err: invokeErr}
	}

	cp.MergeModuleMeta(stage, envelope.Meta.Warnings, envelope.Conversation())

	responseJSON, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal stage response: %w", err)
	}
	if err := d.appendStageEvent(ctx, rc.Turn, contract.PipelineEvent{
		Stage:      stage,
		Endpoint:   endpoint,
		Status:     contract.PipelineStatusOK,
		Request:    requestJSON,
		Response:   responseJSON,
		Warnings:   envelope.Meta.Warnings,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	return nil, nil
}

// buildStageRequest assembles the role-specific module request. Every
// request carries the run context; later stages add the upstream outputs
// they depend on.
func (d *Driver) buildStageRequest(ctx context.Context, rc contract.RunContext, cp *contract.Checkpoint, stage contract.Stage) (map[string]any, error) {
	request := map[string]any{"context": rc}

	switch stage {
	case contract.StageIntentExtractor:

	case contract.StageLoremasterRetrieve:
		request["intent"] = cp.Intent
		entries, err := d.store.ListLore(ctx)
		if err != nil {
			return nil, err
		}
		request["loreEntries"] = entries

	case contract.StageLoremasterPre:
		request["intent"] = cp.Intent
		request["lore"] = cp.LoreRetrieval

	case contract.StageDefaultSimulator:
		request["intent"] = cp.Intent
		request["lore"] = cp.LoreRetrieval
		request["loremasterPre"] = cp.LoremasterPre

	case contract.StageLoremasterPost:
		request["intent"] = cp.Intent
		request["lore"] = cp.LoreRetrieval
		request["proposal"] = cp.Proposal

	case contract.StageArbiter:
		request["intent"] = cp.Intent
		request["lore"] = cp.LoreRetrieval
		request["loremasterPre"] = cp.LoremasterPre
		request["proposal"] = cp.Proposal
		request["lorePost"] = cp.LorePost

	case contract.StageProser:
		request["committed"] = cp.Committed
		request["lore"] = cp.LoreRetrieval
		request["lorePost"] = cp.LorePost

	default:
		return nil, fmt.Errorf("stage %s takes no module request", stage)
	}
	return request, nil
}

// mergeStageOutput decodes the module output against the stage's schema
// and folds it into the checkpoint. The refusal gate is evaluated here,
// right after the intent and pre-check outputs land.
func (d *Driver) mergeStageOutput(rc contract.RunContext, cp *contract.Checkpoint, stage contract.Stage, envelope *moduleclient.Envelope) error {
	role, _ := contract.RoleForStage(stage)

	switch stage {
	case contract.StageIntentExtractor:
		var out contract.ActionCandidates
		if err := moduleclient.DecodeOutput(role, envelope, &out); err != nil {
			return err
		}
		cp.Intent = &out
		if reason := refusalFromIntent(&out); reason != "" {
			cp.RefusalReason = reason
		}

	case contract.StageLoremasterRetrieve:
		var out contract.LoreRetrieval
		if err := moduleclient.DecodeOutput(role, envelope, &out); err != nil {
			return err
		}
		cp.LoreRetrieval = &out

	case contract.StageLoremasterPre:
		var out contract.LoremasterOutput
		if err := moduleclient.DecodeOutput(role, envelope, &out); err != nil {
			return err
		}
		cp.LoremasterPre = &out
		if reason := refusalFromPreCheck(&out); reason != "" {
			cp.RefusalReason = reason
		}

	case contract.StageDefaultSimulator:
		var out contract.ProposedDiff
		if err := moduleclient.DecodeOutput(role, envelope, &out); err != nil {
			return err
		}
		cp.Proposal = &out

	case contract.StageLoremasterPost:
		var out contract.LoremasterPostOutput
		if err := moduleclient.DecodeOutput(role, envelope, &out); err != nil {
			return err
		}
		cp.LorePost = &out

	case contract.StageArbiter:
		var out contract.ArbiterDecision
		if err := moduleclient.DecodeOutput(role, envelope, &out); err != nil {
			return err
		}
		cp.ArbiterDecision = &out
		selected := out.SelectedProposal
		cp.Proposal = &selected
		cp.Committed = commitDiff(rc.Turn, selected)

	case contract.StageProser:
		var out contract.NarrationOutput
		if err := moduleclient.DecodeOutput(role, envelope, &out); err != nil {
			return err
		}
		cp.NarrationText = out.NarrationText

	default:
		return fmt.Errorf("stage %s has no module output", stage)
	}
	return nil
}

// commitDiff freezes the arbiter-selected proposal into the committed diff.
func commitDiff(turn int, proposal contract.ProposedDiff) *contract.CommittedDiff {
	return &contract.CommittedDiff{
		Turn:       turn,
		Operations: proposal.Operations,
		Summary:    "Action resolved with router-managed module pipeline.",
	}
}

// finalizeTurn is the world_state_update stage: it writes the module trace,
// the committed diff, and the turn snapshot, then flips the execution row
// to completed. On a refused turn it synthesizes the refusal diff here.
func (d *Driver) finalizeTurn(ctx context.Context, rc contract.RunContext, cp *contract.Checkpoint) (*contract.TurnTrace, error) {
	started := time.Now().UTC()

	if cp.RefusalReason != "" {
		cp.Committed = refusalDiff(rc.Turn, cp.RefusalReason)
		cp.NarrationText = cp.RefusalReason
	}
	if cp.Committed == nil {
		return nil, fmt.Errorf("world_state_update reached without a committed diff")
	}

	response, err := json.Marshal(map[string]any{
		"summary":    cp.Committed.Summary,
		"operations": len(cp.Committed.Operations),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal finalize response: %w", err)
	}
	if err := d.appendStageEvent(ctx, rc.Turn, contract.PipelineEvent{
		Stage:      contract.StageWorldStateUpdate,
		Status:     contract.PipelineStatusOK,
		Response:   response,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}

	pipelineEvents, err := d.store.ListPipelineEvents(ctx, rc.Turn)
	if err != nil {
		return nil, err
	}

	turnTrace := &contract.TurnTrace{
		Turn:        rc.Turn,
		PlayerInput: rc.PlayerInput,
		Intent:      cp.Intent,
		Loremaster: contract.LoremasterTrace{
			Retrieval: cp.LoreRetrieval,
			Pre:       cp.LoremasterPre,
			Post:      cp.LorePost,
		},
		Proposal:         cp.Proposal,
		Arbiter:          cp.ArbiterDecision,
		Committed:        cp.Committed,
		Warnings:         cp.Warnings,
		NarrationText:    cp.NarrationText,
		PipelineEvents:   pipelineEvents,
		LLMConversations: cp.LLMConversation,
	}
	if cp.RefusalReason != "" {
		turnTrace.Refusal = &contract.Refusal{Reason: cp.RefusalReason}
	}

	if err := d.store.AppendEvent(ctx, rc.Turn, contract.EventModuleTrace, turnTrace); err != nil {
		return nil, err
	}
	if err := d.store.AppendEvent(ctx, rc.Turn, contract.EventCommittedDiff, cp.Committed); err != nil {
		return nil, err
	}
	if err := d.store.AppendSnapshot(ctx, rc.Turn,
		contract.WorldState{LastSummary: cp.Committed.Summary},
		contract.ViewState{LastObservation: cp.Committed.Operations},
	); err != nil {
		return nil, err
	}

	result := &contract.TurnResult{
		NarrationText: cp.NarrationText,
		Warnings:      cp.Warnings,
	}
	if err := d.store.UpdateTurnExecutionProgress(ctx, rc.Turn, len(contract.Stages), cp, true, result); err != nil {
		return nil, err
	}
	return turnTrace, nil
}
