// Package pipeline sequences the fixed turn pipeline: it drives module
// invocations stage by stage, carries the checkpoint between them, applies
// the refusal gate, and commits the turn's durable trace.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oakmund/storyrouter/internal/router/contract"
	"github.com/oakmund/storyrouter/internal/router/moduleclient"
	"github.com/oakmund/storyrouter/internal/router/registry"
	"github.com/oakmund/storyrouter/internal/router/runstore"
)

// StageError reports which stage a module failure happened in. The failing
// stage's pipeline event is already durable when this error surfaces.
type StageError struct {
	Stage contract.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Driver runs turns against one open run store.
type Driver struct {
	store    *runstore.Store
	client   *moduleclient.Client
	bindings registry.Bindings
	modules  map[string]string
	tracer   trace.Tracer
}

// New creates a driver. modules holds the game project's manifest bindings
// and may be nil.
func New(store *runstore.Store, client *moduleclient.Client, bindings registry.Bindings, modules map[string]string) *Driver {
	return &Driver{
		store:    store,
		client:   client,
		bindings: bindings,
		modules:  modules,
		tracer:   otel.Tracer("storyrouter/pipeline"),
	}
}

// ProcessTurn executes all eight stages for a turn in one call. If a prior
// attempt for the same turn left a Running execution row, the turn resumes
// from that row's cursor instead of starting over.
func (d *Driver) ProcessTurn(ctx context.Context, rc contract.RunContext) (*contract.TurnTrace, error) {
	exec, err := d.ensureExecution(ctx, rc, contract.ModeNormal)
	if err != nil {
		return nil, err
	}

	cp := exec.Checkpoint
	for i := exec.Cursor; i < len(contract.Stages); i++ {
		stage := contract.Stages[i]
		turnTrace, stageErr := d.executeStage(ctx, rc, cp, stage)
		if stageErr != nil {
			// The row stays Running at the current cursor so a retry can
			// replay from here.
			_ = d.store.UpdateTurnExecutionProgress(ctx, rc.Turn, i, cp, false, nil)
			return nil, stageErr
		}
		if stage == contract.StageWorldStateUpdate {
			return turnTrace, nil
		}
		if err := d.store.UpdateTurnExecutionProgress(ctx, rc.Turn, i+1, cp, false, nil); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("pipeline ended without world_state_update")
}

// StartStep creates a paused step-mode execution at cursor 0 and records
// the synthetic frontend_input pipeline event.
func (d *Driver) StartStep(ctx context.Context, rc contract.RunContext) (*runstore.TurnExecution, []contract.PipelineEvent, error) {
	if err := d.createExecution(ctx, rc, contract.ModeStep); err != nil {
		return nil, nil, err
	}
	exec, err := d.store.GetTurnExecution(ctx, rc.Turn)
	if err != nil {
		return nil, nil, err
	}
	events, err := d.store.ListPipelineEvents(ctx, rc.Turn)
	if err != nil {
		return nil, nil, err
	}
	return exec, events, nil
}

// AdvanceStep executes exactly one stage at the execution's cursor. Calls
// after completion return the stored result without re-execution.
func (d *Driver) AdvanceStep(ctx context.Context, turn int) (*runstore.TurnExecution, []contract.PipelineEvent, error) {
	exec, err := d.store.GetTurnExecution(ctx, turn)
	if err != nil {
		return nil, nil, err
	}

	if !exec.Completed {
		rc := contract.RunContext{
			RequestID:     exec.RequestID,
			RunID:         exec.RunID,
			GameProjectID: exec.GameProjectID,
			Turn:          exec.Turn,
			PlayerID:      exec.PlayerID,
			PlayerInput:   exec.PlayerInput,
		}
		cp := exec.Checkpoint
		stage := contract.Stages[exec.Cursor]
		if _, stageErr := d.executeStage(ctx, rc, cp, stage); stageErr != nil {
			_ = d.store.UpdateTurnExecutionProgress(ctx, turn, exec.Cursor, cp, false, nil)
			return nil, nil, stageErr
		}
		if stage != contract.StageWorldStateUpdate {
			if err := d.store.UpdateTurnExecutionProgress(ctx, turn, exec.Cursor+1, cp, false, nil); err != nil {
				return nil, nil, err
			}
		}
		exec, err = d.store.GetTurnExecution(ctx, turn)
		if err != nil {
			return nil, nil, err
		}
	}

	events, err := d.store.ListPipelineEvents(ctx, turn)
	if err != nil {
		return nil, nil, err
	}
	return exec, events, nil
}

// ensureExecution creates a fresh normal-mode execution, or resumes the
// existing Running row for the same turn after a mid-pipeline failure.
func (d *Driver) ensureExecution(ctx context.Context, rc contract.RunContext, mode contract.ExecutionMode) (*runstore.TurnExecution, error) {
	err := d.createExecution(ctx, rc, mode)
	if err == nil {
		return d.store.GetTurnExecution(ctx, rc.Turn)
	}

	var conflict *runstore.ExecutionConflictError
	if errors.As(err, &conflict) && conflict.ActiveTurn == rc.Turn {
		return d.store.GetTurnExecution(ctx, rc.Turn)
	}
	return nil, err
}

// createExecution inserts the execution row and records the player input
// event plus the synthetic frontend_input pipeline event.
func (d *Driver) createExecution(ctx context.Context, rc contract.RunContext, mode contract.ExecutionMode) error {
	err := d.store.CreateTurnExecution(ctx, runstore.TurnExecution{
		Turn:          rc.Turn,
		Mode:          mode,
		PlayerInput:   rc.PlayerInput,
		PlayerID:      rc.PlayerID,
		RequestID:     rc.RequestID,
		GameProjectID: rc.GameProjectID,
	})
	if err != nil {
		return err
	}

	if err := d.store.AppendEvent(ctx, rc.Turn, contract.EventPlayerInput, contract.PlayerInputPayload{
		Text:     rc.PlayerInput,
		PlayerID: rc.PlayerID,
	}); err != nil {
		return err
	}

	now := time.Now().UTC()
	step, err := d.store.NextStepNumber(ctx, rc.Turn)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{
		"playerInput": rc.PlayerInput,
		"playerId":    rc.PlayerID,
	})
	if err != nil {
		return fmt.Errorf("marshal frontend input: %w", err)
	}
	return d.store.AppendPipelineEvent(ctx, rc.Turn, contract.PipelineEvent{
		StepNumber: step,
		Stage:      contract.StageFrontendInput,
		Status:     contract.PipelineStatusOK,
		Request:    payload,
		StartedAt:  now,
		FinishedAt: now,
	})
}

func (d *Driver) appendStageEvent(ctx context.Context, turn int, event contract.PipelineEvent) error {
	step, err := d.store.NextStepNumber(ctx, turn)
	if err != nil {
		return err
	}
	event.StepNumber = step
	return d.store.AppendPipelineEvent(ctx, turn, event)
}

func (d *Driver) startSpan(ctx context.Context, rc contract.RunContext, stage contract.Stage) (context.Context, trace.Span) {
	return d.tracer.Start(ctx, "pipeline.stage",
		trace.WithAttributes(
			attribute.String("pipeline.stage", string(stage)),
			attribute.String("run.id", rc.RunID),
			attribute.Int("run.turn", rc.Turn),
		))
}
