package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/choiros/director/pkg/contracts"
	"github.com/choiros/director/pkg/oracle"
)

// Associate executes one director task and reports what it did. The
// orchestrator treats the associate as untrusted: its writes land in the
// sandbox only, and its self-verification claim never substitutes for
// attestations.
type Associate interface {
	Execute(ctx context.Context, task contracts.DirectorTask) (contracts.AssociateResult, error)
}

// OracleAssociate drives an associate through the completion oracle: the
// task goes out as a prompt, the completion comes back as a structured
// result document.
type OracleAssociate struct {
	oracle oracle.Oracle
}

// NewOracleAssociate wires the oracle.
func NewOracleAssociate(o oracle.Oracle) *OracleAssociate {
	return &OracleAssociate{oracle: o}
}

const associateSystemPrompt = "You are an execution associate. Answer with a single JSON document " +
	"matching the task result schema: file_writes, commands_run, self_verified, " +
	"notes, infeasible, split_proposals."

// Execute prompts the oracle with the task and decodes the structured
// result. Token usage always comes from the completion's own accounting.
func (a *OracleAssociate) Execute(ctx context.Context, task contracts.DirectorTask) (contracts.AssociateResult, error) {
	taskDoc, err := json.Marshal(task)
	if err != nil {
		return contracts.AssociateResult{}, fmt.Errorf("orchestrator: encode task: %w", err)
	}

	completion, err := a.oracle.Complete(ctx, oracle.Prompt{
		Messages: []oracle.Message{
			{Role: "system", Content: associateSystemPrompt},
			{Role: "user", Content: string(taskDoc)},
		},
		ModelTier: task.Mood,
	})
	if err != nil {
		return contracts.AssociateResult{}, err
	}

	var result contracts.AssociateResult
	if err := json.Unmarshal([]byte(completion.Content), &result); err != nil {
		return contracts.AssociateResult{}, fmt.Errorf("orchestrator: associate answer is not a result document: %w", err)
	}
	if result.TaskID == "" {
		result.TaskID = task.TaskID
	}
	result.TokensUsed = completion.TokensUsed
	return result, nil
}

var _ Associate = (*OracleAssociate)(nil)
