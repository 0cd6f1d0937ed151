package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/callkaidsroofing/toolrunner/pkg/executor"
	"github.com/callkaidsroofing/toolrunner/pkg/receipts"
)

type createTaskInput struct {
	Domain string `json:"domain"`
	Title  string `json:"title"`
	Notes  string `json:"notes"`
}

type createTaskResult struct {
	TaskID string `json:"task_id"`
}

// OS provides os.create_task. The contract's input_schema requires
// "title", so a request missing it never reaches CreateTask — the executor
// rejects it during input validation.
type OS struct{}

// CreateTask inserts a task row.
func (OS) CreateTask(ctx context.Context, rc *executor.RunContext, input json.RawMessage) executor.Outcome {
	var in createTaskInput
	if err := json.Unmarshal(input, &in); err != nil {
		return executor.Failure{Code: executor.CodeValidationError, Message: "invalid input: " + err.Error()}
	}

	taskID := uuid.NewString()
	_, err := rc.DB.ExecContext(ctx,
		`INSERT INTO tasks (id, domain, title, notes, created_at) VALUES ($1, $2, $3, $4, now())`,
		taskID, in.Domain, in.Title, in.Notes)
	if err != nil {
		return executor.Failure{Message: fmt.Sprintf("inserting task: %v", err)}
	}

	result, _ := json.Marshal(createTaskResult{TaskID: taskID})
	return executor.Success{
		Result:   result,
		DBWrites: []receipts.DBWrite{{Table: "tasks", Action: "insert", ID: taskID}},
	}
}
