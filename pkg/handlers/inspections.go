package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/callkaidsroofing/toolrunner/pkg/executor"
	"github.com/callkaidsroofing/toolrunner/pkg/receipts"
)

type inspectionInput struct {
	LeadID       string `json:"lead_id"`
	ScheduledFor string `json:"scheduled_for"`
	Address      string `json:"address"`
	Notes        string `json:"notes"`
}

type inspectionResult struct {
	InspectionID string `json:"inspection_id"`
}

// Inspections provides inspections.schedule, the safe-retry idempotency
// exemplar: contract mode "safe-retry" means a worker that crashes after
// the receipt write but before the call's status transition will, on
// redelivery, find its own prior receipt by call_id and not re-invoke
// Schedule for the same call. A crash between this insert and the receipt
// write leaves no receipt, so Schedule runs again on redelivery.
type Inspections struct{}

// Schedule inserts an inspection row.
func (Inspections) Schedule(ctx context.Context, rc *executor.RunContext, input json.RawMessage) executor.Outcome {
	var in inspectionInput
	if err := json.Unmarshal(input, &in); err != nil {
		return executor.Failure{Code: executor.CodeValidationError, Message: "invalid input: " + err.Error()}
	}

	inspectionID := uuid.NewString()
	_, err := rc.DB.ExecContext(ctx,
		`INSERT INTO inspections (id, lead_id, scheduled_for, address, notes, created_at) VALUES ($1, NULLIF($2, ''), $3, $4, $5, now())`,
		inspectionID, in.LeadID, in.ScheduledFor, in.Address, in.Notes)
	if err != nil {
		return executor.Failure{Message: fmt.Sprintf("inserting inspection: %v", err)}
	}

	result, _ := json.Marshal(inspectionResult{InspectionID: inspectionID})
	return executor.Success{
		Result:   result,
		DBWrites: []receipts.DBWrite{{Table: "inspections", Action: "insert", ID: inspectionID}},
	}
}
