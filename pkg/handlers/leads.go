// Package handlers implements the concrete business-domain tools named in
// the catalog: leads, inspections, quotes, comms, and tasks. Each handler is
// an executor.Handler closed over the domain table(s) it touches.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/callkaidsroofing/toolrunner/pkg/executor"
	"github.com/callkaidsroofing/toolrunner/pkg/receipts"
)

type leadInput struct {
	Name   string `json:"name"`
	Phone  string `json:"phone"`
	Suburb string `json:"suburb"`
	Source string `json:"source"`
}

type leadResult struct {
	LeadID string `json:"lead_id"`
}

// Leads provides leads.create, the keyed-idempotency exemplar: a call whose
// phone number already has a succeeded receipt is answered at the executor
// layer without invoking this handler. Two calls for the same phone that
// run concurrently can both reach Create.
type Leads struct{}

// Create inserts a new lead row and reports the insert as a DB write effect.
func (Leads) Create(ctx context.Context, rc *executor.RunContext, input json.RawMessage) executor.Outcome {
	var in leadInput
	if err := json.Unmarshal(input, &in); err != nil {
		return executor.Failure{Code: executor.CodeValidationError, Message: "invalid input: " + err.Error()}
	}

	leadID := uuid.NewString()
	_, err := rc.DB.ExecContext(ctx,
		`INSERT INTO leads (id, name, phone, suburb, source, created_at) VALUES ($1, $2, $3, $4, $5, now())`,
		leadID, in.Name, in.Phone, in.Suburb, in.Source)
	if err != nil {
		return executor.Failure{Message: fmt.Sprintf("inserting lead: %v", err)}
	}

	result, _ := json.Marshal(leadResult{LeadID: leadID})
	return executor.Success{
		Result:   result,
		DBWrites: []receipts.DBWrite{{Table: "leads", Action: "insert", ID: leadID}},
	}
}
