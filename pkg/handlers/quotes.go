package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/callkaidsroofing/toolrunner/pkg/executor"
	"github.com/callkaidsroofing/toolrunner/pkg/receipts"
)

type lineItem struct {
	Description string `json:"description"`
	Cents       int64  `json:"amount_cents"`
}

type quoteInput struct {
	LeadID    string     `json:"lead_id"`
	LineItems []lineItem `json:"line_items"`
}

type quoteResult struct {
	QuoteID     string `json:"quote_id"`
	AmountCents int64  `json:"amount_cents"`
}

// Quotes provides quotes.generate, the idempotency-mode "none" exemplar:
// every dispatched call re-executes in full, since a quote amount may depend
// on pricing that changed between retries.
type Quotes struct{}

// Generate sums the line items and inserts a quote row.
func (Quotes) Generate(ctx context.Context, rc *executor.RunContext, input json.RawMessage) executor.Outcome {
	var in quoteInput
	if err := json.Unmarshal(input, &in); err != nil {
		return executor.Failure{Code: executor.CodeValidationError, Message: "invalid input: " + err.Error()}
	}

	var total int64
	for _, li := range in.LineItems {
		total += li.Cents
	}

	lineItemsJSON, err := json.Marshal(in.LineItems)
	if err != nil {
		return executor.Failure{Message: "marshaling line items: " + err.Error()}
	}

	quoteID := uuid.NewString()
	_, err = rc.DB.ExecContext(ctx,
		`INSERT INTO quotes (id, lead_id, amount_cents, line_items, created_at) VALUES ($1, NULLIF($2, ''), $3, $4, now())`,
		quoteID, in.LeadID, total, lineItemsJSON)
	if err != nil {
		return executor.Failure{Message: fmt.Sprintf("inserting quote: %v", err)}
	}

	result, _ := json.Marshal(quoteResult{QuoteID: quoteID, AmountCents: total})
	return executor.Success{
		Result:   result,
		DBWrites: []receipts.DBWrite{{Table: "quotes", Action: "insert", ID: quoteID}},
	}
}
