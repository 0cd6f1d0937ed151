package handlers

import (
	"context"
	"encoding/json"
	"os"

	"github.com/callkaidsroofing/toolrunner/pkg/executor"
)

type sendSMSInput struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// Comms provides comms.send_sms. No SMS provider is wired in this build;
// it reports not_configured until a credential is provisioned.
type Comms struct {
	// RequiredEnv names the environment variable an SMS provider credential
	// would live in, surfaced verbatim in the not_configured outcome.
	RequiredEnv string
}

// NewComms returns a Comms handler checking the given env var.
func NewComms() Comms {
	return Comms{RequiredEnv: "SMS_PROVIDER_API_KEY"}
}

// SendSMS reports not_configured unless the provider credential is present.
func (c Comms) SendSMS(ctx context.Context, rc *executor.RunContext, input json.RawMessage) executor.Outcome {
	var in sendSMSInput
	if err := json.Unmarshal(input, &in); err != nil {
		return executor.Failure{Code: executor.CodeValidationError, Message: "invalid input: " + err.Error()}
	}

	if key := os.Getenv(c.RequiredEnv); key != "" {
		return executor.Failure{Code: "integration_not_configured", Message: "SMS send path is not implemented in this build"}
	}

	return executor.NotConfigured{
		Reason:      "no SMS provider credential is configured",
		RequiredEnv: []string{c.RequiredEnv},
		NextSteps:   []string{"set " + c.RequiredEnv + " to a valid provider API key", "redeploy the worker"},
	}
}
