package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callkaidsroofing/toolrunner/pkg/executor"
)

func TestComms_SendSMS_NotConfigured(t *testing.T) {
	c := NewComms()
	rc := &executor.RunContext{CallID: "call-1"}
	input, _ := json.Marshal(sendSMSInput{To: "+61400000002", Message: "hi"})

	outcome := c.SendSMS(context.Background(), rc, input)
	nc, ok := outcome.(executor.NotConfigured)
	require.True(t, ok, "expected NotConfigured, got %T", outcome)
	assert.NotEmpty(t, nc.Reason)
	assert.NotEmpty(t, nc.NextSteps)
	assert.Contains(t, nc.RequiredEnv, "SMS_PROVIDER_API_KEY")
}
