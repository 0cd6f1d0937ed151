package handlers

import "github.com/callkaidsroofing/toolrunner/pkg/executor"

// Register binds every domain handler in this package to its tool name
// on the given registry.
func Register(reg *executor.HandlerRegistry) {
	var leads Leads
	reg.Register("leads", "create", executor.HandlerFunc(leads.Create))

	var inspections Inspections
	reg.Register("inspections", "schedule", executor.HandlerFunc(inspections.Schedule))

	var quotes Quotes
	reg.Register("quotes", "generate", executor.HandlerFunc(quotes.Generate))

	comms := NewComms()
	reg.Register("comms", "send_sms", executor.HandlerFunc(comms.SendSMS))

	var os_ OS
	reg.Register("os", "create_task", executor.HandlerFunc(os_.CreateTask))
}
