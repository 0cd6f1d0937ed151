package planner

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Rule maps a message pattern to a tool call, expressed as data so the
// engine stays declarative and each rule is independently testable.
type Rule struct {
	Name      string
	Order     int
	Pattern   *regexp.Regexp
	Extractor func(match []string, req Request) map[string]string
	ToolName  string
	Build     func(fields map[string]string) (json.RawMessage, error)
}

// Match runs the rule against a request's message, returning the extracted
// fields and true if the pattern matched.
func (r Rule) Match(req Request) (map[string]string, bool) {
	m := r.Pattern.FindStringSubmatch(req.Message)
	if m == nil {
		return nil, false
	}
	return r.Extractor(m, req), true
}

// DefaultRules is the built-in rule set, ordered by Order ascending. It
// covers the request shapes the core substrate's domain handlers exercise.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:    "create_task",
			Order:   10,
			Pattern: regexp.MustCompile(`(?i)^create task:\s*(.+)$`),
			Extractor: func(m []string, req Request) map[string]string {
				return map[string]string{"title": strings.TrimSpace(m[1])}
			},
			ToolName: "os.create_task",
			Build: func(f map[string]string) (json.RawMessage, error) {
				return json.Marshal(map[string]string{"domain": "business", "title": f["title"]})
			},
		},
		{
			Name:    "new_lead",
			Order:   20,
			Pattern: regexp.MustCompile(`(?i)^new lead:\s*(.+?)\s*,\s*(\+?\d[\d\s-]{6,})$`),
			Extractor: func(m []string, req Request) map[string]string {
				return map[string]string{"name": strings.TrimSpace(m[1]), "phone": strings.TrimSpace(m[2])}
			},
			ToolName: "leads.create",
			Build: func(f map[string]string) (json.RawMessage, error) {
				return json.Marshal(map[string]string{"name": f["name"], "phone": f["phone"]})
			},
		},
		{
			Name:    "schedule_inspection",
			Order:   30,
			Pattern: regexp.MustCompile(`(?i)^schedule inspection:\s*(.+?)\s*@\s*(\S+)$`),
			Extractor: func(m []string, req Request) map[string]string {
				return map[string]string{"address": strings.TrimSpace(m[1]), "scheduled_for": m[2]}
			},
			ToolName: "inspections.schedule",
			Build: func(f map[string]string) (json.RawMessage, error) {
				return json.Marshal(map[string]string{"address": f["address"], "scheduled_for": f["scheduled_for"]})
			},
		},
		{
			Name:    "send_sms",
			Order:   40,
			Pattern: regexp.MustCompile(`(?i)^sms\s+(\+?\d[\d\s-]{6,}):\s*(.+)$`),
			Extractor: func(m []string, req Request) map[string]string {
				return map[string]string{"to": strings.TrimSpace(m[1]), "message": strings.TrimSpace(m[2])}
			},
			ToolName: "comms.send_sms",
			Build: func(f map[string]string) (json.RawMessage, error) {
				return json.Marshal(map[string]string{"to": f["to"], "message": f["message"]})
			},
		},
	}
}
