package policy

import (
	"encoding/json"
	"fmt"

	"teamline/internal/domain"
	"teamline/internal/identity"
)

// HookPayload is the pre-tool-use hook input.
type HookPayload struct {
	HookEventName string         `json:"hook_event_name,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	ToolName      string         `json:"tool_name"`
	ToolInput     map[string]any `json:"tool_input,omitempty"`
	AgentType     any            `json:"agent_type,omitempty"`
	TeammateName  any            `json:"teammate_name,omitempty"`
}

// ParseHook decodes a hook payload into a Request.
func ParseHook(raw []byte) (Request, error) {
	var p HookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Request{}, fmt.Errorf("decode hook payload: %w", err)
	}
	return p.Request(), nil
}

// Request classifies the tool call.
func (p HookPayload) Request() Request {
	req := Request{
		Signals:   &identity.Signals{AgentType: p.AgentType, TeammateName: p.TeammateName},
		ToolName:  p.ToolName,
		SessionID: p.SessionID,
	}
	switch p.ToolName {
	case "Write":
		req.Kind = domain.ActionWriteFile
		req.Target = inputString(p.ToolInput, "file_path")
	case "Edit", "MultiEdit":
		req.Kind = domain.ActionEditFile
		req.Target = inputString(p.ToolInput, "file_path")
	case "NotebookEdit":
		req.Kind = domain.ActionEditFile
		req.Target = inputString(p.ToolInput, "notebook_path")
	case "Bash":
		req.Kind = domain.ActionRunCommand
		req.Target = inputString(p.ToolInput, "command")
	default:
		req.Kind = domain.ActionCallTool
		req.Target = p.ToolName
	}
	return req
}

func inputString(in map[string]any, key string) string {
	if s, ok := in[key].(string); ok {
		return s
	}
	return ""
}
