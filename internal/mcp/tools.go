package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/schovi/shellcrew/internal/daemon"
	"github.com/schovi/shellcrew/internal/escape"
	"github.com/schovi/shellcrew/internal/schedule"
	"github.com/schovi/shellcrew/internal/vterm"
	"github.com/schovi/shellcrew/internal/wait"
)

const (
	defaultExecSettle = 500 * time.Millisecond
	defaultTimeout    = 10 * time.Second

	// execCursor is the read cursor exec drains before sending, so the
	// result holds only what the command produced.
	execCursor = "mcp-exec"
)

type ToolRegistry struct {
	client *daemon.Client
}

func NewToolRegistry(client *daemon.Client) *ToolRegistry {
	return &ToolRegistry{client: client}
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func object(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (r *ToolRegistry) List() []ToolDef {
	return []ToolDef{
		{
			Name:        "create",
			Description: "Create a new interactive terminal session. Use for agents, REPLs, SSH, database CLIs, or any stateful workflow.",
			InputSchema: object(map[string]any{
				"name":         prop("string", "Unique session name (letters, digits, '.', '_', '-')"),
				"command":      prop("string", "Program to run. Defaults to the user's shell."),
				"args":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Arguments passed to the command"},
				"cwd":          prop("string", "Working directory. Defaults to the daemon's home directory."),
				"runtime_type": prop("string", "Agent runtime running in the session (e.g. 'claude-code', 'codex'). Used when the session is restored."),
				"role":         prop("string", "Role of the agent in its team"),
				"team_id":      prop("string", "Team the session belongs to; scheduled messages can target the team id"),
			}, "name"),
		},
		{
			Name:        "exec",
			Description: "Send a line to a session and wait for its output. Waits for output to settle or for a pattern. For TUI apps with input buffers, use 'send' with the two-step pattern instead.",
			InputSchema: object(map[string]any{
				"name":         prop("string", "Session name"),
				"input":        prop("string", "Input to send (newline added automatically). Mutually exclusive with input_base64."),
				"input_base64": prop("string", "Input as base64 (fallback when JSON escaping is too complex). Mutually exclusive with input."),
				"settle_ms":    prop("integer", "Wait for N ms of silence (default: 500). Mutually exclusive with wait_pattern."),
				"wait_pattern": prop("string", "Wait for regex pattern match (e.g. '>>>' for a Python prompt). Mutually exclusive with settle_ms."),
				"timeout_sec":  prop("integer", "Max wait time in seconds (default: 10)"),
				"strip_ansi":   prop("boolean", "Remove ANSI escape codes from output (default: false)"),
			}, "name"),
		},
		{
			Name:        "send",
			Description: "Send input to a session without waiting. Use for control characters, answering prompts, or TUI apps that need two-step input (send the message, then a raw \\r to submit).",
			InputSchema: object(map[string]any{
				"name":         prop("string", "Session name"),
				"input":        prop("string", "Input to send. With raw, escape sequences are decoded: \\x03 (Ctrl+C), \\x04 (Ctrl+D), \\t (Tab), \\r (submit in TUIs). Mutually exclusive with input_base64."),
				"input_base64": prop("string", "Input as base64. Mutually exclusive with input."),
				"raw":          prop("boolean", "Decode escape sequences and do NOT add a newline (default: false)"),
				"key":          prop("string", "Send a named key instead of input: enter, tab, esc, up, down, left, right, backspace, ctrl-<letter>, ..."),
			}, "name"),
		},
		{
			Name:        "read",
			Description: "Read output from a session: new output since the last read, the whole buffer, or the rendered screen. Can wait for a pattern or for output to settle.",
			InputSchema: object(map[string]any{
				"name":         prop("string", "Session name"),
				"mode":         prop("string", "'new' (default): output since this cursor's last read. 'all': the whole buffer. 'screen': the current screen as text."),
				"cursor":       prop("string", "Independent read position for 'new' mode, so several readers do not steal output from each other"),
				"head":         prop("integer", "Return first N lines. Mutually exclusive with tail."),
				"tail":         prop("integer", "Return last N lines. Mutually exclusive with head."),
				"wait_pattern": prop("string", "Wait for a regex match in new output before returning"),
				"settle_ms":    prop("integer", "Wait for N ms of silence before returning"),
				"timeout_sec":  prop("integer", "Max wait time in seconds (default: 10, only used with wait_pattern or settle_ms)"),
				"strip_ansi":   prop("boolean", "Remove ANSI escape codes from output"),
			}, "name"),
		},
		{
			Name:        "list",
			Description: "List all sessions, running and recently exited, with their status",
			InputSchema: object(map[string]any{}),
		},
		{
			Name:        "kill",
			Description: "Terminate a session. Its output stays readable for a while unless forget is set.",
			InputSchema: object(map[string]any{
				"name":   prop("string", "Session name to kill"),
				"forget": prop("boolean", "Also discard the session's buffered output"),
			}, "name"),
		},
		{
			Name:        "search",
			Description: "Search session output for a regex pattern with context lines",
			InputSchema: object(map[string]any{
				"name":        prop("string", "Session name"),
				"pattern":     prop("string", "Regex pattern to search for"),
				"before":      prop("integer", "Lines of context before each match (default: 0)"),
				"after":       prop("integer", "Lines of context after each match (default: 0)"),
				"around":      prop("integer", "Lines of context before AND after. Mutually exclusive with before/after."),
				"ignore_case": prop("boolean", "Case-insensitive search (default: false)"),
				"strip_ansi":  prop("boolean", "Strip ANSI escape codes before searching (default: false)"),
			}, "name", "pattern"),
		},
		{
			Name:        "schedule",
			Description: "Manage messages delivered into sessions later, once or on repeat. Actions: add, list, cancel, logs.",
			InputSchema: object(map[string]any{
				"action":       prop("string", "add, list, cancel or logs"),
				"id":           prop("string", "Message id (cancel, logs)"),
				"name":         prop("string", "Label for the message (add)"),
				"target":       prop("string", "Session name, 'orchestrator', a team id or a configured alias (add)"),
				"body":         prop("string", "Text typed into the target session, followed by Enter (add)"),
				"delay_amount": prop("integer", "Delay before delivery, and between deliveries when recurring (add)"),
				"delay_unit":   prop("string", "seconds, minutes or hours (add)"),
				"recurring":    prop("boolean", "Deliver every delay instead of once (add)"),
				"project_id":   prop("string", "Project the message belongs to; it stops when the project is removed (add)"),
				"forget":       prop("boolean", "Delete the message instead of deactivating it (cancel)"),
				"limit":        prop("integer", "Maximum number of log entries (logs, default: 100)"),
			}, "action"),
		},
	}
}

func (r *ToolRegistry) Call(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !r.has(name) {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	if err := r.client.EnsureDaemon(); err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}

	switch name {
	case "create":
		return r.callCreate(args)
	case "exec":
		return r.callExec(ctx, args)
	case "send":
		return r.callSend(args)
	case "read":
		return r.callRead(ctx, args)
	case "list":
		return r.callList()
	case "kill":
		return r.callKill(args)
	case "search":
		return r.callSearch(args)
	case "schedule":
		return r.callSchedule(args)
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

func (r *ToolRegistry) has(name string) bool {
	for _, def := range r.List() {
		if def.Name == name {
			return true
		}
	}
	return false
}

func textResult(text string) *CallToolResult {
	return &CallToolResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func jsonResult(v any) (*CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return textResult(string(data)), nil
}

// decodeInput returns input, or the decoded input_base64. Exactly one must
// be set.
func decodeInput(input, inputBase64 string) (string, error) {
	if input == "" && inputBase64 == "" {
		return "", fmt.Errorf("input or input_base64 is required")
	}
	if inputBase64 == "" {
		return input, nil
	}
	if input != "" {
		return "", fmt.Errorf("input and input_base64 are mutually exclusive")
	}
	decoded, err := base64.StdEncoding.DecodeString(inputBase64)
	if err != nil {
		return "", fmt.Errorf("decode input_base64: %w", err)
	}
	return string(decoded), nil
}

func timeoutOrDefault(sec int) time.Duration {
	if sec <= 0 {
		return defaultTimeout
	}
	return time.Duration(sec) * time.Second
}

func (r *ToolRegistry) newOutput(name, cursor string) wait.ReadFunc {
	return func(context.Context) (string, error) {
		res, err := r.client.Read(daemon.ReadRequest{Name: name, Mode: daemon.ReadModeNew, Cursor: cursor})
		if err != nil {
			return "", err
		}
		return res.Output, nil
	}
}

type CreateArgs struct {
	Name        string   `json:"name"`
	Command     string   `json:"command"`
	Args        []string `json:"args"`
	Cwd         string   `json:"cwd"`
	RuntimeType string   `json:"runtime_type"`
	Role        string   `json:"role"`
	TeamID      string   `json:"team_id"`
}

func (r *ToolRegistry) callCreate(args json.RawMessage) (*CallToolResult, error) {
	var a CreateArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}

	info, err := r.client.Create(a.Name, daemon.CreateOptions{
		Command:     a.Command,
		Args:        a.Args,
		Cwd:         a.Cwd,
		RuntimeType: a.RuntimeType,
		Role:        a.Role,
		TeamID:      a.TeamID,
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(info)
}

type ExecArgs struct {
	Name        string `json:"name"`
	Input       string `json:"input"`
	InputBase64 string `json:"input_base64"`
	SettleMs    int    `json:"settle_ms"`
	WaitPattern string `json:"wait_pattern"`
	TimeoutSec  int    `json:"timeout_sec"`
	StripAnsi   bool   `json:"strip_ansi"`
}

func (r *ToolRegistry) callExec(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	var a ExecArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	if a.WaitPattern != "" && a.SettleMs > 0 {
		return nil, fmt.Errorf("wait_pattern and settle_ms are mutually exclusive")
	}
	input, err := decodeInput(a.Input, a.InputBase64)
	if err != nil {
		return nil, err
	}

	if _, err := r.client.Read(daemon.ReadRequest{Name: a.Name, Mode: daemon.ReadModeNew, Cursor: execCursor}); err != nil {
		return nil, err
	}
	if err := r.client.Send(a.Name, []byte(input), true); err != nil {
		return nil, err
	}

	settle := time.Duration(a.SettleMs) * time.Millisecond
	if a.WaitPattern == "" && settle == 0 {
		settle = defaultExecSettle
	}
	output, err := wait.ForOutput(ctx, r.newOutput(a.Name, execCursor), wait.Config{
		Pattern: a.WaitPattern,
		Settle:  settle,
		Timeout: timeoutOrDefault(a.TimeoutSec),
	})
	if err != nil {
		return nil, err
	}

	if a.StripAnsi {
		output = vterm.Strip(output, vterm.DefaultStripCols)
	}
	return jsonResult(map[string]any{
		"input":  input,
		"output": output,
	})
}

type SendArgs struct {
	Name        string `json:"name"`
	Input       string `json:"input"`
	InputBase64 string `json:"input_base64"`
	Raw         bool   `json:"raw"`
	Key         string `json:"key"`
}

func (r *ToolRegistry) callSend(args json.RawMessage) (*CallToolResult, error) {
	var a SendArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}

	data, newline, err := sendPayload(a)
	if err != nil {
		return nil, err
	}
	if err := r.client.Send(a.Name, data, newline); err != nil {
		return nil, err
	}
	return textResult("sent"), nil
}

// sendPayload works out the bytes to write and whether a newline follows.
func sendPayload(a SendArgs) ([]byte, bool, error) {
	if a.Key != "" {
		if a.Input != "" || a.InputBase64 != "" {
			return nil, false, fmt.Errorf("key is mutually exclusive with input")
		}
		data, err := escape.Key(a.Key)
		return data, false, err
	}

	input, err := decodeInput(a.Input, a.InputBase64)
	if err != nil {
		return nil, false, err
	}
	if !a.Raw {
		return []byte(input), true, nil
	}
	data, err := escape.Interpret(input)
	if err != nil {
		return nil, false, fmt.Errorf("interpret escape sequences: %w", err)
	}
	return data, false, nil
}

type ReadArgs struct {
	Name        string `json:"name"`
	Mode        string `json:"mode"`
	Cursor      string `json:"cursor"`
	Head        int    `json:"head"`
	Tail        int    `json:"tail"`
	WaitPattern string `json:"wait_pattern"`
	SettleMs    int    `json:"settle_ms"`
	TimeoutSec  int    `json:"timeout_sec"`
	StripAnsi   bool   `json:"strip_ansi"`
}

func (r *ToolRegistry) callRead(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	var a ReadArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	if a.Head < 0 || a.Tail < 0 {
		return nil, fmt.Errorf("head and tail require positive integers")
	}
	if a.Head > 0 && a.Tail > 0 {
		return nil, fmt.Errorf("head and tail are mutually exclusive")
	}

	if a.WaitPattern == "" && a.SettleMs <= 0 {
		res, err := r.client.Read(daemon.ReadRequest{
			Name:      a.Name,
			Mode:      a.Mode,
			Cursor:    a.Cursor,
			HeadLines: a.Head,
			TailLines: a.Tail,
			StripANSI: a.StripAnsi,
		})
		if err != nil {
			return nil, err
		}
		return jsonResult(res)
	}

	if a.Mode != "" && a.Mode != daemon.ReadModeNew {
		return nil, fmt.Errorf("waiting only works on new output")
	}
	output, err := wait.ForOutput(ctx, r.newOutput(a.Name, a.Cursor), wait.Config{
		Pattern: a.WaitPattern,
		Settle:  time.Duration(a.SettleMs) * time.Millisecond,
		Timeout: timeoutOrDefault(a.TimeoutSec),
	})
	if err != nil {
		return nil, err
	}
	output = daemon.LimitLines(output, a.Head, a.Tail)
	if a.StripAnsi {
		output = vterm.Strip(output, vterm.DefaultStripCols)
	}
	return jsonResult(map[string]any{"output": output})
}

func (r *ToolRegistry) callList() (*CallToolResult, error) {
	sessions, err := r.client.List()
	if err != nil {
		return nil, err
	}
	return jsonResult(sessions)
}

type KillArgs struct {
	Name   string `json:"name"`
	Forget bool   `json:"forget"`
}

func (r *ToolRegistry) callKill(args json.RawMessage) (*CallToolResult, error) {
	var a KillArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}

	if err := r.client.Kill(a.Name, a.Forget); err != nil {
		return nil, err
	}
	return textResult(fmt.Sprintf("session %q killed", a.Name)), nil
}

type SearchArgs struct {
	Name       string `json:"name"`
	Pattern    string `json:"pattern"`
	Before     int    `json:"before"`
	After      int    `json:"after"`
	Around     int    `json:"around"`
	IgnoreCase bool   `json:"ignore_case"`
	StripAnsi  bool   `json:"strip_ansi"`
}

func (r *ToolRegistry) callSearch(args json.RawMessage) (*CallToolResult, error) {
	var a SearchArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}

	if a.Around > 0 && (a.Before > 0 || a.After > 0) {
		return nil, fmt.Errorf("around is mutually exclusive with before/after")
	}

	before := a.Before
	after := a.After
	if a.Around > 0 {
		before = a.Around
		after = a.Around
	}

	resp, err := r.client.Search(daemon.SearchRequest{
		Name:       a.Name,
		Pattern:    a.Pattern,
		Before:     before,
		After:      after,
		IgnoreCase: a.IgnoreCase,
		StripANSI:  a.StripAnsi,
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(resp)
}

type ScheduleArgs struct {
	Action      string `json:"action"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Target      string `json:"target"`
	Body        string `json:"body"`
	DelayAmount int    `json:"delay_amount"`
	DelayUnit   string `json:"delay_unit"`
	Recurring   bool   `json:"recurring"`
	ProjectID   string `json:"project_id"`
	Forget      bool   `json:"forget"`
	Limit       int    `json:"limit"`
}

func (r *ToolRegistry) callSchedule(args json.RawMessage) (*CallToolResult, error) {
	var a ScheduleArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}

	switch a.Action {
	case "add":
		unit := schedule.Unit(a.DelayUnit)
		if unit == "" {
			unit = schedule.Minutes
		}
		msg, err := r.client.ScheduleAdd(schedule.Message{
			Name:        a.Name,
			Target:      a.Target,
			ProjectID:   a.ProjectID,
			Body:        a.Body,
			DelayAmount: a.DelayAmount,
			DelayUnit:   unit,
			Recurring:   a.Recurring,
		})
		if err != nil {
			return nil, err
		}
		return jsonResult(msg)
	case "list":
		entries, err := r.client.ScheduleList()
		if err != nil {
			return nil, err
		}
		return jsonResult(entries)
	case "cancel":
		if err := r.client.ScheduleCancel(a.ID, a.Forget); err != nil {
			return nil, err
		}
		return textResult(fmt.Sprintf("message %s cancelled", a.ID)), nil
	case "logs":
		logs, err := r.client.DeliveryLogs(daemon.LogsRequest{MessageID: a.ID, Limit: a.Limit})
		if err != nil {
			return nil, err
		}
		return jsonResult(logs)
	default:
		return nil, fmt.Errorf("unknown schedule action %q (want add, list, cancel or logs)", a.Action)
	}
}
