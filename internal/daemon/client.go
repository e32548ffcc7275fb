package daemon

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"github.com/schovi/shellcrew/internal/schedule"
	"github.com/schovi/shellcrew/internal/session"
)

type Client struct {
	socketPath string
	daemonArgs []string
}

type ClientOption func(*Client)

// WithDaemonArgs sets the arguments passed to `shellcrew daemon` when
// EnsureDaemon has to start one.
func WithDaemonArgs(args ...string) ClientOption {
	return func(c *Client) {
		c.daemonArgs = args
	}
}

func NewClient(socketPath string, opts ...ClientOption) *Client {
	c := &Client{socketPath: socketPath}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EnsureDaemon starts a daemon in the background unless one already
// answers on the socket.
func (c *Client) EnsureDaemon() error {
	if c.Ping() {
		return nil
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}

	cmd := exec.Command(exePath, append([]string{"daemon"}, c.daemonArgs...)...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	go cmd.Wait()

	deadline := time.Now().Add(DaemonStartTimeout)
	for time.Now().Before(deadline) {
		time.Sleep(DaemonPollInterval)
		if c.Ping() {
			return nil
		}
	}

	return fmt.Errorf("daemon failed to start")
}

func (c *Client) Ping() bool {
	resp, err := c.send(Request{Action: ActionPing})
	return err == nil && resp.Success
}

type CreateOptions struct {
	Command     string
	Args        []string
	Env         map[string]string
	Cwd         string
	Cols        int
	Rows        int
	RuntimeType string
	Role        string
	TeamID      string
}

func (c *Client) Create(name string, opts CreateOptions) (*session.Info, error) {
	if err := session.ValidateName(name); err != nil {
		return nil, err
	}
	if opts.Cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			opts.Cwd = wd
		}
	}

	var info session.Info
	err := c.call(Request{
		Action:      ActionCreate,
		Name:        name,
		Command:     opts.Command,
		Args:        opts.Args,
		Env:         opts.Env,
		Cwd:         opts.Cwd,
		Cols:        opts.Cols,
		Rows:        opts.Rows,
		RuntimeType: opts.RuntimeType,
		Role:        opts.Role,
		TeamID:      opts.TeamID,
	}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) List() ([]session.Info, error) {
	var sessions []session.Info
	if err := c.call(Request{Action: ActionList}, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (c *Client) Info(name string) (*InfoResponse, error) {
	var result InfoResponse
	if err := c.call(Request{Action: ActionInfo, Name: name}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type ReadRequest struct {
	Name      string
	Mode      string
	Cursor    string
	HeadLines int
	TailLines int
	StripANSI bool
}

func (c *Client) Read(req ReadRequest) (*ReadResult, error) {
	var result ReadResult
	err := c.call(Request{
		Action:    ActionRead,
		Name:      req.Name,
		Mode:      req.Mode,
		Cursor:    req.Cursor,
		HeadLines: req.HeadLines,
		TailLines: req.TailLines,
		StripANSI: req.StripANSI,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Send(name string, input []byte, newline bool) error {
	return c.call(Request{
		Action:  ActionSend,
		Name:    name,
		Input:   input,
		Newline: newline,
	}, nil)
}

func (c *Client) Resize(name string, cols, rows int) error {
	return c.call(Request{
		Action: ActionResize,
		Name:   name,
		Cols:   cols,
		Rows:   rows,
	}, nil)
}

// Kill stops a session. With forget its buffered output is dropped too.
func (c *Client) Kill(name string, forget bool) error {
	return c.call(Request{
		Action: ActionKill,
		Name:   name,
		Forget: forget,
	}, nil)
}

type SearchRequest struct {
	Name       string
	Pattern    string
	Before     int
	After      int
	IgnoreCase bool
	StripANSI  bool
}

func (c *Client) Search(req SearchRequest) (*SearchResponse, error) {
	var result SearchResponse
	err := c.call(Request{
		Action:     ActionSearch,
		Name:       req.Name,
		Pattern:    req.Pattern,
		Before:     req.Before,
		After:      req.After,
		IgnoreCase: req.IgnoreCase,
		StripANSI:  req.StripANSI,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// SaveState writes the session state file now and returns how many
// sessions it holds.
func (c *Client) SaveState() (int, error) {
	var result struct {
		Saved int `json:"saved"`
	}
	if err := c.call(Request{Action: ActionSaveState}, &result); err != nil {
		return 0, err
	}
	return result.Saved, nil
}

func (c *Client) ScheduleAdd(msg schedule.Message) (*schedule.Message, error) {
	var result schedule.Message
	if err := c.call(Request{Action: ActionScheduleAdd, Message: &msg}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ScheduleList() ([]ScheduleEntry, error) {
	var entries []ScheduleEntry
	if err := c.call(Request{Action: ActionScheduleList}, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// ScheduleCancel deactivates a message, or deletes it when forget is set.
func (c *Client) ScheduleCancel(id string, forget bool) error {
	return c.call(Request{Action: ActionScheduleCancel, ID: id, Forget: forget}, nil)
}

func (c *Client) ScheduleCleanup() (int, error) {
	var result struct {
		Deactivated int `json:"deactivated"`
	}
	if err := c.call(Request{Action: ActionScheduleCleanup}, &result); err != nil {
		return 0, err
	}
	return result.Deactivated, nil
}

type LogsRequest struct {
	MessageID string
	Since     time.Time
	Until     time.Time
	Limit     int
}

func (c *Client) DeliveryLogs(req LogsRequest) ([]schedule.DeliveryLog, error) {
	var logs []schedule.DeliveryLog
	err := c.call(Request{
		Action: ActionDeliveryLogs,
		ID:     req.MessageID,
		Since:  req.Since,
		Until:  req.Until,
		Limit:  req.Limit,
	}, &logs)
	if err != nil {
		return nil, err
	}
	return logs, nil
}

func (c *Client) ProjectAdd(p schedule.Project) (*schedule.Project, error) {
	var result schedule.Project
	if err := c.call(Request{Action: ActionProjectAdd, Project: &p}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) ProjectList() ([]schedule.Project, error) {
	var projects []schedule.Project
	if err := c.call(Request{Action: ActionProjectList}, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

func (c *Client) ProjectRemove(id string) error {
	return c.call(Request{Action: ActionProjectRemove, ID: id}, nil)
}

// call sends req and decodes the response data into out, when non-nil.
func (c *Client) call(req Request, out any) error {
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}
	if out == nil || resp.Data == nil {
		return nil
	}

	data, err := json.Marshal(resp.Data)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *Client) send(req Request) (*Response, error) {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(ClientDeadline))

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, err
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, err
	}

	return &resp, nil
}
