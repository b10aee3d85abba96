// Package processrunner implements runner.Runner by driving the external
// agent as a child process communicating over line-delimited JSON on
// stdin/stdout. When TASKLOOPD_RUNNER_DOCKER is set the child runs inside
// an ephemeral Docker container instead of directly on the host, isolating
// whatever the agent's tool calls touch from the daemon's own filesystem.
package processrunner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/basket/taskloopd/internal/runner"
)

// backend starts one child process and exposes its stdio. localBackend and
// dockerBackend are the two concrete implementations.
type backend interface {
	spawn(ctx context.Context, workDir, title string) (spawned, error)
}

type spawned struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	close  func() error
}

// session tracks one live agent conversation.
type session struct {
	mu       sync.Mutex
	stdin    io.WriteCloser
	closeFn  func() error
	status   runner.Status
	messages []runner.Message
	todos    []runner.Todo
	readErr  error
}

// Runner drives the external agent as a subprocess (or container).
type Runner struct {
	agentBin string
	backend  backend

	mu       sync.Mutex
	sessions map[string]*session
}

var _ runner.Runner = (*Runner)(nil)

// New builds a Runner that launches agentBin directly on the host.
func New(agentBin string) *Runner {
	return &Runner{
		agentBin: agentBin,
		backend:  localBackend{agentBin: agentBin},
		sessions: make(map[string]*session),
	}
}

// NewDockerIsolated builds a Runner that launches agentBin inside an
// ephemeral container built from image, with workDir bind-mounted at
// /workspace.
func NewDockerIsolated(agentBin, image string) (*Runner, error) {
	db, err := newDockerBackend(agentBin, image)
	if err != nil {
		return nil, fmt.Errorf("processrunner: docker backend: %w", err)
	}
	return &Runner{
		agentBin: agentBin,
		backend:  db,
		sessions: make(map[string]*session),
	}, nil
}

// event is one line of the child process's line-delimited JSON protocol.
type event struct {
	Type string `json:"type"`

	// status
	Value string `json:"value,omitempty"`

	// message
	Role  string      `json:"role,omitempty"`
	Parts []eventPart `json:"parts,omitempty"`

	// todos
	Items []eventTodo `json:"items,omitempty"`
}

type eventPart struct {
	Kind              string `json:"kind"`
	Text              string `json:"text,omitempty"`
	ToolUseID         string `json:"tool_use_id,omitempty"`
	ToolName          string `json:"tool_name,omitempty"`
	ToolResultContent string `json:"tool_result_content,omitempty"`
}

type eventTodo struct {
	Status string `json:"status"`
}

type command struct {
	Type  string   `json:"type"`
	Agent string   `json:"agent,omitempty"`
	Text  string   `json:"text,omitempty"`
	IDs   []string `json:"ids,omitempty"`
}

func (r *Runner) getSession(id string) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("processrunner: unknown session %q", id)
	}
	return s, nil
}

// CreateSession spawns a new child process and begins reading its event
// stream in the background.
func (r *Runner) CreateSession(ctx context.Context, workDir, title string) (string, error) {
	sp, err := r.backend.spawn(ctx, workDir, title)
	if err != nil {
		return "", fmt.Errorf("processrunner: spawn: %w", err)
	}

	sessionID := uuid.NewString()
	s := &session{stdin: sp.stdin, closeFn: sp.close, status: runner.StatusIdle}

	r.mu.Lock()
	r.sessions[sessionID] = s
	r.mu.Unlock()

	go s.readLoop(sp.stdout)
	return sessionID, nil
}

func (s *session) readLoop(stdout io.ReadCloser) {
	defer stdout.Close()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue // malformed line from the agent: ignore, do not crash the reader
		}
		s.apply(ev)
	}
	s.mu.Lock()
	s.readErr = scanner.Err()
	s.mu.Unlock()
}

func (s *session) apply(ev event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch ev.Type {
	case "status":
		if ev.Value == string(runner.StatusBusy) {
			s.status = runner.StatusBusy
		} else {
			s.status = runner.StatusIdle
		}
	case "message":
		msg := runner.Message{Role: runner.Role(ev.Role)}
		for _, p := range ev.Parts {
			msg.Parts = append(msg.Parts, runner.Part{
				Kind:              runner.PartKind(p.Kind),
				Text:              p.Text,
				ToolUseID:         p.ToolUseID,
				ToolName:          p.ToolName,
				ToolResultContent: p.ToolResultContent,
			})
		}
		s.messages = append(s.messages, msg)
	case "todos":
		todos := make([]runner.Todo, 0, len(ev.Items))
		for _, item := range ev.Items {
			todos = append(todos, runner.Todo{Status: runner.TodoStatus(item.Status)})
		}
		s.todos = todos
	}
}

func (r *Runner) writeCommand(s *session, cmd command) error {
	b, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("processrunner: marshal command: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.stdin.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("processrunner: write command: %w", err)
	}
	return nil
}

func (r *Runner) SendPrompt(ctx context.Context, sessionID, workDir, agent, text string) error {
	s, err := r.getSession(sessionID)
	if err != nil {
		return err
	}
	return r.writeCommand(s, command{Type: "prompt", Agent: agent, Text: text})
}

func (r *Runner) GetStatus(ctx context.Context, sessionID, workDir string) (runner.Status, error) {
	s, err := r.getSession(sessionID)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return "", fmt.Errorf("processrunner: session stream ended: %w", s.readErr)
	}
	return s.status, nil
}

func (r *Runner) GetMessages(ctx context.Context, sessionID, workDir string) ([]runner.Message, error) {
	s, err := r.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]runner.Message, len(s.messages))
	copy(out, s.messages)
	return out, nil
}

func (r *Runner) GetTodos(ctx context.Context, sessionID string) ([]runner.Todo, error) {
	s, err := r.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]runner.Todo, len(s.todos))
	copy(out, s.todos)
	return out, nil
}

func (r *Runner) InjectToolResults(ctx context.Context, sessionID, workDir string, pendingToolIDs []string) error {
	s, err := r.getSession(sessionID)
	if err != nil {
		return err
	}
	return r.writeCommand(s, command{Type: "tool_results", IDs: pendingToolIDs})
}

// CloseSession tears down the child process/container for a finished
// session, if any. Not part of the Runner interface: the Executor has no
// reason to call it mid-task, but the Scheduler calls it once a task
// reaches a terminal state.
func (r *Runner) CloseSession(sessionID string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return s.closeFn()
}

// localBackend launches the agent directly as a child of this process.
type localBackend struct {
	agentBin string
}

func (b localBackend) spawn(ctx context.Context, workDir, title string) (spawned, error) {
	// CommandContext, not Command: binding the child to ctx means a force
	// shutdown that cancels the Scheduler's context kills the agent
	// process immediately instead of leaving it running after we exit.
	cmd := exec.CommandContext(ctx, b.agentBin, "--session-title", title)
	cmd.Dir = workDir
	cmd.Cancel = func() error { return cmd.Process.Kill() }

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return spawned{}, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return spawned{}, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return spawned{}, fmt.Errorf("start agent process: %w", err)
	}

	return spawned{
		stdin:  stdin,
		stdout: stdout,
		close: func() error {
			_ = stdin.Close()
			_ = cmd.Process.Kill()
			return cmd.Wait()
		},
	}, nil
}
