// Package httprunner implements runner.Runner against a sidecar agent
// process reached over a persistent WebSocket, using simple JSON-RPC
// request/response framing. It is the in-process-sidecar alternative to
// processrunner's subprocess model: useful when the agent already runs as
// a long-lived service rather than something this daemon should spawn.
package httprunner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskloopd/internal/runner"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

// Runner talks to a single sidecar endpoint over one shared WebSocket
// connection, multiplexing sessions by session_id in the RPC params.
type Runner struct {
	url   string
	token string

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  atomic.Int64
	pending map[int64]chan rpcResponse
}

var _ runner.Runner = (*Runner)(nil)

// New connects to the sidecar at url (a ws:// or wss:// endpoint),
// authenticating with an optional bearer token.
func New(ctx context.Context, url, token string) (*Runner, error) {
	r := &Runner{url: url, token: token, pending: make(map[int64]chan rpcResponse)}
	if err := r.connect(ctx); err != nil {
		return nil, err
	}
	go r.readLoop()
	return r, nil
}

func (r *Runner) connect(ctx context.Context) error {
	var header http.Header
	if strings.TrimSpace(r.token) != "" {
		header = http.Header{"Authorization": []string{"Bearer " + r.token}}
	}
	conn, _, err := websocket.Dial(ctx, r.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("httprunner: dial %s: %w", r.url, err)
	}
	r.conn = conn
	return nil
}

func (r *Runner) readLoop() {
	ctx := context.Background()
	for {
		var resp rpcResponse
		if err := wsjson.Read(ctx, r.conn, &resp); err != nil {
			r.mu.Lock()
			for id, ch := range r.pending {
				close(ch)
				delete(r.pending, id)
			}
			r.mu.Unlock()
			return
		}
		r.mu.Lock()
		ch, ok := r.pending[resp.ID]
		if ok {
			delete(r.pending, resp.ID)
		}
		r.mu.Unlock()
		if ok {
			ch <- resp
			close(ch)
		}
	}
}

func (r *Runner) call(ctx context.Context, method string, params any, result any) error {
	id := r.nextID.Add(1)
	ch := make(chan rpcResponse, 1)

	r.mu.Lock()
	r.pending[id] = ch
	conn := r.conn
	r.mu.Unlock()

	if err := wsjson.Write(ctx, conn, rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("httprunner: write %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("httprunner: connection closed waiting for %s", method)
		}
		if resp.Error != nil {
			return fmt.Errorf("httprunner: %s: %s", method, resp.Error.Message)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("httprunner: decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) CreateSession(ctx context.Context, workDir, title string) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	err := r.call(ctx, "session.create", map[string]string{"work_dir": workDir, "title": title}, &out)
	return out.SessionID, err
}

func (r *Runner) SendPrompt(ctx context.Context, sessionID, workDir, agent, text string) error {
	return r.call(ctx, "session.prompt", map[string]string{
		"session_id": sessionID, "work_dir": workDir, "agent": agent, "text": text,
	}, nil)
}

func (r *Runner) GetStatus(ctx context.Context, sessionID, workDir string) (runner.Status, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := r.call(ctx, "session.status", map[string]string{"session_id": sessionID, "work_dir": workDir}, &out); err != nil {
		return "", err
	}
	if out.Status == string(runner.StatusBusy) {
		return runner.StatusBusy, nil
	}
	return runner.StatusIdle, nil
}

type wireMessage struct {
	Role  string     `json:"role"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Kind              string `json:"kind"`
	Text              string `json:"text,omitempty"`
	ToolUseID         string `json:"tool_use_id,omitempty"`
	ToolName          string `json:"tool_name,omitempty"`
	ToolResultContent string `json:"tool_result_content,omitempty"`
}

func (r *Runner) GetMessages(ctx context.Context, sessionID, workDir string) ([]runner.Message, error) {
	var out struct {
		Messages []wireMessage `json:"messages"`
	}
	if err := r.call(ctx, "session.messages", map[string]string{"session_id": sessionID, "work_dir": workDir}, &out); err != nil {
		return nil, err
	}
	messages := make([]runner.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := runner.Message{Role: runner.Role(m.Role)}
		for _, p := range m.Parts {
			msg.Parts = append(msg.Parts, runner.Part{
				Kind:              runner.PartKind(p.Kind),
				Text:              p.Text,
				ToolUseID:         p.ToolUseID,
				ToolName:          p.ToolName,
				ToolResultContent: p.ToolResultContent,
			})
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (r *Runner) GetTodos(ctx context.Context, sessionID string) ([]runner.Todo, error) {
	var out struct {
		Todos []struct {
			Status string `json:"status"`
		} `json:"todos"`
	}
	if err := r.call(ctx, "session.todos", map[string]string{"session_id": sessionID}, &out); err != nil {
		return nil, err
	}
	todos := make([]runner.Todo, 0, len(out.Todos))
	for _, t := range out.Todos {
		todos = append(todos, runner.Todo{Status: runner.TodoStatus(t.Status)})
	}
	return todos, nil
}

func (r *Runner) InjectToolResults(ctx context.Context, sessionID, workDir string, pendingToolIDs []string) error {
	return r.call(ctx, "session.inject_tool_results", map[string]any{
		"session_id": sessionID, "work_dir": workDir, "tool_use_ids": pendingToolIDs,
	}, nil)
}

// Close closes the underlying WebSocket connection.
func (r *Runner) Close() error {
	return r.conn.Close(websocket.StatusNormalClosure, "shutdown")
}
