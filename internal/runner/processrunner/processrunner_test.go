package processrunner

import (
	"context"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/basket/taskloopd/internal/runner"
)

// scriptBackend runs an arbitrary shell script in place of the real agent
// binary, letting tests script a fake agent's event stream deterministically.
type scriptBackend struct {
	script string
}

func (b scriptBackend) spawn(ctx context.Context, workDir, title string) (spawned, error) {
	cmd := exec.Command("/bin/sh", "-c", b.script)
	cmd.Dir = workDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return spawned{}, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return spawned{}, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return spawned{}, fmt.Errorf("start: %w", err)
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

func TestCreateSessionReadsEvents(t *testing.T) {
	r := &Runner{
		agentBin: "/bin/sh",
		backend: scriptBackend{script: `
			echo '{"type":"status","value":"busy"}'
			echo '{"type":"message","role":"assistant","parts":[{"kind":"text","text":"working on it"}]}'
			echo '{"type":"todos","items":[{"status":"in_progress"}]}'
			echo '{"type":"status","value":"idle"}'
			sleep 1
		`},
		sessions: make(map[string]*session),
	}

	sessionID, err := r.CreateSession(context.Background(), t.TempDir(), "Task #1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		status, err := r.GetStatus(context.Background(), sessionID, "")
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		if status == runner.StatusIdle {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	status, err := r.GetStatus(context.Background(), sessionID, "")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status != runner.StatusIdle {
		t.Fatalf("expected idle status eventually, got %q", status)
	}

	messages, err := r.GetMessages(context.Background(), sessionID, "")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(messages) != 1 || messages[0].Parts[0].Text != "working on it" {
		t.Fatalf("unexpected messages: %+v", messages)
	}

	todos, err := r.GetTodos(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("GetTodos: %v", err)
	}
	if len(todos) != 1 || todos[0].Status != runner.TodoInProgress {
		t.Fatalf("unexpected todos: %+v", todos)
	}

	_ = r.CloseSession(sessionID)
}

func TestGetStatusUnknownSession(t *testing.T) {
	r := New("/bin/sh")
	if _, err := r.GetStatus(context.Background(), "does-not-exist", ""); err == nil {
		t.Fatal("expected error for unknown session")
	}
}
