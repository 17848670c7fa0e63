package shell_test

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/antonkrylov/shellbox/internal/shell"
)

func newTestEngine(t *testing.T, opts shell.Options) *shell.Engine {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		if _, err := exec.LookPath("sh"); err != nil {
			t.Skip("no shell installed")
		}
	}
	eng, err := shell.New(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = eng.Close(ctx)
	})
	return eng
}

func run(t *testing.T, eng *shell.Engine, command string) *shell.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	res, err := eng.Execute(ctx, shell.Params{Command: command}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestEngineEchoHello(t *testing.T) {
	eng := newTestEngine(t, shell.Options{})

	res := run(t, eng, "echo hello")
	if !res.Ok() {
		t.Fatalf("status=%s err=%v", res.Status, res.Err)
	}
	if res.Stdout != "hello\n" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if res.Display != "hello" {
		t.Fatalf("display = %q", res.Display)
	}
}

func TestEngineStatePersistsAcrossCommands(t *testing.T) {
	eng := newTestEngine(t, shell.Options{})

	if res := run(t, eng, "SBX_TEST_VAR=41"); !res.Ok() {
		t.Fatalf("assignment failed: %v", res.Err)
	}
	res := run(t, eng, `echo $((SBX_TEST_VAR + 1))`)
	if !res.Ok() || res.Stdout != "42\n" {
		t.Fatalf("stdout = %q, err = %v", res.Stdout, res.Err)
	}
}

func TestEngineStreamsChunks(t *testing.T) {
	eng := newTestEngine(t, shell.Options{})

	var mu sync.Mutex
	var streamed strings.Builder
	ctx := context.Background()
	res, err := eng.Execute(ctx, shell.Params{Command: "echo chunked"}, func(stderr bool, data []byte) {
		mu.Lock()
		streamed.Write(data)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Ok() {
		t.Fatalf("status=%s", res.Status)
	}
	mu.Lock()
	defer mu.Unlock()
	if !strings.Contains(streamed.String(), "chunked") {
		t.Fatalf("streamed = %q", streamed.String())
	}
}

func TestEngineNonzeroExit(t *testing.T) {
	eng := newTestEngine(t, shell.Options{})

	res := run(t, eng, `sh -c "echo failing >&2; exit 5"`)
	if res.Status != shell.StatusError {
		t.Fatalf("status = %s", res.Status)
	}
	if res.ExitCode == nil || *res.ExitCode != 5 {
		t.Fatalf("exit code = %v", res.ExitCode)
	}
	if !strings.Contains(res.Stderr, "failing") {
		t.Fatalf("stderr = %q", res.Stderr)
	}
	if !strings.Contains(res.Display, "failing") {
		t.Fatalf("display should prefer stderr, got %q", res.Display)
	}
}

func TestEngineBannedCommand(t *testing.T) {
	eng := newTestEngine(t, shell.Options{})

	res := run(t, eng, "curl example.com")
	if res.Status != shell.StatusError {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "banned keyword") {
		t.Fatalf("err = %v", res.Err)
	}
	if res.ExitCode != nil {
		t.Fatal("rejected command must not carry an exit code")
	}
}

func TestEngineEmptyCommand(t *testing.T) {
	eng := newTestEngine(t, shell.Options{})
	res := run(t, eng, "   ")
	if res.Status != shell.StatusError || res.Err == nil {
		t.Fatalf("status=%s err=%v", res.Status, res.Err)
	}
}

func TestEngineRecoversAfterTimeout(t *testing.T) {
	eng := newTestEngine(t, shell.Options{DefaultTimeout: 300 * time.Millisecond})

	res := run(t, eng, "sleep 1")
	if res.Status != shell.StatusTimeout {
		t.Fatalf("status = %s", res.Status)
	}

	// The interrupt byte left behind in the shell's stdin must not swallow
	// the next command's frame.
	next := run(t, eng, "echo after-timeout")
	if !next.Ok() {
		t.Fatalf("post-timeout command: status=%s err=%v stderr=%q", next.Status, next.Err, next.Stderr)
	}
	if next.Stdout != "after-timeout\n" {
		t.Fatalf("post-timeout stdout = %q", next.Stdout)
	}
}

func TestEngineCwdTracking(t *testing.T) {
	eng := newTestEngine(t, shell.Options{})

	dir := t.TempDir()
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatal(err)
	}

	res := run(t, eng, "cd "+dir)
	if !res.Ok() {
		t.Fatalf("cd failed: %v", res.Err)
	}
	got, err := filepath.EvalSymlinks(res.Cwd)
	if err != nil {
		t.Fatal(err)
	}
	if got != resolved {
		t.Fatalf("cwd = %q, want %q", got, resolved)
	}
	if eng.Cwd() != res.Cwd {
		t.Fatal("engine cwd diverged from result cwd")
	}
}

func TestEngineTimeout(t *testing.T) {
	eng := newTestEngine(t, shell.Options{DefaultTimeout: 300 * time.Millisecond})

	start := time.Now()
	res := run(t, eng, "sleep 30")
	if res.Status != shell.StatusTimeout {
		t.Fatalf("status = %s", res.Status)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("timeout resolution took far too long")
	}
	if res.Err == nil || !strings.Contains(res.Err.Error(), "did not finish") {
		t.Fatalf("err = %v", res.Err)
	}
}

func TestEngineCrashDrainsQueue(t *testing.T) {
	eng := newTestEngine(t, shell.Options{})

	// Execute directly in the goroutines and assert afterwards: FailNow
	// must only ever be called from the test goroutine.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var crashRes *shell.Result
	var crashErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		crashRes, crashErr = eng.Execute(ctx, shell.Params{Command: "sleep 0.4; kill -9 $$"}, nil)
	}()

	// Let the crashing command take the in-flight slot first.
	time.Sleep(100 * time.Millisecond)

	queued := make([]*shell.Result, 2)
	queuedErrs := make([]error, 2)
	for i := range queued {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			queued[i], queuedErrs[i] = eng.Execute(ctx, shell.Params{Command: "echo queued"}, nil)
		}(i)
	}
	wg.Wait()

	if crashErr != nil {
		t.Fatal(crashErr)
	}
	for i, err := range queuedErrs {
		if err != nil {
			t.Fatalf("queued[%d]: %v", i, err)
		}
	}

	if crashRes.Status != shell.StatusError {
		t.Fatalf("in-flight status = %s", crashRes.Status)
	}
	if crashRes.Err == nil || !strings.Contains(crashRes.Err.Error(), "session lost") {
		t.Fatalf("in-flight err = %v", crashRes.Err)
	}
	for i, res := range queued {
		if res.Status != shell.StatusCancelled {
			t.Fatalf("queued[%d] status = %s", i, res.Status)
		}
		if res.Err == nil || !strings.Contains(res.Err.Error(), "session lost") {
			t.Fatalf("queued[%d] err = %v", i, res.Err)
		}
	}

	// The session respawns and keeps serving.
	res := run(t, eng, "echo recovered")
	if !res.Ok() || res.Stdout != "recovered\n" {
		t.Fatalf("post-respawn: status=%s stdout=%q err=%v", res.Status, res.Stdout, res.Err)
	}
}

func TestEngineBackground(t *testing.T) {
	eng := newTestEngine(t, shell.Options{PollInterval: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	res, err := eng.Execute(ctx, shell.Params{
		Command:         "sleep 0.2; echo bg-out; echo bg-err >&2",
		RunInBackground: true,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != shell.StatusLaunched {
		t.Fatalf("status = %s, err = %v", res.Status, res.Err)
	}
	if res.Pid <= 0 {
		t.Fatalf("pid = %d", res.Pid)
	}
	if !strings.Contains(res.Display, "launched in background") {
		t.Fatalf("display = %q", res.Display)
	}

	// The queue is free while the background command runs.
	if fg := run(t, eng, "echo foreground"); !fg.Ok() {
		t.Fatalf("foreground during background failed: %v", fg.Err)
	}

	select {
	case final := <-eng.Updates():
		if final.Pid != res.Pid {
			t.Fatalf("update pid = %d, want %d", final.Pid, res.Pid)
		}
		if final.Status != shell.StatusSuccess {
			t.Fatalf("final status = %s, err = %v", final.Status, final.Err)
		}
		if !strings.Contains(final.Stdout, "bg-out") {
			t.Fatalf("final stdout = %q", final.Stdout)
		}
		if !strings.Contains(final.Stderr, "bg-err") {
			t.Fatalf("final stderr = %q", final.Stderr)
		}
		if final.ExitCode == nil || *final.ExitCode != 0 {
			t.Fatalf("final exit code = %v", final.ExitCode)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("no background update arrived")
	}
}

func TestEngineShouldConfirm(t *testing.T) {
	eng := newTestEngine(t, shell.Options{})

	if eng.ShouldConfirm(shell.Params{Command: "echo hi"}) {
		t.Fatal("read-only root demanded confirmation")
	}
	if !eng.ShouldConfirm(shell.Params{Command: "rm -rf build"}) {
		t.Fatal("mutating root skipped confirmation")
	}
	eng.AllowRoot("rm")
	if eng.ShouldConfirm(shell.Params{Command: "rm -rf build"}) {
		t.Fatal("approval was not remembered")
	}
}

func TestEngineDescription(t *testing.T) {
	eng := newTestEngine(t, shell.Options{})

	got := eng.Description(shell.Params{Command: "make all", Description: "Build everything"})
	if got != "Build everything" {
		t.Fatalf("description = %q", got)
	}
	got = eng.Description(shell.Params{Command: "line one\nline two"})
	if got != "line one ..." {
		t.Fatalf("description = %q", got)
	}
}

func TestEngineExecuteAfterClose(t *testing.T) {
	eng := newTestEngine(t, shell.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := eng.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.Execute(ctx, shell.Params{Command: "echo x"}, nil); err == nil {
		t.Fatal("execute succeeded on a closed engine")
	}
}
