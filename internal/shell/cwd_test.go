package shell

import (
	"testing"
)

func TestCwdProbeParsesLastLine(t *testing.T) {
	delim := "__SHELLBOX_CWD__abc__"
	p := newCwdProbe(delim)

	// Delimiter split across chunks, with leftover prompt noise before pwd.
	p.OnStdout([]byte("\n/home/user/project\n__SHELLBOX_"))
	if closed(p.done) {
		t.Fatal("probe completed on a partial delimiter")
	}
	p.OnStdout([]byte("CWD__abc__\n"))

	if !closed(p.done) {
		t.Fatal("probe never completed")
	}
	if got := p.result(); got != "/home/user/project" {
		t.Fatalf("dir = %q", got)
	}
}

func TestCwdProbeStderrFails(t *testing.T) {
	p := newCwdProbe("__D__")
	p.OnStderr([]byte("pwd: error"))
	if !closed(p.failed) {
		t.Fatal("stderr did not fail the probe")
	}
	// Repeated stderr chunks must not panic the once-guarded close.
	p.OnStderr([]byte("more"))
}

func TestCwdProbeEmptyOutput(t *testing.T) {
	p := newCwdProbe("__D__")
	p.OnStdout([]byte("__D__\n"))
	if !closed(p.done) {
		t.Fatal("probe never completed")
	}
	if got := p.result(); got != "" {
		t.Fatalf("dir = %q, want empty", got)
	}
}
