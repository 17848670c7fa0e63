package shell

import (
	"strings"
	"testing"
)

func feed(p *parser, stdout string, chunk int) {
	for i := 0; i < len(stdout); i += chunk {
		end := i + chunk
		if end > len(stdout) {
			end = len(stdout)
		}
		p.OnStdout([]byte(stdout[i:end]))
	}
}

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestParserForegroundFrame(t *testing.T) {
	fr := newFrame()
	p := newParser(fr, false)

	stream := fr.start + "\nhello\nworld\n" + fr.exit + ":0\n" + fr.end + ":0\n"
	feed(p, stream, len(stream))

	if !closed(p.done) {
		t.Fatal("frame not closed")
	}
	stdout, stderr, exitCode, _ := p.snapshot()
	if stdout != "hello\nworld\n" {
		t.Fatalf("stdout = %q", stdout)
	}
	if stderr != "" {
		t.Fatalf("stderr = %q", stderr)
	}
	if exitCode == nil || *exitCode != 0 {
		t.Fatalf("exit code = %v", exitCode)
	}
}

func TestParserMarkerSplitAcrossChunks(t *testing.T) {
	fr := newFrame()
	stream := "prompt noise " + fr.start + "\nout line\n" + fr.exit + ":42\n" + fr.end + ":0\n"

	// Every chunk size, down to one byte at a time, must parse identically.
	for _, chunk := range []int{1, 2, 3, 7, 16, len(stream)} {
		p := newParser(fr, false)
		feed(p, stream, chunk)

		if !closed(p.done) {
			t.Fatalf("chunk=%d: frame not closed", chunk)
		}
		stdout, _, exitCode, _ := p.snapshot()
		if stdout != "out line\n" {
			t.Fatalf("chunk=%d: stdout = %q", chunk, stdout)
		}
		if exitCode == nil || *exitCode != 42 {
			t.Fatalf("chunk=%d: exit code = %v", chunk, exitCode)
		}
	}
}

func TestParserDiscardsPreStartNoise(t *testing.T) {
	fr := newFrame()
	p := newParser(fr, false)

	feed(p, strings.Repeat("old output that must vanish\n", 50), 13)
	stream := fr.start + "\nreal\n" + fr.exit + ":0\n" + fr.end + ":0\n"
	feed(p, stream, 5)

	stdout, _, _, _ := p.snapshot()
	if stdout != "real\n" {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestParserNoMarkerLeakage(t *testing.T) {
	fr := newFrame()
	p := newParser(fr, false)
	stream := fr.start + "\npayload\n" + fr.exit + ":1\n" + fr.end + ":0\n"
	feed(p, stream, 4)

	stdout, _, _, _ := p.snapshot()
	if strings.Contains(stdout, fr.token) {
		t.Fatalf("marker leaked into stdout: %q", stdout)
	}
}

func TestParserBackgroundPidOnStderr(t *testing.T) {
	fr := newFrame()
	p := newParser(fr, true)

	feed(p, fr.start+"\n"+fr.exit+":0\n"+fr.end+":0\n", 6)
	errStream := "warn line\n" + fr.pid + ":12345\n"
	for i := 0; i < len(errStream); i += 3 {
		end := i + 3
		if end > len(errStream) {
			end = len(errStream)
		}
		p.OnStderr([]byte(errStream[i:end]))
	}

	if !closed(p.pidSet) {
		t.Fatal("pid not parsed")
	}
	_, stderr, _, pid := p.snapshot()
	if pid == nil || *pid != 12345 {
		t.Fatalf("pid = %v", pid)
	}
	if strings.Contains(stderr, fr.token) {
		t.Fatalf("pid marker leaked into stderr: %q", stderr)
	}
}

func TestParserChunkCallbackStripped(t *testing.T) {
	fr := newFrame()
	p := newParser(fr, false)
	var got strings.Builder
	p.onData = func(stderr bool, data []byte) {
		if !stderr {
			got.Write(data)
		}
	}

	feed(p, fr.start+"\nstreamed\n"+fr.exit+":0\n"+fr.end+":0\n", 9)

	if strings.Contains(got.String(), fr.token) {
		t.Fatalf("marker reached chunk callback: %q", got.String())
	}
	if !strings.Contains(got.String(), "streamed") {
		t.Fatalf("payload missing from chunk callback: %q", got.String())
	}
}

func TestParserIgnoresOutputAfterEnd(t *testing.T) {
	fr := newFrame()
	p := newParser(fr, false)
	feed(p, fr.start+"\nx\n"+fr.exit+":0\n"+fr.end+":0\n", 100)
	p.OnStdout([]byte("late garbage"))

	stdout, _, _, _ := p.snapshot()
	if stdout != "x\n" {
		t.Fatalf("stdout = %q", stdout)
	}
}
