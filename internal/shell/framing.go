package shell

import (
	"strings"

	"github.com/google/uuid"
)

// frame holds the four sentinel markers derived from one correlation token.
// Tokens are random (not sequential) so concurrently open frames can never
// collide with each other or with arbitrary command output.
type frame struct {
	token string

	start string // stdout, opens the command's output window
	exit  string // stdout, followed by ":<code>"
	end   string // stdout, closes the window, followed by ":<code of exit echo>"
	pid   string // stderr, background only, followed by ":<pid>"
}

func newFrame() frame {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	return frame{
		token: token,
		start: "__SHELLBOX_BEGIN__" + token + "__",
		exit:  "__SHELLBOX_EXIT__" + token + "__",
		end:   "__SHELLBOX_END__" + token + "__",
		pid:   "__SHELLBOX_PID__" + token + "__",
	}
}

// foregroundWrapper synthesizes the line(s) written to the shell's stdin for
// a foreground command:
//
//	echo '<start>'
//	{ user command
//	} </dev/null
//	echo '<exit>':"$?"
//	echo '<end>':"$?"
//
// The </dev/null redirect keeps the user command from consuming queued
// input off the shared stdin pipe. The end marker echoes the exit status of
// the exit-marker echo itself.
func (f frame) foregroundWrapper(command string) string {
	var b strings.Builder
	b.WriteString("echo ")
	b.WriteString(shellQuoteSingle(f.start))
	b.WriteString("; { ")
	b.WriteString(command)
	b.WriteString("\n} </dev/null; __sbx_ec=$?; echo ")
	b.WriteString(shellQuoteSingle(f.exit))
	b.WriteString(`:"$__sbx_ec"; echo `)
	b.WriteString(shellQuoteSingle(f.end))
	b.WriteString(`:"$?"` + "\n")
	return b.String()
}

// backgroundWrapper runs the user command detached in a subshell with both
// streams redirected to temp files, emits the child pid to stderr, then
// reports the launch status. The detached group also records the command's
// own exit code to a third file for the poller to pick up later; the
// exit-code marker on stdout reflects only the launch sequence.
func (f frame) backgroundWrapper(command, stdoutPath, stderrPath, exitPath string) string {
	var b strings.Builder
	b.WriteString("echo ")
	b.WriteString(shellQuoteSingle(f.start))
	b.WriteString("; { { ")
	b.WriteString(command)
	b.WriteString("\n} </dev/null >")
	b.WriteString(shellQuoteSingle(stdoutPath))
	b.WriteString(" 2>")
	b.WriteString(shellQuoteSingle(stderrPath))
	b.WriteString(`; echo "$?" >`)
	b.WriteString(shellQuoteSingle(exitPath))
	b.WriteString("; } & __sbx_pid=$!; echo ")
	b.WriteString(shellQuoteSingle(f.pid))
	b.WriteString(`:"$__sbx_pid" >&2; __sbx_ec=$?; echo `)
	b.WriteString(shellQuoteSingle(f.exit))
	b.WriteString(`:"$__sbx_ec"; echo `)
	b.WriteString(shellQuoteSingle(f.end))
	b.WriteString(`:"$?"` + "\n")
	return b.String()
}

func shellQuoteSingle(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
