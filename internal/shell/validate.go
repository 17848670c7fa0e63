package shell

import (
	"path"
	"strings"
	"time"
)

// Banned command roots, grouped by rationale. This is a usability guard
// against commands that corrupt the persistent session or hang the agent,
// not a security boundary.
var bannedRoots = map[string]string{
	// Session and job-control builtins: they mutate or tear down the shared
	// shell process that later commands depend on.
	"exit":    "session control",
	"logout":  "session control",
	"bg":      "job control",
	"fg":      "job control",
	"jobs":    "job control",
	"disown":  "job control",
	"suspend": "job control",
	"exec":    "session control",

	// Network fetch tools: the agent has dedicated tools for retrieval and
	// these tend to hang on prompts or dump megabytes into the transcript.
	"curl":   "network tool",
	"wget":   "network tool",
	"nc":     "network tool",
	"ncat":   "network tool",
	"netcat": "network tool",
	"telnet": "network tool",
	"ftp":    "network tool",

	// GUI / browser launchers: nothing can interact with what they open.
	"open":     "GUI launcher",
	"xdg-open": "GUI launcher",
	"firefox":  "GUI launcher",
	"chromium": "GUI launcher",
	"chrome":   "GUI launcher",
	"safari":   "GUI launcher",
}

// commandRoot extracts the first command word: leading shell punctuation is
// stripped and path prefixes are reduced to the basename, so "/usr/bin/curl"
// and "(curl" both resolve to "curl".
func commandRoot(command string) string {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 {
		return ""
	}
	root := strings.TrimLeft(fields[0], "({[!;&|")
	root = path.Base(root)
	return strings.ToLower(root)
}

// validate rejects a command before it ever reaches the queue. A nil return
// means the command may be written to the shell.
func validate(params Params, maxTimeout time.Duration) *Error {
	if strings.TrimSpace(params.Command) == "" {
		return newError(ErrValidation, "command must not be empty")
	}
	root := commandRoot(params.Command)
	if rationale, ok := bannedRoots[root]; ok {
		return newError(ErrValidation, "command rejected: banned keyword %q (%s)", root, rationale)
	}
	if params.TimeoutMS < 0 {
		return newError(ErrValidation, "timeout must be a positive number of milliseconds, got %d", params.TimeoutMS)
	}
	if params.TimeoutMS > 0 && time.Duration(params.TimeoutMS)*time.Millisecond > maxTimeout {
		// Clamped by the executor rather than rejected; validation only
		// rules out nonsense values.
		return nil
	}
	return nil
}
