package sandbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
)

type Operation string

const (
	OpRead    Operation = "read"
	OpWrite   Operation = "write"
	OpExecute Operation = "execute"
	OpNetwork Operation = "network"
)

type FilesystemAccess string

const (
	FSReadOnly  FilesystemAccess = "read_only"
	FSWorkspace FilesystemAccess = "workspace"
)

// Restrictions is the per-sandbox policy every agent request is checked against.
type Restrictions struct {
	AllowedOperations []Operation      `json:"allowed_operations"`
	DeniedOperations  []Operation      `json:"denied_operations"`
	WorkingDirectory  string           `json:"working_directory"`
	NetworkAccess     bool             `json:"network_access"`
	FilesystemAccess  FilesystemAccess `json:"filesystem_access"`

	// AllowedCommands, when non-empty, restricts the leading token of every
	// simple command in a script.
	AllowedCommands []string `json:"allowed_commands,omitempty"`
}

// DefaultRestrictions allows workspace reads, writes and command execution
// with no network.
func DefaultRestrictions() Restrictions {
	return Restrictions{
		AllowedOperations: []Operation{OpRead, OpWrite, OpExecute},
		DeniedOperations:  []Operation{OpNetwork},
		WorkingDirectory:  "workspace",
		FilesystemAccess:  FSWorkspace,
	}
}

// checkOperation enforces the capability lists. An explicit deny wins over
// an allow.
func (r Restrictions) checkOperation(op Operation) error {
	if slices.Contains(r.DeniedOperations, op) {
		return fmt.Errorf("%s: %w", op, ErrOperationExplicitlyDenied)
	}
	if !slices.Contains(r.AllowedOperations, op) {
		return fmt.Errorf("%s: %w", op, ErrOperationDenied)
	}
	return nil
}

type dangerousPattern struct {
	name string
	re   *regexp.Regexp
}

var dangerousPatterns = []dangerousPattern{
	{"recursive delete of root or home", regexp.MustCompile(`\brm\s+(?:-{1,2}[\w-]+\s+)*(?:/+\.?|/\*|~/?\*?|\$HOME/?\*?)(?:\s|;|&|\||$)`)},
	{"privilege escalation", regexp.MustCompile(`(?:^|[;&|(\s])(?:sudo|su|doas|pkexec)(?:\s|$)`)},
	{"world-writable permissions", regexp.MustCompile(`\bchmod\s+(?:-\S+\s+)*(?:[0-7]?[0-7]{2}[2367]\b|[ugoa]*[ao][+=][rwxXst]*w)`)},
	{"pipe download to shell", regexp.MustCompile(`\b(?:curl|wget)\b[^;&]*\|\s*(?:sudo\s+)?(?:ba|z|da|k)?sh\b`)},
	{"raw device write", regexp.MustCompile(`(?:\bdd\b[^;&|]*\bof=|>\s*)/dev/(?:sd|hd|nvme|xvd|vd|mmcblk|disk|mapper|loop)`)},
	{"disk formatting", regexp.MustCompile(`\b(?:mkfs(?:\.\w+)?|fdisk|wipefs|mkswap)\b`)},
	{"fork bomb", regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`)},
}

// unquote drops quoting and brace expansion of $HOME so that "/" and
// ${HOME} are seen the way the shell will see them.
var unquote = strings.NewReplacer(`"`, "", `'`, "", `\`, "", "${HOME}", "$HOME")

// checkDangerous rejects destructive commands regardless of any allow-list.
func checkDangerous(command string) error {
	plain := unquote.Replace(command)
	for _, p := range dangerousPatterns {
		if p.re.MatchString(command) || p.re.MatchString(plain) {
			return fmt.Errorf("%s: %w", p.name, ErrDangerousCommand)
		}
	}
	return nil
}

var commandSeparators = regexp.MustCompile(`\|\||&&|[;|&\n]`)

// checkAllowed verifies the leading token of every simple command in script
// against the allow-list. An empty list allows everything.
func checkAllowed(script string, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	for _, segment := range commandSeparators.Split(script, -1) {
		token := leadingToken(segment)
		if token == "" {
			continue
		}
		if !matchesPrefix(token, strings.TrimSpace(segment), allowed) {
			return fmt.Errorf("%s: %w", token, ErrCommandNotAllowed)
		}
	}
	return nil
}

// leadingToken returns the program name of a simple command, skipping
// VAR=value assignments.
func leadingToken(segment string) string {
	for _, f := range strings.Fields(segment) {
		if strings.HasPrefix(f, "#") {
			return ""
		}
		if i := strings.IndexByte(f, '='); i > 0 && !strings.ContainsAny(f[:i], "/.") {
			continue
		}
		return filepath.Base(f)
	}
	return ""
}

func matchesPrefix(token, segment string, allowed []string) bool {
	for _, p := range allowed {
		if token == p {
			return true
		}
		// Multi-word entries such as "go test" match on the whole segment.
		if strings.Contains(p, " ") && (segment == p || strings.HasPrefix(segment, p+" ")) {
			return true
		}
	}
	return false
}

// networkTools reach the network whatever their arguments.
var networkTools = []string{
	"curl", "wget", "nc", "ncat", "netcat", "ssh", "scp", "sftp", "telnet", "ftp", "rsync",
}

// networkSubcommands maps a program to the subcommands that fetch or publish.
var networkSubcommands = map[string][]string{
	"git":     {"clone", "fetch", "pull", "push", "ls-remote", "submodule"},
	"pip":     {"install", "download"},
	"pip3":    {"install", "download"},
	"npm":     {"install", "i", "ci", "add", "publish"},
	"yarn":    {"add", "install"},
	"pnpm":    {"add", "install", "i"},
	"go":      {"get", "install", "mod"},
	"cargo":   {"install", "fetch"},
	"gem":     {"install"},
	"apt":     {"install", "update"},
	"apt-get": {"install", "update"},
	"apk":     {"add", "update"},
	"brew":    {"install", "update"},
}

func (r Restrictions) networkAllowed() bool {
	return r.NetworkAccess && !slices.Contains(r.DeniedOperations, OpNetwork)
}

// checkNetwork rejects commands that need the network when the sandbox has
// none.
func (r Restrictions) checkNetwork(script string) error {
	if r.networkAllowed() {
		return nil
	}
	for _, c := range splitCommands(script) {
		prog := c.program()
		if prog < 0 {
			continue
		}
		name := filepath.Base(c.words[prog].text)
		if slices.Contains(networkTools, name) {
			return fmt.Errorf("%s: %s: %w", OpNetwork, name, ErrOperationExplicitlyDenied)
		}
		subs, ok := networkSubcommands[name]
		if !ok {
			continue
		}
		args := c.words[prog+1:]
		for i := 0; i < len(args); i++ {
			w := args[i]
			if strings.HasPrefix(w.text, "-") {
				if w.text == "-C" || w.text == "-c" {
					i++ // flag value
				}
				continue
			}
			if slices.Contains(subs, w.text) {
				return fmt.Errorf("%s: %s %s: %w", OpNetwork, name, w.text, ErrOperationExplicitlyDenied)
			}
			break
		}
	}
	return nil
}
