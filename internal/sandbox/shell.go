package sandbox

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// shellWord is one unquoted word of a simple command.
type shellWord struct {
	text     string
	redirect bool // target of <, > or >>
}

// simpleCommand is a run of words between separators. Group markers carry
// no words and open (+1) or close (-1) a subshell.
type simpleCommand struct {
	words []shellWord
	group int
}

// splitCommands breaks a script into simple commands with quotes and
// escapes removed. It understands enough sh to find the words a command
// operates on, not to evaluate it: expansions are left as written.
func splitCommands(script string) []simpleCommand {
	var (
		cmds     []simpleCommand
		words    []shellWord
		word     strings.Builder
		inWord   bool
		redirect bool
	)
	endWord := func() {
		if inWord {
			words = append(words, shellWord{text: word.String(), redirect: redirect})
			redirect = false
		}
		word.Reset()
		inWord = false
	}
	endCommand := func() {
		endWord()
		if len(words) > 0 {
			cmds = append(cmds, simpleCommand{words: words})
		}
		words = nil
		redirect = false
	}

	rs := []rune(script)
	for i := 0; i < len(rs); i++ {
		c := rs[i]
		switch {
		case c == '\\' && i+1 < len(rs):
			i++
			if rs[i] != '\n' {
				word.WriteRune(rs[i])
				inWord = true
			}
		case c == '\'':
			j := i + 1
			for j < len(rs) && rs[j] != '\'' {
				word.WriteRune(rs[j])
				j++
			}
			inWord = true
			i = j
		case c == '"':
			j := i + 1
			for j < len(rs) && rs[j] != '"' {
				if rs[j] == '\\' && j+1 < len(rs) {
					j++
				}
				word.WriteRune(rs[j])
				j++
			}
			inWord = true
			i = j
		case c == ' ' || c == '\t':
			endWord()
		case c == '#' && !inWord:
			for i+1 < len(rs) && rs[i+1] != '\n' {
				i++
			}
		case c == '&' && i+1 < len(rs) && rs[i+1] == '>':
			// &> redirects both streams; the '>' is handled next.
			endWord()
		case c == ';' || c == '|' || c == '&' || c == '\n' || c == '`':
			endCommand()
		case c == '(' || c == ')':
			endCommand()
			g := 1
			if c == ')' {
				g = -1
			}
			cmds = append(cmds, simpleCommand{group: g})
		case c == '<' || c == '>':
			if inWord && isDigits(word.String()) {
				// file descriptor prefix such as 2>
				word.Reset()
				inWord = false
			} else {
				endWord()
			}
			for i+1 < len(rs) && (rs[i+1] == '<' || rs[i+1] == '>') {
				i++
			}
			if i+1 < len(rs) && rs[i+1] == '&' {
				// >&2 duplicates a descriptor
				i++
				for i+1 < len(rs) && (isDigits(string(rs[i+1])) || rs[i+1] == '-') {
					i++
				}
				continue
			}
			redirect = true
		default:
			word.WriteRune(c)
			inWord = true
		}
	}
	endCommand()
	return cmds
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// program returns the index of the command name, skipping VAR=value
// assignments and redirections, or -1.
func (c simpleCommand) program() int {
	for i, w := range c.words {
		if w.redirect || isAssignment(w.text) {
			continue
		}
		return i
	}
	return -1
}

func isAssignment(s string) bool {
	i := strings.IndexByte(s, '=')
	return i > 0 && !strings.ContainsAny(s[:i], "/.-$")
}

// systemPaths are absolute paths a command may name without leaving the
// sandbox.
var systemPaths = []string{
	"/dev/null", "/dev/zero", "/dev/stdin", "/dev/stdout", "/dev/stderr",
	"/dev/random", "/dev/urandom", "/dev/tty",
}

// checkContained rejects scripts that name paths outside the workspace:
// absolute paths other than systemPaths, and relative paths that climb
// above the workspace from the directory the script has cd'ed into. The
// program name itself may be absolute.
func checkContained(script string) error {
	cwd := "."
	var stack []string
	for _, c := range splitCommands(script) {
		switch c.group {
		case 1:
			stack = append(stack, cwd)
			continue
		case -1:
			if n := len(stack); n > 0 {
				cwd = stack[n-1]
				stack = stack[:n-1]
			}
			continue
		}

		prog := c.program()
		for i, w := range c.words {
			arg := w.text
			switch {
			case i == prog:
				if filepath.IsAbs(arg) {
					continue
				}
			case isAssignment(arg) && !w.redirect:
				arg = arg[strings.IndexByte(arg, '=')+1:]
			case strings.HasPrefix(arg, "-") && strings.Contains(arg, "="):
				// --output=path
				arg = arg[strings.IndexByte(arg, '=')+1:]
			}
			if _, err := containedPath(cwd, arg); err != nil {
				return err
			}
		}

		if prog < 0 {
			continue
		}
		switch c.words[prog].text {
		case "cd", "pushd":
			target := "."
			if prog+1 < len(c.words) && c.words[prog+1].text != "-" {
				target = c.words[prog+1].text
			}
			next, err := containedPath(cwd, target)
			if err != nil {
				return err
			}
			cwd = next
		case "popd":
			cwd = "."
		}
	}
	return nil
}

// containedPath resolves p against cwd, both relative to the workspace
// root, and fails if the result lies outside it. ~ and $HOME name the
// workspace root.
func containedPath(cwd, p string) (string, error) {
	for _, home := range []string{"${HOME}", "$HOME", "~"} {
		if p == home || strings.HasPrefix(p, home+"/") {
			cwd, p = ".", "."+strings.TrimPrefix(p, home)
			break
		}
	}
	if filepath.IsAbs(p) {
		if slices.Contains(systemPaths, filepath.Clean(p)) {
			return cwd, nil
		}
		return "", fmt.Errorf("%q: %w", p, ErrPathOutsideSandbox)
	}
	joined := filepath.Join(cwd, p)
	if joined == ".." || strings.HasPrefix(joined, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", p, ErrPathOutsideSandbox)
	}
	return joined, nil
}
