package extract

import (
	"strings"
)

// Block is one fenced code span.
type Block struct {
	Info string // info string after the opening fence, e.g. "bash" or "file:main.go"
	Body string
}

// Command is a shell snippet to be run in a sandbox.
type Command struct {
	Script string
}

// File is a payload to be written into a sandbox workspace.
type File struct {
	Name    string
	Content string
}

// Blocks scans s for ``` fenced spans. An unterminated fence is dropped.
func Blocks(s string) []Block {
	var (
		blocks []Block
		open   bool
		fence  string
		info   string
		body   []string
	)
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimLeft(line, " ")
		if !open {
			if len(line)-len(trimmed) > 3 || !strings.HasPrefix(trimmed, "```") {
				continue
			}
			n := len(trimmed) - len(strings.TrimLeft(trimmed, "`"))
			fence = trimmed[:n]
			info = strings.TrimSpace(trimmed[n:])
			body = body[:0]
			open = true
			continue
		}
		// A closing fence is at least as long as the opening one.
		if t := strings.TrimSpace(trimmed); strings.HasPrefix(t, fence) && strings.Trim(t, "`") == "" {
			blocks = append(blocks, Block{Info: info, Body: strings.Join(body, "\n")})
			open = false
			continue
		}
		body = append(body, line)
	}
	return blocks
}

// Operations splits the fenced blocks of s into shell commands and file
// payloads. bash, sh and shell blocks are commands; "file:<name>" blocks and
// blocks whose info string is a bare file name are files. Everything else
// (```go, ```json ...) is ignored.
func Operations(s string) ([]Command, []File) {
	var (
		cmds  []Command
		files []File
	)
	for _, b := range Blocks(s) {
		lang := b.Info
		if fields := strings.Fields(lang); len(fields) > 0 {
			lang = fields[0]
		}
		switch {
		case isShell(lang):
			if script := strings.TrimSpace(b.Body); script != "" {
				cmds = append(cmds, Command{Script: script})
			}
		case strings.HasPrefix(strings.ToLower(lang), "file:"):
			if name := strings.TrimSpace(lang[len("file:"):]); name != "" {
				files = append(files, File{Name: name, Content: withNewline(b.Body)})
			}
		case looksLikeFileName(lang):
			files = append(files, File{Name: lang, Content: withNewline(b.Body)})
		}
	}
	return cmds, files
}

func isShell(lang string) bool {
	switch strings.ToLower(lang) {
	case "bash", "sh", "shell":
		return true
	}
	return false
}

func looksLikeFileName(s string) bool {
	if s == "" || strings.ContainsAny(s, " \t") {
		return false
	}
	return strings.ContainsAny(s, "./")
}

func withNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
