package extract

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestFirstObject(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare", `{"a":1}`, `{"a":1}`, true},
		{"prose around", "Here is the plan:\n{\"a\":1}\nThanks!", `{"a":1}`, true},
		{"nested", `x {"a":{"b":{"c":[1,2]}}} y`, `{"a":{"b":{"c":[1,2]}}}`, true},
		{"brace in string", `{"s":"}"}`, `{"s":"}"}`, true},
		{"escaped quote", `{"s":"say \"}\" now"}`, `{"s":"say \"}\" now"}`, true},
		{"closing brace own line", "{\n  \"a\": {\n    \"b\": 1\n}\n,\"c\":2}", "{\n  \"a\": {\n    \"b\": 1\n}\n,\"c\":2}", true},
		{"skips invalid candidate", `{not json} {"ok":true}`, `{"ok":true}`, true},
		{"unbalanced then valid", `{"broken {"b":1}`, `{"b":1}`, true},
		{"none", "no json here", "", false},
		{"unterminated", `{"a":1`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FirstObject(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
			if ok && !json.Valid([]byte(got)) {
				t.Errorf("returned invalid json %q", got)
			}
		})
	}
}

const agentResponse = "I'll set things up.\n" +
	"```bash\nmkdir -p src\nls\n```\n" +
	"Then the module file:\n" +
	"```file:go.mod\nmodule example\n```\n" +
	"And a helper:\n" +
	"```src/util.go\npackage src\n```\n" +
	"Some context, not to be run:\n" +
	"```go\nfunc main() {}\n```\n" +
	"```sh\n\n```\n" +
	"```shell\necho done\n```\n"

func TestOperations(t *testing.T) {
	cmds, files := Operations(agentResponse)

	wantCmds := []Command{{Script: "mkdir -p src\nls"}, {Script: "echo done"}}
	if !reflect.DeepEqual(cmds, wantCmds) {
		t.Errorf("commands = %+v, want %+v", cmds, wantCmds)
	}

	wantFiles := []File{
		{Name: "go.mod", Content: "module example\n"},
		{Name: "src/util.go", Content: "package src\n"},
	}
	if !reflect.DeepEqual(files, wantFiles) {
		t.Errorf("files = %+v, want %+v", files, wantFiles)
	}
}

func TestBlocks(t *testing.T) {
	in := "````markdown\n```bash\ninner\n```\n````\n```bash\nunterminated"
	blocks := Blocks(in)
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d: %+v", len(blocks), blocks)
	}
	if blocks[0].Info != "markdown" || blocks[0].Body != "```bash\ninner\n```" {
		t.Errorf("unexpected block %+v", blocks[0])
	}
}
