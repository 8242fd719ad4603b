package chat

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/reflexive-dev/reflexive/internal/toolplane"
)

func TestStripMCPPrefix(t *testing.T) {
	cases := map[string]string{
		"mcp__github__search_issues": "search_issues",
		"get_app_status":             "get_app_status",
		"mcp__onlyserver__":          "",
	}
	for in, want := range cases {
		if got := stripMCPPrefix(in); got != want {
			t.Errorf("stripMCPPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncateValuesClipsLongStringsOnly(t *testing.T) {
	longStr := strings.Repeat("x", maxToolInputDisplay+50)
	input := map[string]any{
		"short":  "fine",
		"long":   longStr,
		"number": 42,
	}
	out := truncateValues(input)

	if out["short"] != "fine" {
		t.Errorf("short string should pass through unchanged, got %v", out["short"])
	}
	if out["number"] != 42 {
		t.Errorf("non-string value should pass through unchanged, got %v", out["number"])
	}
	gotLong, ok := out["long"].(string)
	if !ok {
		t.Fatalf("expected long value to remain a string, got %T", out["long"])
	}
	if !strings.HasSuffix(gotLong, "...(truncated)") {
		t.Errorf("expected truncated suffix, got suffix of %q", gotLong[len(gotLong)-20:])
	}
	if len(gotLong) != maxToolInputDisplay+len("...(truncated)") {
		t.Errorf("unexpected truncated length: %d", len(gotLong))
	}
}

func TestBuildToolsetMergesPlaneAndExternalServers(t *testing.T) {
	plane := toolplane.NewLibraryPlane(nil)
	opts := Options{
		Plane: plane,
		ExternalServers: []ExternalServer{
			{
				Name: "gh",
				Tools: []toolplane.Tool{
					{Name: "search_issues", Handler: func(ctx context.Context, input json.RawMessage) toolplane.Result {
						return toolplane.TextResult("ok")
					}},
				},
			},
		},
	}
	defs, dispatch := buildToolset(opts)

	foundNamespaced := false
	for _, d := range defs {
		if d.Name == "mcp__gh__search_issues" {
			foundNamespaced = true
		}
	}
	if !foundNamespaced {
		t.Fatal("expected external server tool to be namespaced as mcp__gh__search_issues")
	}

	res := dispatch(context.Background(), "mcp__gh__search_issues", nil)
	if res.IsError || res.Content[0].Text != "ok" {
		t.Fatalf("expected dispatch to reach namespaced handler, got %+v", res)
	}

	unknown := dispatch(context.Background(), "no_such_tool", nil)
	if !unknown.IsError {
		t.Fatal("expected dispatch of unknown tool to return an error result")
	}
}

func TestBuildToolsetRespectsAllowedTools(t *testing.T) {
	plane := toolplane.NewLibraryPlane(nil)
	opts := Options{
		Plane:        plane,
		AllowedTools: []string{"get_app_status"},
	}
	defs, _ := buildToolset(opts)

	if len(defs) != 1 || defs[0].Name != "get_app_status" {
		t.Fatalf("expected only get_app_status to survive the allowlist, got %+v", defs)
	}
}

func TestFinalizedContentBlocksOrdersByIndex(t *testing.T) {
	blocks := map[int]*pendingBlock{
		1: {blockType: "text"},
		0: {blockType: "tool_use", id: "t1", name: "some_tool"},
	}
	blocks[0].inputJSON.WriteString(`{"a":1}`)
	blocks[1].text.WriteString("hello")
	order := []int{0, 1}

	out := finalizedContentBlocks(blocks, order)
	if len(out) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(out))
	}
	if out[0].Type != "tool_use" || out[0].Name != "some_tool" {
		t.Errorf("expected first block to be the tool_use block, got %+v", out[0])
	}
	if out[1].Type != "text" || out[1].Text != "hello" {
		t.Errorf("expected second block to be the text block, got %+v", out[1])
	}
}

func TestFinalizedContentBlocksToleratesMalformedInputJSON(t *testing.T) {
	blocks := map[int]*pendingBlock{
		0: {blockType: "tool_use", id: "t1", name: "broken"},
	}
	blocks[0].inputJSON.WriteString(`not json`)
	out := finalizedContentBlocks(blocks, []int{0})
	if len(out) != 1 || out[0].Input == nil {
		t.Fatalf("expected malformed input to fall back to an empty map, got %+v", out)
	}
}
