package caravan

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseFinalAnswer(t *testing.T) {
	out, err := parseOutput("Thought: I know this.\nFinal Answer: The result is 5.")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !out.isFinal {
		t.Fatal("expected final answer")
	}
	if out.final != "The result is 5." {
		t.Errorf("got %q", out.final)
	}
}

func TestParseBareAnswerMarker(t *testing.T) {
	out, err := parseOutput("Answer: 42")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !out.isFinal || out.final != "42" {
		t.Errorf("got final=%v %q", out.isFinal, out.final)
	}
}

func TestParseFinalAnswerCaseInsensitive(t *testing.T) {
	out, err := parseOutput("FINAL ANSWER: done")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !out.isFinal || out.final != "done" {
		t.Errorf("got final=%v %q", out.isFinal, out.final)
	}
}

func TestParseFinalAnswerWinsOverAction(t *testing.T) {
	raw := "Action: add\nAction Input: {\"a\": 1, \"b\": 2}\nFinal Answer: 3"
	out, err := parseOutput(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !out.isFinal {
		t.Fatal("final answer must win when both are present")
	}
	if out.final != "3" {
		t.Errorf("got %q, want %q", out.final, "3")
	}
}

func TestParseTakesTextAfterLastFinalMarker(t *testing.T) {
	raw := "Thought: time for the Final Answer: nope\nFinal Answer: yes"
	out, err := parseOutput(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.final != "yes" {
		t.Errorf("got %q, want %q", out.final, "yes")
	}
}

func TestParseTwoLineAction(t *testing.T) {
	raw := "Thought: need to compute.\nAction: add\nAction Input: {\"a\": 2, \"b\": 3}"
	out, err := parseOutput(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.isFinal || out.call == nil {
		t.Fatal("expected a tool call")
	}
	if out.call.Name != "add" {
		t.Errorf("got name %q, want %q", out.call.Name, "add")
	}
	var args struct{ A, B int }
	if err := json.Unmarshal(out.call.Args, &args); err != nil {
		t.Fatalf("unmarshal args: %v", err)
	}
	if args.A != 2 || args.B != 3 {
		t.Errorf("got args %+v", args)
	}
}

func TestParseSingleObjectAction(t *testing.T) {
	raw := `Action: {"tool": "add", "parameters": {"a": 2, "b": 3}}`
	out, err := parseOutput(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.call == nil || out.call.Name != "add" {
		t.Fatalf("got %+v, want add call", out)
	}
	var args struct{ A, B int }
	json.Unmarshal(out.call.Args, &args)
	if args.A != 2 || args.B != 3 {
		t.Errorf("got args %+v", args)
	}
}

func TestParseActionNameTrimsDecoration(t *testing.T) {
	out, err := parseOutput("Action: `search`\nAction Input: {}")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.call.Name != "search" {
		t.Errorf("got %q, want %q", out.call.Name, "search")
	}
}

func TestParseActionWithoutInputDefaultsEmptyObject(t *testing.T) {
	out, err := parseOutput("Action: ping")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if string(out.call.Args) != "{}" {
		t.Errorf("got args %s, want {}", out.call.Args)
	}
}

func TestParseInputOnActionLine(t *testing.T) {
	out, err := parseOutput(`Action: add Action Input: {"a": 1, "b": 1}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.call.Name != "add" {
		t.Errorf("got name %q, want %q", out.call.Name, "add")
	}
}

func TestParseFirstActionWins(t *testing.T) {
	raw := "Action: first\nAction Input: {\"n\": 1}\nAction: second\nAction Input: {\"n\": 2}"
	out, err := parseOutput(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out.call.Name != "first" {
		t.Errorf("got %q, want the first call", out.call.Name)
	}
}

func TestParseRepairsModelQuirks(t *testing.T) {
	raw := "Action: add\nAction Input: ```json\n{\n  \"a\": 2, // first operand\n  \"b\": 3,\n}\n```"
	out, err := parseOutput(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var args struct{ A, B int }
	if err := json.Unmarshal(out.call.Args, &args); err != nil {
		t.Fatalf("unmarshal repaired args %s: %v", out.call.Args, err)
	}
	if args.A != 2 || args.B != 3 {
		t.Errorf("got args %+v", args)
	}
}

func TestParseBracesInsideStringsStayBalanced(t *testing.T) {
	raw := `Action: note
Action Input: {"text": "braces { inside } a string"}`
	out, err := parseOutput(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	var args struct{ Text string }
	json.Unmarshal(out.call.Args, &args)
	if !strings.Contains(args.Text, "{ inside }") {
		t.Errorf("got %q", args.Text)
	}
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"free text", "I am thinking about the problem."},
		{"empty", ""},
		{"unbalanced braces", "Action: add\nAction Input: {\"a\": 2"},
		{"invalid json", "Action: add\nAction Input: {a: b c}"},
		{"object form without tool", `Action: {"parameters": {"a": 1}}`},
		{"marker without name", "Action:   \nnothing here"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseOutput(tc.raw); err == nil {
				t.Errorf("parseOutput(%q) succeeded, want error", tc.raw)
			}
		})
	}
}
