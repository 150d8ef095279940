package calc

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/nevindra/caravan"
)

func TestEval(t *testing.T) {
	cases := []struct {
		expr string
		want float64
	}{
		{"2+3", 5},
		{"2 + 3 * 4", 14},
		{"(2+3)*4", 20},
		{"10/4", 2.5},
		{"10%3", 1},
		{"2^10", 1024},
		{"2^3^2", 512},
		{"-5+3", -2},
		{"-(2+3)", -5},
		{"--4", 4},
		{"+7", 7},
		{"2^-1", 0.5},
		{"3.14*2", 6.28},
		{"1.5e3+500", 2000},
		{"5e-1", 0.5},
		{"  1 +\t2 ", 3},
		{"((((1))))", 1},
	}
	for _, tc := range cases {
		got, err := Eval(tc.expr)
		if err != nil {
			t.Errorf("Eval(%q): %v", tc.expr, err)
			continue
		}
		if math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("Eval(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestEvalErrors(t *testing.T) {
	cases := []struct {
		expr string
		msg  string
	}{
		{"", "unexpected end"},
		{"1/0", "division by zero"},
		{"5%0", "modulo by zero"},
		{"(1+2", "missing closing parenthesis"},
		{"1+2)", "unexpected"},
		{"2**3", "unexpected"},
		{"hello", "unexpected"},
		{"1+", "unexpected end"},
		{"1..2", "bad number"},
		{"1e309", "not a finite number"},
	}
	for _, tc := range cases {
		_, err := Eval(tc.expr)
		if err == nil {
			t.Errorf("Eval(%q): expected error", tc.expr)
			continue
		}
		if !strings.Contains(err.Error(), tc.msg) {
			t.Errorf("Eval(%q) error = %q, want substring %q", tc.expr, err, tc.msg)
		}
	}
}

func TestCallFormatsResult(t *testing.T) {
	tool := New()
	out, err := tool.Call(context.Background(), "calc", json.RawMessage(`{"expression":"2+2"}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "4" {
		t.Errorf("Call = %q, want %q", out, "4")
	}

	out, err = tool.Call(context.Background(), "calc", json.RawMessage(`{"expression":"10/4"}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "2.5" {
		t.Errorf("Call = %q, want %q", out, "2.5")
	}
}

func TestCallBadJSON(t *testing.T) {
	tool := New()
	if _, err := tool.Call(context.Background(), "calc", json.RawMessage(`{`)); err == nil {
		t.Fatal("expected error for malformed args")
	}
}

func TestRegisteredExecution(t *testing.T) {
	reg := caravan.NewToolRegistry()
	if err := reg.AddTool(New()); err != nil {
		t.Fatalf("AddTool: %v", err)
	}

	env := reg.Execute(context.Background(), caravan.ToolCall{
		ID:   "c1",
		Name: "calc",
		Args: json.RawMessage(`{"expression":"6*7"}`),
	}, time.Second)
	if !env.OK {
		t.Fatalf("Execute failed: %s", env.Content)
	}
	if env.Content != "42" {
		t.Errorf("Content = %q, want %q", env.Content, "42")
	}

	// Schema rejects calls without the required expression field.
	env = reg.Execute(context.Background(), caravan.ToolCall{
		ID:   "c2",
		Name: "calc",
		Args: json.RawMessage(`{}`),
	}, time.Second)
	if env.OK || env.ErrorKind != caravan.KindBadArguments {
		t.Errorf("ErrorKind = %q, want %q", env.ErrorKind, caravan.KindBadArguments)
	}

	// Evaluation failures are reified, not returned.
	env = reg.Execute(context.Background(), caravan.ToolCall{
		ID:   "c3",
		Name: "calc",
		Args: json.RawMessage(`{"expression":"1/0"}`),
	}, time.Second)
	if env.OK || env.ErrorKind != caravan.KindToolFailure {
		t.Errorf("ErrorKind = %q, want %q", env.ErrorKind, caravan.KindToolFailure)
	}
	if !strings.Contains(env.Content, "division by zero") {
		t.Errorf("Content = %q, want division by zero", env.Content)
	}
}
