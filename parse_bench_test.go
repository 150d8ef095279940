package caravan

import (
	"strings"
	"testing"
	"time"
)

// --- parseOutput benchmarks ---

func BenchmarkParseOutput_FinalAnswer(b *testing.B) {
	raw := "Thought: I have everything I need.\nFinal Answer: " + strings.Repeat("the result is 42. ", 50)
	for range b.N {
		if _, err := parseOutput(raw); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParseOutput_Action(b *testing.B) {
	raw := "Thought: I should add the numbers.\nAction: calculator\nAction Input: {\"expression\": \"2 + 3 * 4\"}"
	for range b.N {
		if _, err := parseOutput(raw); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkParseOutput_ActionObject(b *testing.B) {
	raw := "Action: {\"tool\": \"calculator\", \"parameters\": {\"expression\": \"2 + 3\",}}"
	for range b.N {
		if _, err := parseOutput(raw); err != nil {
			b.Fatal(err)
		}
	}
}

// --- extractJSONObject benchmarks ---

func BenchmarkExtractJSONObject_Nested(b *testing.B) {
	s := `{"a": {"b": [1, 2, {"c": "a \"quoted\" string with } inside"}]}, "d": ` + strings.Repeat(`"x", "d": `, 100) + `"x"} trailing prose`
	b.ResetTimer()
	for range b.N {
		if _, err := extractJSONObject(s); err != nil {
			b.Fatal(err)
		}
	}
}

// --- sanitizeText benchmarks ---

func BenchmarkSanitizeText_CleanASCII(b *testing.B) {
	s := strings.Repeat("hello world ", 1000)
	b.ResetTimer()
	for range b.N {
		sanitizeText(s)
	}
}

func BenchmarkSanitizeText_ZeroWidth(b *testing.B) {
	s := strings.Repeat("hel​lo wor‍ld ‮", 1000)
	b.ResetTimer()
	for range b.N {
		sanitizeText(s)
	}
}

// --- buildSystemPrompt benchmarks ---

func BenchmarkBuildSystemPrompt(b *testing.B) {
	defs := []ToolDefinition{
		{Name: "calculator", Description: "Evaluates arithmetic expressions.", Parameters: []byte(`{"type":"object","properties":{"expression":{"type":"string","description":"expression to evaluate"}},"required":["expression"]}`)},
		{Name: "fetch_url", Description: "Fetches a URL and returns readable text.", Parameters: []byte(`{"type":"object","properties":{"url":{"type":"string"}},"required":["url"]}`)},
	}
	now := time.Date(2026, time.March, 4, 12, 0, 0, 0, time.UTC)
	b.ResetTimer()
	for range b.N {
		buildSystemPrompt("You are a helpful assistant.", defs, now)
	}
}
