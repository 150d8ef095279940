package caravan

import (
	"testing"
	"time"
)

func TestUserMessage(t *testing.T) {
	msg := UserMessage("hello")
	if msg.Role != "user" {
		t.Errorf("Role = %q, want %q", msg.Role, "user")
	}
	if msg.Content != "hello" {
		t.Errorf("Content = %q, want %q", msg.Content, "hello")
	}
}

func TestSystemMessage(t *testing.T) {
	msg := SystemMessage("you are helpful")
	if msg.Role != "system" {
		t.Errorf("Role = %q, want %q", msg.Role, "system")
	}
	if msg.Content != "you are helpful" {
		t.Errorf("Content = %q, want %q", msg.Content, "you are helpful")
	}
}

func TestAssistantMessage(t *testing.T) {
	msg := AssistantMessage("sure thing")
	if msg.Role != "assistant" {
		t.Errorf("Role = %q, want %q", msg.Role, "assistant")
	}
	if msg.Content != "sure thing" {
		t.Errorf("Content = %q, want %q", msg.Content, "sure thing")
	}
}

func TestUsageAccumulation(t *testing.T) {
	var u Usage
	u.Add(Usage{InputTokens: 100, OutputTokens: 20})
	u.Add(Usage{InputTokens: 50, OutputTokens: 30})
	if u.InputTokens != 150 {
		t.Errorf("InputTokens = %d, want 150", u.InputTokens)
	}
	if u.OutputTokens != 50 {
		t.Errorf("OutputTokens = %d, want 50", u.OutputTokens)
	}
	if u.Total() != 200 {
		t.Errorf("Total = %d, want 200", u.Total())
	}
}

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	if l.MaxSteps != 10 {
		t.Errorf("MaxSteps = %d, want 10", l.MaxSteps)
	}
	if l.RequestLimit != 30 {
		t.Errorf("RequestLimit = %d, want 30", l.RequestLimit)
	}
	if l.TotalTokensLimit != 120000 {
		t.Errorf("TotalTokensLimit = %d, want 120000", l.TotalTokensLimit)
	}
	if l.ToolCallTimeout != 30*time.Second {
		t.Errorf("ToolCallTimeout = %v, want 30s", l.ToolCallTimeout)
	}
	if l.MaxContextTokens != 16000 {
		t.Errorf("MaxContextTokens = %d, want 16000", l.MaxContextTokens)
	}
	if l.ParseRetryBudget != 2 {
		t.Errorf("ParseRetryBudget = %d, want 2", l.ParseRetryBudget)
	}
}
