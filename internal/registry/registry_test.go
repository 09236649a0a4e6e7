package registry

import "testing"

func TestResolveExact(t *testing.T) {
	got, ok := Resolve(ClaudeSonnet45)
	if !ok || got != ClaudeSonnet45 {
		t.Fatalf("Resolve(exact) = %q, %v", got, ok)
	}
}

func TestResolveAlias(t *testing.T) {
	cases := map[string]string{
		"opus":             ClaudeOpus46Thinking,
		"sonnet":           ClaudeSonnet45,
		"haiku":            Gemini3Flash,
		"claude-3-5-haiku": Gemini3Flash,
		"3-pro-high":       Gemini3ProHigh,
		"o3":               ClaudeOpus46Thinking,
	}
	for alias, want := range cases {
		got, ok := Resolve(alias)
		if !ok {
			t.Errorf("Resolve(%q) unresolved", alias)
			continue
		}
		if got != want {
			t.Errorf("Resolve(%q) = %q, want %q", alias, got, want)
		}
	}
}

func TestResolveDatedPrefix(t *testing.T) {
	got, ok := Resolve("claude-opus-4-6-20260115")
	if !ok || got != ClaudeOpus46Thinking {
		t.Fatalf("Resolve(dated) = %q, %v", got, ok)
	}
}

func TestResolveUnknown(t *testing.T) {
	if _, ok := Resolve("totally-unknown-model"); ok {
		t.Fatalf("expected unresolved")
	}
}

func TestFamilyOf(t *testing.T) {
	if FamilyOf(ClaudeOpus46Thinking) != FamilyClaude {
		t.Fatalf("expected claude family")
	}
	if FamilyOf(Gemini3Flash) != FamilyGemini {
		t.Fatalf("expected gemini family")
	}
	if FamilyOf("mystery-model") != FamilyUnknown {
		t.Fatalf("expected unknown family")
	}
}

func TestIsThinkingModel(t *testing.T) {
	cases := map[string]bool{
		ClaudeOpus46Thinking: true,
		ClaudeSonnet45:       false,
		Gemini3Flash:         true,
		Gemini3ProHigh:       true,
		Gemini25Flash:        false,
		Gemini25FlashThinking: true,
	}
	for model, want := range cases {
		if got := IsThinkingModel(model); got != want {
			t.Errorf("IsThinkingModel(%q) = %v, want %v", model, got, want)
		}
	}
}

func TestFallback(t *testing.T) {
	next, ok := Fallback(Gemini3ProHigh)
	if !ok || next != ClaudeOpus46Thinking {
		t.Fatalf("Fallback(gemini-3-pro-high) = %q, %v", next, ok)
	}
	if _, ok := Fallback("no-such-model"); ok {
		t.Fatalf("expected no fallback defined")
	}
}

func TestFallbackChainMatchesUpstreamOrdering(t *testing.T) {
	cases := map[string]string{
		Gemini3ProLow:          ClaudeSonnet45,
		Gemini3Flash:           ClaudeSonnet45Thinking,
		ClaudeOpus45Thinking:   Gemini3ProHigh,
		ClaudeSonnet45Thinking: Gemini3Flash,
		ClaudeSonnet45:         Gemini3Flash,
	}
	for model, want := range cases {
		got, ok := Fallback(model)
		if !ok || got != want {
			t.Errorf("Fallback(%q) = %q, %v, want %q", model, got, ok, want)
		}
	}
	if _, ok := Fallback(Gemini25Pro); ok {
		t.Fatalf("gemini-2.5-pro has no fallback in the upstream table")
	}
}
