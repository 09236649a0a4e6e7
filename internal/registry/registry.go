// Package registry resolves client-supplied model names to the canonical
// models this gateway knows how to dispatch, classifies their family, and
// knows which models require the "thinking" content-block treatment.
package registry

import (
	"strconv"
	"strings"
)

type Family string

const (
	FamilyClaude  Family = "claude"
	FamilyGemini  Family = "gemini"
	FamilyUnknown Family = "unknown"
)

// Canonical model identifiers. These are the only values the pipeline ever
// sends upstream; everything else is an alias resolved to one of these.
const (
	ClaudeOpus46Thinking    = "claude-opus-4-6-thinking"
	ClaudeOpus45Thinking    = "claude-opus-4-5-thinking"
	ClaudeSonnet45          = "claude-sonnet-4-5"
	ClaudeSonnet45Thinking  = "claude-sonnet-4-5-thinking"
	Gemini25Flash           = "gemini-2.5-flash"
	Gemini25FlashLite       = "gemini-2.5-flash-lite"
	Gemini25FlashThinking   = "gemini-2.5-flash-thinking"
	Gemini25Pro             = "gemini-2.5-pro"
	Gemini3Flash            = "gemini-3-flash"
	Gemini3ProHigh          = "gemini-3-pro-high"
	Gemini3ProLow           = "gemini-3-pro-low"
	Gemini3ProImage         = "gemini-3-pro-image"
)

var allModels = []string{
	ClaudeOpus46Thinking,
	ClaudeOpus45Thinking,
	ClaudeSonnet45,
	ClaudeSonnet45Thinking,
	Gemini25Flash,
	Gemini25FlashLite,
	Gemini25FlashThinking,
	Gemini25Pro,
	Gemini3Flash,
	Gemini3ProHigh,
	Gemini3ProLow,
	Gemini3ProImage,
}

// aliasTable maps short, human-friendly, or client-CLI-specific names to a
// canonical model. Checked only after dated-name-prefix resolution fails.
var aliasTable = map[string]string{
	"opus":             ClaudeOpus46Thinking,
	"opus-4-5":         ClaudeOpus45Thinking,
	"sonnet":           ClaudeSonnet45,
	"sonnet-thinking":  ClaudeSonnet45Thinking,
	"haiku":            Gemini3Flash,
	"claude-haiku":     Gemini3Flash,
	"claude-haiku-4-5": Gemini3Flash,
	"claude-3-5-haiku": Gemini3Flash,

	"flash":          Gemini25Flash,
	"flash-lite":     Gemini25FlashLite,
	"flash-thinking": Gemini25FlashThinking,
	"pro":            Gemini25Pro,

	"3-flash":    Gemini3Flash,
	"3-pro":      Gemini3ProHigh,
	"3-pro-high": Gemini3ProHigh,
	"3-pro-low":  Gemini3ProLow,
	"3-pro-image": Gemini3ProImage,

	// Codex-CLI compatibility aliases: these clients only ever speak a
	// handful of model names, all routed at our strongest thinking model.
	"gpt-5.2-codex": ClaudeOpus46Thinking,
	"gpt-5-codex":   ClaudeOpus46Thinking,
	"o3":            ClaudeOpus46Thinking,
}

// datedPrefixes resolves dated snapshot names (e.g. a client pinned to
// "claude-opus-4-6-20260115") back to the undated canonical model they
// were cut from. Checked after exact match and before aliasTable.
var datedPrefixes = []struct {
	prefix string
	target string
}{
	{"claude-opus-4-6", ClaudeOpus46Thinking},
	{"claude-opus-4-5", ClaudeOpus45Thinking},
	{"claude-sonnet-4-5", ClaudeSonnet45},
}

// fallbackTable names the single next-best model to retry with when a
// model's account pool is exhausted and fallback is enabled.
var fallbackTable = map[string]string{
	Gemini3ProHigh:         ClaudeOpus46Thinking,
	Gemini3ProLow:          ClaudeSonnet45,
	Gemini3Flash:           ClaudeSonnet45Thinking,
	ClaudeOpus46Thinking:   ClaudeOpus45Thinking,
	ClaudeOpus45Thinking:   Gemini3ProHigh,
	ClaudeSonnet45Thinking: Gemini3Flash,
	ClaudeSonnet45:         Gemini3Flash,
}

// Resolve maps a client-supplied model name to a canonical model id. An
// exact canonical match is returned unchanged. Unknown names fall through
// unresolved (ok=false) so the caller can decide whether to error or pass
// the name through verbatim.
func Resolve(name string) (canonical string, ok bool) {
	name = strings.TrimSpace(name)
	for _, m := range allModels {
		if m == name {
			return m, true
		}
	}
	for _, dp := range datedPrefixes {
		if strings.HasPrefix(name, dp.prefix) {
			return dp.target, true
		}
	}
	if target, found := aliasTable[strings.ToLower(name)]; found {
		return target, true
	}
	return "", false
}

// FamilyOf classifies a canonical model name by substring match, per the
// original implementation's model-name convention.
func FamilyOf(canonical string) Family {
	switch {
	case strings.Contains(canonical, "claude"):
		return FamilyClaude
	case strings.Contains(canonical, "gemini"):
		return FamilyGemini
	default:
		return FamilyUnknown
	}
}

// IsThinkingModel reports whether the model emits thinking content blocks:
// any Claude model whose name contains "thinking", or any Gemini model at
// generation 3 or later (Gemini 3 always thinks) or whose name otherwise
// says so explicitly.
func IsThinkingModel(canonical string) bool {
	if strings.Contains(canonical, "thinking") {
		return true
	}
	if FamilyOf(canonical) != FamilyGemini {
		return false
	}
	const marker = "gemini-"
	idx := strings.Index(canonical, marker)
	if idx < 0 {
		return false
	}
	rest := canonical[idx+len(marker):]
	end := 0
	for end < len(rest) && (rest[end] >= '0' && rest[end] <= '9' || rest[end] == '.') {
		end++
	}
	if end == 0 {
		return false
	}
	major := rest[:end]
	if dot := strings.IndexByte(major, '.'); dot >= 0 {
		major = major[:dot]
	}
	version, err := strconv.Atoi(major)
	if err != nil {
		return false
	}
	return version >= 3
}

// Fallback returns the next model to try for canonical when its account
// pool is exhausted, and whether one is defined.
func Fallback(canonical string) (string, bool) {
	next, ok := fallbackTable[canonical]
	return next, ok
}

// All returns every canonical model id this gateway advertises.
func All() []string {
	out := make([]string, len(allModels))
	copy(out, allModels)
	return out
}
