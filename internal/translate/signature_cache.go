package translate

import (
	"sync"
	"time"

	"gateway/internal/registry"
)

// MinSignatureLength is the shortest thoughtSignature the upstream ever
// issues for real; anything shorter is treated as absent.
const MinSignatureLength = 50

// GeminiSkipSignature is the sentinel Gemini accepts in place of a real
// thoughtSignature on a replayed tool_use whose original signature was
// never cached (e.g. it came from a different process).
const GeminiSkipSignature = "skip_thought_signature_validator"

const signatureCacheTTL = 2 * time.Hour

type cacheEntry struct {
	family    registry.Family
	signature string
	at        time.Time
}

// SignatureCache remembers, per tool_use id, the thoughtSignature Gemini
// attached to the functionCall that produced it, and, per thinking
// signature, which model family generated it. This lets a later request
// that replays history restore a signature the client may have stripped,
// and lets us refuse to forward a Claude-origin signature to Gemini.
type SignatureCache struct {
	mu        sync.Mutex
	byToolID  map[string]cacheEntry
	byContent map[string]cacheEntry
}

func NewSignatureCache() *SignatureCache {
	return &SignatureCache{
		byToolID:  make(map[string]cacheEntry),
		byContent: make(map[string]cacheEntry),
	}
}

func (c *SignatureCache) CacheToolSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" || len(signature) < MinSignatureLength {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byToolID[toolUseID] = cacheEntry{signature: signature, at: time.Now()}
}

func (c *SignatureCache) ToolSignature(toolUseID string) (string, bool) {
	if toolUseID == "" {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byToolID[toolUseID]
	if !ok {
		return "", false
	}
	if time.Since(e.at) > signatureCacheTTL {
		delete(c.byToolID, toolUseID)
		return "", false
	}
	return e.signature, true
}

func (c *SignatureCache) CacheThinkingSignature(signature string, family registry.Family) {
	if signature == "" || len(signature) < MinSignatureLength {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byContent[signature] = cacheEntry{family: family, at: time.Now()}
}

func (c *SignatureCache) signatureFamily(signature string) (registry.Family, bool) {
	if signature == "" {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byContent[signature]
	if !ok {
		return "", false
	}
	if time.Since(e.at) > signatureCacheTTL {
		delete(c.byContent, signature)
		return "", false
	}
	return e.family, true
}

// IsSignatureCompatible reports whether signature may be forwarded to a
// request targeting targetFamily. Claude targets are lenient (Claude
// validates its own signatures); Gemini targets require a known Gemini
// origin, rejecting unknown-origin signatures by default.
func (c *SignatureCache) IsSignatureCompatible(signature string, targetFamily registry.Family) bool {
	if targetFamily == registry.FamilyClaude {
		return true
	}
	source, ok := c.signatureFamily(signature)
	if !ok {
		return false
	}
	return source == targetFamily
}
