// Package fingerprint derives deterministic cache keys from the semantic
// inputs of a routing request: prompt, model id, and normalized generation
// parameters. Two requests with the same fingerprint are interchangeable
// for caching purposes.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Params are the generation parameters that affect output and therefore
// participate in the fingerprint. Fields that only affect transport
// (timeouts, retries) are deliberately excluded.
type Params struct {
	System      string
	MaxTokens   int
	Temperature float64
	Stage       string // single, reasoning, generation
}

// Compute returns the hex-encoded fingerprint for a request.
//
// Normalization rules: the temperature is rounded to two decimals so that
// float noise (0.70000001 vs 0.7) does not split cache entries, and field
// values are length-prefixed so "ab"+"c" cannot collide with "a"+"bc".
func Compute(prompt, modelID string, p Params) string {
	h := sha256.New()
	writeField(h, prompt)
	writeField(h, modelID)
	writeField(h, p.System)
	writeField(h, fmt.Sprintf("%d", p.MaxTokens))
	writeField(h, fmt.Sprintf("%.2f", p.Temperature))
	writeField(h, strings.ToLower(p.Stage))
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h interface{ Write([]byte) (int, error) }, s string) {
	fmt.Fprintf(h, "%d:", len(s))
	h.Write([]byte(s))
}
