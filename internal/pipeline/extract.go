package pipeline

import (
	"regexp"
	"strings"
)

// Reasoning models wrap their deliberation in a handful of conventions.
// Tag blocks first, then prose headers.
var (
	thinkBlockRe     = regexp.MustCompile(`(?s)<think>(.*?)</think>`)
	reasoningBlockRe = regexp.MustCompile(`(?s)<reasoning>(.*?)</reasoning>`)
	headerRe         = regexp.MustCompile(`(?is)^\s*(?:reasoning|thinking)\s*:\s*(.+)$`)
)

// ExtractReasoning isolates the reasoning content from a raw stage-1
// output. Pure function of the text. When no discernible reasoning section
// exists, the full raw text is returned verbatim with found=false: the
// conservative fallback loses no information in the ambiguous case.
func ExtractReasoning(raw string) (reasoning string, found bool) {
	if m := thinkBlockRe.FindStringSubmatch(raw); m != nil {
		if content := strings.TrimSpace(m[1]); content != "" {
			return content, true
		}
	}
	if m := reasoningBlockRe.FindStringSubmatch(raw); m != nil {
		if content := strings.TrimSpace(m[1]); content != "" {
			return content, true
		}
	}
	if m := headerRe.FindStringSubmatch(raw); m != nil {
		if content := strings.TrimSpace(m[1]); content != "" {
			return content, true
		}
	}
	return raw, false
}
