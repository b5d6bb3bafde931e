package bedrock

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	maxToolNameLen  = 64
	toolNameHashLen = 8
)

// SanitizeToolName maps a tool name (for example "lat_tool_run_code" or
// "agents/research.md") to a Bedrock-compatible name.
//
// The mapping is deterministic. Dots and any rune outside [a-zA-Z0-9_-] become
// '_'. Names longer than 64 bytes are truncated and suffixed with a stable hash
// of the input so distinct long names stay distinct.
func SanitizeToolName(in string) string {
	if in == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		if isToolNameRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	sanitized := b.String()
	if len(sanitized) <= maxToolNameLen {
		return sanitized
	}
	sum := sha256.Sum256([]byte(in))
	suffix := hex.EncodeToString(sum[:])[:toolNameHashLen]
	return sanitized[:maxToolNameLen-1-toolNameHashLen] + "_" + suffix
}

func isToolNameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	}
	return false
}

// normalizeToolName strips the "$FUNCTIONS." prefix some models echo back.
func normalizeToolName(name string) string {
	return strings.TrimPrefix(name, "$FUNCTIONS.")
}
