// Package policy sanitizes session memory before it leaves the relay path.
// Trace events and logs carry memory snapshots; account details collected
// mid-conversation must not end up in the archive verbatim.
package policy

import "regexp"

var (
	emailPattern    = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern    = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern     = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	accountPattern  = regexp.MustCompile(`\b\d{8}\b`)
	sortCodePattern = regexp.MustCompile(`\b\d{2}-\d{2}-\d{2}\b`)
)

// RedactPII masks common high-risk patterns in free text.
func RedactPII(input string) (redacted string, changed bool) {
	out := input

	next := emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	// Run card redaction before the narrower numeric patterns so a card
	// number is not split into account/phone fragments.
	next = cardPattern.ReplaceAllString(out, "[REDACTED_CARD]")
	changed = changed || next != out
	out = next

	next = sortCodePattern.ReplaceAllString(out, "[REDACTED_SORT_CODE]")
	changed = changed || next != out
	out = next

	next = accountPattern.ReplaceAllString(out, "[REDACTED_ACCOUNT]")
	changed = changed || next != out
	out = next

	next = phonePattern.ReplaceAllString(out, "[REDACTED_PHONE]")
	changed = changed || next != out
	out = next

	return out, changed
}

// Keys whose values are replaced wholesale regardless of content.
var sensitiveKeys = map[string]bool{
	"accountNumber": true,
	"sortCode":      true,
	"cardNumber":    true,
}

// RedactMemory returns a copy of the snapshot safe for logs and the trace
// archive. String values are pattern-redacted; known sensitive keys are
// masked outright. Nested maps are walked, everything else passes through.
func RedactMemory(memory map[string]any) map[string]any {
	if memory == nil {
		return nil
	}
	out := make(map[string]any, len(memory))
	for key, value := range memory {
		if sensitiveKeys[key] {
			out[key] = "[REDACTED]"
			continue
		}
		switch v := value.(type) {
		case string:
			redacted, _ := RedactPII(v)
			out[key] = redacted
		case map[string]any:
			out[key] = RedactMemory(v)
		default:
			out[key] = value
		}
	}
	return out
}
