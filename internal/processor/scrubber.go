package processor

import "regexp"

var piiPatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`), "[email]"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "[ip]"},
	{regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`), "[card]"},
	{regexp.MustCompile(`(?i)["']?password["']?\s*[:=]\s*["'][^"']*["']`), `"password":"[filtered]"`},
	{regexp.MustCompile(`(?i)["']?(?:token|secret|api_?key|authorization)["']?\s*[:=]\s*["'][^"']*["']`), `"[filtered_key]":"[filtered]"`},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9._~+/=-]+`), "Bearer [filtered]"},
}

// ScrubPII masks emails, IPv4 addresses, card numbers, credential fields and bearer tokens.
func ScrubPII(text string) string {
	for _, p := range piiPatterns {
		text = p.pattern.ReplaceAllLiteralString(text, p.replacement)
	}
	return text
}
