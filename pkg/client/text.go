package client

import "strings"

// CleanText strips the markdown fences and stray backticks that chat
// models sometimes wrap around short answers
func CleanText(raw string) string {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		} else {
			raw = strings.TrimPrefix(raw, "```")
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")
	return strings.TrimSpace(raw)
}
