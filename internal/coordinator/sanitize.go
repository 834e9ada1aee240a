package coordinator

import (
	"regexp"
	"strings"
)

const maxSanitizedMessageLen = 300

var (
	windowsAbsPathPattern = regexp.MustCompile(`(?i)[A-Z]:\\(?:[^\s"'<>|*?]+\\)*[^\s"'<>|*?]*`)
	uncPathPattern        = regexp.MustCompile(`\\\\[^\s"'<>|*?\\]+(?:\\[^\s"'<>|*?]+)*`)
	posixAbsPathPattern   = regexp.MustCompile(`/(?:[^\s"'<>|]+/)*[^\s"'<>|]+`)
	guidPattern           = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	tokenPattern          = regexp.MustCompile(`\b[A-Za-z0-9_\-]{24,}\b`)
	ipv4Pattern           = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	portPattern           = regexp.MustCompile(`(?i)\bport[:\s]+\d{2,5}\b`)
	whitespacePattern     = regexp.MustCompile(`\s+`)

	accessDeniedPattern  = regexp.MustCompile(`(?i)access(?:\s+is)?.?denied|unauthorized|permission denied`)
	cryptographicPattern = regexp.MustCompile(`(?i)cryptograph|cipher|decrypt|encrypt|key material`)
)

// SanitizeMessage implements spec §4.11.2: strip filesystem paths,
// GUIDs, tokens, IPs, and ports out of an error message before it
// reaches the client, and collapse certain error kinds entirely.
func SanitizeMessage(raw string) string {
	if accessDeniedPattern.MatchString(raw) || cryptographicPattern.MatchString(raw) {
		return "Access denied"
	}

	s := raw
	s = windowsAbsPathPattern.ReplaceAllString(s, "[path]")
	s = uncPathPattern.ReplaceAllString(s, "[path]")
	s = posixAbsPathPattern.ReplaceAllString(s, "[path]")
	s = guidPattern.ReplaceAllString(s, "[guid]")
	s = ipv4Pattern.ReplaceAllString(s, "[ip]")
	s = portPattern.ReplaceAllString(s, "port [port]")
	s = tokenPattern.ReplaceAllString(s, "[token]")
	s = whitespacePattern.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	return truncateAtWordBoundary(s, maxSanitizedMessageLen)
}

func truncateAtWordBoundary(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := s[:limit]
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut) + "..."
}
