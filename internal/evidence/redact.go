package evidence

import "regexp"

// credentialPatterns match secrets that can leak into provider error strings.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{8,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._\-]{8,}`),
	regexp.MustCompile(`xox[abposr]-[A-Za-z0-9\-]{8,}`),
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret)=([^&\s"]+)`),
}

// Redact masks credential-looking substrings before text is persisted.
func Redact(s string) string {
	if s == "" {
		return s
	}
	for _, re := range credentialPatterns {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			if sub := re.FindStringSubmatch(m); len(sub) == 3 {
				return sub[1] + "=[REDACTED]"
			}
			return "[REDACTED]"
		})
	}
	return s
}
