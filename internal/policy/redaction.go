package policy

import (
	"net/url"
	"regexp"
)

var (
	bearerPattern     = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9\-._~+/]+=*`)
	tokenParamPattern = regexp.MustCompile(`(?i)([?&](?:token|access|refresh)=)[^&\s"']+`)
	jwtPattern        = regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`)
)

// RedactSecrets masks credentials that leak into log lines: bearer
// headers, token query parameters and bare JWTs.
func RedactSecrets(input string) (redacted string, changed bool) {
	out := input

	next := bearerPattern.ReplaceAllString(out, "${1}[REDACTED]")
	changed = changed || next != out
	out = next

	next = tokenParamPattern.ReplaceAllString(out, "${1}[REDACTED]")
	changed = changed || next != out
	out = next

	// Last, so JWTs already masked as parameters are not matched twice.
	next = jwtPattern.ReplaceAllString(out, "[REDACTED_JWT]")
	changed = changed || next != out
	out = next

	return out, changed
}

// RedactURL masks the token query parameter of raw. Unparseable input is
// passed through RedactSecrets instead.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		out, _ := RedactSecrets(raw)
		return out
	}
	q := u.Query()
	if q.Has("token") {
		q.Set("token", "redacted")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// RedactError is RedactSecrets over err's message.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	out, _ := RedactSecrets(err.Error())
	return out
}
