package util

import (
	"net/url"
	"regexp"
	"strings"
)

const (
	// MaxRedactLength bounds the input scanned by Redact
	MaxRedactLength = 64 * 1024

	redacted = "REDACTED"
)

var secretPatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)(password|passwd|pwd)([\s:=]+)[^\s&]+`), "${1}${2}" + redacted},
	{regexp.MustCompile(`(?i)(token|auth[_-]?key|authorization)([\s:=]+)(?:(?:bearer|basic)\s+)?[^\s&]+`), "${1}${2}" + redacted},
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)([\s:=]+)[^\s&]+`), "${1}${2}" + redacted},
	{regexp.MustCompile(`(?i)(secret|client[_-]?secret)([\s:=]+)[^\s&]+`), "${1}${2}" + redacted},
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`), "bearer " + redacted},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "REDACTED_AWS_KEY"},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_\-]+\.eyJ[a-zA-Z0-9_\-]+\.[a-zA-Z0-9_\-]+`), "REDACTED_JWT"},
	{regexp.MustCompile(`(://[^/\s:@]+:)[^@\s/]+@`), "${1}" + redacted + "@"},
}

// sensitiveParams are query parameter and header names whose values never
// leave the process.
var sensitiveParams = map[string]bool{
	"apikey":        true,
	"api_key":       true,
	"api-key":       true,
	"auth":          true,
	"auth_key":      true,
	"authorization": true,
	"key":           true,
	"password":      true,
	"secret":        true,
	"token":         true,
	"access_token":  true,
	"x-api-key":     true,
	"x-auth-token":  true,
}

// Redact masks credentials in free text such as error messages. Oversized
// input is truncated first.
func Redact(s string) string {
	if s == "" {
		return ""
	}
	if len(s) > MaxRedactLength {
		s = s[:MaxRedactLength] + "... [truncated]"
	}
	for _, p := range secretPatterns {
		s = p.pattern.ReplaceAllString(s, p.replacement)
	}
	return s
}

// RedactError is Redact(err.Error()), or "" for nil.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return Redact(err.Error())
}

// RedactURL masks the password of the userinfo and the values of sensitive
// query parameters. Unparseable input goes through Redact.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return Redact(raw)
	}
	if u.User != nil {
		if _, hasPassword := u.User.Password(); hasPassword {
			u.User = url.UserPassword(u.User.Username(), redacted)
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			if sensitiveParams[strings.ToLower(k)] {
				q.Set(k, redacted)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// RedactHeaders returns a copy of headers with sensitive values masked.
func RedactHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if sensitiveParams[strings.ToLower(k)] {
			out[k] = redacted
		} else {
			out[k] = v
		}
	}
	return out
}
