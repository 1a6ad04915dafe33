package cliutil

import (
	"regexp"
	"sort"
	"strings"
)

const redactedPlaceholder = "[redacted]"

var (
	secretKeyPattern  = regexp.MustCompile(`(?i)\b(` + strings.Join(secretKeys(), "|") + `)\b(\s*[:=]\s*)(["']?)([^"'\s]+)(["']?)`)
	secretNameMarkers = []string{"SECRET", "TOKEN", "PASSWORD", "PASSWD", "API_KEY", "APIKEY", "PRIVATE_KEY"}
)

func secretKeys() []string {
	keys := []string{
		"AWS_ACCESS_KEY_ID",
		"AWS_SECRET_ACCESS_KEY",
		"AWS_SESSION_TOKEN",
		"DATABASE_PASSWORD",
		"DB_PASSWORD",
		"API_KEY",
		"ACCESS_TOKEN",
		"REFRESH_TOKEN",
		"CLIENT_SECRET",
		"OPENAI_API_KEY",
		"ANTHROPIC_API_KEY",
	}
	escaped := make([]string, len(keys))
	for i, key := range keys {
		escaped[i] = regexp.QuoteMeta(key)
	}
	return escaped
}

// RedactSecrets masks the values of known secret key assignments in message,
// such as API_KEY=abc, so backend output can be shown without leaking them.
func RedactSecrets(message string) string {
	if message == "" {
		return message
	}
	return secretKeyPattern.ReplaceAllString(message, "$1$2$3"+redactedPlaceholder+"$5")
}

// IsSecretName reports whether an environment variable name looks sensitive.
func IsSecretName(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range secretNameMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// RedactEnv returns KEY=VALUE pairs sorted by key with sensitive values masked.
func RedactEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		value := env[k]
		if IsSecretName(k) {
			value = redactedPlaceholder
		}
		out = append(out, k+"="+value)
	}
	return out
}
