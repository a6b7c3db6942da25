// redact маскирует чувствительные значения перед записью в лог.
package redact

import "strings"

// Email оставляет первые две руны локальной части и домен целиком.
func Email(s string) string {
	parts := strings.Split(s, "@")
	if len(parts) != 2 {
		return "***"
	}

	local, domain := []rune(parts[0]), parts[1]
	if len(local) > 2 {
		return string(local[:2]) + "***@" + domain
	}

	return "***@" + domain
}

// Token показывает только хвост токена: у JWT начало одинаковое ("eyJ..."),
// а последние символы подписи позволяют различать токены в логах.
func Token(tok string) string {
	const tail = 6

	switch {
	case tok == "":
		return ""
	case len(tok) <= 2*tail:
		return "[REDACTED_TOKEN]"
	default:
		return "***" + tok[len(tok)-tail:]
	}
}

func Password() string { return "[REDACTED_PASSWORD]" }
