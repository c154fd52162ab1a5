package token

// Mask renders a credential safe for log output: first and last four
// characters with the middle elided. Short values are fully redacted.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 12 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}
