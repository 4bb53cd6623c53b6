package sanitizer

import "regexp"

// credentialPatterns is the minimum set of patterns the sanitizer must
// catch, per the response-sanitizer contract. Every pattern requires a
// word boundary or an anchor so prose mentions ("bearer of bad news")
// never match.
var credentialPatterns = []*regexp.Regexp{
	// Bearer <token>, case-insensitive. The token alternative requires
	// 8+ chars so prose like "bearer of bad news" doesn't match "of".
	regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._\-]{8,}`),

	// Provider API key prefixes.
	regexp.MustCompile(`\bsk-[A-Za-z0-9]{10,}\b`),
	regexp.MustCompile(`\bsk_live_[A-Za-z0-9]{10,}\b`),
	regexp.MustCompile(`\bsk_test_[A-Za-z0-9]{10,}\b`),
	regexp.MustCompile(`\bpk_live_[A-Za-z0-9]{10,}\b`),

	// AWS-style access key IDs.
	regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`),

	// Generic api_key= query parameter.
	regexp.MustCompile(`(?i)\bapi_key=[^&\s]+`),

	// X-API-Key header literal.
	regexp.MustCompile(`(?i)\bX-API-Key:\s*\S+`),

	// GitHub tokens.
	regexp.MustCompile(`\bgh[pos]_[A-Za-z0-9]{10,}\b`),
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{10,}\b`),

	// Google OAuth access tokens.
	regexp.MustCompile(`\bya29\.[A-Za-z0-9_\-]+\b`),

	// Connection URIs with embedded credentials.
	regexp.MustCompile(`\b(?:postgres|mysql|mongodb(?:\+srv)?|redis|amqp)://[^:\s]+:[^@\s]+@\S+`),

	// PEM private-key headers.
	regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH |DSA |)PRIVATE KEY-----`),
}
