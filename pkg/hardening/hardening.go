package hardening

import (
	"fmt"
	"strings"
)

// Options collects the deployment settings the startup check inspects. Values
// arrive as raw env strings so callers do not pre-parse booleans.
type Options struct {
	Service            string
	Environment        string
	StrictProdSecurity string

	DatabaseRequireTLS string
	RedisAddr          string
	RedisRequireTLS    string
	RedisTLSInsecure   string

	PlatformBaseURL string
	PlatformToken   string
	LedgerHashSalt  string

	CORSAllowedOrigins string
}

// ValidateProduction refuses to let a production-like deployment start with
// the trust guarantees disabled. Non-production environments skip every
// check, as does an explicit STRICT_PROD_SECURITY=false escape hatch.
func ValidateProduction(o Options) error {
	if !productionLike(o.Environment) {
		return nil
	}
	if !isTrue(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}

	if !isTrue(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: production requires DATABASE_REQUIRE_TLS=true", service)
	}
	if strings.TrimSpace(o.RedisAddr) != "" {
		if !isTrue(o.RedisRequireTLS, false) {
			return fmt.Errorf("%s: production requires REDIS_REQUIRE_TLS=true", service)
		}
		if isTrue(o.RedisTLSInsecure, false) {
			return fmt.Errorf("%s: production forbids REDIS_TLS_INSECURE", service)
		}
	}

	base := strings.TrimSpace(strings.ToLower(o.PlatformBaseURL))
	if base == "" {
		return fmt.Errorf("%s: production requires PLATFORM_BASE_URL", service)
	}
	if !strings.HasPrefix(base, "https://") {
		return fmt.Errorf("%s: production requires an HTTPS platform URL, got %q", service, o.PlatformBaseURL)
	}
	if strings.TrimSpace(o.PlatformToken) == "" {
		return fmt.Errorf("%s: production requires PLATFORM_AUTH_TOKEN", service)
	}
	// An empty salt makes argument digests dictionary-guessable.
	if strings.TrimSpace(o.LedgerHashSalt) == "" {
		return fmt.Errorf("%s: production requires LEDGER_HASH_SALT", service)
	}

	return validateCORSOrigins(o.CORSAllowedOrigins, service)
}

func validateCORSOrigins(raw, service string) error {
	validCount := 0
	for _, origin := range strings.Split(raw, ",") {
		o := strings.TrimSpace(origin)
		if o == "" {
			continue
		}
		validCount++
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("%s: production forbids CORS wildcard origin", service)
		}
		if strings.HasPrefix(lower, "http://localhost") || strings.HasPrefix(lower, "https://localhost") || strings.HasPrefix(lower, "http://127.0.0.1") || strings.HasPrefix(lower, "https://127.0.0.1") {
			return fmt.Errorf("%s: production forbids localhost CORS origin %q", service, o)
		}
		if !strings.HasPrefix(lower, "https://") {
			return fmt.Errorf("%s: production requires HTTPS CORS origin, got %q", service, o)
		}
	}
	if validCount == 0 {
		return fmt.Errorf("%s: production requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func isTrue(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func productionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
