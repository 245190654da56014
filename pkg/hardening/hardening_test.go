package hardening

import "testing"

func TestValidateProduction(t *testing.T) {
	base := Options{
		Service:            "aegisd",
		Environment:        "production",
		StrictProdSecurity: "true",
		DatabaseRequireTLS: "true",
		RedisAddr:          "redis:6379",
		RedisRequireTLS:    "true",
		PlatformBaseURL:    "https://risk.example.com/api/",
		PlatformToken:      "secret",
		LedgerHashSalt:     "salt",
		CORSAllowedOrigins: "https://console.example.com",
	}

	t.Run("pass", func(t *testing.T) {
		if err := ValidateProduction(base); err != nil {
			t.Fatalf("expected pass, got %v", err)
		}
	})

	t.Run("non_prod_skip", func(t *testing.T) {
		o := base
		o.Environment = "development"
		o.PlatformToken = ""
		o.CORSAllowedOrigins = "*"
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected skip in non-production, got %v", err)
		}
	})

	t.Run("db_tls_required", func(t *testing.T) {
		o := base
		o.DatabaseRequireTLS = "false"
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected DATABASE_REQUIRE_TLS enforcement error")
		}
	})

	t.Run("redis_tls_required", func(t *testing.T) {
		o := base
		o.RedisRequireTLS = "false"
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected REDIS_REQUIRE_TLS enforcement error")
		}
	})

	t.Run("platform_https_required", func(t *testing.T) {
		o := base
		o.PlatformBaseURL = "http://risk.example.com/api/"
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected HTTPS platform URL error")
		}
	})

	t.Run("platform_token_required", func(t *testing.T) {
		o := base
		o.PlatformToken = " "
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected PLATFORM_AUTH_TOKEN error")
		}
	})

	t.Run("hash_salt_required", func(t *testing.T) {
		o := base
		o.LedgerHashSalt = ""
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected LEDGER_HASH_SALT error")
		}
	})

	t.Run("cors_wildcard_forbidden", func(t *testing.T) {
		o := base
		o.CORSAllowedOrigins = "*"
		if err := ValidateProduction(o); err == nil {
			t.Fatal("expected wildcard CORS error")
		}
	})

	t.Run("strict_can_be_disabled", func(t *testing.T) {
		o := base
		o.StrictProdSecurity = "false"
		o.PlatformToken = ""
		if err := ValidateProduction(o); err != nil {
			t.Fatalf("expected strict disable skip, got %v", err)
		}
	})
}
