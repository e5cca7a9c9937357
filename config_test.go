package residue

import "testing"

func TestConfigKnownLoggerRules(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KnownLoggers["app"] = LoggerPolicy{RequiresToken: true, TokenLifeSeconds: 120}
	cfg.Blacklist["banned"] = struct{}{}

	if !cfg.IsKnownLogger("app") {
		t.Error("expected 'app' to be known")
	}
	if cfg.IsKnownLogger("ghost") {
		t.Error("expected 'ghost' to be unknown")
	}
	if !cfg.IsBlacklisted("banned") {
		t.Error("expected 'banned' to be blacklisted")
	}
	if cfg.IsBlacklisted("app") {
		t.Error("expected 'app' not to be blacklisted")
	}
}

func TestConfigLoggerRequiresToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KnownLoggers["open"] = LoggerPolicy{RequiresToken: false}

	if cfg.LoggerRequiresToken("open") {
		t.Error("expected known logger with RequiresToken=false to not require a token")
	}
	if !cfg.LoggerRequiresToken("unknown-logger") {
		t.Error("expected unknown logger to require a token by default")
	}
}

func TestConfigTokenLifeFor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTokenLifeSeconds = 300
	cfg.KnownLoggers["app"] = LoggerPolicy{TokenLifeSeconds: 60}
	cfg.KnownLoggers["default-life"] = LoggerPolicy{}

	if got := cfg.TokenLifeFor("app"); got != 60 {
		t.Errorf("expected 60, got %d", got)
	}
	if got := cfg.TokenLifeFor("default-life"); got != 300 {
		t.Errorf("expected default 300, got %d", got)
	}
	if got := cfg.TokenLifeFor("unknown"); got != 300 {
		t.Errorf("expected default 300 for unknown logger, got %d", got)
	}
}

func TestConfigUpdateUnknownLoggerUser(t *testing.T) {
	cfg := DefaultConfig()

	cfg.UpdateUnknownLoggerUser("ghost", "alice")
	policy, ok := cfg.KnownLoggers["ghost"]
	if !ok {
		t.Fatal("expected 'ghost' to become known after attributing a user")
	}
	if policy.User != "alice" {
		t.Errorf("expected user 'alice', got %q", policy.User)
	}

	cfg.UpdateUnknownLoggerUser("ghost", "bob")
	if cfg.KnownLoggers["ghost"].User != "alice" {
		t.Error("expected already-known logger to keep its original user")
	}
}
