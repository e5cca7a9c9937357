package residue

import "log/slog"

// PolicyEvaluator implements spec.md §4.8: known/unknown logger rules,
// the blacklist, the internal-logger guard, and token validation.
type PolicyEvaluator struct {
	cfg    *Config
	tokens *TokenStore
	logger *slog.Logger
}

// NewPolicyEvaluator builds a policy evaluator bound to cfg and tokens.
func NewPolicyEvaluator(cfg *Config, tokens *TokenStore, logger *slog.Logger) *PolicyEvaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &PolicyEvaluator{cfg: cfg, tokens: tokens, logger: logger}
}

// IsAllowed returns nil iff all four rules of spec.md §4.8 pass:
//  1. the logger is known, or AllowUnknownLoggers is set;
//  2. the logger is not the server's internal logger;
//  3. the logger is not blacklisted;
//  4. the token is valid, unless the logger does not require one.
//
// A rejection is an *Error carrying the kind a caller needs to branch on
// (spec.md §7); every failure is also logged at WARNING with a specific
// reason, and per-record errors are never surfaced to the client.
func (p *PolicyEvaluator) IsAllowed(req *LogRequest) error {
	loggerID := req.LoggerID

	if !p.cfg.AllowUnknownLoggers && !p.cfg.IsKnownLogger(loggerID) {
		p.logger.Warn("rejecting log request: unknown logger", "logger_id", loggerID, "client_id", req.ClientID)
		return newErr(KindNotAllowed, "unknown logger", nil)
	}

	if loggerID == ResidueLoggerID {
		p.logger.Warn("rejecting log request: internal logger is not writable by clients", "client_id", req.ClientID)
		return newErr(KindInternalLoggerAttempt, "internal logger is not writable by clients", nil)
	}

	if p.cfg.IsBlacklisted(loggerID) {
		p.logger.Warn("rejecting log request: logger is blacklisted", "logger_id", loggerID, "client_id", req.ClientID)
		return newErr(KindNotAllowed, "logger is blacklisted", nil)
	}

	if p.cfg.LoggerRequiresToken(loggerID) {
		if !p.tokens.Validate(req.ClientID, loggerID, req.Token, req.DateReceived) {
			p.logger.Warn("rejecting log request: token expired or invalid", "logger_id", loggerID, "client_id", req.ClientID)
			return newErr(KindNotAllowed, "token expired or invalid", nil)
		}
	}

	return nil
}
