// Package security holds the inbound defenses: sender and verdict checks,
// per-sender rate limiting, attachment type policy, filename and object-key
// sanitization, and PII redaction for logs and dead-letter payloads.
package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mailflow/internal/config"
	"mailflow/internal/types"
)

const rateLimitWindow = time.Hour

// Validator applies the inbound security policy. Every failure it returns is
// a non-retriable AppError whose message is safe to log.
type Validator struct {
	cfg            config.SecurityConfig
	allowedDomains map[string]struct{}
	limiter        RateLimiter
	logger         types.Logger
}

// NewValidator creates a Validator. limiter may be nil to disable rate
// limiting.
func NewValidator(cfg config.SecurityConfig, limiter RateLimiter, logger types.Logger) *Validator {
	if logger == nil {
		logger = types.NopLogger{}
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedSenderDomains))
	for _, d := range cfg.AllowedSenderDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			allowed[d] = struct{}{}
		}
	}
	return &Validator{cfg: cfg, allowedDomains: allowed, limiter: limiter, logger: logger}
}

// ValidateSenderDomain checks the sender's domain against the allowlist.
// Matching is exact and case-insensitive; an empty allowlist admits everyone.
func (v *Validator) ValidateSenderDomain(address string) error {
	if len(v.allowedDomains) == 0 {
		return nil
	}

	domain := types.DomainOf(address)
	if domain == "" {
		return types.NewAppError(types.ErrCodeValidationInvalidEmail,
			fmt.Sprintf("invalid sender address %s", RedactEmail(address)), nil)
	}

	if _, ok := v.allowedDomains[domain]; ok {
		return nil
	}

	v.logger.Warn("Sender domain not in allowlist", "domain", domain, "sender", RedactEmail(address))
	return types.NewAppErrorWithDetails(types.ErrCodeValidationSenderDomain,
		fmt.Sprintf("sender domain %s is not in the allowlist (%s)", domain, RedactEmail(address)),
		nil, map[string]any{"domain": domain})
}

// ValidateVerdicts enforces SPF, DKIM and DMARC where required. An absent
// verdict fails a required check.
func (v *Validator) ValidateVerdicts(spf, dkim, dmarc types.SESVerdict) error {
	checks := []struct {
		name     string
		required bool
		verdict  types.SESVerdict
	}{
		{"SPF", v.cfg.RequireSPF, spf},
		{"DKIM", v.cfg.RequireDKIM, dkim},
		{"DMARC", v.cfg.RequireDMARC, dmarc},
	}

	for _, c := range checks {
		if !c.required || c.verdict.Passed() {
			continue
		}
		status := c.verdict.Status
		if status == "" {
			status = "MISSING"
		}
		return types.NewAppErrorWithDetails(types.ErrCodeValidationVerdict,
			fmt.Sprintf("email failed %s verification (%s)", c.name, status), nil,
			map[string]any{"check": c.name, "status": status})
	}
	return nil
}

// ValidateVirusVerdict rejects FAIL when RequireVirusPass is set. GRAY and
// PROCESSING_FAILED are logged and let through.
func (v *Validator) ValidateVirusVerdict(verdict types.SESVerdict) error {
	switch strings.ToUpper(verdict.Status) {
	case types.VerdictPass, "":
		return nil
	case types.VerdictFail:
		if v.cfg.RequireVirusPass {
			return types.NewAppError(types.ErrCodeValidationVirus, "email failed virus scan", nil)
		}
	}
	v.logger.Warn("Virus verdict not PASS", "status", verdict.Status)
	return nil
}

// IsSpam reports whether the gateway flagged the email as spam. Spam is never
// rejected here; the flag travels in the published metadata.
func (v *Validator) IsSpam(verdict types.SESVerdict) bool {
	return strings.EqualFold(verdict.Status, types.VerdictFail)
}

// ValidateEmailSize enforces MaxEmailSize.
func (v *Validator) ValidateEmailSize(size int64) error {
	if size > v.cfg.MaxEmailSize {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationSizeLimit,
			fmt.Sprintf("email size %d exceeds maximum %d", size, v.cfg.MaxEmailSize), nil,
			map[string]any{"size": size, "limit": v.cfg.MaxEmailSize})
	}
	return nil
}

// CheckRateLimit counts one email for sender against the hourly allowance.
// A limiter backend failure is logged and the email is let through.
func (v *Validator) CheckRateLimit(ctx context.Context, sender string) error {
	if v.limiter == nil || sender == "" {
		return nil
	}

	limit := v.cfg.MaxEmailsPerSenderPerHour
	allowed, count, err := v.limiter.Allow(ctx, sender, limit, rateLimitWindow)
	if err != nil {
		v.logger.Warn("Rate limiter unavailable, allowing email", "sender", RedactEmail(sender), "error", err)
		return nil
	}
	if allowed {
		return nil
	}

	return types.NewAppErrorWithDetails(types.ErrCodeRateLimit,
		fmt.Sprintf("sender %s exceeded %d emails per hour", RedactEmail(sender), limit), nil,
		map[string]any{"count": count, "limit": limit})
}
