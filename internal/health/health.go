// Package health backs the receiver's GET /health endpoint: a status
// document reporting whether required configuration is present, whether
// Redis is reachable, and whether the HTTP fallback forwarder endpoint is
// reachable (best-effort; never degrades the overall health on its own).
package health

import (
	"context"
	"net/http"
	"time"
)

// Status is one named check's outcome.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusMissing  Status = "missing"
)

// Checks is the set of individual checks composing the health document.
type Checks struct {
	Config      Status `json:"config"`
	Environment Status `json:"environment"`
	Forwarding  Status `json:"forwarding"`
}

// Document is the full response body for GET /health.
type Document struct {
	Status Status `json:"status"`
	Checks Checks `json:"checks"`
}

// RequiredEnv lists the environment variables that must be set for the
// receiver to function.
var RequiredEnv = []string{
	"PARTNER_ID", "PARTNER_KEY", "SHOP_ID", "HOST_API",
	"WEBHOOK_PARTNER_KEY", "REDIS_HOST",
}

// Checker composes the checks into a Document.
type Checker struct {
	getenv      func(string) string
	pingRedis   func(ctx context.Context) error
	fallbackURL string
	http        *http.Client
}

// New builds a Checker. pingRedis is typically (*redis.Client).Ping
// wrapped to discard the result. fallbackURL may be empty, in which case
// forwarding is reported ok (there is nothing to check).
func New(getenv func(string) string, pingRedis func(ctx context.Context) error, fallbackURL string) *Checker {
	return &Checker{getenv: getenv, pingRedis: pingRedis, fallbackURL: fallbackURL, http: &http.Client{Timeout: 3 * time.Second}}
}

// Check runs all checks and composes the overall document. Config and
// environment failures degrade the overall status; forwarding never does.
func (c *Checker) Check(ctx context.Context) Document {
	doc := Document{Checks: Checks{
		Config:      c.checkConfig(),
		Environment: c.checkEnvironment(),
		Forwarding:  c.checkForwarding(ctx),
	}}

	doc.Status = StatusOK
	if doc.Checks.Config != StatusOK || doc.Checks.Environment != StatusOK {
		doc.Status = StatusDegraded
	}
	return doc
}

func (c *Checker) checkConfig() Status {
	if c.pingRedis == nil {
		return StatusMissing
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.pingRedis(ctx); err != nil {
		return StatusDegraded
	}
	return StatusOK
}

func (c *Checker) checkEnvironment() Status {
	for _, key := range RequiredEnv {
		if c.getenv(key) == "" {
			return StatusMissing
		}
	}
	return StatusOK
}

// checkForwarding HEADs the fallback URL, best-effort: any outcome short
// of a successful dial is reported as degraded, never as a hard failure.
func (c *Checker) checkForwarding(ctx context.Context) Status {
	if c.fallbackURL == "" {
		return StatusOK
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.fallbackURL, nil)
	if err != nil {
		return StatusDegraded
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return StatusDegraded
	}
	defer resp.Body.Close()
	return StatusOK
}
