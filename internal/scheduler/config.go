package scheduler

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/loomworks/loom/pkg/models"
)

// Comparison operators accepted by poll conditions.
const (
	OpIn       = "in"
	OpEq       = "eq"
	OpNeq      = "neq"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpContains = "contains"
)

func validOperator(op string) bool {
	switch op {
	case OpIn, OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpContains:
		return true
	}
	return false
}

// PollModuleConfig drives a poll_module job: execute the tool through the
// dispatcher and test the named result field against the wanted value(s).
// ResultSummaryFields projects the {result} placeholder in outcome messages.
type PollModuleConfig struct {
	Tool                string         `json:"tool"`
	Args                map[string]any `json:"args,omitempty"`
	SuccessField        string         `json:"success_field,omitempty"`
	SuccessValue        any            `json:"success_value,omitempty"`
	SuccessValues       []any          `json:"success_values,omitempty"`
	SuccessOperator     string         `json:"success_operator,omitempty"`
	ResultSummaryFields []string       `json:"result_summary_fields,omitempty"`
}

func (c *PollModuleConfig) validate() error {
	if c.Tool == "" {
		return fmt.Errorf("tool is required")
	}
	if c.SuccessOperator != "" && !validOperator(c.SuccessOperator) {
		return fmt.Errorf("unknown success_operator %q", c.SuccessOperator)
	}
	if c.SuccessField == "" && (c.SuccessValue != nil || len(c.SuccessValues) > 0) {
		return fmt.Errorf("success_field is required when a success value is set")
	}
	return nil
}

// operator returns the effective comparison operator: an explicit one wins,
// in applies when success_values is set, eq otherwise.
func (c *PollModuleConfig) operator() string {
	if c.SuccessOperator != "" {
		return c.SuccessOperator
	}
	if len(c.SuccessValues) > 0 {
		return OpIn
	}
	return OpEq
}

// PollURLConfig drives a poll_url job: probe the URL and match the response
// status, and optionally a field of the decoded JSON body.
type PollURLConfig struct {
	URL              string            `json:"url"`
	Method           string            `json:"method,omitempty"`
	Headers          map[string]string `json:"headers,omitempty"`
	Body             string            `json:"body,omitempty"`
	ExpectedStatus   int               `json:"expected_status,omitempty"`
	ResponseField    string            `json:"response_field,omitempty"`
	ResponseValue    any               `json:"response_value,omitempty"`
	ResponseOperator string            `json:"response_operator,omitempty"`
}

func (c *PollURLConfig) validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(c.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url %q is not a valid http(s) URL", c.URL)
	}
	if c.ResponseOperator != "" && !validOperator(c.ResponseOperator) {
		return fmt.Errorf("unknown response_operator %q", c.ResponseOperator)
	}
	return nil
}

func (c *PollURLConfig) operator() string {
	if c.ResponseOperator != "" {
		return c.ResponseOperator
	}
	return OpEq
}

// DelayConfig drives a delay job: the condition holds once delay_seconds
// have elapsed since the job was created.
type DelayConfig struct {
	DelaySeconds int `json:"delay_seconds"`
}

func (c *DelayConfig) validate() error {
	if c.DelaySeconds <= 0 {
		return fmt.Errorf("delay_seconds must be positive")
	}
	return nil
}

// CronConfig drives a cron job: five-field expression evaluated in the
// configured timezone (UTC when empty).
type CronConfig struct {
	Expr     string `json:"cron_expr"`
	Timezone string `json:"timezone,omitempty"`
}

func (c *CronConfig) validate() error {
	if c.Expr == "" {
		return fmt.Errorf("cron_expr is required")
	}
	_, _, err := parseCron(c.Expr, c.Timezone)
	return err
}

// WebhookConfig drives a webhook job. When Secret is set, callbacks must
// carry a matching HMAC signature.
type WebhookConfig struct {
	Secret string `json:"secret,omitempty"`
}

// decodeCheckConfig decodes and validates the raw check config into the
// typed variant for the job type.
func decodeCheckConfig(jobType models.JobType, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch jobType {
	case models.JobPollModule:
		cfg := &PollModuleConfig{}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode poll_module config: %w", err)
		}
		return cfg, cfg.validate()
	case models.JobPollURL:
		cfg := &PollURLConfig{}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode poll_url config: %w", err)
		}
		return cfg, cfg.validate()
	case models.JobDelay:
		cfg := &DelayConfig{}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode delay config: %w", err)
		}
		return cfg, cfg.validate()
	case models.JobCron:
		cfg := &CronConfig{}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode cron config: %w", err)
		}
		return cfg, cfg.validate()
	case models.JobWebhook:
		cfg := &WebhookConfig{}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode webhook config: %w", err)
		}
		return cfg, nil
	}
	return nil, fmt.Errorf("unknown job type %q", jobType)
}
