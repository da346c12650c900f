package config

import (
	"errors"
	"fmt"

	"github.com/wrale/authflow/internal/validation"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid flow configuration")

// ValidationError reports the first offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvalidConfig, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks the configuration for the selected flow. Zero-valued
// optional fields are accepted; callers normally apply WithDefaults first.
func (c FlowConfig) Validate() error {
	if c.ClientID == "" {
		return invalid("client_id", "must not be empty")
	}

	switch c.ClientAuth {
	case "", ClientAuthParams, ClientAuthHeader:
	default:
		return invalid("client_auth", "unsupported style %q", c.ClientAuth)
	}

	if err := c.validateEndpoint("token_url", c.TokenURL); err != nil {
		return err
	}

	if c.PKCEMethod != "" && !c.PKCEMethod.Supported() {
		return invalid("pkce_method", "unsupported method %q", c.PKCEMethod)
	}

	switch c.Flow {
	case "", FlowDevice:
		if err := c.validateEndpoint("device_authorization_url", c.DeviceAuthorizationURL); err != nil {
			return err
		}
		if err := c.validatePolling(); err != nil {
			return err
		}
	case FlowAuthorizationCode:
		if err := c.validateEndpoint("authorization_url", c.AuthorizationURL); err != nil {
			return err
		}
		if err := c.validateEndpoint("redirect_url", c.RedirectURL); err != nil {
			return err
		}
	case FlowTokenExchange:
		if c.SubjectToken == "" {
			return invalid("subject_token", "must not be empty for token exchange")
		}
	default:
		return invalid("flow", "unsupported flow %q", c.Flow)
	}

	for i, key := range c.IDTokenKeys {
		if key == nil {
			return invalid("id_token_keys", "key %d is nil", i)
		}
	}
	return nil
}

func (c FlowConfig) validateEndpoint(field, raw string) error {
	if err := validation.ValidateEndpoint(field, raw); err != nil {
		var ve *validation.ValidationError
		if errors.As(err, &ve) {
			return invalid(field, "%s", ve.Message)
		}
		return invalid(field, "%v", err)
	}
	return nil
}

func (c FlowConfig) validatePolling() error {
	if c.PollFloor < 0 {
		return invalid("poll_floor", "must not be negative")
	}
	if c.SlowDownIncrement < 0 {
		return invalid("slow_down_increment", "must not be negative")
	}
	if c.MaxPollInterval < 0 {
		return invalid("max_poll_interval", "must not be negative")
	}
	if c.MaxPollInterval != 0 && c.MaxPollInterval < c.PollFloor {
		return invalid("max_poll_interval", "%s is below poll_floor %s", c.MaxPollInterval, c.PollFloor)
	}
	return nil
}
