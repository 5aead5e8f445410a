package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags plus custom rules
// that cannot be expressed in tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	switch cfg.Catalog.Source {
	case "wiki":
		if cfg.Catalog.WikiURL == "" {
			return fmt.Errorf("catalog: wiki_url is required when source is \"wiki\"")
		}
		if cfg.Catalog.WikiSpace == "" || cfg.Catalog.WikiPage == "" {
			return fmt.Errorf("catalog: wiki_space and wiki_page are required when source is \"wiki\"")
		}
	case "file":
		if cfg.Catalog.StaticFile == "" {
			return fmt.Errorf("catalog: static_file is required when source is \"file\"")
		}
	}

	if cfg.Tickets.Enabled {
		if cfg.Tickets.URL == "" {
			return fmt.Errorf("tickets: url is required when enabled")
		}
		if cfg.Tickets.Project == "" {
			return fmt.Errorf("tickets: project is required when enabled")
		}
	}

	if cfg.Proxy.Enabled {
		if cfg.Proxy.S3.Region == "" {
			return fmt.Errorf("proxy: s3.region is required when enabled")
		}
		if len(cfg.Proxy.Shares) == 0 {
			return fmt.Errorf("proxy: at least one share is required when enabled")
		}
	}

	if cfg.Proxy.Enabled && cfg.Proxy.Port == cfg.Server.Port {
		return fmt.Errorf("proxy: port %d collides with the API server port", cfg.Proxy.Port)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Port == cfg.Server.Port {
		return fmt.Errorf("metrics: port %d collides with the API server port", cfg.Metrics.Port)
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
