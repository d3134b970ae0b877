package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BaSui01/agentbus/bus"
	"github.com/BaSui01/agentbus/types"
)

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	switch c.Bus.Driver {
	case bus.DriverMemory, bus.DriverRedis, bus.DriverNATS:
	default:
		errs = append(errs, fmt.Sprintf("unknown bus driver %q", c.Bus.Driver))
	}

	if err := validateTopics(c.Topics); err != nil {
		errs = append(errs, err.Error())
	}

	if err := c.Engine.Validate(); err != nil {
		errs = append(errs, "engine: "+err.Error())
	}

	switch c.Registry.Selector {
	case SelectorStatic, SelectorSearch, SelectorFallback:
	default:
		errs = append(errs, fmt.Sprintf("unknown registry selector %q", c.Registry.Selector))
	}
	for code := range c.Registry.Routes {
		if types.ParseOpCode(code) == types.OpUnknown && !strings.EqualFold(code, string(types.OpUnknown)) {
			errs = append(errs, fmt.Sprintf("route for unknown classification code %q", code))
		}
	}
	for _, w := range c.Registry.Workers {
		if w.ID == "" {
			errs = append(errs, "registry worker without id")
		}
	}

	if c.Classifier.Stage.RateLimit < 0 {
		errs = append(errs, "classifier rate_limit must not be negative")
	}

	if c.Client.Timeout <= 0 {
		errs = append(errs, "client timeout must be positive")
	}

	if c.Archive.Enabled {
		if err := c.Archive.Database.Validate(); err != nil {
			errs = append(errs, "archive: "+err.Error())
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("invalid log format %q", c.Log.Format))
	}

	if err := c.Telemetry.Validate(); err != nil {
		errs = append(errs, "telemetry "+err.Error())
	}

	if c.Ops.Enabled {
		if err := c.Ops.Server.Validate(); err != nil {
			errs = append(errs, "ops server "+err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateTopics(t bus.Topics) error {
	if t.Intake == "" || t.Classified == "" || t.DispatchPrefix == "" || t.Replies == "" || t.Final == "" {
		return errors.New("all topics must be set")
	}
	seen := map[string]string{}
	for role, topic := range map[string]string{
		"intake":     t.Intake,
		"classified": t.Classified,
		"replies":    t.Replies,
		"final":      t.Final,
	} {
		if other, ok := seen[topic]; ok {
			return fmt.Errorf("topics %s and %s share %q", role, other, topic)
		}
		seen[topic] = role
	}
	return nil
}
