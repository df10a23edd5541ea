package cloud

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultHTTPPort is used when config.yaml and the command line leave it unset
const DefaultHTTPPort = 8080

// LoadConfig loads the unified configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.HTTP.Port == 0 {
		config.HTTP.Port = DefaultHTTPPort
	}
	return &config, nil
}

// Validate checks the fields every mode needs: a buildable pipeline and
// well-formed sensor entries.
func (c *Config) Validate() error {
	if len(c.Pipeline.Stages) == 0 {
		return fmt.Errorf("pipeline.stages must define at least one stage")
	}
	if c.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline.workers must not be negative")
	}
	if _, err := PipelineFromConfig(c.Pipeline); err != nil {
		return err
	}

	seen := make(map[string]bool)
	for i, sc := range c.Sensors {
		if sc.ID == "" {
			return fmt.Errorf("sensors[%d].id is required", i)
		}
		if seen[sc.ID] {
			return fmt.Errorf("sensors[%d].id %q is duplicated", i, sc.ID)
		}
		seen[sc.ID] = true
	}
	return nil
}

// ValidateService checks the extra fields the MQTT service needs
func (c *Config) ValidateService() error {
	if c.MQTT.Broker == "" && os.Getenv("MQTT_BROKER") == "" {
		return fmt.Errorf("mqtt.broker is required")
	}
	if len(c.Sensors) == 0 {
		return fmt.Errorf("at least one sensor must be defined")
	}
	for i, sc := range c.Sensors {
		if sc.Topic == "" {
			return fmt.Errorf("sensors[%d].topic is required for %s", i, sc.ID)
		}
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}
