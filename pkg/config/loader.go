package config

import (
	"fmt"
	"log/slog"
	"os"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// yamlDoc is the on-disk shape of the substrate's config.yaml: every field
// is optional and merged over the built-in defaults.
type yamlDoc struct {
	Catalog *CatalogConfig `yaml:"catalog"`
	Worker  *WorkerConfig  `yaml:"worker"`
	Planner *PlannerConfig `yaml:"planner"`
}

var validate = validator.New()

// Load reads config.yaml from path (if present), merges it over the
// built-in defaults, validates the result, and returns a ready-to-use
// Config. A missing file is not an error — the defaults stand alone. A
// malformed file is fatal, per the registry's load-or-abort convention.
func Load(path string) (*Config, error) {
	log := slog.With("config_path", path)

	cfg := &Config{
		Catalog: DefaultCatalogConfig(),
		Worker:  DefaultWorkerConfig(),
		Planner: DefaultPlannerConfig(),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info("No config file found, using built-in defaults")
			return cfg, validateConfig(cfg)
		}
		return nil, NewLoadError(path, err)
	}

	expanded := ExpandEnv(data)

	var doc yamlDoc
	if err := yaml.Unmarshal(expanded, &doc); err != nil {
		return nil, NewLoadError(path, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	if doc.Catalog != nil {
		if err := mergo.Merge(cfg.Catalog, doc.Catalog, mergo.WithOverride); err != nil {
			return nil, NewLoadError(path, err)
		}
	}
	if doc.Worker != nil {
		if err := mergo.Merge(cfg.Worker, doc.Worker, mergo.WithOverride); err != nil {
			return nil, NewLoadError(path, err)
		}
	}
	if doc.Planner != nil {
		if err := mergo.Merge(cfg.Planner, doc.Planner, mergo.WithOverride); err != nil {
			return nil, NewLoadError(path, err)
		}
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	log.Info("Configuration loaded",
		"worker_count", cfg.Worker.WorkerCount,
		"catalog_path", cfg.Catalog.Path,
		"planner_listen_addr", cfg.Planner.ListenAddr)
	return cfg, nil
}

func validateConfig(cfg *Config) error {
	if err := validate.Struct(cfg.Catalog); err != nil {
		return fmt.Errorf("%w: catalog: %v", ErrValidationFailed, err)
	}
	if err := validate.Struct(cfg.Worker); err != nil {
		return fmt.Errorf("%w: worker: %v", ErrValidationFailed, err)
	}
	if err := validate.Struct(cfg.Planner); err != nil {
		return fmt.Errorf("%w: planner: %v", ErrValidationFailed, err)
	}
	return nil
}
