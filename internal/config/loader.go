package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/cernvm/cernvm-webapi/internal/brand"
)

// LoadFile loads a config file (HCL or JSON). A missing file yields the
// default configuration.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := DefaultConfig()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		return LoadJSON(data)
	default:
		cfg, hclErr := LoadHCL(data, path)
		if hclErr == nil {
			return cfg, nil
		}
		if cfg, jsonErr := LoadJSON(data); jsonErr == nil {
			return cfg, nil
		}
		return nil, hclErr
	}
}

// LoadHCL loads config from HCL bytes.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse config: %s", diags.Error())
	}

	var cfg Config
	diags = gohcl.DecodeBody(file.Body, evalContext(), &cfg)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode config: %s", diags.Error())
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadJSON loads config from JSON bytes.
func LoadJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config as JSON: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// evalContext exposes a few host variables to HCL expressions, so paths
// can be written as "${state_dir}/keystore.yaml".
func evalContext() *hcl.EvalContext {
	hostname, _ := os.Hostname()

	env := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = cty.StringVal(kv[i+1:])
		}
	}
	envVal := cty.MapValEmpty(cty.String)
	if len(env) > 0 {
		envVal = cty.MapVal(env)
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"hostname":  cty.StringVal(hostname),
			"state_dir": cty.StringVal(brand.GetStateDir()),
			"env":       envVal,
		},
	}
}
