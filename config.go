package x64patch

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/xyproto/env/v2"
	"gopkg.in/yaml.v3"
)

// Environment variables which override the configuration file.
const (
	EnvRegionBase = "X64PATCH_REGION_BASE"
	EnvModuleBase = "X64PATCH_MODULE_BASE"
	EnvModuleSize = "X64PATCH_MODULE_SIZE"
	EnvDebug      = "X64PATCH_DEBUG"
)

// Config controls where patches are placed in the target process.
type Config struct {
	// Address range of the target module. References from patch code into the module must be
	// reachable with 32-bit displacements.
	ModuleBase uint64 `yaml:"module_base"`
	ModuleSize uint64 `yaml:"module_size"`

	// Fixed base of the patch region. Zero searches the target's mappings for a gap.
	RegionBase uint64 `yaml:"region_base"`

	// Maximum distance between any byte of the patch region and any byte of the module.
	Window uint64 `yaml:"window"`
	// Alignment of each data blob.
	DataAlign uint64 `yaml:"data_align"`
	// Alignment of each patch body.
	TextAlign uint64 `yaml:"text_align"`
	PageSize  uint64 `yaml:"page_size"`
	// Alignment of candidate region bases tried by the gap search.
	SearchStep uint64 `yaml:"search_step"`

	// Log every pipeline step.
	Debug bool `yaml:"debug"`
}

const (
	DefaultWindow     = 0x7fffffff
	DefaultDataAlign  = 16
	DefaultTextAlign  = 16
	DefaultPageSize   = 0x1000
	DefaultSearchStep = 0x10000
)

// Get the default configuration.
func DefaultConfig() Config {
	return Config{
		Window:     DefaultWindow,
		DataAlign:  DefaultDataAlign,
		TextAlign:  DefaultTextAlign,
		PageSize:   DefaultPageSize,
		SearchStep: DefaultSearchStep,
	}
}

// Fill in zero fields with their defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window == 0 {
		c.Window = d.Window
	}
	if c.DataAlign == 0 {
		c.DataAlign = d.DataAlign
	}
	if c.TextAlign == 0 {
		c.TextAlign = d.TextAlign
	}
	if c.PageSize == 0 {
		c.PageSize = d.PageSize
	}
	if c.SearchStep == 0 {
		c.SearchStep = d.SearchStep
	}
	return c
}

func (c Config) validate() error {
	for _, a := range []struct {
		name string
		v    uint64
	}{{"data_align", c.DataAlign}, {"text_align", c.TextAlign}, {"page_size", c.PageSize}, {"search_step", c.SearchStep}} {
		if a.v&(a.v-1) != 0 {
			return fmt.Errorf("Config %s must be a power of two, not %#x", a.name, a.v)
		}
	}
	if c.RegionBase%c.PageSize != 0 {
		return fmt.Errorf("Config region_base %#x is not page aligned", c.RegionBase)
	}
	return nil
}

// Decode a YAML configuration and apply environment overrides. Missing fields take their
// defaults.
func ParseConfig(data []byte) (Config, error) {
	c := DefaultConfig()
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.applyEnv(); err != nil {
		return Config{}, err
	}
	c = c.withDefaults()
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load a YAML configuration file and apply environment overrides. An empty path loads the
// defaults.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return ParseConfig(nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	c, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

func (c *Config) applyEnv() error {
	env.Load() // the environment may have changed since the last lookup
	for _, o := range []struct {
		name string
		dst  *uint64
	}{{EnvRegionBase, &c.RegionBase}, {EnvModuleBase, &c.ModuleBase}, {EnvModuleSize, &c.ModuleSize}} {
		if !env.Has(o.name) {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(env.Str(o.name)), 0, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", o.name, err)
		}
		*o.dst = v
	}
	if env.Has(EnvDebug) {
		c.Debug = env.Bool(EnvDebug)
	}
	return nil
}
