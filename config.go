package wasmachine

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/wasmachine/wasmachine/wasm"
	"github.com/wasmachine/wasmachine/wasm/interpreter"
)

// RuntimeConfig controls runtime behavior, with the default implementation as NewRuntimeConfig
//
// Ex. To limit memories to 1 MiB and enable multi-value:
//
//	config := wasmachine.NewRuntimeConfig().WithMemoryMaxPages(16).WithFeatureMultiValue(true)
//
// Note: RuntimeConfig is immutable. Each WithXXX function returns a new instance including the corresponding change.
type RuntimeConfig struct {
	enabledFeatures    wasm.Features
	memoryMaxPages     uint32
	callStackCeiling   int
	stepBudget         uint64
	closeOnContextDone bool
	logger             *zap.Logger
}

// engineLessConfig helps avoid copy/pasting the wrong defaults.
var engineLessConfig = &RuntimeConfig{
	enabledFeatures: wasm.Features20191205,
	memoryMaxPages:  wasm.MemoryMaxPages,
}

// NewRuntimeConfig returns a RuntimeConfig for WebAssembly 1.0 (20191205) with no step budget.
func NewRuntimeConfig() *RuntimeConfig {
	return engineLessConfig.clone()
}

// clone ensures all fields are copied even if nil.
func (c *RuntimeConfig) clone() *RuntimeConfig {
	return &RuntimeConfig{
		enabledFeatures:    c.enabledFeatures,
		memoryMaxPages:     c.memoryMaxPages,
		callStackCeiling:   c.callStackCeiling,
		stepBudget:         c.stepBudget,
		closeOnContextDone: c.closeOnContextDone,
		logger:             c.logger,
	}
}

// WithMemoryMaxPages reduces the maximum number of pages a module can define from 65536 pages (4GiB) to a lower value.
//
// Notes:
//   - memory.grow fails past this amount, even if the module defines no max or a larger one.
//   - If a module defines a memory min larger than this amount, it fails to instantiate.
//   - This value is ignored when larger than 65536 pages.
func (c *RuntimeConfig) WithMemoryMaxPages(memoryMaxPages uint32) *RuntimeConfig {
	ret := c.clone()
	if memoryMaxPages > wasm.MemoryMaxPages {
		memoryMaxPages = wasm.MemoryMaxPages
	}
	ret.memoryMaxPages = memoryMaxPages
	return ret
}

// WithFeatureMultiValue enables multiple values ("multi-value"). This defaults to false as the feature was not
// finished in WebAssembly 1.0 (20191205).
//
// Here are the notable effects:
//   - Function (`func`) types allow more than one result
//   - Block types (`block`, `loop` and `if`) can be arbitrary function types
//
// See https://github.com/WebAssembly/spec/blob/main/proposals/multi-value/Overview.md
func (c *RuntimeConfig) WithFeatureMultiValue(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.enabledFeatures = ret.enabledFeatures.Set(wasm.FeatureMultiValue, enabled)
	return ret
}

// WithFeatureSignExtensionOps enables sign-extend operations. This defaults to false as the feature was not finished in
// WebAssembly 1.0 (20191205).
//
// See https://github.com/WebAssembly/spec/blob/main/proposals/sign-extension-ops/Overview.md
func (c *RuntimeConfig) WithFeatureSignExtensionOps(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.enabledFeatures = ret.enabledFeatures.Set(wasm.FeatureSignExtensionOps, enabled)
	return ret
}

// WithCallStackCeiling sets the maximum nesting of function calls before an invocation traps. Zero uses the default.
func (c *RuntimeConfig) WithCallStackCeiling(ceiling int) *RuntimeConfig {
	ret := c.clone()
	ret.callStackCeiling = ceiling
	return ret
}

// WithStepBudget bounds the count of instructions a single invocation may execute. Zero means unlimited.
//
// Use this to ensure termination of untrusted code which may loop forever.
func (c *RuntimeConfig) WithStepBudget(steps uint64) *RuntimeConfig {
	ret := c.clone()
	ret.stepBudget = steps
	return ret
}

// WithCloseOnContextDone makes invocations trap when the context passed to Invoke is done. This checks the context
// on each call and loop iteration, so it has a cost.
func (c *RuntimeConfig) WithCloseOnContextDone(enabled bool) *RuntimeConfig {
	ret := c.clone()
	ret.closeOnContextDone = enabled
	return ret
}

// WithLogger sets the logger for validation, instantiation and trap events. Defaults to a no-op logger.
func (c *RuntimeConfig) WithLogger(logger *zap.Logger) *RuntimeConfig {
	ret := c.clone()
	ret.logger = logger
	return ret
}

func (c *RuntimeConfig) engineConfig() interpreter.EngineConfig {
	return interpreter.EngineConfig{
		CallStackCeiling:   c.callStackCeiling,
		StepBudget:         c.stepBudget,
		CloseOnContextDone: c.closeOnContextDone,
		Logger:             c.logger,
	}
}

// fileConfig is the TOML form of RuntimeConfig.
type fileConfig struct {
	MemoryMaxPages     *uint32      `toml:"memory-max-pages"`
	CallStackCeiling   int          `toml:"call-stack-ceiling"`
	StepBudget         uint64       `toml:"step-budget"`
	CloseOnContextDone bool         `toml:"close-on-context-done"`
	LogLevel           string       `toml:"log-level"`
	Features           fileFeatures `toml:"features"`
}

type fileFeatures struct {
	MultiValue       bool `toml:"multi-value"`
	SignExtensionOps bool `toml:"sign-extension-ops"`
}

// ParseRuntimeConfig decodes a TOML document into a RuntimeConfig. Absent keys keep the defaults of NewRuntimeConfig.
//
// Ex.
//
//	memory-max-pages = 16
//	step-budget = 1000000
//	log-level = "debug"
//
//	[features]
//	multi-value = true
func ParseRuntimeConfig(data []byte) (*RuntimeConfig, error) {
	var fc fileConfig
	md, err := toml.Decode(string(data), &fc)
	if err != nil {
		return nil, fmt.Errorf("invalid runtime config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("invalid runtime config: unknown key %q", undecoded[0].String())
	}
	if fc.CallStackCeiling < 0 {
		return nil, fmt.Errorf("invalid runtime config: call-stack-ceiling %d < 0", fc.CallStackCeiling)
	}

	ret := NewRuntimeConfig().
		WithFeatureMultiValue(fc.Features.MultiValue).
		WithFeatureSignExtensionOps(fc.Features.SignExtensionOps).
		WithCallStackCeiling(fc.CallStackCeiling).
		WithStepBudget(fc.StepBudget).
		WithCloseOnContextDone(fc.CloseOnContextDone)
	if fc.MemoryMaxPages != nil {
		ret = ret.WithMemoryMaxPages(*fc.MemoryMaxPages)
	}
	if fc.LogLevel != "" {
		logger, err := newLogger(fc.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid runtime config: %w", err)
		}
		ret = ret.WithLogger(logger)
	}
	return ret, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
