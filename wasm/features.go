package wasm

import (
	"fmt"
	"strings"
)

// Features are the post-20191205 proposals which can be toggled on. Zero means WebAssembly 1.0 (20191205).
type Features uint64

// Features20191205 is what the WebAssembly Core Specification 1.0 (20191205) allows.
const Features20191205 Features = 0

const (
	// FeatureSignExtensionOps enables the i32.extend8_s family.
	//
	// See https://github.com/WebAssembly/spec/blob/main/proposals/sign-extension-ops/Overview.md
	FeatureSignExtensionOps Features = 1 << iota

	// FeatureMultiValue allows more than one result in function and block types, and parameters in block types.
	//
	// See https://github.com/WebAssembly/spec/blob/main/proposals/multi-value/Overview.md
	FeatureMultiValue
)

// Set returns a copy with the feature toggled.
func (f Features) Set(feature Features, val bool) Features {
	if val {
		return f | feature
	}
	return f &^ feature
}

// Get returns true if the feature is enabled.
func (f Features) Get(feature Features) bool {
	return f&feature != 0
}

// Require errs if the feature is not enabled.
func (f Features) Require(feature Features) error {
	if f&feature == 0 {
		return fmt.Errorf("feature %q is disabled", feature)
	}
	return nil
}

// String implements fmt.Stringer by returning each enabled feature.
func (f Features) String() string {
	var builder strings.Builder
	for i := 0; i < 64; i++ {
		target := Features(1 << i)
		if f.Get(target) {
			if name := featureName(target); name != "" {
				if builder.Len() > 0 {
					builder.WriteByte('|')
				}
				builder.WriteString(name)
			}
		}
	}
	return builder.String()
}

func featureName(f Features) string {
	switch f {
	case FeatureSignExtensionOps:
		return "sign-extension-ops"
	case FeatureMultiValue:
		return "multi-value"
	}
	return ""
}
