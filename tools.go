//go:build tools
// +build tools

// Package tools tracks tool dependencies run through go generate, such as
// mockgen, so they stay pinned in go.mod.
package tools

import (
	_ "go.uber.org/mock/mockgen"
)
