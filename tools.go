//go:build tools
// +build tools

// Package tools declares tool dependencies for this module.
//
// These imports are not used at runtime. They keep the mockgen version behind
// `go generate` pinned in go.mod / go.sum.
package peer_chat

import (
	_ "go.uber.org/mock/mockgen"
)
