//go:build linux && amd64

package vm

const nativeJIT = true
