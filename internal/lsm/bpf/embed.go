// Package bpf embeds the compiled CO-RE objects for the three syscage LSM
// probes. Run `make` in this directory (or `go generate ./internal/lsm/...`
// from the module root) after editing any .bpf.c source — the .o files
// below are build artifacts, not checked-in source, and must exist before
// this package compiles.
package bpf

import _ "embed"

//go:embed syscage_open.bpf.o
var OpenObject []byte

//go:embed syscage_exec.bpf.o
var ExecObject []byte

//go:embed syscage_connect.bpf.o
var ConnectObject []byte
