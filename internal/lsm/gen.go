package lsm

// The BPF object files embedded by bpf/embed.go are produced by clang from
// the sources in bpf/*.bpf.c. Run `make -C internal/lsm/bpf` (see
// bpf/Makefile) to rebuild them after editing a .bpf.c source; the .o files
// are build output and are not checked in.
//
//go:generate make -C bpf
