//go:build !linux

package fuzzexec

import "github.com/orizon-lang/grayfuzz/internal/fuzzlog"

// applyMemLimit is a silent no-op on platforms without prlimit (spec.md
// section 4.2: "silently skip otherwise").
func applyMemLimit(pid int, mb int, log *fuzzlog.OnceLogger) {}
