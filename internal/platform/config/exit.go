package config

import (
	"fmt"
	"os"
)

// Exitf reports an unrecoverable startup failure on stderr and
// terminates the process with status 1. Only command mains call it.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
