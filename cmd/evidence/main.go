package main

import (
	"os"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "0.1.0"

func main() {
	if err := NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
