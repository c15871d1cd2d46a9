// Package main is the entry point for the papergw CLI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "papergw: %v\n", err)
		os.Exit(1)
	}
}
