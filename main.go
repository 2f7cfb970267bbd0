// Package main is the entry point for lanchat.
package main

import (
	"fmt"
	"os"

	"github.com/Peap1ant/Chatting-Program-testing/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
