package main

import (
	"fmt"
	"os"

	"conductor/internal/cli"
	"conductor/pkg/logger"
)

func main() {
	defer logger.Close()

	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
