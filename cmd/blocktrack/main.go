// Package main provides the blocktrack binary: ingesting parsed
// release notes, enriching domains against the threat-intel service,
// computing temporal intervals, and serving the status API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
