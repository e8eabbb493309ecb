// Command myco serves a handler pipeline and fetches URLs with the pooled
// client.
package main

import (
	"os"
)

func main() {
	if err := newCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
