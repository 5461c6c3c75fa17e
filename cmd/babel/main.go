// Babel CLI - streams chat completions into the terminal.
package main

import (
	"os"

	"github.com/OmChillure/babel/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
