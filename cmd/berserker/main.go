package main

import (
	"os"

	"github.com/stackrox/berserker/internal/cli"
)

// Main runs berserker and returns its exit code.
func Main() int {
	return cli.Execute()
}

func main() {
	os.Exit(Main())
}
