// Command parwave orchestrates parallel task migrations over git worktrees.
package main

import (
	"os"

	"github.com/parwave/parwave/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
