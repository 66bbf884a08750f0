package main

import (
	"fmt"
	"os"

	"github.com/hyperengineering/bookmarksync/internal/errkind"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(errkind.ExitCode(err))
	}
}
