package main

import (
	"fmt"
	"os"

	"github.com/lazypower/wellspring/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "wellspring:", err)
		os.Exit(1)
	}
}
