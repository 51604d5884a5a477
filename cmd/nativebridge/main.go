package main

import (
	"fmt"
	"os"

	"github.com/HsiangNianian/nativebridge/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "nativebridge:", err)
		os.Exit(1)
	}
}
