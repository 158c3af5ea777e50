package main

import (
	"os"

	"github.com/superfly/fly.rs/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	os.Exit(cli.ExitCode(err))
}
