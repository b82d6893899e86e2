package main

import (
	"os"

	_ "go.uber.org/automaxprocs"

	"github.com/conformium/hydrophone/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
