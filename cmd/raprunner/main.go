package main

import (
	"os"

	"github.com/raplab/raprunner/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
