package main

import (
	"github.com/cloudexp/cloudexp/internal/cli"
)

const version = "0.1.0"

func main() {
	cli.Execute(version)
}
