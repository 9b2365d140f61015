package main

import (
	"os"

	"github.com/meshsched/meshsched/cmd/meshctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
