package main

import (
	"os"

	"github.com/fdcrail/railsched/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
