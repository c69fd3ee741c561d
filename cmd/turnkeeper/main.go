package main

import (
	"os"

	"github.com/voundbrand/vc83-com-sub003/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
