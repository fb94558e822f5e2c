package main

import (
	"os"

	"github.com/sorenmh/infrastructure-shared/appd/internal/appctl/cmd"
	"github.com/sorenmh/infrastructure-shared/appd/internal/appctl/output"
)

func main() {
	if err := cmd.Execute(); err != nil {
		output.Error(err.Error())
		os.Exit(1)
	}
}
