package main

import (
	"os"

	"stringcomm/cmd/string/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
