package main

import (
	"fmt"
	"os"

	"github.com/leptonai/nrtd/cmd/nrtctl/command"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := command.NewRootCommand()
	root.SetArgs(args)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", command.WarningSign, err)
		return 1
	}
	return 0
}
