package main

import (
	"fmt"
	"os"

	"github.com/unclebandit/email-scheduler/cmd/mailctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
