package main

import (
	"fmt"
	"os"

	"github.com/bakeable/ha-add-on-whatsapp-api/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
