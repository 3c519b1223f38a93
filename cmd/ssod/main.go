// Command ssod runs the identity core as a standalone HTTP service: a
// config file names the storage driver, notifier transport and listen
// addresses; the binary wires them into a tokenflow.Flow and serves it.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "ssod",
		Short: "ssod runs the identity core service",
	}
	root.AddCommand(commandServe())
	root.AddCommand(commandCreateRootKey())
	root.AddCommand(commandVersion())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
