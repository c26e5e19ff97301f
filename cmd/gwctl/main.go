// Command gwctl runs either half of the gateway cluster: `gwctl serve`
// is a gateway instance (C2-C6), `gwctl work` is a worker process
// (C7-C8). Subcommand dispatch follows the pack's only cobra user
// (teranos-QNTX); the automaxprocs blank import and graceful shutdown
// sequence follow the teacher's cmd/multi/main.go.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
)

func main() {
	root := &cobra.Command{
		Use:   "gwctl",
		Short: "odin-gateway cluster control binary",
	}
	root.AddCommand(newServeCommand())
	root.AddCommand(newWorkCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
