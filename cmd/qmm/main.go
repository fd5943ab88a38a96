// Command qmm records SQL workloads in the query meta model and browses
// their archived history.
package main

import (
	"os"

	"querymeta/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
