/*
dtrackctl is a Swiss Army Knife for inspecting a running dtrackd node,
grounded on cmd/ptpcheck/cmd/root.go's cobra layout: a root command
with shared persistent flags and one subcommand per concern.
*/
package main

import "github.com/dtrack-fleet/dtrack/cmd/dtrackctl/cmd"

func main() {
	cmd.Execute()
}
