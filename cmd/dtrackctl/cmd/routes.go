package cmd

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dtrack-fleet/dtrack/routing"
)

func init() {
	RootCmd.AddCommand(routesCmd)
}

func printRoutes(routes map[string]routing.Route) error {
	toPrint, err := json.MarshalIndent(routes, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(toPrint))
	return nil
}

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Dump the target node's routing table",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		var routes map[string]routing.Route
		if err := fetchJSON(rootTargetFlag, "/debug/routes", &routes); err != nil {
			log.Fatal(err)
		}
		if err := printRoutes(routes); err != nil {
			log.Fatal(err)
		}
	},
}
