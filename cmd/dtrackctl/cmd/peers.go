package cmd

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dtrack-fleet/dtrack/registry"
)

func init() {
	RootCmd.AddCommand(peersCmd)
}

func printPeers(peers []registry.Peer) error {
	toPrint, err := json.MarshalIndent(peers, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(toPrint))
	return nil
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Dump the target node's peer registry",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		var peers []registry.Peer
		if err := fetchJSON(rootTargetFlag, "/debug/peers", &peers); err != nil {
			log.Fatal(err)
		}
		if err := printPeers(peers); err != nil {
			log.Fatal(err)
		}
	},
}
