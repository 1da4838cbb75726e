package cmd

import (
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dtrack-fleet/dtrack/tracker"
)

func init() {
	RootCmd.AddCommand(tracksCmd)
}

func printTracks(tracks []tracker.TrackInfo) error {
	toPrint, err := json.MarshalIndent(tracks, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(toPrint))
	return nil
}

var tracksCmd = &cobra.Command{
	Use:   "tracks",
	Short: "Dump the target node's current global tracks",
	Run: func(cmd *cobra.Command, args []string) {
		ConfigureVerbosity()

		var tracks []tracker.TrackInfo
		if err := fetchJSON(rootTargetFlag, "/debug/tracks", &tracks); err != nil {
			log.Fatal(err)
		}
		if err := printTracks(tracks); err != nil {
			log.Fatal(err)
		}
	},
}
