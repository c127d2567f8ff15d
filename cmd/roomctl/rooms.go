package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dkeye/roomlink/internal/conn"
	"github.com/dkeye/roomlink/internal/roomapi"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List the rooms of the relay.",
	RunE: func(cmd *cobra.Command, args []string) error {
		var tokens roomapi.TokenSource
		if cfg.Client.TokenFile != "" {
			tokens = conn.NewFileTokenStore(afero.NewOsFs(), cfg.Client.TokenFile)
		}
		rooms, err := roomapi.New(cfg.Client.APIURL, tokens, nil).List(cmd.Context())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTITLE\tMEMBERS\tSPEAKERS\tLIVE")
		for _, r := range rooms {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%t\n", r.ID, r.Title, r.MemberCount, r.SpeakerCount, r.IsLive)
		}
		return w.Flush()
	},
}
