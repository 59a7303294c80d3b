package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-fairlock/v1/lock"
	"github.com/mirkobrombin/go-fairlock/v1/validator"
)

var statusCmd = &cobra.Command{
	Use:   "status <lock>",
	Short: "Show the holder and queue of a lock",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kit, err := openKit()
		if err != nil {
			return err
		}
		defer kit.Close()
		m, err := lock.NewMutex(args[0])
		if err != nil {
			return err
		}
		snap, err := validator.Inspect(cmd.Context(), kit.Store, m)
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		printSnapshot(snap)
		return nil
	},
}

func printSnapshot(snap validator.Snapshot) {
	if snap.Idle {
		fmt.Printf("%s: idle\n", snap.Lock)
	} else {
		fmt.Printf("%s: next ticket %d\n", snap.Lock, snap.Next)
	}
	for _, h := range snap.Holders {
		fmt.Printf("  held     #%d by %s\n", h.Token, h.Session)
	}
	for _, w := range snap.Waiting {
		fmt.Printf("  waiting  #%d by %s\n", w.Token, w.Session)
	}
	for _, d := range snap.Dead {
		fmt.Printf("  dead     #%d\n", d)
	}
	for _, a := range snap.Anomalies {
		fmt.Printf("  anomaly: %s\n", a)
	}
}

func init() {
	statusCmd.Flags().Bool("json", false, wrapString("print the snapshot as JSON"))
}
