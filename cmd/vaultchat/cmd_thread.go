package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	threadJSON bool

	threadCmd = &cobra.Command{
		Use:   "thread",
		Short: "Inspect saved conversations",
	}
	threadShowCmd = &cobra.Command{
		Use:   "show [thread-id]",
		Short: "Print a saved conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newClient().GetThread(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if threadJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(t)
			}
			fmt.Fprintf(out, "%s  %s\n\n", t.ID, t.Title)
			for _, m := range t.Messages {
				at := time.UnixMilli(m.CreatedAt).Local().Format(time.Kitchen)
				role := m.Role
				if m.IsError {
					role += " (error)"
				}
				fmt.Fprintf(out, "[%s] %s: %s\n", at, role, m.Content)
			}
			return nil
		},
	}
)

func init() {
	threadShowCmd.Flags().BoolVar(&threadJSON, "json", false, "print the raw thread document")
	threadCmd.AddCommand(threadShowCmd)
}
