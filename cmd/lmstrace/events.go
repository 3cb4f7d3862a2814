package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vincentbai/lmstrace/internal/database"
)

func newEventsCommand(a *app) *cobra.Command {
	var (
		filter     database.Filter
		assignment int64
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List events stored by the endpoint, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("assignment") {
				filter.AssignmentID = &assignment
			}
			databasePath, err := a.cfg.DatabasePath()
			if err != nil {
				return err
			}
			db, err := database.NewDatabase(databasePath)
			if err != nil {
				return err
			}
			defer db.Close()

			events, err := db.RecentEvents(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				encoder := json.NewEncoder(a.out)
				for _, e := range events {
					if err := encoder.Encode(e); err != nil {
						return err
					}
				}
				return nil
			}

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tRECEIVED\tSESSION\tTYPE\tASSIGNMENT")
			for _, e := range events {
				assignmentCol := "-"
				if e.AssignmentID != nil {
					assignmentCol = fmt.Sprint(*e.AssignmentID)
				}
				received := time.UnixMilli(e.ServerTimestamp).UTC().Format(time.RFC3339)
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", e.ID, received, e.SessionID, e.EventType, assignmentCol)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&filter.Limit, "limit", database.DefaultLimit, "maximum number of events")
	cmd.Flags().StringVar(&filter.SessionID, "session", "", "only events of this session id")
	cmd.Flags().Int64Var(&assignment, "assignment", 0, "only events of this assignment id")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per line")
	return cmd
}
