package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/buildforge/foreman/internal/store"
)

func (a *App) jobsCmd() *cobra.Command {
	var status, clientID string
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(st *store.Store) error {
				jobs, err := st.ListJobs(store.JobFilter{
					Status:   store.JobStatus(status),
					ClientID: clientID,
					Limit:    limit,
				})
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tTITLE\tBRANCH\tMACHINE")
				for _, job := range jobs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
						job.ID, job.JobType, job.Status, job.Title,
						job.BranchName, job.TargetMachine)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&clientID, "client", "", "Filter by client id")
	cmd.Flags().IntVar(&limit, "limit", 50, "Max rows")
	return cmd
}
