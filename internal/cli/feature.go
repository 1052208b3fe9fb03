package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/buildforge/foreman/internal/store"
)

func (a *App) featureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feature",
		Short: "Manage features",
	}
	cmd.AddCommand(a.featureAddCmd())
	cmd.AddCommand(a.featureListCmd())
	return cmd
}

func (a *App) featureAddCmd() *cobra.Command {
	var notes, featureType string

	cmd := &cobra.Command{
		Use:   "add <client-id> <title>",
		Short: "Create a feature for a client",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(st *store.Store) error {
				client, err := st.GetClient(args[0])
				if err != nil {
					return err
				}
				if client == nil {
					return fmt.Errorf("client %s not found", args[0])
				}

				feature := &store.Feature{
					ID:       ulid.Make().String(),
					ClientID: client.ID,
					Title:    args[1],
				}
				if notes != "" {
					feature.Notes = &notes
				}
				if featureType != "" {
					feature.FeatureType = &featureType
				}
				if err := st.CreateFeature(feature); err != nil {
					return err
				}
				fmt.Printf("created feature %q (%s)\n", feature.Title, feature.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "Free-text description")
	cmd.Flags().StringVar(&featureType, "type", "", "Feature type (feature, fix, chore, cosmetic)")
	return cmd
}

func (a *App) featureListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <client-id>",
		Short: "List a client's features",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(st *store.Store) error {
				features, err := st.ListFeatures(args[0])
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTITLE\tTYPE\tSTAGE\tSPEC PHASE")
				for _, f := range features {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						f.ID, f.Title, strOrDash(f.FeatureType),
						strOrDash(f.StageCode), strOrDash(f.SpecPhase))
				}
				return w.Flush()
			})
		},
	}
}

func strOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
