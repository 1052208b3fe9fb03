package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/buildforge/foreman/internal/store"
)

func (a *App) clientCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Manage clients and their repositories",
	}
	cmd.AddCommand(a.clientAddCmd())
	cmd.AddCommand(a.clientListCmd())
	cmd.AddCommand(a.clientRepoCmd())
	cmd.AddCommand(a.clientToolCmd())
	return cmd
}

func (a *App) clientAddCmd() *cobra.Command {
	var tier string

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a new client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(st *store.Store) error {
				client := &store.Client{
					ID:   ulid.Make().String(),
					Name: args[0],
					Tier: tier,
				}
				if err := st.CreateClient(client); err != nil {
					return err
				}
				fmt.Printf("created client %s (%s)\n", client.Name, client.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "pro", "Client tier (free, pro, enterprise)")
	return cmd
}

func (a *App) clientListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(st *store.Store) error {
				clients, err := st.ListClients()
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tTIER\tCONSTITUTION")
				for _, c := range clients {
					has := "no"
					if c.Constitution != nil && *c.Constitution != "" {
						has = "yes"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Name, c.Tier, has)
				}
				return w.Flush()
			})
		},
	}
}

func (a *App) clientRepoCmd() *cobra.Command {
	var defaultBranch string

	cmd := &cobra.Command{
		Use:   "repo <client-id> <github-org> <github-repo>",
		Short: "Attach a repository to a client",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(st *store.Store) error {
				client, err := st.GetClient(args[0])
				if err != nil {
					return err
				}
				if client == nil {
					return fmt.Errorf("client %s not found", args[0])
				}

				repo := &store.Repository{
					ID:            ulid.Make().String(),
					ClientID:      client.ID,
					GitHubOrg:     args[1],
					GitHubRepo:    args[2],
					DefaultBranch: defaultBranch,
				}
				if err := st.CreateRepository(repo); err != nil {
					return err
				}
				fmt.Printf("attached %s to %s (%s)\n", repo.Slug(), client.Name, repo.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&defaultBranch, "default-branch", "", "Base branch for worktrees and PRs (default: main)")
	return cmd
}

func (a *App) clientToolCmd() *cobra.Command {
	var configJSON string
	var disable bool

	cmd := &cobra.Command{
		Use:   "tool <client-id> <name>",
		Short: "Enable an MCP tool server for a client's interactive jobs",
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

				var config map[string]any
				if configJSON != "" {
					if err := json.Unmarshal([]byte(configJSON), &config); err != nil {
						return fmt.Errorf("invalid --tool-config: %w", err)
					}
				}
				if err := st.UpsertClientTool(client.ID, args[1], config, !disable); err != nil {
					return err
				}

				verb := "enabled"
				if disable {
					verb = "disabled"
				}
				fmt.Printf("%s tool %q for %s\n", verb, args[1], client.Name)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&configJSON, "tool-config", "", "MCP server configuration as JSON")
	cmd.Flags().BoolVar(&disable, "disable", false, "Disable the tool instead")
	return cmd
}

// withStore opens the configured store for the duration of one command.
func (a *App) withStore(fn func(*store.Store) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}
