package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"swarmline/internal/config"
	"swarmline/internal/db"
	"swarmline/internal/domain"
	"swarmline/internal/engine"
	"swarmline/internal/events"
	"swarmline/internal/forge"
	"swarmline/internal/gate"
	"swarmline/internal/migrate"
	"swarmline/internal/notify"
	"swarmline/internal/repo"
	"swarmline/internal/server"
	"swarmline/internal/sign"
)

var rootCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Swarmline CLI",
	Long: `Swarmline coordinates a swarm of untrusted worker agents over shared work.
Bounties break into issues, issues break into todos; workers claim todos with
signed requests, submit pull requests, and voting rounds decide what merges.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SWARMLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(bountyCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(roundCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(keygenCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("%s already exists", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Initialized workspace: %s (db %s)\n", cfgPath, db.Path(workspace))
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the coordination API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cfg := e.Config
				if addr == "" {
					addr = cfg.Server.Addr
				}
				if basePath == "" {
					basePath = cfg.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   e,
					Verifier: sign.Verifier{AllowedTaskIDs: cfg.Tasks.IDs},
					Gate:     e.Gate,
					BasePath: basePath,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Swarmline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Work item counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				todos, err := r.CountItemsByStatus(ctx, domain.KindTodo)
				if err != nil {
					return err
				}
				issues, err := r.CountItemsByStatus(ctx, domain.KindIssue)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"todos": todos, "issues": issues})
			})
		},
	}
}

func bountyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "bounty", Short: "Manage bounties"}
	cmd.AddCommand(bountyAddCmd())
	cmd.AddCommand(bountyListCmd())
	return cmd
}

func bountyAddCmd() *cobra.Command {
	var description, prompt string
	cmd := &cobra.Command{
		Use:   "add <title> <repo-owner> <repo-name>",
		Short: "Create a bounty",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.CreateBounty(ctx, engine.CreateBountyRequest{
					Title:       args[0],
					RepoOwner:   args[1],
					RepoName:    args[2],
					Description: description,
					Prompt:      prompt,
				})
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "bounty description")
	cmd.Flags().StringVar(&prompt, "prompt", "", "system prompt handed to workers")
	return cmd
}

func bountyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List bounties",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				bounties, err := r.ListBounties(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(bounties)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Repo", "Fork"})
				for _, b := range bounties {
					tw.AppendRow(table.Row{b.ID, b.Title, b.Status, b.RepoOwner + "/" + b.RepoName, b.ForkOwner})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func itemCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "item", Short: "Manage work items"}
	cmd.AddCommand(itemAddCmd())
	cmd.AddCommand(itemListCmd())
	cmd.AddCommand(itemShowCmd())
	return cmd
}

func itemAddCmd() *cobra.Command {
	var kind, parentID, bountyID, predecessorID, description string
	var criteria, deps []string
	cmd := &cobra.Command{
		Use:   "add <title> <repo-owner> <repo-name>",
		Short: "Create a work item",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateItem(ctx, engine.CreateItemRequest{
					Kind:               kind,
					ParentID:           parentID,
					BountyID:           bountyID,
					PredecessorID:      predecessorID,
					Title:              args[0],
					RepoOwner:          args[1],
					RepoName:           args[2],
					Description:        description,
					AcceptanceCriteria: criteria,
					DependencyIDs:      deps,
				})
				if err != nil {
					return err
				}
				return printJSON(w)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", domain.KindTodo, "item kind (todo|issue)")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent issue id (todos)")
	cmd.Flags().StringVar(&bountyID, "bounty", "", "bounty id")
	cmd.Flags().StringVar(&predecessorID, "predecessor", "", "predecessor issue id (issues)")
	cmd.Flags().StringVar(&description, "description", "", "item description")
	cmd.Flags().StringSliceVar(&criteria, "criteria", nil, "acceptance criteria")
	cmd.Flags().StringSliceVar(&deps, "depends-on", nil, "dependency item ids")
	return cmd
}

func itemListCmd() *cobra.Command {
	var kind, status, bountyID string
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListWorkItems(ctx, repo.WorkItemFilters{Kind: kind, Status: status, BountyID: bountyID})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Title", "Status", "Parent"})
				for _, w := range items {
					parent := ""
					if w.ParentID != nil {
						parent = *w.ParentID
					}
					tw.AppendRow(table.Row{w.ID, w.Kind, w.Title, w.Status, parent})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&bountyID, "bounty", "", "filter by bounty id")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item with its assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				item, err := r.GetWorkItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(item)
			})
		},
	}
}

func roundCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "round", Short: "Voting rounds"}
	cmd.AddCommand(roundApplyCmd())
	cmd.AddCommand(roundListCmd())
	return cmd
}

func roundApplyCmd() *cobra.Command {
	var positive, negative []string
	cmd := &cobra.Command{
		Use:   "apply <task-id> <round>",
		Short: "Apply a voting round's verdicts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var round int
			if _, err := fmt.Sscanf(args[1], "%d", &round); err != nil || round < 0 {
				return fmt.Errorf("invalid round %q", args[1])
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				summary, err := e.ApplyRoundOutcome(ctx, args[0], round, positive, negative)
				if err != nil {
					return err
				}
				if !summary.Applied {
					fmt.Printf("round %d for task %s was already applied\n", round, args[0])
					return nil
				}
				return printJSON(summary)
			})
		},
	}
	cmd.Flags().StringSliceVar(&positive, "positive", nil, "identities voted positive")
	cmd.Flags().StringSliceVar(&negative, "negative", nil, "identities voted negative")
	return cmd
}

func roundListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls <task-id>",
		Short: "List applied rounds for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				rounds, err := r.ListAuditRounds(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rounds)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Round", "Positive", "Negative", "Applied At"})
				for _, r := range rounds {
					tw.AppendRow(table.Row{r.Round, len(r.Positive), len(r.Negative), r.AppliedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail items that exhausted their attempt budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				todos, err := e.SweepExhausted(ctx, domain.KindTodo)
				if err != nil {
					return err
				}
				issues, err := e.SweepExhausted(ctx, domain.KindIssue)
				if err != nil {
					return err
				}
				return printJSON(map[string][]string{"todos": todos, "issues": issues})
			})
		},
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a worker signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			return printJSON(map[string]string{
				"identity":    sign.Identity(priv),
				"private_key": base64.StdEncoding.EncodeToString(priv.Seed()),
			})
		},
	}
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{DB: conn},
		Config: cfg,
		Forge:  forge.NewGitHub(cfg.GitHub.Token, cfg.GitHub.BaseURL),
		Notify: notify.NewWebhook(cfg.Notify.BountyWebhookURL, cfg.Notify.SlackWebhookURL),
		Now:    time.Now,
	}
	if cfg.Tasks.AuthorityURL != "" {
		authority := gate.NewHTTPAuthority(cfg.Tasks.AuthorityURL)
		e.Authority = authority
		e.Gate = gate.New(authority, cfg.StakeCacheTTL(), cfg.Tasks.BypassStakeCheck)
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
