package main

import (
	"context"
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

	"slipsync/internal/app"
	"slipsync/internal/config"
	"slipsync/internal/db"
	"slipsync/internal/domain"
	"slipsync/internal/engine"
	"slipsync/internal/migrate"
	"slipsync/internal/repo"
	"slipsync/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ss",
	Short: "Slipsync CLI",
	Long: `Slipsync keeps montage/demontage work slips in sync across a team.
Each job number owns one case; exports move the case through
draft -> approved -> demontage_in_progress -> done, and every accepted
change lands in the audit ledger. Clients poll with 'since' cursors.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("SLIPSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("team", "local-team", "team identifier")
	rootCmd.PersistentFlags().String("role", "member", "actor role (member|owner|admin)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("team", rootCmd.PersistentFlags().Lookup("team"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(auditCmd())
}

func flagActor() domain.Actor {
	role := domain.Role(viper.GetString("role"))
	switch role {
	case domain.RoleMember, domain.RoleOwner, domain.RoleAdmin:
	default:
		role = domain.RoleMember
	}
	return domain.Actor{
		Sub:    viper.GetString("actor-id"),
		TeamID: viper.GetString("team"),
		Role:   role,
	}
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Manage cases"}
	c.AddCommand(caseExportCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseApproveCmd())
	c.AddCommand(caseStatusCmd())
	c.AddCommand(caseDeleteCmd())
	return c
}

func caseExportCmd() *cobra.Command {
	var jobNumber, caseKind, system, sheetPhase, caseID, contentJSON string
	var totals [5]float64
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a work slip into its case",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jobNumber == "" {
				return fmt.Errorf("--job required")
			}
			sheet, err := domain.ParseSheetPhase(sheetPhase)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := flagActor()
				if _, err := app.NewScope(e.Repo, e.Now).ResolveTeam(ctx, actor.TeamID); err != nil {
					return err
				}
				opts := engine.ExportOptions{
					CaseID:     caseID,
					TeamID:     actor.TeamID,
					JobNumber:  jobNumber,
					CaseKind:   caseKind,
					System:     system,
					SheetPhase: sheet,
					Totals: domain.Totals{
						Materials: totals[0], Montage: totals[1], Demontage: totals[2],
						Total: totals[3], Hours: totals[4],
					},
					Actor: actor,
				}
				if contentJSON != "" {
					var content map[string]any
					if err := json.Unmarshal([]byte(contentJSON), &content); err != nil {
						return fmt.Errorf("invalid --content: %w", err)
					}
					opts.Content = content
				}
				c, err := e.ExportCase(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&jobNumber, "job", "", "job number")
	cmd.Flags().StringVar(&caseKind, "kind", "montagezettel", "case kind")
	cmd.Flags().StringVar(&system, "system", "", "scaffold system")
	cmd.Flags().StringVar(&sheetPhase, "sheet", "montage", "sheet phase (montage|demontage)")
	cmd.Flags().StringVar(&caseID, "case-id", "", "explicit case id")
	cmd.Flags().StringVar(&contentJSON, "content", "", "sheet content as JSON")
	cmd.Flags().Float64Var(&totals[0], "materials", 0, "materials total")
	cmd.Flags().Float64Var(&totals[1], "montage", 0, "montage total")
	cmd.Flags().Float64Var(&totals[2], "demontage", 0, "demontage total")
	cmd.Flags().Float64Var(&totals[3], "total", 0, "grand total")
	cmd.Flags().Float64Var(&totals[4], "hours", 0, "hours")
	return cmd
}

func caseListCmd() *cobra.Command {
	var status, phase, query, cursor string
	var limit int
	var includeDeleted bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := flagActor()
				page, err := e.ListPage(ctx, actor.TeamID, engine.ListOptions{
					Status:         status,
					Phase:          phase,
					Query:          query,
					IncludeDeleted: includeDeleted,
					Limit:          limit,
					Cursor:         repo.DecodeCursor(cursor),
				}, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Case", "Job", "Kind", "Status", "Phase", "Total", "Updated"})
				for _, c := range page.Cases {
					tw.AppendRow(table.Row{shortID(c.CaseID), c.JobNumber, c.CaseKind, c.Status, c.Phase, c.Totals.Total, c.LastUpdatedAt})
				}
				tw.Render()
				if page.NextCursor != "" {
					fmt.Printf("next cursor: %s\n", page.NextCursor)
				}
				fmt.Printf("%d of %d case(s)\n", len(page.Cases), page.Total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&phase, "phase", "", "phase filter")
	cmd.Flags().StringVar(&query, "q", "", "free-text filter")
	cmd.Flags().StringVar(&cursor, "cursor", "", "page cursor")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "include tombstones (owner/admin)")
	return cmd
}

func caseShowCmd() *cobra.Command {
	var includeDeleted bool
	cmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show one case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := flagActor()
				c, err := e.GetCase(ctx, actor.TeamID, args[0], includeDeleted, actor)
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().BoolVar(&includeDeleted, "include-deleted", false, "allow a tombstoned case")
	return cmd
}

func caseApproveCmd() *cobra.Command {
	var sheetPhase string
	cmd := &cobra.Command{
		Use:   "approve <case-id>",
		Short: "Approve a sheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sheet, err := domain.ParseSheetPhase(sheetPhase)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := flagActor()
				c, err := e.Approve(ctx, actor.TeamID, args[0], sheet, nil, actor)
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&sheetPhase, "sheet", "montage", "sheet phase (montage|demontage)")
	return cmd
}

func caseStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <case-id> <status>",
		Short: "Set case status (demontage_in_progress|done)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := domain.ParseStatus(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := flagActor()
				c, err := e.SetStatus(ctx, actor.TeamID, args[0], target, nil, actor)
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	return cmd
}

func caseDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <case-id>",
		Short: "Soft-delete a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor := flagActor()
				c, err := e.SoftDelete(ctx, actor.TeamID, args[0], actor)
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	return cmd
}

func auditCmd() *cobra.Command {
	var caseID string
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.AuditTrail(ctx, viper.GetString("team"), caseID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Action", "Actor", "Case", "Summary"})
				for _, entry := range entries {
					c := ""
					if entry.CaseID != nil {
						c = shortID(*entry.CaseID)
					}
					tw.AppendRow(table.Row{entry.ID, entry.TS, entry.Action, entry.Actor, c, entry.Summary})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&caseID, "case-id", "", "narrow to one case")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var email, name string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a local API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			secret := os.Getenv("SLIPSYNC_JWT_SECRET")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			token, err := server.SignToken(secret,
				viper.GetString("actor-id"), viper.GetString("team"), viper.GetString("role"),
				email, name, time.Duration(cfg.Auth.TokenTTLHours)*time.Hour)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().StringVar(&name, "name", "", "name claim")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
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
			e := engine.New(conn, cfg)
			secret := os.Getenv("SLIPSYNC_JWT_SECRET")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("SLIPSYNC_JWT_SECRET is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{
				JWTSecret:              secret,
				TokenTTL:               time.Duration(cfg.Auth.TokenTTLHours) * time.Hour,
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Slipsync API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
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
	return fn(ctx, engine.New(conn, cfg))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
