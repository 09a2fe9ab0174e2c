package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"railplan/internal/config"
	"railplan/internal/db"
	"railplan/internal/domain"
	"railplan/internal/extract"
	"railplan/internal/ingest"
	"railplan/internal/migrate"
	"railplan/internal/sched"
	"railplan/internal/server"
	"railplan/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "rpl",
	Short: "Railplan CLI",
	Long: `Railplan plans the next-cycle induction of a train fleet.
It keeps an append-only record per aspect (fitness, jobcard, branding,
mileage, cleaning, stabling), ingests field reports through an extraction
endpoint, and assigns every train to run, standby, maintenance or cleaning
with an explanation per decision.`,
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
	viper.SetEnvPrefix("RAILPLAN")
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
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(dataCmd())
	rootCmd.AddCommand(trainCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(configCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("addr") && cfg.Server.Addr != "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") && cfg.Server.BasePath != "" {
				basePath = cfg.Server.BasePath
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			st := store.New(conn)
			engine := sched.New(st)
			engine.TimeBudget = cfg.TimeBudget()
			var extractor server.Extractor
			if key := os.Getenv("RAILPLAN_EXTRACT_API_KEY"); key != "" {
				client, err := extract.New(extract.Config{
					BaseURL: cfg.Extraction.BaseURL,
					APIKey:  key,
					Model:   cfg.Extraction.Model,
				})
				if err != nil {
					return err
				}
				extractor = client
			}
			handler, err := server.New(server.Config{
				Engine:    engine,
				Store:     st,
				Extractor: extractor,
				BasePath:  basePath,
				Auth:      server.AuthConfig{JWTSecret: os.Getenv("RAILPLAN_JWT_SECRET")},
			})
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
			fmt.Printf("Serving Railplan API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func scheduleCmd() *cobra.Command {
	var cleaningCapacity, minCleanDue, minRun, maxRun, maintenanceCapacity, minStandby, maxStandby, minBrandedRun int
	var cleaningDueThreshold, runMinFitnessScore, riskW, mileageW, brandingW, standbyW, maintenanceW, cleaningW float64
	var failTrain string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Plan the next cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			var p sched.Params
			setInt := func(name string, dst **int, v *int) {
				if cmd.Flags().Changed(name) {
					*dst = v
				}
			}
			setFloat := func(name string, dst **float64, v *float64) {
				if cmd.Flags().Changed(name) {
					*dst = v
				}
			}
			setInt("cleaning-capacity", &p.CleaningCapacity, &cleaningCapacity)
			setInt("min-clean-due", &p.MinCleanDue, &minCleanDue)
			setInt("min-run", &p.MinRun, &minRun)
			setInt("max-run", &p.MaxRun, &maxRun)
			setInt("maintenance-capacity", &p.MaintenanceCapacity, &maintenanceCapacity)
			setInt("min-standby", &p.MinStandby, &minStandby)
			setInt("max-standby", &p.MaxStandby, &maxStandby)
			setInt("min-branded-run", &p.MinBrandedRun, &minBrandedRun)
			setFloat("cleaning-due-threshold", &p.CleaningDueThreshold, &cleaningDueThreshold)
			setFloat("run-min-fitness-score", &p.RunMinFitnessScore, &runMinFitnessScore)
			setFloat("risk-w", &p.RiskWeight, &riskW)
			setFloat("mileage-w", &p.MileageWeight, &mileageW)
			setFloat("branding-w", &p.BrandingWeight, &brandingW)
			setFloat("standby-w", &p.StandbyWeight, &standbyW)
			setFloat("maintenance-w", &p.MaintenanceWeight, &maintenanceW)
			setFloat("cleaning-w", &p.CleaningWeight, &cleaningW)
			p.FailTrain = failTrain
			return withEngine(cmd.Context(), func(ctx context.Context, e sched.Engine) error {
				res, err := e.Schedule(ctx, p)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("objective: %s\n", res.ObjectiveStatus)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Train", "State", "Rank", "Fitness", "Mileage km", "Why"})
				for _, d := range res.Ranked {
					tw.AppendRow(table.Row{
						d.TrainID,
						string(d.Assigned),
						fmt.Sprintf("%.2f", float64(d.RankScore)),
						fmt.Sprintf("%.2f", float64(d.FitnessScore)),
						fmt.Sprintf("%.0f", float64(d.MileageKM)),
						strings.Join(d.Explanation, "; "),
					})
				}
				tw.Render()
				for _, c := range res.Conflicts {
					fmt.Printf("conflict: %s (%s): %s\n", c.TrainID, c.Assigned, strings.Join(c.Reasons, "; "))
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&cleaningCapacity, "cleaning-capacity", 0, "cleaning slots per cycle")
	cmd.Flags().IntVar(&minCleanDue, "min-clean-due", 0, "minimum due trains assigned cleaning")
	cmd.Flags().IntVar(&minRun, "min-run", 0, "minimum trains in service")
	cmd.Flags().IntVar(&maxRun, "max-run", 0, "maximum trains in service")
	cmd.Flags().IntVar(&maintenanceCapacity, "maintenance-capacity", 0, "maintenance slots per cycle")
	cmd.Flags().IntVar(&minStandby, "min-standby", 0, "minimum trains on standby")
	cmd.Flags().IntVar(&maxStandby, "max-standby", 0, "maximum trains on standby")
	cmd.Flags().IntVar(&minBrandedRun, "min-branded-run", 0, "minimum branded trains in service")
	cmd.Flags().Float64Var(&cleaningDueThreshold, "cleaning-due-threshold", 0, "days since cleaning before a train is due")
	cmd.Flags().Float64Var(&runMinFitnessScore, "run-min-fitness-score", 0, "minimum fitness score to run")
	cmd.Flags().Float64Var(&riskW, "risk-w", 0, "risk weight")
	cmd.Flags().Float64Var(&mileageW, "mileage-w", 0, "mileage weight")
	cmd.Flags().Float64Var(&brandingW, "branding-w", 0, "branding weight")
	cmd.Flags().Float64Var(&standbyW, "standby-w", 0, "standby weight")
	cmd.Flags().Float64Var(&maintenanceW, "maintenance-w", 0, "maintenance weight")
	cmd.Flags().Float64Var(&cleaningW, "cleaning-w", 0, "cleaning weight")
	cmd.Flags().StringVar(&failTrain, "fail-train", "", "simulate a failure for this train")
	return cmd
}

func ingestCmd() *cobra.Command {
	var file, entriesFile, source string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a field report or pre-extracted entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (file == "") == (entriesFile == "") {
				return fmt.Errorf("exactly one of --file or --entries is required")
			}
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				norm := ingest.Normalizer{Store: st}
				var (
					entries      []domain.Entry
					raw          string
					extractModel string
					size         int64
					name         string
				)
				if file != "" {
					data, err := os.ReadFile(file)
					if err != nil {
						return err
					}
					key := os.Getenv("RAILPLAN_EXTRACT_API_KEY")
					if key == "" {
						return fmt.Errorf("RAILPLAN_EXTRACT_API_KEY is required for --file ingestion")
					}
					cfg, err := config.LoadOptional(viper.GetString("workspace"))
					if err != nil {
						return err
					}
					client, err := extract.New(extract.Config{
						BaseURL: cfg.Extraction.BaseURL,
						APIKey:  key,
						Model:   cfg.Extraction.Model,
					})
					if err != nil {
						return err
					}
					name = filepath.Base(file)
					entries, raw, err = client.Extract(ctx, name, data)
					if err != nil {
						return err
					}
					extractModel = client.Model()
					size = int64(len(data))
				} else {
					data, err := os.ReadFile(entriesFile)
					if err != nil {
						return err
					}
					if err := json.Unmarshal(data, &entries); err != nil {
						return fmt.Errorf("invalid entries file: %w", err)
					}
					name = filepath.Base(entriesFile)
					size = int64(len(data))
				}
				if source != "" {
					name = source
				}
				updates, err := norm.Apply(ctx, entries)
				if err != nil {
					return err
				}
				rec, err := norm.Record(ctx, name, size, extractModel, entries, updates, raw)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"parsed": entries, "updates": updates, "audit_id": rec.ID})
				}
				fmt.Printf("applied %d update(s) from %d entries (audit %s)\n", len(updates), len(entries), rec.ID)
				for _, u := range updates {
					fmt.Printf("  %s: %s\n", u.TrainID, u.Action)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "report file to extract and apply")
	cmd.Flags().StringVar(&entriesFile, "entries", "", "JSON file of pre-extracted entries")
	cmd.Flags().StringVar(&source, "source", "", "audit source label (defaults to the file name)")
	return cmd
}

func dataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "data",
		Short: "Dump every persisted record grouped by aspect",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				trains, err := st.ListTrains(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{"trains": trains}
				for _, aspect := range domain.Aspects {
					recs, err := st.History(ctx, aspect)
					if err != nil {
						return err
					}
					out[string(aspect)] = recs
				}
				return printJSON(out)
			})
		},
	}
	return cmd
}

func trainCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "train", Short: "Manage trains and their records"}
	cmd.AddCommand(trainListCmd())
	cmd.AddCommand(trainSetCmd())
	return cmd
}

func trainListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trains with their current record per aspect",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				snap, err := st.Snapshot(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(snap.Aspects)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Train", "Model", "Valid", "Score", "Jobcard", "Priority", "KM", "Cleaned (d)", "Bay"})
				for _, id := range snap.TrainIDs() {
					t := snap.Trains[id]
					row := table.Row{id, t.Model}
					if rec, ok := snap.Record(domain.AspectFitness, id); ok {
						row = append(row, fmtInt(rec.Fields.Valid), fmtFloat(rec.Fields.Score))
					} else {
						row = append(row, "", "")
					}
					if rec, ok := snap.Record(domain.AspectJobcard, id); ok {
						row = append(row, fmtInt(rec.Fields.Open))
					} else {
						row = append(row, "")
					}
					if rec, ok := snap.Record(domain.AspectBranding, id); ok {
						row = append(row, fmtFloat(rec.Fields.Priority))
					} else {
						row = append(row, "")
					}
					if rec, ok := snap.Record(domain.AspectMileage, id); ok {
						row = append(row, fmtFloat(rec.Fields.KM))
					} else {
						row = append(row, "")
					}
					if rec, ok := snap.Record(domain.AspectCleaning, id); ok {
						row = append(row, fmtFloat(rec.Fields.LastCleanedDays))
					} else {
						row = append(row, "")
					}
					if rec, ok := snap.Record(domain.AspectStabling, id); ok && rec.Fields.Bay != nil {
						row = append(row, *rec.Fields.Bay)
					} else {
						row = append(row, "")
					}
					tw.AppendRow(row)
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func trainSetCmd() *cobra.Command {
	var id, model, notes, bay, ts string
	var fitnessValid, jobcardOpen int
	var fitnessScore, priority, km, lastCleanedDays float64
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Record fields for a train (one upsert per touched aspect)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			trainID := strings.ToUpper(strings.TrimSpace(id))
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				if model != "" {
					if err := st.UpsertTrain(ctx, domain.Train{ID: trainID, Model: model}); err != nil {
						return err
					}
				} else if err := st.EnsureTrain(ctx, trainID, "unknown"); err != nil {
					return err
				}
				type upsert struct {
					aspect  domain.Aspect
					fields  domain.Fields
					touched bool
				}
				changed := cmd.Flags().Changed
				ups := []upsert{
					{domain.AspectFitness, domain.Fields{
						Valid: int64PtrIf(changed("fitness-valid"), int64(fitnessValid)),
						Score: floatPtrIf(changed("fitness-score"), fitnessScore),
					}, changed("fitness-valid") || changed("fitness-score")},
					{domain.AspectJobcard, domain.Fields{
						Open: int64PtrIf(changed("jobcard-open"), int64(jobcardOpen)),
					}, changed("jobcard-open")},
					{domain.AspectBranding, domain.Fields{
						Priority: floatPtrIf(changed("priority"), priority),
						Notes:    strPtrIf(changed("notes"), notes),
					}, changed("priority") || changed("notes")},
					{domain.AspectMileage, domain.Fields{
						KM: floatPtrIf(changed("km"), km),
					}, changed("km")},
					{domain.AspectCleaning, domain.Fields{
						LastCleanedDays: floatPtrIf(changed("last-cleaned-days"), lastCleanedDays),
					}, changed("last-cleaned-days")},
					{domain.AspectStabling, domain.Fields{
						Bay: strPtrIf(changed("bay"), bay),
					}, changed("bay")},
				}
				applied := 0
				for _, u := range ups {
					if !u.touched {
						continue
					}
					rec, err := st.Upsert(ctx, u.aspect, trainID, u.fields, ts)
					if err != nil {
						return err
					}
					applied++
					if viper.GetBool("json") {
						if err := printJSON(rec); err != nil {
							return err
						}
					} else {
						fmt.Printf("%s %s @ %s\n", rec.TrainID, rec.Aspect, rec.Timestamp)
					}
				}
				if applied == 0 && model == "" {
					return fmt.Errorf("no fields given; see --help")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "train id")
	cmd.Flags().StringVar(&model, "model", "", "train model")
	cmd.Flags().IntVar(&fitnessValid, "fitness-valid", 0, "fitness certificate valid (1 or 0)")
	cmd.Flags().Float64Var(&fitnessScore, "fitness-score", 0, "fitness score")
	cmd.Flags().IntVar(&jobcardOpen, "jobcard-open", 0, "open job card (1 or 0)")
	cmd.Flags().Float64Var(&priority, "priority", 0, "branding priority")
	cmd.Flags().StringVar(&notes, "notes", "", "branding notes")
	cmd.Flags().Float64Var(&km, "km", 0, "cumulative mileage")
	cmd.Flags().Float64Var(&lastCleanedDays, "last-cleaned-days", 0, "days since last deep clean")
	cmd.Flags().StringVar(&bay, "bay", "", "stabling bay")
	cmd.Flags().StringVar(&ts, "ts", "", "record timestamp (RFC3339; defaults to now)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func auditCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show ingestion audit records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, st *store.Store) error {
				records, err := st.ListAudit(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(records)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Source", "Bytes", "Model"})
				for _, rec := range records {
					tw.AppendRow(table.Row{rec.ID, rec.TS, rec.Source, rec.SizeBytes, rec.ExtractModel})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of records")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default railplan.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

// --- helpers ---

func withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, store.New(conn))
}

func withEngine(ctx context.Context, fn func(context.Context, sched.Engine) error) error {
	return withStore(ctx, func(ctx context.Context, st *store.Store) error {
		cfg, err := config.LoadOptional(viper.GetString("workspace"))
		if err != nil {
			return err
		}
		e := sched.New(st)
		e.TimeBudget = cfg.TimeBudget()
		return fn(ctx, e)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fmtInt(v *int64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%d", *v)
}

func fmtFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%g", *v)
}

func int64PtrIf(ok bool, v int64) *int64 {
	if !ok {
		return nil
	}
	return &v
}

func floatPtrIf(ok bool, v float64) *float64 {
	if !ok {
		return nil
	}
	return &v
}

func strPtrIf(ok bool, v string) *string {
	if !ok {
		return nil
	}
	return &v
}
