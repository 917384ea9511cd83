package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fitgpt/internal/app"
	"fitgpt/internal/config"
	"fitgpt/internal/db"
	"fitgpt/internal/engine"
	"fitgpt/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fitgpt",
	Short: "FitGPT CLI",
	Long: `FitGPT keeps a manual food and workout log next to your Fitbit data.
- Workspace: the .fitgpt directory holding the SQLite database; fitgpt.yml sits next to it.
- Daily summary: kcal in from logged meals, kcal out and vitals from the tracker, and one merged workout list.
- Reconciliation: a manual workout and a tracked activity that describe the same session are shown once.
- Event log: every write is recorded; view it with 'fitgpt log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("FITGPT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("config", "", "config file (default <workspace>/fitgpt.yml)")
	flags.Bool("verbose", false, "debug logging")
	_ = viper.BindPFlag("workspace", flags.Lookup("workspace"))
	_ = viper.BindPFlag("json", flags.Lookup("json"))
	_ = viper.BindPFlag("config", flags.Lookup("config"))
	_ = viper.BindPFlag("verbose", flags.Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(summaryCmd())
	rootCmd.AddCommand(mealCmd())
	rootCmd.AddCommand(workoutCmd())
	rootCmd.AddCommand(extendedCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			lock := flock.New(db.LockPath(workspace))
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !ok {
				return fmt.Errorf("another fitgpt server is running on workspace %s", workspace)
			}
			defer lock.Unlock()

			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sc := e.Config.Server
				if addr == "" {
					addr = sc.Addr
				}
				if basePath == "" {
					basePath = sc.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:      e,
					BasePath:    basePath,
					CORSOrigins: sc.CORSOrigins,
					Logger:      e.Logger,
					Auth: server.AuthConfig{
						APIKey:    sc.APIKey,
						JWTSecret: sc.JWTSecret,
					},
				})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, e, server.DefaultWebhookInterval)

				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				e.Logger.Info("serving FitGPT API", "addr", addr, "base_path", basePath, "docs", basePath+"/docs")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path")
	return cmd
}

func summaryCmd() *cobra.Command {
	var date string
	var fresh bool
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show the daily summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.DailySummary(ctx, date, fresh)
				if err != nil {
					return err
				}
				if useJSON() {
					return printJSON(s)
				}
				printSummary(s)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "date (YYYY-MM-DD, default today)")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "bypass the summary cache")
	return cmd
}

func mealCmd() *cobra.Command {
	meal := &cobra.Command{Use: "meal", Short: "Log and list meals"}
	meal.AddCommand(mealAddCmd())
	meal.AddCommand(mealListCmd())
	meal.AddCommand(mealDeleteCmd())
	return meal
}

func mealAddCmd() *cobra.Command {
	var in engine.MealInput
	var kcal int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Log a meal (same date and name replaces the entry)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("kcal") {
				in.EstimatedCalories = &kcal
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if in.Date == "" {
					in.Date = e.Today()
				}
				res, err := e.LogMeal(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(res.Meal)
			})
		},
	}
	cmd.Flags().StringVar(&in.Date, "date", "", "date (default today)")
	cmd.Flags().StringVar(&in.Meal, "meal", "", "meal name, e.g. lunch")
	cmd.Flags().StringVar(&in.Items, "items", "", "what was eaten")
	cmd.Flags().IntVar(&kcal, "kcal", 0, "estimated calories")
	_ = cmd.MarkFlagRequired("meal")
	return cmd
}

func mealListCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List meals of a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if date == "" {
					date = e.Today()
				}
				meals, err := e.Meals(ctx, date)
				if err != nil {
					return err
				}
				return printJSONOrTable(meals)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "date (default today)")
	return cmd
}

func mealDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a meal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteMeal(ctx, args[0])
			})
		},
	}
}

func workoutCmd() *cobra.Command {
	w := &cobra.Command{Use: "workout", Short: "Log and list manual workouts"}
	w.AddCommand(workoutAddCmd())
	w.AddCommand(workoutListCmd())
	w.AddCommand(workoutDeleteCmd())
	return w
}

func workoutAddCmd() *cobra.Command {
	var in engine.WorkoutInput
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Log a workout",
		Long:  "Without --start the start time is borrowed from a matching Fitbit activity when the match is confident.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if in.Date == "" {
					in.Date = e.Today()
				}
				res, err := e.LogWorkout(ctx, in)
				if err != nil {
					return err
				}
				if res.NeedsConfirmation && !useJSON() {
					fmt.Fprintln(os.Stderr, "no confident Fitbit match; set the start time with --start when known")
				}
				return printJSONOrTable(res.Workout)
			})
		},
	}
	cmd.Flags().StringVar(&in.Date, "date", "", "date (default today)")
	cmd.Flags().StringVar(&in.Type, "type", "", "workout type, e.g. Badminton")
	cmd.Flags().StringVar(&in.Details, "details", "", "free text such as 'Badminton, 45 min'")
	cmd.Flags().StringVar(&in.StartTime, "start", "", "local start time (YYYY-MM-DDTHH:MM:SS)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func workoutListCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List manual workouts of a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if date == "" {
					date = e.Today()
				}
				list, err := e.Workouts(ctx, date)
				if err != nil {
					return err
				}
				return printJSONOrTable(list)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "date (default today)")
	return cmd
}

func workoutDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a workout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteWorkout(ctx, args[0])
			})
		},
	}
}

func extendedCmd() *cobra.Command {
	var days int
	var date string
	var full bool
	cmd := &cobra.Command{
		Use:   "extended",
		Short: "Raw Fitbit metrics, or full summaries with --full",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if full {
					res, err := e.ExtendedFull(ctx, days, false)
					if err != nil {
						return err
					}
					return printJSON(res)
				}
				res, err := e.Extended(ctx, days, date)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 1, "number of days ending today")
	cmd.Flags().StringVar(&date, "date", "", "single date instead of a range")
	cmd.Flags().BoolVar(&full, "full", false, "build a daily summary per day")
	return cmd
}

func profileCmd() *cobra.Command {
	p := &cobra.Command{Use: "profile", Short: "User profile"}
	p.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the stored profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				profile, err := e.Profile(ctx)
				if err != nil {
					return err
				}
				return printJSON(profile)
			})
		},
	})
	p.AddCommand(&cobra.Command{
		Use:   "set key=value...",
		Short: "Replace the profile; values are parsed as JSON when possible",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := parseProfileArgs(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.SetProfile(ctx, profile); err != nil {
					return err
				}
				return printJSON(profile)
			})
		},
	})
	return p
}

func parseProfileArgs(args []string) (map[string]any, error) {
	profile := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid profile argument %q: expected key=value", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		profile[key] = v
	}
	return profile, nil
}

func authCmd() *cobra.Command {
	a := &cobra.Command{Use: "auth", Short: "Fitbit linking and API tokens"}
	a.AddCommand(&cobra.Command{
		Use:   "url",
		Short: "Print the Fitbit consent URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				fmt.Println(e.AuthorizeURL())
				return nil
			})
		},
	})
	a.AddCommand(&cobra.Command{
		Use:   "exchange <code>",
		Short: "Exchange an authorization code and store the token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tok, err := e.LinkTracker(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"message": "token saved", "user_id": tok.UserID, "scope": tok.Scope})
			})
		},
	})
	a.AddCommand(authTokenCmd())
	return a
}

func authTokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with server.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := server.SignToken(cfg.Server.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "owner", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage X-Api-Key credentials"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the plain key is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				plain, key, err := e.CreateAPIKey(ctx, name)
				if err != nil {
					return err
				}
				return printJSON(map[string]string{"id": key.ID, "name": key.Name, "key": plain})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	k.AddCommand(create)
	k.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	})
	k.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return k
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if useJSON() {
				return printJSON(cfg)
			}
			data, err := cfg.Marshal()
			if err != nil {
				return err
			}
			os.Stdout.Write(data)
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return c
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "Every meal, workout, profile and linking write, newest first.",
	}
	var n int
	var date, evtType string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, date, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&date, "date", "", "date filter")
	tail.Flags().StringVar(&evtType, "type", "", "event type filter")
	log.AddCommand(tail)
	return log
}

// --- helpers ---

// loadConfig reads the config file and applies FITGPT_* overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	overrides := map[string]*string{
		"tracker.client_id":     &cfg.Tracker.ClientID,
		"tracker.client_secret": &cfg.Tracker.ClientSecret,
		"tracker.redirect_uri":  &cfg.Tracker.RedirectURI,
		"server.addr":           &cfg.Server.Addr,
		"server.api_key":        &cfg.Server.APIKey,
		"server.jwt_secret":     &cfg.Server.JWTSecret,
		"timezone":              &cfg.Timezone,
	}
	for key, dst := range overrides {
		if v := viper.GetString(key); v != "" {
			*dst = v
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	e, closeDB, err := app.Open(ctx, viper.GetString("workspace"), cfg, newLogger())
	if err != nil {
		return err
	}
	defer closeDB()
	return fn(ctx, e)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if viper.GetBool("verbose") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if !viper.GetBool("json") && isTerminal(os.Stderr) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
