package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/karloscodes/stockcast"
	"github.com/karloscodes/stockcast/cache"
	"github.com/karloscodes/stockcast/config"
	"github.com/karloscodes/stockcast/forecast"
)

// openService loads the configuration, builds the service and migrates the schema.
func openService(ctx context.Context, opts ...stockcast.Option) (*stockcast.Service, error) {
	svc, err := stockcast.Open(appName, opts...)
	if err != nil {
		return nil, err
	}
	if err := svc.Migrate(ctx); err != nil {
		_ = svc.Close()
		return nil, err
	}
	return svc, nil
}

// withService runs fn against a started service and closes it afterwards.
func withService(cmd *cobra.Command, fn func(ctx context.Context, svc *stockcast.Service) error) error {
	ctx := cmd.Context()
	svc, err := openService(ctx)
	if err != nil {
		return err
	}
	if _, err := svc.Cache.Load(ctx); err != nil {
		svc.Logger.Warn("could not restore forecast cache", slog.Any("error", err))
	}
	return errors.Join(fn(ctx, svc), svc.Close())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newServeCommand() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background refresh scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			svc, err := openService(ctx, stockcast.WithRegisterer(reg))
			if err != nil {
				return err
			}

			if path := svc.Config.SettingsFile; path != "" {
				if err := config.WatchSettingsFile(path, svc.Settings, svc.Logger); err != nil {
					_ = svc.Close()
					return err
				}
			}

			if metricsAddr == "" {
				metricsAddr = svc.Config.MetricsAddr
			}
			if metricsAddr != "" {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					svc.Logger.Info("metrics listening", slog.String("addr", metricsAddr))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						svc.Logger.Error("metrics server failed", slog.Any("error", err))
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			return svc.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Expose Prometheus metrics on this address (overrides STOCKCAST_METRICS_ADDR)")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService(cmd.Context())
			if err != nil {
				return err
			}
			return svc.Close()
		},
	}
}

type forecastFlags struct {
	location string
	horizon  string
	method   string
}

func (f *forecastFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.location, "location", "l", "", "Location ID (default: all locations)")
	cmd.Flags().StringVarP(&f.horizon, "horizon", "H", "30", "Horizon in days: 30, 60 or 90")
	cmd.Flags().StringVarP(&f.method, "method", "m", "", "Method: moving_average or ewma (default from settings)")
}

func (f *forecastFlags) key(productID string) (cache.Key, error) {
	horizon, err := forecast.ParseHorizon(f.horizon)
	if err != nil {
		return cache.Key{}, err
	}
	key := cache.Key{ProductID: productID, LocationID: f.location, Horizon: horizon}
	if f.method != "" {
		if key.Method, err = forecast.ParseMethod(f.method); err != nil {
			return cache.Key{}, err
		}
	}
	return key, nil
}

func newForecastCommand() *cobra.Command {
	var flags forecastFlags

	cmd := &cobra.Command{
		Use:   "forecast <product-id>",
		Short: "Print the forecast for a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := flags.key(args[0])
			if err != nil {
				return err
			}
			return withService(cmd, func(ctx context.Context, svc *stockcast.Service) error {
				out := svc.Forecast(ctx, key)
				result := map[string]any{
					"source": out.Source,
					"found":  out.Found,
				}
				if out.Found {
					result["forecast"] = out.Entry
				}
				if out.Err != nil {
					result["error"] = out.Err.Error()
				}
				return writeJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newSuggestCommand() *cobra.Command {
	var flags forecastFlags

	cmd := &cobra.Command{
		Use:   "suggest <product-id>",
		Short: "Print a reorder suggestion for a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := flags.key(args[0])
			if err != nil {
				return err
			}
			return withService(cmd, func(ctx context.Context, svc *stockcast.Service) error {
				advice, err := svc.Suggest(ctx, key.ProductID, key.LocationID, key.Horizon)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), advice)
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().Lookup("method").Hidden = true
	return cmd
}

func newPrewarmCommand() *cobra.Command {
	var products string

	cmd := &cobra.Command{
		Use:   "prewarm [product-id...]",
		Short: "Compute the common forecasts for products ahead of demand",
		Long:  "Prewarm computes the 30 and 60 day moving-average forecasts for each product. Without arguments it uses the configured priority products.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := append([]string{}, args...)
			if products != "" {
				ids = append(ids, strings.Split(products, ",")...)
			}
			return withService(cmd, func(ctx context.Context, svc *stockcast.Service) error {
				if len(ids) == 0 {
					ids = svc.Settings.Settings().PriorityProductIDs
				}
				if len(ids) == 0 {
					return fmt.Errorf("no products given and no priority products configured")
				}
				return writeJSON(cmd.OutOrStdout(), svc.Prewarm(ctx, ids))
			})
		},
	}
	cmd.Flags().StringVar(&products, "products", "", "Comma separated product IDs")
	return cmd
}

func newDiagnosticsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnostics",
		Short: "Print cache, scheduler and database status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd, func(ctx context.Context, svc *stockcast.Service) error {
				return writeJSON(cmd.OutOrStdout(), svc.Diagnostics(ctx))
			})
		},
	}
}
