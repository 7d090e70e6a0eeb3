package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Prismer-AI/chatsync"
)

var (
	watchMetricsAddr   string
	watchWebhookAddr   string
	watchWebhookSecret string
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().StringVar(&watchWebhookAddr, "webhook-addr", "", "Receive changes as signed webhooks on this address instead of the realtime feed")
	watchCmd.Flags().StringVar(&watchWebhookSecret, "webhook-secret", os.Getenv("CHATSYNC_WEBHOOK_SECRET"), "Secret used to verify webhook signatures")
}

var watchCmd = &cobra.Command{
	Use:   "watch [thread-id]",
	Short: "Tail realtime changes to your threads (and one thread's messages)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		var (
			feed    chatsync.Feed
			webhook *chatsync.WebhookFeed
		)
		if watchWebhookAddr != "" {
			webhook, err = chatsync.NewWebhookFeed(watchWebhookSecret, log.Logger)
			if err != nil {
				return err
			}
			feed = webhook
		} else {
			feed = newFeed(cfg)
		}
		defer feed.Close()

		reg := prometheus.NewRegistry()
		metrics := chatsync.NewMetrics(reg)

		s, err := openSession(ctx, chatsync.WithFeed(feed), chatsync.WithMetrics(metrics))
		if err != nil {
			return err
		}
		defer s.close()

		s.engine.Cache().OnChange(func(table, id string) {
			fmt.Printf("%s  %-9s %s\n", time.Now().Format(time.TimeOnly), table, id)
		})
		s.engine.On("*", func(event string, n chatsync.Notice) {
			ev := log.Info().Str("event", event)
			if n.EntityID != "" {
				ev = ev.Str("entity_id", n.EntityID)
			}
			if n.Err != nil {
				ev = ev.Err(n.Err)
			}
			ev.Msg("engine event")
		})

		if !offline {
			if err := s.engine.FetchThreads(ctx); err != nil {
				log.Warn().Err(err).Msg("initial thread fetch failed")
			}
		}
		if len(args) == 1 {
			if err := s.engine.SelectThread(ctx, args[0]); err != nil {
				log.Warn().Err(err).Str("thread_id", args[0]).Msg("initial message fetch failed")
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		if watchMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			serve(g, gctx, "metrics", watchMetricsAddr, mux)
		}
		if webhook != nil {
			mux := http.NewServeMux()
			mux.Handle("/webhook", webhook.HTTPHandler())
			serve(g, gctx, "webhook", watchWebhookAddr, mux)
		}
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})

		fmt.Fprintln(os.Stderr, "Watching for changes. Press Ctrl-C to stop.")
		return g.Wait()
	},
}

// serve runs an HTTP server in g until ctx is done.
func serve(g *errgroup.Group, ctx context.Context, name, addr string, h http.Handler) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		log.Info().Str("addr", addr).Msgf("%s server listening", name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}
