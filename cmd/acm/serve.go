package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/freundallein/acm/backend/app"
	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/entrypoint"
)

var withPipeline bool

var serveCmd = &cobra.Command{
	Use: "serve",

	Short: "Serves the HTTP API.",

	RunE: func(cmd *cobra.Command, args []string) error {
		appCfg, err := loadConfig("server")
		if err != nil {
			return err
		}
		if err := entrypoint.CheckUser(os.Getuid(), appCfg.Server.AllowRoot); err != nil {
			return err
		}
		ctx := cmd.Context()
		deps, release, err := app.OpenDeps(ctx, appCfg)
		if err != nil {
			return err
		}
		defer release()
		services := app.NewServices(appCfg, deps)
		srv := app.NewServer(appCfg, app.NewRouter(appCfg, deps, services))

		provider, err := app.EmailProvider(appCfg)
		if err != nil {
			return err
		}

		group, ctx := errgroup.WithContext(ctx)
		group.Go(func() error {
			log.WithFields(log.Fields{
				"event": "start_server",
				"addr":  srv.Addr,
			}).Info("listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			log.WithFields(log.Fields{
				"event": "ctx_cancel",
			}).Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		if withPipeline {
			group.Go(func() error {
				return app.NewPipeline(appCfg.Notification.ChunkSize).Run(ctx, appCfg, deps.Store, provider, services.Payments)
			})
		}
		return group.Wait()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&withPipeline, "pipeline", false, "run the notification pipeline in-process")
}
