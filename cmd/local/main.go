// Command local runs the API and the whole notification pipeline in one
// process, logging emails instead of sending them.
package main

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/freundallein/acm/backend/app"
	"github.com/freundallein/acm/backend/chassis/config"
	log "github.com/freundallein/acm/backend/chassis/logging"
	"github.com/freundallein/acm/backend/chassis/migrations"
	"github.com/freundallein/acm/backend/notification"
)

func migrate(ctx context.Context, dsn string) error {
	db, err := migrations.Open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return migrations.Apply(ctx, db)
}

func main() {
	appCfg, err := config.Read()
	if err != nil {
		log.WithFields(log.Fields{
			"event": "config_read_failed",
		}).Fatal(err)
	}
	log.Init("local", appCfg.LogLevel("local"))

	ctx, cancel := app.SignalContext()
	defer cancel()
	if err := migrate(ctx, appCfg.Storage.DSN); err != nil {
		log.WithFields(log.Fields{
			"event": "migrate_failed",
		}).Fatal(err)
	}
	deps, release, err := app.OpenDeps(ctx, appCfg)
	if err != nil {
		log.WithFields(log.Fields{
			"event": "init_deps_failed",
		}).Fatal(err)
	}
	defer release()
	services := app.NewServices(appCfg, deps)
	srv := app.NewServer(appCfg, app.NewRouter(appCfg, deps, services))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		return srv.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		return app.NewPipeline(100).Run(ctx, appCfg, deps.Store, notification.LogProvider{}, services.Payments)
	})
	if err := group.Wait(); err != nil {
		log.WithFields(log.Fields{
			"event": "local_failed",
		}).Error(err)
	}
}
