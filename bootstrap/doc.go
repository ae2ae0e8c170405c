// Package bootstrap wires configuration into running components: the
// logger, the indicator store, the feed engine, the query engine and the
// ingest run lock.
//
// Usage:
//
//	app := bootstrap.NewApp(cfg, logger)
//	defer app.Shutdown(context.Background())
//
//	engine, err := app.FeedEngine(ctx, reporter)
//	if err != nil {
//	    return err
//	}
//	summary, err := engine.Run(ctx, cfg.Feeds)
package bootstrap
