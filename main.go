package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/dmorgan81/liblibbot/internal/config"
	"github.com/dmorgan81/liblibbot/internal/handler"
	"github.com/dmorgan81/liblibbot/internal/inject"
	"github.com/dmorgan81/liblibbot/internal/log"
	"github.com/samber/do"
)

func main() {
	cfg := config.Load()
	ctx := log.NewContext(context.Background(), log.New(os.Stderr, log.ParseLevel(cfg.LogLevel)))
	injector := inject.Setup(ctx, cfg)
	handler := do.MustInvoke[*handler.Handler](injector)
	lambda.StartWithOptions(handler.Handle, lambda.WithContext(ctx), lambda.WithEnableSIGTERM(func() {
		_ = injector.Shutdown()
	}))
}
