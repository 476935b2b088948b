package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"taskbeat/internal/app"
	logx "taskbeat/pkg/logx"
)

func main() {
	var (
		cfgPath string
		role    string
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml or json")
	flag.StringVar(&role, "role", "all", "processes to run: worker, beat or all")
	flag.Parse()

	// Used until the configured logging service takes over.
	boot := logx.NewConsole("INFO").With(logx.String("comp", "main"))

	r, err := app.ParseRole(role)
	if err != nil {
		boot.Error("fatal", logx.Err(err))
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfgPath, r)
	if err != nil {
		boot.Error("fatal", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}
	if err := a.Run(ctx); err != nil {
		boot.Error("fatal", logx.String("role", string(r)), logx.Err(err))
		os.Exit(1)
	}
}
