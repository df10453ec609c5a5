package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

func main() {
	// A missing .env is fine; variables may come from the environment.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	initHelp(rootCmd)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		outputError(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
