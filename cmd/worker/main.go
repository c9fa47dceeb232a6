// Command worker runs the dataset pipeline: it polls the document store for
// datasets needing work and drives them through analysis, indexing and
// finalization until it receives SIGINT or SIGTERM.
//
// Every setting is a flag whose default comes from the environment, e.g.
//
//	DOC_STORE=postgres DOC_STORE_DSN=postgres://... SEARCH_URL=http://es:9200 worker -concurrency=4
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/united-manufacturing-hub/umh-utils/env"

	"datafair/internal/config"
	"datafair/internal/logger"
)

func main() {
	cfg, err := config.LoadFromArgs(flag.CommandLine, getenv, os.Args[1:])
	if err != nil {
		fatalf("config: %v", err)
	}
	hasError := false
	for _, iss := range cfg.Validate() {
		fmt.Fprintln(os.Stderr, iss.Error())
		if iss.Severity == config.SeverityError {
			hasError = true
		}
	}
	if hasError {
		fatalf("configuration is invalid")
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fatalf("logger: %v", err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("worker stopped with an error", "error", err)
		log.Sync()
		os.Exit(1)
	}
}

// getenv reads a variable through umh-utils so unset and empty values are
// handled the same way everywhere.
func getenv(key string) string {
	v, _ := env.GetAsString(key, false, "")
	return v
}

func fatalf(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", a...)
	os.Exit(1)
}
