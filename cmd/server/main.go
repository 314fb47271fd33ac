package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/recetteo/listes/pkg/registry"
	"github.com/recetteo/listes/pkg/server"
	"github.com/recetteo/listes/pkg/store"
)

type config struct {
	Addr     string `env:"LISTES_ADDR" envDefault:"localhost:8080"`
	DBDriver string `env:"LISTES_DB_DRIVER" envDefault:"sqlite3"`
	DBSource string `env:"LISTES_DB_SOURCE" envDefault:"listes.sqlite3"`
}

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Info("no .env loaded", "err", err)
	}
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	addrVar := flag.String("addr", cfg.Addr, "the address to listen on")
	flag.Parse()

	slog.Info("Opening database", "driver", cfg.DBDriver)
	db, err := sql.Open(cfg.DBDriver, cfg.DBSource)
	if err != nil {
		return err
	}
	defer db.Close()

	sqlStore, err := store.NewSQLStore(db, cfg.DBDriver)
	if err != nil {
		return err
	}

	s := server.New(registry.NewHub(), store.NewBridge(sqlStore))
	httpServer := &http.Server{Addr: *addrVar, Handler: s.Router()}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
	}

	wg.Wait()
	return nil
}
