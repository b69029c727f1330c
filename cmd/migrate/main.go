// Command migrate applies the embedded schema migrations.
//
//	migrate [up|down|status]
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/ovaphlow/pitchfork/service-shop-auth/internal/config"
	"github.com/ovaphlow/pitchfork/service-shop-auth/pkg/database"
	"github.com/ovaphlow/pitchfork/service-shop-auth/pkg/utilities"
)

func main() {
	_ = godotenv.Load()

	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = lg.Sync() }()
	sugar := lg.Sugar()

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	dbCfg, err := config.DatabaseFromEnv()
	if err != nil {
		sugar.Fatalw("load config", "err", err)
	}
	db, err := database.Connect(dbCfg)
	if err != nil {
		sugar.Fatalw("db connect", "err", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := database.Migrate(ctx, db.DB, cmd); err != nil {
		sugar.Fatalw("migrate failed", "cmd", cmd, "err", err)
	}
	sugar.Infow("migrate done", "cmd", cmd)
}
