// Package main boots the product catalog service.
package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/fairyhunter13/product-catalog-service/internal/cli"
	"github.com/fairyhunter13/product-catalog-service/internal/config"
	"github.com/fairyhunter13/product-catalog-service/internal/obs"
)

func main() {
	_ = godotenv.Load(".env")
	cfg, err := config.Load()
	if err != nil {
		obs.InitLogger("info", "json")
		obs.Logger.Error("config_invalid", "error", err)
		os.Exit(2)
	}
	obs.InitLogger(cfg.LogLevel, cfg.LogFormat)

	if err := cli.NewRootCommand(cfg).Execute(); err != nil {
		os.Exit(1)
	}
}
