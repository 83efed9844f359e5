package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Ruwad-io/pocketping-sub005/pkg/bridges"
	"github.com/Ruwad-io/pocketping-sub005/pkg/config"
	"github.com/Ruwad-io/pocketping-sub005/pkg/logger"
	"github.com/Ruwad-io/pocketping-sub005/pkg/relay"
	"github.com/Ruwad-io/pocketping-sub005/pkg/server"
	"github.com/Ruwad-io/pocketping-sub005/pkg/storage"
	"github.com/Ruwad-io/pocketping-sub005/pkg/threadmap"
	"github.com/Ruwad-io/pocketping-sub005/pkg/types"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			printVersion()
			return
		case "help", "--help", "-h":
			printHelp()
			return
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Debug {
		logger.SetLevel(logger.DEBUG)
	}

	if err := run(cfg); err != nil {
		logger.ErrorCF("main", "server exited", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	store, err := storage.Open(cfg.StorePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	rel, err := relay.New(cfg.PublicBaseURL)
	if err != nil {
		return fmt.Errorf("init attachment relay: %w", err)
	}
	defer rel.Close()

	mapper := threadmap.New()
	deps := bridges.Deps{Mapper: mapper, Relay: rel, AllowedBots: cfg.AllowedBotIDs}

	bridgeList := buildBridges(cfg, deps)
	if len(bridgeList) == 0 {
		logger.WarnC("main", "no bridges configured, serving API only")
	}

	srv := server.New(cfg, store, mapper, rel, bridgeList)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start(ctx)
	}()

	logger.InfoCF("main", "pocketping started", map[string]interface{}{
		"version": version,
		"port":    cfg.Port,
		"bridges": cfg.EnabledBridges(),
	})

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sigc:
		logger.InfoCF("main", "signal received, shutting down", map[string]interface{}{"signal": s.String()})
	case err := <-errc:
		if err != nil {
			return err
		}
		return nil
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return srv.Shutdown(shutdownCtx)
}

// buildBridges constructs every enabled platform bridge. A bridge whose
// configuration is incomplete is logged and skipped rather than aborting
// startup, so a single bad token does not take down the other platforms.
func buildBridges(cfg *config.Config, deps bridges.Deps) []bridges.Bridge {
	var list []bridges.Bridge

	add := func(name string, b bridges.Bridge, err error) {
		if err != nil {
			var confErr *types.ConfigurationError
			if errors.As(err, &confErr) {
				logger.DebugCF("main", "bridge not configured", map[string]interface{}{"bridge": name, "reason": confErr.Reason})
			} else {
				logger.ErrorCF("main", "bridge init failed", map[string]interface{}{"bridge": name, "error": err.Error()})
			}
			return
		}
		list = append(list, b)
	}

	tg, err := bridges.NewTelegramBridge(cfg.Telegram, deps)
	add("telegram", tg, err)

	sl, err := bridges.NewSlackBridge(cfg.Slack, deps)
	add("slack", sl, err)

	dc, err := bridges.NewDiscordBridge(cfg.Discord, deps)
	add("discord", dc, err)

	return list
}

func printVersion() {
	fmt.Printf("pocketping v%s\n", version)
	if gitCommit != "" {
		fmt.Printf("  commit: %s\n", gitCommit)
	}
	if buildTime != "" {
		fmt.Printf("  built:  %s\n", buildTime)
	}
}

func printHelp() {
	fmt.Printf("pocketping - chat bridge server v%s\n\n", version)
	fmt.Println("Usage: pocketping [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  (none)      Start the bridge server")
	fmt.Println("  version     Show version information")
	fmt.Println("  help        Show this help")
	fmt.Println()
	fmt.Println("Configuration is read from environment variables, optionally")
	fmt.Println("layered over a YAML file named by POCKETPING_CONFIG.")
}
