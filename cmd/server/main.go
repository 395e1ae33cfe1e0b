package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/agentgate-dev/agentgate/internal/config"
	"github.com/agentgate-dev/agentgate/internal/logging"
	"github.com/agentgate-dev/agentgate/internal/util"
	"github.com/agentgate-dev/agentgate/sdk/agentgate"
	log "github.com/sirupsen/logrus"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	var (
		configPath string
		login      string
		projectID  string
		noBrowser  bool
	)

	flag.StringVar(&configPath, "config", "", "configuration file path (default ./config.yaml)")
	flag.StringVar(&login, "login", "", "authenticate a provider account (antigravity, gemini_cli, iflow, codex, copilot, qwen_code, kiro) and exit")
	flag.StringVar(&projectID, "project_id", "", "Google Cloud project ID for gemini_cli login")
	flag.BoolVar(&noBrowser, "no-browser", false, "print the login URL instead of opening a browser")
	flag.Parse()

	if configPath == "" {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("failed to get working directory: %v", err)
		}
		configPath = wd + string(os.PathSeparator) + "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config %s: %v", configPath, err)
	}
	util.SetLogLevel(cfg)
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		log.Warnf("failed to configure log output: %v", err)
	}

	if login != "" {
		if err = doLogin(cfg, login, projectID, noBrowser); err != nil {
			log.Fatalf("login failed: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := agentgate.NewBuilder().
		WithConfig(cfg).
		WithConfigPath(configPath).
		Build()
	if err != nil {
		log.Fatalf("failed to build service: %v", err)
	}

	if err = svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("service exited: %v", err)
	}
}
