// Command dreamdl runs the media download bot: the chat update loop, the
// REST facade and the background sweeps.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dreamcatchered/dreamDownloader/pkg/api"
	"github.com/dreamcatchered/dreamDownloader/pkg/bot"
	"github.com/dreamcatchered/dreamDownloader/pkg/config"
	"github.com/dreamcatchered/dreamDownloader/pkg/extractor"
	"github.com/dreamcatchered/dreamDownloader/pkg/flight"
	"github.com/dreamcatchered/dreamDownloader/pkg/gate"
	"github.com/dreamcatchered/dreamDownloader/pkg/logger"
	"github.com/dreamcatchered/dreamDownloader/pkg/oracle"
	"github.com/dreamcatchered/dreamDownloader/pkg/pipeline"
	"github.com/dreamcatchered/dreamDownloader/pkg/store"
	"github.com/dreamcatchered/dreamDownloader/pkg/sweeper"
	"github.com/dreamcatchered/dreamDownloader/pkg/telegram"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "dreamdl",
		Short:         "Chat bot that downloads media links and transcribes voice messages",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		logger.ErrorCF("main", "Fatal error", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DownloadsDir, 0o755); err != nil {
		return fmt.Errorf("create downloads dir: %w", err)
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	client, err := telegram.New(ctx, cfg.BotToken)
	if err != nil {
		return err
	}

	registry := flight.NewRegistry()
	gates := gate.New()
	engine := pipeline.New(pipeline.Config{
		Store:              db,
		Registry:           registry,
		Gates:              gates,
		Extractor:          extractor.New(cfg.DownloadsDir, cfg.CookiesDir, cfg.ExtractorProxy()),
		Transport:          client,
		BotName:            client.Name(),
		CleanupAfterUpload: cfg.EnableCleanup,
	})

	b := bot.New(bot.Config{
		Client:  client,
		Engine:  engine,
		Store:   db,
		Gates:   gates,
		Speech:  oracle.NewSpeech(cfg.SpeechURL, cfg.APIToken),
		Summary: oracle.NewSummarizer(cfg.SummaryURL, cfg.APIToken, cfg.SummaryModel),
		WorkDir: cfg.DownloadsDir,
	})

	if cfg.EnableAPI {
		go api.New(cfg.APIAddr, db).Start()
	}
	go sweeper.New(db, registry, cfg.DownloadsDir).Run(ctx)

	logger.InfoCF("main", "Starting", map[string]any{"version": version})
	return b.Run(ctx)
}
