// Package bot is the update loop: it receives transport updates and
// routes them to the pipeline, the voice batcher and the conversion
// handlers.
package bot

import (
	"context"

	"github.com/mymmrac/telego"

	"github.com/dreamcatchered/dreamDownloader/pkg/gate"
	"github.com/dreamcatchered/dreamDownloader/pkg/logger"
	"github.com/dreamcatchered/dreamDownloader/pkg/oracle"
	"github.com/dreamcatchered/dreamDownloader/pkg/pipeline"
	"github.com/dreamcatchered/dreamDownloader/pkg/store"
	"github.com/dreamcatchered/dreamDownloader/pkg/telegram"
	"github.com/dreamcatchered/dreamDownloader/pkg/voice"
)

// Bot wires the transport to the processing subsystems.
type Bot struct {
	client  *telegram.Client
	engine  *pipeline.Engine
	store   *store.Store
	gates   *gate.Gates
	speech  *oracle.Speech
	summary *oracle.Summarizer

	batcher   *voice.Batcher
	processor *voice.Processor

	inlineSent sentLinks
	workDir    string
}

// Config lists the bot's collaborators.
type Config struct {
	Client  *telegram.Client
	Engine  *pipeline.Engine
	Store   *store.Store
	Gates   *gate.Gates
	Speech  *oracle.Speech
	Summary *oracle.Summarizer
	WorkDir string
}

func New(cfg Config) *Bot {
	b := &Bot{
		client:  cfg.Client,
		engine:  cfg.Engine,
		store:   cfg.Store,
		gates:   cfg.Gates,
		speech:  cfg.Speech,
		summary: cfg.Summary,
		workDir: cfg.WorkDir,
	}
	b.processor = voice.NewProcessor(cfg.Store, cfg.Gates, cfg.Speech, cfg.Client, cfg.WorkDir)
	b.batcher = voice.NewBatcher(func(userID int64, items []voice.Item) {
		b.processor.Flush(context.Background(), userID, items)
	})
	return b
}

// Run consumes updates until ctx is cancelled. Each update is handled in
// its own goroutine; the pipeline's gates do the real throttling.
func (b *Bot) Run(ctx context.Context) error {
	updates, err := b.client.Bot().UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{
		Timeout: 30,
	})
	if err != nil {
		return err
	}

	logger.InfoCF("bot", "Update loop started", map[string]any{"bot": b.client.Name()})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			go b.dispatch(ctx, update)
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, update telego.Update) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("bot", "Handler panicked", map[string]any{"panic": r})
		}
	}()

	switch {
	case update.Message != nil:
		b.handleMessage(ctx, update.Message)
	case update.InlineQuery != nil:
		b.handleInline(ctx, update.InlineQuery)
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	}
}
