package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ddanshin/marvin/internal/agent"
	"github.com/ddanshin/marvin/internal/bot"
	"github.com/ddanshin/marvin/internal/config"
	"github.com/ddanshin/marvin/internal/history"
	"github.com/ddanshin/marvin/internal/llm"
	"github.com/ddanshin/marvin/internal/logger"
	"github.com/ddanshin/marvin/internal/tokenizer"
	"github.com/ddanshin/marvin/internal/window"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.L.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(cfg.Log.Level)

	counter, err := tokenizer.ForModel(cfg.LLM.Model)
	if err != nil {
		logger.L.Error("failed to initialize tokenizer", "error", err)
		os.Exit(1)
	}

	selector, err := window.New(counter, cfg.Bot.SystemPrompt, cfg.Bot.MaxTokens)
	if err != nil {
		logger.L.Error("failed to configure token window", "error", err)
		os.Exit(1)
	}

	api, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
	if err != nil {
		logger.L.Error("failed to connect to telegram", "error", err)
		os.Exit(1)
	}

	store, err := history.Open(cfg.History.Path)
	if err != nil {
		logger.L.Error("failed to open history store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	llmClient := llm.NewClient(cfg.LLM)
	chatAgent := agent.New(store, selector, llmClient, counter, cfg.LLM)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := bot.New(api, chatAgent, cfg)
	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.L.Error("bot stopped", "error", err)
		os.Exit(1)
	}
	logger.L.Info("shutdown complete")
}
