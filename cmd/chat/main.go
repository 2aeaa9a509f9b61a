package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/chatd/internal/categorize"
	"github.com/xaenox/chatd/internal/chat"
	"github.com/xaenox/chatd/internal/gateway"
	"github.com/xaenox/chatd/internal/storage"
	"github.com/xaenox/chatd/pkg/config"
)

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage")
		store, err = storage.NewPostgresStorage(storage.DatabaseConfig{
			Host:        cfg.Database.Host,
			Port:        cfg.Database.Port,
			User:        cfg.Database.User,
			Password:    cfg.Database.Password,
			DBName:      cfg.Database.DBName,
			SSLMode:     cfg.Database.SSLMode,
			UseInMemory: cfg.Database.UseInMemory,
		})
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	gw := gateway.NewHTTPClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, logger)

	pipeline := categorize.NewPipeline(store, gw, logger)
	pipeline.SetRevealDelay(time.Duration(cfg.Chat.TitleRevealMs) * time.Millisecond)
	pipeline.SetTitleObserver(func(conversationID, partial string) {
		fmt.Printf("\r\033[2Ktitle: %s", partial)
	})

	orch := chat.NewOrchestrator(store, gw, pipeline, cfg.Chat.Model, cfg.Chat.Thinking, logger)

	var printed int
	orch.SetDeltaObserver(func(content, thinking string) {
		if len(content) > printed {
			fmt.Print(content[printed:])
			printed = len(content)
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

	fmt.Println("chatd — /new starts a conversation, /quit exits, Ctrl-C cancels a turn")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for {
		fmt.Print("\nyou> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit":
			orch.Wait()
			return
		case "/new":
			if err := orch.StartConversation(context.Background()); err != nil {
				fmt.Println("error:", err)
			}
			continue
		}

		printed = 0
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-done:
			}
		}()

		_, err := orch.Submit(ctx, line, nil)
		close(done)
		cancel()
		fmt.Println()

		if err != nil {
			var gerr *gateway.Error
			if errors.As(err, &gerr) && gerr.RequiresSetup {
				fmt.Println("error: the gateway needs an API key (set OPENAI_API_KEY for gatewayd)")
				continue
			}
			fmt.Println("error:", err)
		}
	}

	orch.Wait()
}
