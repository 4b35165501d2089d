// kite is the cross-channel chat router service: it bridges browser
// WebSocket clients with Telegram host chats.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/beevik/guid"
	"github.com/urfave/cli/v2"

	"github.com/pragmasoft-ua/kite-chat/bot/telegram"
	"github.com/pragmasoft-ua/kite-chat/bot/webchat"
	"github.com/pragmasoft-ua/kite-chat/internal/repo/memory"
	sqlxrepo "github.com/pragmasoft-ua/kite-chat/internal/repo/sqlx"
	_ "github.com/pragmasoft-ua/kite-chat/log"
	"github.com/pragmasoft-ua/kite-chat/router"
	"github.com/pragmasoft-ua/kite-chat/store/postgres"
)

func main() {
	app := &cli.App{
		Name:  "kite",
		Usage: "cross-channel chat router bridging webchat clients and Telegram hosts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "telegram-bot-token",
				EnvVars:  []string{"TELEGRAM_BOT_TOKEN"},
				Usage:    "Telegram Bot API token",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "telegram-webhook-endpoint",
				EnvVars:  []string{"TELEGRAM_WEBHOOK_ENDPOINT"},
				Usage:    "public URL Telegram delivers updates to",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "telegram-webhook-secret",
				EnvVars: []string{"TELEGRAM_WEBHOOK_SECRET"},
				Usage:   "webhook secret token, generated when empty",
				Value:   guid.New().String(),
			},
			&cli.StringFlag{
				Name:     "ws-api-endpoint",
				EnvVars:  []string{"WS_API_ENDPOINT"},
				Usage:    "public wss:// URL advertised to channel hosts",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "db-dsn",
				EnvVars: []string{"DB_DSN"},
				Usage:   "postgres DSN, in-memory stores when empty",
			},
			&cli.StringFlag{
				Name:    "bind-address",
				EnvVars: []string{"BIND_ADDRESS"},
				Usage:   "HTTP listen address",
				Value:   ":8080",
			},
			&cli.StringFlag{
				Name:    "media-base-url",
				EnvVars: []string{"MEDIA_BASE_URL"},
				Usage:   "public URL prefix of the media store mount",
				Value:   "http://localhost:8080/media",
			},
			&cli.StringFlag{
				Name:    "media-dir",
				EnvVars: []string{"MEDIA_DIR"},
				Usage:   "filesystem root of the media store",
				Value:   filepath.Join(os.TempDir(), "kite-media"),
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		slog.Error("kite",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := slog.Default()

	var (
		channels router.Channels
		messages router.Messages
	)
	if dsn := c.String("db-dsn"); dsn != "" {
		db, err := postgres.OpenDB(log, dsn)
		if err != nil {
			return err
		}
		defer db.Close()
		if err = sqlxrepo.Setup(c.Context, db); err != nil {
			return err
		}
		channels = sqlxrepo.NewChannels(log, db)
		messages = sqlxrepo.NewMessages(log, db, channels)
	} else {
		mem := memory.NewChannels()
		channels = mem
		messages = memory.NewMessages(mem)
	}

	rtr := router.NewRouter(log, channels, messages)

	tg, err := telegram.NewTelegramBot(log, rtr, channels, messages, telegram.Options{
		Token:       c.String("telegram-bot-token"),
		WebhookURL:  c.String("telegram-webhook-endpoint"),
		SecretToken: c.String("telegram-webhook-secret"),
		WSApiURL:    c.String("ws-api-endpoint"),
	})
	if err != nil {
		return err
	}

	media := &webchat.LocalStore{
		Base: c.String("media-base-url"),
		Dir:  c.String("media-dir"),
	}
	ws := webchat.NewWebChatBot(log, rtr, channels, webchat.Options{
		ObjectStore: media,
	})

	mux := http.NewServeMux()
	mux.Handle("POST /tg/webhook", tg.WebHook())
	mux.Handle("GET /ws", ws)
	mux.Handle("/media/", http.StripPrefix("/media", media))

	server := &http.Server{
		Addr:              c.String("bind-address"),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe() }()

	if err = tg.Register(c.Context); err != nil {
		server.Close()
		return err
	}
	log.Info("kite started",
		slog.String("bind", server.Addr),
		slog.String("webhook", c.String("telegram-webhook-endpoint")),
	)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err = <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("kite shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = tg.Deregister(shutdownCtx); err != nil {
		log.Warn("webhook deregister",
			slog.String("error", err.Error()),
		)
	}
	return server.Shutdown(shutdownCtx)
}
