package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/techagentng/expertchat/config"
	"github.com/techagentng/expertchat/db"
	"github.com/techagentng/expertchat/realtime"
	"github.com/techagentng/expertchat/server"
	"github.com/techagentng/expertchat/services"
	"github.com/urfave/cli/v2"
)

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "expertchat",
		Usage:   "Realtime conversations between clients and experts",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP and websocket server",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "Create or update the database schema",
				Action: migrate,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func setup() (*config.Config, *db.GormDB, error) {
	conf, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	setupLogger(conf)

	gormDB, err := db.GetDB(conf)
	if err != nil {
		return nil, nil, err
	}
	if err := gormDB.Migrate(); err != nil {
		_ = gormDB.Close()
		return nil, nil, err
	}
	return conf, gormDB, nil
}

func setupLogger(conf *config.Config) {
	level, err := zerolog.ParseLevel(conf.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if conf.Debug {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func migrate(_ *cli.Context) error {
	_, gormDB, err := setup()
	if err != nil {
		return err
	}
	defer gormDB.Close()
	log.Info().Msg("migrations applied")
	return nil
}

func serve(c *cli.Context) error {
	conf, gormDB, err := setup()
	if err != nil {
		return err
	}
	defer gormDB.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	notifier, err := services.NewNotifier(ctx, conf)
	if err != nil {
		return err
	}

	chatService := services.NewChatService(
		db.NewTransactor(gormDB, conf.PreviewLength),
		db.NewConversationRepo(gormDB, conf.PreviewLength),
		db.NewMessageRepo(gormDB),
		db.NewUserRepo(gormDB),
		conf,
	)
	dispatcher := realtime.NewDispatcher(
		chatService,
		realtime.NewRegistry(),
		realtime.NewTypingTracker(conf.TypingTTL, conf.TypingSweepInterval),
		notifier,
		conf,
	)

	s := server.NewServer(conf, gormDB, chatService, dispatcher)
	return s.Start(ctx)
}
