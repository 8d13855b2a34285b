package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"portalchat/internal/config"
	"portalchat/internal/engine"
	"portalchat/internal/restapi"
	"portalchat/internal/roster"
	"portalchat/internal/transport"
)

func main() {
	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Debug)
	defer logger.Sync()
	log := logger.Sugar()

	ctx := context.Background()

	api := restapi.New(restapi.Config{
		BaseURL: cfg.ServerURL,
		Logger:  log,
	})
	session, err := api.Login(ctx, cfg.Email, cfg.Password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(1)
	}

	store := roster.NewStore()
	convs, err := api.Conversations(ctx, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load conversations: %v\n", err)
		os.Exit(1)
	}
	store.Replace(convs)

	notifier := &teaNotifier{}
	channel := transport.NewChannel(transport.Options{
		URL:                  cfg.ChannelURL,
		Token:                session.Token,
		Reconnect:            true,
		InitialReconnectWait: cfg.ReconnectInitial,
		MaxReconnectWait:     cfg.ReconnectMax,
		Logger:               log,
	})

	eng := engine.New(engine.Config{
		Self:    session.Self,
		Channel: channel,
		API:     api,
		Roster:  store,
		Notify:  notifier,
		Logger:  log,
	})

	m := newModel(eng, store, api, session.Self)
	program := tea.NewProgram(m, tea.WithAltScreen())
	notifier.program = program

	// The transport owns event ordering; the engine consumes events one at
	// a time and the reconnect hook replays the active subscription.
	channel.SetHandler(eng.HandleEvent)
	channel.SetOnConnect(eng.Resubscribe)

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err = channel.Connect(dialCtx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect channel: %v\n", err)
		os.Exit(1)
	}
	defer channel.Close()

	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "ui error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(debug bool) *zap.Logger {
	if !debug {
		return zap.NewNop()
	}
	f, err := os.OpenFile("portalchat.log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zap.NewNop()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{f.Name()}
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}
