package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatbridge/internal/binding"
	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/channels/discord"
	"github.com/nextlevelbuilder/chatbridge/internal/channels/telegram"
	"github.com/nextlevelbuilder/chatbridge/internal/channels/whatsapp"
	"github.com/nextlevelbuilder/chatbridge/internal/chats"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/ledger"
	"github.com/nextlevelbuilder/chatbridge/internal/linking"
	"github.com/nextlevelbuilder/chatbridge/internal/router"
	"github.com/nextlevelbuilder/chatbridge/internal/store"
	"github.com/nextlevelbuilder/chatbridge/internal/tracing"
	"github.com/nextlevelbuilder/chatbridge/internal/tracker"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bridge (default command)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(cmd.Context())
		},
	}
}

func runBridge(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Telegram.Token == "" {
		return errors.New("telegram token is not set (CHATBRIDGE_TELEGRAM_TOKEN)")
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := tracing.Setup(ctx, cfg.Telemetry, Version)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}
	defer tel.Shutdown(context.Background())

	stores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer stores.Close()

	bridgeCfg := cfg.BridgeSnapshot()
	policy, err := tracker.ParsePolicy(bridgeCfg.ImplicitAddressing)
	if err != nil {
		return err
	}

	bindings := binding.New(stores.Links, bridgeCfg.MultiBinding)
	if err := bindings.Load(ctx); err != nil {
		return fmt.Errorf("load links: %w", err)
	}
	led := ledger.New(stores.Messages, bridgeCfg.LedgerMax())
	trk := tracker.New(policy)

	channelMgr := channels.NewManager()
	dir := chats.New(stores.Chats, channelMgr)
	if err := dir.Load(ctx); err != nil {
		return fmt.Errorf("load chats: %w", err)
	}

	rt := router.New(router.Config{
		Bindings:       bindings,
		Ledger:         led,
		Tracker:        trk,
		Remotes:        channelMgr,
		Directory:      dir,
		PreventRemoval: bridgeCfg.PreventRemoval(),
	})

	var tg *telegram.Channel
	dispatcher := bus.NewDispatcher(rt, bridgeCfg.Workers, bridgeCfg.QueueSize, func(ev any, err error) bool {
		if store.IsFatal(err) {
			slog.Error("fatal store error, stopping", "error", err)
			return true
		}
		switch e := ev.(type) {
		case bus.FrontendEvent:
			slog.Warn("front-end event failed", "context_id", e.ContextID, "kind", e.Kind, "error", err)
			tg.ReportError(ctx, e, err)
		case bus.RemoteEvent:
			if errors.Is(err, router.ErrUnrouted) {
				slog.Debug("remote event unrouted", "chat", e.Chat.String())
				return false
			}
			slog.Warn("remote event failed", "chat", e.Chat.String(), "kind", e.Kind, "error", err)
		}
		return false
	})

	tg, err = telegram.New(cfg.Telegram, telegram.Deps{
		Publisher: dispatcher,
		Bindings:  bindings,
		Directory: dir,
		Ledger:    led,
	})
	if err != nil {
		return err
	}

	var codes linking.CodeStore
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		codes = linking.NewRedisCodeStore(rdb, cfg.Redis.Prefix)
	}
	tg.SetLinking(linking.New(linking.Config{
		Bindings: bindings,
		Codes:    codes,
		Admins:   tg,
		Ledger:   led,
		Tracker:  trk,
		CodeTTL:  bridgeCfg.BindCodeTTL(),
	}))
	rt.SetFrontend(tg.Client())

	if cfg.Discord.Enabled {
		dc, err := discord.New(cfg.Discord, dispatcher, dir)
		if err != nil {
			return err
		}
		channelMgr.Register(dc)
	}
	if cfg.WhatsApp.Enabled {
		wa, err := whatsapp.New(cfg.WhatsApp, dispatcher, dir)
		if err != nil {
			return err
		}
		channelMgr.Register(wa)
	}

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}
	defer channelMgr.StopAll(context.Background())

	if err := tg.Start(ctx); err != nil {
		return err
	}
	defer tg.Stop(context.Background())

	go dir.RefreshAll(ctx)

	go func() {
		err := config.Watch(ctx, cfgPath, cfg, func(c *config.Config) {
			b := c.BridgeSnapshot()
			bindings.SetMultiAllowed(b.MultiBinding)
			rt.SetPreventRemoval(b.PreventRemoval())
			if p, err := tracker.ParsePolicy(b.ImplicitAddressing); err == nil {
				trk.SetPolicy(p)
			}
			slog.Info("config reloaded", "multi_binding", b.MultiBinding, "implicit_addressing", b.ImplicitAddressing)
		})
		if err != nil {
			slog.Warn("config watcher unavailable", "error", err)
		}
	}()

	slog.Info("chatbridge starting",
		"version", Version,
		"mode", cfg.Database.Mode,
		"links", len(bindings.Links()),
		"chats", dir.Len(),
		"channels", channelMgr.GetStatus(),
	)

	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("graceful shutdown complete")
	return nil
}
