package cmd

import (
	"fmt"
	"strconv"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatbridge/internal/binding"
	"github.com/nextlevelbuilder/chatbridge/internal/chat"
	"github.com/nextlevelbuilder/chatbridge/internal/chats"
)

func linksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "links",
		Short: "Inspect and edit persisted chat links",
	}
	cmd.AddCommand(linksListCmd())
	cmd.AddCommand(linksUnlinkAllCmd())
	cmd.AddCommand(linksWhichCmd())
	return cmd
}

func linksListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every front-end context and the remote chats linked to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			stores, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer stores.Close()

			bindings := binding.New(stores.Links, true)
			if err := bindings.Load(ctx); err != nil {
				return fmt.Errorf("load links: %w", err)
			}
			dir := chats.New(stores.Chats, nil)
			if err := dir.Load(ctx); err != nil {
				return fmt.Errorf("load chats: %w", err)
			}

			links := bindings.Links()
			if len(links) == 0 {
				fmt.Println("No links.")
				return nil
			}
			for _, l := range links {
				mode := "single"
				if l.Multi {
					mode = "multi"
				}
				fmt.Printf("%d (%s, %s)\n", l.Context.ID, l.Context.Kind, mode)
				for _, k := range l.Chats {
					fmt.Printf("  %s  %s\n", runewidth.FillRight(k.String(), 32), chatLabel(dir, k))
				}
			}
			return nil
		},
	}
}

func linksUnlinkAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unlink-all <context-id>",
		Short: "Remove every link of a front-end context (stop the bridge first)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid context id: %w", err)
			}
			ctx := cmd.Context()
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			stores, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer stores.Close()

			bindings := binding.New(stores.Links, true)
			if err := bindings.Load(ctx); err != nil {
				return fmt.Errorf("load links: %w", err)
			}
			n, err := bindings.UnlinkAll(ctx, chat.FrontendContext{ID: id})
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d link(s) from context %d.\n", n, id)
			return nil
		},
	}
}

func linksWhichCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "which <channel> <chat>",
		Short: "Show the front-end context a remote chat is linked to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := chat.Key{ChannelID: args[0], ChatID: args[1]}
			ctx := cmd.Context()
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			stores, err := openStores(ctx, cfg)
			if err != nil {
				return err
			}
			defer stores.Close()

			id, ok, err := stores.Links.LookupContext(ctx, key.String())
			if err != nil {
				return fmt.Errorf("lookup %s: %w", key, err)
			}
			if !ok {
				fmt.Printf("%s is not linked.\n", key)
				return nil
			}
			fmt.Printf("%s -> %d\n", key, id)
			return nil
		},
	}
}

func chatLabel(dir *chats.Directory, k chat.Key) string {
	if c, ok := dir.Lookup(k); ok {
		return c.DisplayName()
	}
	return "(unknown chat)"
}
