package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatbridge/internal/binding"
	"github.com/nextlevelbuilder/chatbridge/internal/chats"
	"github.com/nextlevelbuilder/chatbridge/internal/filter"
)

func chatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chats [pattern]",
		Short: "List known remote chats, optionally filtered by a pattern",
		Long: "Lists the remote chats recorded in the chat directory. The pattern is a\n" +
			"case-insensitive regular expression matched against each chat's record, one\n" +
			"\"Field: value\" line per field, e.g. 'Mode: Linked' or '^Type: Group'.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := ""
			if len(args) == 1 {
				pattern = args[0]
			}
			p, err := filter.Compile(pattern)
			if err != nil {
				return err
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
			dir := chats.New(stores.Chats, nil)
			if err := dir.Load(ctx); err != nil {
				return fmt.Errorf("load chats: %w", err)
			}

			n := 0
			for c := range dir.Search(p, bindings.IsLinked) {
				fmt.Println(filter.Render(c, bindings.IsLinked(c.Key)))
				n++
			}
			if n == 0 {
				fmt.Println("No matching chats.")
			}
			return nil
		},
	}
}
