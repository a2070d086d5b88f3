package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type conversationsFlags struct {
	Create  bool
	Filter  string
	Timeout time.Duration
}

func (f *conversationsFlags) BindFlags(fs *pflag.FlagSet) {
	fs.BoolVar(&f.Create, "create", false, "start a new conversation before listing")
	fs.StringVar(&f.Filter, "filter", "", "only show ids containing this text")
	fs.DurationVar(&f.Timeout, "timeout", time.Minute, "give up after this long")
}

func init() {
	f := &conversationsFlags{}

	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List the conversations of the configured user and solution",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := global.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), f.Timeout)
			defer cancel()
			if f.Create {
				id, err := rt.Engine.CreateConversation(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created conversation %d\n", id)
			}
			if _, err := rt.Engine.ListConversations(ctx); err != nil {
				return err
			}
			for _, id := range rt.Engine.FilterConversations(f.Filter) {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	f.BindFlags(cmd.Flags())
	rootCmd.AddCommand(cmd)
}
