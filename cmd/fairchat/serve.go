package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type serveFlags struct {
	RPCAddr  string
	RPCToken string
}

func (f *serveFlags) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&f.RPCAddr, "rpc-addr", "", "JSON-RPC listen address (default from config)")
	fs.StringVar(&f.RPCToken, "rpc-token", "", "Token required in X-FairChat-Token or Authorization")
}

func init() {
	f := &serveFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat session over local JSON-RPC with an event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt, err := global.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if f.RPCAddr != "" {
				rt.Config.RPC.Listen = f.RPCAddr
			}
			if f.RPCToken != "" {
				rt.Config.RPC.Token = f.RPCToken
			}

			// a failed first listing is logged; clients can retry over RPC
			if ids, err := rt.Engine.ListConversations(ctx); err != nil {
				rt.Logger.Warn("initial conversation listing failed", "error", err)
			} else if len(ids) > 0 {
				if err := rt.Engine.SelectConversation(ctx, ids[0]); err != nil && ctx.Err() == nil {
					rt.Logger.Warn("initial conversation load failed", "conversation_id", ids[0], "error", err)
				}
			}

			rt.Logger.Info("fairchat starting", "version", version, "commit", commit)
			if err := rt.Server().Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			rt.Logger.Info("fairchat stopped")
			return nil
		},
	}

	f.BindFlags(cmd.Flags())
	rootCmd.AddCommand(cmd)
}

