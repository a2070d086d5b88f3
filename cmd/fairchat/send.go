package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"fair-chat/go-client/internal/composition/client"
	"fair-chat/go-client/internal/session"
	"fair-chat/go-client/pkg/models"
)

type sendFlags struct {
	Conversation int
	File         string
	Wait         bool
	Timeout      time.Duration
}

func (f *sendFlags) BindFlags(fs *pflag.FlagSet) {
	fs.IntVar(&f.Conversation, "conversation", 0, "conversation id (default: newest)")
	fs.StringVar(&f.File, "file", "", "send this file instead of text")
	fs.BoolVar(&f.Wait, "wait", true, "wait for the operator's responses")
	fs.DurationVar(&f.Timeout, "timeout", 5*time.Minute, "give up waiting after this long")
}

func init() {
	f := &sendFlags{}

	cmd := &cobra.Command{
		Use:   "send [text...]",
		Short: "Submit a prompt and print the responses",
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := f.prompt(args)
			if err != nil {
				return err
			}
			rt, err := global.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), f.Timeout)
			defer cancel()
			return f.run(ctx, cmd.OutOrStdout(), rt, prompt)
		},
	}

	f.BindFlags(cmd.Flags())
	rootCmd.AddCommand(cmd)
}

func (f *sendFlags) prompt(args []string) (session.Prompt, error) {
	if f.File == "" {
		return session.Prompt{Text: strings.Join(args, " ")}, nil
	}
	data, err := os.ReadFile(f.File)
	if err != nil {
		return session.Prompt{}, err
	}
	return session.Prompt{
		Text:        strings.Join(args, " "),
		Data:        data,
		ContentType: mime.TypeByExtension(filepath.Ext(f.File)),
		FileName:    filepath.Base(f.File),
	}, nil
}

func (f *sendFlags) run(ctx context.Context, out io.Writer, rt *client.Runtime, prompt session.Prompt) error {
	engine := rt.Engine
	conversation := f.Conversation
	if conversation == 0 {
		ids, err := engine.ListConversations(ctx)
		if err != nil {
			return err
		}
		conversation = ids[0]
	}
	if err := engine.SelectConversation(ctx, conversation); err != nil {
		return err
	}
	txID, err := engine.Submit(ctx, prompt)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "request %s submitted to conversation %d\n", txID, conversation)
	if !f.Wait {
		return nil
	}

	_, ch, unsubscribe := rt.Hub.Subscribe(0)
	defer unsubscribe()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		snap := engine.Snapshot()
		if snap.Correlation.RequestID == txID {
			switch snap.State {
			case models.StateSatisfied:
				printResponses(out, snap.Messages, txID)
				return nil
			case models.StateTimedOut:
				printResponses(out, snap.Messages, txID)
				return errors.New("request timed out waiting for the operator")
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case _, ok := <-ch:
			if !ok {
				return errors.New("session closed")
			}
		}
	}
}

func printResponses(out io.Writer, messages []models.Message, requestID string) {
	for _, msg := range messages {
		if !msg.IsResponse() || msg.RequestID != requestID {
			continue
		}
		switch {
		case !msg.Body.OK():
			fmt.Fprintf(out, "[%s] body unavailable\n", msg.ID)
		case strings.HasPrefix(msg.ContentType, "text/") || msg.ContentType == "":
			fmt.Fprintln(out, string(msg.Body.Data))
		default:
			fmt.Fprintf(out, "[%s] %s, %d bytes\n", msg.ID, msg.ContentType, len(msg.Body.Data))
		}
	}
}
