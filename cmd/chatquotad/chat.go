package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ineyio/chatquota"
	"github.com/ineyio/chatquota/client"
	"github.com/ineyio/chatquota/source"
)

func newChatCmd() *cobra.Command {
	var (
		serverURL string
		sessionID string
		useWS     bool
	)

	cmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Send one message and stream the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := client.New(serverURL)
			req := chatquota.ChatRequest{SessionID: sessionID, Message: strings.Join(args, " ")}

			var (
				src *source.Events
				err error
			)
			if useWS {
				src, err = c.ChatWS(ctx, req)
			} else {
				src, err = c.Chat(ctx, req)
			}
			if err != nil {
				if denied, ok := client.IsDenied(err); ok {
					return fmt.Errorf("%s", denied.Denial.Message)
				}
				return err
			}

			asm := chatquota.NewAssembler()
			asm.AppendUser(req.Message)
			last := render(ctx, cmd.OutOrStdout(), asm, src)

			out := cmd.OutOrStdout()
			fmt.Fprintln(out)
			if sessionID == "" && src.SessionID() != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", src.SessionID())
			}
			if q, ok := src.Quota(); ok {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d messages / %d tokens remaining today\n", q.MessagesRemaining, q.TokensRemaining)
			}

			switch last.State {
			case chatquota.StateFailed:
				if denied, ok := client.IsDenied(last.Err); ok {
					return fmt.Errorf("%s", denied.Denial.Message)
				}
				return last.Err
			case chatquota.StateCancelled:
				return ctx.Err()
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "chatquota server URL")
	cmd.Flags().StringVar(&sessionID, "session", "", "session ID (a new one is provisioned when empty)")
	cmd.Flags().BoolVar(&useWS, "ws", false, "stream over WebSocket instead of server-sent events")
	return cmd
}

// render prints each snapshot's new text and returns the last snapshot.
func render(ctx context.Context, w io.Writer, asm *chatquota.Assembler, src chatquota.ChunkSource) chatquota.Snapshot {
	last := chatquota.Snapshot{State: chatquota.StateCancelled}
	printed := ""
	for snap := range asm.Consume(ctx, uuid.NewString(), src) {
		last = snap
		content := snap.Reply.Content
		if strings.HasPrefix(content, printed) {
			fmt.Fprint(w, content[len(printed):])
		} else {
			fmt.Fprint(w, "\n"+content)
		}
		printed = content
	}
	return last
}

func newUsageCmd() *cobra.Command {
	var (
		serverURL string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show the remaining daily quota of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := client.New(serverURL).Usage(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session:   %s\n", u.SessionID)
			fmt.Fprintf(out, "messages:  %d used, %d remaining\n", u.MessagesUsed, u.MessagesRemaining)
			fmt.Fprintf(out, "tokens:    %d used, %d remaining\n", u.TokensUsed, u.TokensRemaining)
			fmt.Fprintf(out, "resets at: %s\n", u.ResetTime.Local().Format("Jan 2 15:04 MST"))
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "chatquota server URL")
	cmd.Flags().StringVar(&sessionID, "session", "", "session ID")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
