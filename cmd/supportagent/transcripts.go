package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/koscakluka/ema-pipeline/core/conversations"
	"github.com/koscakluka/ema-pipeline/core/llms"
	"github.com/koscakluka/ema-pipeline/core/store"
	"github.com/spf13/cobra"
)

func newTranscriptsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcripts",
		Short: "Inspect the archived conversations",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List archived conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withArchive(func(archive *store.Store) error {
				transcripts, err := archive.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printTranscriptList(cmd.OutOrStdout(), transcripts)
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "number of conversations to list, 0 for all")

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print an archived conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withArchive(func(archive *store.Store) error {
				transcript, err := archive.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printTranscript(cmd.OutOrStdout(), transcript)
				return nil
			})
		},
	}

	remove := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete an archived conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withArchive(func(archive *store.Store) error {
				if _, err := archive.Get(cmd.Context(), args[0]); err != nil {
					return err
				}
				return archive.Delete(cmd.Context(), args[0])
			})
		},
	}

	cmd.AddCommand(list, show, remove)
	return cmd
}

func (a *app) withArchive(run func(*store.Store) error) error {
	if a.cfg.Store.Dir == "" {
		return fmt.Errorf("no transcript archive configured, set store.dir or SUPPORTAGENT_STORE_DIR")
	}
	archive, err := store.Open(a.cfg.Store.Dir)
	if err != nil {
		return err
	}
	defer archive.Close()
	return run(archive)
}

func printTranscriptList(w io.Writer, transcripts []conversations.Transcript) error {
	if len(transcripts) == 0 {
		_, err := fmt.Fprintln(w, "No conversations archived.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTARTED\tDURATION\tMESSAGES\tFIRST QUESTION")
	for _, transcript := range transcripts {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			transcript.SessionID,
			transcript.StartedAt.Local().Format(time.DateTime),
			transcript.EndedAt.Sub(transcript.StartedAt).Round(time.Second),
			len(transcript.Messages),
			firstQuestion(transcript.Messages),
		)
	}
	return tw.Flush()
}

func firstQuestion(messages []llms.Message) string {
	const maxLen = 48
	for _, message := range messages {
		if message.Role != llms.RoleUser {
			continue
		}
		if runes := []rune(message.Content); len(runes) > maxLen {
			return string(runes[:maxLen-3]) + "..."
		}
		return message.Content
	}
	return "-"
}

func printTranscript(w io.Writer, transcript conversations.Transcript) {
	fmt.Fprintf(w, "Session %s, %s\n\n", transcript.SessionID, transcript.StartedAt.Local().Format(time.DateTime))
	for _, message := range transcript.Messages {
		switch {
		case message.Role == llms.RoleSystem:
			continue
		case len(message.ToolCalls) > 0:
			for _, call := range message.ToolCalls {
				fmt.Fprintf(w, "%-10s %s %s\n", "tool call", call.Name, call.Arguments)
			}
		case message.Role == llms.RoleTool:
			fmt.Fprintf(w, "%-10s %s\n", "result", message.Content)
		default:
			fmt.Fprintf(w, "%-10s %s\n", string(message.Role), strings.TrimSpace(message.Content))
		}
	}
}
