package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/obot-platform/scriptsmith/server/internal/contentkey"
	"github.com/obot-platform/scriptsmith/server/internal/events"
)

var keyCmd = &cobra.Command{
	Use:   "key <topic>",
	Short: "Print the content key for a topic",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintln(cmd.OutOrStdout(), contentkey.Derive(strings.Join(args, " "), language))
		return nil
	},
}

var lookupCmd = &cobra.Command{
	Use:   "lookup <topic>",
	Short: "Show the cached script for a topic",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(serverURL, timeout)
		rec, err := c.lookup(cmd.Context(), strings.Join(args, " "), language)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "key:      %s\n", rec.Key)
		fmt.Fprintf(out, "location: %s\n", rec.ArtifactLocation)
		fmt.Fprintf(out, "attempts: %d\n", rec.Attempts)
		fmt.Fprintf(out, "created:  %s\n", rec.CreatedAt.Format("2006-01-02 15:04:05"))
		return nil
	},
}

var lessonsCmd = &cobra.Command{
	Use:   "lessons",
	Short: "Work with the lesson log",
}

var lessonsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List lessons in insertion order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c := newClient(serverURL, timeout)
		lessons, err := c.lessons(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(lessons) == 0 {
			fmt.Fprintln(out, "no lessons recorded")
			return nil
		}
		for _, l := range lessons {
			fmt.Fprintf(out, "%4d  %s\n", l.Seq, firstLine(l.LessonText))
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		c := newClient(serverURL, timeout)
		raw, err := c.status(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(raw)
	},
}

var generateCmd = &cobra.Command{
	Use:   "generate <topic>",
	Short: "Run an explanation episode and follow its progress",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient(serverURL, timeout)
		out := cmd.OutOrStdout()

		var url, lastErr string
		err := c.generate(cmd.Context(), strings.Join(args, " "), language, func(msg wsMessage) {
			switch msg.Event {
			case events.EventTypeProgress:
				var p events.ProgressData
				if json.Unmarshal(msg.Data, &p) == nil {
					fmt.Fprintf(out, "... %s\n", p.Info)
				}
			case events.EventTypeCode:
				fmt.Fprintln(out, "... received script")
			case events.EventTypeError:
				var e events.ErrorData
				if json.Unmarshal(msg.Data, &e) == nil {
					lastErr = e.Error
					fmt.Fprintf(out, "!!! %s\n", firstLine(e.Error))
				}
			case events.EventTypeResult:
				var r events.ResultData
				if json.Unmarshal(msg.Data, &r) == nil {
					url = r.URL
				}
			}
		})
		if err != nil {
			return err
		}
		if url == "" {
			return fmt.Errorf("episode failed: %s", lastErr)
		}
		fmt.Fprintln(out, url)
		return nil
	},
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
