package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/studytrack/internal/tracker"
	"github.com/Mschirtzinger/studytrack/internal/types"
	"github.com/Mschirtzinger/studytrack/internal/ui"
)

var sessionCmd = &cobra.Command{
	Use:     "session",
	GroupID: "study",
	Short:   "Log and review study sessions",
}

var sessionLogCmd = &cobra.Command{
	Use:   "log <topic-id> <duration>",
	Short: "Log a study session",
	Long: `Log a study session for a topic.

Examples:
  st session log 12 45m
  st session log 12 1h30m --note "cardiology cases" --started "yesterday 6pm"`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		note, _ := cmd.Flags().GetString("note")
		startedText, _ := cmd.Flags().GetString("started")

		d, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", args[1], err)
		}
		var started time.Time
		if startedText != "" {
			if started, err = parseWhen(startedText, time.Now()); err != nil {
				return err
			}
		}

		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		rec, err := a.svc.LogSession(cmd.Context(), tracker.Session{
			TopicID:   args[0],
			StartedAt: started,
			Duration:  d,
			Note:      note,
		})
		if err != nil {
			return err
		}
		fmt.Printf("%s Logged session %s\n", ui.RenderPass("✓"), rec.ID)
		return nil
	},
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Show study session history",
	Long: `Show logged study sessions, newest last.

With --follow, sessions logged on other devices are printed as they arrive
(when a cloud feed is available).

Examples:
  st session history
  st session history --since "last monday"
  st session history --since "2 weeks ago" --follow`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sinceText, _ := cmd.Flags().GetString("since")
		follow, _ := cmd.Flags().GetBool("follow")

		var since time.Time
		if sinceText != "" {
			var err error
			if since, err = parseWhen(sinceText, time.Now()); err != nil {
				return err
			}
		}

		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		h, err := a.svc.History(cmd.Context())
		if err != nil {
			return err
		}

		seen := make(map[string]bool)
		printSessions(h.Records(), since, seen)
		if !h.Live() {
			if follow {
				fmt.Println(ui.RenderMuted("no live feed; showing a one-time snapshot"))
			}
			return nil
		}
		if !follow {
			return nil
		}

		fmt.Println(ui.RenderMuted("following, Ctrl+C to stop"))
		for {
			select {
			case <-cmd.Context().Done():
				return nil
			case recs, ok := <-h.Updates():
				if !ok {
					fmt.Println(ui.RenderWarn("feed closed"))
					return nil
				}
				printSessions(recs, since, seen)
			}
		}
	},
}

// sessionView is the subset of a session record the history shows.
type sessionView struct {
	TopicID   string    `json:"topicId"`
	StartedAt time.Time `json:"startedAt"`
	Minutes   int       `json:"minutes"`
	Note      string    `json:"note"`
}

func printSessions(recs []types.Record, since time.Time, seen map[string]bool) {
	for _, rec := range recs {
		if seen[rec.ID] {
			continue
		}
		seen[rec.ID] = true

		var s sessionView
		if err := json.Unmarshal(rec.Data, &s); err != nil {
			continue
		}
		if !since.IsZero() && s.StartedAt.Before(since) {
			continue
		}
		line := fmt.Sprintf("%s  topic %-5s %4d min", s.StartedAt.Local().Format("2006-01-02 15:04"), s.TopicID, s.Minutes)
		if s.Note != "" {
			line += "  " + ui.RenderMuted(s.Note)
		}
		fmt.Println(line)
	}
}

// parseWhen parses natural-language times ("yesterday 6pm", "2 weeks ago")
// and RFC 3339 timestamps.
func parseWhen(text string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, text); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", text, now.Location()); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(strings.ToLower(text), now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", text, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", text)
	}
	return r.Time, nil
}

func init() {
	sessionLogCmd.Flags().String("note", "", "Session note")
	sessionLogCmd.Flags().String("started", "", "When the session started (default: now minus duration)")
	sessionHistoryCmd.Flags().String("since", "", "Only sessions started after this time")
	sessionHistoryCmd.Flags().Bool("follow", false, "Keep printing new sessions")

	sessionCmd.AddCommand(sessionLogCmd)
	sessionCmd.AddCommand(sessionHistoryCmd)
	rootCmd.AddCommand(sessionCmd)
}
