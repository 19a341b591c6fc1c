package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Mschirtzinger/studytrack/internal/reconcile"
	"github.com/Mschirtzinger/studytrack/internal/tracker"
	"github.com/Mschirtzinger/studytrack/internal/types"
	"github.com/Mschirtzinger/studytrack/internal/ui"
)

var topicCmd = &cobra.Command{
	Use:     "topic",
	GroupID: "study",
	Short:   "Show or change a single topic",
}

var topicShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a topic",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		view, err := a.svc.MergedTaxonomy(cmd.Context())
		if err != nil {
			return err
		}
		id, err := types.NormalizeID(args[0])
		if err != nil {
			return err
		}
		topic, ok := view.Topic(id)
		if !ok {
			return fmt.Errorf("%w: %s", tracker.ErrUnknownTopic, args[0])
		}
		ui.RenderTopic(os.Stdout, topic)
		return nil
	},
}

var topicStatusCmd = &cobra.Command{
	Use:   "status <id> <status>",
	Short: "Set a topic's status",
	Long: `Set a topic's status.

Statuses, in cycle order:
  not-started, studying, finished, review1, review2, questions`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := types.ParseStatus(args[1])
		if err != nil {
			return err
		}
		return updateTopic(cmd, func(a *app) (reconcile.MergedTopic, error) {
			return a.svc.UpdateTopicStatus(cmd.Context(), args[0], status)
		})
	},
}

var topicAdvanceCmd = &cobra.Command{
	Use:   "advance <id>",
	Short: "Move a topic to its next status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateTopic(cmd, func(a *app) (reconcile.MergedTopic, error) {
			return a.svc.AdvanceStatus(cmd.Context(), args[0])
		})
	},
}

var topicNoteCmd = &cobra.Command{
	Use:   "note <id> [text]",
	Short: "Set or clear a topic's note",
	Long:  `Set a topic's note. Without text the note is removed.`,
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		note := ""
		if len(args) == 2 {
			note = args[1]
		}
		return updateTopic(cmd, func(a *app) (reconcile.MergedTopic, error) {
			return a.svc.UpdateTopicNote(cmd.Context(), args[0], note)
		})
	},
}

var topicImageCmd = &cobra.Command{
	Use:   "image",
	Short: "Manage topic images",
}

var topicImageAddCmd = &cobra.Command{
	Use:   "add <id> <file>",
	Short: "Attach an image to a topic",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		caption, _ := cmd.Flags().GetString("caption")

		// #nosec G304 - controlled path from CLI
		f, err := os.Open(args[1])
		if err != nil {
			return fmt.Errorf("failed to open image: %w", err)
		}
		defer f.Close()

		a, err := openApp(cmd.Context(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		img, err := a.svc.AddImage(cmd.Context(), args[0], f, caption)
		if err != nil {
			return err
		}
		fmt.Printf("%s Attached %s (%s) to topic %s\n", ui.RenderPass("✓"), img.ID, img.ContentType, args[0])
		return nil
	},
}

var topicImageRmCmd = &cobra.Command{
	Use:   "rm <id> <image-id>",
	Short: "Remove an image from a topic",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return updateTopic(cmd, func(a *app) (reconcile.MergedTopic, error) {
			return a.svc.RemoveImage(cmd.Context(), args[0], args[1])
		})
	},
}

// updateTopic opens the app, applies fn, and prints the resulting topic.
func updateTopic(cmd *cobra.Command, fn func(a *app) (reconcile.MergedTopic, error)) error {
	a, err := openApp(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	topic, err := fn(a)
	if err != nil {
		return err
	}
	fmt.Printf("%s Updated\n", ui.RenderPass("✓"))
	ui.RenderTopic(os.Stdout, topic)
	return nil
}

func init() {
	topicImageAddCmd.Flags().String("caption", "", "Image caption")

	topicImageCmd.AddCommand(topicImageAddCmd)
	topicImageCmd.AddCommand(topicImageRmCmd)

	topicCmd.AddCommand(topicShowCmd)
	topicCmd.AddCommand(topicStatusCmd)
	topicCmd.AddCommand(topicAdvanceCmd)
	topicCmd.AddCommand(topicNoteCmd)
	topicCmd.AddCommand(topicImageCmd)
	rootCmd.AddCommand(topicCmd)
}
