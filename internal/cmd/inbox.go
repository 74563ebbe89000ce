package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forgeops/foreman/internal/inbox"
)

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "View and respond to queue items",
}

var inboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue items",
	RunE:  runInboxList,
}

var inboxShowCmd = &cobra.Command{
	Use:   "show <item-id>",
	Short: "Show a queue item in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runInboxShow,
}

var inboxRespondCmd = &cobra.Command{
	Use:   "respond <item-id>",
	Short: "Respond to a blocking queue item",
	Long: `Respond to a blocking queue item.

For question batches, supply one --answer per question:
  foreman inbox respond item-1a2b3c4d --answer q1="use cursor pagination" --answer q2="yes"

For plan reviews, supply an action (and feedback when revising):
  foreman inbox respond item-1a2b3c4d --action approve
  foreman inbox respond item-1a2b3c4d --action revise --feedback "split the migration into two steps"
  foreman inbox respond item-1a2b3c4d --action cancel`,
	Args: cobra.ExactArgs(1),
	RunE: runInboxRespond,
}

var inboxReadCmd = &cobra.Command{
	Use:   "read <item-id>",
	Short: "Mark a queue item as read",
	Args:  cobra.ExactArgs(1),
	RunE:  runInboxRead,
}

func init() {
	inboxListCmd.Flags().String("status", "", "filter by status: pending, responded, expired")
	inboxListCmd.Flags().String("task", "", "filter by task ID")

	inboxRespondCmd.Flags().StringArray("answer", nil, "answer as id=text (repeatable)")
	inboxRespondCmd.Flags().String("action", "", "plan review action: approve, revise, cancel")
	inboxRespondCmd.Flags().String("feedback", "", "revision feedback for --action revise")

	inboxCmd.AddCommand(inboxListCmd)
	inboxCmd.AddCommand(inboxShowCmd)
	inboxCmd.AddCommand(inboxRespondCmd)
	inboxCmd.AddCommand(inboxReadCmd)
	rootCmd.AddCommand(inboxCmd)
}

func runInboxList(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")
	taskID, _ := cmd.Flags().GetString("task")

	items, unread, err := newAPIClient().listInbox(status, taskID)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("Inbox is empty")
		return nil
	}

	for _, item := range items {
		marker := " "
		if item.Kind.Blocking() && item.Status == inbox.StatusPending {
			marker = "!"
		}
		fmt.Printf("%s %s  %-18s %-10s %s\n", marker, item.ID, item.Kind, item.Status, item.Title)
	}
	fmt.Printf("\n%d unread\n", unread)
	return nil
}

func runInboxShow(cmd *cobra.Command, args []string) error {
	// List without filters and find the item; the respond and read routes
	// are the only per-item endpoints the daemon exposes.
	items, _, err := newAPIClient().listInbox("", "")
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.ID != args[0] {
			continue
		}
		fmt.Printf("Item: %s\n", item.ID)
		fmt.Printf("Kind: %s\n", item.Kind)
		fmt.Printf("Status: %s\n", item.Status)
		if item.TaskID != "" {
			fmt.Printf("Task: %s\n", item.TaskID)
		}
		fmt.Printf("Title: %s\n", item.Title)
		fmt.Printf("\n%s\n", item.Content)
		if len(item.Options) > 0 {
			fmt.Printf("\nOptions: %s\n", strings.Join(item.Options, ", "))
		}
		return nil
	}
	return fmt.Errorf("item %s not found", args[0])
}

func runInboxRespond(cmd *cobra.Command, args []string) error {
	answers, _ := cmd.Flags().GetStringArray("answer")
	action, _ := cmd.Flags().GetString("action")
	feedback, _ := cmd.Flags().GetString("feedback")

	response := map[string]any{}
	switch {
	case len(answers) > 0:
		parsed := map[string]any{}
		for _, a := range answers {
			id, text, ok := strings.Cut(a, "=")
			if !ok || id == "" {
				return fmt.Errorf("invalid --answer %q, expected id=text", a)
			}
			parsed[id] = text
		}
		response["answers"] = parsed
	case action != "":
		response["action"] = action
		if feedback != "" {
			response["feedback"] = feedback
		}
	default:
		return fmt.Errorf("supply --answer pairs or an --action")
	}

	item, err := newAPIClient().respondItem(args[0], response)
	if err != nil {
		return err
	}
	fmt.Printf("Responded to %s (%s)\n", item.ID, item.Kind)
	return nil
}

func runInboxRead(cmd *cobra.Command, args []string) error {
	if err := newAPIClient().markRead(args[0]); err != nil {
		return err
	}
	fmt.Println("Marked as read")
	return nil
}
