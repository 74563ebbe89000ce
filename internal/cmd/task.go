package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forgeops/foreman/internal/task"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add [description]",
	Short: "Submit a new task",
	Long: `Submit a new code-change task to the daemon. The task starts planning
immediately; check 'foreman inbox list' for questions or a plan to review.

Examples:
  foreman task add "add pagination to the widgets endpoint" --repo https://github.com/acme/widgets
  foreman task add "fix flaky auth test" --repo https://github.com/acme/widgets --type bug --max-fix-attempts 3`,
	Args: cobra.ExactArgs(1),
	RunE: runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task's full state",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var taskRetryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Retry a failed task from planning",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskRetry,
}

var taskImplementCmd = &cobra.Command{
	Use:   "implement <task-id>",
	Short: "Start implementing an approved plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskImplement,
}

var taskApproveCmd = &cobra.Command{
	Use:   "approve <task-id>",
	Short: "Approve a verified change-set and complete the task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskApprove,
}

var taskLogsCmd = &cobra.Command{
	Use:   "logs <task-id>",
	Short: "Show a task's sandbox logs",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskLogs,
}

func init() {
	taskAddCmd.Flags().String("repo", "", "repository URL (required)")
	taskAddCmd.Flags().String("type", "feature", "task type: feature, bug, refactor, chore")
	taskAddCmd.Flags().String("branch", "", "working branch name (default foreman/<task-id>)")
	taskAddCmd.Flags().String("base", "main", "base branch")
	taskAddCmd.Flags().String("model", "", "worker model override")
	taskAddCmd.Flags().Int("max-fix-attempts", 0, "verification fix attempt cap (default from config)")
	_ = taskAddCmd.MarkFlagRequired("repo")

	taskListCmd.Flags().String("status", "", "filter by status")
	taskLogsCmd.Flags().IntP("tail", "n", 50, "number of trailing log lines (0 = all)")

	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskRetryCmd)
	taskCmd.AddCommand(taskImplementCmd)
	taskCmd.AddCommand(taskApproveCmd)
	taskCmd.AddCommand(taskLogsCmd)
	rootCmd.AddCommand(taskCmd)
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	repo, _ := cmd.Flags().GetString("repo")
	taskType, _ := cmd.Flags().GetString("type")
	branch, _ := cmd.Flags().GetString("branch")
	base, _ := cmd.Flags().GetString("base")
	model, _ := cmd.Flags().GetString("model")
	maxFix, _ := cmd.Flags().GetInt("max-fix-attempts")

	body := map[string]any{
		"description": args[0],
		"repo_url":    repo,
		"task_type":   taskType,
	}
	if branch != "" {
		body["branch_name"] = branch
	}
	if base != "" {
		body["base_branch"] = base
	}
	if model != "" {
		body["model"] = model
	}
	if maxFix > 0 {
		body["max_fix_attempts"] = maxFix
	}

	t, err := newAPIClient().createTask(body)
	if err != nil {
		return err
	}

	fmt.Printf("Submitted task %s\n", t.ID)
	fmt.Printf("Type: %s\n", t.TaskType)
	fmt.Printf("Branch: %s (from %s)\n", t.BranchName, t.BaseBranch)
	fmt.Printf("Status: %s\n", t.Status)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	status, _ := cmd.Flags().GetString("status")

	tasks, err := newAPIClient().listTasks(status)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks")
		return nil
	}

	for _, t := range tasks {
		fmt.Printf("%s  %-20s %s\n", t.ID, t.Status, t.Description)
	}
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	t, err := newAPIClient().getTask(args[0])
	if err != nil {
		return err
	}
	printTask(t)
	return nil
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	t, err := newAPIClient().taskAction(args[0], "cancel", nil)
	if err != nil {
		return err
	}
	fmt.Printf("Cancelled task %s\n", t.ID)
	return nil
}

func runTaskRetry(cmd *cobra.Command, args []string) error {
	t, err := newAPIClient().taskAction(args[0], "retry", nil)
	if err != nil {
		return err
	}
	fmt.Printf("Retrying task %s (status: %s)\n", t.ID, t.Status)
	return nil
}

func runTaskImplement(cmd *cobra.Command, args []string) error {
	t, err := newAPIClient().taskAction(args[0], "implement", nil)
	if err != nil {
		return err
	}
	fmt.Printf("Task %s is %s\n", t.ID, t.Status)
	return nil
}

func runTaskApprove(cmd *cobra.Command, args []string) error {
	t, err := newAPIClient().taskAction(args[0], "approve", nil)
	if err != nil {
		return err
	}
	fmt.Printf("Task %s completed\n", t.ID)
	if t.PRURL != "" {
		fmt.Printf("PR: %s\n", t.PRURL)
	}
	return nil
}

func runTaskLogs(cmd *cobra.Command, args []string) error {
	tail, _ := cmd.Flags().GetInt("tail")

	logs, err := newAPIClient().taskLogs(args[0], tail)
	if err != nil {
		return err
	}
	if logs == "" {
		fmt.Println("No logs yet")
		return nil
	}
	fmt.Print(logs)
	if !strings.HasSuffix(logs, "\n") {
		fmt.Println()
	}
	return nil
}

func printTask(t *task.Task) {
	fmt.Printf("Task: %s\n", t.ID)
	fmt.Printf("Status: %s\n", t.Status)
	fmt.Printf("Type: %s\n", t.TaskType)
	fmt.Printf("Description: %s\n", t.Description)
	fmt.Printf("Repo: %s\n", t.RepoURL)
	fmt.Printf("Branch: %s (from %s)\n", t.BranchName, t.BaseBranch)
	if t.Plan != "" {
		fmt.Printf("\nPlan:\n%s\n", t.Plan)
	}
	if len(t.Questions) > 0 {
		fmt.Println("\nOpen questions:")
		for i, q := range t.Questions {
			fmt.Printf("  %d. [%s] %s\n", i+1, q.ID, q.Text)
			if len(q.Options) > 0 {
				fmt.Printf("     options: %s\n", strings.Join(q.Options, ", "))
			}
		}
	}
	if t.IssueURL != "" {
		fmt.Printf("Issue: %s\n", t.IssueURL)
	}
	if t.PRURL != "" {
		fmt.Printf("PR: %s\n", t.PRURL)
	}
	if t.CommitSHA != "" {
		fmt.Printf("Commit: %s\n", t.CommitSHA)
	}
	if t.FixAttempts > 0 || t.Status == task.StatusUnderReview {
		fmt.Printf("Fix attempts: %d/%d\n", t.FixAttempts, t.MaxFixAttempts)
	}
	if t.Error != "" {
		fmt.Printf("Error: %s\n", t.Error)
	}
	fmt.Printf("Created: %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if t.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", t.CompletedAt.Format("2006-01-02 15:04:05"))
	}
}
