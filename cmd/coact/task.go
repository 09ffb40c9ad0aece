package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fentz26/coact/internal/models"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a task for a device",
	Long: `Creates a task. Actions come from --shell (repeatable) or from a JSON
file holding an array of actions. Re-running with the same --key and body
returns the original task instead of creating a new one.`,
	RunE: runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskCancel,
}

var taskApproveCmd = &cobra.Command{
	Use:   "approve [task-id]",
	Short: "Approve a task awaiting confirmation",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDecision("approve"),
}

var taskRejectCmd = &cobra.Command{
	Use:   "reject [task-id]",
	Short: "Reject a task awaiting confirmation",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDecision("reject"),
}

var taskLogCmd = &cobra.Command{
	Use:   "log [task-id]",
	Short: "Show the task's action log",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskLog,
}

var (
	taskDevice      string
	taskTitle       string
	taskDesc        string
	taskShell       []string
	taskActionsFile string
	taskKey         string
	taskStatus      string
	taskLimit       int
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskCancelCmd, taskApproveCmd, taskRejectCmd, taskLogCmd)

	taskAddCmd.Flags().StringVar(&taskDevice, "device", "", "Target device ID (required)")
	taskAddCmd.Flags().StringVar(&taskTitle, "title", "", "Task title (required)")
	taskAddCmd.Flags().StringVar(&taskDesc, "desc", "", "Task description")
	taskAddCmd.Flags().StringArrayVar(&taskShell, "shell", nil, "Shell command action (repeatable)")
	taskAddCmd.Flags().StringVar(&taskActionsFile, "actions", "", "JSON file with an array of actions")
	taskAddCmd.Flags().StringVar(&taskKey, "key", "", "Idempotency key (generated when empty)")
	taskAddCmd.MarkFlagRequired("device")
	taskAddCmd.MarkFlagRequired("title")

	taskListCmd.Flags().StringVar(&taskDevice, "device", "", "Filter by device ID")
	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (queued, awaiting_confirmation, assigned, completed, failed, ...)")
	taskListCmd.Flags().IntVar(&taskLimit, "limit", 50, "Maximum tasks to list")
}

// buildActions collects actions from --actions and --shell.
func buildActions(file string, shell []string) ([]models.Action, error) {
	var actions []models.Action
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, &actions); err != nil {
			return nil, fmt.Errorf("invalid actions file: %w", err)
		}
	}
	for _, cmd := range shell {
		actions = append(actions, models.Action{
			"type":   "shell",
			"params": map[string]any{"command": cmd},
		})
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("at least one action is required (--shell or --actions)")
	}
	return actions, nil
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	actions, err := buildActions(taskActionsFile, taskShell)
	if err != nil {
		return err
	}

	key := taskKey
	if key == "" {
		key = uuid.NewString()
	}
	body := map[string]interface{}{
		"device_id":   taskDevice,
		"title":       taskTitle,
		"description": taskDesc,
		"actions":     actions,
	}

	resp, err := apiPost("/v1/tasks", body, map[string]string{"Idempotency-Key": key})
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}

	fmt.Printf("Task:    %s\n", task.ID)
	fmt.Printf("Status:  %s\n", task.Status)
	fmt.Printf("Risk:    %s\n", task.Payload.RiskAnalysis.RiskLevel)
	fmt.Printf("Key:     %s\n", key)
	if task.Status == models.TaskStatusAwaitingConfirmation {
		fmt.Printf("\nApproval required. Run: coact task approve %s\n", task.ID)
	}
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if taskDevice != "" {
		q.Set("device_id", taskDevice)
	}
	if taskStatus != "" {
		q.Set("status", taskStatus)
	}
	if taskLimit > 0 {
		q.Set("limit", fmt.Sprint(taskLimit))
	}
	path := "/v1/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var tasks []models.Task
	if err := json.Unmarshal(resp, &tasks); err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tDEVICE\tRISK")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", truncateID(t.ID), truncate(t.Title, 40), t.Status,
			truncateID(t.DeviceID), t.Payload.RiskAnalysis.RiskLevel)
	}
	w.Flush()
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/v1/tasks/" + url.PathEscape(args[0]))
	if err != nil {
		return err
	}

	var task models.Task
	if err := json.Unmarshal(resp, &task); err != nil {
		return err
	}
	printTask(&task)
	return nil
}

func printTask(task *models.Task) {
	fmt.Printf("ID:          %s\n", task.ID)
	fmt.Printf("Title:       %s\n", task.Title)
	if task.Description != "" {
		fmt.Printf("Description: %s\n", task.Description)
	}
	fmt.Printf("Device:      %s\n", task.DeviceID)
	fmt.Printf("Status:      %s\n", task.Status)
	fmt.Printf("Risk:        %s\n", task.Payload.RiskAnalysis.RiskLevel)
	for _, r := range task.Payload.RiskAnalysis.Reasons {
		fmt.Printf("  - %s\n", r)
	}
	fmt.Printf("Actions:     %d\n", len(task.Payload.Actions))
	for i, a := range task.Payload.Actions {
		fmt.Printf("  %d. %s\n", i+1, describeAction(a))
	}
	fmt.Printf("Created:     %s\n", task.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:     %s\n", task.UpdatedAt.Format("2006-01-02 15:04:05"))
}

func describeAction(a models.Action) string {
	for _, key := range []string{"command", "path", "url"} {
		if v := a.Param(key); v != "" {
			return fmt.Sprintf("%s %s", a.Type(), v)
		}
	}
	return a.Type()
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	resp, err := apiDelete("/v1/tasks/" + url.PathEscape(args[0]))
	if err != nil {
		return err
	}

	var result struct {
		Outcome string       `json:"outcome"`
		Task    *models.Task `json:"task"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}
	if result.Outcome == "noop" && result.Task != nil {
		fmt.Printf("Task %s already %s\n", args[0], result.Task.Status)
		return nil
	}
	fmt.Printf("Cancelled task %s\n", args[0])
	return nil
}

func runTaskDecision(verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		resp, err := apiPost("/v1/tasks/"+url.PathEscape(args[0])+"/"+verb, nil, nil)
		if err != nil {
			return err
		}
		var task models.Task
		if err := json.Unmarshal(resp, &task); err != nil {
			return err
		}
		fmt.Printf("Task %s is now %s\n", task.ID, task.Status)
		return nil
	}
}

func runTaskLog(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/v1/tasks/" + url.PathEscape(args[0]) + "/logs")
	if err != nil {
		return err
	}

	var logs []models.ActionLog
	if err := json.Unmarshal(resp, &logs); err != nil {
		return err
	}

	if len(logs) == 0 {
		fmt.Println("No action logs found")
		return nil
	}

	for i, l := range logs {
		fmt.Printf("=== Entry %d ===\n", i+1)
		fmt.Printf("Actor:   %s\n", l.Actor)
		fmt.Printf("At:      %s\n", l.CreatedAt.Format("2006-01-02 15:04:05"))
		if len(l.Action) > 0 {
			fmt.Println("Action: ", truncate(string(l.Action), 200))
		}
		if len(l.Result) > 0 {
			fmt.Println("Result: ", truncate(string(l.Result), 200))
		}
		fmt.Println()
	}
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
