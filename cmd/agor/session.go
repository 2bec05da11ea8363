package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a new session",
	RunE:  runSessionNew,
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE:  runSessionList,
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Show session details",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionShow,
}

var sessionTasksCmd = &cobra.Command{
	Use:   "tasks [session-id]",
	Short: "List a session's tasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionTasks,
}

var sessionLogCmd = &cobra.Command{
	Use:   "log [session-id]",
	Short: "Show a session's state transition history",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionLog,
}

var promptCmd = &cobra.Command{
	Use:   "prompt [session-id] [prompt text...]",
	Short: "Submit a prompt to a session",
	Long:  `Submits a prompt to a session. An idle session starts a task immediately; a busy one queues the prompt behind the active task.`,
	Args:  cobra.MinimumNArgs(2),
	RunE:  runPrompt,
}

var stopCmd = &cobra.Command{
	Use:   "stop [session-id]",
	Short: "Stop a session's active task",
	Long:  `Requests a graceful stop of the session's running task and waits for the executor to acknowledge and confirm.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage queued prompts",
}

var queueListCmd = &cobra.Command{
	Use:   "list [session-id]",
	Short: "List a session's queued prompts",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueList,
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel [message-id]",
	Short: "Cancel a queued prompt",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueCancel,
}

var (
	sessionTool     string
	sessionWorktree string
	sessionPermMode string
	sessionStatus   string
)

func init() {
	sessionCmd.AddCommand(sessionNewCmd, sessionListCmd, sessionShowCmd, sessionTasksCmd, sessionLogCmd)
	queueCmd.AddCommand(queueListCmd, queueCancelCmd)

	cwd, _ := os.Getwd()
	sessionNewCmd.Flags().StringVar(&sessionTool, "tool", "claude", "Agent tool (claude, codex, gemini, aider)")
	sessionNewCmd.Flags().StringVar(&sessionWorktree, "worktree", cwd, "Git worktree directory")
	sessionNewCmd.Flags().StringVar(&sessionPermMode, "permission-mode", "default", "Permission mode passed to the executor")

	sessionListCmd.Flags().StringVar(&sessionStatus, "status", "", "Filter by status (idle, running, stopping)")
}

func runSessionNew(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"agent_tool":      sessionTool,
		"worktree_path":   sessionWorktree,
		"permission_mode": sessionPermMode,
		"user":            asUser,
	}

	resp, err := apiPost("/sessions", body, DefaultClientTimeout)
	if err != nil {
		return err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}

	fmt.Printf("Created session: %s\n", result["id"])
	return nil
}

func runSessionList(cmd *cobra.Command, args []string) error {
	url := "/sessions"
	if sessionStatus != "" {
		url += "?status=" + sessionStatus
	}

	resp, err := apiGet(url)
	if err != nil {
		return err
	}

	var sessions []map[string]interface{}
	if err := json.Unmarshal(resp, &sessions); err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tREADY\tTOOL\tMSGS\tWORKTREE")
	for _, s := range sessions {
		id := truncateID(s["id"].(string))
		status := s["status"].(string)
		ready := fmt.Sprintf("%v", s["ready_for_prompt"])
		tool := s["agent_tool"].(string)
		msgs := fmt.Sprintf("%.0f", s["message_count"].(float64))
		worktree := s["worktree_path"].(string)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", id, status, ready, tool, msgs, worktree)
	}
	w.Flush()
	return nil
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/sessions/" + args[0])
	if err != nil {
		return err
	}

	var sess map[string]interface{}
	if err := json.Unmarshal(resp, &sess); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", sess["id"])
	fmt.Printf("Status:      %s\n", sess["status"])
	fmt.Printf("Ready:       %v\n", sess["ready_for_prompt"])
	fmt.Printf("Tool:        %s\n", sess["agent_tool"])
	fmt.Printf("Worktree:    %s\n", sess["worktree_path"])
	fmt.Printf("Messages:    %.0f\n", sess["message_count"].(float64))
	if sdk, ok := sess["sdk_session_id"].(string); ok && sdk != "" {
		fmt.Printf("SDK Session: %s\n", sdk)
	}
	fmt.Printf("Created By:  %s\n", sess["created_by"])
	fmt.Printf("Created:     %s\n", sess["created_at"])
	fmt.Printf("Updated:     %s\n", sess["updated_at"])

	return nil
}

func runSessionTasks(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/sessions/" + args[0] + "/tasks")
	if err != nil {
		return err
	}

	var tasks []map[string]interface{}
	if err := json.Unmarshal(resp, &tasks); err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tDESCRIPTION\tERROR")
	for _, t := range tasks {
		id := truncateID(t["id"].(string))
		status := t["status"].(string)
		desc := truncate(t["description"].(string), 40)
		errMsg := ""
		if e, ok := t["error_message"].(string); ok {
			errMsg = truncate(e, 40)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, status, desc, errMsg)
	}
	w.Flush()
	return nil
}

func runSessionLog(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/sessions/" + args[0] + "/transitions")
	if err != nil {
		return err
	}

	var records []map[string]interface{}
	if err := json.Unmarshal(resp, &records); err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No transitions found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tDETAIL")
	for _, rec := range records {
		details := ""
		if d, ok := rec["details"].(string); ok {
			details = truncate(d, 60)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec["timestamp"], rec["action"], rec["outcome"], details)
	}
	w.Flush()
	return nil
}

func runPrompt(cmd *cobra.Command, args []string) error {
	sessionID := args[0]
	prompt := strings.Join(args[1:], " ")

	body := map[string]string{
		"prompt": prompt,
		"user":   asUser,
	}

	resp, err := apiPost("/sessions/"+sessionID+"/prompts", body, DefaultClientTimeout)
	if err != nil {
		return err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}

	if task, ok := result["task"].(map[string]interface{}); ok {
		fmt.Printf("Started task %s (%s)\n", task["id"], task["status"])
		return nil
	}
	if queued, ok := result["queued"].(map[string]interface{}); ok {
		fmt.Printf("Session busy, queued at position %.0f (message %s)\n",
			queued["queue_position"].(float64), queued["id"])
		return nil
	}
	fmt.Println("Prompt accepted")
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	body := map[string]string{
		"user": asUser,
	}

	// The stop handshake waits on the executor, so this request gets a
	// longer timeout than the rest of the CLI.
	resp, err := apiPost("/sessions/"+args[0]+"/stop", body, StopClientTimeout)
	if err != nil {
		return err
	}

	var result map[string]interface{}
	if err := json.Unmarshal(resp, &result); err != nil {
		return err
	}

	if success, _ := result["success"].(bool); success {
		fmt.Println("Session stopped")
		return nil
	}
	reason := ""
	if r, ok := result["reason"].(string); ok {
		reason = r
	}
	fmt.Printf("Stop did not complete: %s\n", reason)
	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/sessions/" + args[0] + "/queue")
	if err != nil {
		return err
	}

	var msgs []map[string]interface{}
	if err := json.Unmarshal(resp, &msgs); err != nil {
		return err
	}

	if len(msgs) == 0 {
		fmt.Println("Queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POS\tID\tQUEUED BY\tPROMPT")
	for _, m := range msgs {
		pos := fmt.Sprintf("%.0f", m["queue_position"].(float64))
		id := truncateID(m["id"].(string))
		by := m["queued_by"].(string)
		prompt := truncate(m["prompt"].(string), 60)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", pos, id, by, prompt)
	}
	w.Flush()
	return nil
}

func runQueueCancel(cmd *cobra.Command, args []string) error {
	_, err := apiDelete("/queue/" + args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Cancelled queued message %s\n", args[0])
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
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
