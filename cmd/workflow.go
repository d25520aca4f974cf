package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/overseer/internal/config"
	"github.com/zjrosen/overseer/internal/server"
)

var (
	workflowAddr     string
	createIssue      string
	createWorktree   string
	createType       string
	createProfile    string
	listStatusFilter string
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflows on a running daemon",
}

var workflowCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Start a workflow for an issue",
	Example: `  overseer workflow create --issue PROJ-42 --worktree ~/work/proj-42
  overseer workflow create --issue PROJ-42 --worktree . --type quick`,
	RunE: runWorkflowCreate,
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	RunE:  runWorkflowList,
}

func init() {
	rootCmd.AddCommand(workflowCmd)
	workflowCmd.AddCommand(workflowCreateCmd)
	workflowCmd.AddCommand(workflowListCmd)

	workflowCmd.PersistentFlags().StringVar(&workflowAddr, "addr", "",
		"daemon address (default: listen_addr from config)")

	workflowCreateCmd.Flags().StringVar(&createIssue, "issue", "", "issue id (required)")
	workflowCreateCmd.Flags().StringVar(&createWorktree, "worktree", "", "git worktree path (required)")
	workflowCreateCmd.Flags().StringVar(&createType, "type", "", "workflow type (full or quick)")
	workflowCreateCmd.Flags().StringVar(&createProfile, "profile", "", "agent profile id")
	_ = workflowCreateCmd.MarkFlagRequired("issue")
	_ = workflowCreateCmd.MarkFlagRequired("worktree")

	workflowListCmd.Flags().StringVar(&listStatusFilter, "status", "",
		"comma-separated status filter (pending,in_progress,blocked,completed,failed,cancelled)")
}

func daemonURL() (string, error) {
	if workflowAddr != "" {
		return "http://" + workflowAddr, nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return "", err
	}
	return "http://" + cfg.ListenAddr, nil
}

func apiDo(method, url string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr server.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runWorkflowCreate(_ *cobra.Command, _ []string) error {
	base, err := daemonURL()
	if err != nil {
		return err
	}
	worktree, err := filepath.Abs(createWorktree)
	if err != nil {
		return fmt.Errorf("invalid worktree path: %w", err)
	}

	var created server.WorkflowResponse
	err = apiDo(http.MethodPost, base+"/api/v1/workflows", server.CreateWorkflowRequest{
		IssueID:      createIssue,
		WorktreePath: worktree,
		Type:         createType,
		ProfileID:    createProfile,
	}, &created)
	if err != nil {
		return err
	}
	fmt.Printf("workflow %s started (%s, issue %s)\n", created.ID, created.Status, created.IssueID)
	return nil
}

func runWorkflowList(_ *cobra.Command, _ []string) error {
	base, err := daemonURL()
	if err != nil {
		return err
	}
	url := base + "/api/v1/workflows"
	if listStatusFilter != "" {
		url += "?status=" + listStatusFilter
	}

	var page server.ListWorkflowsResponse
	if err := apiDo(http.MethodGet, url, nil, &page); err != nil {
		return err
	}
	if len(page.Workflows) == 0 {
		fmt.Println("no workflows")
		return nil
	}
	for _, w := range page.Workflows {
		fmt.Printf("%s  %-12s %-10s %s\n", w.ID, w.Status, w.CurrentStage, w.IssueID)
	}
	return nil
}
