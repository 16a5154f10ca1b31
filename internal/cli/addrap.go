package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"
)

type addRapOptions struct {
	controller string
	token      string
	backend    string
	workspace  string
	repoURL    string
	branch     string
	commit     string
	actions    []string
	database   string
	forceDeps  bool
}

func newAddRapCmd() *cobra.Command {
	opts := &addRapOptions{}
	cmd := &cobra.Command{
		Use:   "add-rap",
		Short: "Submit a RAP request to a controller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAddRap(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.controller, "controller", "http://localhost:8000", "controller base URL")
	cmd.Flags().StringVar(&opts.token, "token", "", "client bearer token")
	cmd.Flags().StringVar(&opts.backend, "backend", "test", "backend to run on")
	cmd.Flags().StringVar(&opts.workspace, "workspace", "", "workspace name")
	cmd.Flags().StringVar(&opts.repoURL, "repo", "", "study repository URL")
	cmd.Flags().StringVar(&opts.branch, "branch", "", "branch the commit must be on")
	cmd.Flags().StringVar(&opts.commit, "commit", "", "full commit sha of the study code")
	cmd.Flags().StringSliceVar(&opts.actions, "actions", nil, "actions to run (or run_all)")
	cmd.Flags().StringVar(&opts.database, "database", "", "database name for database actions")
	cmd.Flags().BoolVar(&opts.forceDeps, "force-run-dependencies", false, "re-run succeeded dependencies")
	cmd.MarkFlagRequired("token")
	cmd.MarkFlagRequired("workspace")
	cmd.MarkFlagRequired("repo")
	cmd.MarkFlagRequired("commit")
	cmd.MarkFlagRequired("actions")
	return cmd
}

func runAddRap(cmd *cobra.Command, opts *addRapOptions) error {
	rapID := uuid.NewString()
	payload, err := json.Marshal(map[string]any{
		"id":                     rapID,
		"backend":                opts.backend,
		"workspace":              opts.workspace,
		"repo_url":               opts.repoURL,
		"branch":                 opts.branch,
		"commit":                 opts.commit,
		"database_name":          opts.database,
		"requested_actions":      opts.actions,
		"codelists_ok":           true,
		"force_run_dependencies": opts.forceDeps,
	})
	if err != nil {
		return err
	}

	client := retryablehttp.NewClient()
	client.Logger = nil
	req, err := retryablehttp.NewRequestWithContext(cmd.Context(), http.MethodPost,
		strings.TrimSuffix(opts.controller, "/")+"/rap/create/",
		bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+opts.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var body struct {
		Count int `json:"count"`
		Jobs  []struct {
			ID            string `json:"id"`
			Action        string `json:"action"`
			StatusMessage string `json:"status_message"`
		} `json:"jobs"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("controller returned %d with unreadable body", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("controller returned %d: %s", resp.StatusCode, body.Error)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "rap %s: %d job(s)\n", rapID, body.Count)
	for _, job := range body.Jobs {
		fmt.Fprintf(out, "  %s  %-20s %s\n", job.ID, job.Action, job.StatusMessage)
	}
	return nil
}
