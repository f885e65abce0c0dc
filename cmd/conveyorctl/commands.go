// Copyright (C) 2026 Conveyor Authors (dev@conveyor-ci.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/conveyor-ci/conveyor/services/cache"
	"github.com/conveyor-ci/conveyor/services/executor"
	"github.com/conveyor-ci/conveyor/services/pipeline"
)

var (
	rootCmd = &cobra.Command{
		Use:   "conveyorctl",
		Short: "A CLI to manage a Conveyor CI/CD server",
		Long: `conveyorctl talks to the Conveyor control API to create, trigger,
and inspect pipelines, manage the build cache, and handle secrets.`,
	}
	pipelineCmd = &cobra.Command{
		Use:   "pipeline",
		Short: "Manage pipelines",
	}
	pipelineListCmd = &cobra.Command{
		Use:   "list",
		Short: "List pipelines, optionally filtered by status or name",
		Run:   runPipelineList,
	}
	pipelineStatusCmd = &cobra.Command{
		Use:   "status [pipeline-id]",
		Short: "Show one pipeline's status, metrics, and stage results",
		Args:  cobra.ExactArgs(1),
		Run:   runPipelineStatus,
	}
	pipelineCreateCmd = &cobra.Command{
		Use:   "create [definition.yaml]",
		Short: "Create a pipeline from a YAML definition file",
		Args:  cobra.ExactArgs(1),
		Run:   runPipelineCreate,
	}
	pipelineTriggerCmd = &cobra.Command{
		Use:   "trigger [pipeline-id]",
		Short: "Queue a pipeline for execution",
		Args:  cobra.ExactArgs(1),
		Run:   runPipelineTrigger,
	}
	pipelineCancelCmd = &cobra.Command{
		Use:   "cancel [pipeline-id]",
		Short: "Cancel a pending or running pipeline",
		Args:  cobra.ExactArgs(1),
		Run:   runPipelineCancel,
	}
	pipelineLogsCmd = &cobra.Command{
		Use:   "logs [pipeline-id]",
		Short: "Show per-stage output for a pipeline run",
		Args:  cobra.ExactArgs(1),
		Run:   runPipelineLogs,
	}
	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Manage the build cache",
	}
	cacheStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show cache entry count, size, and hit rate",
		Run:   runCacheStats,
	}
	cacheInvalidateCmd = &cobra.Command{
		Use:   "invalidate",
		Short: "Invalidate cache entries by key, pipeline, or everything",
		Run:   runCacheInvalidate,
	}
	secretCmd = &cobra.Command{
		Use:   "secret",
		Short: "Manage secrets",
	}
	secretSetCmd = &cobra.Command{
		Use:   "set [name] [value]",
		Short: "Store a secret",
		Args:  cobra.ExactArgs(2),
		Run:   runSecretSet,
	}
	secretListCmd = &cobra.Command{
		Use:   "list",
		Short: "List secret metadata (never values)",
		Run:   runSecretList,
	}
	secretDeleteCmd = &cobra.Command{
		Use:   "delete [secret-id]",
		Short: "Delete a secret",
		Args:  cobra.ExactArgs(1),
		Run:   runSecretDelete,
	}
	workersCmd = &cobra.Command{
		Use:   "workers",
		Short: "List workers registered with the distributed executor",
		Run:   runWorkers,
	}

	serverURL    string
	apiKey       string
	statusFilter string
	nameFilter   string
	scopeFilter  string
	triggerWait  bool
	invKey       string
	invPipeline  string
	secretType   string
	secretScope  string
	secretPipeline  string
	secretTTL    time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server",
		envOr("CONVEYOR_SERVER", "http://localhost:8080"),
		"Base URL of the Conveyor control API")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key",
		os.Getenv("CONVEYOR_API_KEY"),
		"API key for the control API (falls back to CONVEYOR_API_KEY)")

	rootCmd.AddCommand(pipelineCmd)
	pipelineCmd.AddCommand(pipelineListCmd)
	pipelineListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (pending, running, success, failed, cancelled)")
	pipelineListCmd.Flags().StringVar(&nameFilter, "name", "", "Filter by pipeline name")
	pipelineCmd.AddCommand(pipelineStatusCmd)
	pipelineCmd.AddCommand(pipelineCreateCmd)
	pipelineCreateCmd.Flags().BoolVar(&triggerWait, "trigger", false, "Trigger the pipeline right after creating it")
	pipelineCmd.AddCommand(pipelineTriggerCmd)
	pipelineCmd.AddCommand(pipelineCancelCmd)
	pipelineCmd.AddCommand(pipelineLogsCmd)

	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
	cacheInvalidateCmd.Flags().StringVar(&invKey, "key", "", "Invalidate a single cache key")
	cacheInvalidateCmd.Flags().StringVar(&invPipeline, "pipeline", "", "Invalidate all entries for a pipeline")

	rootCmd.AddCommand(secretCmd)
	secretCmd.AddCommand(secretSetCmd)
	secretSetCmd.Flags().StringVar(&secretType, "type", "env_var", "Secret type (env_var, api_key, password, token, certificate)")
	secretSetCmd.Flags().StringVar(&secretScope, "scope", "global", "Secret scope (global or pipeline)")
	secretSetCmd.Flags().StringVar(&secretPipeline, "pipeline", "", "Pipeline ID for pipeline-scoped secrets")
	secretSetCmd.Flags().DurationVar(&secretTTL, "ttl", 0, "Time to live, e.g. 24h (0 uses the server default)")
	secretCmd.AddCommand(secretListCmd)
	secretListCmd.Flags().StringVar(&scopeFilter, "scope", "", "Filter by scope")
	secretCmd.AddCommand(secretDeleteCmd)

	rootCmd.AddCommand(workersCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func client() *apiClient {
	return newAPIClient(serverURL, apiKey)
}

func runPipelineList(cmd *cobra.Command, args []string) {
	path := "/v1/pipelines"
	sep := "?"
	if statusFilter != "" {
		path += sep + "status=" + statusFilter
		sep = "&"
	}
	if nameFilter != "" {
		path += sep + "name=" + nameFilter
	}

	var resp struct {
		Pipelines []pipeline.Pipeline `json:"pipelines"`
		Count     int                 `json:"count"`
	}
	if err := client().get(path, &resp); err != nil {
		log.Fatalf("Error listing pipelines: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tCREATED\tRETRIES")
	for _, p := range resp.Pipelines {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			p.ID, p.Name, p.Status, p.CreatedAt.Format(time.RFC3339), p.RetryCount)
	}
	w.Flush()
	fmt.Printf("\n%d pipeline(s)\n", resp.Count)
}

func runPipelineStatus(cmd *cobra.Command, args []string) {
	var p pipeline.Pipeline
	if err := client().get("/v1/pipelines/"+args[0], &p); err != nil {
		log.Fatalf("Error fetching pipeline: %v", err)
	}

	fmt.Printf("Pipeline: %s (%s)\n", p.Name, p.ID)
	fmt.Printf("Status:   %s\n", p.Status)
	fmt.Printf("Source:   %s", p.Source)
	if p.Branch != "" {
		fmt.Printf(" @ %s", p.Branch)
	}
	fmt.Println()
	if p.StartedAt != nil {
		fmt.Printf("Started:  %s\n", p.StartedAt.Format(time.RFC3339))
	}
	if p.CompletedAt != nil {
		fmt.Printf("Finished: %s\n", p.CompletedAt.Format(time.RFC3339))
	}
	if p.RetryCount > 0 {
		fmt.Printf("Retries:  %d\n", p.RetryCount)
	}
	if len(p.Metrics) > 0 {
		fmt.Println("\nMetrics:")
		for k, v := range p.Metrics {
			fmt.Printf("  %s: %v\n", k, v)
		}
	}
	if len(p.StageResults) > 0 {
		fmt.Println("\nStages:")
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "  NAME\tSTATUS\tDURATION\tCACHE")
		for _, sr := range p.StageResults {
			cacheMark := ""
			if sr.CacheHit {
				cacheMark = "hit"
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", sr.Name, sr.Status, sr.Duration, cacheMark)
		}
		w.Flush()
	}
	if len(p.Artifacts) > 0 {
		fmt.Println("\nArtifacts:")
		for _, a := range p.Artifacts {
			fmt.Printf("  %s\n", a)
		}
	}
}

func runPipelineCreate(cmd *cobra.Command, args []string) {
	def, err := pipeline.LoadDefinition(args[0])
	if err != nil {
		log.Fatalf("Error reading definition: %v", err)
	}

	var p pipeline.Pipeline
	if err := client().post("/v1/pipelines", def, &p); err != nil {
		log.Fatalf("Error creating pipeline: %v", err)
	}
	fmt.Printf("Created pipeline %s (%s)\n", p.Name, p.ID)

	if triggerWait {
		triggerPipeline(p.ID)
	}
}

func runPipelineTrigger(cmd *cobra.Command, args []string) {
	triggerPipeline(args[0])
}

func triggerPipeline(id string) {
	var resp struct {
		PipelineID string `json:"pipeline_id"`
		Status     string `json:"status"`
	}
	if err := client().post("/v1/pipelines/"+id+"/trigger", nil, &resp); err != nil {
		log.Fatalf("Error triggering pipeline: %v", err)
	}
	fmt.Printf("Pipeline %s %s\n", resp.PipelineID, resp.Status)
}

func runPipelineCancel(cmd *cobra.Command, args []string) {
	var resp struct {
		PipelineID string `json:"pipeline_id"`
		Status     string `json:"status"`
	}
	if err := client().post("/v1/pipelines/"+args[0]+"/cancel", nil, &resp); err != nil {
		log.Fatalf("Error cancelling pipeline: %v", err)
	}
	fmt.Printf("Pipeline %s: %s\n", resp.PipelineID, resp.Status)
}

func runPipelineLogs(cmd *cobra.Command, args []string) {
	var resp struct {
		PipelineID string                 `json:"pipeline_id"`
		Status     string                 `json:"status"`
		Stages     []pipeline.StageResult `json:"stages"`
	}
	if err := client().get("/v1/pipelines/"+args[0]+"/logs", &resp); err != nil {
		log.Fatalf("Error fetching logs: %v", err)
	}

	fmt.Printf("Pipeline %s (%s)\n", resp.PipelineID, resp.Status)
	for _, sr := range resp.Stages {
		fmt.Printf("\n=== %s [%s] %s ===\n", sr.Name, sr.Status, sr.Duration)
		if sr.Output != "" {
			fmt.Println(sr.Output)
		}
		if sr.Error != "" {
			fmt.Printf("error: %s\n", sr.Error)
		}
	}
}

func runCacheStats(cmd *cobra.Command, args []string) {
	var stats cache.Stats
	if err := client().get("/v1/cache/stats", &stats); err != nil {
		log.Fatalf("Error fetching cache stats: %v", err)
	}

	fmt.Println(stats.String())
	if len(stats.ByType) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "\nTYPE\tENTRIES\tBYTES")
		for typ, ts := range stats.ByType {
			fmt.Fprintf(w, "%s\t%d\t%d\n", typ, ts.Count, ts.TotalBytes)
		}
		w.Flush()
	}
}

func runCacheInvalidate(cmd *cobra.Command, args []string) {
	body := map[string]any{}
	if invKey != "" {
		body["key"] = invKey
	}
	if invPipeline != "" {
		body["pipeline_id"] = invPipeline
	}

	var resp struct {
		Invalidated int `json:"invalidated"`
	}
	if err := client().exchange(http.MethodDelete, "/v1/cache", body, &resp); err != nil {
		log.Fatalf("Error invalidating cache: %v", err)
	}
	fmt.Printf("Invalidated %d entries\n", resp.Invalidated)
}

func runSecretSet(cmd *cobra.Command, args []string) {
	body := map[string]any{
		"name":  args[0],
		"value": args[1],
		"type":  secretType,
		"scope": secretScope,
	}
	if secretPipeline != "" {
		body["pipeline_id"] = secretPipeline
	}
	if secretTTL > 0 {
		body["ttl_seconds"] = int64(secretTTL.Seconds())
	}

	var meta struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := client().post("/v1/secrets", body, &meta); err != nil {
		log.Fatalf("Error storing secret: %v", err)
	}
	fmt.Printf("Stored secret %s (%s)\n", meta.Name, meta.ID)
}

func runSecretList(cmd *cobra.Command, args []string) {
	path := "/v1/secrets"
	if scopeFilter != "" {
		path += "?scope=" + scopeFilter
	}

	var resp struct {
		Secrets []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			Type        string `json:"type"`
			Scope       string `json:"scope"`
			PipelineID  string `json:"pipeline_id,omitempty"`
			AccessCount int64  `json:"access_count"`
		} `json:"secrets"`
		Count int `json:"count"`
	}
	if err := client().get(path, &resp); err != nil {
		log.Fatalf("Error listing secrets: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSCOPE\tPIPELINE\tREADS")
	for _, s := range resp.Secrets {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
			s.ID, s.Name, s.Type, s.Scope, s.PipelineID, s.AccessCount)
	}
	w.Flush()
	fmt.Printf("\n%d secret(s)\n", resp.Count)
}

func runSecretDelete(cmd *cobra.Command, args []string) {
	if err := client().delete("/v1/secrets/"+args[0], nil); err != nil {
		log.Fatalf("Error deleting secret: %v", err)
	}
	fmt.Printf("Deleted secret %s\n", args[0])
}

func runWorkers(cmd *cobra.Command, args []string) {
	var resp struct {
		Workers []executor.Worker `json:"workers"`
		Count   int               `json:"count"`
	}
	if err := client().get("/v1/workers", &resp); err != nil {
		log.Fatalf("Error listing workers: %v", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tHOSTNAME\tACTIVE\tCAPACITY\tLAST SEEN")
	for _, wk := range resp.Workers {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			wk.ID, wk.Hostname, wk.ActiveTasks, wk.Capacity, wk.LastSeen.Format(time.RFC3339))
	}
	w.Flush()
	fmt.Printf("\n%d worker(s)\n", resp.Count)
}
