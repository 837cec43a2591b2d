// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianAgents/services/tasks/datatypes"
	"github.com/AleutianAI/AleutianAgents/services/tasks/store"
	kv "github.com/AleutianAI/AleutianAgents/services/tasks/storage/badger"
)

var (
	listStatus   string
	listCategory string
	listPage     int
	listPageSize int
	outputJSON   bool

	tasksCmd = &cobra.Command{
		Use:   "tasks",
		Short: "Inspect stored tasks",
		Long: `Reads the task store directly. Badger holds an exclusive lock on its
directory, so run these while the server is stopped.`,
	}

	tasksListCmd = &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE:  runTasksList,
	}

	tasksGetCmd = &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one task and its execution runs",
		Args:  cobra.ExactArgs(1),
		RunE:  runTasksGet,
	}
)

func init() {
	tasksCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print JSON instead of a table")
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksGetCmd)

	tasksListCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status")
	tasksListCmd.Flags().StringVar(&listCategory, "category", "", "Filter by handler category")
	tasksListCmd.Flags().IntVar(&listPage, "page", 1, "Page number")
	tasksListCmd.Flags().IntVar(&listPageSize, "page-size", datatypes.DefaultPageSize, "Tasks per page")
}

// openStore opens the configured store read-write; Badger has no shared
// read-only mode for an in-use directory.
func openStore() (*store.BadgerStore, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	storageCfg := cfg.Storage
	storageCfg.GCInterval = 0
	db, err := kv.Open(storageCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open task store (is the server running?): %w", err)
	}
	return store.NewBadgerStore(db), func() { _ = db.Close() }, nil
}

func runTasksList(cmd *cobra.Command, args []string) error {
	filter := datatypes.Filter{Category: listCategory, Page: listPage, PageSize: listPageSize}
	if listStatus != "" {
		s, err := datatypes.ParseStatus(listStatus)
		if err != nil {
			return err
		}
		filter.Status = s
	}

	st, closeFn, err := openStore()
	if err != nil {
		return err
	}
	defer closeFn()

	page, err := st.List(cmd.Context(), filter.Normalize())
	if err != nil {
		return err
	}
	if outputJSON {
		return writeJSON(cmd.OutOrStdout(), page)
	}
	return writeTaskTable(cmd.OutOrStdout(), page)
}

func runTasksGet(cmd *cobra.Command, args []string) error {
	st, closeFn, err := openStore()
	if err != nil {
		return err
	}
	defer closeFn()

	task, err := st.Get(cmd.Context(), args[0])
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("task %s not found", args[0])
	}
	if err != nil {
		return err
	}
	runs, err := st.ListRuns(cmd.Context(), task.ID)
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), struct {
		*datatypes.Task
		Runs []*datatypes.ExecutionRun `json:"execution_runs"`
	}{task, runs})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTaskTable(w io.Writer, page *datatypes.Page) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK ID\tSTATUS\tHANDLER\tCREATED\tINPUT")
	for _, t := range page.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, dash(t.SelectedHandler),
			t.CreatedAt.Local().Format(time.DateTime), truncate(t.InputText, 48))
	}
	fmt.Fprintf(tw, "\npage %d, %d of %d tasks\n", page.Page, len(page.Items), page.Total)
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
