package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/erpimport/internal/task"
)

func newSubmitCmd() *cobra.Command {
	var (
		importType string
		file       string
		options    string
		user       string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create an import task from a spreadsheet file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			up, err := readUpload(file)
			if err != nil {
				return err
			}
			var opts json.RawMessage
			if options != "" {
				if !json.Valid([]byte(options)) {
					return fmt.Errorf("invalid --options: not JSON")
				}
				opts = json.RawMessage(options)
			}

			e, err := loadEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			t, err := e.manager.CreateTask(cmd.Context(), task.CreateRequest{
				ImportType:  strings.TrimSpace(importType),
				FileName:    up.name,
				ContentType: up.contentType,
				Content:     up.content,
				CreatedBy:   actor(user),
				Options:     opts,
			})
			if err != nil {
				return err
			}
			return writeJSON(t)
		},
	}

	cmd.Flags().StringVar(&importType, "type", "", "Import type, e.g. material (required)")
	cmd.Flags().StringVar(&file, "file", "", "Path to a .xlsx or .csv file (required)")
	cmd.Flags().StringVar(&options, "options", "", `Handler options as JSON, e.g. {"dryRun":true}`)
	cmd.Flags().StringVar(&user, "user", "", "Submitting user (default $USER)")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRetryCmd() *cobra.Command {
	var (
		taskID   int64
		file     string
		failures []int64
		user     string
	)

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Resubmit a corrected file for an existing task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			up, err := readUpload(file)
			if err != nil {
				return err
			}

			e, err := loadEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			t, err := e.manager.RetryTask(cmd.Context(), task.RetryRequest{
				TaskID:      taskID,
				FileName:    up.name,
				ContentType: up.contentType,
				Content:     up.content,
				RequestedBy: actor(user),
				FailureIDs:  failures,
			})
			if err != nil {
				return err
			}
			return writeJSON(t)
		},
	}

	cmd.Flags().Int64Var(&taskID, "task", 0, "Task id (required)")
	cmd.Flags().StringVar(&file, "file", "", "Path to the corrected file (required)")
	cmd.Flags().Int64SliceVar(&failures, "failures", nil, "Failure ids to mark resubmitted")
	cmd.Flags().StringVar(&user, "user", "", "Requesting user (default $USER)")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		importType string
		status     string
		user       string
		page       int
		size       int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Search import tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := parseStatus(status)
			if err != nil {
				return err
			}

			e, err := loadEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.manager.SearchTasks(cmd.Context(), task.TaskFilter{
				ImportType:  importType,
				Status:      st,
				CreatedBy:   user,
				PageRequest: task.PageRequest{Page: page, Size: size},
			})
			if err != nil {
				return err
			}
			return writeJSON(res)
		},
	}

	cmd.Flags().StringVar(&importType, "type", "", "Filter by import type")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (WAITING, QUEUED, RUNNING, COMPLETED, FAILED, CANCELLED)")
	cmd.Flags().StringVar(&user, "user", "", "Filter by creator")
	cmd.Flags().IntVar(&page, "page", 0, "Zero-based page")
	cmd.Flags().IntVar(&size, "size", task.DefaultPageSize, "Page size")
	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its items and dependency links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}

			e, err := loadEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			d, err := e.manager.GetTask(cmd.Context(), id)
			if err != nil {
				return err
			}
			return writeJSON(d)
		},
	}
}

func newFailuresCmd() *cobra.Command {
	var (
		status string
		page   int
		size   int
	)

	cmd := &cobra.Command{
		Use:   "failures <task-id>",
		Short: "List the failure records of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}
			st, err := parseFailureStatus(status)
			if err != nil {
				return err
			}

			e, err := loadEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.manager.FindFailures(cmd.Context(), task.FailureFilter{
				TaskID:      id,
				Status:      st,
				PageRequest: task.PageRequest{Page: page, Size: size},
			})
			if err != nil {
				return err
			}
			return writeJSON(res)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, RESOLVED, RESUBMITTED)")
	cmd.Flags().IntVar(&page, "page", 0, "Zero-based page")
	cmd.Flags().IntVar(&size, "size", task.DefaultPageSize, "Page size")
	return cmd
}

func newCancelCmd() *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task that has not started",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseTaskID(args[0])
			if err != nil {
				return err
			}

			e, err := loadEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			t, err := e.manager.CancelTask(cmd.Context(), id, actor(user))
			if err != nil {
				return err
			}
			return writeJSON(t)
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Cancelling user (default $USER)")
	return cmd
}
