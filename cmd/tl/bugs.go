package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"triageline/internal/app"
	"triageline/internal/domain"
	"triageline/internal/engine"
	"triageline/internal/policy"
)

func bugCmd() *cobra.Command {
	bug := &cobra.Command{
		Use:   "bug",
		Short: "Report, route and inspect bugs",
	}
	bug.AddCommand(bugAddCmd())
	bug.AddCommand(bugListCmd())
	bug.AddCommand(bugShowCmd())
	bug.AddCommand(bugAssignCmd())
	bug.AddCommand(bugTriageCmd())
	bug.AddCommand(bugDeleteCmd())
	return bug
}

func bugAddCmd() *cobra.Command {
	var in engine.BugInput
	var priority string
	var untriaged bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Report a bug and route it to a developer",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Priority = domain.Priority(priority)
			in.ActorID = viper.GetString("actor-id")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if untriaged {
					b, err := a.Engine.CreateUntriaged(ctx, in)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(b)
					}
					fmt.Printf("Bug %d created (open, not triaged)\n", b.ID)
					return nil
				}
				b, d, err := a.Engine.CreateBug(ctx, in)
				if err != nil {
					return err
				}
				return printDecision(b, d)
			})
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "bug title")
	cmd.Flags().StringVar(&in.Body, "body", "", "bug description")
	cmd.Flags().StringVar(&priority, "priority", "medium", "low, medium, high or critical")
	cmd.Flags().StringVar(&in.Source, "source", "", "origin of the report (default manual)")
	cmd.Flags().StringSliceVar(&in.Tags, "tag", nil, "label (repeatable; generated when omitted)")
	cmd.Flags().BoolVar(&untriaged, "untriaged", false, "store as open without calling the predictor")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("body")
	return cmd
}

func printDecision(b domain.Bug, d policy.Decision) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"bug": b, "decision": d})
	}
	outcome := "needs manual review"
	if d.AutoAssign {
		outcome = "auto-assigned to " + d.Top.Developer
	}
	fmt.Printf("Bug %d %s (top %.2f, threshold %.2f)\n", b.ID, outcome, d.Top.Confidence, d.Threshold)
	renderPredictions(d.Predictions)
	return nil
}

func renderPredictions(preds []domain.Prediction) {
	if len(preds) == 0 {
		return
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"#", "Developer", "Confidence"})
	for i, p := range preds {
		tw.AppendRow(table.Row{i + 1, p.Developer, fmt.Sprintf("%.2f", p.Confidence)})
	}
	tw.Render()
}

func bugListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bugs oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				bugs, err := a.Engine.List(ctx, engine.BugFilter{Status: domain.Status(status)})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(bugs)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Title", "Priority", "Status", "Assignee", "Tags"})
				for _, b := range bugs {
					assignee := ""
					if b.Assignment != nil {
						assignee = fmt.Sprintf("%s (%s)", b.Assignment.DeveloperName, b.Assignment.Type)
					}
					tw.AppendRow(table.Row{b.ID, b.Title, b.Priority, b.Status, assignee, strings.Join(b.Tags, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (open, assigned, manual-review, closed)")
	return cmd
}

func bugShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a bug with its predictions and assignment history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, err := a.Engine.Get(ctx, id)
				if err != nil {
					return err
				}
				history, err := a.Engine.Ledger().History(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"bug": b, "assignments": history})
				}
				fmt.Printf("#%d %s\n", b.ID, b.Title)
				fmt.Printf("status %s, priority %s, source %s, tags [%s]\n", b.Status, b.Priority, b.Source, strings.Join(b.Tags, ", "))
				if b.ExternalRef != nil {
					fmt.Printf("ref %s\n", *b.ExternalRef)
				}
				fmt.Printf("\n%s\n\n", b.Body)
				renderPredictions(b.Predictions)
				if len(history) > 0 {
					tw := newTable()
					tw.AppendHeader(table.Row{"When", "Developer", "Type"})
					for _, ev := range history {
						tw.AppendRow(table.Row{ev.CreatedAt, ev.DeveloperName, ev.Type})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
}

func bugAssignCmd() *cobra.Command {
	var name string
	var developerID int64
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign or reassign a bug to a developer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var devID *int64
			if cmd.Flags().Changed("developer-id") {
				devID = &developerID
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ev, err := a.Engine.Assign(ctx, id, devID, name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ev)
				}
				fmt.Printf("Bug %d assigned to %s\n", id, ev.DeveloperName)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "developer", "", "developer name")
	cmd.Flags().Int64Var(&developerID, "developer-id", 0, "directory id of the developer")
	_ = cmd.MarkFlagRequired("developer")
	return cmd
}

func bugTriageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "triage <id>",
		Short: "Run prediction for an open bug",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				b, d, err := a.Engine.Triage(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printDecision(b, d)
			})
		},
	}
}

func bugDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a bug and its assignment history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Delete(ctx, id, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("Bug %d deleted\n", id)
				return nil
			})
		},
	}
}
