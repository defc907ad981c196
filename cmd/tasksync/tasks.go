package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tasksync/internal/duedate"
	"tasksync/internal/models"
	"tasksync/internal/tasks"
)

var (
	addSection     string
	addDescription string
	addDue         string

	listSection string
	listDeleted bool

	editTitle       string
	editDescription string
	editDue         string
	editStatus      string
	editOrder       int
)

var addCmd = &cobra.Command{
	Use:     "add <title>",
	GroupID: "tasks",
	Short:   "Create a task at the end of a section",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			a.nudgeDaemon()
			section, err := models.ParseSection(addSection)
			if err != nil {
				return err
			}
			in := tasks.CreateInput{Title: strings.Join(args, " "), Section: section}
			if addDescription != "" {
				in.Description = models.Some(addDescription)
			}
			if addDue != "" {
				due, err := duedate.Parse(addDue, time.Now())
				if err != nil {
					return err
				}
				in.DueDate = models.Some(due)
			}
			t, err := a.tasks.Create(ctx, in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created #%d in %s: %s\n", t.LocalID, t.Section, t.Title)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "tasks",
	Short:   "List tasks by section",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			var (
				all []models.Task
				err error
			)
			if listSection != "" {
				section, perr := models.ParseSection(listSection)
				if perr != nil {
					return perr
				}
				all, err = a.tasks.ListSection(ctx, section)
			} else {
				all, err = a.tasks.ListAll(ctx, listDeleted)
			}
			if err != nil {
				return err
			}
			printTasks(cmd.OutOrStdout(), all)
			return nil
		})
	},
}

var editCmd = &cobra.Command{
	Use:     "edit <id>",
	GroupID: "tasks",
	Short:   "Change a task's fields",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			a.nudgeDaemon()
			var in tasks.UpdateInput
			flags := cmd.Flags()
			if flags.Changed("title") {
				in.Title = models.Some(editTitle)
			}
			if flags.Changed("description") {
				if editDescription == "" {
					in.ClearDescription = true
				} else {
					in.Description = models.Some(editDescription)
				}
			}
			if flags.Changed("due") {
				if editDue == "" {
					in.ClearDueDate = true
				} else {
					due, err := duedate.Parse(editDue, time.Now())
					if err != nil {
						return err
					}
					in.DueDate = models.Some(due)
				}
			}
			if flags.Changed("status") {
				in.Status = models.Some(models.Status(editStatus))
			}
			if flags.Changed("order") {
				in.Order = models.Some(editOrder)
			}
			t, err := a.tasks.Update(ctx, id, in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated #%d: %s\n", t.LocalID, t.Title)
			return nil
		})
	},
}

var moveCmd = &cobra.Command{
	Use:     "move <id> <section>",
	GroupID: "tasks",
	Short:   "Move a task to the end of another section",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		section, err := models.ParseSection(args[1])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			a.nudgeDaemon()
			t, err := a.tasks.Move(ctx, id, section)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Moved #%d to %s\n", t.LocalID, t.Section)
			return nil
		})
	},
}

var doneCmd = &cobra.Command{
	Use:     "done <id>",
	GroupID: "tasks",
	Short:   "Mark a task done",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutateByID(cmd, args[0], "Completed", func(ctx context.Context, a *app, id int64) (models.Task, error) {
			return a.tasks.Complete(ctx, id)
		})
	},
}

var reopenCmd = &cobra.Command{
	Use:     "reopen <id>",
	GroupID: "tasks",
	Short:   "Reopen a done task in the section it was completed from",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return mutateByID(cmd, args[0], "Reopened", func(ctx context.Context, a *app, id int64) (models.Task, error) {
			return a.tasks.Reopen(ctx, id)
		})
	},
}

var rmCmd = &cobra.Command{
	Use:     "rm <id>",
	GroupID: "tasks",
	Short:   "Delete a task",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, a *app) error {
			a.nudgeDaemon()
			if err := a.tasks.Delete(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted #%d\n", id)
			return nil
		})
	},
}

func init() {
	addCmd.Flags().StringVarP(&addSection, "section", "s", string(models.SectionToday), "today, this-week, soon or someday")
	addCmd.Flags().StringVarP(&addDescription, "description", "d", "", "task description")
	addCmd.Flags().StringVar(&addDue, "due", "", `due date, e.g. 2025-08-01 or "next friday"`)

	listCmd.Flags().StringVarP(&listSection, "section", "s", "", "only this section")
	listCmd.Flags().BoolVar(&listDeleted, "deleted", false, "include deleted tasks")

	editCmd.Flags().StringVar(&editTitle, "title", "", "new title")
	editCmd.Flags().StringVar(&editDescription, "description", "", "new description; empty clears it")
	editCmd.Flags().StringVar(&editDue, "due", "", "new due date; empty clears it")
	editCmd.Flags().StringVar(&editStatus, "status", "", "todo, in-progress or done")
	editCmd.Flags().IntVar(&editOrder, "order", 0, "position within the section")

	rootCmd.AddCommand(addCmd, listCmd, editCmd, moveCmd, doneCmd, reopenCmd, rmCmd)
}

func mutateByID(cmd *cobra.Command, arg, verb string, fn func(context.Context, *app, int64) (models.Task, error)) error {
	id, err := parseID(arg)
	if err != nil {
		return err
	}
	return withApp(cmd, func(ctx context.Context, a *app) error {
		a.nudgeDaemon()
		t, err := fn(ctx, a, id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s #%d: %s\n", verb, t.LocalID, t.Title)
		return nil
	})
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(s), "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", s)
	}
	return id, nil
}

func printTasks(out io.Writer, all []models.Task) {
	if len(all) == 0 {
		fmt.Fprintln(out, "No tasks.")
		return
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSECTION\tSTATUS\tDUE\tTITLE")
	for _, t := range all {
		due := "-"
		if d, ok := t.DueDate.Get(); ok {
			due = d.Local().Format("2006-01-02")
		}
		title := t.Title
		if t.Deleted() {
			title += " (deleted)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", t.LocalID, t.Section, t.Status, due, title)
	}
	_ = tw.Flush()
}
