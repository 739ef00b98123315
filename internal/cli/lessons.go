package cli

import (
	"context"
	"fmt"

	"github.com/robertarktes/driving-school-scheduler/internal/domain"
	"github.com/spf13/cobra"
)

type LessonCatalog interface {
	ListLessonTypes(ctx context.Context) ([]domain.LessonType, error)
	UpsertLessonType(ctx context.Context, lt domain.LessonType) error
}

func newLessonsCmd(env Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lessons",
		Short: "Lesson type catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List lesson types",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, closeFn, err := env.OpenCatalog(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			types, err := catalog.ListLessonTypes(cmd.Context())
			if err != nil {
				return err
			}
			for _, lt := range types {
				state := "active"
				if !lt.Active {
					state = "inactive"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %-30s %4d min  %s\n", lt.Code, lt.Name, lt.DefaultDurationMinutes, state)
			}
			return nil
		},
	})
	cmd.AddCommand(newLessonsSetCmd(env))
	return cmd
}

func newLessonsSetCmd(env Env) *cobra.Command {
	var lt domain.LessonType
	var inactive bool
	c := &cobra.Command{
		Use:   "set <code>",
		Short: "Create or update a lesson type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lt.Code = args[0]
			lt.Active = !inactive
			if lt.Name == "" {
				lt.Name = lt.Code
			}
			catalog, closeFn, err := env.OpenCatalog(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			if err := catalog.UpsertLessonType(cmd.Context(), lt); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lesson type %s saved\n", lt.Code)
			return nil
		},
	}
	c.Flags().StringVar(&lt.Name, "name", "", "display name")
	c.Flags().IntVar(&lt.DefaultDurationMinutes, "duration", 60, "default duration in minutes")
	c.Flags().BoolVar(&inactive, "inactive", false, "hide the lesson type from booking")
	return c
}
