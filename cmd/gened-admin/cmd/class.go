package cmd

import (
	"fmt"
	"strconv"

	"github.com/lindseylubin/Gen-Ed/internal/authctx"
	"github.com/lindseylubin/Gen-Ed/internal/instructor"
	"github.com/lindseylubin/Gen-Ed/internal/store"
	"github.com/spf13/cobra"
)

func classCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "class",
		Short: "Manage classes",
	}

	var owner, openAIKey string
	create := &cobra.Command{
		Use:   "new <name>",
		Short: "Create a class owned by a user, who becomes its instructor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if owner == "" {
				return fmt.Errorf("--owner flag is required")
			}
			ctx := cmd.Context()
			u, err := a.lookupUser(ctx, owner)
			if err != nil {
				return err
			}
			auth, err := authctx.Load(ctx, a.db, u.ID, 0)
			if err != nil {
				return err
			}
			class, _, err := instructor.NewService(a.db).CreateClass(ctx, auth, args[0], openAIKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Class: %s (id %d)\n", class.Name, class.ID)
			fmt.Fprintf(a.out, "Registration link: %s (closed)\n", class.LinkIdent)
			return nil
		},
	}
	create.Flags().StringVar(&owner, "owner", "", "Owner user id or local username")
	create.Flags().StringVar(&openAIKey, "openai-key", "", "API key for the class")

	var asInstructor bool
	enroll := &cobra.Command{
		Use:   "enroll <user> <class-id>",
		Short: "Add a user to a class, as a student unless --instructor is set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			u, err := a.lookupUser(ctx, args[0])
			if err != nil {
				return err
			}
			classID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid class id %q", args[1])
			}
			class, err := a.db.GetClass(ctx, classID)
			if err != nil {
				return err
			}
			if class == nil {
				return fmt.Errorf("no class with id %d", classID)
			}

			kind := store.RoleStudent
			if asInstructor {
				kind = store.RoleInstructor
			}
			role, created, err := a.db.FindOrCreateRole(ctx, u.ID, class.ID, kind)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(a.out, "%s is already in %s as %s (role id %d)\n", u.DisplayName(), class.Name, role.Role, role.ID)
				return nil
			}
			fmt.Fprintf(a.out, "Enrolled %s in %s as %s (role id %d)\n", u.DisplayName(), class.Name, role.Role, role.ID)
			return nil
		},
	}
	enroll.Flags().BoolVar(&asInstructor, "instructor", false, "Enroll as an instructor")

	cmd.AddCommand(create, enroll)
	return cmd
}
