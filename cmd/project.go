package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/schovi/shellcrew/internal/schedule"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects that scheduled messages belong to",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectAdd,
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	Args:  cobra.NoArgs,
	RunE:  runProjectList,
}

var projectRemoveCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Remove a project",
	Long: `Remove a project. Messages that belong to it stay in place until
'shellcrew schedule cleanup' deactivates them, or until they next fire.`,
	Args: cobra.ExactArgs(1),
	RunE: runProjectRemove,
}

var (
	projectIDFlag   string
	projectJsonFlag bool
)

func init() {
	projectAddCmd.Flags().StringVar(&projectIDFlag, "id", "", "Project id (default: generated)")
	projectAddCmd.Flags().BoolVar(&projectJsonFlag, "json", false, "Output as JSON")
	projectListCmd.Flags().BoolVar(&projectJsonFlag, "json", false, "Output as JSON")

	projectCmd.AddCommand(projectAddCmd, projectListCmd, projectRemoveCmd)
}

func runProjectAdd(cmd *cobra.Command, args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}
	p, err := client.ProjectAdd(schedule.Project{ID: projectIDFlag, Name: args[0]})
	if err != nil {
		return err
	}
	if projectJsonFlag {
		return printJSON(p)
	}
	fmt.Printf("Added project %q (%s)\n", p.Name, p.ID)
	return nil
}

func runProjectList(cmd *cobra.Command, args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}
	projects, err := client.ProjectList()
	if err != nil {
		return err
	}
	if projectJsonFlag {
		return printJSON(projects)
	}
	if len(projects) == 0 {
		fmt.Println("No projects")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME")
	for _, p := range projects {
		fmt.Fprintf(tw, "%s\t%s\n", p.ID, p.Name)
	}
	return tw.Flush()
}

func runProjectRemove(cmd *cobra.Command, args []string) error {
	client, err := connect()
	if err != nil {
		return err
	}
	if err := client.ProjectRemove(args[0]); err != nil {
		return err
	}
	fmt.Printf("Removed project %s\n", args[0])
	return nil
}
