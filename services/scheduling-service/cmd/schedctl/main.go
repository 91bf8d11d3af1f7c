// Command schedctl operates a scheduling-service deployment: schema migrations, provider
// schedules, slot listings and bookings over the HTTP API, and gRPC health checks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/alshifa-dental/scheduling/libs/config"
)

func newRootCmd() *cobra.Command {
	var baseURL string
	root := &cobra.Command{
		Use:           "schedctl",
		Short:         "Operate the dental scheduling service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&baseURL, "base-url", config.String("SCHEDULING_URL", "http://localhost:8090"), "scheduling-service base url")

	api := func() *apiClient { return newAPIClient(baseURL) }
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newScheduleCmd(api))
	root.AddCommand(newSlotsCmd(api))
	root.AddCommand(newBookCmd(api))
	root.AddCommand(newCancelCmd(api))
	root.AddCommand(newStatusCmd(api))
	root.AddCommand(newHealthCmd())
	return root
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
