// Package coach is the terminal client of the coaching chat: it logs in and
// streams replies from the server's completions endpoint.
package coach

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const coachLongDesc string = `coach talks to the Growth Lab coaching assistant from a terminal.

  coach login --email you@firm.com     Print a token for COACH_TOKEN
  coach chat                           Start an interactive conversation
  coach chat --render markdown         Render replies as markdown

Ctrl-C stops the reply that is streaming; Ctrl-D or /exit quits.`

const coachShortDesc string = "Growth Lab coaching assistant client"

const defaultEndpoint = "http://localhost:8080"

func NewCoachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "coach",
		Short:         coachShortDesc,
		Long:          coachLongDesc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().String("endpoint", envOr("COACH_ENDPOINT", defaultEndpoint), "Growth Lab API base URL")
	cmd.PersistentFlags().String("token", os.Getenv("COACH_TOKEN"), "bearer token (see coach login)")
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")

	cmd.AddCommand(NewLoginCmd())
	cmd.AddCommand(NewChatCmd())
	return cmd
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func baseURL(cmd *cobra.Command) string {
	endpoint, _ := cmd.Flags().GetString("endpoint")
	return strings.TrimRight(endpoint, "/")
}
