package cli

import (
	"context"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/shomar-security/shomar-cli/internal/api"
)

func newProvidersCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List connectable platforms",
		Long:  `List the code-hosting platforms that can be connected, with their availability.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProviders(cmd.Context(), cmd.OutOrStdout(), output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format (table, json, yaml)")

	return cmd
}

func runProviders(ctx context.Context, out io.Writer, output string) error {
	dw, err := NewDataWriter(out, output)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}

	providers, err := a.client.ListProviders(ctx)
	if err != nil {
		return explainAPIError(err, "failed to list providers")
	}

	if dw.Format() != OutputFormatTable {
		return dw.WriteStruct(providers)
	}

	if len(providers) == 0 {
		Info("No providers available")
		return nil
	}

	tb := NewTableBuilder("ID", "NAME", "STATUS", "SCOPES")
	for _, p := range providers {
		tb.AddRow(p.ID, p.Label(), availabilityLabel(p.Availability), strings.Join(p.Scopes, ","))
	}
	return tb.Write(dw)
}

func availabilityLabel(a api.Availability) string {
	switch a {
	case api.AvailabilityComingSoon:
		return "coming soon"
	case api.AvailabilityConnected:
		return "connected"
	default:
		return "available"
	}
}
