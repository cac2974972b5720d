package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shomar-security/shomar-cli/internal/api"
	"github.com/shomar-security/shomar-cli/internal/state"
)

// defaultScanTarget is the checkout path the backend scans imported
// repositories under
const defaultScanTarget = "/srv/app"

// ScanOptions holds options for the scan command
type ScanOptions struct {
	Mode      string
	Target    string
	Languages []string
	Exclude   []string
	Output    string
}

func newScanCmd() *cobra.Command {
	opts := &ScanOptions{}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan the most recently imported repositories",
		Long: `Run a comprehensive security scan over the repositories imported last.

The AI engine is used by default; --mode standard runs the classic
analysis. Languages default to those of the imported repositories.`,
		Example: `  shomar scan
  shomar scan --mode standard --language Go --exclude vendor/
  shomar scan -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Mode, "mode", "m", string(api.ScanModeAI), "scan engine (ai, standard)")
	cmd.Flags().StringVar(&opts.Target, "target", defaultScanTarget, "path the backend scans")
	cmd.Flags().StringSliceVar(&opts.Languages, "language", nil, "only scan these languages")
	cmd.Flags().StringSliceVar(&opts.Exclude, "exclude", []string{"tests/"}, "paths to leave out")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "table", "output format (table, json, yaml)")

	return cmd
}

func runScan(ctx context.Context, out io.Writer, opts *ScanOptions) error {
	dw, err := NewDataWriter(out, opts.Output)
	if err != nil {
		return err
	}
	mode, ok := api.ParseScanMode(opts.Mode)
	if !ok {
		return fmt.Errorf("unknown scan mode %q (use ai or standard)", opts.Mode)
	}

	a, err := newApp()
	if err != nil {
		return err
	}

	last, ok := a.registry.LastImport()
	if !ok {
		return fmt.Errorf("import at least one repository before scanning (see 'shomar import')")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	req := newScanRequest(opts, last)
	Debug("Scanning %s for platform %s (%d repositories)", req.Target, last.PlatformID, len(last.Projects))

	reporter := newSpinnerReporter(out, false)
	reporter.Start(fmt.Sprintf("Scanning %s...", describeImport(last)))
	result, err := a.client.StartScan(ctx, mode, req)
	reporter.Stop()
	if err != nil {
		return explainAPIError(err, "failed to start scan")
	}

	if dw.Format() != OutputFormatTable {
		return dw.WriteStruct(result)
	}
	return writeScanResult(dw, result)
}

// newScanRequest builds the request from flags, falling back to the
// languages of the last import
func newScanRequest(opts *ScanOptions, last state.ImportRecord) api.ScanRequest {
	languages := opts.Languages
	if len(languages) == 0 {
		languages = last.Languages()
	}

	target := strings.TrimSpace(opts.Target)
	if target == "" {
		target = defaultScanTarget
	}

	return api.ScanRequest{
		Target: target,
		Options: &api.ScanOptions{
			IncludeLanguages: languages,
			ExcludePaths:     opts.Exclude,
		},
		EnableFrameworkDetection: true,
		EnableDependencyScan:     true,
		EnableRiskScoring:        true,
		IncludeComplianceMapping: true,
	}
}

// describeImport names the primary project of an import
func describeImport(rec state.ImportRecord) string {
	primary := rec.Projects[0]
	name := primary.FullName
	if name == "" {
		name = primary.Name
	}
	if more := len(rec.Projects) - 1; more > 0 {
		return fmt.Sprintf("%s and %d more", name, more)
	}
	return name
}

func writeScanResult(dw *DataWriter, result *api.ScanResult) error {
	kv := NewKeyValueBuilder("Scan").
		Add("ID", result.ScanID).
		Add("Status", result.Status).
		Add("Target", result.Target).
		Add("Findings", strconv.Itoa(result.TotalFindings()))
	kv.AddIf(result.AIEnhancedFindings() > 0, "AI-enhanced", strconv.Itoa(result.AIEnhancedFindings()))
	if m := result.Metadata; m != nil {
		kv.AddIf(m.ScannedFiles > 0, "Files", strconv.Itoa(m.ScannedFiles))
		kv.AddIf(m.ScanDuration > 0, "Duration", time.Duration(m.ScanDuration * float64(time.Second)).Round(time.Millisecond).String())
	}
	kv.Add("Message", result.Message)
	if err := kv.Write(dw); err != nil {
		return err
	}

	if len(result.Findings) == 0 {
		Success("No findings")
		return nil
	}

	tb := NewTableBuilder("SEVERITY", "TITLE", "LOCATION")
	for _, f := range result.Findings {
		tb.AddRow(strings.ToUpper(f.Severity), f.Title, f.Where())
	}
	return tb.Write(dw)
}
