package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/shomar-security/shomar-cli/internal/api"
	"github.com/shomar-security/shomar-cli/internal/state"
)

// platformCacheTTL is how long the cached platform list is shown without
// asking the backend again
const platformCacheTTL = 10 * time.Minute

const (
	// importPageSize is the discovery page size used to resolve repository ids
	importPageSize = 100
	// importMaxPages bounds the lookup when the backend ignores paging
	importMaxPages = 50
)

func newPlatformsCmd() *cobra.Command {
	var (
		refresh bool
		history bool
		output  string
	)

	cmd := &cobra.Command{
		Use:   "platforms",
		Short: "List connected platforms",
		Long: `List the platforms connected to your workspace.

The list is cached locally and refreshed from the backend when it is older
than ten minutes or when --refresh is given. --history shows the most
recent connection attempts made from this machine.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlatforms(cmd.Context(), cmd.OutOrStdout(), refresh, history, output)
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "ignore the local cache")
	cmd.Flags().BoolVar(&history, "history", false, "show recent connection attempts")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format (table, json, yaml)")

	return cmd
}

func newDiscoverCmd() *cobra.Command {
	var (
		page     int
		limit    int
		language string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "discover <platform-id>",
		Short: "List repositories on a connected platform",
		Long:  `List the repositories Shomar can reach through a connected platform.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := api.DiscoverParams{
				PlatformID: args[0],
				Page:       page,
				Limit:      limit,
				Language:   language,
			}
			return runDiscover(cmd.Context(), cmd.OutOrStdout(), params, output)
		},
	}

	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&limit, "limit", 20, "repositories per page")
	cmd.Flags().StringVar(&language, "language", "", "only show repositories in this language")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format (table, json, yaml)")

	return cmd
}

func newImportCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "import <platform-id> <repository-id>...",
		Short: "Import repositories for scanning",
		Long: `Import repositories from a connected platform into your workspace.

Repository ids are the ones shown by 'shomar discover'.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd.Context(), cmd.OutOrStdout(), args[0], args[1:], output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format (table, json, yaml)")

	return cmd
}

func runPlatforms(ctx context.Context, out io.Writer, refresh, history bool, output string) error {
	dw, err := NewDataWriter(out, output)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}

	if history {
		return writeHistory(dw, a.registry.History())
	}

	platforms := a.registry.All()
	if refresh || a.registry.Stale(time.Now(), platformCacheTTL) {
		o, err := a.orchestrator(orchestratorOptions{})
		if err != nil {
			return err
		}
		platforms, err = o.RefreshPlatforms(ctx)
		if err != nil {
			return explainAPIError(err, "failed to list platforms")
		}
	} else {
		Debug("Using platforms cached at %s", a.registry.SyncedAt().Format(time.RFC3339))
	}

	if dw.Format() != OutputFormatTable {
		return dw.WriteStruct(platforms)
	}
	if len(platforms) == 0 {
		Info("No platforms connected yet")
		fmt.Fprintln(out, "Run 'shomar connect' to connect one")
		return nil
	}
	return writePlatforms(dw, platforms)
}

func writePlatforms(dw *DataWriter, platforms []api.Platform) error {
	tb := NewTableBuilder("ID", "TYPE", "NAME", "STATUS", "CONNECTED")
	for _, p := range platforms {
		tb.AddRow(p.Key(), p.PlatformType, p.PlatformName, p.Status, p.ConnectedAt)
	}
	return tb.Write(dw)
}

func writeHistory(dw *DataWriter, records []state.ConnectionRecord) error {
	if dw.Format() != OutputFormatTable {
		return dw.WriteStruct(records)
	}
	if len(records) == 0 {
		Info("No connection attempts recorded")
		return nil
	}

	tb := NewTableBuilder("WHEN", "PROVIDER", "OUTCOME", "MESSAGE")
	for _, r := range records {
		tb.AddRow(r.At.Local().Format(time.DateTime), r.Provider, r.Outcome, r.Message)
	}
	return tb.Write(dw)
}

func runDiscover(ctx context.Context, out io.Writer, params api.DiscoverParams, output string) error {
	dw, err := NewDataWriter(out, output)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}

	result, err := a.client.DiscoverProjects(ctx, params)
	if err != nil {
		return explainAPIError(err, "failed to discover repositories")
	}

	if dw.Format() != OutputFormatTable {
		return dw.WriteStruct(result)
	}

	if len(result.Projects) == 0 {
		Info("No repositories found")
		return nil
	}

	tb := NewTableBuilder("ID", "NAME", "LANGUAGES", "BRANCH", "VISIBILITY")
	for _, p := range result.Projects {
		visibility := "public"
		if p.Private {
			visibility = "private"
		}
		name := p.FullName
		if name == "" {
			name = p.Name
		}
		tb.AddRow(p.RepositoryID, name, strings.Join(p.Languages, ","), p.DefaultBranch, visibility)
	}
	if err := tb.Write(dw); err != nil {
		return err
	}

	if result.TotalProjects > 0 {
		fmt.Fprintf(out, "Page %d: %d of %d repositories\n", max(params.Page, 1), len(result.Projects), result.TotalProjects)
	}
	return nil
}

func runImport(ctx context.Context, out io.Writer, platformID string, repoIDs []string, output string) error {
	dw, err := NewDataWriter(out, output)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}

	projects, missing, err := resolveProjects(ctx, a.client, platformID, repoIDs)
	if err != nil {
		return explainAPIError(err, "failed to look up repositories")
	}
	if len(missing) > 0 {
		return fmt.Errorf("repositories not found on platform %s: %s", platformID, strings.Join(missing, ", "))
	}

	result, err := a.client.ImportProjects(ctx, api.ImportRequest{
		PlatformID: platformID,
		Projects:   projects,
	})
	if err != nil {
		return explainAPIError(err, "failed to import repositories")
	}

	if err := a.registry.RecordImport(newImportRecord(a.registry, platformID, projects, result, time.Now())); err != nil {
		Warn("Could not remember this import for 'shomar scan': %v", err)
	}

	if dw.Format() != OutputFormatTable {
		return dw.WriteStruct(result)
	}

	if result.ProjectsFailed > 0 {
		Warn("Imported %d of %d repositories", result.ProjectsImported, result.ProjectsRequested)
	} else {
		Success("Imported %d repositories", result.ProjectsImported)
	}
	if result.Message != "" {
		fmt.Fprintln(out, result.Message)
	}
	if len(result.ImportedProjects) == 0 {
		return nil
	}

	tb := NewTableBuilder("PROJECT", "NAME", "STATUS")
	for _, p := range result.ImportedProjects {
		name := p.FullName
		if name == "" {
			name = p.Name
		}
		tb.AddRow(p.ProjectID, name, p.Status)
	}
	return tb.Write(dw)
}

// newImportRecord captures an import so a later scan can default to it
func newImportRecord(registry *state.PlatformRegistry, platformID string, projects []api.ImportProject, result *api.ImportResult, at time.Time) state.ImportRecord {
	rec := state.ImportRecord{
		PlatformID:       platformID,
		PlatformName:     result.PlatformName,
		At:               at.UTC(),
		Projects:         projects,
		ImportedProjects: result.ImportedProjects,
		Totals: state.ImportTotals{
			Requested: result.ProjectsRequested,
			Imported:  result.ProjectsImported,
			Failed:    result.ProjectsFailed,
		},
	}
	if result.PlatformID != "" {
		rec.PlatformID = result.PlatformID
	}
	if rec.PlatformName == "" {
		if p, ok := registry.Get(platformID); ok {
			rec.PlatformName = p.PlatformName
		}
	}
	if rec.PlatformName == "" {
		rec.PlatformName = platformID
	}
	return rec
}

// projectDiscoverer lists repositories page by page
type projectDiscoverer interface {
	DiscoverProjects(ctx context.Context, params api.DiscoverParams) (*api.DiscoverResult, error)
}

// resolveProjects pages through discovery until every requested repository
// is found, returning the ids that were not
func resolveProjects(ctx context.Context, d projectDiscoverer, platformID string, repoIDs []string) ([]api.ImportProject, []string, error) {
	wanted := make(map[string]bool, len(repoIDs))
	for _, id := range repoIDs {
		wanted[id] = true
	}

	found := make(map[string]api.ImportProject, len(repoIDs))
	for page := 1; page <= importMaxPages && len(found) < len(wanted); page++ {
		result, err := d.DiscoverProjects(ctx, api.DiscoverParams{
			PlatformID: platformID,
			Page:       page,
			Limit:      importPageSize,
		})
		if err != nil {
			return nil, nil, err
		}
		for _, p := range result.Projects {
			if wanted[p.RepositoryID] {
				found[p.RepositoryID] = importProject(p)
			}
		}
		if len(result.Projects) < importPageSize {
			break
		}
	}

	var projects []api.ImportProject
	var missing []string
	seen := make(map[string]bool, len(repoIDs))
	for _, id := range repoIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if p, ok := found[id]; ok {
			projects = append(projects, p)
		} else {
			missing = append(missing, id)
		}
	}
	return projects, missing, nil
}

func importProject(p api.DiscoveredProject) api.ImportProject {
	fullName := p.FullName
	if fullName == "" {
		fullName = p.Name
	}
	return api.ImportProject{
		RepositoryID:  p.RepositoryID,
		Name:          p.Name,
		FullName:      fullName,
		CloneURL:      p.CloneURL,
		DefaultBranch: p.DefaultBranch,
		Languages:     p.Languages,
		Private:       p.Private,
		Description:   p.Description,
	}
}
