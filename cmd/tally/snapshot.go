package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the store as JSON",
	Long: `Write every row of every table, deleted rows and pending state included,
as one JSON document. Rows are streamed, so large stores export in constant
memory. Without -o the document goes to stdout.`,
	Example: `  tally export -o backup.json
  tally export --store acme > acme.json`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Merge a JSON export into the store",
	Long: `Merge the rows of a JSON export into the store. Each row is applied with
the same newer-wins rule as a pull, so importing an old export never
overwrites newer local changes.`,
	Example: `  tally import backup.json --dry-run
  tally import backup.json`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var backupCmd = &cobra.Command{
	Use:   "backup <dest>",
	Short: "Write a consistent copy of the database",
	Example: `  tally backup ~/backups/tally-$(date +%F).db`,
	Args:    cobra.ExactArgs(1),
	RunE:    runBackup,
}

var (
	exportOutputPath string
	importDryRun     bool
)

func init() {
	exportCmd.Flags().StringVarP(&exportOutputPath, "output", "o", "", "Output file path (default: stdout)")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Validate the file without writing")
}

// ExportOutput is the JSON summary of an export to a file.
type ExportOutput struct {
	Store    string `json:"store"`
	FilePath string `json:"file_path"`
	FileSize int64  `json:"file_size"`
	Duration string `json:"duration"`
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if exportOutputPath == "" {
		return a.store.ExportJSON(cmd.Context(), cmd.OutOrStdout())
	}

	start := time.Now()
	size, err := writeFile(exportOutputPath, func(w io.Writer) error {
		return a.store.ExportJSON(cmd.Context(), w)
	})
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	took := time.Since(start).Round(time.Millisecond)

	if outputJSON {
		return outputAsJSON(cmd, ExportOutput{Store: a.cfg.Store, FilePath: exportOutputPath, FileSize: size, Duration: took.String()})
	}
	out := cmd.OutOrStdout()
	summary := fmt.Sprintf("File size: %s\nDuration:  %s\nOutput:    %s", formatBytes(size), took, exportOutputPath)
	fmt.Fprintln(out, renderPanel("Export Summary", summary))
	printSuccess(out, "Export complete")
	return nil
}

// writeFile creates path, parents included, and fills it with write.
// It returns the size of the written file.
func writeFile(path string, write func(io.Writer) error) (int64, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return 0, fmt.Errorf("create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	if err := write(f); err != nil {
		f.Close()
		os.Remove(path)
		return 0, err
	}
	if err := f.Close(); err != nil {
		return 0, err
	}
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func runImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.store.ImportJSON(cmd.Context(), f, importDryRun)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	if outputJSON {
		return outputAsJSON(cmd, result)
	}
	out := cmd.OutOrStdout()
	if importDryRun {
		printInfo(out, "Dry run: no rows written")
	}
	summary := fmt.Sprintf("Rows:    %d\nWritten: %d\nSkipped: %d", result.Total, result.Written, result.Skipped)
	fmt.Fprintln(out, renderPanel("Import Summary", summary))
	for _, e := range result.Errors {
		printWarning(out, "%s", e)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("%d rows could not be imported", len(result.Errors))
	}
	printSuccess(out, "Import complete")
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	dest := args[0]
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.Backup(cmd.Context(), dest); err != nil {
		return err
	}
	fi, err := os.Stat(dest)
	if err != nil {
		return err
	}

	if outputJSON {
		return outputAsJSON(cmd, map[string]any{"store": a.cfg.Store, "file_path": dest, "file_size": fi.Size()})
	}
	printSuccess(cmd.OutOrStdout(), "Backed up %q to %s (%s)", a.cfg.Store, dest, formatBytes(fi.Size()))
	return nil
}
