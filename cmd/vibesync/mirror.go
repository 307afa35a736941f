package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vibeflow/vibesync/internal/config"
	"github.com/vibeflow/vibesync/internal/docshttp"
	"github.com/vibeflow/vibesync/internal/docsmirror"
	"github.com/vibeflow/vibesync/internal/store"
	"github.com/vibeflow/vibesync/internal/ui"
)

var mirrorRoot string

// mirror runs locally against the Docs API rather than through the control
// API: it reads and writes the operator's own working tree.
var mirrorCmd = &cobra.Command{
	Use:   "mirror <project>",
	Short: "Reconcile the local markdown tree with the project's Docs books",
	Long: `Runs one bidirectional pass per Docs book: exports remote edits into
the local folder, imports changed local files, and resolves collisions
Docs-wins. Page identity is content hash; recent exports are not re-imported.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		project := args[0]

		cfg, err := config.Load(projectsFileFlag)
		if err != nil {
			return err
		}
		if mirrorRoot != "" {
			cfg.MirrorRoot = mirrorRoot
		}
		if cfg.MirrorRoot == "" {
			return fmt.Errorf("no mirror root configured (set VIBESYNC_MIRROR_ROOT or --root)")
		}

		st, err := store.Open(ctx, cfg.DBPath)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		docs := docshttp.NewClient(cfg.DocsURL, cfg.DocsTokenID, cfg.DocsTokenSecret)
		m := docsmirror.New(docs, st, docsmirror.Config{
			RootDir:    cfg.MirrorRoot,
			DocsSubdir: "docs",
			EchoWindow: cfg.EchoWindow,
		})
		m.OnMessage = serveMessage
		m.OnWarning = serveWarning

		books, err := docs.ListBooks(ctx)
		if err != nil {
			return err
		}

		total := docsmirror.Stats{}
		for _, book := range books {
			stats, err := m.Reconcile(ctx, project, book)
			if err != nil {
				return fmt.Errorf("book %s: %w", book.Slug, err)
			}
			addStats(&total, stats)

			stats, err = m.ScanImport(ctx, project, book)
			if err != nil {
				return fmt.Errorf("book %s: %w", book.Slug, err)
			}
			addStats(&total, stats)
		}

		if jsonOutput {
			return printJSON(total)
		}
		fmt.Println(ui.RenderHeader("mirror pass"))
		fmt.Println(ui.RenderSeparator())
		fmt.Printf("imported   %d\n", total.Imported)
		fmt.Printf("exported   %d\n", total.Exported)
		fmt.Printf("created    %d\n", total.Created)
		fmt.Printf("deleted    %d\n", total.Deleted)
		fmt.Printf("conflicts  %d\n", total.Conflicts)
		fmt.Printf("skipped    %d\n", total.Skipped)
		for _, e := range total.Errors {
			fmt.Println(ui.RenderFail("  " + ui.IconFail + " " + e))
		}
		if len(total.Errors) > 0 {
			return fmt.Errorf("%d file(s) failed", len(total.Errors))
		}
		return nil
	},
}

func addStats(dst *docsmirror.Stats, src *docsmirror.Stats) {
	dst.Imported += src.Imported
	dst.Exported += src.Exported
	dst.Created += src.Created
	dst.Deleted += src.Deleted
	dst.Conflicts += src.Conflicts
	dst.Skipped += src.Skipped
	dst.Errors = append(dst.Errors, src.Errors...)
}

func init() {
	mirrorCmd.Flags().StringVar(&mirrorRoot, "root", "", "Local mirror root directory")
	rootCmd.AddCommand(mirrorCmd)
}
