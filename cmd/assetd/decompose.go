package main

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	assetaware "github.com/u9401066/asset-aware-mcp"
)

func decomposeCmd(g *globalFlags) *cobra.Command {
	var force bool
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "decompose <pdf>",
		Short: "Decompose a PDF and publish its assets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			engine, err := assetaware.New(cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			opts := []assetaware.Option{
				assetaware.WithProgress(func(p assetaware.Progress) {
					slog.Debug("page analyzed", "doc_id", p.DocID, "page", p.Page, "done", p.Done, "total", p.Total)
				}),
			}
			if force {
				opts = append(opts, assetaware.WithForceReparse())
			}

			m, err := engine.Ingest(cmd.Context(), args[0], opts...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				b, err := json.MarshalIndent(m, "", "  ")
				if err != nil {
					return fmt.Errorf("encoding manifest: %w", err)
				}
				_, err = fmt.Fprintln(out, string(b))
				return err
			}

			fmt.Fprintf(out, "%s  %s (%d pages)\n", m.Document.DocID, m.Document.Title, m.Document.PageCount)
			fmt.Fprintf(out, "sections: %d  tables: %d  figures: %d\n", len(m.Sections), len(m.Tables), len(m.Figures))
			for _, s := range m.Sections {
				fmt.Fprintf(out, "  %*s%s  [%s]\n", 2*(s.Level-1), "", s.Title, s.ID)
			}
			for _, t := range m.Tables {
				fmt.Fprintf(out, "  %s  page %d  %dx%d\n", t.ID, t.Page, t.RowCount, t.ColCount)
			}
			for _, f := range m.Figures {
				fmt.Fprintf(out, "  %s  page %d  %dx%d  %s\n", f.ID, f.Page, f.Width, f.Height, f.Tier)
			}
			for _, d := range m.Diagnostics {
				fmt.Fprintf(out, "  ! %s page %d: %s\n", d.Kind, d.Page, d.Message)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "decompose even if the document is unchanged")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full manifest as JSON")
	return cmd
}
