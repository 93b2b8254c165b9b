package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dedupgw/dedupgw/internal/blob"
	"github.com/dedupgw/dedupgw/internal/config"
	"github.com/dedupgw/dedupgw/internal/meta"
	"github.com/dedupgw/dedupgw/internal/meta/sqlite"
)

var (
	statsJSON  bool
	statsAudit bool
)

type statsReport struct {
	meta.Stats
	SavedBytes    int64              `json:"saved_bytes"`
	Usage         *blob.Usage        `json:"backend_usage,omitempty"`
	Discrepancies []meta.Discrepancy `json:"discrepancies,omitempty"`
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show deduplication statistics from the metadata store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return err
			}
			setupLogging(cfg)

			ctx := cmd.Context()
			store, err := sqlite.Open(ctx, cfg.Metadata.DSN)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			st, err := store.Stats(ctx)
			if err != nil {
				return err
			}
			report := statsReport{Stats: st, SavedBytes: st.SavedBytes()}

			// Only local backends are measured; remote ones would need credentials
			// and a bucket walk.
			if cfg.Blob.Backend == config.BackendFS {
				backend, closer, err := openBackend(ctx, cfg)
				if err != nil {
					return err
				}
				defer func() { _ = closer.Close() }()
				if r, ok := backend.(blob.UsageReporter); ok {
					if u, err := r.Usage(ctx); err == nil {
						report.Usage = &u
					}
				}
			}

			if statsAudit {
				if report.Discrepancies, err = store.Audit(ctx); err != nil {
					return err
				}
			}

			if statsJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return printStats(cmd.OutOrStdout(), report, statsAudit)
		},
	}
	cmd.Flags().BoolVar(&statsJSON, "json", false, "Print JSON")
	cmd.Flags().BoolVar(&statsAudit, "audit", false, "Also check reference counts against key bindings")
	return cmd
}

func printStats(out io.Writer, r statsReport, audited bool) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Buckets:\t%d\n", r.Buckets)
	fmt.Fprintf(w, "Keys:\t%d\n", r.Entries)
	fmt.Fprintf(w, "Blobs:\t%d\n", r.Blobs)
	fmt.Fprintf(w, "References:\t%d\n", r.References)
	fmt.Fprintf(w, "Logical size:\t%s\n", config.FormatBytes(r.LogicalBytes))
	fmt.Fprintf(w, "Physical size:\t%s\n", config.FormatBytes(r.PhysicalBytes))
	saved := "0%"
	if r.LogicalBytes > 0 {
		saved = fmt.Sprintf("%.1f%%", 100*float64(r.SavedBytes)/float64(r.LogicalBytes))
	}
	fmt.Fprintf(w, "Saved:\t%s (%s)\n", config.FormatBytes(r.SavedBytes), saved)
	if r.Usage != nil {
		fmt.Fprintf(w, "On disk:\t%s\n", config.FormatBytes(r.Usage.StoredBytes))
		if r.Usage.VolumeTotalBytes > 0 {
			fmt.Fprintf(w, "Volume free:\t%s of %s\n",
				config.FormatBytes(r.Usage.VolumeAvailableBytes), config.FormatBytes(r.Usage.VolumeTotalBytes))
		}
	}
	if audited {
		if len(r.Discrepancies) == 0 {
			fmt.Fprintf(w, "Audit:\tok\n")
		} else {
			fmt.Fprintf(w, "Audit:\t%d blob(s) with wrong reference counts\n", len(r.Discrepancies))
			for _, d := range r.Discrepancies {
				fmt.Fprintf(w, "  %s\tref_count=%d bindings=%d\n", d.Hash, d.RefCount, d.Bindings)
			}
		}
	}
	return w.Flush()
}
