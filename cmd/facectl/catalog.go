package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/your-org/facerec/internal/models"
)

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show catalog statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			store, closeFn, err := openCatalog(cmd)
			if err != nil {
				return err
			}
			defer closeErr(&err, closeFn)

			st := store.Statistics()
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "identities:      %d\n", st.IdentityCount)
			_, _ = fmt.Fprintf(out, "samples:         %d\n", st.SampleCount)
			_, _ = fmt.Fprintf(out, "recognitions:    %d\n", st.TotalRecognitions)
			_, _ = fmt.Fprintf(out, "threshold:       %.3f\n", st.Threshold)
			_, _ = fmt.Fprintf(out, "dimensionality:  %d\n", st.Dimensionality)
			_, _ = fmt.Fprintf(out, "model:           %s\n", orDash(st.ModelID))
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List identities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			store, closeFn, err := openCatalog(cmd)
			if err != nil {
				return err
			}
			defer closeErr(&err, closeFn)

			idents := store.List()
			if name, _ := cmd.Flags().GetString("name"); name != "" {
				idents = store.FindByName(name)
			}
			return writeIdentityTable(cmd.OutOrStdout(), idents)
		},
	}

	cmd.Flags().String("name", "", "only identities with this name")

	return cmd
}

func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show one identity as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			store, closeFn, err := openCatalog(cmd)
			if err != nil {
				return err
			}
			defer closeErr(&err, closeFn)

			ident, err := store.Get(args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(ident)
		},
	}
}

func newMergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge [name]",
		Short: "Merge all identities sharing a name into the oldest one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			store, closeFn, err := openCatalog(cmd)
			if err != nil {
				return err
			}
			defer closeErr(&err, closeFn)

			out := cmd.OutOrStdout()
			res, err := store.MergeByName(cmd.Context(), args[0])
			if res == nil && err == nil {
				_, _ = fmt.Fprintf(out, "Nothing to merge for %q\n", args[0])
				return nil
			}
			if res != nil {
				_, _ = fmt.Fprintf(out, "Merged %d identities into %s (%d samples moved)\n",
					len(res.Absorbed), res.SurvivorID, res.SamplesMoved)
			}
			return err
		},
	}
}

func newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove [id]",
		Short: "Remove an identity and its samples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			store, closeFn, err := openCatalog(cmd)
			if err != nil {
				return err
			}
			defer closeErr(&err, closeFn)

			if err := store.Remove(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return err
		},
	}
}

func newSetMetaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-meta [id] [key=value]...",
		Short: "Merge metadata into an identity",
		Long:  "Values that parse as JSON are stored as such; anything else is stored as a string. Setting name renames the identity.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			patch, err := parseMetaArgs(args[1:])
			if err != nil {
				return err
			}

			store, closeFn, err := openCatalog(cmd)
			if err != nil {
				return err
			}
			defer closeErr(&err, closeFn)

			ident, err := store.UpdateMetadata(cmd.Context(), args[0], patch)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Updated %s (%s)\n", ident.ID, ident.Name)
			return err
		},
	}
}

func parseMetaArgs(args []string) (map[string]any, error) {
	patch := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("metadata %q: want key=value", arg)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		patch[key] = v
	}
	return patch, nil
}

func writeIdentityTable(w io.Writer, idents []models.Identity) error {
	sort.SliceStable(idents, func(i, j int) bool { return idents[i].Name < idents[j].Name })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tSAMPLES\tRECOGNITIONS\tLAST SEEN")
	for _, ident := range idents {
		lastSeen := "-"
		if ident.LastSeen != nil {
			lastSeen = ident.LastSeen.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			ident.ID, ident.Name, len(ident.Samples), ident.RecognitionCount, lastSeen)
	}
	return tw.Flush()
}

func closeErr(err *error, closeFn func() error) {
	if cerr := closeFn(); cerr != nil && *err == nil {
		*err = cerr
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
