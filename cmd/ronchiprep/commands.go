package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/Noofbiz/aberration/datasets"
	"github.com/Noofbiz/aberration/precompute"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/sbinet/npyio"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

func newInfoCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "List the folders of a dataset and the feature shape",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := o.open()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			table := newTable(out, "FOLDER", "EXAMPLES", "SIDE")
			for _, f := range ds.Folders() {
				table.Append([]string{f.Name, humanize.Comma(int64(f.Examples)), strconv.Itoa(f.Side)})
			}
			table.Render()

			c, h, w := ds.DataShape()
			fmt.Fprintf(out, "\n%s examples, features [%d, %d, %d]\n", humanize.Comma(int64(ds.Len())), c, h, w)
			return nil
		},
	}
}

func newExportCmd(o *options) *cobra.Command {
	var (
		outPath  string
		half     bool
		limit    int
		progress time.Duration
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Precompute examples into a gob cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := o.open()
			if err != nil {
				return err
			}
			n := ds.Len()
			if limit > 0 && limit < n {
				n = limit
			}
			indices := make([]int, n)
			for i := range indices {
				indices[i] = i
			}

			start := time.Now()
			cache, err := precompute.Build(cmd.Context(), ds, indices, precompute.Options{
				Workers:  o.workers,
				Progress: progress,
				Half:     half,
				Key:      o.key(),
			})
			if err != nil {
				return err
			}
			size, err := cache.Save(outPath)
			if err != nil {
				return err
			}

			degenerate := 0
			for _, d := range cache.Degenerate {
				if d {
					degenerate++
				}
			}
			klog.Infof("precomputed %d examples in %s", n, time.Since(start).Round(time.Millisecond))
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s examples (%s, %d degenerate) to %s\n",
				humanize.Comma(int64(n)), humanize.Bytes(uint64(size)), degenerate, outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "output/cache.gob", "path of the gob cache")
	cmd.Flags().BoolVar(&half, "half", false, "store features as float16")
	cmd.Flags().IntVar(&limit, "limit", 0, "export only the first N examples (0 = all)")
	cmd.Flags().DurationVar(&progress, "progress", 10*time.Second, "progress logging interval (0 = off)")
	return cmd
}

func parseIndices(args []string, n int) ([]int, error) {
	if len(args) == 0 {
		indices := make([]int, n)
		for i := range indices {
			indices[i] = i
		}
		return indices, nil
	}
	indices := make([]int, len(args))
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid example index %q", a)
		}
		indices[i] = v
	}
	return indices, nil
}

func newPhaseCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "phase [index...]",
		Short: "Check that the phase of each example stays below 2π",
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := o.open()
			if err != nil {
				return err
			}
			indices, err := parseIndices(args, ds.Len())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			table := newTable(out, "EXAMPLE", "MAX PHASE", "STATUS")
			exceeded := 0
			for _, i := range indices {
				id, err := ds.ID(i)
				if err != nil {
					return err
				}
				report, err := ds.PhaseMap(i)
				if err != nil {
					return err
				}
				status := "ok"
				if report.Warning != nil {
					status = "exceeds 2π"
					exceeded++
				}
				table.Append([]string{id.String(), strconv.FormatFloat(report.Max, 'g', 4, 64), status})
			}
			table.Render()
			fmt.Fprintf(out, "\n%d of %d examples exceed 2π\n", exceeded, len(indices))
			return nil
		},
	}
}

func newEvalCmd(o *options) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "eval index",
		Short: "Tile a whole image into overlapping windows and extract their spectra",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds, err := o.open()
			if err != nil {
				return err
			}
			i, err := strconv.Atoi(args[0])
			if err != nil {
				return errors.Wrapf(err, "invalid example index %q", args[0])
			}
			whole, err := ds.WholeImage(i)
			if err != nil {
				return err
			}

			first := whole.Windows[0]
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %dx%d windows of [%d, %d, %d], degenerate=%t\n",
				whole.ID, whole.Rows, whole.Cols, first.Channels, first.Height, first.Width, whole.Degenerate)
			if outPath == "" {
				return nil
			}
			return writeWindows(outPath, whole)
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "write the windows as a (windows, channels*height*width) .npy array")
	return cmd
}

// writeWindows stores one row per window.
func writeWindows(path string, whole datasets.WholeImage) error {
	first := whole.Windows[0]
	cols := first.Channels * first.Height * first.Width
	m := mat.NewDense(len(whole.Windows), cols, nil)
	for r, w := range whole.Windows {
		for c, v := range w.Data {
			m.Set(r, c, float64(v))
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := npyio.Write(f, m); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", path)
	}
	return f.Close()
}
