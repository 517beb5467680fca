package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/linewatch/linewatch/internal/lifecycle"
	"github.com/linewatch/linewatch/internal/line"
	"github.com/linewatch/linewatch/internal/prediction"
	"github.com/linewatch/linewatch/internal/scorer"
	"github.com/spf13/cobra"
)

// timeNow is swapped in tests.
var timeNow = time.Now

func newPredictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Prediction batch commands",
	}

	cmd.AddCommand(newPredictSubmitCmd())
	cmd.AddCommand(newPredictShowCmd())
	return cmd
}

func newPredictSubmitCmd() *cobra.Command {
	var (
		configPath string
		lineID     uint
	)

	cmd := &cobra.Command{
		Use:   "submit <image-or-dir>...",
		Short: "Copy images into a new batch and queue its prediction",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			l, err := line.Get(gormDB, lineID)
			if err != nil {
				return err
			}

			images, err := collectImages(args)
			if err != nil {
				return err
			}
			if len(images) == 0 {
				return fmt.Errorf("no images found in %v", args)
			}

			if err := prediction.CheckImageNames(images); err != nil {
				return err
			}

			now := timeNow()
			dir, err := prediction.NewBatchDir(l.DataPath, now)
			if err != nil {
				return err
			}
			for _, src := range images {
				if err := copyFile(src, filepath.Join(dir, filepath.Base(src))); err != nil {
					os.RemoveAll(dir)
					return err
				}
			}

			p, err := prediction.Create(gormDB, prediction.CreateOpts{
				LineID:     l.ID,
				Name:       prediction.BatchName(now),
				DataPath:   dir,
				TotalCount: len(images),
				Now:        now,
			})
			if err != nil {
				os.RemoveAll(dir)
				return err
			}
			engine := &lifecycle.Engine{DB: gormDB}
			j, err := engine.EnqueuePredictionBatch(cmd.Context(), l.ID, p.ID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Submitted prediction %d (%s) with %d images, job %d\n", p.ID, p.Name, len(images), j.ID)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().UintVarP(&lineID, "line", "l", 0, "line ID (required)")
	cmd.MarkFlagRequired("line")
	return cmd
}

func newPredictShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a prediction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			p, err := prediction.Get(gormDB, id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Prediction %d: %s\n", p.ID, p.Name)
			fmt.Fprintf(out, "  Line:    %d\n", p.LineID)
			fmt.Fprintf(out, "  Status:  %s\n", p.Status)
			fmt.Fprintf(out, "  Images:  %d\n", p.TotalCount)
			fmt.Fprintf(out, "  Defects: %d\n", p.DefectsCount)
			fmt.Fprintf(out, "  Path:    %s\n", p.DataPath)
			if p.ErrorMessage != "" {
				fmt.Fprintf(out, "  Error:   %s\n", p.ErrorMessage)
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

// collectImages expands directories into the images they contain.
func collectImages(args []string) ([]string, error) {
	var out []string
	for _, a := range args {
		info, err := os.Stat(a)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, a)
			continue
		}
		imgs, err := scorer.ListImages(a)
		if err != nil {
			return nil, err
		}
		out = append(out, imgs...)
	}
	return out, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
