package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/linewatch/linewatch/internal/lifecycle"
	"github.com/linewatch/linewatch/internal/line"
	"github.com/linewatch/linewatch/internal/models"
	"github.com/linewatch/linewatch/internal/prediction"
	"github.com/linewatch/linewatch/internal/quality"
	"github.com/linewatch/linewatch/internal/queue"
	"github.com/spf13/cobra"
)

func newLineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "line",
		Short: "Production line management commands",
	}

	cmd.AddCommand(newLineCreateCmd())
	cmd.AddCommand(newLineListCmd())
	cmd.AddCommand(newLineShowCmd())
	cmd.AddCommand(newLineTrainCmd())
	cmd.AddCommand(newLineDeleteCmd())
	return cmd
}

func newLineCreateCmd() *cobra.Command {
	var (
		configPath string
		name       string
		customer   int
		threshold  int
		email      string
		dataPath   string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a production line",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			opts := line.CreateOpts{
				Name:       name,
				AlertEmail: email,
				DataPath:   dataPath,
				DataRoot:   cfg.Storage.DataRoot,
			}
			if cmd.Flags().Changed("customer") {
				opts.CustomerID = &customer
			}
			if cmd.Flags().Changed("threshold") {
				opts.AlertThreshold = &threshold
			}
			l, err := line.Create(gormDB, opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created line %d: %s\n", l.ID, l.Name)
			fmt.Fprintf(out, "  Device token: %s\n", l.DeviceToken)
			fmt.Fprintf(out, "  Data path:    %s\n", l.DataPath)
			fmt.Fprintf(out, "  Put good training images under %s/train/good\n", l.DataPath)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&name, "name", "", "line name (required)")
	cmd.Flags().IntVar(&customer, "customer", 0, "customer ID (required)")
	cmd.Flags().IntVar(&threshold, "threshold", 100, "alert when quality drops below this percentage")
	cmd.Flags().StringVar(&email, "email", "", "alert e-mail address")
	cmd.Flags().StringVar(&dataPath, "data-path", "", "image directory (default <data_root>/<id>)")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("customer")
	return cmd
}

func newLineListCmd() *cobra.Command {
	var (
		configPath string
		customer   int
		status     string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List production lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			filters := line.ListFilters{Status: models.LineStatus(status)}
			if cmd.Flags().Changed("customer") {
				filters.CustomerID = &customer
			}
			lines, err := line.List(gormDB, filters)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(lines) == 0 {
				fmt.Fprintln(out, "No lines found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCUSTOMER\tSTATUS\tTHRESHOLD\tALERT EMAIL")
			for _, l := range lines {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d%%\t%s\n", l.ID, l.Name, l.CustomerID, l.Status, l.AlertThreshold, l.AlertEmail)
			}
			return w.Flush()
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVar(&customer, "customer", 0, "filter by customer ID")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (NOT_TRAINED, TRAINING, TRAINED)")
	return cmd
}

func newLineShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a line with its recent quality and predictions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			cfg, gormDB, err := connectFromConfig(configPath)
			if err != nil {
				return err
			}
			l, err := line.Get(gormDB, id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Line %d: %s\n", l.ID, l.Name)
			fmt.Fprintf(out, "  Status:       %s\n", l.Status)
			fmt.Fprintf(out, "  Customer:     %d\n", l.CustomerID)
			fmt.Fprintf(out, "  Threshold:    %d%%\n", l.AlertThreshold)
			fmt.Fprintf(out, "  Alert email:  %s\n", l.AlertEmail)
			fmt.Fprintf(out, "  Device token: %s\n", l.DeviceToken)
			fmt.Fprintf(out, "  Data path:    %s\n", l.DataPath)
			if l.ModelPath != "" {
				fmt.Fprintf(out, "  Model:        %s\n", l.ModelPath)
			}

			counts, err := quality.Aggregate(gormDB, l.ID, cfg.Sweep.Window, timeNow())
			if err != nil {
				return err
			}
			if q, err := quality.QualityPercent(counts); err == nil {
				fmt.Fprintf(out, "  Quality (%s): %.1f%% (%d images, %d defective)\n", cfg.Sweep.Window, q, counts.Total, counts.Defects)
			} else {
				fmt.Fprintf(out, "  Quality (%s): no data\n", cfg.Sweep.Window)
			}

			preds, err := prediction.List(gormDB, l.ID)
			if err != nil {
				return err
			}
			if len(preds) > 0 {
				fmt.Fprintln(out, "\nRecent predictions:")
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tSTATUS\tTOTAL\tDEFECTS")
				for i, p := range preds {
					if i == 10 {
						break
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\n", p.ID, p.Name, p.Status, p.TotalCount, p.DefectsCount)
				}
				w.Flush()
			}
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newLineTrainCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "train <id>",
		Short: "Queue a training job for a line",
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
			engine := &lifecycle.Engine{DB: gormDB}
			j, err := engine.EnqueueTraining(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued training job %d for line %d\n", j.ID, id)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func newLineDeleteCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a line",
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
			active, err := queue.List(gormDB, queue.ListFilters{LineID: id, Status: models.JobRunning})
			if err != nil {
				return err
			}
			if len(active) > 0 {
				return fmt.Errorf("line %d has %d running jobs; retry when they finish", id, len(active))
			}
			if err := line.Delete(gormDB, id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted line %d\n", id)
			return nil
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func parseID(s string) (uint, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(v), nil
}
