package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"imagegen_backend/device"
	"imagegen_backend/imagegen"
)

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.Flags().String("catalog", "", "YAML catalog file (defaults to MODEL_CATALOG_PATH)")
	modelsCmd.Flags().String("device", "cpu", "Device the step recommendations are computed for")
	modelsCmd.Flags().Bool("json", false, "Print the catalog as JSON")
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the model catalog",
	Long:  `List known models with their aliases and the steps, scheduler and guidance used when a request leaves them unset.`,
	Args:  cobra.NoArgs,
	RunE:  runModels,
}

func runModels(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("catalog")
	if path == "" {
		path = strings.TrimSpace(os.Getenv("MODEL_CATALOG_PATH"))
	}
	name, _ := cmd.Flags().GetString("device")
	d, err := device.Parse(name)
	if err != nil {
		return err
	}
	asJSON, _ := cmd.Flags().GetBool("json")

	catalog := imagegen.DefaultCatalog()
	if path != "" {
		if catalog, err = imagegen.LoadCatalog(path); err != nil {
			return err
		}
	}
	return printModels(cmd.OutOrStdout(), catalog, d, asJSON)
}

type modelRow struct {
	ID        string   `json:"id"`
	Aliases   []string `json:"aliases,omitempty"`
	Steps     int      `json:"recommended_steps"`
	Scheduler string   `json:"scheduler"`
	Guidance  float64  `json:"guidance_scale"`
	Size      string   `json:"size"`
	Estimate  string   `json:"performance"`
}

func printModels(out io.Writer, catalog *imagegen.Catalog, d device.Device, asJSON bool) error {
	rows := make([]modelRow, 0, len(catalog.Models()))
	for _, m := range catalog.Models() {
		rows = append(rows, modelRow{
			ID:        m.ID,
			Aliases:   m.Aliases,
			Steps:     m.StepsFor(d),
			Scheduler: string(catalog.SchedulerFor(m.ID)),
			Guidance:  m.Guidance,
			Size:      m.Size,
			Estimate:  catalog.PerformanceNote(m.ID, d),
		})
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "MODEL\tALIASES\tSTEPS (%s)\tSCHEDULER\tGUIDANCE\tSIZE\tESTIMATE\n", d)
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%.1f\t%s\t%s\n",
			r.ID, strings.Join(r.Aliases, ","), r.Steps, r.Scheduler, r.Guidance, r.Size, r.Estimate)
	}
	return tw.Flush()
}
