package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"imagegen_backend/core"
	"imagegen_backend/db"
	"imagegen_backend/device"
	"imagegen_backend/imagegen"
	"imagegen_backend/jobs"
	"imagegen_backend/metrics"
	"imagegen_backend/sdruntime"
)

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().Duration("timeout", 30*time.Second, "Upper bound for all checks")
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configuration, devices and dependencies",
	Long: `Validate the configuration and report what the service would run on:
the device probes and the selection they lead to, the pipeline worker, the
model catalog, the database and the job broker.`,
	RunE: runDoctor,
}

type checkStatus int

const (
	checkPassed checkStatus = iota
	checkWarning
	checkFailed
	checkSkipped
)

type check struct {
	name    string
	status  checkStatus
	message string
	err     error
}

// report prints checks in the style of a validation run.
type report struct {
	out    io.Writer
	checks []check
}

func (r *report) header(title string) {
	fmt.Fprintln(r.out)
	color.New(color.FgCyan, color.Bold).Fprintf(r.out, "━━━ %s ━━━\n", title)
	fmt.Fprintln(r.out)
}

func (r *report) add(c check) {
	r.checks = append(r.checks, c)

	icon, clr := "?", color.New(color.FgWhite)
	switch c.status {
	case checkPassed:
		icon, clr = "✓", color.New(color.FgGreen)
	case checkWarning:
		icon, clr = "!", color.New(color.FgYellow)
	case checkFailed:
		icon, clr = "✗", color.New(color.FgRed)
	case checkSkipped:
		icon, clr = "○", color.New(color.FgHiBlack)
	}
	clr.Fprintf(r.out, "  %s %s", icon, c.name)
	if c.message != "" {
		color.New(color.FgHiBlack).Fprintf(r.out, " - %s", c.message)
	}
	fmt.Fprintln(r.out)
	if c.status == checkFailed && c.err != nil {
		color.New(color.FgRed).Fprintf(r.out, "    └─ %s\n", c.err)
	}
}

func (r *report) failed() int {
	n := 0
	for _, c := range r.checks {
		if c.status == checkFailed {
			n++
		}
	}
	return n
}

func (r *report) summary(took time.Duration) {
	fmt.Fprintln(r.out)
	failed := r.failed()
	if failed == 0 {
		ok := color.New(color.FgGreen, color.Bold)
		ok.Fprint(r.out, "━━━ All checks passed ")
		color.New(color.FgHiBlack).Fprintf(r.out, "(%d checks in %v)", len(r.checks), took.Round(time.Millisecond))
		ok.Fprintln(r.out, " ━━━")
	} else {
		bad := color.New(color.FgRed, color.Bold)
		bad.Fprint(r.out, "━━━ Checks failed ")
		color.New(color.FgHiBlack).Fprintf(r.out, "(%d of %d failed)", failed, len(r.checks))
		bad.Fprintln(r.out, " ━━━")
	}
	fmt.Fprintln(r.out)
}

var errChecksFailed = errors.New("doctor: one or more checks failed")

func runDoctor(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return doctor(ctx, cmd.OutOrStdout())
}

func doctor(ctx context.Context, out io.Writer) error {
	start := time.Now()
	r := &report{out: out}

	r.header("Configuration")
	cfg, err := core.LoadConfig()
	if err != nil {
		c := check{name: "configuration", status: checkFailed, err: err}
		var cfgErr *core.ConfigError
		if errors.As(err, &cfgErr) {
			c.message = cfgErr.Code
		}
		r.add(c)
		r.summary(time.Since(start))
		return err
	}
	r.add(check{name: "configuration", status: checkPassed, message: "listening on " + cfg.ListenAddr()})
	auth := "disabled"
	if cfg.AuthEnabled() {
		auth = fmt.Sprintf("%d key(s)", len(cfg.APIKeys))
	}
	r.add(check{name: "api keys", status: checkPassed, message: auth})
	r.add(outputDirCheck(cfg.OutputDir))

	r.header("Devices")
	gpu := metrics.NewNvidiaSMIReader()
	var reporter device.CapabilityReporter
	var worker *sdruntime.WorkerClient
	if cfg.PipelineBackend == core.BackendWorker {
		worker = sdruntime.NewWorkerClient(cfg.WorkerURL, cfg.WorkerTimeout)
		reporter = worker
	}
	var selOpts []device.SelectorOption
	if reporter != nil {
		selOpts = append(selOpts, device.WithReporter(reporter))
	}
	sel := device.NewSelector(device.Overrides{ForceCPU: cfg.ForceCPU, PreferCPU: cfg.PreferCPU},
		device.DefaultProbes(gpu), zap.NewNop(), selOpts...).Refresh(ctx)
	for _, c := range sel.Capabilities {
		r.add(capabilityCheck(c))
	}
	r.add(check{name: "selected device", status: checkPassed, message: fmt.Sprintf("%s (%s)", sel.Device, sel.Reason)})

	r.header("Pipelines")
	if worker != nil {
		if err := worker.Health(ctx); err != nil {
			r.add(check{name: "worker " + cfg.WorkerURL, status: checkFailed, err: err})
		} else {
			r.add(check{name: "worker " + cfg.WorkerURL, status: checkPassed, message: "reachable"})
		}
	} else {
		r.add(check{name: "backend", status: checkWarning, message: "stub renderer, images are placeholders"})
	}
	r.add(catalogCheck(cfg.CatalogPath, sel.Device))

	r.header("Jobs")
	if !cfg.JobsEnabled {
		r.add(check{name: "database", status: checkSkipped, message: "jobs disabled"})
		r.add(check{name: "broker", status: checkSkipped, message: "jobs disabled"})
	} else {
		r.add(databaseCheck(ctx, cfg.DatabasePath))
		r.add(brokerCheck(cfg.NATSURL))
	}

	r.summary(time.Since(start))
	if r.failed() > 0 {
		return errChecksFailed
	}
	return nil
}

func capabilityCheck(c device.Capability) check {
	ch := check{name: string(c.Device), message: c.Detail}
	switch c.State {
	case device.Available:
		ch.status = checkPassed
	case device.Unavailable:
		ch.status = checkSkipped
	default:
		ch.status = checkWarning
		if ch.message == "" {
			ch.message = "could not determine availability"
		}
	}
	return ch
}

func outputDirCheck(dir string) check {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return check{name: "output directory", status: checkFailed, err: core.ErrOutputDir(dir, err)}
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return check{name: "output directory", status: checkFailed, err: core.ErrOutputDir(dir, err)}
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return check{name: "output directory", status: checkPassed, message: dir}
}

func catalogCheck(path string, d device.Device) check {
	catalog := imagegen.DefaultCatalog()
	source := "built-in"
	if path != "" {
		var err error
		if catalog, err = imagegen.LoadCatalog(path); err != nil {
			return check{name: "model catalog", status: checkFailed, err: err}
		}
		source = path
	}
	spec := catalog.Spec(imagegen.DefaultModel)
	return check{
		name:   "model catalog",
		status: checkPassed,
		message: fmt.Sprintf("%d models from %s, default %s at %d steps on %s",
			len(catalog.Models()), source, imagegen.ShortName(imagegen.DefaultModel), spec.StepsFor(d), d),
	}
}

func databaseCheck(ctx context.Context, path string) check {
	database, err := db.Open(ctx, path)
	if err != nil {
		return check{name: "database", status: checkFailed, err: err}
	}
	pingErr := database.Ping(ctx)
	database.Close()
	if pingErr != nil {
		return check{name: "database", status: checkFailed, err: pingErr}
	}

	// MigrationVersion closes the connection it is given
	conn, err := db.NewSQLiteConnection(ctx, db.DefaultConnectionConfig(path))
	if err != nil {
		return check{name: "database", status: checkFailed, err: err}
	}
	version, dirty, err := db.MigrationVersion(conn)
	if err != nil {
		return check{name: "database", status: checkWarning, message: path + ": " + err.Error()}
	}
	if dirty {
		return check{name: "database", status: checkFailed, err: fmt.Errorf("migration %d is dirty", version)}
	}
	return check{name: "database", status: checkPassed, message: fmt.Sprintf("%s (schema v%d)", path, version)}
}

func brokerCheck(url string) check {
	b, err := jobs.ConnectBroker(url, zap.NewNop())
	if err != nil {
		return check{name: "broker", status: checkFailed, err: err}
	}
	defer b.Close()
	msg := url
	if b.Embedded() {
		msg = "embedded server"
	}
	return check{name: "broker", status: checkPassed, message: msg}
}
