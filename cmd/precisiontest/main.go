package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/theckman/yacspin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/gearprecision/bench"
	"github.com/nasa-jpl/gearprecision/precision"
	"github.com/nasa-jpl/gearprecision/results"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "precision.yml"

	// EnvPrefix marks environment variables that override the config file.
	// PRECISION_TEST__START_POSITION sets test.start_position.
	EnvPrefix = "PRECISION_"

	k = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil)
	if err != nil {
		log.Fatalf("error loading environment: %v", err)
	}
}

func loadconf() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	return c
}

func mustLogger(c Config) *zap.SugaredLogger {
	logger, err := c.Log.Logger()
	if err != nil {
		log.Fatalf("error building logger: %v", err)
	}
	return logger
}

func root() {
	str := `precisiontest measures the positioning precision of a geared motor.
It commands the motor through a sequence of positions over HTTP and reads the
output shaft angle from a 23 bit absolute encoder on a serial line.

Usage:
	precisiontest <command>

Commands:
	run
	serve
	read
	plan
	report <file.csv>
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `precisiontest is configured by precision.yml in the working directory, and
then by environment variables prefixed with PRECISION_.  A double underscore
separates levels, so PRECISION_MOTOR__ADDR=10.0.0.5 sets motor.addr.
For a primer on YAML, see https://yaml.org/start.html

mkconf writes the defaults to precision.yml; conf prints the merged result.

run    performs the test described by the test section and saves a CSV
       into results_dir.  Ctrl-C stops it after the current position.
serve  exposes the bench over HTTP at addr:
         GET  /angle /status /results /summary /metrics /lock
         POST /run /run/cancel
         POST /motor/enable /motor/disable /motor/clear /motor/position
       The motor routes return 423 while a run is in progress.
read   prints encoder readings at 20 Hz until Ctrl-C.
plan   prints the positions of the test section without moving anything.
report replays a saved CSV with the gear settings of the test section.

Set mock: true to use a simulated motor and encoder.`
	fmt.Println(str)
}

func mkconf() {
	c := loadconf()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	if err = yml.NewEncoder(f).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconf()
	if err := yml.NewEncoder(os.Stdout).Encode(c); err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("precisiontest version %v\n", Version)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newSpinner() (*yacspin.Spinner, error) {
	return yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " precision run",
		SuffixAutoColon:   true,
		Message:           "clearing motor errors",
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
}

func run() {
	c := loadconf()
	logger := mustLogger(c)
	defer logger.Sync()

	s := c.Test.Normalize()
	if err := s.Validate(); err != nil {
		log.Fatal(err)
	}
	plan, warn := precision.Plan(s)
	if warn != nil {
		logger.Warnw(warn.String())
	}
	motor, enc, err := c.Hardware(logger)
	if err != nil {
		log.Fatal(err)
	}

	events := make(precision.ChanObserver, 16)
	seq, err := precision.NewSequencer(s, motor, enc, c.Detector(logger.Named("stability")), events, logger.Named("sequencer"))
	if err != nil {
		log.Fatal(err)
	}
	seq.Timing = c.Timing.PrecisionTiming()

	spinner, err := newSpinner()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signalContext()
	defer stop()

	var (
		res    precision.Result
		runErr error
	)
	g := new(errgroup.Group)
	g.Go(func() error {
		defer close(events)
		res, runErr = seq.Run(ctx, plan)
		return nil
	})

	spinner.Start()
	for ev := range events {
		if ev.Settled {
			spinner.Message(fmt.Sprintf("%d/%d  pos %.3f  angle %.3f  step %+.4f  cum %+.4f",
				ev.Index+1, ev.Total, ev.Target, ev.Angle, ev.StepError, ev.CumulativeError))
		} else {
			spinner.Message(fmt.Sprintf("%d/%d  pos %.3f  skipped: %v", ev.Index+1, ev.Total, ev.Target, ev.Err))
		}
	}
	g.Wait()
	if res.State == precision.Completed && runErr == nil {
		spinner.StopMessage(fmt.Sprintf("%s, %d of %d positions recorded", res.State, res.Results.Len(), res.Planned))
		spinner.Stop()
	} else {
		spinner.StopFailMessage(fmt.Sprintf("%s, %d of %d positions recorded: %v", res.State, res.Results.Len(), res.Planned, runErr))
		spinner.StopFail()
	}

	if res.Results.Len() == 0 {
		os.Exit(1)
	}
	path, err := results.Save(c.ResultsDir, s.Description, time.Now(), res.Results)
	if err != nil {
		logger.Errorw("saving results failed", "error", err)
	} else {
		fmt.Println("results saved to", path)
	}
	printReport(res.Results, c.Threshold)
}

func printReport(acc precision.Accumulator, threshold float64) {
	fmt.Println(results.SummaryTable(precision.Summarize(acc, threshold)))
	fmt.Println("step error distribution (deg):")
	if err := results.Histogram(os.Stdout, acc, 10); err != nil {
		log.Println(err)
	}
}

func serve() {
	c := loadconf()
	logger := mustLogger(c)
	defer logger.Sync()

	motor, enc, err := c.Hardware(logger)
	if err != nil {
		log.Fatal(err)
	}
	b := bench.New(motor, enc, c.BenchConfig(), logger.Named("bench"))
	w := bench.NewHTTPWrapper(b)

	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Use(middleware.Recoverer)
	root.Mount("/", w.Router())
	srv := &http.Server{Addr: c.Addr, Handler: root}

	ctx, stop := signalContext()
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("now listening for requests", "addr", c.Addr, "routes", append(w.RouteTable.Endpoints(), w.MotorTable.Endpoints()...))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Infow("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(sctx)
		if cerr := b.Close(); cerr != nil {
			logger.Errorw("closing bench", "error", cerr)
		}
		return err
	})
	if err := g.Wait(); err != nil {
		log.Fatal(err)
	}
}

func read() {
	c := loadconf()
	logger := mustLogger(c)
	defer logger.Sync()

	_, enc, err := c.Hardware(logger)
	if err != nil {
		log.Fatal(err)
	}
	defer enc.Close()

	ctx, stop := signalContext()
	defer stop()
	lim := rate.NewLimiter(rate.Every(50*time.Millisecond), 1)
	var good, bad int
	for lim.Wait(ctx) == nil {
		r, err := enc.Read()
		if err != nil {
			bad++
			fmt.Printf("read failed: %v\n", err)
			continue
		}
		good++
		flag := ""
		if r.CountingError {
			flag = "  (counting error)"
		}
		fmt.Printf("angle %9.4f deg  count %7d%s\n", r.Angle, r.Position, flag)
	}
	fmt.Printf("%d readings, %d failures\n", good, bad)
}

func printplan() {
	c := loadconf()
	s := c.Test.Normalize()
	if err := s.Validate(); err != nil {
		log.Fatal(err)
	}
	plan, warn := precision.Plan(s)
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Position", "Nominal Angle (deg)"})
	for i, p := range plan {
		t.AppendRow(table.Row{i + 1, fmt.Sprintf("%.3f", p), fmt.Sprintf("%.4f", s.NominalAngle(p))})
	}
	t.AppendFooter(table.Row{"", "step", fmt.Sprintf("%.4f", s.TheoreticalStep())})
	fmt.Println(t.Render())
	if warn != nil {
		fmt.Println("warning:", warn)
	}
}

func report(args []string) {
	if len(args) != 1 {
		log.Fatal("usage: precisiontest report <file.csv>")
	}
	c := loadconf()
	s := c.Test
	if err := s.Validate(); err != nil {
		log.Fatal(err)
	}
	recs, err := results.Load(args[0])
	if err != nil {
		log.Fatal(err)
	}
	acc := results.Replay(recs, s)
	fmt.Println(results.Table(acc))
	printReport(acc, c.Threshold)
}

func main() {
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd := strings.ToLower(args[1])
	switch cmd {
	case "help":
		help()
	case "mkconf":
		mkconf()
	case "conf":
		printconf()
	case "run":
		run()
	case "serve":
		serve()
	case "read":
		read()
	case "plan":
		printplan()
	case "report":
		report(args[2:])
	case "version":
		pversion()
	default:
		log.Fatal("unknown command")
	}
}
