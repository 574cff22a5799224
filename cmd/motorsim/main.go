// Command motorsim serves a simulated motor bridge over HTTP, for exercising
// precisiontest without hardware.
//
// It is configured by environment variables prefixed MOTORSIM_, e.g.
// MOTORSIM_ADDR=:8080 MOTORSIM_DEG_PER_UNIT=2.3389 MOTORSIM_SETTLE_SEC=0.3
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nasa-jpl/gearprecision/esp32"
	"github.com/nasa-jpl/gearprecision/precision"
	"github.com/nasa-jpl/gearprecision/util"
)

const envPrefix = "MOTORSIM_"

// Config is the simulator's configuration
type Config struct {
	Addr       string  `koanf:"addr"`
	DegPerUnit float64 `koanf:"deg_per_unit"`
	SettleSec  float64 `koanf:"settle_sec"`
}

func loadconf() (Config, error) {
	k := koanf.New(".")
	k.Load(structs.Provider(Config{
		Addr:       ":8080",
		DegPerUnit: precision.DefaultSettings().DegPerUnit(),
		SettleSec:  0.3,
	}, "koanf"), nil)
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil)
	if err != nil {
		return Config{}, err
	}
	c := Config{}
	err = k.Unmarshal("", &c)
	return c, err
}

// Router serves the simulated bridge with request logging
func Router(ctrl *esp32.MockController) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Get("/angle", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(esp32.FormatPosition(ctrl.Angle())))
	})
	r.Mount("/", ctrl.Routes())
	return r
}

func main() {
	c, err := loadconf()
	if err != nil {
		log.Fatal(err)
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	logger := l.Sugar()
	defer logger.Sync()

	ctrl := esp32.NewMockController(c.DegPerUnit, util.SecsToDuration(c.SettleSec))
	srv := &http.Server{Addr: c.Addr, Handler: Router(ctrl)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("simulated motor bridge listening", "addr", c.Addr, "degPerUnit", c.DegPerUnit, "settle", c.SettleSec)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	if err := g.Wait(); err != nil {
		logger.Fatalw("server failed", "error", err)
	}
	logger.Infow("stopped", "commands", len(ctrl.History()))
}
