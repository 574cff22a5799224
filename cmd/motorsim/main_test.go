package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nasa-jpl/gearprecision/esp32"
	"go.uber.org/zap/zaptest"
)

func TestClientAgainstSimulator(t *testing.T) {
	ctrl := esp32.NewMockController(2, 0)
	srv := httptest.NewServer(Router(ctrl))
	defer srv.Close()

	c := esp32.NewClient(srv.URL, time.Second, zaptest.NewLogger(t).Sugar())
	if _, err := c.Enable(); err != nil {
		t.Fatal(err)
	}
	if _, err := c.SetPosition(10); err != nil {
		t.Fatal(err)
	}
	if ctrl.Position() != 10 {
		t.Errorf("expected position 10, got %v", ctrl.Position())
	}

	resp, err := http.Get(srv.URL + "/angle")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(body), "20") {
		t.Errorf("expected an angle near 20, got %s", body)
	}
}

func TestLoadConfFromEnvironment(t *testing.T) {
	t.Setenv("MOTORSIM_ADDR", ":9999")
	t.Setenv("MOTORSIM_SETTLE_SEC", "0")
	c, err := loadconf()
	if err != nil {
		t.Fatal(err)
	}
	if c.Addr != ":9999" || c.SettleSec != 0 {
		t.Errorf("environment not applied: %+v", c)
	}
}
