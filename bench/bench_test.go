package bench_test

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/nasa-jpl/gearprecision/bench"
	"github.com/nasa-jpl/gearprecision/esp32"
	"github.com/nasa-jpl/gearprecision/precision"
	"github.com/nasa-jpl/gearprecision/tamagawa"
	"go.uber.org/zap/zaptest"
)

func newBench(t *testing.T, pace time.Duration) (*bench.Bench, *esp32.MockController) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	s := precision.DefaultSettings()
	ctrl := esp32.NewMockController(s.DegPerUnit(), 0)
	enc := tamagawa.NewEncoder(tamagawa.MockMaker(ctrl.Angle), logger)

	cfg := bench.DefaultConfig()
	cfg.Timing = precision.Timing{Pace: pace}
	cfg.SettleTimeout = 2 * time.Second
	cfg.SampleInterval = 0
	cfg.MonitorInterval = 5 * time.Millisecond
	cfg.ResultsDir = t.TempDir()

	b := bench.New(ctrl, enc, cfg, logger)
	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Errorf("closing bench: %v", err)
		}
	})
	return b, ctrl
}

// fivePositions covers exactly four theoretical steps
func fivePositions() precision.Settings {
	s := precision.DefaultSettings()
	s.RangeDegrees = 4 * s.TheoreticalStep()
	s.Description = "bench test"
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestRunCompletesAndSaves(t *testing.T) {
	b, ctrl := newBench(t, 0)
	if err := b.Start(fivePositions()); err != nil {
		t.Fatal(err)
	}
	res, err := b.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if res.State != precision.Completed || res.Results.Len() != 5 {
		t.Fatalf("expected 5 results from a completed run, got %v with %d", res.State, res.Results.Len())
	}
	st := b.Status()
	if st.State != "completed" || st.Count != 5 || st.Total != 5 {
		t.Errorf("unexpected status %+v", st)
	}
	if _, err := os.Stat(st.SavedTo); err != nil {
		t.Errorf("results were not saved: %v", err)
	}
	if b.Running() || b.Locker().Locked() {
		t.Error("bench still busy after the run")
	}
	if ctrl.Enabled() {
		t.Error("motor left enabled")
	}
	sum, err := b.Summary()
	if err != nil || sum.Count != 5 {
		t.Errorf("unexpected summary %+v, %v", sum, err)
	}
	waitFor(t, func() bool {
		_, err := b.Angle()
		return err == nil
	})
}

func TestBusyWhileRunning(t *testing.T) {
	b, _ := newBench(t, 100*time.Millisecond)
	if err := b.Start(fivePositions()); err != nil {
		t.Fatal(err)
	}
	if err := b.Start(fivePositions()); !errors.Is(err, bench.ErrBusy) {
		t.Errorf("expected ErrBusy for a second run, got %v", err)
	}
	if _, err := b.Manual().Enable(); !errors.Is(err, bench.ErrBusy) {
		t.Errorf("expected ErrBusy for a manual command, got %v", err)
	}
	if err := b.Cancel(); err != nil {
		t.Fatal(err)
	}
	res, err := b.Wait()
	if res.State != precision.Cancelled || err == nil {
		t.Errorf("expected a cancelled run, got %v, %v", res.State, err)
	}
	if _, err := b.Manual().Enable(); err != nil {
		t.Errorf("manual command failed after the run: %v", err)
	}
}

func TestRunCountsAsRunningFromStart(t *testing.T) {
	b, _ := newBench(t, 100*time.Millisecond)
	if err := b.Start(fivePositions()); err != nil {
		t.Fatal(err)
	}
	// no waiting: the run is accepted, whether or not it has reached the motor
	if !b.Running() {
		t.Error("accepted run is not reported as running")
	}
	if _, err := b.Manual().SetPosition(40); !errors.Is(err, bench.ErrBusy) {
		t.Errorf("expected ErrBusy for a manual move, got %v", err)
	}
	b.Locker().Unlock()
	if _, err := b.Manual().Enable(); !errors.Is(err, bench.ErrBusy) {
		t.Errorf("expected ErrBusy with the locker released by hand, got %v", err)
	}
	if err := b.Start(fivePositions()); !errors.Is(err, bench.ErrBusy) {
		t.Errorf("expected ErrBusy for a second run with the locker released by hand, got %v", err)
	}
	b.Cancel()
	b.Wait()
}

func TestOperatorLockIsNotARun(t *testing.T) {
	b, _ := newBench(t, 0)
	b.Locker().Lock()
	if err := b.Start(fivePositions()); !errors.Is(err, bench.ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
	if _, err := b.Manual().Enable(); !errors.Is(err, bench.ErrLocked) {
		t.Errorf("expected ErrLocked for a manual command, got %v", err)
	}
	if b.Running() {
		t.Error("operator lock reported as a run")
	}
	b.Locker().Unlock()
	if err := b.Start(fivePositions()); err != nil {
		t.Fatalf("run refused after unlocking: %v", err)
	}
	if _, err := b.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestCancelKeepsCompletedPositions(t *testing.T) {
	b, ctrl := newBench(t, 50*time.Millisecond)
	if err := b.Start(fivePositions()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return b.Status().Count >= 1 })
	if err := b.Cancel(); err != nil {
		t.Fatal(err)
	}
	res, _ := b.Wait()
	if res.State != precision.Cancelled {
		t.Errorf("expected cancelled, got %v", res.State)
	}
	if n := res.Results.Len(); n < 1 || n >= 5 {
		t.Errorf("expected a partial run, got %d results", n)
	}
	if ctrl.Enabled() {
		t.Error("motor left enabled after cancel")
	}
	if err := b.Cancel(); !errors.Is(err, bench.ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestInvalidSettingsDoNotStart(t *testing.T) {
	b, _ := newBench(t, 0)
	s := fivePositions()
	s.StepInterval = 0
	if err := b.Start(s); !errors.Is(err, precision.ErrValidation) {
		t.Errorf("expected a validation error, got %v", err)
	}
	if b.Running() || b.Locker().Locked() {
		t.Error("bench busy after a rejected run")
	}
	if _, err := b.Wait(); !errors.Is(err, bench.ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	if _, _, err := b.Results(); !errors.Is(err, bench.ErrNoResults) {
		t.Errorf("expected ErrNoResults, got %v", err)
	}
}

func request(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(b)
}

func TestHTTPWrapper(t *testing.T) {
	b, _ := newBench(t, 100*time.Millisecond)
	srv := httptest.NewServer(bench.NewHTTPWrapper(b).Router())
	defer srv.Close()

	if code, _ := request(t, http.MethodGet, srv.URL+"/results", ""); code != http.StatusNotFound {
		t.Errorf("expected 404 before any run, got %d", code)
	}
	if code, _ := request(t, http.MethodPost, srv.URL+"/run", `{"stepInterval": -1}`); code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid settings, got %d", code)
	}

	if code, _ := request(t, http.MethodPost, srv.URL+"/lock", `{"bool": true}`); code != http.StatusOK {
		t.Fatalf("expected 200 for taking the lock, got %d", code)
	}
	if code, msg := request(t, http.MethodPost, srv.URL+"/run", `{}`); code != http.StatusLocked || !strings.Contains(msg, "operator") {
		t.Errorf("expected 423 for a run while an operator holds the lock, got %d %s", code, msg)
	}
	if code, _ := request(t, http.MethodPost, srv.URL+"/lock", `{"bool": false}`); code != http.StatusOK {
		t.Fatalf("expected 200 for releasing the lock, got %d", code)
	}

	body := fmt.Sprintf(`{"rangeDegrees": %v, "description": "http run"}`, fivePositions().RangeDegrees)
	if code, msg := request(t, http.MethodPost, srv.URL+"/run", body); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", code, msg)
	}
	if code, _ := request(t, http.MethodPost, srv.URL+"/run", body); code != http.StatusConflict {
		t.Errorf("expected 409 for a second run, got %d", code)
	}
	if code, _ := request(t, http.MethodPost, srv.URL+"/motor/enable", ""); code != http.StatusLocked {
		t.Errorf("expected 423 for a manual command during a run, got %d", code)
	}
	if code, msg := request(t, http.MethodGet, srv.URL+"/lock", ""); code != http.StatusOK || !strings.Contains(msg, "true") {
		t.Errorf("expected the lock to be held, got %d %s", code, msg)
	}
	if code, _ := request(t, http.MethodPost, srv.URL+"/run/cancel", ""); code != http.StatusOK {
		t.Errorf("expected 200 for cancel, got %d", code)
	}
	b.Wait()

	if code, msg := request(t, http.MethodPost, srv.URL+"/motor/enable", ""); code != http.StatusOK {
		t.Errorf("expected 200 for a manual command after the run, got %d: %s", code, msg)
	}
	if code, msg := request(t, http.MethodPost, srv.URL+"/motor/position", `{"f64": 40}`); code != http.StatusOK {
		t.Errorf("expected 200 for a manual move, got %d: %s", code, msg)
	}
	if code, msg := request(t, http.MethodGet, srv.URL+"/results", ""); code != http.StatusOK || !strings.HasPrefix(msg, "position,actual_angle") {
		t.Errorf("unexpected results %d %q", code, msg)
	}
	if code, msg := request(t, http.MethodGet, srv.URL+"/status", ""); code != http.StatusOK || !strings.Contains(msg, `"state":"cancelled"`) {
		t.Errorf("unexpected status %d %s", code, msg)
	}
	if code, _ := request(t, http.MethodGet, srv.URL+"/summary", ""); code != http.StatusOK {
		t.Errorf("expected a summary, got %d", code)
	}
	if code, msg := request(t, http.MethodGet, srv.URL+"/metrics", ""); code != http.StatusOK || !strings.Contains(msg, "gearbench_positions_settled_total") {
		t.Errorf("metrics missing: %d", code)
	}
}
