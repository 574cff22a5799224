package esp32

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/gearprecision/mathx"
)

const (
	// mockRunout is the amplitude of the simulated once-per-rev gear error, degrees
	mockRunout = 0.004

	// mockRinging is the amplitude of the simulated post-move oscillation, degrees
	mockRinging = 0.05
)

// Command names, as used by MockController.FailNext
const (
	CmdEnable      = "enable"
	CmdDisable     = "disable"
	CmdSetPosition = "set_position"
	CmdClear       = "clear"
)

// ErrNotEnabled is returned by the mock when asked to move a disabled motor
var ErrNotEnabled = errors.New("motor not enabled")

// MockController is an in-process stand-in for the bridge and the geared
// motor behind it.  It satisfies the same command set as Client and can be
// served over HTTP with Routes.
type MockController struct {
	sync.Mutex

	// DegPerUnit converts a commanded position to output shaft degrees
	DegPerUnit float64

	// Settle is how long the shaft rings after a move
	Settle time.Duration

	enabled  bool
	position float64
	movedAt  time.Time
	cleared  int
	fail     map[string]int
	history  []string
}

// NewMockController returns a mock whose shaft turns degPerUnit degrees per
// position unit and rings for settle after each move
func NewMockController(degPerUnit float64, settle time.Duration) *MockController {
	return &MockController{DegPerUnit: degPerUnit, Settle: settle, fail: make(map[string]int)}
}

// FailNext makes the next n invocations of cmd fail
func (m *MockController) FailNext(cmd string, n int) {
	m.Lock()
	defer m.Unlock()
	m.fail[cmd] += n
}

// shouldFail must be called with the lock held
func (m *MockController) shouldFail(cmd string) bool {
	m.history = append(m.history, cmd)
	if m.fail[cmd] > 0 {
		m.fail[cmd]--
		return true
	}
	return false
}

// Enable energizes the motor
func (m *MockController) Enable() (string, error) {
	m.Lock()
	defer m.Unlock()
	if m.shouldFail(CmdEnable) {
		return "", fmt.Errorf("%w: injected enable failure", ErrTransport)
	}
	m.enabled = true
	return "ok", nil
}

// Disable de-energizes the motor
func (m *MockController) Disable() (string, error) {
	m.Lock()
	defer m.Unlock()
	if m.shouldFail(CmdDisable) {
		return "", fmt.Errorf("%w: injected disable failure", ErrTransport)
	}
	m.enabled = false
	return "ok", nil
}

// SetPosition moves the shaft, which rings for Settle before holding still
func (m *MockController) SetPosition(pos float64) (string, error) {
	m.Lock()
	defer m.Unlock()
	if m.shouldFail(CmdSetPosition) {
		return "", fmt.Errorf("%w: injected set position failure", ErrTransport)
	}
	if !m.enabled {
		return "", ErrNotEnabled
	}
	m.position = pos
	m.movedAt = time.Now()
	return "position: " + FormatPosition(pos), nil
}

// ClearErrors clears latched errors
func (m *MockController) ClearErrors() (string, error) {
	m.Lock()
	defer m.Unlock()
	if m.shouldFail(CmdClear) {
		return "", fmt.Errorf("%w: injected clear failure", ErrTransport)
	}
	m.cleared++
	return "ok", nil
}

// Enabled returns true if the motor is energized
func (m *MockController) Enabled() bool {
	m.Lock()
	defer m.Unlock()
	return m.enabled
}

// Position returns the last commanded position
func (m *MockController) Position() float64 {
	m.Lock()
	defer m.Unlock()
	return m.position
}

// History returns the commands received so far, in order
func (m *MockController) History() []string {
	m.Lock()
	defer m.Unlock()
	return append([]string(nil), m.history...)
}

// Angle returns the simulated output shaft angle in degrees, [0, 360)
func (m *MockController) Angle() float64 {
	m.Lock()
	defer m.Unlock()
	nominal := m.position * m.DegPerUnit
	rad := nominal * math.Pi / 180
	deg := nominal + mockRunout*math.Sin(rad)
	if m.Settle > 0 && !m.movedAt.IsZero() {
		if dt := time.Since(m.movedAt); dt < m.Settle {
			frac := 1 - float64(dt)/float64(m.Settle)
			deg += mockRinging * frac * math.Sin(float64(dt)/float64(time.Millisecond)/7)
		}
	}
	return mathx.WrapDegrees(deg)
}

// Routes returns a router serving the bridge's HTTP interface
func (m *MockController) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/enable", command(m.Enable))
	r.Get("/disable", command(m.Disable))
	r.Get("/clear", command(m.ClearErrors))
	r.Get("/set_position", func(w http.ResponseWriter, r *http.Request) {
		f, err := strconv.ParseFloat(r.URL.Query().Get("value"), 64)
		if err != nil {
			http.Error(w, "set failed: "+err.Error(), http.StatusBadRequest)
			return
		}
		command(func() (string, error) { return m.SetPosition(f) })(w, r)
	})
	return r
}

func command(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(msg))
	}
}
