// Package esp32 enables working with the ESP32 motor bridge, which exposes
// enable, disable, set-position and clear-errors commands for a single motor
// as plain HTTP GET endpoints.
package esp32

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultAddr is the address of the bridge when it runs its own access point
	DefaultAddr = "192.168.4.1"

	// DefaultTimeout bounds a single command
	DefaultTimeout = 10 * time.Second

	maxBody = 4096
)

// ErrTransport is generated when a command could not be delivered or the
// bridge answered with a non-success status
var ErrTransport = errors.New("esp32: transport error")

// FormatPosition renders a position the way it is sent on the wire
func FormatPosition(pos float64) string {
	return strconv.FormatFloat(pos, 'f', -1, 64)
}

// Client sends commands to the bridge.  Commands are issued one at a time;
// each makes exactly one request and is never retried.
type Client struct {
	base   string
	http   *http.Client
	logger *zap.SugaredLogger
	mu     sync.Mutex
}

// NewClient returns a client for the bridge at addr, which may be a bare
// host, host:port, or a full http:// URL
func NewClient(addr string, timeout time.Duration, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		base:   strings.TrimRight(addr, "/"),
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Enable energizes the motor
func (c *Client) Enable() (string, error) {
	return c.send("/enable", "enable motor")
}

// Disable de-energizes the motor
func (c *Client) Disable() (string, error) {
	return c.send("/disable", "disable motor")
}

// SetPosition commands the motor to an absolute position
func (c *Client) SetPosition(pos float64) (string, error) {
	q := url.Values{"value": {FormatPosition(pos)}}
	return c.send("/set_position?"+q.Encode(), "set position to "+FormatPosition(pos))
}

// ClearErrors clears latched drive errors
func (c *Client) ClearErrors() (string, error) {
	return c.send("/clear", "clear motor errors")
}

func (c *Client) send(path, description string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		c.logger.Errorw(description+" failed", "error", err)
		return "", fmt.Errorf("%w: %s: %v", ErrTransport, description, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		c.logger.Errorw(description+" failed", "error", err)
		return "", fmt.Errorf("%w: %s: reading response: %v", ErrTransport, description, err)
	}
	msg := strings.TrimSpace(string(body))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Errorw(description+" failed", "status", resp.Status, "response", msg)
		return "", fmt.Errorf("%w: %s: %s %s", ErrTransport, description, resp.Status, msg)
	}
	c.logger.Infow(description, "response", msg)
	return msg, nil
}
