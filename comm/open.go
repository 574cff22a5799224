package comm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cenkalti/backoff"
)

// ErrOpenTimeout is generated when a device could not be opened before the
// retry budget ran out
var ErrOpenTimeout = errors.New("connection timeout")

// RetryOpen wraps maker so that transient failures are retried with an
// exponential backoff for up to maxElapsed.  Missing devices (no such file)
// are not retried.
func RetryOpen(maker CreationFunc, maxElapsed time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn io.ReadWriteCloser
		op := func() error {
			c, err := maker()
			if err != nil {
				if os.IsNotExist(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			conn = c
			return nil
		}
		// the USB-serial bridges used with the encoder do not like being
		// connection thrashed
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      maxElapsed,
			Clock:               backoff.SystemClock})
		if err != nil {
			if os.IsNotExist(err) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrOpenTimeout, err)
		}
		return conn, nil
	}
}
