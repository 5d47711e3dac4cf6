package blockdev

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

// ErrInjected is returned by a [Chaos] device when it deliberately fails an
// operation.
var ErrInjected = errors.New("blockdev: injected fault")

// Chaos wraps a [Device] and injects faults for crash/fault-injection
// tests, adapted from the teacher's internal/fs.Chaos (which wraps a host
// [pkg/fs.FS] instead of a [Device]): every WriteAt call has an independent
// probability of being failed or torn before it reaches the wrapped device.
// ReadAt, Sync and Close pass through unchanged.
type Chaos struct {
	mu   sync.Mutex
	dev  Device
	rng  *rand.Rand
	opts ChaosOptions
}

// ChaosOptions configures fault injection. A zero value injects nothing.
type ChaosOptions struct {
	// FailWriteProb is the probability (0..1) that a WriteAt call returns
	// ErrInjected without touching the device.
	FailWriteProb float64

	// TornWriteProb is the probability (0..1) that a WriteAt call is
	// applied to only a random prefix of its buffer, simulating a crash
	// mid-write, then returns a short-write error.
	TornWriteProb float64

	// Seed seeds the deterministic RNG driving fault selection.
	Seed int64
}

// NewChaos wraps dev with fault injection governed by opts.
func NewChaos(dev Device, opts ChaosOptions) *Chaos {
	return &Chaos{dev: dev, rng: rand.New(rand.NewSource(opts.Seed)), opts: opts}
}

func (c *Chaos) Size() int64 { return c.dev.Size() }

func (c *Chaos) ReadAt(p []byte, off int64) (int, error) {
	return c.dev.ReadAt(p, off)
}

func (c *Chaos) WriteAt(p []byte, off int64) (int, error) {
	c.mu.Lock()
	roll := c.rng.Float64()
	tornRoll := c.rng.Float64()
	c.mu.Unlock()

	if roll < c.opts.FailWriteProb {
		return 0, fmt.Errorf("write at %d len %d: %w", off, len(p), ErrInjected)
	}

	if tornRoll < c.opts.TornWriteProb && len(p) > 1 {
		n := c.rng.Intn(len(p))
		if n == 0 {
			n = 1
		}

		written, err := c.dev.WriteAt(p[:n], off)
		if err != nil {
			return written, err
		}

		return written, fmt.Errorf("write at %d len %d torn to %d bytes: %w", off, len(p), n, ErrInjected)
	}

	return c.dev.WriteAt(p, off)
}

func (c *Chaos) Sync() error { return c.dev.Sync() }

func (c *Chaos) Close() error { return c.dev.Close() }

var _ Device = (*Chaos)(nil)
