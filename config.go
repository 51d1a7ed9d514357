package sshmux

import "github.com/pkg/errors"

// Config tunes the flow-control parameters a Channel is constructed with.
// It plays the same role as smux's Config: a plain struct of tunables with
// a constructor and a validator, passed to the channel constructors
// (NewClientChannel, NewServerChannel, NewTCPChannel).
type Config struct {
	// ReceiveWindow is the initial and post-adjust receive window
	// advertised to the peer (init_recv_window in spec terms).
	ReceiveWindow int

	// MaxPacketSize bounds a single DATA/EXTENDED_DATA payload in either
	// direction.
	MaxPacketSize int

	// WriteBufferHighWater / WriteBufferLowWater are the default
	// backpressure thresholds a channel is constructed with; individual
	// channels may override them via SetWriteBufferLimits.
	WriteBufferHighWater int
	WriteBufferLowWater  int
}

// DefaultConfig returns the tunables new channels use unless the caller
// overrides them.
func DefaultConfig() *Config {
	return &Config{
		ReceiveWindow:        2 * 1024 * 1024,
		MaxPacketSize:        32768,
		WriteBufferHighWater: 64 * 1024,
		WriteBufferLowWater:  16 * 1024,
	}
}

// Validate checks the sanity of a Config, mirroring smux.VerifyConfig.
func (c *Config) Validate() error {
	if c.ReceiveWindow <= 0 {
		return errors.New("receive window must be positive")
	}
	if c.MaxPacketSize <= 0 {
		return errors.New("max packet size must be positive")
	}
	if c.MaxPacketSize > 1<<20 {
		return errors.New("max packet size must not exceed 1MiB")
	}
	if c.WriteBufferLowWater < 0 {
		return errors.New("write buffer low water must not be negative")
	}
	if c.WriteBufferHighWater < c.WriteBufferLowWater {
		return errors.New("write buffer high water must be >= low water")
	}
	return nil
}
