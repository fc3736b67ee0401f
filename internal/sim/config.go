package sim

import "time"

const (
	// DefaultTickInterval governs perceived speed only; the model is not
	// wall-clock accurate.
	DefaultTickInterval = 1200 * time.Millisecond
	// DefaultInterpolationSteps is the number of sub-segments per raw segment.
	DefaultInterpolationSteps = 15
	// DefaultArrivalThreshold is a planar distance in degrees (Euclidean in
	// lat/lng space, not metres).
	DefaultArrivalThreshold = 0.0007
	// DefaultArrivalCooldown is the minimum gap between two arrivals of the
	// same bus at the same stop.
	DefaultArrivalCooldown = 180 * time.Second

	defaultQueueSize = 64
)

type Config struct {
	TickInterval       time.Duration
	InterpolationSteps int
	ArrivalThreshold   float64
	ArrivalCooldown    time.Duration
	// QueueSize bounds tick outputs waiting for sinks.
	QueueSize int
}

func DefaultConfig() Config {
	return Config{
		TickInterval:       DefaultTickInterval,
		InterpolationSteps: DefaultInterpolationSteps,
		ArrivalThreshold:   DefaultArrivalThreshold,
		ArrivalCooldown:    DefaultArrivalCooldown,
		QueueSize:          defaultQueueSize,
	}
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.InterpolationSteps < 1 {
		c.InterpolationSteps = DefaultInterpolationSteps
	}
	if c.ArrivalThreshold <= 0 {
		c.ArrivalThreshold = DefaultArrivalThreshold
	}
	if c.ArrivalCooldown < 0 {
		c.ArrivalCooldown = DefaultArrivalCooldown
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	return c
}
