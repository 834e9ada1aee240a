// Package config holds the runtime-tunable caps for the IPC server:
// message-size ceilings, queue caps, rate-limit parameters, and timer
// intervals. Values are safe to read from any goroutine; writes are
// intended to happen between sessions (tests, or a settings reload) but
// are not otherwise restricted.
package config

import "sync/atomic"

const (
	DefaultWebSocketMaxMessageBytes = 16 * 1 << 20
	DefaultPipeMaxMessageBytes      = 10 * 1 << 20
	DefaultPerSessionQueueCapBytes  = 2 * 1 << 20
	DefaultRateLimitPerSecond       = 20
	DefaultRateLimitBurst           = 60
	DefaultSelectionNotificationCap = 200
	DefaultGetMetadataMaxItems      = 500
	DefaultGetMetadataTimeoutSec    = 30
	DefaultSendLoopIdleMs           = 10
)

// Config is a set of named runtime caps. The zero value is not usable;
// construct with New.
type Config struct {
	webSocketMaxMessageBytes atomic.Int64
	pipeMaxMessageBytes      atomic.Int64
	perSessionQueueCapBytes  atomic.Int64
	rateLimitPerSecond       atomic.Int64
	rateLimitBurst           atomic.Int64
	selectionNotificationCap atomic.Int64
	getMetadataMaxItems      atomic.Int64
	getMetadataTimeoutSec    atomic.Int64
	sendLoopIdleMs           atomic.Int64
}

// New returns a Config populated with the documented defaults.
func New() *Config {
	c := &Config{}
	c.webSocketMaxMessageBytes.Store(DefaultWebSocketMaxMessageBytes)
	c.pipeMaxMessageBytes.Store(DefaultPipeMaxMessageBytes)
	c.perSessionQueueCapBytes.Store(DefaultPerSessionQueueCapBytes)
	c.rateLimitPerSecond.Store(DefaultRateLimitPerSecond)
	c.rateLimitBurst.Store(DefaultRateLimitBurst)
	c.selectionNotificationCap.Store(DefaultSelectionNotificationCap)
	c.getMetadataMaxItems.Store(DefaultGetMetadataMaxItems)
	c.getMetadataTimeoutSec.Store(DefaultGetMetadataTimeoutSec)
	c.sendLoopIdleMs.Store(DefaultSendLoopIdleMs)
	return c
}

func (c *Config) WebSocketMaxMessageBytes() int64 { return c.webSocketMaxMessageBytes.Load() }
func (c *Config) SetWebSocketMaxMessageBytes(v int64) { c.webSocketMaxMessageBytes.Store(v) }

func (c *Config) PipeMaxMessageBytes() int64 { return c.pipeMaxMessageBytes.Load() }
func (c *Config) SetPipeMaxMessageBytes(v int64) { c.pipeMaxMessageBytes.Store(v) }

func (c *Config) PerSessionQueueCapBytes() int64 { return c.perSessionQueueCapBytes.Load() }
func (c *Config) SetPerSessionQueueCapBytes(v int64) { c.perSessionQueueCapBytes.Store(v) }

func (c *Config) RateLimitPerSecond() int64 { return c.rateLimitPerSecond.Load() }
func (c *Config) SetRateLimitPerSecond(v int64) { c.rateLimitPerSecond.Store(v) }

func (c *Config) RateLimitBurst() int64 { return c.rateLimitBurst.Load() }
func (c *Config) SetRateLimitBurst(v int64) { c.rateLimitBurst.Store(v) }

func (c *Config) SelectionNotificationCap() int64 { return c.selectionNotificationCap.Load() }
func (c *Config) SetSelectionNotificationCap(v int64) { c.selectionNotificationCap.Store(v) }

func (c *Config) GetMetadataMaxItems() int64 { return c.getMetadataMaxItems.Load() }
func (c *Config) SetGetMetadataMaxItems(v int64) { c.getMetadataMaxItems.Store(v) }

func (c *Config) GetMetadataTimeoutSec() int64 { return c.getMetadataTimeoutSec.Load() }
func (c *Config) SetGetMetadataTimeoutSec(v int64) { c.getMetadataTimeoutSec.Store(v) }

func (c *Config) SendLoopIdleMs() int64 { return c.sendLoopIdleMs.Load() }
func (c *Config) SetSendLoopIdleMs(v int64) { c.sendLoopIdleMs.Store(v) }
