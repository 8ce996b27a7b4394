package atsc3

import (
	"time"

	"m7s.live/atsc3/pkg/config"
	"m7s.live/atsc3/pkg/fmp4"
)

// Config describes one reassembly session.
type Config struct {
	PacketID          uint16        `default:"35" desc:"packet_id of the asset to reassemble"`
	MinPacketSize     int           `default:"32" desc:"smallest datagram accepted"`
	MaxPacketSize     int           `default:"1514" desc:"largest datagram accepted"`
	QueueLimit        int           `default:"67108864" desc:"bytes of reassembled mpus allowed to wait for the demuxer"`
	RestartOnMetadata bool          `default:"true" desc:"treat an mpu metadata fragment far behind the current sequence number as a restart"`
	Increment         time.Duration `default:"250ms" desc:"presentation clock step"`
	MaxPreload        time.Duration `default:"15s" desc:"how far a track may run ahead of the clock"`
	DumpDir           string        `desc:"write every mfu and mpu under this directory"`
	Inspect           bool          `desc:"log the box layout of every mpu at trace level"`
	LogLevel          string        `desc:"session log level, empty inherits the process level"`
}

// DefaultConfig returns the tag defaults with ATSC3_* environment overrides.
func DefaultConfig() (c Config, err error) {
	var conf config.Config
	err = conf.Parse(&c, "ATSC3")
	return
}

func (c *Config) options() fmp4.Options {
	return fmp4.Options{Increment: c.Increment, MaxPreload: c.MaxPreload}
}
