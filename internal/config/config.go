// Package config builds the single, immutable configuration record that is
// passed by reference through every constructor in the daemon.
package config

import (
	"flag"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config is the daemon's CLI/configuration surface, plus the ambient
// knobs (metrics listen address, verbosity) around it.
type Config struct {
	Interface string `json:"interface"`

	Symbols     uint16 `json:"symbols"`      // G
	SymbolSize  uint16 `json:"symbol_size"`  // S
	Encoders    uint8  `json:"encoders"`     // N
	Benchmark   bool   `json:"benchmark"`
	Verbosity   int    `json:"verbosity"`

	EncoderTimeout time.Duration `json:"encoder_timeout"`
	DecoderTimeout time.Duration `json:"decoder_timeout"`
	ReqTimeout     time.Duration `json:"req_timeout"`
	AckTimeout     time.Duration `json:"ack_timeout"`

	FixedOvershoot float64 `json:"fixed_overshoot"`

	// E1, E2, E3 are the raw percent (0..100) loss estimates for the three
	// channel legs; ByteE1/ByteE2/ByteE3 are their "percent × 2.55" byte
	// quantization, computed once here so every consumer (Encoder,
	// Decoder) shares one truncation instead of repeating it.
	E1 int `json:"e1"`
	E2 int `json:"e2"`
	E3 int `json:"e3"`

	ByteE1, ByteE2, ByteE3 byte `json:"-"`

	MetricsAddr    string `json:"metrics_addr"`
	CountersDBPath string `json:"counters_db_path"`
}

// Default returns the daemon's default configuration.
func Default() *Config {
	c := &Config{
		Interface:      "bat0",
		Symbols:        64,
		SymbolSize:     1454,
		Encoders:       2,
		EncoderTimeout: 10 * time.Second,
		DecoderTimeout: 10 * time.Second,
		ReqTimeout:     500 * time.Millisecond,
		AckTimeout:     500 * time.Millisecond,
		FixedOvershoot: 1.06,
		MetricsAddr:    ":9618",
	}
	c.deriveLossBytes()
	return c
}

func (c *Config) deriveLossBytes() {
	c.ByteE1 = pctToByte(c.E1)
	c.ByteE2 = pctToByte(c.E2)
	c.ByteE3 = pctToByte(c.E3)
}

func pctToByte(pct int) byte {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return byte(float64(pct) * 2.55)
}

// ParseFlags builds a Config from the process command-line arguments. An
// optional JSON file (-config) overlays the defaults before flags are
// applied, so flags always win over the file.
func ParseFlags(args []string) (*Config, error) {
	c := Default()
	fs := flag.NewFlagSet("rlncd", flag.ContinueOnError)

	fs.StringVar(&c.Interface, "interface", c.Interface, "layer-2 interface name")
	symbols := fs.Uint("symbols", uint(c.Symbols), "generation size (G)")
	symbolSize := fs.Uint("symbol_size", uint(c.SymbolSize), "symbol size in bytes (S)")
	encoders := fs.Uint("encoders", uint(c.Encoders), "number of concurrent encoder slots (N)")
	fs.BoolVar(&c.Benchmark, "benchmark", c.Benchmark, "loopback plain frames instead of encoding them")
	fs.IntVar(&c.Verbosity, "v", c.Verbosity, "log verbosity")
	encTimeout := fs.Float64("encoder_timeout", c.EncoderTimeout.Seconds(), "encoder idle timeout, seconds")
	decTimeout := fs.Float64("decoder_timeout", c.DecoderTimeout.Seconds(), "decoder idle timeout, seconds")
	reqTimeout := fs.Float64("req_timeout", c.ReqTimeout.Seconds(), "decoder request-retransmit timeout, seconds")
	ackTimeout := fs.Float64("ack_timeout", c.AckTimeout.Seconds(), "decoder ack timeout, seconds")
	fs.Float64Var(&c.FixedOvershoot, "fixed_overshoot", c.FixedOvershoot, "budget overshoot multiplier")
	fs.IntVar(&c.E1, "e1", c.E1, "source->relay loss percent")
	fs.IntVar(&c.E2, "e2", c.E2, "relay->dest loss percent")
	fs.IntVar(&c.E3, "e3", c.E3, "source->dest loss percent")
	fs.StringVar(&c.MetricsAddr, "metrics_addr", c.MetricsAddr, "HTTP listen address for /metrics and /counters")
	fs.StringVar(&c.CountersDBPath, "counters_db", c.CountersDBPath, "optional buntdb path for a durable counter mirror")
	configFile := fs.String("config", "", "optional JSON config-file overlay")

	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "config: parse flags")
	}

	if *configFile != "" {
		if err := overlayFile(c, *configFile); err != nil {
			return nil, err
		}
		// Reset the unbound flag values to the file's settings, then
		// re-apply the command line so explicit flags win over the file.
		*symbols, *symbolSize, *encoders = uint(c.Symbols), uint(c.SymbolSize), uint(c.Encoders)
		*encTimeout, *decTimeout = c.EncoderTimeout.Seconds(), c.DecoderTimeout.Seconds()
		*reqTimeout, *ackTimeout = c.ReqTimeout.Seconds(), c.AckTimeout.Seconds()
		if err := fs.Parse(args); err != nil {
			return nil, errors.Wrap(err, "config: parse flags")
		}
	}

	c.Symbols = uint16(*symbols)
	c.SymbolSize = uint16(*symbolSize)
	c.Encoders = uint8(*encoders)
	c.EncoderTimeout = time.Duration(*encTimeout * float64(time.Second))
	c.DecoderTimeout = time.Duration(*decTimeout * float64(time.Second))
	c.ReqTimeout = time.Duration(*reqTimeout * float64(time.Second))
	c.AckTimeout = time.Duration(*ackTimeout * float64(time.Second))
	c.deriveLossBytes()

	return c, c.Validate()
}

// overlayFile merges a JSON file's fields over the defaults, before flags
// are re-applied; flags therefore always win over the file.
func overlayFile(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "config: read %s", path)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "config: parse %s", path)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Symbols == 0 {
		return errors.New("config: symbols (G) must be > 0")
	}
	if c.SymbolSize == 0 || c.SymbolSize > 1600 {
		return errors.New("config: symbol_size (S) must be in (0, 1600]")
	}
	if c.Encoders == 0 {
		return errors.New("config: encoders (N) must be > 0")
	}
	if c.E1 < 0 || c.E1 > 100 || c.E2 < 0 || c.E2 > 100 || c.E3 < 0 || c.E3 > 100 {
		return errors.New("config: e1/e2/e3 must be in [0, 100]")
	}
	return nil
}
