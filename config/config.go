// Package config holds the process-wide compositing configuration: pixel
// formats, composite mode, reduction strategy, interlacing, the compose
// order and the display tile. A configuration is set once per compositing
// context and may be loaded from a TOML file.
package config

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/sortlast/compositor"
	"github.com/sortlast/compositor/pixel"
)

// Strategy names the reduction algorithm. Only the binary-swap family is
// supported.
type Strategy string

const (
	// StrategyBinarySwap telescopes ranks beyond the largest power of two.
	StrategyBinarySwap Strategy = "bswap"
	// StrategyBinarySwapFolding pre-folds rank pairs instead.
	StrategyBinarySwapFolding Strategy = "bswap-folding"
)

// Tile is a rectangle of the display covered by the composite, owned by a
// display rank. The pipeline supports a single tile covering the composite
// area.
type Tile struct {
	X           int `toml:"x"`
	Y           int `toml:"y"`
	Width       int `toml:"width"`
	Height      int `toml:"height"`
	DisplayRank int `toml:"display_rank"`
}

// Config is the process-wide compositing state.
type Config struct {
	ColorFormat   string   `toml:"color_format"`
	DepthFormat   string   `toml:"depth_format"`
	CompositeMode string   `toml:"composite_mode"`
	Strategy      Strategy `toml:"strategy"`
	// SingleImageStrategy selects the reduction used for one tile; with
	// only binary swap in scope it accepts the same names as Strategy.
	SingleImageStrategy Strategy `toml:"single_image_strategy"`
	InterlaceImages     bool     `toml:"interlace_images"`
	// ComposeOrder lists communicator ranks front to back. Empty means
	// rank order.
	ComposeOrder []int  `toml:"compose_order"`
	Tiles        []Tile `toml:"tile"`
}

// Default returns the configuration used when nothing is specified:
// 8-bit RGBA with float depth, z-buffer compositing, binary swap with
// interlacing on.
func Default() Config {
	return Config{
		ColorFormat:         "rgba_u8",
		DepthFormat:         "f32",
		CompositeMode:       "zbuffer",
		Strategy:            StrategyBinarySwap,
		SingleImageStrategy: StrategyBinarySwap,
		InterlaceImages:     true,
	}
}

// Load reads a TOML configuration file, filling unset fields from Default.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w: %w", err, compositor.ErrInvalidValue)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a TOML configuration, filling unset fields from Default.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w: %w", err, compositor.ErrInvalidValue)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// PixelColorFormat resolves the configured color format name.
func (c *Config) PixelColorFormat() (pixel.ColorFormat, error) {
	switch c.ColorFormat {
	case "none":
		return pixel.ColorNone, nil
	case "rgba_u8":
		return pixel.ColorRGBAUByte, nil
	case "rgb_f32":
		return pixel.ColorRGBFloat, nil
	case "rgba_f32":
		return pixel.ColorRGBAFloat, nil
	}
	return 0, fmt.Errorf("config: color format %q: %w", c.ColorFormat, compositor.ErrInvalidValue)
}

// PixelDepthFormat resolves the configured depth format name.
func (c *Config) PixelDepthFormat() (pixel.DepthFormat, error) {
	switch c.DepthFormat {
	case "none":
		return pixel.DepthNone, nil
	case "f32":
		return pixel.DepthFloat, nil
	}
	return 0, fmt.Errorf("config: depth format %q: %w", c.DepthFormat, compositor.ErrInvalidValue)
}

// Mode resolves the configured composite mode name.
func (c *Config) Mode() (pixel.Mode, error) {
	switch c.CompositeMode {
	case "zbuffer":
		return pixel.ZBuffer, nil
	case "blend":
		return pixel.Blend, nil
	}
	return 0, fmt.Errorf("config: composite mode %q: %w", c.CompositeMode, compositor.ErrInvalidValue)
}

// Validate checks the configuration for contradictions: unknown names,
// mode and format combinations the codec rejects, and multi-tile layouts,
// which are out of scope.
func (c *Config) Validate() error {
	cf, err := c.PixelColorFormat()
	if err != nil {
		return err
	}
	df, err := c.PixelDepthFormat()
	if err != nil {
		return err
	}
	mode, err := c.Mode()
	if err != nil {
		return err
	}

	switch c.Strategy {
	case StrategyBinarySwap, StrategyBinarySwapFolding:
	default:
		return fmt.Errorf("config: strategy %q: %w", c.Strategy, compositor.ErrInvalidValue)
	}
	switch c.SingleImageStrategy {
	case StrategyBinarySwap, StrategyBinarySwapFolding:
	default:
		return fmt.Errorf("config: single image strategy %q: %w",
			c.SingleImageStrategy, compositor.ErrInvalidValue)
	}

	if mode == pixel.ZBuffer && df == pixel.DepthNone {
		return fmt.Errorf("config: z-buffer compositing requires a depth format: %w",
			compositor.ErrInvalidOperation)
	}
	if mode == pixel.Blend && cf == pixel.ColorRGBFloat {
		return fmt.Errorf("config: blending requires a color format with an alpha channel: %w",
			compositor.ErrInvalidOperation)
	}

	if len(c.Tiles) > 1 {
		return fmt.Errorf("config: %d tiles configured, single-tile pipeline: %w",
			len(c.Tiles), compositor.ErrInvalidValue)
	}
	for _, t := range c.Tiles {
		if t.Width <= 0 || t.Height <= 0 {
			return fmt.Errorf("config: tile %dx%d: %w", t.Width, t.Height,
				compositor.ErrInvalidValue)
		}
	}

	seen := make(map[int]bool, len(c.ComposeOrder))
	for _, r := range c.ComposeOrder {
		if r < 0 || seen[r] {
			return fmt.Errorf("config: compose order entry %d: %w", r,
				compositor.ErrInvalidValue)
		}
		seen[r] = true
	}
	return nil
}
