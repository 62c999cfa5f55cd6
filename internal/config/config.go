// Package config loads cmd/upvcat's runtime configuration: defaults
// first, then an optional YAML file layered on top.
package config

import (
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"github.com/UsbPacketViewer/usbpv-api/internal/device"
)

// FilterConfig is the YAML/env-friendly mirror of device.FilterEntry;
// -1 round-trips through koanf's struct tags fine, so no translation
// layer is needed beyond the field names.
type FilterConfig struct {
	Addr     int `koanf:"addr"`
	Endpoint int `koanf:"endpoint"`
}

// Config is the full set of knobs cmd/upvcat exposes.
type Config struct {
	Serial     string         `koanf:"serial"`
	Speed      int            `koanf:"speed"`
	EventMask  int            `koanf:"eventmask"`
	AcceptMode int            `koanf:"acceptmode"`
	Filters    []FilterConfig `koanf:"filters"`
	Firmware   string         `koanf:"firmware"`
	RawOut     string         `koanf:"rawout"`
	Fast       bool           `koanf:"fast"`
}

func defaults() Config {
	return Config{
		Speed:      device.SpeedAuto,
		EventMask:  device.FlagAll,
		AcceptMode: 1,
	}
}

// Load layers defaults, then path if it exists; a missing file is not
// an error. structs.Provider seeds the defaults, file.Provider with
// the YAML parser overlays whatever the file sets.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return Config{}, err
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !strings.Contains(err.Error(), "no such file") {
				return Config{}, err
			}
		}
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ToDeviceOptions converts the loaded config into the device
// package's Options, filling unset filter slots the way
// device.DefaultOptions does.
func (c Config) ToDeviceOptions() device.Options {
	opt := device.DefaultOptions(c.Serial)
	opt.Speed = c.Speed
	opt.EventMask = byte(c.EventMask)
	opt.AcceptMode = c.AcceptMode
	for i, f := range c.Filters {
		if i >= len(opt.Filters) {
			break
		}
		opt.Filters[i] = device.FilterEntry{Addr: f.Addr, Endpoint: f.Endpoint}
	}
	return opt
}
