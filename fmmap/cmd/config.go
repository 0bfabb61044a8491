// Copyright © 2023-2024 Wei Shen <shenwei356@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/shenwei356/fmmap/fmmap/accel"
	"github.com/shenwei356/fmmap/fmmap/search"
	"github.com/spf13/cobra"
)

// Config is the content of a config file.
type Config struct {
	Search SearchConfig `toml:"search" comment:"approximate search"`
	Accel  AccelConfig  `toml:"accel" comment:"accelerator devices and buffers"`
}

// SearchConfig mirrors the searching flags.
type SearchConfig struct {
	MaxError                float64 `toml:"max-error"`
	MaxBandwidth            float64 `toml:"max-bandwidth"`
	CompleteStrataAfterBest int     `toml:"complete-strata"`
	ProbeStrand             bool    `toml:"probe-strand"`
	MaxMatches              int     `toml:"max-matches"`
	MaxSeedOccurrences      int     `toml:"max-seed-occ"`
	MinSeedLength           int     `toml:"min-seed-len"`
	DeltaTolerance          int     `toml:"delta-tolerance"`
	Scaffold                bool    `toml:"scaffold"`
}

// AccelConfig mirrors the accelerator flags, devices are emulated on the host.
type AccelConfig struct {
	Placement     string         `toml:"placement" comment:"auto, device or host"`
	NumBuffers    int            `toml:"buffers"`
	BufferMB      float64        `toml:"buffer-mb"`
	Architectures string         `toml:"architectures"`
	Required      bool           `toml:"required" comment:"fail instead of searching on CPU if no device is usable"`
	Devices       []DeviceConfig `toml:"devices"`
}

// DeviceConfig describes an emulated device.
type DeviceConfig struct {
	Name        string  `toml:"name"`
	Arch        string  `toml:"arch"`
	MemoryMB    float64 `toml:"memory-mb"`
	Performance float64 `toml:"performance"`
}

func defaultConfig() *Config {
	sopt := search.DefaultSearchOptions
	popt := accel.DefaultPoolOptions
	return &Config{
		Search: SearchConfig{
			MaxError:                sopt.MaxError,
			MaxBandwidth:            sopt.MaxBandwidth,
			CompleteStrataAfterBest: sopt.CompleteStrataAfterBest,
			ProbeStrand:             sopt.ProbeStrand,
			MaxMatches:              sopt.MaxMatches,
			MaxSeedOccurrences:      sopt.MaxSeedOccurrences,
			MinSeedLength:           sopt.MinSeedLength,
			DeltaTolerance:          sopt.DeltaTolerance,
			Scaffold:                sopt.Scaffold,
		},
		Accel: AccelConfig{
			Placement:     popt.Placement.String(),
			NumBuffers:    popt.NumBuffers,
			BufferMB:      float64(popt.MaxBytesPerBuffer) / (1 << 20),
			Architectures: popt.Architectures.String(),
		},
	}
}

// readConfig reads a config file, values missing in the file keep the defaults.
func readConfig(file string) (*Config, error) {
	file, err := homedir.Expand(file)
	if err != nil {
		return nil, errors.Wrapf(err, "expand path: %s", file)
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file: %s", file)
	}
	cfg := defaultConfig()
	if err = toml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config file: %s", file)
	}
	return cfg, nil
}

func formatDevices(devices []DeviceConfig) string {
	items := make([]string, len(devices))
	for i, d := range devices {
		items[i] = fmt.Sprintf("%s:%s:%s", d.Arch,
			strconv.FormatFloat(d.MemoryMB, 'f', -1, 64), strconv.FormatFloat(d.Performance, 'f', -1, 64))
	}
	return strings.Join(items, ",")
}

// parseDevices parses device descriptions in the format of arch:memoryMB[:performance].
func parseDevices(s string) ([]DeviceConfig, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	items := strings.Split(s, ",")
	devices := make([]DeviceConfig, 0, len(items))
	var err error
	for _, item := range items {
		fields := strings.Split(strings.TrimSpace(item), ":")
		if len(fields) < 2 || len(fields) > 3 {
			return nil, fmt.Errorf("invalid device description: %s, expected arch:memoryMB[:performance]", item)
		}
		d := DeviceConfig{Arch: fields[0], Performance: 1}
		if d.MemoryMB, err = strconv.ParseFloat(fields[1], 64); err != nil || d.MemoryMB <= 0 {
			return nil, fmt.Errorf("invalid device memory: %s", item)
		}
		if len(fields) == 3 {
			if d.Performance, err = strconv.ParseFloat(fields[2], 64); err != nil || d.Performance <= 0 {
				return nil, fmt.Errorf("invalid device performance: %s", item)
			}
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// newDevices creates the emulated devices.
func newDevices(devices []DeviceConfig) ([]accel.Device, error) {
	devs := make([]accel.Device, 0, len(devices))
	for i, d := range devices {
		arch, err := accel.ParseArch(d.Arch)
		if err != nil {
			return nil, err
		}
		devs = append(devs, accel.NewHostDevice(i, accel.HostDeviceOptions{
			Name:        d.Name,
			Arch:        arch,
			Memory:      uint64(d.MemoryMB * (1 << 20)),
			Performance: d.Performance,
		}))
	}
	return devs, nil
}

// applyConfig sets flags not given explicitly to values of the config file.
func applyConfig(cmd *cobra.Command, cfg *Config) {
	values := map[string]string{
		"max-error":       strconv.FormatFloat(cfg.Search.MaxError, 'f', -1, 64),
		"max-bandwidth":   strconv.FormatFloat(cfg.Search.MaxBandwidth, 'f', -1, 64),
		"complete-strata": strconv.Itoa(cfg.Search.CompleteStrataAfterBest),
		"no-probe-strand": strconv.FormatBool(!cfg.Search.ProbeStrand),
		"max-matches":     strconv.Itoa(cfg.Search.MaxMatches),
		"max-seed-occ":    strconv.Itoa(cfg.Search.MaxSeedOccurrences),
		"min-seed-len":    strconv.Itoa(cfg.Search.MinSeedLength),
		"delta-tolerance": strconv.Itoa(cfg.Search.DeltaTolerance),
		"no-scaffold":     strconv.FormatBool(!cfg.Search.Scaffold),

		"placement":      cfg.Accel.Placement,
		"buffers":        strconv.Itoa(cfg.Accel.NumBuffers),
		"buffer-mb":      strconv.FormatFloat(cfg.Accel.BufferMB, 'f', -1, 64),
		"arch":           cfg.Accel.Architectures,
		"accel-required": strconv.FormatBool(cfg.Accel.Required),
		"devices":        formatDevices(cfg.Accel.Devices),
	}
	for flag, value := range values {
		if cmd.Flags().Lookup(flag) == nil || flagChanged(cmd, flag) {
			continue
		}
		checkError(errors.Wrapf(cmd.Flags().Set(flag, value), "config value of %s", flag))
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the default config file",
	Long: `Print the default config file

The config file can be given to other commands with -c/--config.
Flags given explicitly take precedence over the values in the file.

Emulated devices are added as:

  [[accel.devices]]
  name = "dev0"
  arch = "ampere"
  memory-mb = 1024.0
  performance = 1.0

`,
	Run: func(cmd *cobra.Command, args []string) {
		outFile := getFlagString(cmd, "out-file")

		cfg := defaultConfig()
		if file := getFlagString(cmd, "config"); file != "" {
			var err error
			cfg, err = readConfig(file)
			checkError(err)
		}

		data, err := toml.Marshal(cfg)
		checkError(err)

		outfh, gw, w, err := outStream(outFile, strings.HasSuffix(outFile, ".gz"), -1)
		checkError(err)
		defer func() {
			outfh.Flush()
			if gw != nil {
				gw.Close()
			}
			w.Close()
		}()
		outfh.Write(data)
	},
}

func init() {
	RootCmd.AddCommand(configCmd)

	configCmd.Flags().StringP("out-file", "o", "-",
		formatFlagUsage(`Out file ("-" for stdout).`))

	configCmd.SetUsageTemplate(usageTemplate("[-c <config.toml>] [-o config.toml]"))
}
