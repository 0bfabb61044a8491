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
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/shenwei356/fmmap/fmmap/accel"
	"github.com/shenwei356/fmmap/fmmap/accel/twobit"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Show placement decisions and buffers of emulated devices",
	Long: `Show placement decisions and buffers of emulated devices

The reference and index are built as "fmmap search" does, so the payload
sizes are real. Each device is screened with the placement policy, and the
buffers are scheduled over the usable devices by their performance.

Placement states:
  all-local         the reference and index are both on the device.
  reference-remote  the reference stays in host memory.
  all-remote        the reference and index stay in host memory.
  unusable          the buffers alone do not fit.

Output format:
  Tab-delimited format with 12 columns.

    1.  id,           Device ID.
    2.  name,         Device name.
    3.  arch,         Architecture.
    4.  memory,       Device memory.
    5.  selected,     Whether the architecture is selected with --arch.
    6.  state,        Placement state.
    7.  reference,    Placement of the reference payload.
    8.  index,        Placement of the index payload.
    9.  required,     Memory required in the state.
    10. recommended,  Memory needed with both payloads on the device.
    11. buffers,      Number of buffers.
    12. buffer_size,  Size of each buffer.

`,
	Run: func(cmd *cobra.Command, args []string) {
		opt := getOptions(cmd)
		if opt.ConfigFile != "" {
			cfg, err := readConfig(opt.ConfigFile)
			checkError(err)
			applyConfig(cmd, cfg)
		}

		outFile := getFlagString(cmd, "out-file")

		devices, err := parseDevices(getFlagString(cmd, "devices"))
		checkError(err)
		if len(devices) == 0 {
			checkError(fmt.Errorf("flag --devices needed"))
		}
		popt := poolOptions(cmd)
		checkError(accel.CheckPoolOptions(popt))

		idx := buildIndex(cmd, opt, referenceFiles(cmd, opt.NumCPUs))

		ref, err := twobit.Pack(idx.Text()).Bytes()
		checkError(errors.Wrap(err, "serialize reference"))
		req := accel.MemoryRequirement{
			NumBuffers:        popt.NumBuffers,
			MinBytesPerBuffer: accel.MinBytesPerBuffer(popt.AverageQueryLength, popt.CandidatesPerQuery),
			ReferenceBytes:    uint64(len(ref)),
			IndexBytes:        uint64(len(idx.Payload())),
		}
		if opt.Verbose {
			log.Infof("reference payload: %s, index payload: %s, minimum buffer size: %s",
				humanize.IBytes(req.ReferenceBytes), humanize.IBytes(req.IndexBytes),
				humanize.IBytes(req.MinBytesPerBuffer))
		}

		devs, err := newDevices(devices)
		checkError(err)

		buffers := make(map[int]*accel.DeviceDescriptor, len(devs))
		pool, err := accel.NewPool(devs, popt, twobit.Pack(idx.Text()), idx.Payload())
		if err != nil {
			if !errors.Is(err, accel.ErrNoDevice) {
				checkError(err)
			}
			log.Warningf("%s", err)
		} else {
			for _, d := range pool.Devices() {
				buffers[d.Device.ID()] = d
			}
			defer func() {
				checkError(errors.Wrap(pool.Destroy(), "destroy buffers"))
			}()
		}

		outfh, gw, w, err := outStream(outFile, strings.HasSuffix(outFile, ".gz"), opt.CompressionLevel)
		checkError(err)
		defer func() {
			outfh.Flush()
			if gw != nil {
				gw.Close()
			}
			w.Close()
		}()

		fmt.Fprintln(outfh, "id\tname\tarch\tmemory\tselected\tstate\treference\tindex\trequired\trecommended\tbuffers\tbuffer_size")
		for _, dev := range devs {
			selected := dev.Arch()&popt.Architectures != 0
			decision := accel.DecidePlacement(dev.TotalMemory(), req, popt.Placement)

			nBuffers, size := "-", "-"
			if d, ok := buffers[dev.ID()]; ok {
				nBuffers = fmt.Sprintf("%d", d.NumBuffers)
				size = humanize.IBytes(d.BytesPerBuffer)
			}
			fmt.Fprintf(outfh, "%d\t%s\t%s\t%s\t%v\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				dev.ID(), dev.Name(), dev.Arch(), humanize.IBytes(dev.TotalMemory()), selected,
				decision.State, decision.Reference, decision.Index,
				humanize.IBytes(decision.Required), humanize.IBytes(decision.Recommended),
				nBuffers, size)
		}
	},
}

func init() {
	RootCmd.AddCommand(devicesCmd)

	addReferenceFlags(devicesCmd)
	addAccelFlags(devicesCmd)

	devicesCmd.Flags().StringP("out-file", "o", "-",
		formatFlagUsage(`Out file, supports a ".gz" suffix ("-" for stdout).`))

	devicesCmd.SetUsageTemplate(usageTemplate("{-r <ref.fasta> | -R <ref dir>} --devices <devices> [-o devices.tsv]"))
}
