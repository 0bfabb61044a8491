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

	colorable "github.com/mattn/go-colorable"
	"github.com/shenwei356/go-logging"
	"github.com/spf13/cobra"
)

// VERSION of fmmap
const VERSION = "0.1.0"

var log *logging.Logger

// stderr backend, combined with the log file backend in addLog
var stderrBackend logging.Backend

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "fmmap",
	Short: "approximate sequence search with accelerator-offloaded verification",
	Long: fmt.Sprintf(`
   fmmap: approximate sequence search with accelerator-offloaded verification

 Version: v%s
  Author: Wei Shen <shenwei356@gmail.com>

Candidates are found with exact seeds on an FM-index of the reference,
merged into filtering regions, and verified with bit-parallel edit distance
on the CPU or in buffers of (emulated) accelerator devices.

`, VERSION),
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	RootCmd.CompletionOptions.DisableDefaultCmd = true
	RootCmd.SetHelpCommand(&cobra.Command{Hidden: true})

	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(-1)
	}
}

func init() {
	RootCmd.PersistentFlags().IntP("threads", "j", 0,
		formatFlagUsage("Number of CPU cores to use. By default, it uses all available cores."))

	RootCmd.PersistentFlags().BoolP("quiet", "", false,
		formatFlagUsage("Do not print any verbose information. But you can write them to a file with --log."))

	RootCmd.PersistentFlags().StringP("log", "", "",
		formatFlagUsage("Log file."))

	RootCmd.PersistentFlags().StringP("config", "c", "",
		formatFlagUsage(`TOML config file for searching and accelerator options, flags given explicitly take precedence ("~" is expanded).`))

	RootCmd.SetUsageTemplate(usageTemplate(""))

	logFormat := logging.MustStringFormatter(`%{time:15:04:05.000} %{color}[%{level:.4s}]%{color:reset} %{message}`)
	backend := logging.NewLogBackend(colorable.NewColorableStderr(), "", 0)
	stderrBackend = logging.NewBackendFormatter(backend, logFormat)
	leveled := logging.SetBackend(stderrBackend)
	leveled.SetLevel(logging.INFO, "")

	log = logging.MustGetLogger("fmmap")
}
