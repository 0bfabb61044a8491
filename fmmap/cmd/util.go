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
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/iafan/cwalk"
	"github.com/klauspost/pgzip"
	"github.com/pkg/errors"
	"github.com/shenwei356/go-logging"
	"github.com/shenwei356/util/pathutil"
	"github.com/shenwei356/xopen"
	"github.com/spf13/cobra"
	"github.com/twotwotwo/sorts"
	"gonum.org/v1/gonum/stat"
)

// Options contains the global flags
type Options struct {
	NumCPUs int
	Verbose bool

	LogFile  string
	Log2File bool

	ConfigFile string

	Compress         bool
	CompressionLevel int
}

func getOptions(cmd *cobra.Command) *Options {
	threads := getFlagNonNegativeInt(cmd, "threads")
	if threads == 0 {
		threads = runtime.NumCPU()
	}

	sorts.MaxProcs = threads
	runtime.GOMAXPROCS(threads)

	logfile := getFlagString(cmd, "log")
	return &Options{
		NumCPUs: threads,
		Verbose: !getFlagBool(cmd, "quiet"),

		LogFile:  logfile,
		Log2File: logfile != "",

		ConfigFile: getFlagString(cmd, "config"),

		Compress:         true,
		CompressionLevel: -1,
	}
}

func checkError(err error) {
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

func isStdin(file string) bool {
	return file == "-"
}

// ---------------------------------------------------------------
// flags

func getFlagString(cmd *cobra.Command, flag string) string {
	value, err := cmd.Flags().GetString(flag)
	checkError(err)
	return value
}

func getFlagStringSlice(cmd *cobra.Command, flag string) []string {
	value, err := cmd.Flags().GetStringSlice(flag)
	checkError(err)
	return value
}

func getFlagBool(cmd *cobra.Command, flag string) bool {
	value, err := cmd.Flags().GetBool(flag)
	checkError(err)
	return value
}

func getFlagInt(cmd *cobra.Command, flag string) int {
	value, err := cmd.Flags().GetInt(flag)
	checkError(err)
	return value
}

func getFlagPositiveInt(cmd *cobra.Command, flag string) int {
	value := getFlagInt(cmd, flag)
	if value <= 0 {
		checkError(fmt.Errorf("value of flag --%s should be greater than 0", flag))
	}
	return value
}

func getFlagNonNegativeInt(cmd *cobra.Command, flag string) int {
	value := getFlagInt(cmd, flag)
	if value < 0 {
		checkError(fmt.Errorf("value of flag --%s should be greater than or equal to 0", flag))
	}
	return value
}

func getFlagNonNegativeFloat64(cmd *cobra.Command, flag string) float64 {
	value, err := cmd.Flags().GetFloat64(flag)
	checkError(err)
	if value < 0 {
		checkError(fmt.Errorf("value of flag --%s should be greater than or equal to 0", flag))
	}
	return value
}

// flagChanged tells whether a flag is given explicitly, so it overrides the config file.
func flagChanged(cmd *cobra.Command, flag string) bool {
	f := cmd.Flags().Lookup(flag)
	return f != nil && f.Changed
}

var reFlagUsageSpaces = regexp.MustCompile(`\s+`)

// formatFlagUsage wraps long flag descriptions.
func formatFlagUsage(s string) string {
	words := strings.Split(reFlagUsageSpaces.ReplaceAllString(strings.TrimSpace(s), " "), " ")
	var b strings.Builder
	var n int
	for i, w := range words {
		if i > 0 {
			if n+1+len(w) > 80 {
				b.WriteString("\n")
				n = 0
			} else {
				b.WriteByte(' ')
				n++
			}
		}
		b.WriteString(w)
		n += len(w)
	}
	b.WriteString("\n")
	return b.String()
}

func usageTemplate(s string) string {
	return fmt.Sprintf(`Usage:{{if .Runnable}}
  {{.UseLine}}{{end}}{{if .HasAvailableSubCommands}}
  {{.CommandPath}} [command]{{end}} %s{{if gt (len .Aliases) 0}}

Aliases:
  {{.NameAndAliases}}{{end}}{{if .HasExample}}

Examples:
{{.Example}}{{end}}{{if .HasAvailableSubCommands}}

Available Commands:{{range .Commands}}{{if (or .IsAvailableCommand (eq .Name "help"))}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableLocalFlags}}

Flags:
{{.LocalFlags.FlagUsagesWrapped 110 | trimTrailingWhitespaces}}{{end}}{{if .HasAvailableInheritedFlags}}

Global Flags:
{{.InheritedFlags.FlagUsagesWrapped 110 | trimTrailingWhitespaces}}{{end}}{{if .HasHelpSubCommands}}

Additional help topics:{{range .Commands}}{{if .IsAdditionalHelpTopicCommand}}
  {{rpad .CommandPath .CommandPathPadding}} {{.Short}}{{end}}{{end}}{{end}}{{if .HasAvailableSubCommands}}

Use "{{.CommandPath}} [command] --help" for more information about a command.{{end}}
`, s)
}

// ---------------------------------------------------------------
// files

func getFileList(args []string, checkFile bool) []string {
	files := make([]string, 0, 1000)
	if len(args) == 0 {
		files = append(files, "-")
	} else {
		for _, file := range args {
			if isStdin(file) {
				files = append(files, file)
				continue
			}
			if checkFile {
				if _, err := os.Stat(file); os.IsNotExist(err) {
					checkError(errors.Wrap(err, file))
				}
			}
			files = append(files, file)
		}
	}
	return files
}

func getListFromFile(file string, checkFile bool) ([]string, error) {
	fh, err := xopen.Ropen(file)
	if err != nil {
		return nil, fmt.Errorf("read file list from '%s': %s", file, err)
	}

	var _file string
	lists := make([]string, 0, 1000)
	scanner := bufio.NewScanner(fh)
	for scanner.Scan() {
		_file = strings.TrimSpace(scanner.Text())
		if _file == "" {
			continue
		}
		if checkFile && !isStdin(_file) {
			ok, err := pathutil.Exists(_file)
			if err != nil {
				return lists, fmt.Errorf("read file list from '%s': %s", file, err)
			}
			if !ok {
				return lists, fmt.Errorf("file (linked file) does not exist: %s", _file)
			}
		}
		lists = append(lists, _file)
	}
	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("read file list from '%s': %s", file, err)
	}

	return lists, fh.Close()
}

func getFileListFromArgsAndFile(cmd *cobra.Command, args []string, checkFileFromArgs bool, flag string, checkFileFromFile bool) []string {
	infileList := getFlagString(cmd, flag)
	files := getFileList(args, checkFileFromArgs)
	if infileList != "" {
		_files, err := getListFromFile(infileList, checkFileFromFile)
		checkError(err)
		if len(_files) == 0 {
			log.Warningf("no files found in file list: %s", infileList)
			return files
		}

		if len(files) == 1 && isStdin(files[0]) {
			return _files
		}
		files = append(files, _files...)
	}
	return files
}

func getFileListFromDir(path string, pattern *regexp.Regexp, threads int) ([]string, error) {
	files := make([]string, 0, 512)
	ch := make(chan string, threads)
	done := make(chan int)
	go func() {
		for file := range ch {
			files = append(files, file)
		}
		done <- 1
	}()

	cwalk.NumWorkers = threads
	err := cwalk.WalkWithSymlinks(path, func(_path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && pattern.MatchString(info.Name()) {
			ch <- filepath.Join(path, _path)
		}
		return nil
	})
	close(ch)
	<-done
	if err != nil {
		return nil, err
	}

	return files, err
}

func outStream(file string, gzipped bool, level int) (*bufio.Writer, io.WriteCloser, *os.File, error) {
	var w *os.File
	if file == "-" {
		w = os.Stdout
	} else {
		dir := filepath.Dir(file)
		fi, err := os.Stat(dir)
		if err == nil && !fi.IsDir() {
			return nil, nil, nil, fmt.Errorf("can not write file into a non-directory path: %s", dir)
		}
		if os.IsNotExist(err) {
			if err = os.MkdirAll(dir, 0755); err != nil {
				return nil, nil, nil, fmt.Errorf("can not create directory: %s", dir)
			}
		}

		w, err = os.Create(file)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("fail to write %s: %s", file, err)
		}
	}

	if gzipped {
		gw, err := pgzip.NewWriterLevel(w, level)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("fail to write %s: %s", file, err)
		}
		return bufio.NewWriterSize(gw, os.Getpagesize()), gw, w, nil
	}
	return bufio.NewWriterSize(w, os.Getpagesize()), nil, w, nil
}

// addLog writes logs to the file too.
func addLog(file string, verbose bool) *os.File {
	w, err := os.Create(file)
	if err != nil {
		checkError(fmt.Errorf("failed to write log file %s: %s", file, err))
	}

	logFormat := logging.MustStringFormatter(`%{time:15:04:05.000} [%{level:.4s}] %{message}`)
	backend := logging.NewBackendFormatter(logging.NewLogBackend(w, "", 0), logFormat)

	var leveled logging.LeveledBackend
	if verbose {
		leveled = logging.SetBackend(stderrBackend, backend)
	} else {
		leveled = logging.SetBackend(backend)
	}
	leveled.SetLevel(logging.INFO, "")

	return w
}

// MeanStdev returns the mean and population standard deviation.
func MeanStdev(values []float64) (float64, float64) {
	switch len(values) {
	case 0:
		return 0, 0
	case 1:
		return values[0], 0
	}
	mean, variance := stat.PopMeanVariance(values, nil)
	return mean, math.Sqrt(variance)
}
