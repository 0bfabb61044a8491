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
	"io"
	"os"
	"regexp"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/shenwei356/bio/seq"
	"github.com/shenwei356/bio/seqio/fastx"
	"github.com/shenwei356/fmmap/fmmap/fmindex"
	"github.com/spf13/cobra"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// referenceFiles collects reference files from -r/--ref and -R/--ref-dir.
func referenceFiles(cmd *cobra.Command, threads int) []string {
	files := getFlagStringSlice(cmd, "ref")
	for _, file := range files {
		if isStdin(file) {
			checkError(fmt.Errorf("reference sequences should not be read from stdin"))
		}
		if _, err := os.Stat(file); err != nil {
			checkError(errors.Wrap(err, file))
		}
	}

	if dir := getFlagString(cmd, "ref-dir"); dir != "" {
		pattern, err := regexp.Compile(getFlagString(cmd, "ref-pattern"))
		if err != nil {
			checkError(fmt.Errorf("failed to parse regular expression of --ref-pattern: %s", err))
		}
		_files, err := getFileListFromDir(dir, pattern, threads)
		checkError(errors.Wrapf(err, "list files in %s", dir))
		if len(_files) == 0 {
			log.Warningf("no files matched in %s", dir)
		}
		files = append(files, _files...)
	}

	if len(files) == 0 {
		checkError(fmt.Errorf("flag -r/--ref or -R/--ref-dir needed"))
	}
	return files
}

// buildIndex reads reference sequences and builds the FM-index.
func buildIndex(cmd *cobra.Command, opt *Options, files []string) *fmindex.FMIndex {
	seq.ValidateSeq = false
	timeStart := time.Now()

	var pbs *mpb.Progress
	var bar *mpb.Bar
	if opt.Verbose {
		pbs = mpb.New(mpb.WithWidth(40), mpb.WithOutput(os.Stderr))
		bar = pbs.AddBar(int64(len(files)),
			mpb.PrependDecorators(
				decor.Name("processed files: ", decor.WC{W: len("processed files: "), C: decor.DindentRight}),
				decor.Name("", decor.WCSyncSpaceR),
				decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
			),
			mpb.AppendDecorators(
				decor.Name("ETA: ", decor.WC{W: len("ETA: ")}),
				decor.EwmaETA(decor.ET_STYLE_GO, 10),
				decor.OnComplete(decor.Name(""), ". done"),
			),
		)
	}

	seqs := make([]fmindex.Sequence, 0, 1024)
	var bases int
	var record *fastx.Record
	for _, file := range files {
		t := time.Now()
		fastxReader, err := fastx.NewReader(nil, file, "")
		checkError(errors.Wrap(err, file))
		for {
			record, err = fastxReader.Read()
			if err != nil {
				if err == io.EOF {
					break
				}
				checkError(errors.Wrap(err, file))
				break
			}
			if len(record.Seq.Seq) == 0 {
				continue
			}
			seqs = append(seqs, fmindex.Sequence{
				Name: string(record.ID),
				Seq:  append([]byte{}, record.Seq.Seq...),
			})
			bases += len(record.Seq.Seq)
		}
		fastxReader.Close()

		if opt.Verbose {
			bar.EwmaIncrBy(1, time.Since(t))
		}
	}
	if opt.Verbose {
		pbs.Wait()
	}

	rate := getFlagPositiveInt(cmd, "sa-sampling")
	idx, err := fmindex.Build(seqs, &fmindex.BuildOptions{
		SamplingRate:    rate,
		IndexComplement: getFlagBool(cmd, "index-complement"),
		NumCPUs:         opt.NumCPUs,
	})
	checkError(errors.Wrap(err, "build index"))

	if opt.Verbose || opt.Log2File {
		log.Infof("  %s sequences with %s bases read from %d file(s)",
			humanize.Comma(int64(len(seqs))), humanize.Comma(int64(bases)), len(files))
		log.Infof("  index built in %s: text length %s, SA sampling rate %d, index size %s",
			time.Since(timeStart), humanize.Comma(int64(idx.Len())), rate, humanize.IBytes(idx.SizeInBytes()))
	}
	return idx
}

func addReferenceFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceP("ref", "r", []string{},
		formatFlagUsage(`Reference sequence file(s) in (gzipped) FASTA/Q format, multiple values are separated by commas.`))

	cmd.Flags().StringP("ref-dir", "R", "",
		formatFlagUsage(`Directory containing reference sequence files, searched recursively.`))

	cmd.Flags().StringP("ref-pattern", "", `(?i)\.(f[aq](st[aq])?|fna)(\.gz|\.xz|\.zst|\.bz2)?$`,
		formatFlagUsage(`Regular expression for matching reference files in -R/--ref-dir.`))

	cmd.Flags().IntP("sa-sampling", "s", fmindex.DefaultBuildOptions.SamplingRate,
		formatFlagUsage(`Sampling rate of the suffix array. Bigger values save memory but need more LF steps to decode a candidate.`))

	cmd.Flags().BoolP("index-complement", "", false,
		formatFlagUsage(`Index reverse complement sequences too, so only the forward strand of queries is searched.`))
}
