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
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/shenwei356/bio/seqio/fastx"
	"github.com/shenwei356/fmmap/fmmap/accel"
	"github.com/shenwei356/fmmap/fmmap/accel/twobit"
	"github.com/shenwei356/fmmap/fmmap/fmindex"
	"github.com/shenwei356/fmmap/fmmap/search"
	"github.com/shenwei356/fmmap/fmmap/verify"
	"github.com/spf13/cobra"
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search sequences against reference sequences",
	Long: `Search sequences against reference sequences

Attention:
  1. Input should be (gzipped) FASTA or FASTQ records from files or stdin.
  2. For multiple threads, the order of queries in output might be different from the input.
  3. Accelerator devices are emulated on the host (--devices). If no device is usable,
     queries are verified on CPU, unless --accel-required is given.

Error values:
  Values >= 1 of -e/--max-error and --max-bandwidth are absolute numbers of edits,
  smaller ones are fractions of the query length.

Output format:
  Tab-delimited format with 10 columns, with 1-based positions.

    1.  query,    Query sequence ID.
    2.  qlen,     Query sequence length.
    3.  hits,     Number of matches of the query.
    4.  sseqid,   Subject sequence ID.
    5.  sstart,   Start of the match in the subject sequence.
    6.  send,     End of the match in the subject sequence.
    7.  sstr,     Subject strand.
    8.  dist,     Edit distance.
    9.  matches,  Matched bases.
    10. cigar,    CIGAR string of the alignment of the query strand.

Diagnostic file:
  With --diagnostic-file, candidate regions copied to accelerator buffers are written
  as: query, strand, sequence index, begin, end, left trim, right trim.

`,
	Run: func(cmd *cobra.Command, args []string) {
		opt := getOptions(cmd)
		if opt.ConfigFile != "" {
			cfg, err := readConfig(opt.ConfigFile)
			checkError(err)
			applyConfig(cmd, cfg)
		}

		outFile := getFlagString(cmd, "out-file")

		var fhLog *os.File
		if opt.Log2File {
			ro, err := filepath.Abs(outFile)
			if err != nil {
				checkError(fmt.Errorf("failed to check output file: %s", err))
			}
			rl, err := filepath.Abs(opt.LogFile)
			if err != nil {
				checkError(fmt.Errorf("failed to check log file: %s", err))
			}
			if ro == rl {
				checkError(fmt.Errorf("output file and log file should not be the same: %s", outFile))
			}
			fhLog = addLog(opt.LogFile, opt.Verbose)
		}

		verbose := opt.Verbose
		outputLog := opt.Verbose || opt.Log2File

		timeStart := time.Now()
		defer func() {
			if outputLog {
				log.Info()
				log.Infof("elapsed time: %s", time.Since(timeStart))
				log.Info()
			}
			if opt.Log2File {
				fhLog.Close()
			}
		}()

		// ---------------------------------------------------------------
		// options

		sopt := searchOptions(cmd)
		checkError(search.CheckSearchOptions(sopt))

		devices, err := parseDevices(getFlagString(cmd, "devices"))
		checkError(err)
		popt := poolOptions(cmd)
		required := getFlagBool(cmd, "accel-required")
		if required && len(devices) == 0 {
			checkError(fmt.Errorf("flag --devices needed when --accel-required is given"))
		}

		diagFile := getFlagString(cmd, "diagnostic-file")

		// ---------------------------------------------------------------

		if outputLog {
			log.Infof("fmmap v%s", VERSION)
			log.Info()
		}

		// ---------------------------------------------------------------
		// reference and index

		if outputLog {
			log.Info("building index ...")
		}
		idx := buildIndex(cmd, opt, referenceFiles(cmd, opt.NumCPUs))

		// ---------------------------------------------------------------
		// accelerators

		var pool *accel.Pool
		if len(devices) > 0 {
			if outputLog {
				log.Info()
				log.Infof("initializing %d emulated device(s) ...", len(devices))
			}
			pool, err = newPool(devices, popt, idx)
			if err != nil {
				if !errors.Is(err, accel.ErrNoDevice) || required {
					checkError(err)
				}
				log.Warningf("%s", err)
				log.Warningf("no usable device, verifying on CPU")
				pool = nil
			} else {
				defer func() {
					checkError(errors.Wrap(pool.Destroy(), "destroy buffers"))
				}()
				if outputLog {
					for _, d := range pool.Devices() {
						log.Infof("  device #%d (%s): %d buffer(s) of %s, reference: %s, index: %s",
							d.Device.ID(), d.Device.Name(), d.NumBuffers, humanize.IBytes(d.BytesPerBuffer),
							d.Placement.Reference, d.Placement.Index)
					}
				}
			}
		}

		// ---------------------------------------------------------------
		// input files

		files := getFileListFromArgsAndFile(cmd, args, true, "infile-list", true)
		if outputLog {
			log.Info()
			if len(files) == 1 {
				if isStdin(files[0]) {
					log.Info("no query files given, reading from stdin")
				} else {
					log.Infof("%d query file given: %s", len(files), files[0])
				}
			} else {
				log.Infof("%d query file(s) given", len(files))
			}
		}

		outFileClean := filepath.Clean(outFile)
		for _, file := range files {
			if !isStdin(file) && filepath.Clean(file) == outFileClean {
				checkError(fmt.Errorf("out file should not be one of the input file"))
			}
		}

		if diagFile != "" {
			dfh, dgw, dw, err := outStream(diagFile, strings.HasSuffix(diagFile, ".gz"), opt.CompressionLevel)
			checkError(err)
			sopt.Diagnostic = &lockedWriter{w: dfh}
			defer func() {
				dfh.Flush()
				if dgw != nil {
					dgw.Close()
				}
				dw.Close()
			}()
		}

		// ---------------------------------------------------------------
		// searching

		threads := opt.NumCPUs
		var parts [][]*accel.Buffer
		if pool != nil {
			threads = min(threads, pool.NumBuffers())
			parts = pool.Partition(threads)
		}
		if outputLog {
			if pool != nil {
				log.Infof("searching with %d threads, %d buffers ...", threads, pool.NumBuffers())
			} else {
				log.Infof("searching with %d threads on CPU ...", threads)
			}
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

		fmt.Fprintln(outfh, "query\tqlen\thits\tsseqid\tsstart\tsend\tsstr\tdist\tmatches\tcigar")

		timeStart1 := time.Now()
		var total, matched uint64
		var speed float64
		hitCounts := make([]float64, 0, 1024)

		printResult := func(r *search.Result) {
			total++
			if verbose {
				if (total < 128 && total&7 == 0) || total&127 == 0 {
					speed = float64(total) / time.Since(timeStart1).Minutes()
					fmt.Fprintf(os.Stderr, "processed queries: %d, speed: %.3f queries per minute\r", total, speed)
				}
			}
			if len(r.Hits) == 0 {
				search.RecycleResult(r)
				return
			}
			matched++
			hitCounts = append(hitCounts, float64(len(r.Hits)))

			for _, h := range r.Hits {
				fmt.Fprintf(outfh, "%s\t%d\t%d\t%s\t%d\t%d\t%c\t%d\t%d\t%s\n",
					r.Name, r.Len, len(r.Hits), h.Name, h.Begin+1, h.End, h.Strand,
					h.Distance, h.Matches, h.CIGAR)
			}
			outfh.Flush()
			search.RecycleResult(r)
		}

		// outputter
		ch := make(chan *search.Result, threads)
		done := make(chan int)
		go func() {
			for r := range ch {
				printResult(r)
			}
			done <- 1
		}()

		type query struct {
			name string
			seq  []byte
		}
		queries := make(chan query, threads*4)

		var wg sync.WaitGroup
		stats := make([]workerStats, threads)
		for i := 0; i < threads; i++ {
			s, err := search.NewSearcher(idx, sopt)
			checkError(err)

			var pl *search.Pipeline
			if pool != nil {
				pl, err = search.NewPipeline(s, parts[i], func(r *search.Result) error {
					ch <- r
					return nil
				})
				checkError(err)
			}

			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for q := range queries {
					if pl != nil {
						checkError(errors.Wrapf(pl.Add(q.name, q.seq), "search %s", q.name))
						continue
					}
					r, err := s.Search(q.name, q.seq)
					checkError(errors.Wrapf(err, "search %s", q.name))
					ch <- r
				}
				if pl != nil {
					checkError(errors.Wrap(pl.Flush(), "flush buffers"))
					stats[i].oversized = pl.Oversized
				}
				stats[i].verify = s.VerifyStats()
				stats[i].decode = s.DecodeStats().Candidates
			}(i)
		}

		var record *fastx.Record
		for _, file := range files {
			fastxReader, err := fastx.NewReader(nil, file, "")
			checkError(err)

			for {
				record, err = fastxReader.Read()
				if err != nil {
					if err == io.EOF {
						break
					}
					checkError(err)
					break
				}
				queries <- query{
					name: string(record.ID),
					seq:  bytes.ToUpper(record.Seq.Seq),
				}
			}
			fastxReader.Close()
		}
		close(queries)
		wg.Wait()
		close(ch)
		<-done

		if outputLog {
			if verbose {
				fmt.Fprintf(os.Stderr, "\n")
			}

			var sum workerStats
			for _, st := range stats {
				sum.add(st)
			}

			speed = float64(total) / time.Since(timeStart1).Minutes()
			log.Infof("")
			log.Infof("processed queries: %d, speed: %.3f queries per minute", total, speed)
			if total > 0 {
				log.Infof("%.4f%% (%d/%d) queries matched", float64(matched)/float64(total)*100, matched, total)
			}
			mean, stdev := MeanStdev(hitCounts)
			log.Infof("hits per matched query: %.2f ± %.2f", mean, stdev)
			log.Infof("decoded candidates: %s, verified regions: %s on CPU, %s in buffers, accepted: %s, discarded: %s",
				humanize.Comma(int64(sum.decode)),
				humanize.Comma(int64(sum.verify.Local)), humanize.Comma(int64(sum.verify.Offloaded)),
				humanize.Comma(int64(sum.verify.Accepted)), humanize.Comma(int64(sum.verify.Discarded)))
			if sum.oversized > 0 {
				log.Infof("%d queries with too many candidates for a buffer were verified on CPU", sum.oversized)
			}
			log.Infof("done searching")
			if outFile != "-" {
				log.Infof("search results saved to: %s", outFile)
			}
		}
	},
}

type workerStats struct {
	verify    verify.Stats
	decode    uint64
	oversized int
}

func (s *workerStats) add(o workerStats) {
	s.verify.Local += o.verify.Local
	s.verify.Offloaded += o.verify.Offloaded
	s.verify.Accepted += o.verify.Accepted
	s.verify.Discarded += o.verify.Discarded
	s.decode += o.decode
	s.oversized += o.oversized
}

// lockedWriter is shared by the searchers of all threads.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

func searchOptions(cmd *cobra.Command) *search.SearchOptions {
	return &search.SearchOptions{
		MaxError:                getFlagNonNegativeFloat64(cmd, "max-error"),
		MaxBandwidth:            getFlagNonNegativeFloat64(cmd, "max-bandwidth"),
		CompleteStrataAfterBest: getFlagNonNegativeInt(cmd, "complete-strata"),
		ProbeStrand:             !getFlagBool(cmd, "no-probe-strand"),
		MaxMatches:              getFlagNonNegativeInt(cmd, "max-matches"),
		MaxSeedOccurrences:      getFlagPositiveInt(cmd, "max-seed-occ"),
		MinSeedLength:           getFlagPositiveInt(cmd, "min-seed-len"),
		NeighborhoodStep:        getFlagNonNegativeInt(cmd, "neighborhood-step"),
		DeltaTolerance:          getFlagNonNegativeInt(cmd, "delta-tolerance"),
		Scaffold:                !getFlagBool(cmd, "no-scaffold"),
	}
}

func poolOptions(cmd *cobra.Command) *accel.PoolOptions {
	placement, err := accel.ParsePlacementPolicy(getFlagString(cmd, "placement"))
	checkError(err)
	arch, err := accel.ParseArch(getFlagString(cmd, "arch"))
	checkError(err)
	return &accel.PoolOptions{
		NumBuffers:         getFlagPositiveInt(cmd, "buffers"),
		MaxBytesPerBuffer:  uint64(getFlagNonNegativeFloat64(cmd, "buffer-mb") * (1 << 20)),
		Placement:          placement,
		Architectures:      arch,
		AverageQueryLength: getFlagPositiveInt(cmd, "avg-query-len"),
		CandidatesPerQuery: getFlagPositiveInt(cmd, "candidates-per-query"),
	}
}

func newPool(devices []DeviceConfig, popt *accel.PoolOptions, idx *fmindex.FMIndex) (*accel.Pool, error) {
	devs, err := newDevices(devices)
	if err != nil {
		return nil, err
	}
	return accel.NewPool(devs, popt, twobit.Pack(idx.Text()), idx.Payload())
}

func addSearchFlags(cmd *cobra.Command) {
	sopt := search.DefaultSearchOptions

	cmd.Flags().Float64P("max-error", "e", sopt.MaxError,
		formatFlagUsage(`Maximum edit distance of a match.`))

	cmd.Flags().Float64P("max-bandwidth", "", sopt.MaxBandwidth,
		formatFlagUsage(`Error margin of candidate windows, not smaller than -e/--max-error.`))

	cmd.Flags().IntP("complete-strata", "", sopt.CompleteStrataAfterBest,
		formatFlagUsage(`Matches with more edits than the best one plus this value are not reported.`))

	cmd.Flags().BoolP("no-probe-strand", "", !sopt.ProbeStrand,
		formatFlagUsage(`Do not stop the forward strand after the exact seeds to search the reverse strand first.`))

	cmd.Flags().IntP("max-matches", "n", sopt.MaxMatches,
		formatFlagUsage(`Stop searching a query once so many matches are found (0 for no limit).`))

	cmd.Flags().IntP("max-seed-occ", "", sopt.MaxSeedOccurrences,
		formatFlagUsage(`Exact seeds with more occurrences are skipped.`))

	cmd.Flags().IntP("min-seed-len", "m", sopt.MinSeedLength,
		formatFlagUsage(`Minimum seed length.`))

	cmd.Flags().IntP("neighborhood-step", "", sopt.NeighborhoodStep,
		formatFlagUsage(`Step of the overlapping seeds when exact seeds can not guarantee all matches (0 for half of -m/--min-seed-len).`))

	cmd.Flags().IntP("delta-tolerance", "", sopt.DeltaTolerance,
		formatFlagUsage(`Candidates with window begins within this distance are merged (0 for the bandwidth).`))

	cmd.Flags().BoolP("no-scaffold", "", !sopt.Scaffold,
		formatFlagUsage(`Do not keep seeds of merged candidates.`))
}

func addAccelFlags(cmd *cobra.Command) {
	popt := accel.DefaultPoolOptions

	cmd.Flags().StringP("devices", "", "",
		formatFlagUsage(`Emulated accelerator devices, in the format of arch:memoryMB[:performance], multiple values are separated by commas. E.g., "ampere:1024:2,turing:512".`))

	cmd.Flags().StringP("placement", "", popt.Placement.String(),
		formatFlagUsage(`Placement of the reference and index payloads: auto, device or host.`))

	cmd.Flags().IntP("buffers", "", popt.NumBuffers,
		formatFlagUsage(`Number of buffers shared by all devices.`))

	cmd.Flags().Float64P("buffer-mb", "", float64(popt.MaxBytesPerBuffer)/(1<<20),
		formatFlagUsage(`Maximum size of a buffer in MB.`))

	cmd.Flags().StringP("arch", "", popt.Architectures.String(),
		formatFlagUsage(`Selected device architectures: fermi, kepler, maxwell, pascal, volta, turing, ampere, hopper, or all.`))

	cmd.Flags().BoolP("accel-required", "", false,
		formatFlagUsage(`Fail if no device is usable, instead of verifying on CPU.`))

	cmd.Flags().IntP("avg-query-len", "", popt.AverageQueryLength,
		formatFlagUsage(`Expected average query length, for the minimum buffer size.`))

	cmd.Flags().IntP("candidates-per-query", "", popt.CandidatesPerQuery,
		formatFlagUsage(`Expected candidates per query, for the minimum buffer size.`))
}

func init() {
	RootCmd.AddCommand(searchCmd)

	addReferenceFlags(searchCmd)
	addSearchFlags(searchCmd)
	addAccelFlags(searchCmd)

	searchCmd.Flags().StringP("out-file", "o", "-",
		formatFlagUsage(`Out file, supports a ".gz" suffix ("-" for stdout).`))

	searchCmd.Flags().StringP("infile-list", "X", "",
		formatFlagUsage(`File of query file list (one file per line). If given, they are appended to files from CLI arguments.`))

	searchCmd.Flags().StringP("diagnostic-file", "", "",
		formatFlagUsage(`Write candidate regions copied to buffers to this file, supports a ".gz" suffix.`))

	searchCmd.SetUsageTemplate(usageTemplate("{-r <ref.fasta> | -R <ref dir>} [query.fasta.gz ...] [-o query.tsv.gz]"))
}
