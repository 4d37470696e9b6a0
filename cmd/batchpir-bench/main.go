// Command batchpir-bench measures batch PIR end to end: server setup, query
// generation, response generation, decoding and communication, for a list of
// batch sizes over one random database.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/opaque/batchpir/pkg/batch"
	"github.com/opaque/batchpir/pkg/crypto"
	"github.com/opaque/batchpir/pkg/cuckoo"
)

var (
	numEntries = flag.Int("entries", 1<<20, "Number of database entries")
	entrySize  = flag.Int("entry-size", 32, "Entry size in bytes")
	batchSizes = flag.String("batches", "32,64,256", "Comma-separated batch sizes")
	firstDim   = flag.Int("first-dim", 64, "Cap on the first hypercube dimension")
	preset     = flag.String("preset", string(crypto.DefaultPreset), "BGV parameter preset")
	seed       = flag.Int64("seed", 1, "Seed for entries and indices")
	workers    = flag.Int("workers", 0, "Worker goroutines (0 = NumCPU)")
	hashTrials = flag.Int("hash-trials", 0, "Only run this many cuckoo assignment trials")
	verbose    = flag.Bool("v", false, "Debug logging")
)

type result struct {
	batchSize  int
	numBuckets int
	dims       []int
	setup      time.Duration
	queryGen   time.Duration
	respGen    time.Duration
	decode     time.Duration
	upload     int
	download   int
	matched    bool
}

func main() {
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.WarnLevel)
	}

	sizes, err := parseSizes(*batchSizes)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if *hashTrials > 0 {
		for _, b := range sizes {
			runHashTrials(b)
		}
		return
	}

	rng := rand.New(rand.NewSource(*seed))
	fmt.Printf("Generating %d random %d-byte entries...\n", *numEntries, *entrySize)
	entries := make([][]byte, *numEntries)
	for i := range entries {
		entries[i] = make([]byte, *entrySize)
		rng.Read(entries[i])
	}

	var results []result
	for i, b := range sizes {
		color.Cyan("***************************************************")
		color.Cyan("             Starting example %d (batch %d)", i+1, b)
		color.Cyan("***************************************************")
		r, err := runExample(entries, b, rng)
		if err != nil {
			color.Red("example %d failed: %v", i+1, err)
			os.Exit(1)
		}
		results = append(results, r)
		fmt.Println()
	}
	report(results)
}

func parseSizes(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid batch size %q", f)
		}
		out = append(out, n)
	}
	return out, nil
}

func runExample(entries [][]byte, batchSize int, rng *rand.Rand) (result, error) {
	r := result{batchSize: batchSize}
	params := batch.Params{
		BatchSize:  batchSize,
		NumEntries: len(entries),
		EntrySize:  *entrySize,
		FirstDim:   *firstDim,
		Preset:     crypto.Preset(*preset),
		Workers:    *workers,
	}

	var bar *progressbar.ProgressBar
	progress := func(done, total int) {
		if bar == nil {
			bar = progressbar.Default(int64(total), "Encoding buckets")
		}
		bar.Set(done)
	}

	start := time.Now()
	server, err := batch.NewServer(params, entries, batch.WithProgress(progress))
	if err != nil {
		return r, err
	}
	r.setup = time.Since(start)
	r.numBuckets = server.Params().NumBuckets
	r.dims = server.Layout().Dims

	client, err := batch.NewClient(server.Params())
	if err != nil {
		return r, err
	}
	if err := client.SetHashMap(server.HashMap()); err != nil {
		return r, err
	}
	keys, err := client.EvaluationKeys()
	if err != nil {
		return r, err
	}
	sess, err := server.SetClientKeys("bench", keys)
	if err != nil {
		return r, err
	}

	indices := make([]uint64, batchSize)
	for i := range indices {
		indices[i] = uint64(rng.Intn(len(entries)))
	}

	fmt.Println("Starting query generation...")
	start = time.Now()
	req, err := client.CreateQueries(indices)
	if err != nil {
		return r, err
	}
	r.queryGen = time.Since(start)

	fmt.Println("Starting response generation...")
	start = time.Now()
	reply, err := server.GenerateResponse(context.Background(), sess, req)
	if err != nil {
		return r, err
	}
	r.respGen = time.Since(start)

	start = time.Now()
	got, err := client.DecodeResponses(reply)
	if err != nil {
		return r, err
	}
	r.decode = time.Since(start)
	r.upload = req.Size()
	r.download = reply.Size()

	if err := server.CheckDecodedEntries(indices, got); err != nil {
		color.Red("Decoded entries do not match: %v", err)
	} else {
		r.matched = true
		color.Green("All the entries matched!")
	}
	return r, nil
}

func report(results []result) {
	bold := color.New(color.Bold).SprintFunc()
	color.Cyan("***********************")
	color.Cyan("     Timings Report    ")
	color.Cyan("***********************")
	for _, r := range results {
		fmt.Printf("%s Batch Size: %d, Number of Entries: %d, Entry Size: %d\n",
			bold("Input Parameters:"), r.batchSize, *numEntries, *entrySize)
		fmt.Printf("Buckets: %d, hypercube dims: %v\n", r.numBuckets, r.dims)
		fmt.Printf("Initialization time: %d milliseconds\n", r.setup.Milliseconds())
		fmt.Printf("Query generation time: %d milliseconds\n", r.queryGen.Milliseconds())
		fmt.Printf("Response generation time: %d milliseconds\n", r.respGen.Milliseconds())
		fmt.Printf("Decode time: %d milliseconds\n", r.decode.Milliseconds())
		fmt.Printf("Total communication: %d KB (up %d KB, down %d KB)\n",
			(r.upload+r.download)>>10, r.upload>>10, r.download>>10)
		if r.matched {
			color.Green("Entries matched")
		} else {
			color.Red("Entries MISMATCHED")
		}
		fmt.Println()
	}
}

// runHashTrials repeats cuckoo assignment of random batches without any HE
// work and reports how often it fails.
func runHashTrials(batchSize int) {
	p, err := batch.Params{
		BatchSize:  batchSize,
		NumEntries: *numEntries,
		EntrySize:  *entrySize,
	}.Normalize()
	if err != nil {
		color.Red("%v", err)
		os.Exit(2)
	}

	var hashSeed cuckoo.Seed
	rng := rand.New(rand.NewSource(*seed))
	rng.Read(hashSeed[:])
	hm, _, err := cuckoo.BuildHashMap(p.NumEntries, p.NumBuckets, p.NumHashes, hashSeed)
	if err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}

	bar := progressbar.Default(int64(*hashTrials), fmt.Sprintf("Batch %d over %d buckets", batchSize, p.NumBuckets))
	failures, retried := 0, 0
	indices := make([]uint64, batchSize)
	for range *hashTrials {
		for i := range indices {
			indices[i] = uint64(rng.Intn(p.NumEntries))
		}
		ok := false
		for attempt := 0; attempt <= p.MaxRetries; attempt++ {
			_, err := cuckoo.Assign(hm, indices, cuckoo.Options{MaxEvictions: p.MaxEvictions, Seed: int64(attempt)})
			if err == nil {
				ok = true
				if attempt > 0 {
					retried++
				}
				break
			}
			if !errors.Is(err, cuckoo.ErrAssignment) {
				color.Red("%v", err)
				os.Exit(1)
			}
		}
		if !ok {
			failures++
		}
		bar.Add(1)
	}

	fmt.Println()
	msg := fmt.Sprintf("batch %d: %d/%d trials failed, %d needed a retry", batchSize, failures, *hashTrials, retried)
	if failures == 0 {
		color.Green("%s", msg)
	} else {
		color.Red("%s", msg)
	}
}
