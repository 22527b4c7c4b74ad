// Command htdemo spins up an in-process network of ranks and runs each of
// them through a fixed sequence of collectives, logging a sample of the
// results the ranks observe. It exists to exercise the backend end to end without a
// real multi-process deployment.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gpucomm/htcollective/backend"
	"github.com/gpucomm/htcollective/transport/local"
	"github.com/gpucomm/htcollective/util"
)

func main() {
	ranks := flag.Int("ranks", 4, "number of simulated ranks")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	var log *zap.Logger
	var err error
	if *verbose {
		log, err = zap.NewDevelopment()
	} else {
		log, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "htdemo: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *ranks < 2 {
		log.Fatal("htdemo requires at least 2 ranks", zap.Int("ranks", *ranks))
	}

	transports := local.NewNetwork(uint32(*ranks))
	facades := make([]*backend.Facade, *ranks)
	for i, tr := range transports {
		f, err := backend.Init(tr, backend.ConfigFromEnv())
		if err != nil {
			log.Fatal("init failed", zap.Int("rank", i), zap.Error(err))
		}
		facades[i] = f
	}
	defer func() {
		for _, f := range facades {
			if err := f.Finalize(); err != nil {
				log.Error("finalize reported errors", zap.Error(err))
			}
		}
	}()

	runEveryRank(*ranks, func(rank int) error {
		return facades[rank].Barrier(nil)
	})
	log.Info("barrier complete")

	allreduceBufs := make([][]float64, *ranks)
	for i := range allreduceBufs {
		allreduceBufs[i] = []float64{float64(i + 1)}
	}
	runEveryRank(*ranks, func(rank int) error {
		return facades[rank].Allreduce(nil, allreduceBufs[rank], util.ReduceSum, backend.AllreduceAutomatic)
	})
	log.Info("allreduce sum complete", zap.Float64s("result_rank0", allreduceBufs[0]))

	const bcastRoot = 2
	bcastBufs := make([][]float64, *ranks)
	for i := range bcastBufs {
		if i == bcastRoot {
			bcastBufs[i] = []float64{99}
		} else {
			bcastBufs[i] = []float64{0}
		}
	}
	if bcastRoot < *ranks {
		runEveryRank(*ranks, func(rank int) error {
			return facades[rank].Bcast(nil, bcastBufs[rank], bcastRoot, backend.BcastAutomatic)
		})
		log.Info("bcast complete", zap.Float64s("result_rank1", bcastBufs[1]))
	}

	gatherSend := make([][]float64, *ranks)
	gatherRecv := make([]float64, *ranks)
	for i := range gatherSend {
		gatherSend[i] = []float64{float64(i)}
	}
	runEveryRank(*ranks, func(rank int) error {
		var recv []float64
		if rank == 0 {
			recv = gatherRecv
		}
		return facades[rank].Gather(nil, gatherSend[rank], recv, 0, backend.GatherAutomatic)
	})
	log.Info("gather complete", zap.Float64s("result_rank0", gatherRecv))

	reduceScatterSend := make([][]float64, *ranks)
	reduceScatterRecv := make([][]float64, *ranks)
	for i := range reduceScatterSend {
		chunk := make([]float64, *ranks)
		for j := range chunk {
			chunk[j] = float64(i*10 + j)
		}
		reduceScatterSend[i] = chunk
		reduceScatterRecv[i] = make([]float64, 1)
	}
	runEveryRank(*ranks, func(rank int) error {
		return facades[rank].ReduceScatter(nil, reduceScatterSend[rank], reduceScatterRecv[rank], util.ReduceMax, backend.ReduceScatterAutomatic)
	})
	for i := range reduceScatterRecv {
		log.Info("reduce_scatter chunk", zap.Int("rank", i), zap.Float64s("result", reduceScatterRecv[i]))
	}

	// Issue every one of the 100 requests per rank before waiting on any of
	// them, to demonstrate that host issue time is bounded by the number of
	// calls, not by the transport latency of each one — progress happens off
	// the critical path, in the engine's own goroutine, while the host keeps
	// issuing.
	const pipelineDepth = 100
	type testable interface{ Test() bool }
	pipelineReqs := make([][]testable, *ranks)

	issueStart := time.Now()
	runEveryRank(*ranks, func(rank int) error {
		reqs := make([]testable, pipelineDepth)
		for iter := 0; iter < pipelineDepth; iter++ {
			buf := []float64{float64(rank)}
			req, err := facades[rank].AllreduceNonblocking(nil, buf, util.ReduceSum, backend.AllreduceAutomatic)
			if err != nil {
				return err
			}
			reqs[iter] = req
		}
		pipelineReqs[rank] = reqs
		return nil
	})
	log.Info("pipelined allreduce x100 issued without blocking", zap.Duration("issue_latency", time.Since(issueStart)))

	runEveryRank(*ranks, func(rank int) error {
		for _, req := range pipelineReqs[rank] {
			for !req.Test() {
				time.Sleep(time.Microsecond)
			}
		}
		return nil
	})
	log.Info("pipelined allreduce x100 complete", zap.Duration("total_latency", time.Since(issueStart)))
}

// runEveryRank runs fn concurrently for every rank and fails loudly if any
// rank reports an error — collectives only make sense when every rank
// participates, so a partial failure here is not something the demo tries
// to paper over.
func runEveryRank(ranks int, fn func(rank int) error) {
	var wg sync.WaitGroup
	errs := make([]error, ranks)
	for i := 0; i < ranks; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = fn(i)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			fmt.Fprintf(os.Stderr, "htdemo: rank %d failed: %v\n", i, err)
			os.Exit(1)
		}
	}
}
