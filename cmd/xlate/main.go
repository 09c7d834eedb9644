package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/xyproto/env/v2"
	"golang.org/x/sync/errgroup"

	"xlate/pkg/backend"
	"xlate/pkg/backend/amd64"
	"xlate/pkg/backend/arm64"
	"xlate/pkg/cpu"
	"xlate/pkg/engine"
	"xlate/pkg/guest/toy"
	"xlate/pkg/metrics"
	"xlate/pkg/profile"
	"xlate/pkg/ram"
	"xlate/pkg/tcache"
	"xlate/pkg/types"
)

func main() {
	configPath := flag.String("config", "", "Path to a JSON engine configuration")
	imagePath := flag.String("image", "", "Raw toy guest image; empty runs the built-in demo")
	baseFlag := flag.String("base", "0x1000", "Guest address the image is loaded at and started from")
	memSize := flag.Int("mem", 16<<20, "Guest memory size in bytes")
	contexts := flag.Int("contexts", 1, "Number of guest processors")
	host := flag.String("host", "", "Host backend: amd64, arm64, riscv64 or generic")
	user := flag.Bool("user", false, "Start guests in user mode")
	interpret := flag.Bool("interpret", env.Str("XLATE_MODE") == "interpreter", "Interpret only, never translate")
	timeout := flag.Duration("timeout", 0, "Stop the guests after this long")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	profilePath := flag.String("profile", "", "Directory of the hot-block profile database")
	warm := flag.Int("warm", 64, "Translate this many profiled blocks before starting")
	dumpIR := flag.Bool("dump-ir", false, "Print the IR of every resident block on exit")
	dumpHost := flag.Bool("dump-host", false, "Print the host code of every resident block on exit")
	verbose := flag.Bool("verbose", false, "Verbose engine logging")
	flag.Parse()

	cfg := engine.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = engine.LoadConfig(*configPath); err != nil {
			log.Fatalf("Error: %v", err)
		}
	}
	cfg.ApplyEnv()
	if *host != "" {
		cfg.Host = *host
	}
	if *verbose {
		cfg.Verbose = true
	}

	base, err := strconv.ParseUint(*baseFlag, 0, 64)
	if err != nil {
		log.Fatalf("Error: bad -base %q: %v", *baseFlag, err)
	}
	if *contexts <= 0 {
		log.Fatal("Error: -contexts must be positive")
	}

	image, err := loadImage(*imagePath, types.GuestAddr(base))
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	mem := ram.New(*memSize)
	if err := mem.LoadImage(types.GuestAddr(base), image, types.PermRWX); err != nil {
		log.Fatalf("Error loading image: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	guest := toy.New(os.Stdout)
	status := uint64(toy.StatusKernel)
	if *user {
		status = 0
	}

	if *interpret {
		if err := runInterpreted(ctx, mem, guest, *contexts, types.GuestAddr(base), status); err != nil {
			log.Fatalf("Error: %v", err)
		}
		return
	}

	m := metrics.New()
	e, err := engine.New(cfg, mem, guest, toy.NewInterpreter(mem), m.Hooks(engine.Hooks{}))
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer e.Close()
	m.Attach(e)
	log.Printf("xlate: host %s, %d context(s), %d-byte image at %#x", e.Desc.Arch, *contexts, len(image), base)

	if *metricsAddr != "" {
		srv, err := serveMetrics(*metricsAddr, m)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		defer srv.Close()
	}

	var store *profile.Store
	if *profilePath != "" {
		if store, err = profile.Open(*profilePath); err != nil {
			log.Fatalf("Error: %v", err)
		}
		defer store.Close()
		if err := warmFrom(store, e.Cache, *warm); err != nil {
			log.Fatalf("Error: %v", err)
		}
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < *contexts; i++ {
		c := e.NewContext(i)
		guest.Reset(c, types.GuestAddr(base), status)
		g.Go(func() error {
			if err := e.Run(gctx, c); err != nil {
				return fmt.Errorf("context %d: %w", c.ID, err)
			}
			return nil
		})
	}
	runErr := g.Wait()
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		runErr = nil
	}

	log.Printf("xlate: ran for %s: %d dispatches, %d blocks resident, %d compiles, %d invalidations",
		time.Since(start).Round(time.Millisecond), e.Stats.Dispatches.Load(), e.Cache.Len(),
		e.Cache.Stats.Compiles.Load(), e.Cache.Stats.Invalidations.Load())

	if store != nil {
		if err := store.Record(e.Cache.Blocks()); err != nil {
			log.Printf("Error recording profile: %v", err)
		}
	}
	if *dumpIR || *dumpHost {
		dump(e, *dumpIR, *dumpHost)
	}
	if runErr != nil {
		log.Fatalf("Error: %v", runErr)
	}
}

// loadImage reads a raw image, or assembles the demo when path is empty.
func loadImage(path string, base types.GuestAddr) ([]byte, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading image: %w", err)
		}
		return data, nil
	}
	return demo(base).Bytes()
}

// demo sums 1..100 into r3 and prints a line.
func demo(base types.GuestAddr) *toy.Asm {
	a := toy.NewAsm(base).
		Li(1, 100).
		Li(3, 0).
		Label("loop").
		Add(3, 3, 1).
		Addi(1, 1, -1).
		Bne(1, 0, "loop")
	for _, ch := range "sum done\n" {
		a.Li(2, uint32(ch)).Putc(2)
	}
	return a.Halt()
}

func serveMetrics(addr string, m *metrics.Metrics) (*http.Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := m.Register(reg); err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Error serving metrics: %v", err)
		}
	}()
	log.Printf("xlate: metrics on http://%s/metrics", addr)
	return srv, nil
}

func warmFrom(store *profile.Store, c *tcache.Cache, n int) error {
	if n <= 0 {
		return nil
	}
	entries, err := store.Hot(n)
	if err != nil {
		return err
	}
	res, err := profile.Warm(c, entries)
	if err != nil {
		return err
	}
	log.Printf("xlate: warmed %d profiled blocks (%d changed, %d failed)", res.Compiled, res.Changed, res.Failed)
	return nil
}

// runInterpreted executes every context with the single-step interpreter.
func runInterpreted(ctx context.Context, mem *ram.RAM, guest *toy.Guest, n int, base types.GuestAddr, status uint64) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		c := cpu.NewContext(i, toy.EnvWords, mem, nil, engine.DefaultConfig().TLBSets)
		guest.Install(c)
		guest.Reset(c, base, status)
		it := toy.NewInterpreter(mem)
		g.Go(func() error {
			for gctx.Err() == nil {
				exit, err := it.Step(c)
				if err != nil {
					return fmt.Errorf("context %d: %w", c.ID, err)
				}
				switch exit.Kind {
				case cpu.ExitStop:
					return nil
				case cpu.ExitException:
					pc, err := guest.Deliver(c, exit.Exception)
					if err != nil {
						return fmt.Errorf("context %d: %w", c.ID, err)
					}
					c.PC = pc
				default:
					c.PC = exit.PC
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func dump(e *engine.Engine, showIR, showHost bool) {
	for _, b := range e.Cache.Blocks() {
		fmt.Printf("== %s\n", b)
		if showIR {
			blk, err := e.Pipeline.BuildIR(b.Key.PC, b.Key.Mode)
			if err != nil {
				fmt.Printf("  %v\n", err)
			} else {
				fmt.Println(blk)
			}
		}
		if !showHost {
			continue
		}
		for i, in := range b.Code.Insns {
			fmt.Printf("  %4d  %s\n", i, in)
		}
		native := b.Native()
		if native == nil {
			continue
		}
		switch e.Desc.Arch {
		case backend.HostAMD64:
			fmt.Print(amd64.Disassemble(native))
		case backend.HostARM64:
			fmt.Print(arm64.Disassemble(native))
		}
	}
}
