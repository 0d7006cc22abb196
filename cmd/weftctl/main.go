package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"weft/internal/chain"
	"weft/internal/model"
	"weft/internal/scheduler"
	"weft/internal/storage"
	"weft/internal/tensor"
	weftapi "weft/pkg/weft"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "import":
		return runImport(ctx, args[1:])
	case "checkpoints":
		return runCheckpoints(ctx, args[1:])
	case "show":
		return runShow(ctx, args[1:])
	case "delete":
		return runDelete(ctx, args[1:])
	case "tree":
		return runTree(ctx, args[1:])
	case "denoise":
		return runDenoise(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: weftctl <import|checkpoints|show|delete|tree|denoise> [flags]", msg)
}

func newClient(ctx context.Context, storeKind, dbPath string) (*weftapi.Client, error) {
	client, err := weftapi.New(weftapi.Options{
		StoreKind: storeKind,
		DBPath:    dbPath,
		Logger:    slog.New(slog.NewTextHandler(os.Stderr, nil)),
	})
	if err != nil {
		return nil, err
	}
	if err := client.Init(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// importFile is the on-disk JSON shape accepted by the import command: a
// name plus the flat dotted-key tensor map.
type importFile struct {
	Name    string                        `json:"name"`
	Tensors map[string]model.TensorRecord `json:"tensors"`
}

func runImport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	filePath := fs.String("file", "", "JSON weight file path")
	name := fs.String("name", "", "checkpoint name (defaults to the file's name field)")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "weft.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *filePath == "" {
		return usageError("import requires -file")
	}

	data, err := os.ReadFile(*filePath)
	if err != nil {
		return err
	}
	var file importFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse weight file: %w", err)
	}
	if *name != "" {
		file.Name = *name
	}
	if file.Name == "" {
		return usageError("import requires a checkpoint name (flag -name or file field)")
	}
	if len(file.Tensors) == 0 {
		return fmt.Errorf("weight file %s holds no tensors", *filePath)
	}

	client, err := newClient(ctx, *storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	checkpoint, err := client.ImportCheckpoint(ctx, model.Checkpoint{
		Name:    file.Name,
		Tensors: file.Tensors,
	})
	if err != nil {
		return err
	}

	fmt.Printf("imported checkpoint id=%s name=%s tensors=%d\n", checkpoint.ID, checkpoint.Name, len(checkpoint.Tensors))
	return nil
}

func runCheckpoints(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("checkpoints", flag.ContinueOnError)
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "weft.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := newClient(ctx, *storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summaries, err := client.Checkpoints(ctx)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("no checkpoints")
		return nil
	}

	for _, summary := range summaries {
		created := humanize.Time(time.Unix(summary.CreatedAtUnix, 0))
		size := humanize.Bytes(uint64(summary.PayloadBytes))
		fmt.Printf("%s  %-24s tensors=%-4d %-10s %s\n", summary.ID, summary.Name, summary.TensorCount, size, created)
	}
	return nil
}

func runShow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	name := fs.String("name", "", "checkpoint name")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "weft.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return usageError("show requires -name")
	}

	client, err := newClient(ctx, *storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	checkpoint, err := client.Checkpoint(ctx, *name)
	if err != nil {
		return err
	}

	var elements int64
	fmt.Printf("checkpoint id=%s name=%s created=%s\n", checkpoint.ID, checkpoint.Name,
		time.Unix(checkpoint.CreatedAtUnix, 0).UTC().Format(time.RFC3339))
	for _, path := range checkpoint.TensorPaths() {
		record := checkpoint.Tensors[path]
		elements += int64(len(record.Data))
		fmt.Printf("  %-48s %v\n", path, record.Shape)
	}
	fmt.Printf("total %s elements in %d tensors\n", humanize.Comma(elements), len(checkpoint.Tensors))
	return nil
}

func runDelete(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	id := fs.String("id", "", "checkpoint id")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "weft.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return usageError("delete requires -id")
	}

	client, err := newClient(ctx, *storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.DeleteCheckpoint(ctx, *id); err != nil {
		return err
	}
	fmt.Printf("deleted checkpoint id=%s\n", *id)
	return nil
}

func runTree(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("tree", flag.ContinueOnError)
	dim := fs.Int("dim", 8, "demo model embedding dim")
	seed := fs.Int64("seed", 1, "rng seed")
	withAdapter := fs.Bool("adapter", false, "print the tree with the image-prompt adapter injected")
	if err := fs.Parse(args); err != nil {
		return err
	}

	demo := buildDemoDenoiser(*dim, *seed)
	if *withAdapter {
		client, err := newClient(ctx, "memory", "")
		if err != nil {
			return err
		}
		defer func() {
			_ = client.Close()
		}()

		adapter, err := client.BuildIPAdapter(ctx, demo, buildDemoEncoder(*dim, *seed), weftapi.BuildRequest{
			TextEmbeddingDim: *dim,
		})
		if err != nil {
			return err
		}
		if err := adapter.Inject(); err != nil {
			return err
		}
	}

	return printTree(demo)
}

func printTree(root chain.Module) error {
	return chain.Walk(root, func(path string, m chain.Module) error {
		depth := 0
		for _, r := range path {
			if r == '.' {
				depth++
			}
		}
		if path != "" {
			depth++
		}
		for i := 0; i < depth; i++ {
			fmt.Print("  ")
		}
		fmt.Println(m.Name())
		return nil
	})
}

func runDenoise(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("denoise", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional denoise config JSON path")
	steps := fs.Int("steps", 10, "inference step count")
	dim := fs.Int("dim", 8, "demo model embedding dim")
	seqLen := fs.Int("seq", 4, "demo sample sequence length")
	seed := fs.Int64("seed", 1, "rng seed")
	scale := fs.Float64("scale", 1.0, "image conditioning scale")
	checkpointName := fs.String("checkpoint", "", "adapter checkpoint name to load (optional)")
	fineGrained := fs.Bool("fine-grained", false, "use the perceiver resampler projection")
	strict := fs.Bool("strict", false, "fail on any checkpoint weight mismatch")
	storeKind := fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "weft.db", "sqlite database path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := denoiseRequest{
		Steps:          *steps,
		Dim:            *dim,
		SeqLen:         *seqLen,
		Seed:           *seed,
		Scale:          *scale,
		CheckpointName: *checkpointName,
		FineGrained:    *fineGrained,
		Strict:         *strict,
	}
	if *configPath != "" {
		fromConfig, err := loadDenoiseRequestFromConfig(*configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		req = req.merged(fromConfig, flagsSet(fs))
	}

	client, err := newClient(ctx, *storeKind, *dbPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	demo := buildDemoDenoiser(req.Dim, req.Seed)
	setDemoTextConditioning(demo, 1, req.SeqLen, req.Dim)

	adapter, err := client.BuildIPAdapter(ctx, demo, buildDemoEncoder(req.Dim, req.Seed), weftapi.BuildRequest{
		CheckpointName:   req.CheckpointName,
		Scale:            &req.Scale,
		FineGrained:      req.FineGrained,
		TextEmbeddingDim: req.Dim,
		Strict:           req.Strict,
	})
	if err != nil {
		return err
	}
	if err := adapter.Inject(); err != nil {
		return err
	}

	images := tensor.Zeros(1, req.SeqLen, demoPatchDim)
	embedding, err := adapter.ComputeImageEmbedding(images, nil, 1)
	if err != nil {
		return err
	}
	// The embedding stacks [negative; conditional] for guided sampling;
	// the demo loop is unguided and conditions on the latter half.
	halves, err := tensor.Chunk(embedding, 2, 0)
	if err != nil {
		return err
	}
	adapter.SetImageEmbedding(halves[1])

	sched, err := weftapi.NewDDIM(scheduler.Config{
		NumInferenceSteps: req.Steps,
		Schedule:          scheduler.ScheduleQuadratic,
	})
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(req.Seed + 2))
	x := randomSample(rng, 1, req.SeqLen, req.Dim)
	start := time.Now()
	out, err := weftapi.Denoise(ctx, demo, x, sched, func(step, total int) {
		fmt.Printf("step %d/%d\n", step, total)
	})
	if err != nil {
		return err
	}

	fmt.Printf("denoised %d steps in %s, output shape %v, mean %.6f\n",
		sched.NumInferenceSteps(), time.Since(start).Round(time.Millisecond), out.Shape(), mean(out))
	return nil
}

func randomSample(rng *rand.Rand, shape ...int) *tensor.Tensor {
	t := tensor.Zeros(shape...)
	data := t.Data()
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return t
}

func mean(t *tensor.Tensor) float64 {
	data := t.Data()
	if len(data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

func flagsSet(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}
