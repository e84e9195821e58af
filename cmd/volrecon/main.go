package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/dustin/go-humanize"

	"volrecon/pkg/config"
	"volrecon/pkg/geometry"
	"volrecon/pkg/reconstruction"
	"volrecon/pkg/storage"
	"volrecon/pkg/visualization"
)

func main() {
	inputDir := flag.String("input", "", "Directory containing 2D slice images")
	manifest := flag.String("manifest", "", "YAML stack manifest (overrides -input geometry)")
	configPath := flag.String("config", "", "YAML configuration file")
	outputName := flag.String("output", "", "Output volume filename (default from config)")
	planeName := flag.String("plane", "", "Viewing plane: axial, coronal or sagittal")
	numCores := flag.Int("cores", runtime.NumCPU(), "Number of CPU cores to use (default: all available)")
	sliceGap := flag.Float64("gap", 1.5, "Inter-slice gap in mm (ignored with a manifest)")
	compress := flag.Bool("compress", false, "Snappy-compress the persisted volume")
	budgetMB := flag.Int64("memory-budget", 0, "In-memory voxel budget in MiB; 0 disables the cap")
	extractSlices := flag.Bool("extract-slices", false, "Extract and save reconstructed slices along all planes")
	slicesDir := flag.String("slices-dir", "", "Directory to save extracted slices (default from config)")
	flag.Parse()

	if *inputDir == "" && *manifest == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	// -cores carries a non-zero default, so only an explicitly passed
	// flag may override the configured core count.
	coresSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "cores" {
			coresSet = true
		}
	})
	applyFlags(cfg, *outputName, *planeName, *numCores, coresSet, *budgetMB, *compress, *slicesDir)

	plane, err := geometry.ParsePlane(cfg.Processing.Plane)
	if err != nil {
		log.Fatalf("Invalid plane: %v", err)
	}
	if cfg.Processing.MemoryBudgetMB > 0 {
		storage.SetMemoryBudget(cfg.Processing.MemoryBudgetMB << 20)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	params := &reconstruction.Params{
		InputDir:       *inputDir,
		ManifestPath:   *manifest,
		Plane:          plane,
		NumCores:       cfg.Processing.NumCores,
		SplitThreshold: cfg.Processing.SplitThreshold,
		SliceGap:       *sliceGap,
	}
	if cfg.Output.Verbose {
		params.Progress = func(completed, total int, _ string) {
			fmt.Printf("\rIngested %d of %d slices", completed, total)
			if completed == total {
				fmt.Println()
			}
		}
	}

	reconstructor := reconstruction.NewReconstructor(params)

	fmt.Println("Starting volume reconstruction...")
	if err := reconstructor.Process(ctx); err != nil {
		log.Fatalf("Reconstruction failed: %v", err)
	}

	vol := reconstructor.Volume()
	defer vol.Release()

	size := vol.Size()
	mn, mx := vol.MinMax()
	voxelBytes := uint64(size[0]) * uint64(size[1]) * uint64(size[2]) *
		uint64(vol.Channels()) * 2 // uint16 voxels

	fmt.Printf("\nReconstruction completed in %.2f seconds\n", reconstructor.Elapsed().Seconds())
	fmt.Printf("Volume: %dx%dx%d voxels (%s), %s plane\n",
		size[0], size[1], size[2], humanize.IBytes(voxelBytes), plane)
	fmt.Printf("Value range: [%d, %d]\n", mn, mx)
	fmt.Printf("Rectified: %v, memory-mapped: %v\n", vol.Rectified(), vol.MemoryMapped())
	if stack := reconstructor.Stack(); stack.NonUniform || stack.NonParallel {
		fmt.Printf("Warning: stack has non-uniform spacing (%v) or non-parallel slices (%v)\n",
			stack.NonUniform, stack.NonParallel)
	}

	out, err := os.Create(cfg.Output.VolumePath)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	if cfg.Output.Compress {
		err = vol.WriteSnappy(out)
	} else {
		_, err = vol.WriteTo(out)
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		log.Fatalf("Failed to persist volume: %v", err)
	}
	fmt.Printf("Volume saved to: %s\n", cfg.Output.VolumePath)

	if *extractSlices {
		fmt.Println("\nExtracting reconstructed slices along all planes...")
		viewer := visualization.NewViewer(vol, cfg.Output.JPEGQuality)
		for _, p := range []geometry.Plane{geometry.Axial, geometry.Coronal, geometry.Sagittal} {
			dir := filepath.Join(cfg.Output.SliceDir, p.String())
			fmt.Printf("Saving %s slices to: %s\n", p, dir)
			if err := viewer.SaveSliceSequence(p, dir); err != nil {
				log.Printf("Warning: failed to save %s slices: %v", p, err)
			}
		}
		fmt.Println("Slice extraction completed")
	}
}

// applyFlags overlays explicit command-line values onto the loaded
// configuration.
func applyFlags(cfg *config.Config, output, plane string, cores int, coresSet bool, budgetMB int64, compress bool, slicesDir string) {
	if output != "" {
		cfg.Output.VolumePath = output
	}
	if plane != "" {
		cfg.Processing.Plane = plane
	}
	if coresSet && cores > 0 {
		cfg.Processing.NumCores = cores
	}
	if budgetMB > 0 {
		cfg.Processing.MemoryBudgetMB = budgetMB
	}
	if compress {
		cfg.Output.Compress = true
	}
	if slicesDir != "" {
		cfg.Output.SliceDir = slicesDir
	}
}
