package main

import (
	"testing"

	"volrecon/pkg/config"
)

// TestApplyFlagsKeepsConfiguredCores verifies the configured core count
// survives when -cores was not passed, despite the flag's non-zero
// default.
func TestApplyFlagsKeepsConfiguredCores(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Processing.NumCores = 3

	applyFlags(cfg, "", "", 8, false, 0, false, "")
	if cfg.Processing.NumCores != 3 {
		t.Errorf("Expected configured cores 3 to survive, got %d", cfg.Processing.NumCores)
	}

	applyFlags(cfg, "", "", 8, true, 0, false, "")
	if cfg.Processing.NumCores != 8 {
		t.Errorf("Expected explicit cores 8, got %d", cfg.Processing.NumCores)
	}
}

// TestApplyFlagsOverlays verifies the remaining flag overlays.
func TestApplyFlagsOverlays(t *testing.T) {
	cfg := config.DefaultConfig()

	applyFlags(cfg, "out.raw", "coronal", 0, false, 256, true, "cuts")
	if cfg.Output.VolumePath != "out.raw" {
		t.Errorf("Expected output path out.raw, got %s", cfg.Output.VolumePath)
	}
	if cfg.Processing.Plane != "coronal" {
		t.Errorf("Expected plane coronal, got %s", cfg.Processing.Plane)
	}
	if cfg.Processing.MemoryBudgetMB != 256 {
		t.Errorf("Expected memory budget 256, got %d", cfg.Processing.MemoryBudgetMB)
	}
	if !cfg.Output.Compress {
		t.Errorf("Expected compression to be enabled")
	}
	if cfg.Output.SliceDir != "cuts" {
		t.Errorf("Expected slice dir cuts, got %s", cfg.Output.SliceDir)
	}
}
