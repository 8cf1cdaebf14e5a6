package suite

import (
	"github.com/gomlx/go-convcheck/reference"
)

// Skip records a combination that is intentionally not exercised.
type Skip struct {
	Config Config
	Reason string
}

// Matrix holds the parameter axes whose Cartesian product is enumerated.
type Matrix struct {
	Batches       []int64
	InputChannels []int64
	InputSizes    [][2]int64
	KernelSizes   [][2]int64
	Strides       [][2]int64
	Paddings      []reference.Padding
	Dilations     [][2]int64

	// EnableDilation lets non-unit dilations through. Off by default.
	EnableDilation bool
}

// DefaultMatrix returns the axes of the depthwise_conv2d importer test.
func DefaultMatrix() Matrix {
	return Matrix{
		Batches:       []int64{1, 3},
		InputChannels: []int64{1, 16},
		InputSizes:    [][2]int64{{1, 1}, {33, 65}},
		KernelSizes:   [][2]int64{{1, 1}, {3, 3}, {5, 5}},
		Strides:       [][2]int64{{1, 1}, {1, 3}, {5, 5}},
		Paddings:      []reference.Padding{reference.PaddingSame, reference.PaddingValid},
		Dilations: [][2]int64{
			{1, 1},
			// {2, 2} is left out, see EnableDilation.
		},
	}
}

// Size returns the number of combinations, cases and skips together.
func (m Matrix) Size() int {
	return len(m.Batches) * len(m.InputChannels) * len(m.InputSizes) * len(m.KernelSizes) *
		len(m.Strides) * len(m.Paddings) * len(m.Dilations)
}

// Enumerate walks the Cartesian product in a stable order and splits it
// into runnable cases and skips.
func (m Matrix) Enumerate() (cases []Config, skips []Skip) {
	for _, n := range m.Batches {
		for _, c := range m.InputChannels {
			for _, iSize := range m.InputSizes {
				for _, kSize := range m.KernelSizes {
					for _, s := range m.Strides {
						for _, p := range m.Paddings {
							for _, d := range m.Dilations {
								cfg := Config{
									Batch:         n,
									InputChannels: c,
									InputSize:     iSize,
									KernelSize:    kSize,
									Strides:       s,
									Padding:       p,
									Dilations:     d,
								}
								if ok, reason := m.ShouldRun(cfg); !ok {
									skips = append(skips, Skip{Config: cfg, Reason: reason})
									continue
								}
								cases = append(cases, cfg)
							}
						}
					}
				}
			}
		}
	}
	return cases, skips
}

// ShouldRun applies the skip policy to one configuration.
func (m Matrix) ShouldRun(cfg Config) (bool, string) {
	if !cfg.UnitDilation() {
		if !m.EnableDilation {
			return false, "non-unit dilation disabled"
		}
		if cfg.Strides != [2]int64{1, 1} {
			return false, "dilation requires unit strides"
		}
	}
	if cfg.Padding == reference.PaddingValid {
		for axis := range 2 {
			effK := reference.EffectiveKernel(cfg.KernelSize[axis], cfg.Dilations[axis])
			if effK > cfg.InputSize[axis] {
				return false, "kernel exceeds input under VALID padding"
			}
		}
	}
	return true, ""
}
