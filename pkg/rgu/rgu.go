package rgu

import (
	"log/slog"
	"math"
	"time"

	"github.com/mila-iqia/sarc/pkg/api/models"
)

// Normalizer computes normalized GPU allocation columns for job batches.
// Ratios is the global GPU type to RGU mapping, not per-cluster and not
// time-varying. A GPU type absent from it yields undefined RGU values, the
// unknown GPU is never guessed at.
type Normalizer struct {
	Ratios   map[string]float64
	Resolver *Resolver

	logger *slog.Logger
}

// NewNormalizer returns a Normalizer over the given ratio table and billing
// resolver.
func NewNormalizer(ratios map[string]float64, resolver *Resolver, logger *slog.Logger) *Normalizer {
	return &Normalizer{Ratios: ratios, Resolver: resolver, logger: logger}
}

// NormalizeJobs computes gpu_type_rgu and gres_rgu for each job in place and
// rescales gres_gpu from billing units back to physical GPU counts where the
// cluster bills in scaled units. Undefined values propagate as NaN instead
// of aborting the batch, missing data is data and stays visible downstream.
func (n *Normalizer) NormalizeJobs(jobs []models.Job) {
	for i := range jobs {
		n.normalize(&jobs[i])
	}
}

func (n *Normalizer) normalize(job *models.Job) {
	// CPU only job, nothing to normalize
	if job.GPUType == "" {
		job.GPUTypeRGU = models.JSONFloat(math.NaN())
		job.GresRGU = models.JSONFloat(math.NaN())

		return
	}

	gpuTypeRGU := math.NaN()
	if ratio, ok := n.Ratios[job.GPUType]; ok {
		gpuTypeRGU = ratio
	} else {
		n.logger.Debug("GPU type absent from RGU ratio table", "gpu_type", job.GPUType, "cluster", job.ClusterName)
	}

	job.GPUTypeRGU = models.JSONFloat(gpuTypeRGU)

	// Recover the physical GPU count from the billing scaled pseudo count
	gresGPU := float64(job.GresGPU)

	if n.Resolver.HasSchedule(job.ClusterName) {
		startTime := time.UnixMilli(job.StartedAtTS).UTC()

		if weight, ok := n.Resolver.Resolve(job.ClusterName, job.GPUType, startTime); ok && weight > 0 {
			gresGPU /= weight
		} else {
			gresGPU = math.NaN()
		}

		job.GresGPU = models.JSONFloat(gresGPU)
	}

	job.GresRGU = models.JSONFloat(gresGPU * gpuTypeRGU)
}
