package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerCommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ethoseg_worker_commands_total",
		Help: "Total commands sent to the inference worker, by kind and status",
	}, []string{"command", "status"})

	WorkerCommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ethoseg_worker_command_duration_seconds",
		Help:    "Duration of inference worker commands",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"command"})

	WorkerStartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ethoseg_worker_starts_total",
		Help: "Total inference worker processes spawned",
	})

	WorkerDeathsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ethoseg_worker_deaths_total",
		Help: "Total inference worker processes lost before shutdown",
	})

	ModelState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ethoseg_model_state",
		Help: "Model lifecycle state: 0 not loaded, 1 loading, 2 ready, 3 error",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ethoseg_active_sessions",
		Help: "Number of open tracking sessions",
	})

	PromptsAddedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ethoseg_prompts_added_total",
		Help: "Total prompts accepted across all videos",
	})

	MasksWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ethoseg_masks_written_total",
		Help: "Total masks persisted to object storage",
	})

	PropagationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ethoseg_propagation_runs_total",
		Help: "Total propagation runs, by status",
	}, []string{"status"})

	PropagationFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ethoseg_propagation_frames_total",
		Help: "Total frames written by propagation runs",
	})

	FrameReadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ethoseg_frame_reads_total",
		Help: "Frame source reads, by cache outcome",
	}, []string{"outcome"})
)
