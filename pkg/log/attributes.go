package log

// Model and operation context.
const (
	// ModelNameKey identifies the model type, e.g. "ChunkEnsemble".
	ModelNameKey = "model.name"

	// OperationKey is the operation being performed ("partial_fit", "predict", ...).
	OperationKey = "ml.operation"

	// ComponentKey identifies the package emitting the record.
	ComponentKey = "ml.component"

	// PhaseKey is the pipeline phase: "train", "evaluate", "detect" or "block".
	PhaseKey = "ml.phase"

	// RunIDKey ties every record of one execution to the artifact it produced.
	RunIDKey = "run.id"
)

// Data shape and chunk bookkeeping.
const (
	// ChunkKey is the 1-based ordinal of the chunk being processed.
	ChunkKey = "chunk.index"

	// SamplesKey is the number of usable rows.
	SamplesKey = "data.samples"

	// FeaturesKey is the number of feature columns.
	FeaturesKey = "data.features"

	// BatchSizeKey is the configured chunk row budget.
	BatchSizeKey = "data.batch_size"

	// DroppedRowsKey counts rows removed because the label cell was empty.
	DroppedRowsKey = "data.dropped_rows"

	// UnknownLabelsKey counts rows dropped in FROZEN evaluation.
	UnknownLabelsKey = "data.unknown_labels"

	// TotalSamplesKey is the running sample total of a pass.
	TotalSamplesKey = "data.total_samples"

	// PathKey is a file path being read or written.
	PathKey = "io.path"

	// ReasonKey explains why a chunk was skipped.
	ReasonKey = "skip.reason"
)

// Performance and quality metrics.
const (
	DurationMsKey = "perf.duration_ms"
	AccuracyKey   = "metrics.accuracy"
	F1Key         = "metrics.f1"
	LatencyMsKey  = "metrics.latency_ms"
	MembersKey    = "model.members"
	ClassesKey    = "model.classes"
)

// Error context.
const (
	ErrorKey      = "error"
	ErrorTypeKey  = "error.type"
	StacktraceKey = "error.stacktrace"
	DetailKey     = "error.detail"
)

// Standard attribute values.
const (
	OperationPartialFit = "partial_fit"
	OperationPredict    = "predict"
	OperationNormalize  = "normalize"
	OperationPersist    = "persist"

	PhaseTrain    = "train"
	PhaseEvaluate = "evaluate"
	PhaseDetect   = "detect"
	PhaseBlock    = "block"

	ReasonSchema = "schema"
	ReasonEmpty  = "empty"
	ReasonFailed = "failed"
)
