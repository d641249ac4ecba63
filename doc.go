// Package flowclf classifies network flow records, benign traffic versus
// attacks or individual attack types, from CSV files too large to load at once.
//
// Input is read in bounded chunks. Each chunk is cleaned (non-numeric and
// infinite cells become 0, every feature is clipped to [-M, M]) and its labels
// are encoded through a label codebook that keeps the same code for a label
// across chunks, passes and separate runs. Every usable chunk trains one
// random forest member of a chunk ensemble, so nothing learned from earlier
// chunks is thrown away.
//
// # Quick Start
//
//	flowclf train processed/clean.csv -o trained_model.flowclf
//	flowclf evaluate processed/clean_rank0.csv -m trained_model.flowclf
//	flowclf detect processed/clean.csv --cusum-column "Flow Duration"
//	flowclf block results/ml_result.csv
//	flowclf inspect trained_model.flowclf
//
// The same pass from Go:
//
//	trainer, err := pipeline.NewTrainer(pipeline.TrainerConfig{
//	    LabelColumn:  "Label",
//	    MaxAbs:       1e6,
//	    ArtifactPath: "trained_model.flowclf",
//	    Params:       ensemble.DefaultParams(),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	src, err := dataset.Open("processed/clean.csv", 500_000)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := trainer.TrainStream(ctx, src, preprocessing.NewCodebook())
//
// # Packages
//
//   - dataset: chunked CSV source, prefetch, progress bar
//   - preprocessing: feature normalizer and label codebook
//   - pipeline: incremental trainer, streaming evaluator, non-streaming detection, blocking rules
//   - sklearn/tree: CART decision trees
//   - sklearn/ensemble: random forest and the chunk ensemble
//   - sklearn/drift: DDM drift detector, CUSUM detection heuristic
//   - metrics: accuracy, precision, recall, F1, confusion matrix
//   - report: text report, confusion matrix heatmap, final evaluation
//   - artifact: checksummed model file
//   - telemetry: Prometheus metrics
//   - config: layered YAML and flag configuration
//   - core/model: estimator interfaces and atomic persistence
//   - core/parallel: parallel processing utilities
//
// # Evaluation modes
//
// A GROWABLE pass assigns new codes to labels it has not seen; a model cannot
// predict those codes, so such rows count as errors. A FROZEN pass never
// changes the codebook and drops rows whose label is unknown, reporting how
// many were dropped.
package flowclf
