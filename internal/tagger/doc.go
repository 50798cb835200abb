// Package tagger builds grants-tagger command lines.
//
// PreprocessSpec renders `grants-tagger preprocess mesh` and TrainSpec renders
// `grants-tagger train <model>`. Hyperparameters are typed so that invalid
// values are rejected before a multi-hour job is started, and are always
// rendered in the same order so that the rendered command is a stable input
// to staleness checks.
package tagger
