// Package pipeline loads pipeline.yaml: stage definitions, vars, and the
// interpolation of ${name} references into resolved core stages.
package pipeline
