// Package conveyor provides an embeddable CI pipeline engine.
//
// Pipelines are defined declaratively in YAML: trigger filters, a job graph
// with needs dependencies and matrix strategies, and ordered steps executing
// shell commands or built-in actions. The engine comes with pluggable service
// layers:
//
//   - scheduler – run lifecycle, job dispatch, fail-fast and max-parallel
//   - executor  – step execution through shell runners and action services
//   - dao       – pipeline definitions and run persistence
//   - api       – HTTP event intake and run inspection
//
// End-users typically interact via the Service façade exposed by the root
// package:
//
//	srv := conveyor.New()
//	rt := srv.Runtime()
//	definition, _ := rt.LoadPipeline(ctx, "ci.yaml")
//	run, wait, _ := rt.StartPipelineRun(ctx, definition, &trigger.Event{Kind: trigger.Push, Branch: "main"})
//	final, _ := wait(ctx, time.Minute)
//
// For more details see the README and individual sub-packages.
package conveyor
