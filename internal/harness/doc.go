// Package harness runs conformance scenarios for pipelines.
//
// A scenario names a pipeline, the secrets it needs and the adapters to run
// it with. The harness compiles the pipeline, runs it once per adapter in a
// fresh workspace, checks that every adapter produced the same normalized
// event trace, metrics and run record, and then evaluates the scenario's
// expectations and assertions against that trace.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	pipeline: pipelines/orders.yaml
//	connections: connections.yaml
//	env:
//	  FIXTURE_PASSWORD: secret
//	adapters: [local, remote]
//	expect:
//	  status: success
//	  rows: 10
//	assertions:
//	  - type: trace_contains
//	    event: step_complete
//	    step: write_b
//	    fields: { rows: 10 }
//	  - type: trace_order
//	    events: [step_start:extract_a, step_complete:write_b]
//	  - type: metric
//	    metric: rows_written
//	    step: write_b
//	    value: 10
//
// Paths are relative to the scenario file. Adapters default to both.
//
// # Assertion Types
//
//   - trace_contains: an event of the given type (and step) with matching fields
//   - trace_order: events appear in the given order, not necessarily adjacent
//   - trace_count: an event type appears exactly N times
//   - metric: the summed value of a metric, optionally for one step
//
// # Deterministic Testing
//
// Traces are normalized with events.Stable, so timestamps, sequence numbers,
// run ids and durations never reach a comparison or a golden file. Each
// adapter run gets its own temporary workspace and counter store, so run ids
// start at run-000001 every time.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/orders.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(context.Background(), scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, e := range result.Errors {
//	        log.Println(e)
//	    }
//	}
package harness
