// Package config loads the tap configuration.
//
// Configuration files are YAML or JSON; both are read with gopkg.in/yaml.v3.
// Layers are merged in order over the defaults and then environment
// overrides are applied:
//
//	TAPSTREAM_STATE_FREQUENCY       records between STATE messages
//	TAPSTREAM_MAX_PARALLEL_STREAMS  concurrent stream syncs
//	TAPSTREAM_BATCH_ROOT            batch storage root; enables batch mode
//
// # Basic Usage
//
//	loader := config.NewLoader()
//	loader.AddLayer("tap.yaml")
//	loader.AddLayer("tap.production.yaml") // Overrides tap.yaml
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(encodings, backends); err != nil {
//		log.Fatal(err)
//	}
//
// # Document Shape
//
//	state_message_frequency: 10000
//	max_parallel_streams: 4
//	streams:
//	  - id: users
//	    rows: ./data/users.jsonl
//	batch:
//	  encoding: {format: jsonl, compression: gzip}
//	  storage: {root: "file:///tmp/batches", prefix: "tap-"}
//	  batch_size: 10000
//	metrics: {port: 9090, path: /metrics, log_interval: 60s}
//
// Validation needs the encoding and storage registries because batch
// formats and storage schemes are registered at startup.
package config
