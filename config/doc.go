// Package config loads the relay configuration.
//
// A Config is assembled once at startup from three layers, later layers
// winning field by field:
//
//  1. Default(): built-in defaults for every knob
//  2. file layers added with Loader.AddLayer, JSON or YAML by extension
//  3. environment overrides prefixed POSTRELAY_ (POSTRELAY_BROKER_URLS,
//     POSTRELAY_STREAM_TRACK, ...), plus TWITTER_CLIENT_ID and
//     TWITTER_CLIENT_SECRET when no credential is configured
//
// Basic usage:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/postrelay/base.yaml")
//	loader.AddLayer("production.yaml")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// Every file layer is checked against the embedded JSON Schema (see Schema)
// before it is merged, so unknown keys and wrong types are reported with
// their document path. Durations are written as strings ("250ms", "15m",
// "2d"). Lists replace, they do not append:
//
//	base.yaml:
//	  broker: {urls: [nats://a:4222, nats://b:4222], topic: ingest.twitter}
//
//	production.yaml:
//	  broker: {urls: [nats://prod:4222]}
//
//	Result:
//	  broker: {urls: [nats://prod:4222], topic: ingest.twitter}
//
// # Security
//
// File layers are limited to 1MB and 32 levels of nesting, must be regular
// files, and relative paths may not leave the working directory. String
// renders the configuration with credentials masked.
package config
