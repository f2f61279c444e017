// Package config loads and validates the router configuration.
//
// Configuration is layered: Default(), then each file passed to AddLayer
// (JSON, or YAML for .yaml/.yml), then OCPPROUTER_* environment variables.
// Only keys present in a layer override earlier values, except
// tenancy.path_mapping and routes, which a layer replaces wholesale.
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/router.yaml")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Validate normalizes path mapping prefixes to "/segment" form. Errors wrap
// errors.ErrInvalidConfig and classify as fatal.
//
// Relative config paths may not escape the working directory. Files over 10MB
// and JSON nested deeper than 100 levels are rejected before parsing.
package config
