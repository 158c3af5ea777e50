// Package config loads runtime settings from FLY_* environment variables
// using envconfig, with defaults declared on the struct tags.
//
//	cfg, err := config.Load()
//	if err != nil {
//		cfg = config.Default()
//	}
package config
