package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// #region env
// Env is the process environment the driver reads next to its flags.
type Env struct {
	// EncoderAddr selects the remote gRPC encoder; empty uses the hashing encoder.
	EncoderAddr    string `env:"KLUE_ENCODER_ADDR"`
	EncoderDim     int    `env:"KLUE_ENCODER_DIM" envDefault:"256"`
	EncoderCacheMB int    `env:"KLUE_ENCODER_CACHE_MB" envDefault:"64"`

	// RunDB is the sqlite run store; empty puts runs.db under output_dir.
	RunDB    string `env:"KLUE_RUN_DB"`
	LogLevel string `env:"KLUE_LOG_LEVEL" envDefault:"info"`

	S3Bucket string `env:"KLUE_S3_BUCKET"`
	S3Prefix string `env:"KLUE_S3_PREFIX" envDefault:"klue"`
	Region   string `env:"AWS_REGION" envDefault:"us-west-2"`
}

// Load parses Env from the process environment.
func Load() (Env, error) {
	return parse(env.Options{})
}

// LoadFrom parses Env from vars instead of the process environment.
func LoadFrom(vars map[string]string) (Env, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (Env, error) {
	var e Env
	if err := env.ParseWithOptions(&e, opts); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	if e.EncoderDim <= 0 {
		return Env{}, fmt.Errorf("parse env: KLUE_ENCODER_DIM must be positive, got %d", e.EncoderDim)
	}
	if e.EncoderCacheMB < 0 {
		return Env{}, fmt.Errorf("parse env: KLUE_ENCODER_CACHE_MB must not be negative, got %d", e.EncoderCacheMB)
	}
	return e, nil
}

// #endregion env
