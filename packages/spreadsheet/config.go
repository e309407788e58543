package spreadsheet

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config tunes the recalculation engine. zero fields take their defaults.
type Config struct {
	// Workers is the size of the wave worker pool
	Workers int `yaml:"workers"`
	// ParallelThreshold is the smallest pass Recalculate hands to the pool
	ParallelThreshold int `yaml:"parallel_threshold"`
	// Seed makes random functions reproducible. 0 picks a random seed per
	// engine.
	Seed uint64 `yaml:"seed"`
	// MaxSettleRounds bounds the follow-up rounds spill changes may trigger
	// within one pass
	MaxSettleRounds int `yaml:"max_settle_rounds"`
	// PassDeadline aborts a pass that runs longer. 0 disables it.
	PassDeadline time.Duration `yaml:"pass_deadline"`
	// MaxRecursion bounds name and LAMBDA nesting during evaluation
	MaxRecursion int `yaml:"max_recursion"`
}

const (
	defaultParallelThreshold = 256
	defaultMaxSettleRounds   = 8
	defaultMaxRecursion      = 64
)

// DefaultConfig returns the defaults every engine starts from
func DefaultConfig() Config {
	return Config{
		Workers:           runtime.NumCPU(),
		ParallelThreshold: defaultParallelThreshold,
		MaxSettleRounds:   defaultMaxSettleRounds,
		MaxRecursion:      defaultMaxRecursion,
	}
}

// withDefaults fills unset fields
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.ParallelThreshold <= 0 {
		c.ParallelThreshold = d.ParallelThreshold
	}
	if c.MaxSettleRounds <= 0 {
		c.MaxSettleRounds = d.MaxSettleRounds
	}
	if c.MaxRecursion <= 0 {
		c.MaxRecursion = d.MaxRecursion
	}
	return c
}

// Validate rejects settings no engine could run with
func (c Config) Validate() error {
	switch {
	case c.Workers < 0:
		return NewApplicationError(InvalidArgument, fmt.Sprintf("workers must not be negative, got %d", c.Workers))
	case c.ParallelThreshold < 0:
		return NewApplicationError(InvalidArgument, fmt.Sprintf("parallel_threshold must not be negative, got %d", c.ParallelThreshold))
	case c.MaxSettleRounds < 0:
		return NewApplicationError(InvalidArgument, fmt.Sprintf("max_settle_rounds must not be negative, got %d", c.MaxSettleRounds))
	case c.PassDeadline < 0:
		return NewApplicationError(InvalidArgument, fmt.Sprintf("pass_deadline must not be negative, got %s", c.PassDeadline))
	case c.MaxRecursion < 0:
		return NewApplicationError(InvalidArgument, fmt.Sprintf("max_recursion must not be negative, got %d", c.MaxRecursion))
	}
	return nil
}

// ParseConfig decodes a YAML document. unknown keys are an error; an empty
// document yields the defaults.
func ParseConfig(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, chainError(InvalidArgument, err, "invalid engine config")
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c.withDefaults(), nil
}

// LoadConfig reads and decodes a YAML config file
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, chainError(NotFound, err, fmt.Sprintf("reading engine config %s", path))
	}
	return ParseConfig(data)
}
