package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// fileConfig is the optional TOML config file. Zero values keep the
// built-in defaults; flags set explicitly on the command line win over
// the file.
type fileConfig struct {
	Workspace string `toml:"workspace"`

	Bench  benchConfig  `toml:"bench"`
	Launch launchConfig `toml:"launch"`
}

type benchConfig struct {
	Dims         []int   `toml:"dims"`
	BatchSize    int     `toml:"batch_size"`
	LearningRate float64 `toml:"learning_rate"`
	WarmupIters  int     `toml:"warmup_iters"`
	TimedIters   int     `toml:"timed_iters"`
	Seed         int64   `toml:"seed"`
	Workers      int     `toml:"workers"`
}

type launchConfig struct {
	NumProcs   int    `toml:"nproc"`
	MasterAddr string `toml:"master_addr"`
	MasterPort int    `toml:"master_port"`
}

func loadConfig(path string) (fileConfig, error) {
	var c fileConfig

	if path == "" {
		return c, nil
	}

	if _, err := toml.DecodeFile(path, &c); err != nil {
		return c, fmt.Errorf("load config %s: %w", path, err)
	}

	return c, nil
}
