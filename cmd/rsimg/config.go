package main

import (
	"fmt"
	"os"
	"sort"

	"sigs.k8s.io/yaml"
)

// config holds defaults read from the --config yaml file. Command line flags
// take precedence.
type config struct {
	Stack stackConfig       `json:"stack"`
	GDAL  map[string]string `json:"gdal"`
	GCS   struct {
		BlockSize string `json:"blockSize"`
		NumBlocks int    `json:"numBlocks"`
	} `json:"gcs"`
}

type stackConfig struct {
	Extent          string   `json:"extent"`
	Resampling      string   `json:"resampling"`
	Parallelism     int      `json:"parallelism"`
	WarpSwitches    string   `json:"warpSwitches"`
	CreationOptions []string `json:"creationOptions"`
	COG             bool     `json:"cog"`
	BlockSize       int      `json:"blockSize"`
}

func loadConfig(path string) (config, error) {
	cfg := config{}
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// gdalConfig returns the configured GDAL options as KEY=VALUE pairs, sorted by key.
func (c config) gdalConfig() []string {
	keys := make([]string, 0, len(c.GDAL))
	for k := range c.GDAL {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	kv := make([]string, len(keys))
	for i, k := range keys {
		kv[i] = k + "=" + c.GDAL[k]
	}
	return kv
}
