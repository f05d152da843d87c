package trainer

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config bundles the hyper-parameters of a training run so that
// runs can be described and reproduced from a JSON file.
type Config struct {
	Backbone    string `json:"backbone"`
	Cardinality int    `json:"cardinality"`

	ImageSize int `json:"image_size"`
	Channels  int `json:"channels"`

	BatchSize int `json:"batch_size"`
	Epochs    int `json:"epochs"`

	Rate        float64 `json:"rate"`
	Decay       float64 `json:"decay"`
	Momentum    float64 `json:"momentum"`
	WeightDecay float64 `json:"weight_decay"`

	PlateauPatience int     `json:"plateau_patience"`
	StopPatience    int     `json:"stop_patience"`
	StopMinDelta    float64 `json:"stop_min_delta"`

	Augment     bool `json:"augment"`
	Featurewise bool `json:"featurewise"`
}

// DefaultConfig returns the standard photographic-classifier
// settings.
func DefaultConfig() *Config {
	return &Config{
		Backbone:        "resnet50",
		Cardinality:     32,
		ImageSize:       224,
		Channels:        3,
		BatchSize:       16,
		Epochs:          200,
		Rate:            0.01,
		Decay:           1e-5,
		Momentum:        0.9,
		WeightDecay:     1e-4,
		PlateauPatience: 20,
		StopPatience:    5,
		StopMinDelta:    0.001,
		Augment:         true,
	}
}

// LoadConfig reads a Config from a JSON file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	res := DefaultConfig()
	if err := json.Unmarshal(data, res); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	return res, nil
}

// Save writes the Config as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "save config")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrap(err, "save config")
	}
	return nil
}
