// Package config loads and validates the coordinator settings from a TOML
// file. Invalid settings are rejected at startup, before any round starts.
package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/xaynetwork/xaynet/common/log"
	"github.com/xaynetwork/xaynet/coordinator"
	"github.com/xaynetwork/xaynet/mask"
	"github.com/xaynetwork/xaynet/pet"
	"github.com/xaynetwork/xaynet/pipeline"
)

// Settings is the root of the TOML document.
type Settings struct {
	Log     LogSettings     `toml:"log"`
	API     APISettings     `toml:"api"`
	PET     PETSettings     `toml:"pet"`
	Mask    MaskSettings    `toml:"mask"`
	Model   ModelSettings   `toml:"model"`
	Storage StorageSettings `toml:"storage"`
	Restore RestoreSettings `toml:"restore"`
}

type LogSettings struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

type APISettings struct {
	Bind             string `toml:"bind"`
	IntakeCapacity   int    `toml:"intake_capacity"`
	SignatureWorkers int    `toml:"signature_workers"`
	MultipartCap     int    `toml:"multipart_cap"`
}

type PETSettings struct {
	Sum    PhaseSettings `toml:"sum"`
	Update PhaseSettings `toml:"update"`
	Sum2   PhaseSettings `toml:"sum2"`
}

type PhaseSettings struct {
	Prob  float64         `toml:"prob"`
	Count pet.PhaseCounts `toml:"count"`
	Time  pet.PhaseTimes  `toml:"time"`
}

type MaskSettings struct {
	GroupType string `toml:"group_type"`
	DataType  string `toml:"data_type"`
	BoundType string `toml:"bound_type"`
	ModelType string `toml:"model_type"`
}

type ModelSettings struct {
	Length int `toml:"length"`
}

type StorageSettings struct {
	Coordinator CoordinatorStorageSettings `toml:"coordinator"`
	Models      ModelStorageSettings       `toml:"models"`
}

type CoordinatorStorageSettings struct {
	Engine   string `toml:"engine"`
	RedisURL string `toml:"redis_url"`
	BoltPath string `toml:"bolt_path"`
}

type ModelStorageSettings struct {
	Engine string     `toml:"engine"`
	S3     S3Settings `toml:"s3"`
}

type S3Settings struct {
	Region         string `toml:"region"`
	Endpoint       string `toml:"endpoint"`
	Bucket         string `toml:"bucket"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

type RestoreSettings struct {
	Enable bool `toml:"enable"`
}

// Default returns the settings that keys missing from the file fall back
// to. Load still requires the file itself to exist.
func Default() Settings {
	return Settings{
		Log: LogSettings{Level: "info", JSON: true},
		API: APISettings{
			Bind:             ":8081",
			IntakeCapacity:   100,
			SignatureWorkers: 4,
			MultipartCap:     1024,
		},
		PET: PETSettings{
			Sum: PhaseSettings{
				Prob:  0.01,
				Count: pet.PhaseCounts{Min: 1, Max: 100},
				Time:  pet.PhaseTimes{Min: 5, Max: 3600},
			},
			Update: PhaseSettings{
				Prob:  0.1,
				Count: pet.PhaseCounts{Min: 3, Max: 10000},
				Time:  pet.PhaseTimes{Min: 10, Max: 3600},
			},
			Sum2: PhaseSettings{
				Count: pet.PhaseCounts{Min: 1, Max: 100},
				Time:  pet.PhaseTimes{Min: 5, Max: 3600},
			},
		},
		Mask: MaskSettings{
			GroupType: "prime",
			DataType:  "f32",
			BoundType: "b0",
			ModelType: "m3",
		},
		Model: ModelSettings{Length: 1},
		Storage: StorageSettings{
			Coordinator: CoordinatorStorageSettings{Engine: "memory"},
			Models:      ModelStorageSettings{Engine: "memory"},
		},
	}
}

// Load reads the TOML file at path on top of the defaults and validates the
// result.
func Load(path string) (Settings, error) {
	s := Default()
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return Settings{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate collects every invalid setting instead of stopping at the first.
func (s Settings) Validate() error {
	var result *multierror.Error

	checkProb := func(name string, p float64) {
		if p <= 0 || p >= 1 {
			result = multierror.Append(result, fmt.Errorf("%s: probability %v outside (0,1)", name, p))
		}
	}
	checkProb("pet.sum.prob", s.PET.Sum.Prob)
	checkProb("pet.update.prob", s.PET.Update.Prob)

	checkPhase := func(name string, p PhaseSettings) {
		if p.Count.Min < 1 {
			result = multierror.Append(result, fmt.Errorf("%s.count.min: must be at least 1", name))
		}
		if p.Count.Min > p.Count.Max {
			result = multierror.Append(result, fmt.Errorf("%s.count: min %d > max %d", name, p.Count.Min, p.Count.Max))
		}
		if p.Time.Min > p.Time.Max {
			result = multierror.Append(result, fmt.Errorf("%s.time: min %d > max %d", name, p.Time.Min, p.Time.Max))
		}
		if p.Time.Max == 0 {
			result = multierror.Append(result, fmt.Errorf("%s.time.max: must be positive", name))
		}
	}
	checkPhase("pet.sum", s.PET.Sum)
	checkPhase("pet.update", s.PET.Update)
	checkPhase("pet.sum2", s.PET.Sum2)

	if _, err := s.MaskConfig(); err != nil {
		result = multierror.Append(result, err)
	}
	if s.Model.Length < 1 {
		result = multierror.Append(result, fmt.Errorf("model.length: must be at least 1"))
	}

	switch s.Storage.Coordinator.Engine {
	case "memory":
	case "bolt":
		if s.Storage.Coordinator.BoltPath == "" {
			result = multierror.Append(result, fmt.Errorf("storage.coordinator.bolt_path: required for the bolt engine"))
		}
	case "redis":
		if s.Storage.Coordinator.RedisURL == "" {
			result = multierror.Append(result, fmt.Errorf("storage.coordinator.redis_url: required for the redis engine"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("storage.coordinator.engine: unknown engine %q", s.Storage.Coordinator.Engine))
	}
	switch s.Storage.Models.Engine {
	case "memory":
	case "s3":
		if s.Storage.Models.S3.Bucket == "" {
			result = multierror.Append(result, fmt.Errorf("storage.models.s3.bucket: required for the s3 engine"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("storage.models.engine: unknown engine %q", s.Storage.Models.Engine))
	}

	if s.API.IntakeCapacity < 1 {
		result = multierror.Append(result, fmt.Errorf("api.intake_capacity: must be at least 1"))
	}
	if s.API.SignatureWorkers < 1 {
		result = multierror.Append(result, fmt.Errorf("api.signature_workers: must be at least 1"))
	}

	return result.ErrorOrNil()
}

// MaskConfig parses the mask tuple.
func (s Settings) MaskConfig() (mask.MaskConfig, error) {
	var cfg mask.MaskConfig
	switch strings.ToLower(s.Mask.GroupType) {
	case "integer":
		cfg.GroupType = mask.Integer
	case "prime":
		cfg.GroupType = mask.Prime
	case "power2":
		cfg.GroupType = mask.Power2
	default:
		return cfg, fmt.Errorf("mask.group_type: unknown variant %q", s.Mask.GroupType)
	}
	switch strings.ToLower(s.Mask.DataType) {
	case "f32":
		cfg.DataType = mask.F32
	case "f64":
		cfg.DataType = mask.F64
	case "i32":
		cfg.DataType = mask.I32
	case "i64":
		cfg.DataType = mask.I64
	default:
		return cfg, fmt.Errorf("mask.data_type: unknown variant %q", s.Mask.DataType)
	}
	switch strings.ToLower(s.Mask.BoundType) {
	case "b0":
		cfg.BoundType = mask.B0
	case "b2":
		cfg.BoundType = mask.B2
	case "b4":
		cfg.BoundType = mask.B4
	case "b6":
		cfg.BoundType = mask.B6
	case "bmax":
		cfg.BoundType = mask.Bmax
	default:
		return cfg, fmt.Errorf("mask.bound_type: unknown variant %q", s.Mask.BoundType)
	}
	switch strings.ToLower(s.Mask.ModelType) {
	case "m3":
		cfg.ModelType = mask.M3
	case "m6":
		cfg.ModelType = mask.M6
	case "m9":
		cfg.ModelType = mask.M9
	case "m12":
		cfg.ModelType = mask.M12
	default:
		return cfg, fmt.Errorf("mask.model_type: unknown variant %q", s.Mask.ModelType)
	}
	return cfg, nil
}

// CoordinatorSettings converts the document into state machine settings.
func (s Settings) CoordinatorSettings() (coordinator.Settings, error) {
	cfg, err := s.MaskConfig()
	if err != nil {
		return coordinator.Settings{}, err
	}
	return coordinator.Settings{
		SumProb:     s.PET.Sum.Prob,
		UpdateProb:  s.PET.Update.Prob,
		SumCount:    s.PET.Sum.Count,
		UpdateCount: s.PET.Update.Count,
		Sum2Count:   s.PET.Sum2.Count,
		SumTime:     s.PET.Sum.Time,
		UpdateTime:  s.PET.Update.Time,
		Sum2Time:    s.PET.Sum2.Time,
		MaskConfig:  cfg,
		ModelLength: s.Model.Length,
	}, nil
}

// PipelineConfig converts the document into pipeline bounds.
func (s Settings) PipelineConfig() pipeline.Config {
	return pipeline.Config{
		Workers:        s.API.SignatureWorkers,
		IntakeCapacity: s.API.IntakeCapacity,
		MultipartCap:   s.API.MultipartCap,
	}
}

// LogLevel maps the configured level name to the logger's level value.
func LogLevel(name string) int {
	switch strings.ToLower(name) {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
