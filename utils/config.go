package utils

import (
	"errors"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"gopkg.in/yaml.v2"

	"github.com/lkstream/lkstream/utils/log"
)

// FsyncMode selects the durability policy for the group-commit syncer.
type FsyncMode string

const (
	// FsyncSync flushes before every produce call returns.
	FsyncSync FsyncMode = "sync"
	// FsyncGroup coalesces flushes across partitions under time/size triggers.
	FsyncGroup FsyncMode = "group"
	// FsyncNone never calls fsync and relies on the OS page cache.
	FsyncNone FsyncMode = "none"
)

// RetentionPolicy names the optional segment cleaner.
type RetentionPolicy string

const (
	RetentionNone     RetentionPolicy = "none"
	RetentionByteSize RetentionPolicy = "bytesize"
	RetentionDuration RetentionPolicy = "duration"
)

type RetentionSetting struct {
	Policy        RetentionPolicy
	MaxLogBytes   int64
	Duration      time.Duration
	CheckInterval time.Duration
}

// LkConfig is the full daemon configuration, parsed once at startup and
// passed by value to the broker.
type LkConfig struct {
	RootDirectory   string
	ListenPort      string
	FsyncMode       FsyncMode
	FsyncInterval   time.Duration
	FsyncGroupBytes int64
	SegmentMaxBytes int64
	HotTailEntries  int
	InflightMax     int64
	IndexEveryN     int
	StopGracePeriod time.Duration
	Retention       RetentionSetting
	StartTime       time.Time
}

const (
	defaultFsyncInterval   = 50 * time.Millisecond
	defaultFsyncGroupBytes = 4 << 20
	defaultSegmentMax      = 64 << 20
	defaultHotTailEntries  = 1024
	defaultInflightMax     = 256 << 20
	defaultIndexEveryN     = 16
	defaultRetentionCheck  = 5 * time.Minute
)

// NewDefaultConfig returns a config with every tunable at its default,
// rooted at rootDir. Used by tests and embedded callers.
func NewDefaultConfig(rootDir string) LkConfig {
	return LkConfig{
		RootDirectory:   rootDir,
		FsyncMode:       FsyncGroup,
		FsyncInterval:   defaultFsyncInterval,
		FsyncGroupBytes: defaultFsyncGroupBytes,
		SegmentMaxBytes: defaultSegmentMax,
		HotTailEntries:  defaultHotTailEntries,
		InflightMax:     defaultInflightMax,
		IndexEveryN:     defaultIndexEveryN,
		Retention:       RetentionSetting{Policy: RetentionNone, CheckInterval: defaultRetentionCheck},
		StartTime:       time.Now(),
	}
}

func (m *LkConfig) Parse(data []byte) error {
	var aux struct {
		RootDirectory   string `yaml:"root_directory"`
		ListenPort      string `yaml:"listen_port"`
		LogLevel        string `yaml:"log_level"`
		FsyncMode       string `yaml:"fsync_mode"`
		FsyncIntervalMs int    `yaml:"fsync_interval_ms"`
		FsyncGroupBytes string `yaml:"fsync_group_bytes"`
		SegmentMaxBytes string `yaml:"segment_max_bytes"`
		HotTailEntries  int    `yaml:"hot_tail_entries"`
		InflightMax     string `yaml:"inflight_max_bytes"`
		IndexEveryN     int    `yaml:"index_every_n"`
		StopGracePeriod int    `yaml:"stop_grace_period"`
		Retention       struct {
			Policy        string `yaml:"policy"`
			MaxLogBytes   string `yaml:"max_log_bytes"`
			Duration      string `yaml:"duration"`
			CheckInterval string `yaml:"check_interval"`
		} `yaml:"retention"`
	}

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.RootDirectory == "" {
		log.Error("Invalid root directory.")
		return errors.New("invalid root directory")
	}
	m.RootDirectory = aux.RootDirectory
	m.ListenPort = aux.ListenPort

	switch strings.ToLower(aux.FsyncMode) {
	case "", string(FsyncGroup):
		m.FsyncMode = FsyncGroup
	case string(FsyncSync):
		m.FsyncMode = FsyncSync
	case string(FsyncNone):
		m.FsyncMode = FsyncNone
	default:
		log.Error("Invalid fsync_mode: %v", aux.FsyncMode)
		return errors.New("invalid fsync_mode")
	}

	if aux.FsyncIntervalMs == 0 {
		m.FsyncInterval = defaultFsyncInterval
	} else {
		m.FsyncInterval = time.Duration(aux.FsyncIntervalMs) * time.Millisecond
	}

	var err error
	if m.FsyncGroupBytes, err = parseBytes(aux.FsyncGroupBytes, defaultFsyncGroupBytes); err != nil {
		log.Error("Invalid fsync_group_bytes: %v", aux.FsyncGroupBytes)
		return err
	}
	if m.SegmentMaxBytes, err = parseBytes(aux.SegmentMaxBytes, defaultSegmentMax); err != nil {
		log.Error("Invalid segment_max_bytes: %v", aux.SegmentMaxBytes)
		return err
	}
	if m.InflightMax, err = parseBytes(aux.InflightMax, defaultInflightMax); err != nil {
		log.Error("Invalid inflight_max_bytes: %v", aux.InflightMax)
		return err
	}

	if aux.HotTailEntries == 0 {
		m.HotTailEntries = defaultHotTailEntries
	} else {
		m.HotTailEntries = aux.HotTailEntries
	}
	if aux.IndexEveryN == 0 {
		m.IndexEveryN = defaultIndexEveryN
	} else {
		m.IndexEveryN = aux.IndexEveryN
	}
	m.StopGracePeriod = time.Duration(aux.StopGracePeriod) * time.Second

	switch strings.ToLower(aux.Retention.Policy) {
	case "", string(RetentionNone):
		m.Retention.Policy = RetentionNone
	case string(RetentionByteSize):
		m.Retention.Policy = RetentionByteSize
	case string(RetentionDuration):
		m.Retention.Policy = RetentionDuration
	default:
		log.Error("Invalid retention policy: %v", aux.Retention.Policy)
		return errors.New("invalid retention policy")
	}
	if m.Retention.MaxLogBytes, err = parseBytes(aux.Retention.MaxLogBytes, 10<<30); err != nil {
		return err
	}
	if aux.Retention.Duration != "" {
		if m.Retention.Duration, err = time.ParseDuration(aux.Retention.Duration); err != nil {
			log.Error("Invalid retention duration: %v", aux.Retention.Duration)
			return err
		}
	} else {
		m.Retention.Duration = 120 * time.Hour
	}
	if aux.Retention.CheckInterval != "" {
		if m.Retention.CheckInterval, err = time.ParseDuration(aux.Retention.CheckInterval); err != nil {
			log.Error("Invalid retention check_interval: %v", aux.Retention.CheckInterval)
			return err
		}
	} else {
		m.Retention.CheckInterval = defaultRetentionCheck
	}

	if aux.LogLevel != "" {
		switch strings.ToLower(aux.LogLevel) {
		case "fatal":
			log.SetLevel(log.FATAL)
		case "error":
			log.SetLevel(log.ERROR)
		case "warning":
			log.SetLevel(log.WARNING)
		case "debug":
			log.SetLevel(log.DEBUG)
		case "info":
			log.SetLevel(log.INFO)
		}
	}

	return nil
}

func parseBytes(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	n, err := bytefmt.ToBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}
