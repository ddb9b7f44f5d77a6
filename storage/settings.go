package storage

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultKeyCapacity     = 95.367
	DefaultErrorRate       = 0.02
	DefaultPadFactor       = 1.0
	DefaultShards          = 8
	DefaultTimeSlipWindow  = 30 * time.Second
	DefaultGrowBlocks      = 1024
	DefaultAverageItemSize = 256
	DefaultItemSizeSlack   = 1.25
)

// DefaultBranchFactors is the fan-out of levels 2 and up.
var DefaultBranchFactors = []int{4, 8, 16, 32}

// validate is a singleton validator instance
var validate = validator.New()

// Settings are the persistent tunables of a store. They are written next
// to the shard files when the store is created and read back on open.
type Settings struct {
	ID        string    `yaml:"id" validate:"required,uuid"`
	CreatedAt time.Time `yaml:"created_at"`

	// Bloom index
	KeyCapacity   float64 `yaml:"key_capacity" validate:"gt=0"`
	ErrorRate     float64 `yaml:"error_rate" validate:"gt=0,lt=1"`
	PadFactor     float64 `yaml:"pad_factor" validate:"gt=0"`
	BranchFactors []int   `yaml:"branch_factors" validate:"required,min=1,max=8,dive,min=2,max=255"`

	// Record blocks
	AverageItemSize      int           `yaml:"average_item_size" validate:"gt=0"`
	AverageItemSizeSlack float64       `yaml:"average_item_size_slack" validate:"gte=1"`
	ComputeChecksum      bool          `yaml:"compute_checksum"`
	Checksum             string        `yaml:"checksum,omitempty" validate:"omitempty,oneof=fletcher32 crc32c"`
	Compress             bool          `yaml:"compress"`
	TimeSlipWindow       time.Duration `yaml:"time_slip_window" validate:"gte=0"`

	// Files
	Shards          int   `yaml:"shards" validate:"gt=0,lte=256"`
	InitialFileSize int64 `yaml:"initial_file_size" validate:"gte=0"`
	GrowFileSize    int64 `yaml:"grow_file_size" validate:"gte=0"`
}

// DefaultSettings returns the settings used by Create for a given average
// item size, slack and checksum choice.
func DefaultSettings(avgItemSize int, avgItemSizeSlack float64, computeChecksum bool) Settings {
	s := Settings{
		KeyCapacity:          DefaultKeyCapacity,
		ErrorRate:            DefaultErrorRate,
		PadFactor:            DefaultPadFactor,
		BranchFactors:        append([]int(nil), DefaultBranchFactors...),
		AverageItemSize:      avgItemSize,
		AverageItemSizeSlack: avgItemSizeSlack,
		ComputeChecksum:      computeChecksum,
		Checksum:             ChecksumFletcher32,
		TimeSlipWindow:       DefaultTimeSlipWindow,
		Shards:               DefaultShards,
	}
	return s
}

// Validate checks the settings. Errors wrap ErrInvalidSettings.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if s.Shards&(s.Shards-1) != 0 {
		return fmt.Errorf("%w: shard count %d is not a power of two", ErrInvalidSettings, s.Shards)
	}
	return nil
}

// blockKeyCapacity is the number of keys a record block may hold.
func (s Settings) blockKeyCapacity() int {
	return int(math.Ceil(s.KeyCapacity))
}

// blockBufferSize is the nominal size of one record block.
func (s Settings) blockBufferSize() int {
	total, _ := blockGeometry(s.blockKeyCapacity(), s.AverageItemSize, s.AverageItemSizeSlack)
	return total
}

// withDefaults fills in a new store's id, creation time and file sizes.
func (s Settings) withDefaults() (Settings, error) {
	if s.ID == "" {
		id, err := NewStoreID()
		if err != nil {
			return s, fmt.Errorf("failed to generate store id: %w", err)
		}
		s.ID = id
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.Checksum == "" {
		s.Checksum = ChecksumFletcher32
	}
	if s.Shards == 0 {
		s.Shards = DefaultShards
	}
	if s.AverageItemSize > 0 && s.AverageItemSizeSlack >= 1 && s.KeyCapacity > 0 {
		grow := int64(s.blockBufferSize()) * DefaultGrowBlocks
		if s.GrowFileSize == 0 {
			s.GrowFileSize = grow
		}
		if s.InitialFileSize == 0 {
			s.InitialFileSize = grow
		}
	}
	return s, nil
}

// checksumFunc resolves the record checksum, or nil when disabled.
func (s Settings) checksumFunc() (ChecksumFunc, error) {
	if !s.ComputeChecksum {
		return nil, nil
	}
	return checksumByName(s.Checksum)
}

// settingsPath is where the settings of the store at p are kept.
func settingsPath(p string) string {
	return p + ".yaml"
}

// SaveSettings writes s next to the store at p.
func SaveSettings(p string, s Settings) error {
	b, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.WriteFile(settingsPath(p), b, 0644); err != nil {
		return fmt.Errorf("failed to write settings to file: %w", err)
	}
	return nil
}

// LoadSettings reads and validates the settings of the store at p.
func LoadSettings(p string) (Settings, error) {
	b, err := os.ReadFile(settingsPath(p))
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings: %w", err)
	}
	var s Settings
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}
