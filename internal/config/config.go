package config

import (
	"fmt"

	"github.com/Meesho/BharatMLStack/flashfs/internal/flash"
	"github.com/spf13/viper"
)

const (
	defaultPageSize    = flash.DefaultPageSize
	defaultBlockSize   = flash.DefaultBlockSize
	defaultPages       = 128
	defaultDescriptors = 16
	defaultLowWater    = 4
)

// Config carries the flash geometry and engine capacities.
type Config struct {
	PageSize       int
	BlockSize      int
	Pages          int
	MaxDescriptors int
	LowWaterBlocks int
}

func Default() Config {
	return Config{
		PageSize:       defaultPageSize,
		BlockSize:      defaultBlockSize,
		Pages:          defaultPages,
		MaxDescriptors: defaultDescriptors,
		LowWaterBlocks: defaultLowWater,
	}
}

// FromEnv reads FLASHFS_* keys from the environment, falling back to the
// defaults above.
func FromEnv() Config {
	viper.AutomaticEnv()
	viper.SetDefault("FLASHFS_PAGE_SIZE", defaultPageSize)
	viper.SetDefault("FLASHFS_BLOCK_SIZE", defaultBlockSize)
	viper.SetDefault("FLASHFS_PAGES", defaultPages)
	viper.SetDefault("FLASHFS_MAX_DESCRIPTORS", defaultDescriptors)
	viper.SetDefault("FLASHFS_LOW_WATER_BLOCKS", defaultLowWater)
	return Config{
		PageSize:       viper.GetInt("FLASHFS_PAGE_SIZE"),
		BlockSize:      viper.GetInt("FLASHFS_BLOCK_SIZE"),
		Pages:          viper.GetInt("FLASHFS_PAGES"),
		MaxDescriptors: viper.GetInt("FLASHFS_MAX_DESCRIPTORS"),
		LowWaterBlocks: viper.GetInt("FLASHFS_LOW_WATER_BLOCKS"),
	}
}

func (c Config) Geometry() flash.Geometry {
	return flash.Geometry{
		PageSize:  c.PageSize,
		BlockSize: c.BlockSize,
		Pages:     c.Pages,
	}
}

func (c Config) Validate() error {
	if err := c.Geometry().Validate(); err != nil {
		return err
	}
	if c.MaxDescriptors <= 0 {
		return fmt.Errorf("config: non-positive descriptor capacity %d", c.MaxDescriptors)
	}
	if c.LowWaterBlocks < 0 {
		return fmt.Errorf("config: negative low-water mark %d", c.LowWaterBlocks)
	}
	return nil
}
