package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/Meesho/BharatMLStack/flashfs/internal/config"
	"github.com/Meesho/BharatMLStack/flashfs/internal/flash"
	"github.com/Meesho/BharatMLStack/flashfs/pkg/flashfs"
	"github.com/Meesho/BharatMLStack/flashfs/pkg/logger"
	"github.com/rs/zerolog/log"
)

type loadConfig struct {
	Files       int
	WritesEach  int
	PayloadSize int
}

func main() {
	logger.Init()

	cfg := config.FromEnv()
	loadCfg := loadConfig{
		Files:       8,
		WritesEach:  16,
		PayloadSize: 256,
	}

	dev, err := flash.NewMemDevice(cfg.Geometry())
	if err != nil {
		log.Error().Msgf("Error creating device: %v", err)
		return
	}
	fs, err := flashfs.New(dev, cfg)
	if err != nil {
		log.Error().Msgf("Error creating filesystem: %v", err)
		return
	}

	payload := make([]byte, loadCfg.PayloadSize)
	rand.Read(payload)

	start := time.Now()
	written := 0
	for i := 0; i < loadCfg.Files; i++ {
		name := fmt.Sprintf("f%02d.bin", i)
		fd := fs.Open(name, flashfs.CreateFlag|flashfs.WriteFlag)
		if fd < 0 {
			log.Error().Msgf("open %s failed: %d", name, fd)
			return
		}
		for w := 0; w < loadCfg.WritesEach; w++ {
			n := fs.Write(fd, payload)
			if n < 0 {
				log.Warn().Msgf("write %s stopped: %d", name, n)
				break
			}
			written += n
		}
		if rc := fs.Close(fd); rc != flashfs.StatusOK {
			log.Error().Msgf("close %s failed: %d", name, rc)
			return
		}
	}
	writeElapsed := time.Since(start)

	start = time.Now()
	readBack := 0
	buf := make([]byte, loadCfg.PayloadSize)
	for i := 0; i < loadCfg.Files; i++ {
		name := fmt.Sprintf("f%02d.bin", i)
		fd := fs.Open(name, flashfs.ReadFlag)
		if fd < 0 {
			log.Error().Msgf("reopen %s failed: %d", name, fd)
			return
		}
		for {
			n := fs.Read(fd, buf)
			if n <= 0 {
				break
			}
			readBack += n
		}
		fs.Close(fd)
	}
	readElapsed := time.Since(start)

	fmt.Printf("wrote   %8d bytes in %v\n", written, writeElapsed)
	fmt.Printf("read    %8d bytes in %v\n", readBack, readElapsed)
}
