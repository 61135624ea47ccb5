package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"bizagent/pkg/business"
	"bizagent/pkg/config"
	"bizagent/pkg/links"
	"bizagent/pkg/logger"
	"bizagent/pkg/storage"
)

// stores are the directly opened repositories used by the admin commands.
type stores struct {
	cfg        *config.Config
	db         *gorm.DB
	links      *links.Manager
	businesses *business.Directory
}

func openStores() *stores {
	cfg, err := config.NewLoader().Load(configPath)
	if err != nil {
		fail("loading config: %v", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		fail("invalid config: %v", err)
	}

	db, err := storage.OpenGorm(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		fail("opening database: %v", err)
	}

	log := logger.NewNop()
	linkMgr, err := links.NewManager(log, db, cfg.Links.TokenBytes)
	if err != nil {
		fail("%v", err)
	}
	directory, err := business.NewDirectory(log, db)
	if err != nil {
		fail("%v", err)
	}
	return &stores{cfg: cfg, db: db, links: linkMgr, businesses: directory}
}

func (s *stores) Close() {
	_ = storage.Close(s.db)
}

func printYAML(v any) {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		fail("encoding output: %v", err)
	}
	_ = enc.Close()
	fmt.Println()
}
