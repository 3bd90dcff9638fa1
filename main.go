package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	cfg := LoadConfig()

	db, err := InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to init database: %v", err)
	}
	defer db.Close()

	notifier := NewNotifier(cfg)

	pipeline, err := NewPipeline(cfg, db, notifier)
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}

	log.Println("Starting progress analysis pipeline...")
	pipeline.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("Shutting down...")
	pipeline.Stop()
}
