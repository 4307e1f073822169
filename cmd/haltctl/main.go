// haltctl 直接操作共享存储里的全局急停状态。
// 网关进程挂掉时仍可通过它拉闸或恢复。
//
//	haltctl get
//	haltctl set -halt -reason "broker outage" -by oncall
//	haltctl set -resume -by oncall
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fopgate/fopgate/internal/config"
	"github.com/fopgate/fopgate/internal/repository"
	"github.com/fopgate/fopgate/internal/safety"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Redis.Addr == "" {
		log.Fatal("redis.addr is not configured, haltctl needs the shared store")
	}
	client, err := repository.NewRedisClient(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	ctrl := safety.NewController(repository.NewRedisHaltStore(client, cfg.Redis.HaltStateKey))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "get":
		printState(ctrl.Get(ctx))
	case "set":
		fs := flag.NewFlagSet("set", flag.ExitOnError)
		halt := fs.Bool("halt", false, "engage the emergency halt")
		resume := fs.Bool("resume", false, "lift the emergency halt")
		reason := fs.String("reason", "", "operator-facing reason")
		by := fs.String("by", "haltctl", "who is flipping the switch")
		_ = fs.Parse(os.Args[2:])

		if *halt == *resume {
			log.Fatal("exactly one of -halt or -resume is required")
		}
		state, saveErr := ctrl.Set(ctx, *halt, *reason, *by)
		if saveErr != nil {
			log.Fatalf("Failed to persist halt state: %v", saveErr)
		}
		printState(state)
	default:
		usage()
		os.Exit(2)
	}
}

func printState(state any) {
	out, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode state: %v", err)
	}
	fmt.Println(string(out))
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: haltctl get | haltctl set [-halt|-resume] [-reason ...] [-by ...]")
}
