package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"

	"github.com/yangkx1024/ytorrent/file"
	"github.com/yangkx1024/ytorrent/torrent"
)

func main() {
	if len(os.Args) < 3 {
		logrus.Fatalf("usage: %s <torrent file> <output dir>", os.Args[0])
	}
	inputPath := os.Args[1]
	outputDir := os.Args[2]

	tf, err := file.Open(inputPath)
	if err != nil {
		logrus.Fatal(err)
	}

	cfg := torrent.DefaultConfig
	cfg.OutputDir = outputDir

	t, err := torrent.New(tf, cfg)
	if err != nil {
		logrus.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := t.Download(ctx); err != nil {
		logrus.Fatal(err)
	}
}
