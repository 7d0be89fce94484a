package main

import (
	"bufio"
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/coffersTech/hotlog/internal/config"
	"github.com/coffersTech/hotlog/internal/model"
	"github.com/coffersTech/hotlog/internal/storage"
)

var parseRejects bool

var parseCmd = &cobra.Command{
	Use:   "parse FILE",
	Short: "Replay one log file through the parser and print JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE:  runParse,
}

func init() {
	parseCmd.Flags().BoolVar(&parseRejects, "rejects", false, "also print quarantined blocks")
}

type parseLine struct {
	Type     string           `json:"type"`
	Record   *model.LogRecord `json:"record,omitempty"`
	Rejected *model.Rejected  `json:"rejected,omitempty"`
}

func runParse(_ *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	archive, err := storage.NewArchive(storage.ArchiveOptions{Workers: 1, Parser: newParser(cfg)})
	if err != nil {
		return err
	}
	defer archive.Close()

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	enc := json.NewEncoder(out)

	var encErr error
	emit := func(l parseLine) {
		if encErr == nil {
			encErr = enc.Encode(l)
		}
	}
	var onReject func(model.Rejected)
	if parseRejects {
		onReject = func(r model.Rejected) { emit(parseLine{Type: "rejected", Rejected: &r}) }
	}
	err = archive.Replay(context.Background(), args[0],
		func(r model.LogRecord) { emit(parseLine{Type: "record", Record: &r}) }, onReject)
	if err != nil {
		return err
	}
	return encErr
}
