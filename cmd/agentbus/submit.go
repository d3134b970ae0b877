package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentbus/bus"
	"github.com/BaSui01/agentbus/client"
	"github.com/BaSui01/agentbus/config"
	"github.com/BaSui01/agentbus/pipeline"
	"github.com/BaSui01/agentbus/types"
)

// =============================================================================
// 📨 submit 命令
// =============================================================================

func runSubmit(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	taskType := fs.String("type", "", "Task type")
	taskID := fs.String("id", "", "Task identifier")
	timeout := fs.Duration("timeout", 0, "Wait bound")
	fs.Parse(args)

	description := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if description == "" {
		fmt.Fprintln(os.Stderr, "submit: task description is required")
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if *timeout > 0 {
		cfg.Client.Timeout = *timeout
	}
	cfg.Ops.Enabled = false

	logger := initLogger(cfg.Log)
	defer logger.Sync()

	req := &types.TaskRequest{TaskID: *taskID, TaskDescription: description, TaskType: *taskType}
	if req.TaskType == "" {
		req.TaskType = cfg.Client.TaskType
	}

	res, err := submit(context.Background(), cfg, req, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit failed: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		fmt.Fprintf(os.Stderr, "encode result: %v\n", err)
		return 1
	}
	if res.Failed() {
		return 3
	}
	return 0
}

// submit sends req and waits for its result. With the in-process bus no
// other process can serve the request, so the whole pipeline runs locally;
// with an external bus only a client is started.
func submit(ctx context.Context, cfg *config.Config, req *types.TaskRequest, logger *zap.Logger) (*types.AggregatedResult, error) {
	if cfg.Bus.Driver == bus.DriverMemory {
		p, err := pipeline.New(cfg, logger)
		if err != nil {
			return nil, err
		}
		defer stopWithin(p.Stop, 5*time.Second)
		if err := p.Start(ctx); err != nil {
			return nil, err
		}
		c, err := p.Client()
		if err != nil {
			return nil, err
		}
		return c.SubmitRequest(ctx, req)
	}

	b, err := bus.New(cfg.Bus, logger)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	c, err := client.New(ctx, b, cfg.Client, logger, client.WithTopics(cfg.Topics))
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return c.SubmitRequest(ctx, req)
}

func stopWithin(stop func(context.Context) error, d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	_ = stop(ctx)
}
