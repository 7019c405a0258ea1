package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"stoktracker/api"
	"stoktracker/internal/engine"
	"stoktracker/internal/netmon"
	"stoktracker/internal/pos"
	"stoktracker/internal/queue"
	"stoktracker/internal/remote"
	"stoktracker/internal/store"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	dbPath := os.Getenv("STOKTRACKER_DB")
	if dbPath == "" {
		dbPath = "stoktracker.db"
	}
	apiURL := os.Getenv("STOKTRACKER_API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080/api"
	}

	st, err := store.Open(dbPath, logger)
	if err != nil {
		panic(fmt.Errorf("error opening local store: %v", err))
	}
	q, err := queue.New(st.DB(), st, logger)
	if err != nil {
		panic(fmt.Errorf("error opening sync queue: %v", err))
	}

	client := remote.NewClient(apiURL, logger)
	defer client.Close()

	monitor := netmon.NewMonitor(client, netmon.DefaultConfig(), logger)
	monitor.Start(context.Background())
	defer monitor.Stop()

	eng := engine.New(q, client, monitor, engine.DefaultConfig(), logger)
	eng.Start(context.Background())
	defer eng.Stop()

	service := pos.NewService(st, q, logger)

	r := gin.Default()
	api.InitRoutes(r, service, eng, q, logger)

	if err := r.Run(":8081"); err != nil {
		panic(fmt.Errorf("error trying to start server: %v", err))
	}
}
