// Command loom runs the queue-and-work orchestration core: the proxy,
// planner, and executor consumers wired to a durable SQLite-backed bus,
// plus a minimal HTTP surface for health checks and turn dispatch.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/loomrun/loom/internal/agent"
	"github.com/loomrun/loom/internal/approval"
	"github.com/loomrun/loom/internal/channel"
	"github.com/loomrun/loom/internal/config"
	"github.com/loomrun/loom/internal/consult"
	"github.com/loomrun/loom/internal/consumer"
	"github.com/loomrun/loom/internal/execpool"
	"github.com/loomrun/loom/internal/executorconsumer"
	"github.com/loomrun/loom/internal/orchestrator"
	"github.com/loomrun/loom/internal/plannerconsumer"
	"github.com/loomrun/loom/internal/proxyconsumer"
	"github.com/loomrun/loom/internal/replan"
	"github.com/loomrun/loom/internal/research"
	"github.com/loomrun/loom/internal/router"
	"github.com/loomrun/loom/internal/sandbox"
	"github.com/loomrun/loom/internal/selfheal"
	"github.com/loomrun/loom/internal/store"
	"github.com/loomrun/loom/internal/verification"
	"github.com/loomrun/loom/internal/workitem"
)

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v", envPath, err)
		log.Printf("continuing with existing environment variables")
	} else {
		log.Printf("loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	gin.SetMode(getEnv("GIN_MODE", "debug"))

	cfg, err := config.Load(filepath.Join(*configDir, "loom.yaml"))
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	ctx := context.Background()

	st, err := store.Open(ctx, store.Config{
		Path:            cfg.Store.Path,
		BusyTimeout:     cfg.Store.BusyTimeout,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MigrationsTable: "schema_migrations",
	})
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("error closing store: %v", err)
		}
	}()
	log.Println("store opened and migrated")

	secret, err := cfg.ApprovalSecret(func(k string) (string, bool) { v, ok := os.LookupEnv(k); return v, ok })
	if err != nil {
		log.Fatalf("failed to resolve approval secret: %v", err)
	}
	verifier := approval.NewHMACVerifierWithTTL(secret, cfg.Approval.DefaultTTL)

	agents := agent.EchoFactory{}
	ch := channel.NewLogChannel(true, "")
	sandboxes := sandbox.LocalManager{}
	verRunner := verification.FilesystemChecksumRunner{}
	backend := workitem.NewSandboxBackend(sandboxes, filepath.Join(*configDir, "artifacts"))

	consultMgr := consult.NewWithLimits(st, consult.Limits{
		Timeout:      cfg.Consult.Timeout,
		PollInterval: cfg.Consult.PollInterval,
	})
	replanMgr := replan.NewWithMaxDepth(st, cfg.Replan.MaxDepth)
	cascade := selfheal.New(consultMgr, replanMgr)

	wiExec := workitem.New(verifier, workitem.PermissiveGates{}, backend, verRunner, cascade)
	pool := execpool.New(cfg.ExecPool.PerScopeCap, cfg.ExecPool.GlobalCap)
	researchRegistry := research.NewRegistryWithLimits(research.Limits{
		MaxInFlight:    cfg.Research.MaxInFlight,
		MaxRounds:      cfg.Research.MaxRounds,
		RequestTimeout: cfg.Research.RequestTimeout,
	})

	baseCfg := consumer.Config{
		MaxAttempts:       cfg.Consumer.MaxAttempts,
		LeaseDuration:     cfg.Consumer.LeaseDuration,
		HeartbeatInterval: cfg.Consumer.HeartbeatInterval,
		IdleBackoff: consumer.Backoff{
			Base: cfg.Consumer.BackoffBase,
			Mult: cfg.Consumer.BackoffMult,
			Cap:  cfg.Consumer.BackoffCap,
		},
	}

	proxy := proxyconsumer.New(baseCfg, st, proxyconsumer.Deps{
		Store:   st,
		Agents:  agents,
		Channel: ch,
	})
	planner := plannerconsumer.New(baseCfg, st, plannerconsumer.Deps{
		Store:    st,
		Agents:   agents,
		Research: researchRegistry,
	})
	executor := executorconsumer.New(baseCfg, st, executorconsumer.Deps{
		Store:        st,
		Agents:       agents,
		Pool:         pool,
		WorkItemExec: wiExec,
		Cascade:      cascade,
	})

	orch, err := orchestrator.New(ctx, st, map[string]orchestrator.Consumer{
		"proxy":    proxy,
		"planner":  planner,
		"executor": executor,
	})
	if err != nil {
		log.Fatalf("failed to construct orchestrator: %v", err)
	}
	bridge := orchestrator.NewBridgeWithConfig(st, cfg.Bridge.DefaultTimeout, cfg.Bridge.PollInterval)

	orch.Start(ctx)
	defer orch.Stop()
	log.Println("orchestrator started: proxy, planner, executor consumers running")

	engine := gin.Default()

	engine.GET("/health", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		depths := map[string]int{}
		for _, q := range []string{router.ProxyQueue, router.PlannerQueue, router.ExecutorQueue, router.RuntimeQueue} {
			n, err := st.PendingCount(reqCtx, q)
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
				return
			}
			depths[q] = n
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "queue_depth": depths})
	})

	engine.POST("/turns", func(c *gin.Context) {
		var req struct {
			Text    string         `json:"text"`
			TraceID string         `json:"trace_id"`
			Meta    map[string]any `json:"metadata"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := bridge.DispatchTurn(c.Request.Context(), req.Text, req.TraceID, req.Meta, orchestrator.DispatchTurnOptions{}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"trace_id": req.TraceID})
	})

	engine.GET("/turns/:trace_id", func(c *gin.Context) {
		traceID := c.Param("trace_id")
		env, ok, err := bridge.CollectResponse(c.Request.Context(), traceID, orchestrator.DefaultCollectTimeout)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusRequestTimeout, gin.H{"status": "pending"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message_id": env.ID, "payload": string(env.Payload)})
	})

	slog.Info("http server listening", "port", httpPort)
	if err := engine.Run(":" + httpPort); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}
