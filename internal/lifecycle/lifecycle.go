// Package lifecycle orchestrates the realtime fabric's startup and
// shutdown sequence. The caller constructs the broker and the MetaStore;
// Build then orders consumer group creation, connection recovery, router
// worker start, health monitor start, the gRPC listener, and the gateway
// listener, torn down in reverse order with the MetaStore closed last.
// Grounded on the dependency-ordered
// construction already present in the teacher's main() (state snapshotter
// and replay recorder wired before the broker, the gRPC listener started
// before the HTTP server).
package lifecycle

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/apix-platform/realtime-fabric/internal/connmgr"
	"github.com/apix-platform/realtime-fabric/internal/gateway"
	"github.com/apix-platform/realtime-fabric/internal/health"
	"github.com/apix-platform/realtime-fabric/internal/logging"
	"github.com/apix-platform/realtime-fabric/internal/metastore"
	"github.com/apix-platform/realtime-fabric/internal/queue"
	"github.com/apix-platform/realtime-fabric/internal/router"
	"google.golang.org/grpc"
)

// Lifecycle is a single named startup/teardown step. Init runs in
// declaration order; Shutdown runs in reverse order and only for steps
// whose Init succeeded.
type Lifecycle struct {
	Name     string
	Init     func(ctx context.Context) error
	Shutdown func(ctx context.Context) error
}

// Orchestrator runs a sequence of Lifecycle steps and unwinds them on
// failure or on an explicit Stop.
type Orchestrator struct {
	mu    sync.Mutex
	log   *logging.Logger
	steps []Lifecycle
	ran   int
}

// NewOrchestrator constructs an Orchestrator that logs each step's
// transition through logger.
func NewOrchestrator(logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.L()
	}
	return &Orchestrator{log: logger}
}

// Add appends step to the startup sequence.
func (o *Orchestrator) Add(step Lifecycle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, step)
}

// Run executes every registered step's Init in order. On the first
// failure it unwinds every previously succeeded step's Shutdown (in
// reverse order) and returns the original error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	steps := append([]Lifecycle(nil), o.steps...)
	o.mu.Unlock()

	for i, step := range steps {
		o.log.Info("starting lifecycle step", logging.String("step", step.Name))
		if err := step.Init(ctx); err != nil {
			o.log.Error("lifecycle step failed, unwinding", logging.String("step", step.Name), logging.Error(err))
			o.unwind(ctx, steps[:i])
			return fmt.Errorf("lifecycle: %s: %w", step.Name, err)
		}
		o.mu.Lock()
		o.ran = i + 1
		o.mu.Unlock()
	}
	return nil
}

// Stop unwinds every step that Run successfully started, in reverse order.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.mu.Lock()
	ran := o.ran
	steps := append([]Lifecycle(nil), o.steps...)
	o.ran = 0
	o.mu.Unlock()
	o.unwind(ctx, steps[:ran])
}

func (o *Orchestrator) unwind(ctx context.Context, steps []Lifecycle) {
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Shutdown == nil {
			continue
		}
		o.log.Info("stopping lifecycle step", logging.String("step", step.Name))
		if err := step.Shutdown(ctx); err != nil {
			o.log.Warn("lifecycle step shutdown failed", logging.String("step", step.Name), logging.Error(err))
		}
	}
}

// Components bundles the wired fabric dependencies a Build call needs to
// assemble the standard startup sequence.
type Components struct {
	Store           metastore.Store
	Manager         *connmgr.Manager
	Monitor         *health.Monitor
	Router          *router.Router
	QueueService    *queue.Service
	Gateway         *gateway.Gateway
	GRPCServer      *grpc.Server
	HTTPAddr        string
	GRPCAddr        string
	ConsumeOptions  queue.ConsumeOptions
	RecoverOrgIDs   []string
}

// Build assembles the standard connect -> recover -> consume -> serve
// sequence. The returned Orchestrator has not yet been Run.
func Build(c Components, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.L()
	}
	o := NewOrchestrator(logger)

	o.Add(Lifecycle{
		Name: "metastore",
		Init: func(ctx context.Context) error { return nil },
		Shutdown: func(ctx context.Context) error {
			if c.Store == nil {
				return nil
			}
			return c.Store.Close()
		},
	})

	o.Add(Lifecycle{
		Name: "queue-consumer-groups",
		Init: func(ctx context.Context) error {
			if c.QueueService == nil {
				return fmt.Errorf("queue service not configured")
			}
			return c.QueueService.CreateGroups(ctx)
		},
	})

	o.Add(Lifecycle{
		Name: "connection-recovery",
		Init: func(ctx context.Context) error {
			if c.Manager == nil {
				return nil
			}
			for _, orgID := range c.RecoverOrgIDs {
				if err := c.Manager.RecoverFromStore(ctx, orgID); err != nil {
					return fmt.Errorf("recover organization %s: %w", orgID, err)
				}
			}
			return nil
		},
		Shutdown: func(ctx context.Context) error {
			if c.Manager == nil {
				return nil
			}
			c.Manager.Shutdown(ctx)
			return nil
		},
	})

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	o.Add(Lifecycle{
		Name: "router-workers",
		Init: func(ctx context.Context) error {
			if c.Router == nil {
				return fmt.Errorf("router not configured")
			}
			return c.Router.StartWorkers(workerCtx, c.ConsumeOptions)
		},
		Shutdown: func(ctx context.Context) error {
			cancelWorkers()
			return nil
		},
	})

	healthCtx, cancelHealth := context.WithCancel(context.Background())
	o.Add(Lifecycle{
		Name: "health-monitor",
		Init: func(ctx context.Context) error {
			if c.Monitor == nil {
				return nil
			}
			go c.Monitor.Run(healthCtx)
			return nil
		},
		Shutdown: func(ctx context.Context) error {
			cancelHealth()
			return nil
		},
	})

	var grpcListener net.Listener
	o.Add(Lifecycle{
		Name: "grpc-listener",
		Init: func(ctx context.Context) error {
			if c.GRPCServer == nil {
				return nil
			}
			listener, err := net.Listen("tcp", c.GRPCAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", c.GRPCAddr, err)
			}
			grpcListener = listener
			go func() {
				if err := c.GRPCServer.Serve(listener); err != nil {
					logger.Warn("grpc server stopped", logging.Error(err))
				}
			}()
			logger.Info("internal-service gRPC publish ingress listening", logging.String("address", c.GRPCAddr))
			return nil
		},
		Shutdown: func(ctx context.Context) error {
			if c.GRPCServer != nil {
				c.GRPCServer.GracefulStop()
			}
			return nil
		},
	})

	var httpServer *http.Server
	o.Add(Lifecycle{
		Name: "gateway-listener",
		Init: func(ctx context.Context) error {
			if c.Gateway == nil {
				return fmt.Errorf("gateway not configured")
			}
			httpServer = &http.Server{Addr: c.HTTPAddr, Handler: c.Gateway}
			listener, err := net.Listen("tcp", c.HTTPAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", c.HTTPAddr, err)
			}
			go func() {
				if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
					logger.Warn("gateway server stopped", logging.Error(err))
				}
			}()
			logger.Info("gateway listening", logging.String("address", c.HTTPAddr))
			return nil
		},
		Shutdown: func(ctx context.Context) error {
			if httpServer == nil {
				return nil
			}
			return httpServer.Shutdown(ctx)
		},
	})

	return o
}
