package main

import (
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/spm/internal/boundary"
	"github.com/GriffinCanCode/AgentOS/spm/internal/config"
	"github.com/GriffinCanCode/AgentOS/spm/internal/logging"
	"github.com/GriffinCanCode/AgentOS/spm/internal/monitoring"
	"github.com/GriffinCanCode/AgentOS/spm/internal/registry"
	"github.com/GriffinCanCode/AgentOS/spm/internal/spm"
	"github.com/GriffinCanCode/AgentOS/spm/internal/types"
)

const (
	clientID  types.PartitionID = 1
	serviceID types.PartitionID = -64

	echoSID    types.ServiceID = 0x4000_0100
	echoSignal types.Signal    = 1 << 4
)

func main() {
	cfg := config.LoadOrDefault()

	log, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	reg, err := loadRegistry(cfg, log)
	if err != nil {
		log.Fatal("failed to build partition registry", zap.Error(err))
	}

	bound := boundary.NewRegistry()
	metrics := monitoring.NewMetrics(prometheus.DefaultRegisterer)

	core, err := spm.New(spm.Config{
		Registry:     reg,
		Boundary:     bound,
		Metrics:      metrics,
		Logger:       log,
		PoolCapacity: cfg.Limits.ConnectionPool,
	})
	if err != nil {
		log.Fatal("failed to build SPM core", zap.Error(err))
	}

	if cfg.Metrics.Enabled {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.Metrics.Addr, nil); err != nil {
				log.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
		log.Info("metrics endpoint up", zap.String("addr", cfg.Metrics.Addr))
	}

	runDemo(core, bound, log)
}

// loadRegistry builds the partition directory from the manifest when it
// exists, falling back to the built-in echo demo layout.
func loadRegistry(cfg *config.Config, log *logging.Logger) (*registry.Registry, error) {
	if _, err := os.Stat(cfg.Manifest.Path); err == nil {
		m, err := registry.LoadManifest(cfg.Manifest.Path)
		if err != nil {
			return nil, err
		}
		log.Info("manifest loaded", zap.String("path", cfg.Manifest.Path))
		return m.Build()
	}

	log.Info("no manifest found, using built-in demo layout")
	reg := registry.New()
	if err := reg.Register(&registry.Partition{
		ID:   serviceID,
		Name: "echo",
		Services: []*registry.Service{{
			SID:             echoSID,
			Version:         1,
			Policy:          types.PolicyRelaxed,
			Signal:          echoSignal,
			ConnectionBased: true,
		}},
	}); err != nil {
		return nil, err
	}
	if err := reg.Register(&registry.Partition{ID: clientID, Name: "client"}); err != nil {
		return nil, err
	}
	return reg, nil
}

// runDemo drives one connect/call/close round trip through the core: an
// echo service partition answers a single client.
func runDemo(core *spm.SPM, bound *boundary.Registry, log *logging.Logger) {
	done := make(chan struct{})

	// Service partition: wait, get, echo the input back, reply.
	go func() {
		for {
			asserted, _ := core.Wait(serviceID, types.WaitAny, types.Block)
			if asserted&echoSignal == 0 {
				continue
			}
			desc, status := core.Get(serviceID, echoSignal)
			if status != types.Success {
				continue
			}
			switch desc.Kind {
			case types.IPCConnect, types.IPCDisconnect:
				core.Reply(serviceID, desc.Handle, types.Success)
			default:
				buf := make([]byte, desc.InSizes[0])
				bound.Grant(serviceID, buf, true)
				n, _ := core.Read(serviceID, desc.Handle, 0, buf)
				core.Write(serviceID, desc.Handle, 0, buf[:n])
				core.Reply(serviceID, desc.Handle, types.Success)
			}
		}
	}()

	// Client partition: one echo round trip.
	go func() {
		defer close(done)

		in := []byte("ping")
		out := make([]byte, 4)
		bound.Grant(clientID, in, false)
		bound.Grant(clientID, out, true)

		h, status := core.Connect(clientID, echoSID, 1)
		if status != types.Success {
			log.Error("connect failed", zap.Int32("status", int32(status)))
			return
		}

		written, status := core.Call(clientID, h,
			types.PackCtrl(0, 1, 1),
			[]boundary.MemRef{boundary.Ref(in)},
			[]boundary.MemRef{boundary.Ref(out)})
		if status != types.Success {
			log.Error("call failed", zap.Int32("status", int32(status)))
			return
		}
		log.Info("echo round trip",
			zap.ByteString("sent", in),
			zap.ByteString("received", out[:written[0]]))

		core.Close(clientID, h)
	}()

	<-done
	log.Info("demo complete")
}
