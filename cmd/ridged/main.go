// Command ridged is the cluster node daemon: it wires the membership
// core, epoch log, VDI table, object store, and cluster driver together
// through a coordinator, then serves the admin/status HTTP surface.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/ridgestore/ridgestore/internal/config"
	"github.com/ridgestore/ridgestore/internal/coordinator"
	"github.com/ridgestore/ridgestore/internal/driver"
	"github.com/ridgestore/ridgestore/internal/driver/etcd"
	"github.com/ridgestore/ridgestore/internal/driver/local"
	"github.com/ridgestore/ridgestore/internal/epochlog"
	"github.com/ridgestore/ridgestore/internal/membership"
	"github.com/ridgestore/ridgestore/internal/objectstore"
	"github.com/ridgestore/ridgestore/internal/telemetry"
	"github.com/ridgestore/ridgestore/internal/vdi"
	"github.com/ridgestore/ridgestore/pkg/gateway"
	"github.com/ridgestore/ridgestore/pkg/ring"
	"github.com/ridgestore/ridgestore/pkg/wire"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfgPath := "ridgestore.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("loading config", zap.Error(err))
	}

	// 1. Initialize this node's membership core, epoch log, VDI table
	// and object store.
	store := objectstore.NewStore(int(cfg.ObjectStoreBytes))
	table := vdi.NewTable()
	log, err := epochlog.Open(cfg.EpochLogDir)
	if err != nil {
		logger.Fatal("opening epoch log", zap.Error(err))
	}
	defer log.Close()

	selfAddr := parseAddr(cfg.SelfAddr)
	selfEntry := wire.NodeEntry{Addr: selfAddr, Port: uint16(cfg.SelfPort), Zone: cfg.Zone, VNodes: uint16(cfg.VNodeReplicas)}

	// 2. Build the cluster driver. With etcd endpoints configured this
	// node learns its driver-assigned identity only once Init runs
	// (etcd grants it a lease), so the core is seeded with a zero-value
	// self id and the coordinator binds the real one during Run. A
	// standalone node with no endpoints configured runs against its own
	// single-member local.Driver, useful for development without etcd.
	var drv driver.Driver
	var selfID wire.NodeID
	if len(cfg.EtcdEndpoints) > 0 {
		logger.Info("creating etcd driver", zap.Strings("endpoints", cfg.EtcdEndpoints))
		d, err := etcd.New(etcd.Config{
			Endpoints:   cfg.EtcdEndpoints,
			Cluster:     cfg.EtcdCluster,
			SelfAddr:    selfAddr,
			SelfPort:    uint16(cfg.SelfPort),
			SelfZone:    cfg.Zone,
			SelfVNodes:  uint16(cfg.VNodeReplicas),
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			logger.Fatal("creating etcd driver", zap.Error(err))
		}
		drv = d
	} else {
		logger.Warn("no etcd endpoints configured, running a standalone single-node cluster")
		cluster := local.NewCluster()
		d := local.NewDriver(cluster, selfAddr, uint16(cfg.SelfPort), cfg.Zone, uint16(cfg.VNodeReplicas))
		drv = d
		selfID = d.ID()
	}

	core := membership.NewCore(selfID, cfg.VNodeReplicas, ring.FNV32a)

	// 3. Wire the coordinator around the driver and start its serializer
	// and driver loop.
	coord := coordinator.New(core, log, table, store, drv, coordinator.Config{SelfEntry: selfEntry})
	go coord.Serializer().Run()
	defer coord.Serializer().Stop()

	go func() {
		if err := coord.Run(); err != nil {
			logger.Error("coordinator run loop exited", zap.Error(err))
		}
	}()

	// 4. Wire up the HTTP admin/status/vdi-op endpoints.
	gw := gateway.New(core, table, coord.SubmitVDIOp, fmt.Sprintf("%s:%d", cfg.SelfAddr, cfg.SelfPort))
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", gw.Healthz)
	mux.HandleFunc("/info", gw.Info)
	mux.Handle("/metrics", gw.MetricsHandler())
	mux.HandleFunc("/vdi/", func(w http.ResponseWriter, req *http.Request) {
		telemetry.Instrument("vdi_op", http.HandlerFunc(gw.VDIOp)).ServeHTTP(w, req)
	})

	logger.Info("ridgestore node listening", zap.String("addr", cfg.AdminAddr), zap.String("selfID", selfID.String()))
	if err := http.ListenAndServe(cfg.AdminAddr, mux); err != nil {
		logger.Fatal("http server exited", zap.Error(err))
	}
}

// parseAddr accepts a dotted-quad or hex IP string and returns it
// zero-padded into the fixed-width form wire.NodeEntry/NodeID store.
func parseAddr(s string) [16]byte {
	var out [16]byte
	ip := net.ParseIP(s)
	if ip == nil {
		return out
	}
	if ip4 := ip.To4(); ip4 != nil {
		copy(out[12:], ip4)
		return out
	}
	copy(out[:], ip.To16())
	return out
}
