// Package gateway is the HTTP admin/status surface: health checks,
// process info, Prometheus metrics, and VDI-op submission — forwarding
// to the master when this node isn't it. Adapted from the teacher's
// pkg/node/handlers.go (Healthz/Info/Forward) and pkg/node/utils.go
// (NormalizeHostPort), moved from cache-key ownership to VDI-op
// master-forwarding.
package gateway

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ridgestore/ridgestore/internal/membership"
	"github.com/ridgestore/ridgestore/internal/protocol"
	"github.com/ridgestore/ridgestore/internal/telemetry"
	"github.com/ridgestore/ridgestore/internal/vdi"
	"github.com/ridgestore/ridgestore/pkg/wire"
)

// Submitter hands a VDI-op payload to the cluster's request path and
// returns the completed response — how it gets there (event serializer,
// driver broadcast, wait for FIN) is opaque to the gateway.
type Submitter func(payload wire.VDIOpPayload) (wire.VDIOpPayload, error)

// Gateway is one node's admin/status HTTP surface.
type Gateway struct {
	core     *membership.Core
	table    *vdi.Table
	submit   Submitter
	selfAddr string

	adminAddrs map[wire.NodeID]string
}

// New builds a Gateway bound to core/table, using submit for local VDI
// ops (called only when this node is master) and selfAddr for
// self-forward detection.
func New(core *membership.Core, table *vdi.Table, submit Submitter, selfAddr string) *Gateway {
	return &Gateway{
		core:       core,
		table:      table,
		submit:     submit,
		selfAddr:   NormalizeHostPort(selfAddr, "8080"),
		adminAddrs: make(map[wire.NodeID]string),
	}
}

// SetAdminAddr records the admin HTTP address peer id can be forwarded
// to. Only addresses recorded here are forwarded to; cmd/ridged records
// none.
func (g *Gateway) SetAdminAddr(id wire.NodeID, addr string) {
	g.adminAddrs[id] = NormalizeHostPort(addr, "8080")
}

// NormalizeHostPort strips a URL scheme and appends defPort if addr has
// no port of its own.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return addr + ":" + defPort
}

// Healthz returns 200 OK to indicate the node process is alive.
func (g *Gateway) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Info reports this node's process id, epoch, cluster status, mastership,
// and VDI table size.
func (g *Gateway) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID          int                      `json:"pid"`
		Now          time.Time                `json:"now"`
		Epoch        uint32                   `json:"epoch"`
		Status       membership.ClusterStatus `json:"status"`
		StatusName   string                   `json:"status_name"`
		IsMaster     bool                     `json:"is_master"`
		StorageCount int                      `json:"storage_count"`
		VDICount     int                      `json:"vdi_count"`
	}
	data, _ := json.Marshal(resp{
		PID:          os.Getpid(),
		Now:          time.Now(),
		Epoch:        g.core.Epoch(),
		Status:       g.core.Status(),
		StatusName:   g.core.Status().String(),
		IsMaster:     g.core.IsMaster(),
		StorageCount: g.core.StorageCount(),
		VDICount:     g.table.Len(),
	})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// MetricsHandler exposes the process's Prometheus metrics.
func (g *Gateway) MetricsHandler() http.Handler {
	return telemetry.MetricsHandler()
}

// VDIOp handles POST /vdi/{op}?snap=N&size=N&copies=N&base=N with the VDI
// name as the request body. If this node isn't master, it forwards to
// whichever admin address SetAdminAddr last recorded for the roster's
// current first entry.
func (g *Gateway) VDIOp(w http.ResponseWriter, req *http.Request) {
	opName := strings.TrimPrefix(req.URL.Path, "/vdi/")
	opcode, ok := opcodeByName[opName]
	if !ok {
		http.Error(w, "unknown vdi op: "+opName, http.StatusNotFound)
		return
	}

	if !g.core.IsMaster() {
		g.forwardToMaster(w, req)
		return
	}

	name, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	q := req.URL.Query()
	payload := wire.VDIOpPayload{
		ReqOpcode: uint16(opcode),
		VDISize:   queryUint64(q, "size"),
		BaseVDIID: uint32(queryUint64(q, "base")),
		CopiesReq: uint8(queryUint64(q, "copies")),
		SnapID:    uint32(queryUint64(q, "snap")),
		Data:      name,
	}

	resp, err := g.submit(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Result Status `json:"result"`
		VDIID  uint32 `json:"vdi_id"`
		Copies uint8  `json:"copies"`
	}{Status(resp.RspResult), resp.RspVDIID, resp.RspCopies})
}

// Status is a JSON-friendly alias so wire.Status's String() renders in
// the response body.
type Status wire.Status

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(wire.Status(s).String())
}

var opcodeByName = map[string]protocol.VDIOpcode{
	"new":      protocol.OpNewVDI,
	"del":      protocol.OpDelVDI,
	"lock":     protocol.OpLockVDI,
	"info":     protocol.OpGetVDIInfo,
	"attr":     protocol.OpGetVDIAttr,
	"release":  protocol.OpReleaseVDI,
	"makefs":   protocol.OpMakeFS,
	"shutdown": protocol.OpShutdown,
}

func queryUint64(q map[string][]string, key string) uint64 {
	v, ok := q[key]
	if !ok || len(v) == 0 {
		return 0
	}
	n, err := strconv.ParseUint(v[0], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (g *Gateway) forwardToMaster(w http.ResponseWriter, req *http.Request) {
	ordered := g.core.OrderedNodeList()
	if len(ordered) == 0 {
		http.Error(w, "no master known", http.StatusServiceUnavailable)
		return
	}
	masterAddr, ok := g.adminAddrs[ordered[0].ID]
	if !ok {
		http.Error(w, "no admin address known for master", http.StatusServiceUnavailable)
		return
	}
	if masterAddr == g.selfAddr {
		http.Error(w, "refusing to forward to self", http.StatusInternalServerError)
		return
	}

	target := *req.URL
	target.Scheme = "http"
	target.Host = masterAddr

	out, err := http.NewRequestWithContext(req.Context(), req.Method, target.String(), req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	out.Header = req.Header.Clone()
	out.Header.Set("X-Forwarded-For", req.RemoteAddr)

	resp, err := http.DefaultClient.Do(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}
