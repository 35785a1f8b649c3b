package protocol

import (
	"github.com/ridgestore/ridgestore/internal/epochlog"
	"github.com/ridgestore/ridgestore/internal/membership"
	"github.com/ridgestore/ridgestore/internal/vdi"
	"github.com/ridgestore/ridgestore/pkg/wire"
)

// VDIOpcode identifies a client control operation carried by a VDI_OP
// broadcast. Values mirror group.c's SD_OP_* constants in spirit, not
// numeric value — this is a new wire, not the original's.
type VDIOpcode uint16

const (
	OpNewVDI VDIOpcode = iota + 1
	OpDelVDI
	OpLockVDI
	OpGetVDIInfo
	OpGetVDIAttr
	OpReleaseVDI
	OpMakeFS
	OpShutdown
)

// ApplyVDIOp is the master-only phase (group.c's vdi_op): it executes
// the requested opcode against the VDI table and fills in the response
// fields of payload, returning the updated payload. It never mutates
// membership/epoch state — that happens in ApplyVDIOpDone, run by every
// node once the FIN is delivered.
func ApplyVDIOp(table *vdi.Table, payload wire.VDIOpPayload) wire.VDIOpPayload {
	name := string(payload.Data)
	resp := payload
	resp.RspCopies = payload.CopiesReq

	switch VDIOpcode(payload.ReqOpcode) {
	case OpNewVDI:
		id, err := table.Add(name, payload.SnapID, payload.VDISize, payload.BaseVDIID, payload.CopiesReq)
		if err != nil {
			resp.RspResult = wire.StatusSystemError
			break
		}
		resp.RspResult = wire.StatusSuccess
		resp.RspVDIID = id

	case OpDelVDI:
		if err := table.Del(name, payload.SnapID); err != nil {
			resp.RspResult = wire.StatusSystemError
			break
		}
		resp.RspResult = wire.StatusSuccess

	case OpLockVDI, OpGetVDIInfo:
		id, copies, err := table.Lookup(name, payload.SnapID)
		if err != nil {
			resp.RspResult = wire.StatusSystemError
			break
		}
		resp.RspResult = wire.StatusSuccess
		resp.RspVDIID = id
		resp.RspCopies = copies

	case OpGetVDIAttr:
		_, err := table.GetAttr(name, payload.SnapID, "attr", name, true, false)
		if err != nil {
			resp.RspResult = wire.StatusSystemError
			break
		}
		resp.RspResult = wire.StatusSuccess

	case OpReleaseVDI, OpMakeFS, OpShutdown:
		resp.RspResult = wire.StatusSuccess

	default:
		resp.RspResult = wire.StatusSystemError
	}
	return resp
}

// ApplyVDIOpDone is what every node runs once the VDI_OP/FIN is
// delivered: apply the side effects group.c's vdi_op_done performs —
// mark the in-use bit, reformat on make-fs, set Shutdown status.
func ApplyVDIOpDone(core *membership.Core, log *epochlog.Log, payload wire.VDIOpPayload, ctime uint64, selfEntry wire.NodeEntry) error {
	if payload.RspResult != wire.StatusSuccess {
		return nil
	}

	switch VDIOpcode(payload.ReqOpcode) {
	case OpNewVDI:
		core.MarkVDIInUse(payload.RspVDIID, true)

	case OpDelVDI:
		// id isn't carried on delete; callers track client-side if they
		// need to clear the mirror bit.

	case OpMakeFS:
		if err := log.RemoveAll(); err != nil {
			return err
		}
		core.SetEpoch(1)
		core.SetStatus(membership.StatusOk)
		self := core.SelfID()
		core.PromoteToStorage(membership.Node{ID: self, Entry: selfEntry})
		roster := []wire.NodePair{{ID: self, Entry: selfEntry}}
		if err := log.Write(epochlog.Record{Epoch: 1, Ctime: ctime, Nodes: roster}); err != nil {
			return err
		}

	case OpShutdown:
		core.SetStatus(membership.StatusShutdown)
	}
	return nil
}
