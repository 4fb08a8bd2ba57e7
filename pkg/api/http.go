// Package api is the thin HTTP facade over the upload service and
// capsule registry. It contains no upload logic: handlers decode JSON,
// call the service and map typed faults to status codes.
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"capsuled/pkg/capsule"
	"capsuled/pkg/models"
	"capsuled/pkg/upload"
	"capsuled/pkg/utils"
)

// Deps are the services the facade fronts.
type Deps struct {
	Uploads  *upload.Service
	Capsules *capsule.Registry
	// ChunkSize bounds chunk request bodies; reads stop a little above
	// it so oversized chunks fail validation, not I/O.
	ChunkSize uint64
}

func (d Deps) maxChunkBody() int64 {
	if d.ChunkSize == 0 {
		return (1 << 20) + 4096
	}
	return int64(d.ChunkSize) + 4096
}

// Handler builds the router.
func Handler(d Deps) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/v1/capsules", d.registerCapsule).Methods(http.MethodPost)
	r.HandleFunc("/v1/capsules/{id}", d.getCapsule).Methods(http.MethodGet)
	r.HandleFunc("/v1/capsules/{id}/memories", d.listMemories).Methods(http.MethodGet)
	r.HandleFunc("/v1/capsules/{id}/memories", d.createInline).Methods(http.MethodPost)

	r.HandleFunc("/v1/uploads/begin", d.beginUpload).Methods(http.MethodPost)
	r.HandleFunc("/v1/uploads/{session}/chunks/{idx}", d.putChunk).Methods(http.MethodPut)
	r.HandleFunc("/v1/uploads/{session}/finish", d.finishUpload).Methods(http.MethodPost)
	r.HandleFunc("/v1/uploads/{session}/abort", d.abortUpload).Methods(http.MethodPost)

	r.HandleFunc("/v1/memories/{id}", d.getMemory).Methods(http.MethodGet)
	r.HandleFunc("/v1/memories/{id}", d.deleteMemory).Methods(http.MethodDelete)

	return r
}

func (d Deps) registerCapsule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject string `json:"subject"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	c, err := d.Capsules.Register(callerID(r), req.Subject)
	if err != nil {
		utils.WriteFault(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, c)
}

func (d Deps) getCapsule(w http.ResponseWriter, r *http.Request) {
	c, err := d.Capsules.Get(mux.Vars(r)["id"])
	if err != nil {
		utils.WriteFault(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, c)
}

func (d Deps) listMemories(w http.ResponseWriter, r *http.Request) {
	memIDs, err := d.Capsules.ListMemories(mux.Vars(r)["id"])
	if err != nil {
		utils.WriteFault(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string][]string{"memories": memIDs})
}

func (d Deps) createInline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Data     []byte               `json:"data"`
		Metadata models.AssetMetadata `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	m, err := d.Uploads.CreateInline(mux.Vars(r)["id"], callerID(r), req.Data, req.Metadata)
	if err != nil {
		utils.WriteFault(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, m)
}

func (d Deps) beginUpload(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CapsuleID      string               `json:"capsule_id"`
		ExpectedChunks uint32               `json:"expected_chunks"`
		IdempotencyKey string               `json:"idempotency_key"`
		Metadata       models.AssetMetadata `json:"metadata"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	id, err := d.Uploads.Begin(req.CapsuleID, callerID(r), req.ExpectedChunks, req.Metadata, req.IdempotencyKey)
	if err != nil {
		utils.WriteFault(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]uint64{"session_id": id})
}

func sessionID(r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["session"], 10, 64)
	return id, err == nil
}

func (d Deps) putChunk(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		utils.JSONError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	idx, err := strconv.ParseUint(mux.Vars(r)["idx"], 10, 32)
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid chunk index")
		return
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, d.maxChunkBody()))
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, "read body failed")
		return
	}
	if err := d.Uploads.PutChunk(id, callerID(r), uint32(idx), data); err != nil {
		utils.WriteFault(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d Deps) finishUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		utils.JSONError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	var req struct {
		ExpectedLen uint64 `json:"expected_len"`
		SHA256      string `json:"sha256"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	res, err := d.Uploads.Finish(id, callerID(r), req.ExpectedLen, req.SHA256)
	if err != nil {
		utils.WriteFault(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, res)
}

func (d Deps) abortUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(r)
	if !ok {
		utils.JSONError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if err := d.Uploads.Abort(id, callerID(r)); err != nil {
		utils.WriteFault(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d Deps) getMemory(w http.ResponseWriter, r *http.Request) {
	m, err := d.Capsules.GetMemory(mux.Vars(r)["id"])
	if err != nil {
		utils.WriteFault(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, m)
}

func (d Deps) deleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := d.Capsules.DeleteMemory(callerID(r), mux.Vars(r)["id"]); err != nil {
		utils.WriteFault(w, err)
		return
	}
	_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "deleted"})
}
