package transport

import (
	"context"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hajournal/hajournal"
	"github.com/hajournal/hajournal/coordinator"
	"github.com/hajournal/hajournal/engine"
	"github.com/hajournal/hajournal/halog"
	"github.com/hajournal/hajournal/logger"
)

const (
	// errHeader carries the error message of a failed request.
	errHeader = "X-HA-Error"

	// codeHeader carries the taxonomy code of a failed request, so the
	// caller recovers the sentinel the server saw.
	codeHeader = "X-HA-Error-Code"

	// maxReadLength bounds one rerouted read.
	maxReadLength = 16 << 20
)

// Handler serves a replica's side of every inter-replica exchange. Requests
// dispatch to the participant (commit rounds), the receiver (pipeline
// blocks), the log directory (segment fetches), the engine (reads and
// rebuild seeds) and the reporter (health probes).
type Handler struct {
	ID hajournal.ReplicaID

	// Participant executes commit round instructions.
	Participant interface {
		Prepare(ctx context.Context, req coordinator.PrepareRequest) coordinator.Vote
		Commit(ctx context.Context, req coordinator.CommitRequest) error
		Abort(ctx context.Context, req coordinator.AbortRequest) error
		Purge(ctx context.Context, req coordinator.PurgeRequest) error
	}

	// Receiver takes forwarded pipeline blocks.
	Receiver interface {
		Receive(ctx context.Context, from hajournal.ReplicaID, msg hajournal.HAWriteMessage, payload []byte) ([]hajournal.ReplicaID, error)
	}

	// Coordinator broadcasts operator purges. Only the pipeline head
	// carries one; elsewhere it is nil and the request is redirected.
	Coordinator interface {
		ForcePurge(ctx context.Context) (uint64, error)
	}

	// Reporter answers health probes with this replica's view of itself.
	Reporter interface {
		Status() hajournal.Status
	}

	Log    *halog.Dir
	Engine engine.Engine

	// Metrics serves the metrics endpoint when set.
	Metrics http.Handler

	logger *zap.Logger
}

// NewHandler returns a handler for the given replica. Collaborators are
// assigned before the handler is mounted.
func NewHandler(id hajournal.ReplicaID) *Handler {
	return &Handler{
		ID:     id,
		logger: zap.NewNop(),
	}
}

// WithLogger sets the logger on the handler.
func (h *Handler) WithLogger(log *zap.Logger) {
	h.logger = log.With(zap.String("service", "transport"))
}

// ServeHTTP handles all incoming requests.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(logger.NewContextWithLogger(r.Context(), h.logger))

	switch r.URL.Path {
	case "/ha/block":
		h.post(w, r, h.serveBlock)
	case "/ha/prepare":
		h.post(w, r, h.servePrepare)
	case "/ha/commit":
		h.post(w, r, h.serveCommit)
	case "/ha/abort":
		h.post(w, r, h.serveAbort)
	case "/ha/purge":
		h.post(w, r, h.servePurge)
	case "/ha/segment":
		h.serveSegment(w, r)
	case "/ha/read":
		h.serveRead(w, r)
	case "/ha/status":
		h.serveStatus(w, r)
	case "/ha/rebuild":
		h.serveRebuild(w, r)
	case "/metrics":
		if h.Metrics == nil {
			http.NotFound(w, r)
			return
		}
		h.Metrics.ServeHTTP(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) post(w http.ResponseWriter, r *http.Request, serve func(http.ResponseWriter, *http.Request)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	serve(w, r)
}

// serveBlock takes one forwarded pipeline block: a fixed-size envelope
// followed by the payload it describes. The response lists the members past
// this hop that the relay could not reach.
func (h *Handler) serveBlock(w http.ResponseWriter, r *http.Request) {
	from := hajournal.ReplicaID(r.URL.Query().Get("from"))
	if from == "" {
		h.error(w, errors.New("sender required"), http.StatusBadRequest)
		return
	}

	env := make([]byte, hajournal.HAWriteMessageSize)
	if _, err := io.ReadFull(r.Body, env); err != nil {
		h.error(w, errors.Wrap(err, "reading envelope"), http.StatusBadRequest)
		return
	}
	var msg hajournal.HAWriteMessage
	if err := msg.UnmarshalBinary(env); err != nil {
		h.error(w, err, http.StatusBadRequest)
		return
	}
	payload := make([]byte, msg.Length)
	if _, err := io.ReadFull(r.Body, payload); err != nil {
		h.error(w, errors.Wrap(err, "reading payload"), http.StatusBadRequest)
		return
	}

	skipped, err := h.Receiver.Receive(r.Context(), from, msg, payload)
	if err != nil {
		h.error(w, err, http.StatusInternalServerError)
		return
	}
	h.respond(w, blockAck{Unreachable: skipped})
}

func (h *Handler) servePrepare(w http.ResponseWriter, r *http.Request) {
	var req coordinator.PrepareRequest
	if err := codec.NewDecoder(r.Body, msgpackHandle).Decode(&req); err != nil {
		h.error(w, err, http.StatusBadRequest)
		return
	}
	h.respond(w, h.Participant.Prepare(r.Context(), req))
}

func (h *Handler) serveCommit(w http.ResponseWriter, r *http.Request) {
	var req coordinator.CommitRequest
	if err := codec.NewDecoder(r.Body, msgpackHandle).Decode(&req); err != nil {
		h.error(w, err, http.StatusBadRequest)
		return
	}
	if err := h.Participant.Commit(r.Context(), req); err != nil {
		h.error(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) serveAbort(w http.ResponseWriter, r *http.Request) {
	var req coordinator.AbortRequest
	if err := codec.NewDecoder(r.Body, msgpackHandle).Decode(&req); err != nil {
		h.error(w, err, http.StatusBadRequest)
		return
	}
	if err := h.Participant.Abort(r.Context(), req); err != nil {
		h.error(w, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// servePurge handles both sides of segment retirement. A request with a
// counter is the coordinator's broadcast and purges locally; an empty one is
// an operator asking this replica to run the broadcast, which only the
// pipeline head can do.
func (h *Handler) servePurge(w http.ResponseWriter, r *http.Request) {
	var req coordinator.PurgeRequest
	err := codec.NewDecoder(r.Body, msgpackHandle).Decode(&req)
	switch {
	case err == nil:
		if err := h.Participant.Purge(r.Context(), req); err != nil {
			h.error(w, err, http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, io.EOF):
		if h.Coordinator == nil {
			h.error(w, errors.Wrap(hajournal.ErrNotLeader, "purge broadcast runs on the coordinator"), http.StatusBadRequest)
			return
		}
		through, err := h.Coordinator.ForcePurge(r.Context())
		if err != nil {
			h.error(w, err, http.StatusInternalServerError)
			return
		}
		h.respond(w, purgeAck{Through: through})
	default:
		h.error(w, err, http.StatusBadRequest)
	}
}

// serveSegment streams one finalized segment, materialized so a write-once
// segment goes out with its payloads restored from the committed image.
func (h *Handler) serveSegment(w http.ResponseWriter, r *http.Request) {
	counter, err := strconv.ParseUint(r.URL.Query().Get("counter"), 10, 64)
	if err != nil {
		h.error(w, errors.New("invalid counter"), http.StatusBadRequest)
		return
	}

	path, cleanup, err := h.Log.Materialize(counter, h.Engine)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, halog.ErrSegmentNotFound) {
			status = http.StatusNotFound
		}
		h.error(w, err, status)
		return
	}
	defer cleanup()

	f, err := os.Open(path)
	if err != nil {
		h.error(w, err, http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, f); err != nil {
		h.logger.Warn("Segment stream interrupted",
			zap.Uint64("commit", counter),
			zap.Error(err))
	}
}

// serveRead answers a rerouted read from the committed image. A body shorter
// than asked means the read ran past the extent.
func (h *Handler) serveRead(w http.ResponseWriter, r *http.Request) {
	off, err := strconv.ParseInt(r.URL.Query().Get("off"), 10, 64)
	if err != nil || off < 0 {
		h.error(w, errors.New("invalid offset"), http.StatusBadRequest)
		return
	}
	length, err := strconv.ParseInt(r.URL.Query().Get("len"), 10, 64)
	if err != nil || length < 0 || length > maxReadLength {
		h.error(w, errors.New("invalid length"), http.StatusBadRequest)
		return
	}

	p := make([]byte, length)
	n, err := h.Engine.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		h.error(w, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(p[:n])
}

func (h *Handler) serveStatus(w http.ResponseWriter, r *http.Request) {
	h.respond(w, h.Reporter.Status())
}

// serveRebuild streams a full-rebuild seed: the current root block followed
// by the committed image it describes. The seed is only consistent while
// writes are quiesced; driving that is the operator's procedure, not this
// endpoint's.
func (h *Handler) serveRebuild(w http.ResponseWriter, r *http.Request) {
	rb := h.Reporter.Status().RootBlock
	hdr, err := rb.MarshalBinary()
	if err != nil {
		h.error(w, err, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(hdr); err != nil {
		return
	}
	if _, err := io.Copy(w, io.NewSectionReader(h.Engine, 0, int64(rb.Extent))); err != nil {
		h.logger.Warn("Rebuild seed stream interrupted",
			zap.Uint64("commit", rb.CommitCounter),
			zap.Error(err))
	}
}

// respond encodes one control message into the response.
func (h *Handler) respond(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/msgpack")
	if err := codec.NewEncoder(w, msgpackHandle).Encode(v); err != nil {
		h.logger.Warn("Unable to encode response", zap.Error(err))
	}
}

// error reports a failed request through the error headers.
func (h *Handler) error(w http.ResponseWriter, err error, status int) {
	w.Header().Set(errHeader, err.Error())
	if code := errorCode(err); code != "" {
		w.Header().Set(codeHeader, code)
	}
	w.WriteHeader(status)
}
