package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/hajournal/hajournal"
	"github.com/hajournal/hajournal/coordinator"
	"github.com/hajournal/hajournal/failover"
	"github.com/hajournal/hajournal/pipeline"
	"github.com/hajournal/hajournal/quorum"
	"github.com/hajournal/hajournal/resync"
)

// HTTP satisfies every collaborator contract the core consumes.
var (
	_ Transport             = (*HTTP)(nil)
	_ pipeline.BlockSender  = (*HTTP)(nil)
	_ coordinator.Commander = (*HTTP)(nil)
	_ quorum.Pinger         = (*HTTP)(nil)
	_ resync.Source         = (*HTTP)(nil)
	_ failover.Source       = (*HTTP)(nil)
)

// HTTP talks to peers over their handlers. One instance belongs to one
// replica; forwarded blocks carry its identity as the sender.
type HTTP struct {
	// Client is the underlying HTTP client, replaceable for tests and
	// timeouts. Every call is already bounded by its context.
	Client *http.Client

	self hajournal.ReplicaID

	mu    sync.RWMutex
	peers map[hajournal.ReplicaID]*url.URL

	logger *zap.Logger
}

// NewHTTP returns a transport for the given replica with a fixed peer
// address map, the way static membership configures it. Addresses without a
// scheme are taken as plain http.
func NewHTTP(self hajournal.ReplicaID, peers map[hajournal.ReplicaID]string) (*HTTP, error) {
	t := &HTTP{
		Client: &http.Client{},
		self:   self,
		peers:  make(map[hajournal.ReplicaID]*url.URL, len(peers)),
		logger: zap.NewNop(),
	}
	for id, addr := range peers {
		if !strings.Contains(addr, "://") {
			addr = "http://" + addr
		}
		u, err := url.Parse(addr)
		if err != nil {
			return nil, errors.Wrapf(err, "address of replica %s", id)
		}
		t.peers[id] = u
	}
	return t, nil
}

// WithLogger sets the logger on the transport.
func (t *HTTP) WithLogger(log *zap.Logger) {
	t.logger = log.With(zap.String("service", "transport"))
}

// SetPeer installs or replaces one peer address. Membership is static in
// normal operation; this exists for tests that stand peers up on ephemeral
// ports.
func (t *HTTP) SetPeer(id hajournal.ReplicaID, addr string) error {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return errors.Wrapf(err, "address of replica %s", id)
	}
	t.mu.Lock()
	t.peers[id] = u
	t.mu.Unlock()
	return nil
}

// url resolves the endpoint path on a peer.
func (t *HTTP) url(target hajournal.ReplicaID, path, query string) (string, error) {
	t.mu.RLock()
	base, ok := t.peers[target]
	t.mu.RUnlock()
	if !ok {
		return "", errors.Errorf("no address for replica %s", target)
	}
	u := *base
	u.Path = path
	u.RawQuery = query
	return u.String(), nil
}

func (t *HTTP) do(ctx context.Context, method string, target hajournal.ReplicaID, path, query string, body io.Reader) (*http.Response, error) {
	u, err := t.url(target, path, query)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "replica %s", target)
	}
	return resp, nil
}

// control posts one msgpack request and decodes the msgpack answer into out,
// when out is non-nil.
func (t *HTTP) control(ctx context.Context, target hajournal.ReplicaID, path string, in, out interface{}) error {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, msgpackHandle).Encode(in); err != nil {
		return err
	}
	resp, err := t.do(ctx, http.MethodPost, target, path, "", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return codec.NewDecoder(resp.Body, msgpackHandle).Decode(out)
}

// SendBlock delivers one pipeline block: the fixed-size envelope followed by
// its payload. The answer lists the members past the target that the relay
// could not reach.
func (t *HTTP) SendBlock(ctx context.Context, target hajournal.ReplicaID, msg hajournal.HAWriteMessage, payload []byte) ([]hajournal.ReplicaID, error) {
	env, err := msg.MarshalBinary()
	if err != nil {
		return nil, err
	}
	body := bytes.NewBuffer(make([]byte, 0, len(env)+len(payload)))
	body.Write(env)
	body.Write(payload)

	resp, err := t.do(ctx, http.MethodPost, target, "/ha/block", "from="+url.QueryEscape(string(t.self)), body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}
	var ack blockAck
	if err := codec.NewDecoder(resp.Body, msgpackHandle).Decode(&ack); err != nil {
		return nil, err
	}
	return ack.Unreachable, nil
}

// Prepare solicits the target's vote on a candidate root block.
func (t *HTTP) Prepare(ctx context.Context, target hajournal.ReplicaID, req coordinator.PrepareRequest) (coordinator.Vote, error) {
	var vote coordinator.Vote
	if err := t.control(ctx, target, "/ha/prepare", req, &vote); err != nil {
		return coordinator.Vote{}, err
	}
	return vote, nil
}

// Commit instructs the target to conclude an acked round.
func (t *HTTP) Commit(ctx context.Context, target hajournal.ReplicaID, req coordinator.CommitRequest) error {
	return t.control(ctx, target, "/ha/commit", req, nil)
}

// Abort instructs the target to discard a failed round.
func (t *HTTP) Abort(ctx context.Context, target hajournal.ReplicaID, req coordinator.AbortRequest) error {
	return t.control(ctx, target, "/ha/abort", req, nil)
}

// Purge instructs the target to drop segments through a commit counter.
func (t *HTTP) Purge(ctx context.Context, target hajournal.ReplicaID, req coordinator.PurgeRequest) error {
	return t.control(ctx, target, "/ha/purge", req, nil)
}

// ForcePurge asks the target, which must be the pipeline head, to broadcast
// an operator purge. It returns the counter the purge ran through.
func (t *HTTP) ForcePurge(ctx context.Context, target hajournal.ReplicaID) (uint64, error) {
	resp, err := t.do(ctx, http.MethodPost, target, "/ha/purge", "", nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, responseError(resp)
	}
	var ack purgeAck
	if err := codec.NewDecoder(resp.Body, msgpackHandle).Decode(&ack); err != nil {
		return 0, err
	}
	return ack.Through, nil
}

// FetchSegment streams one finalized segment from the target. The caller
// closes the stream.
func (t *HTTP) FetchSegment(ctx context.Context, target hajournal.ReplicaID, counter uint64) (io.ReadCloser, error) {
	resp, err := t.do(ctx, http.MethodGet, target, "/ha/segment", "counter="+strconv.FormatUint(counter, 10), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp.Body, nil
}

// Rebuild streams a full-rebuild seed from the target: its current root
// block, then the committed image. The caller closes the stream.
func (t *HTTP) Rebuild(ctx context.Context, target hajournal.ReplicaID) (hajournal.RootBlock, io.ReadCloser, error) {
	resp, err := t.do(ctx, http.MethodGet, target, "/ha/rebuild", "", nil)
	if err != nil {
		return hajournal.RootBlock{}, nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return hajournal.RootBlock{}, nil, responseError(resp)
	}

	hdr := make([]byte, hajournal.RootBlockSize)
	if _, err := io.ReadFull(resp.Body, hdr); err != nil {
		resp.Body.Close()
		return hajournal.RootBlock{}, nil, errors.Wrap(err, "reading seed root block")
	}
	var rb hajournal.RootBlock
	if err := rb.UnmarshalBinary(hdr); err != nil {
		resp.Body.Close()
		return hajournal.RootBlock{}, nil, err
	}
	return rb, resp.Body, nil
}

// ReadAt reads committed data from the target's image. A short answer ends
// with io.EOF exactly like a local read past the extent.
func (t *HTTP) ReadAt(ctx context.Context, target hajournal.ReplicaID, p []byte, off int64) (int, error) {
	query := "off=" + strconv.FormatInt(off, 10) + "&len=" + strconv.Itoa(len(p))
	resp, err := t.do(ctx, http.MethodGet, target, "/ha/read", query, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, responseError(resp)
	}
	n, err := io.ReadFull(resp.Body, p)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return n, io.EOF
	}
	return n, err
}

// Ping probes the target and returns its status.
func (t *HTTP) Ping(ctx context.Context, target hajournal.ReplicaID) (hajournal.Status, error) {
	resp, err := t.do(ctx, http.MethodGet, target, "/ha/status", "", nil)
	if err != nil {
		return hajournal.Status{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return hajournal.Status{}, responseError(resp)
	}
	var status hajournal.Status
	if err := codec.NewDecoder(resp.Body, msgpackHandle).Decode(&status); err != nil {
		return hajournal.Status{}, err
	}
	return status, nil
}

// responseError recovers the error a peer reported. When the taxonomy code
// survives the wire the sentinel identity does too.
func responseError(resp *http.Response) error {
	msg := resp.Header.Get(errHeader)
	if msg == "" {
		msg = resp.Status
	}
	sentinel := codeError(resp.Header.Get(codeHeader))
	if sentinel == nil {
		return errors.New(msg)
	}
	if msg == sentinel.Error() {
		return sentinel
	}
	return errors.Wrap(sentinel, strings.TrimSuffix(msg, ": "+sentinel.Error()))
}
