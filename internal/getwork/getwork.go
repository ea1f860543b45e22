// Package getwork implements C4, the Getwork/Long-Poll Session: the HTTP
// JSON-RPC fallback transport used when no stratum endpoint is configured,
// per spec.md section 4.4. It is grounded on the original source's
// longpoll_thread/get_upstream_work pairing rather than on any teacher file
// (the teacher is a pure stratum pool and never speaks classic getwork):
// a plain POST for "getwork" with an optional X-Long-Polling URL discovered
// from the first response's headers, then a second request, on the same
// HTTP client, blocking on that URL for the next block.
package getwork

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dongpu1813/cudaminer-neoscrypt/internal/difficulty"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/header"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/jobstate"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/log"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/restartbus"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/workqueue"
)

var logger = log.Subsystem(log.SubsystemGetwork)

// LongPollHeader is the response header classic getwork servers use to
// advertise a long-poll URL (spec.md section 4.4).
const LongPollHeader = "X-Long-Polling"

// DefaultScanTime is the plain-getwork freshness window (spec.md section 4.5
// step 1). Nothing in this module reads it; the Worker Pool takes its
// window from workerpool.Config.GetworkScanInterval.
const DefaultScanTime = 5 * time.Second

// LPScanTime is the scan window for long-polling mode, longer than the
// plain-getwork scan time since a push is expected. Nothing in this module
// reads it.
const LPScanTime = 60 * time.Second

// LongPollRequestTimeout bounds how long a long-poll HTTP request blocks
// waiting for the server to push a new block notification.
const LongPollRequestTimeout = 20 * time.Minute

// DefaultTimeout is the upstream request timeout used when Config.Timeout
// is left zero.
const DefaultTimeout = 30 * time.Second

// Config configures a Client.
type Config struct {
	URL      string
	Username string
	Password string
	Algo     header.Algo
	// Timeout bounds every plain getwork/submit round trip (spec.md section
	// 6's -T/--timeout). Long-poll requests go through the same http.Client,
	// so it bounds them too: LongPollRequestTimeout only sets their context
	// deadline, and a long-poll request ends at whichever limit is shorter.
	Timeout time.Duration
	// EnableLongPoll mirrors --no-longpoll: false disables the long-poll
	// discovery and falls back to plain polling on ScanTime.
	EnableLongPoll bool
	// SoloHeightGuard, when set, is consulted before accepting a getwork
	// reply: a reply for a height the guard has already seen move past is
	// rejected as stale rather than mined on needlessly (spec.md's
	// supplemented "optional getblocktemplate height-check guard" for solo
	// mining).
	SoloHeightGuard func(height uint32) bool
}

type rpcRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
	ID     int           `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     interface{}     `json:"id"`
}

func (r rpcResponse) isNullResult() bool {
	return len(r.Result) == 0 || string(r.Result) == "null"
}

// workResult is the classic getwork payload: a fully assembled 128-byte
// header in "data", the share target in "target", and an optional server
// height/noncerange hint.
type workResult struct {
	Data       string `json:"data"`
	Target     string `json:"target"`
	Height     uint32 `json:"height"`
	NonceRange string `json:"noncerange"`
	SubmitOld  bool   `json:"submitold"`
}

// Client is the getwork/long-poll actor. It is driven by the Work-I/O Actor
// (C5) through the same Backend shape a stratum.Session satisfies, so C5
// can treat either transport interchangeably.
type Client struct {
	cfg        Config
	httpClient *http.Client
	js         *jobstate.JobState
	bus        *restartbus.Bus

	lpURLMu sync.Mutex
	lpURL   string

	networkFail atomic.Bool
}

// New returns a getwork Client wired to the coordinator's Job State and
// Restart Bus.
func New(cfg Config, js *jobstate.JobState, bus *restartbus.Bus) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		js:         js,
		bus:        bus,
	}
}

// NetworkFailing reports whether the last round trip failed, so the
// coordinator can pause workers per spec.md section 7 the same way a
// stratum disconnect would.
func (c *Client) NetworkFailing() bool {
	return c.networkFail.Load()
}

// GetWork satisfies the Work-I/O Actor's Backend interface: perform one
// getwork round trip, publish the result to Job State (unconditionally, via
// Publish), and return it.
func (c *Client) GetWork(ctx context.Context) (*header.JobTemplate, error) {
	job, err := c.fetchOnce(ctx, c.cfg.URL)
	if err != nil {
		c.networkFail.Store(true)
		return nil, err
	}
	c.networkFail.Store(false)
	c.js.Publish(job)
	return job, nil
}

// SubmitWork satisfies the Work-I/O Actor's Backend interface: submit a
// candidate solution via getwork's "getwork" method with the solved header
// as its sole parameter, per the original source's submission request
// shape (`{"method": "getwork", "params": ["<hex>"], "id":4}`).
func (c *Client) SubmitWork(ctx context.Context, sub workqueue.Submission) (accepted bool, reason string, err error) {
	job := c.js.Snapshot().Job
	if job == nil {
		return false, "", fmt.Errorf("getwork: no job to rebuild submission header from")
	}
	h, err := header.Build(c.cfg.Algo, job, sub.Xnonce2)
	if err != nil {
		return false, "", fmt.Errorf("getwork: rebuild header: %w", err)
	}
	h[header.NonceWordIdx] = sub.Nonce

	hexData := encodeHeaderHex(h)
	resp, err := c.call(ctx, c.cfg.URL, rpcRequest{Method: "getwork", Params: []interface{}{hexData}, ID: 4})
	if err != nil {
		return false, "", err
	}
	if resp.Error != nil {
		return false, resp.Error.Message, nil
	}
	var ok bool
	if err := json.Unmarshal(resp.Result, &ok); err != nil {
		return false, "", fmt.Errorf("getwork: malformed submit result: %w", err)
	}
	return ok, "", nil
}

// fetchOnce performs a single plain getwork POST and decodes the reply into
// a Job Template. It also records any long-poll URL advertised in the
// response headers for PollLongPoll to use.
func (c *Client) fetchOnce(ctx context.Context, url string) (*header.JobTemplate, error) {
	req := rpcRequest{Method: "getwork", Params: []interface{}{}, ID: 0}
	body, respHeader, err := c.post(ctx, url, req)
	if err != nil {
		return nil, err
	}

	if c.cfg.EnableLongPoll {
		if lp := respHeader.Get(LongPollHeader); lp != "" {
			c.lpURLMu.Lock()
			c.lpURL = resolveLongPollURL(url, lp)
			c.lpURLMu.Unlock()
		}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("getwork: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("getwork: %s", rpcResp.Error.Message)
	}
	if rpcResp.isNullResult() {
		return nil, fmt.Errorf("getwork: empty result")
	}
	var result workResult
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return nil, fmt.Errorf("getwork: decode result: %w", err)
	}
	return c.decodeWork(&result)
}

// PollLongPoll blocks on the discovered long-poll URL until the pool pushes
// a new block, the request times out, or ctx is cancelled. A successful
// reply is published and raises the Restart Bus. A timeout or error is
// returned to the caller as-is: Job State's freshness is left untouched
// and the Restart Bus is not raised, so fresh work only arrives through
// the caller's own periodic getwork refetch.
func (c *Client) PollLongPoll(ctx context.Context) error {
	c.lpURLMu.Lock()
	url := c.lpURL
	c.lpURLMu.Unlock()
	if url == "" {
		return fmt.Errorf("getwork: no long-poll url discovered yet")
	}

	lpCtx, cancel := context.WithTimeout(ctx, LongPollRequestTimeout)
	defer cancel()

	req := rpcRequest{Method: "getwork", Params: []interface{}{}, ID: 0}
	body, _, err := c.post(lpCtx, url, req)
	if err != nil {
		c.networkFail.Store(true)
		return err
	}
	c.networkFail.Store(false)

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("getwork: decode long-poll response: %w", err)
	}
	if rpcResp.Error != nil || rpcResp.isNullResult() {
		return fmt.Errorf("getwork: long-poll returned no work")
	}
	var result workResult
	if err := json.Unmarshal(rpcResp.Result, &result); err != nil {
		return fmt.Errorf("getwork: decode long-poll result: %w", err)
	}

	job, err := c.decodeWork(&result)
	if err != nil {
		return err
	}
	logger.Infof("long-poll detected new block, job=%s height=%d submit_old=%v", job.JobID, job.Height, result.SubmitOld)
	c.js.Publish(job)
	c.bus.Raise()
	return nil
}

func (c *Client) decodeWork(result *workResult) (*header.JobTemplate, error) {
	if c.cfg.SoloHeightGuard != nil && result.Height > 0 && !c.cfg.SoloHeightGuard(result.Height) {
		return nil, fmt.Errorf("getwork: stale height %d rejected by solo guard", result.Height)
	}

	dataBytes, err := hex.DecodeString(result.Data)
	if err != nil || len(dataBytes) < header.HeaderSizeBytes {
		return nil, fmt.Errorf("getwork: malformed data field")
	}
	var h header.Header
	for i := 0; i < header.WordCount; i++ {
		h[i] = beUint32(dataBytes[i*4 : i*4+4])
	}
	decoded := header.Decode(c.cfg.Algo, &h)

	var diff float64
	if result.Target != "" {
		targetBytes, err := hex.DecodeString(result.Target)
		if err == nil && len(targetBytes) == 32 {
			target := beBytesToBig(targetBytes)
			diff = difficulty.ToDifficulty(difficulty.DefaultPowLimit, target)
		}
	}

	merkle := decoded.MerkleRoot
	job := &header.JobTemplate{
		JobID:       fmt.Sprintf("getwork-%d", result.Height),
		PrevHash:    decoded.PrevHash,
		Version:     decoded.Version,
		NBits:       decoded.NBits,
		NTime:       decoded.NTime,
		Xnonce2Size: 0,
		Height:      result.Height,
		Difficulty:  diff,
		Clean:       true,
		MerkleRoot:  &merkle,
	}
	return job, nil
}

func (c *Client) post(ctx context.Context, url string, payload rpcRequest) ([]byte, http.Header, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.Username != "" {
		httpReq.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("getwork: request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("getwork: read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, resp.Header, fmt.Errorf("getwork: http %d", resp.StatusCode)
	}
	return body, resp.Header, nil
}

func (c *Client) call(ctx context.Context, url string, req rpcRequest) (rpcResponse, error) {
	body, _, err := c.post(ctx, url, req)
	if err != nil {
		return rpcResponse{}, err
	}
	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return rpcResponse{}, fmt.Errorf("getwork: decode submit response: %w", err)
	}
	return resp, nil
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func beBytesToBig(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

func encodeHeaderHex(h *header.Header) string {
	buf := make([]byte, header.HeaderSizeBytes)
	for i, w := range h {
		buf[i*4] = byte(w >> 24)
		buf[i*4+1] = byte(w >> 16)
		buf[i*4+2] = byte(w >> 8)
		buf[i*4+3] = byte(w)
	}
	return hex.EncodeToString(buf)
}

// resolveLongPollURL turns the X-Long-Polling header value (an absolute URL
// or a path on the current server) into a fully-qualified URL, per the
// original source's longpoll_thread logic.
func resolveLongPollURL(base, lp string) string {
	if containsScheme(lp) {
		return lp
	}
	slash := "/"
	if len(base) > 0 && base[len(base)-1] == '/' {
		slash = ""
	}
	path := lp
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	return base + slash + path
}

func containsScheme(s string) bool {
	for i := 0; i+2 < len(s); i++ {
		if s[i] == ':' && s[i+1] == '/' && s[i+2] == '/' {
			return true
		}
	}
	return false
}
