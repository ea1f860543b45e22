// Package stratum implements C3, the Stratum Session: the client side of
// the mining.subscribe / mining.authorize / mining.notify / mining.submit
// protocol described in spec.md section 4.3. It owns one TCP connection per
// lifetime of a successful handshake and is the sole writer and sole reader
// of that connection, the same single-owner actor shape the teacher uses
// for its pool-side client connection (read/process/send goroutines
// communicating over channels, one pending-request table guarded by its own
// mutex) turned around to face outward as a client instead of inward as a
// server.
package stratum

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/dongpu1813/cudaminer-neoscrypt/internal/header"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/jobstate"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/log"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/restartbus"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/retry"
	"github.com/dongpu1813/cudaminer-neoscrypt/internal/workqueue"
)

var logger = log.Subsystem(log.SubsystemStratum)

// State is one stage of the handshake/session state machine in spec.md
// section 4.3: DISCONNECTED -> CONNECTING -> SUBSCRIBING -> AUTHORIZING ->
// READY, with READY <-> RESETTING on a forced reconnect.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribing
	StateAuthorizing
	StateReady
	StateResetting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribing:
		return "subscribing"
	case StateAuthorizing:
		return "authorizing"
	case StateReady:
		return "ready"
	case StateResetting:
		return "resetting"
	default:
		return "unknown"
	}
}

// ReadInactivityTimeout is how long the session tolerates a silent
// connection before declaring it dead, per spec.md section 4.3.
const ReadInactivityTimeout = 120 * time.Second

// DefaultRetryPolicy reconnects forever with a fixed pause, matching the
// Work-I/O Actor's backoff (spec.md section 4.2).
var DefaultRetryPolicy = retry.Policy{MaxAttempts: 0, Pause: 5 * time.Second}

// errClosed is returned when Close was called.
var errClosed = errors.New("stratum: closed")

// maxConsecutiveFrameErrors is how many JSON-unmarshal failures in a row
// force a reconnect, per spec.md section 4.3's "three consecutive
// frame-parse failures force a reconnect."
const maxConsecutiveFrameErrors = 3

// Config configures a Session.
type Config struct {
	URL         string
	WorkerName  string
	Password    string
	Algo        header.Algo
	RetryPolicy retry.Policy
}

type pendingCall struct {
	method string
	resp   chan rpcFrame
	sentAt time.Time
}

// Session is the client-side stratum actor. One Session drives one upstream
// connection at a time; Run reconnects internally per the retry policy
// until its context is cancelled or Close is called.
type Session struct {
	cfg Config
	js  *jobstate.JobState
	bus *restartbus.Bus

	state atomic.Int32

	connMu sync.Mutex
	conn   net.Conn

	writeMu sync.Mutex
	writer  *bufio.Writer

	nextID uint64 // atomic

	pendingMu sync.Mutex
	pending   map[uint64]*pendingCall

	xnonceMu    sync.Mutex
	xnonce1     []byte
	xnonce2Size int
	difficulty  float64

	resetRequested atomic.Bool
	closed         atomic.Bool

	resetHandlerMu sync.Mutex
	resetHandler   func()
}

// New returns a Session wired to the coordinator's Job State and Restart
// Bus. It does not connect until Run is called.
func New(cfg Config, js *jobstate.JobState, bus *restartbus.Bus) *Session {
	if cfg.RetryPolicy.Pause <= 0 {
		cfg.RetryPolicy = DefaultRetryPolicy
	}
	return &Session{
		cfg:         cfg,
		js:          js,
		bus:         bus,
		pending:     make(map[uint64]*pendingCall),
		xnonce2Size: 4,
		difficulty:  1,
	}
}

// State reports the current handshake stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// RequestReset forces the session to tear down and re-handshake on its next
// opportunity, per spec.md section 4.6: a duplicate-share hit raises the
// Restart Bus and, for a stratum-fed pool, also asks the session to reset in
// case the pool's own job-id bookkeeping has drifted from ours.
func (s *Session) RequestReset() {
	s.resetRequested.Store(true)
	s.dropConn()
}

// OnReset registers a callback invoked whenever the session transitions
// into RESETTING. The coordinator is not required to use this; it exists so
// tests can observe reset transitions without polling State.
func (s *Session) OnReset(fn func()) {
	s.resetHandlerMu.Lock()
	s.resetHandler = fn
	s.resetHandlerMu.Unlock()
}

func (s *Session) fireReset() {
	s.resetHandlerMu.Lock()
	fn := s.resetHandler
	s.resetHandlerMu.Unlock()
	if fn != nil {
		fn()
	}
}

// Run drives the session until ctx is cancelled or Close is called,
// reconnecting per cfg.RetryPolicy whenever the connection drops.
func (s *Session) Run(ctx context.Context) error {
	for {
		err := retry.Run(ctx, s.cfg.RetryPolicy, func() error {
			return s.connectAndServe(ctx)
		})
		if s.closed.Load() {
			return nil
		}
		if err != nil {
			return err
		}
		// connectAndServe returned nil only for an explicit reset; loop to
		// reconnect immediately rather than treating it as exhausted retries.
	}
}

// Close tears down the active connection and stops Run's reconnect loop.
func (s *Session) Close() {
	s.closed.Store(true)
	s.dropConn()
}

func (s *Session) dropConn() {
	s.connMu.Lock()
	c := s.conn
	s.connMu.Unlock()
	if c != nil {
		c.Close()
	}
}

func (s *Session) connectAndServe(ctx context.Context) error {
	s.setState(StateConnecting)
	dialer := net.Dialer{}
	addr := s.cfg.URL
	if u, err := url.Parse(addr); err == nil && u.Host != "" {
		addr = u.Host // stratum+tcp://host:port -> host:port
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("stratum: dial %s: %w", s.cfg.URL, err)
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer s.dropConn()

	reader := bufio.NewReader(conn)
	s.writeMu.Lock()
	s.writer = bufio.NewWriter(conn)
	s.writeMu.Unlock()

	readErrCh := make(chan error, 1)
	resetCh := make(chan struct{}, 1)
	// One goroutine both reads and dispatches frames for this connection's
	// whole lifetime, including the handshake: mining.subscribe/authorize's
	// blocking call() is unblocked by this same loop completing the
	// matching response, so it must be running before either is sent.
	go s.readDispatchLoop(conn, reader, readErrCh, resetCh)

	if err := s.subscribe(); err != nil {
		return err
	}
	if err := s.authorize(); err != nil {
		return err
	}
	s.setState(StateReady)
	logger.Infof("stratum session ready (%s)", s.cfg.URL)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-readErrCh:
		return err
	case <-resetCh:
		s.setState(StateResetting)
		s.fireReset()
		// Returning nil here (rather than a non-nil sentinel) makes
		// retry.Run treat this round as a success, so Run's outer loop
		// reconnects on its next iteration with no backoff pause — a
		// requested reset should not eat the fixed reconnect delay meant
		// for real transport failures.
		return nil
	}
}

func (s *Session) readDispatchLoop(conn net.Conn, reader *bufio.Reader, errCh chan<- error, resetCh chan<- struct{}) {
	consecutiveFrameErrors := 0
	for {
		if err := conn.SetReadDeadline(time.Now().Add(ReadInactivityTimeout)); err != nil {
			errCh <- fmt.Errorf("stratum: set read deadline: %w", err)
			return
		}
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// RequestReset closes the connection, so a requested reset
			// surfaces here as a read error.
			if s.resetRequested.CompareAndSwap(true, false) {
				select {
				case resetCh <- struct{}{}:
				default:
				}
				return
			}
			errCh <- fmt.Errorf("stratum: read: %w", err)
			return
		}
		var frame rpcFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			consecutiveFrameErrors++
			logger.Debugf("malformed stratum frame (%d/%d consecutive): %s\n%s",
				consecutiveFrameErrors, maxConsecutiveFrameErrors, err, spew.Sdump(line))
			if consecutiveFrameErrors >= maxConsecutiveFrameErrors {
				errCh <- fmt.Errorf("stratum: %d consecutive frame-parse failures", consecutiveFrameErrors)
				return
			}
			continue
		}
		consecutiveFrameErrors = 0
		s.dispatch(frame)
		if s.resetRequested.CompareAndSwap(true, false) {
			select {
			case resetCh <- struct{}{}:
			default:
			}
			return
		}
	}
}

// rpcFrame is the union of every shape a line of the stratum wire protocol
// can take: a request (has Method), a notification (has Method, no reply
// expected), or a response (has ID, Result or Error).
type rpcFrame struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func (f rpcFrame) errString() string {
	if len(f.Error) == 0 || string(f.Error) == "null" {
		return ""
	}
	var parts []interface{}
	if err := json.Unmarshal(f.Error, &parts); err == nil && len(parts) > 1 {
		if msg, ok := parts[1].(string); ok {
			return msg
		}
	}
	return string(f.Error)
}

func (s *Session) dispatch(frame rpcFrame) {
	if frame.Method == "" && frame.ID != nil {
		s.completeCall(*frame.ID, frame)
		return
	}

	switch frame.Method {
	case "mining.notify":
		s.handleNotify(frame.Params)
	case "mining.set_difficulty":
		s.handleSetDifficulty(frame.Params)
	case "mining.set_extranonce":
		s.handleSetExtranonce(frame.Params)
	case "mining.ping":
		// Some pools send an unsolicited ping notification; any traffic on
		// the socket already reset the read deadline, nothing else to do.
	default:
		logger.Debugf("unhandled stratum method %q: %s", frame.Method, spew.Sdump(frame.Params))
	}
}

func (s *Session) completeCall(id uint64, frame rpcFrame) {
	s.pendingMu.Lock()
	call, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
	if !ok {
		logger.Debugf("response for unknown request id %d", id)
		return
	}
	call.resp <- frame
}

// call sends a JSON-RPC request and blocks for its matched response, or
// until ctx is done.
func (s *Session) call(ctx context.Context, method string, params []interface{}) (rpcFrame, error) {
	id := atomic.AddUint64(&s.nextID, 1)
	return s.callWithID(ctx, id, method, params)
}

// submitID is the fixed request id mining.submit always uses, mirroring
// the cgminer-derived convention the original source follows (spec.md
// sections 4.3 and mining.submit's wire shape).
const submitID = 4

func (s *Session) callWithID(ctx context.Context, id uint64, method string, params []interface{}) (rpcFrame, error) {
	resp := make(chan rpcFrame, 1)
	s.pendingMu.Lock()
	s.pending[id] = &pendingCall{method: method, resp: resp, sentAt: time.Now()}
	s.pendingMu.Unlock()

	req := struct {
		ID     uint64        `json:"id"`
		Method string        `json:"method"`
		Params []interface{} `json:"params"`
	}{ID: id, Method: method, Params: params}

	if err := s.writeJSON(req); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		return rpcFrame{}, err
	}

	select {
	case frame := <-resp:
		return frame, nil
	case <-ctx.Done():
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		return rpcFrame{}, ctx.Err()
	}
}

func (s *Session) writeJSON(v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	buf = append(buf, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.writer == nil {
		return errClosed
	}
	if _, err := s.writer.Write(buf); err != nil {
		return fmt.Errorf("stratum: write: %w", err)
	}
	return s.writer.Flush()
}

func (s *Session) subscribe() error {
	s.setState(StateSubscribing)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	frame, err := s.call(ctx, "mining.subscribe", []interface{}{"cudaminer-neoscrypt"})
	if err != nil {
		return fmt.Errorf("stratum: subscribe: %w", err)
	}
	if msg := frame.errString(); msg != "" {
		return fmt.Errorf("stratum: subscribe rejected: %s", msg)
	}

	var result []interface{}
	if err := json.Unmarshal(frame.Result, &result); err != nil || len(result) < 3 {
		return fmt.Errorf("stratum: malformed subscribe result: %s", spew.Sdump(frame.Result))
	}
	xnonce1Hex, _ := result[1].(string)
	xnonce2Size, _ := result[2].(float64)
	xnonce1, err := decodeHex(xnonce1Hex)
	if err != nil {
		return fmt.Errorf("stratum: subscribe: bad extranonce1: %w", err)
	}

	s.xnonceMu.Lock()
	s.xnonce1 = xnonce1
	s.xnonce2Size = int(xnonce2Size)
	s.xnonceMu.Unlock()
	return nil
}

func (s *Session) authorize() error {
	s.setState(StateAuthorizing)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	frame, err := s.call(ctx, "mining.authorize", []interface{}{s.cfg.WorkerName, s.cfg.Password})
	if err != nil {
		return fmt.Errorf("stratum: authorize: %w", err)
	}
	if msg := frame.errString(); msg != "" {
		return fmt.Errorf("stratum: authorize rejected: %s", msg)
	}
	var ok bool
	if err := json.Unmarshal(frame.Result, &ok); err != nil {
		return fmt.Errorf("stratum: malformed authorize result: %s", spew.Sdump(frame.Result))
	}
	if !ok {
		return fmt.Errorf("stratum: authorize refused for worker %q", s.cfg.WorkerName)
	}
	return nil
}

func (s *Session) handleSetDifficulty(params json.RawMessage) {
	var args []float64
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 1 {
		logger.Debugf("malformed set_difficulty: %s", spew.Sdump(params))
		return
	}
	s.xnonceMu.Lock()
	s.difficulty = args[0]
	s.xnonceMu.Unlock()
	logger.Debugf("difficulty set to %v", args[0])
}

func (s *Session) handleSetExtranonce(params json.RawMessage) {
	var args []interface{}
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 2 {
		logger.Debugf("malformed set_extranonce: %s", spew.Sdump(params))
		return
	}
	xnonce1Hex, _ := args[0].(string)
	size, _ := args[1].(float64)
	xnonce1, err := decodeHex(xnonce1Hex)
	if err != nil {
		logger.Debugf("malformed set_extranonce extranonce1: %v", err)
		return
	}
	s.xnonceMu.Lock()
	s.xnonce1 = xnonce1
	s.xnonce2Size = int(size)
	s.xnonceMu.Unlock()
}

// handleNotify parses a mining.notify frame into a Job Template and
// publishes it, per spec.md section 4.1/4.3. clean_jobs (params[8]) being
// true makes Publish raise the Restart Bus.
func (s *Session) handleNotify(params json.RawMessage) {
	var args []interface{}
	if err := json.Unmarshal(params, &args); err != nil || len(args) < 9 {
		logger.Debugf("malformed mining.notify: %s", spew.Sdump(params))
		return
	}

	jobID, _ := args[0].(string)
	prevHashHex, _ := args[1].(string)
	coinb1Hex, _ := args[2].(string)
	coinb2Hex, _ := args[3].(string)
	branchRaw, _ := args[4].([]interface{})
	versionHex, _ := args[5].(string)
	nbitsHex, _ := args[6].(string)
	ntimeHex, _ := args[7].(string)
	clean, _ := args[8].(bool)

	prevHashBytes, err1 := decodeHex(prevHashHex)
	coinb1, err2 := decodeHex(coinb1Hex)
	coinb2, err3 := decodeHex(coinb2Hex)
	versionBytes, err4 := decodeHex(versionHex)
	nbitsBytes, err5 := decodeHex(nbitsHex)
	ntimeBytes, err6 := decodeHex(ntimeHex)
	if err := firstErr(err1, err2, err3, err4, err5, err6); err != nil {
		logger.Debugf("malformed mining.notify field: %v", err)
		return
	}
	if len(prevHashBytes) != 32 || len(versionBytes) != 4 || len(nbitsBytes) != 4 || len(ntimeBytes) != 4 {
		logger.Debugf("mining.notify field length mismatch: %s", spew.Sdump(args))
		return
	}

	branch := make([][32]byte, 0, len(branchRaw))
	for _, b := range branchRaw {
		bs, ok := b.(string)
		if !ok {
			continue
		}
		decoded, err := decodeHex(bs)
		if err != nil || len(decoded) != 32 {
			logger.Debugf("malformed merkle branch entry: %q", bs)
			continue
		}
		var arr [32]byte
		copy(arr[:], decoded)
		branch = append(branch, arr)
	}

	s.xnonceMu.Lock()
	xnonce1 := append([]byte(nil), s.xnonce1...)
	xnonce2Size := s.xnonce2Size
	difficulty := s.difficulty
	s.xnonceMu.Unlock()

	job := &header.JobTemplate{
		JobID:        jobID,
		Coinbase1:    coinb1,
		Coinbase2:    coinb2,
		MerkleBranch: branch,
		Xnonce1:      xnonce1,
		Xnonce2Size:  xnonce2Size,
		Difficulty:   difficulty,
		Clean:        clean,
	}
	copy(job.PrevHash[:], prevHashBytes)
	copy(job.Version[:], versionBytes)
	copy(job.NBits[:], nbitsBytes)
	copy(job.NTime[:], ntimeBytes)

	s.js.Publish(job)
	logger.Debugf("job %s published, clean=%v", jobID, clean)
}

// GetWork satisfies the Work-I/O Actor's Backend interface. A stratum
// session never pulls work on demand — jobs arrive by push via
// mining.notify — so this simply hands back whatever Job State currently
// holds, for the rare case a caller asks anyway.
func (s *Session) GetWork(ctx context.Context) (*header.JobTemplate, error) {
	snap := s.js.Snapshot()
	if snap.Job == nil {
		return nil, fmt.Errorf("stratum: no job received yet")
	}
	return snap.Job, nil
}

// SubmitWork sends mining.submit and reports whether the share was
// accepted, measuring the round trip for observability (the "answer_msec"
// spec.md section 4.3 calls for alongside every submit).
func (s *Session) SubmitWork(ctx context.Context, sub workqueue.Submission) (accepted bool, reason string, err error) {
	params := []interface{}{
		s.cfg.WorkerName,
		sub.JobID,
		encodeHex(sub.Xnonce2),
		encodeHex(sub.NTime[:]),
		encodeHex(nonceBytes(sub.Nonce)),
	}

	start := time.Now()
	frame, err := s.callWithID(ctx, submitID, "mining.submit", params)
	answerMsec := time.Since(start).Milliseconds()
	if err != nil {
		return false, "", fmt.Errorf("stratum: submit: %w", err)
	}
	if msg := frame.errString(); msg != "" {
		logger.Infof("submit rejected job=%s answer_msec=%d reason=%q", sub.JobID, answerMsec, msg)
		return false, msg, nil
	}
	var ok bool
	if err := json.Unmarshal(frame.Result, &ok); err != nil {
		return false, "", fmt.Errorf("stratum: malformed submit result: %s", spew.Sdump(frame.Result))
	}
	logger.Debugf("submit job=%s answer_msec=%d accepted=%v", sub.JobID, answerMsec, ok)
	return ok, "", nil
}
