// Package baresip drives a baresip instance over its ctrl_tcp module and
// translates its events into engine notifications.
package baresip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"braces.dev/errtrace"
	"github.com/sirupsen/logrus"

	"github.com/404-not-find/SipVoice/internal/errorutil"
	"github.com/404-not-find/SipVoice/internal/sipevent"
)

const (
	ErrNotSupported     errorutil.Error = "operation not supported by baresip"
	ErrNotConnected     errorutil.Error = "not connected to baresip"
	ErrClosed           errorutil.Error = "baresip client closed"
	ErrUnknownCall      errorutil.Error = "unknown call"
	ErrCommandFailed    errorutil.Error = "baresip command failed"
	ErrCommandTimeout   errorutil.Error = "baresip command timeout"
	ErrAlreadyConnected errorutil.Error = "already connected to baresip"
)

const (
	DefaultCommandTimeout    = 2 * time.Second
	DefaultReconnectInterval = 2 * time.Second
	DefaultBufferSize        = 100
)

type Options struct {
	Addr string
	// AccountAOR is reported for events that carry no account.
	AccountAOR        string
	CommandTimeout    time.Duration
	ReconnectInterval time.Duration
	BufferSize        int
	Codec             *sipevent.Codec
	Logger            logrus.FieldLogger
	Clock             func() time.Time
}

// conn is one ctrl_tcp connection.
type conn struct {
	nc      net.Conn
	writeMu sync.Mutex
	enc     *Encoder
	done    chan struct{}
}

// Client is a ctrl_tcp client. Notifications are delivered on Envelopes
// until Close.
type Client struct {
	opts  Options
	log   logrus.FieldLogger
	codec *sipevent.Codec
	tr    *translator

	mu     sync.Mutex
	cur    *conn
	shut   bool
	closed chan struct{}
	wg     sync.WaitGroup

	emitMu    sync.RWMutex
	envelopes chan *sipevent.Envelope
	errs      chan error

	token     atomic.Uint64
	pendingMu sync.Mutex
	pending   map[string]chan Response
}

func New(opts Options) (*Client, error) {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = DefaultCommandTimeout
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	codec := opts.Codec
	if codec == nil {
		var err error
		codec, err = sipevent.NewCodec(sipevent.VideoDefaults{})
		if err != nil {
			return nil, err
		}
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Client{
		opts:      opts,
		log:       log.WithFields(logrus.Fields{"component": "baresip", "addr": opts.Addr}),
		codec:     codec,
		tr:        &translator{calls: newCallTable(), account: opts.AccountAOR, now: opts.Clock},
		closed:    make(chan struct{}),
		envelopes: make(chan *sipevent.Envelope, opts.BufferSize),
		errs:      make(chan error, 1),
		pending:   make(map[string]chan Response),
	}, nil
}

// Envelopes returns the notification stream. It is closed by Close.
func (c *Client) Envelopes() <-chan *sipevent.Envelope { return c.envelopes }

// Errors reports connection failures. It is closed by Close.
func (c *Client) Errors() <-chan error { return c.errs }

// Connect dials baresip once and starts reading from it. A stack_status
// notification reports the connection going up and down.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.connect(ctx)
	return err
}

func (c *Client) connect(ctx context.Context) (*conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", c.opts.Addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to baresip at %s: %w", c.opts.Addr, err)
	}
	cn := &conn{nc: nc, enc: NewEncoder(nc), done: make(chan struct{})}

	c.mu.Lock()
	switch {
	case c.shut:
		c.mu.Unlock()
		nc.Close()
		return nil, ErrClosed
	case c.cur != nil:
		c.mu.Unlock()
		nc.Close()
		return nil, ErrAlreadyConnected
	}
	c.cur = cn
	c.wg.Add(1)
	c.mu.Unlock()

	go c.readLoop(cn)
	c.log.Info("Connected")
	return cn, nil
}

// Run keeps a connection open until ctx is done or the client is closed,
// redialing after ReconnectInterval.
func (c *Client) Run(ctx context.Context) error {
	for {
		cn, err := c.connect(ctx)
		switch {
		case err == nil:
			select {
			case <-cn.done:
			case <-ctx.Done():
				return ctx.Err()
			case <-c.closed:
				return nil
			}
		case errors.Is(err, ErrClosed):
			return nil
		default:
			c.log.WithError(err).Warn("Connect failed")
		}

		t := time.NewTimer(c.opts.ReconnectInterval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-c.closed:
			t.Stop()
			return nil
		}
	}
}

// Close drops the connection, stops the reader and closes the channels.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.shut {
		c.mu.Unlock()
		return nil
	}
	c.shut = true
	close(c.closed)
	cn := c.cur
	c.mu.Unlock()

	if cn != nil {
		cn.nc.Close()
	}
	c.wg.Wait()

	c.emitMu.Lock()
	close(c.envelopes)
	close(c.errs)
	c.emitMu.Unlock()
	return nil
}

func (c *Client) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Client) readLoop(cn *conn) {
	defer c.wg.Done()
	defer c.disconnected(cn)

	c.emit(sipevent.StackStatus{Started: true})

	dec := NewDecoder(cn.nc)
	for {
		data, err := dec.Decode()
		if err != nil {
			if !c.isClosed() {
				c.report(fmt.Errorf("reading from baresip: %w", err))
			}
			return
		}
		c.log.Debugf("Received: %s", data)
		c.handle(data)
	}
}

// disconnected releases the connection, fails commands waiting on it and
// reports every live call as ended.
func (c *Client) disconnected(cn *conn) {
	cn.nc.Close()
	close(cn.done)

	c.mu.Lock()
	if c.cur == cn {
		c.cur = nil
	}
	c.mu.Unlock()

	for _, n := range c.tr.lost() {
		c.emit(n)
	}
	c.emit(sipevent.StackStatus{Started: false})
	c.log.Info("Disconnected")
}

func (c *Client) handle(data []byte) {
	isEvent, isResponse, err := classify(data)
	if err != nil {
		c.log.WithError(err).Warn("Invalid JSON from baresip")
		return
	}

	switch {
	case isEvent:
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.WithError(err).Warn("Failed to parse event")
			return
		}
		for _, n := range c.tr.translate(ev) {
			c.emit(n)
		}
	case isResponse:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.log.WithError(err).Warn("Failed to parse response")
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.Token]
		delete(c.pending, resp.Token)
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		} else {
			c.log.WithField("token", resp.Token).Debug("Response without a pending command")
		}
	}
}

// emit encodes n and blocks until the consumer takes it or the client closes.
func (c *Client) emit(n sipevent.Notification) {
	env, err := c.codec.Encode(n)
	if err != nil {
		c.log.WithError(err).Error("Failed to encode notification")
		return
	}
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.isClosed() {
		return
	}
	select {
	case c.envelopes <- env:
	case <-c.closed:
	}
}

func (c *Client) report(err error) {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.isClosed() {
		return
	}
	select {
	case c.errs <- err:
	default:
		c.log.WithError(err).Warn("Connection error")
	}
}

// send writes a command and waits for the response with the same token.
func (c *Client) send(ctx context.Context, command, params string) (Response, error) {
	c.mu.Lock()
	cn := c.cur
	c.mu.Unlock()
	if cn == nil {
		return Response{}, ErrNotConnected
	}

	token := fmt.Sprintf("tok%d", c.token.Add(1))
	data, err := json.Marshal(Command{Command: command, Params: params, Token: token})
	if err != nil {
		return Response{}, errtrace.Wrap(err)
	}

	ch := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[token] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, token)
		c.pendingMu.Unlock()
	}()

	c.log.Debugf("Sending: %s", data)
	cn.writeMu.Lock()
	err = cn.enc.Encode(data)
	cn.writeMu.Unlock()
	if err != nil {
		return Response{}, fmt.Errorf("sending %s: %w", command, err)
	}

	t := time.NewTimer(c.opts.CommandTimeout)
	defer t.Stop()
	select {
	case resp := <-ch:
		if !resp.OK {
			return resp, errorutil.NewWrapperError(ErrCommandFailed, "%s: %s", command, strings.TrimSpace(resp.Data))
		}
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	case <-cn.done:
		return Response{}, ErrNotConnected
	case <-t.C:
		return Response{}, errorutil.NewWrapperError(ErrCommandTimeout, command)
	}
}

func (c *Client) callKey(callID int) (string, error) {
	cl, ok := c.tr.calls.get(callID)
	if !ok {
		return "", errorutil.NewWrapperError(ErrUnknownCall, "call %d", callID)
	}
	return cl.key, nil
}

// MakeCall dials number. The call id arrives later in an outgoing_call
// notification.
func (c *Client) MakeCall(ctx context.Context, accountID, number string, video bool) error {
	number = strings.TrimSpace(number)
	if accountID != "" && accountID != c.opts.AccountAOR {
		c.log.WithField("account_id", accountID).Debug("baresip dials from its current account")
	}
	if video {
		_, err := c.send(ctx, "dialdir", number+" audio=sendrecv video=sendrecv")
		return err
	}
	_, err := c.send(ctx, "dial", number)
	return err
}

func (c *Client) AcceptCall(ctx context.Context, callID int) error {
	key, err := c.callKey(callID)
	if err != nil {
		return err
	}
	_, err = c.send(ctx, "accept", key)
	return err
}

// DeclineCall rejects a ringing call with a SIP status code.
func (c *Client) DeclineCall(ctx context.Context, callID int, code sipevent.StatusCode) error {
	key, err := c.callKey(callID)
	if err != nil {
		return err
	}
	params := key
	if code != sipevent.StatusNone {
		params += fmt.Sprintf(" scode=%d", int(code))
	}
	_, err = c.send(ctx, "hangup", params)
	return err
}

func (c *Client) HangUpCall(ctx context.Context, callID int) error {
	key, err := c.callKey(callID)
	if err != nil {
		return err
	}
	_, err = c.send(ctx, "hangup", key)
	return err
}

// SetHold puts the call on hold or resumes it, then reports the new flags
// in a call_state notification.
func (c *Client) SetHold(ctx context.Context, callID int, hold bool) error {
	key, err := c.callKey(callID)
	if err != nil {
		return err
	}
	cmd := "resume"
	if hold {
		cmd = "hold"
	}
	if _, err := c.send(ctx, cmd, key); err != nil {
		return err
	}
	c.refresh(key, func(cl *call) { cl.hold = hold })
	return nil
}

// SetMute toggles the microphone when it differs from mute. baresip only
// offers a toggle, so the state is tracked here.
func (c *Client) SetMute(ctx context.Context, callID int, mute bool) error {
	key, err := c.callKey(callID)
	if err != nil {
		return err
	}
	if cl, _ := c.tr.calls.get(callID); cl.mute == mute {
		return nil
	}
	if _, err := c.send(ctx, "mute", ""); err != nil {
		return err
	}
	c.refresh(key, func(cl *call) { cl.mute = mute })
	return nil
}

func (c *Client) SetVideoMute(context.Context, int, bool) error {
	return errorutil.NewWrapperError(ErrNotSupported, "video mute")
}

func (c *Client) SetCodecPriorities(context.Context, []sipevent.CodecPriority) error {
	return errorutil.NewWrapperError(ErrNotSupported, "codec priorities")
}

func (c *Client) refresh(key string, fn func(*call)) {
	cl, ok := c.tr.calls.update(key, fn)
	if !ok {
		return
	}
	c.emit(cl.notification(sipevent.StatusNone))
}
