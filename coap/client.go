// Copyright (c) Mainflux
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"context"
	"sync"
	"time"

	"github.com/absmach/coapc/logger"
	"golang.org/x/sync/errgroup"
)

// RequestOptions carries the per-request overrides spec.md §4.7 allows:
// an explicit blockSize, whether a GET should attach an initial Block2
// NUM=0 option (implicit whenever blockSize is supplied), and an Accept
// option to attach before the request is sent. Accept is a pointer
// because ContentFormatValue's zero value (TextPlain) is itself a meaningful
// setting, so it cannot double as "unset".
type RequestOptions struct {
	BlockSize     int
	IncludeBlock2 bool
	Accept        *ContentFormatValue
}

type dupEntry struct {
	transactionKey string
	timer          *time.Timer
}

// Client is the coordinator described in spec.md §4.7: registry of
// in-flight Transactions and Exchanges, duplicate-reply cache, observer
// index, dispatcher for incoming datagrams, and owner of UDP egress.
//
// Every piece of mutable state is guarded by mu. This stands in for the
// specification's single-threaded cooperative scheduler (§5): instead of
// "no locking because there is no parallel mutation", Go's runtime does
// run the read loops and timers on real goroutines, so mu serialises them
// into the same effective single-writer model the source assumes.
type Client struct {
	mu sync.Mutex

	cfg     Config
	log     logger.Logger
	Events  ClientEvents

	sockets map[string]Socket // "udp4"/"udp6" -> socket
	tokens  *TokenManager

	nextMessageID uint16

	transactions map[string]*Transaction
	exchanges    map[string]*Exchange
	observers    map[string]map[string]*Exchange // endpoint.Key() -> uriPathKey -> Exchange
	duplicates   map[string]*dupEntry
	replies      map[string]*Message

	group  *errgroup.Group
	cancel context.CancelFunc
	closed bool
}

// NewClient opens the UDP sockets and starts the background read loops.
// cfg's zero fields are filled from DefaultConfig.
func NewClient(cfg Config, log logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.NewMock()
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	c := &Client{
		cfg:          cfg,
		log:          log,
		sockets:      make(map[string]Socket),
		tokens:       NewTokenManager(cfg.TokenManagerMaxSize, cfg.TokenManagerEmptySafekeepingTime),
		transactions: make(map[string]*Transaction),
		exchanges:    make(map[string]*Exchange),
		observers:    make(map[string]map[string]*Exchange),
		duplicates:   make(map[string]*dupEntry),
		replies:      make(map[string]*Message),
		group:        g,
		cancel:       cancel,
	}

	for _, network := range []string{"udp4", "udp6"} {
		sock, err := listenUDP(network)
		if err != nil {
			c.log.Warn("coap: " + network + " socket unavailable: " + err.Error())
			continue
		}
		c.sockets[network] = sock
		g.Go(func() error { return c.readLoop(gctx, sock) })
	}
	return c, nil
}

// readLoop is a background goroutine: one per open socket family.
func (c *Client) readLoop(ctx context.Context, sock Socket) error {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, from, err := sock.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			continue
		}
		datagram := append([]byte{}, buf[:n]...)
		c.mu.Lock()
		c.handleIncoming(datagram, from)
		c.mu.Unlock()
	}
}

// allocateMessageID wraps 1..0xFFFF, per spec.md §4.7.
func (c *Client) allocateMessageID() uint16 {
	c.nextMessageID++
	if c.nextMessageID == 0 {
		c.nextMessageID = 1
	}
	return c.nextMessageID
}

// --- public operations -------------------------------------------------------

// Request sends msg, which must carry a request code, assigning it a
// fresh message ID and token, creating its Exchange, and either kicking
// off outgoing blockwise transfer or sending it directly.
func (c *Client) Request(msg *Message, opts ...RequestOptions) (*Request, error) {
	if !msg.Code.IsRequest() {
		return nil, ErrProtocolViolation
	}
	var ro RequestOptions
	if len(opts) > 0 {
		ro = opts[0]
	}
	blockSize := c.cfg.BlockSize
	if ro.BlockSize > 0 {
		blockSize = ro.BlockSize
	}
	if ro.Accept != nil {
		msg.SetAccept(*ro.Accept)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	token, err := c.tokens.Acquire()
	if err != nil {
		return nil, err
	}
	msg.Token = token
	msg.MessageID = c.allocateMessageID()

	req := NewRequest(msg)
	ex := newExchange(req, msg.Remote, token, c.cfg)
	ex.blockSize = blockSize
	c.exchanges[ex.Key] = ex

	if (ro.IncludeBlock2 || ro.BlockSize > 0) && msg.Code == GET {
		msg.SetBlock2(0, false, blockSize)
		ex.autoBlock2 = true
	}

	if len(msg.Payload) > blockSize {
		ex.beginOutgoingBlock1(msg.Payload)
		c.sendNextBlock1(ex)
		return req, nil
	}

	c.dispatchSend(msg, req, ex)
	return req, nil
}

// Get issues a GET for path.
func (c *Client) Get(remote Endpoint, path string, opts ...RequestOptions) (*Request, error) {
	return c.method(GET, remote, path, nil, opts...)
}

// Observe issues a GET with Observe=0 registered for path.
func (c *Client) Observe(remote Endpoint, path string, opts ...RequestOptions) (*Request, error) {
	msg := c.newRequestMessage(GET, remote, path, nil)
	msg.SetObserve(0)
	return c.submit(msg, opts...)
}

// Post issues a POST with the given payload.
func (c *Client) Post(remote Endpoint, path string, payload []byte, opts ...RequestOptions) (*Request, error) {
	return c.method(POST, remote, path, payload, opts...)
}

// Put issues a PUT with the given payload.
func (c *Client) Put(remote Endpoint, path string, payload []byte, opts ...RequestOptions) (*Request, error) {
	return c.method(PUT, remote, path, payload, opts...)
}

// Del issues a DELETE.
func (c *Client) Del(remote Endpoint, path string, opts ...RequestOptions) (*Request, error) {
	return c.method(DELETE, remote, path, nil, opts...)
}

func (c *Client) method(code Code, remote Endpoint, path string, payload []byte, opts ...RequestOptions) (*Request, error) {
	msg := c.newRequestMessage(code, remote, path, payload)
	return c.submit(msg, opts...)
}

func (c *Client) newRequestMessage(code Code, remote Endpoint, path string, payload []byte) *Message {
	msg := NewMessage(CON, code)
	msg.Remote = remote
	if path != "" {
		msg.SetURIPath(splitPath(path)...)
	}
	msg.Payload = payload
	return msg
}

func (c *Client) submit(msg *Message, opts ...RequestOptions) (*Request, error) {
	return c.Request(msg, opts...)
}

func splitPath(path string) []string {
	var segs []string
	cur := ""
	for _, r := range path {
		if r == '/' {
			if cur != "" {
				segs = append(segs, cur)
				cur = ""
			}
			continue
		}
		cur += string(r)
	}
	if cur != "" {
		segs = append(segs, cur)
	}
	return segs
}

// Cancel locates the exchange backing req, finishes its transaction,
// removes it from the observer index if it was a subscription, and then
// finishes the exchange, emitting `cancelled`. Cancel is idempotent.
func (c *Client) Cancel(req *Request) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := req.Message.ExchangeKey()
	ex, ok := c.exchanges[key]
	if !ok {
		return
	}
	if tx, ok := c.transactions[ex.transactionKey]; ok {
		tx.stop()
		delete(c.transactions, ex.transactionKey)
	}
	if ex.isObserver {
		c.removeObserver(ex)
	}
	c.cancelExchange(ex)
}

// Destroy cancels every timer, closes every socket, releases every
// token, and stops the background read loops. No events are emitted
// after Destroy returns.
func (c *Client) Destroy() error {
	c.mu.Lock()
	c.closed = true
	for _, tx := range c.transactions {
		tx.stop()
	}
	for _, ex := range c.exchanges {
		ex.stopTimeout()
		c.tokens.Release(ex.Token)
	}
	for _, d := range c.duplicates {
		if d.timer != nil {
			d.timer.Stop()
		}
	}
	for _, s := range c.sockets {
		_ = s.Close()
	}
	c.mu.Unlock()

	c.cancel()
	return c.group.Wait()
}

// --- sending ------------------------------------------------------------

// dispatchSend encodes and writes msg, arming a Transaction if it is a
// CON. Synchronous send failures are reported via a deferred `error` on
// ex.Request, per spec.md §4.7/§7 ("failures are reported by deferring an
// error emission on the originating request so that observers registered
// after request still see it").
//
// ackReq is the Request that should observe this transaction's
// acknowledged/reset event: ex.Request for the exchange's originating
// send (the initial request, or its first outgoing Block1 segment), and
// nil for a Block1/Block2 follow-up sub-transaction, since those are an
// internal continuation of an already-acknowledged exchange and must not
// re-fire `acknowledged` for every block (spec.md §4.5/§8 scenario 3). A
// request-level timeout is mirrored to ex.Request regardless, via the
// transaction's ParentReq.
func (c *Client) dispatchSend(msg *Message, ackReq *Request, ex *Exchange) {
	buf, err := Encode(msg)
	if err != nil {
		go ex.Request.emitError(err)
		return
	}
	sock, ok := c.sockets[familyFor(msg.Remote)]
	if !ok {
		go ex.Request.emitError(ErrSendFailure)
		return
	}
	if err := sock.WriteTo(buf, msg.Remote); err != nil {
		go ex.Request.emitError(errWrap(ErrSendFailure, err.Error()))
		return
	}
	go c.Events.emitSent(msg)

	if msg.Type == CON {
		tx := newTransaction(msg, ackReq, ex.Request, ex.Key, c.cfg)
		c.transactions[tx.Key] = tx
		ex.transactionKey = tx.Key
		c.armRetransmit(tx, msg, sock)
	}
	if !ex.isObserver {
		ex.armTimeout(func() { c.onExchangeTimeout(ex.Key) })
	}
}

func (c *Client) armRetransmit(tx *Transaction, msg *Message, sock Socket) {
	tx.arm(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if tx.settled || c.closed {
			return
		}
		exhausted := tx.expire(c.cfg.MaxRetransmit)
		if exhausted {
			c.finishTransactionTimedOut(tx)
			return
		}
		buf, err := Encode(msg)
		if err != nil {
			return
		}
		_ = sock.WriteTo(buf, msg.Remote)
		go c.Events.emitSent(msg)
		c.armRetransmit(tx, msg, sock)
	})
}

func (c *Client) finishTransactionTimedOut(tx *Transaction) {
	tx.finishTimedOut()
	delete(c.transactions, tx.Key)
	go c.Events.emitTxTimeout(tx.Message)
	if tx.ParentReq != nil {
		go tx.ParentReq.emit(evTimeout, nil)
	}
	if ex, ok := c.exchanges[tx.ExchangeKey]; ok {
		c.finishExchange(ex)
	}
}

// sendNextBlock1 sends the first Block1 segment of an outgoing upload,
// reusing the message ID already allocated for the parent request in
// Request rather than discarding it for a fresh one.
func (c *Client) sendNextBlock1(ex *Exchange) {
	msg, _ := ex.nextBlock1(ex.Request.Message.MessageID)
	if msg == nil {
		return
	}
	c.dispatchSend(msg, ex.Request, ex)
}

// --- exchange/transaction lifecycle --------------------------------------

// finishExchange retires ex without emitting any event: used when the
// exchange ends through normal completion (final response delivered) or
// through a timeout/reset path that already emitted its own event.
func (c *Client) finishExchange(ex *Exchange) {
	if ex.finished {
		return
	}
	ex.finished = true
	ex.stopTimeout()
	delete(c.exchanges, ex.Key)
}

// cancelExchange retires ex and emits `cancelled` exactly once: used for
// explicit Client.Cancel, observer replacement, and the error-response
// path for observer-eligible exchanges (spec.md §4.6/§5).
func (c *Client) cancelExchange(ex *Exchange) {
	if ex.finished {
		return
	}
	c.finishExchange(ex)
	go ex.Request.emit(evCancelled, nil)
}

func (c *Client) onExchangeTimeout(exchangeKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ex, ok := c.exchanges[exchangeKey]
	if !ok || c.closed {
		return
	}

	if ex.isObserver {
		c.reregisterObserver(ex)
		return
	}

	go c.Events.emitExchTimeout(ex.Request.Message)
	go ex.Request.emit(evTimeout, nil)
	c.finishExchange(ex)
}

// reregisterObserver implements the ExchangeTimeout branch of spec.md §7
// for observer-eligible requests: remove the observer entry without
// cancelling, and reissue the original request with a fresh ID/token,
// preserving options.
func (c *Client) reregisterObserver(ex *Exchange) {
	c.removeObserverIndexOnly(ex)
	delete(c.exchanges, ex.Key)

	token, err := c.tokens.Acquire()
	if err != nil {
		go ex.Request.emitError(err)
		return
	}
	msg := NewMessage(CON, ex.Request.Message.Code)
	msg.Remote = ex.Remote
	msg.Options = append(Options{}, ex.Request.Message.Options...)
	msg.Token = token
	msg.MessageID = c.allocateMessageID()
	msg.SetObserve(0)

	req := ex.Request
	newEx := newExchange(req, msg.Remote, token, c.cfg)
	newEx.blockSize = ex.blockSize
	c.exchanges[newEx.Key] = newEx
	c.dispatchSend(msg, req, newEx)
}

func (c *Client) removeObserverIndexOnly(ex *Exchange) {
	epKey := ex.Remote.Key()
	pathKey := uriPathKey(ex.Request.Message)
	if m, ok := c.observers[epKey]; ok {
		if m[pathKey] == ex {
			delete(m, pathKey)
		}
	}
}

func (c *Client) removeObserver(ex *Exchange) {
	c.removeObserverIndexOnly(ex)
	ex.isObserver = false
}

func uriPathKey(msg *Message) string {
	key := ""
	for _, s := range msg.URIPath() {
		key += "/" + s
	}
	return key
}

// --- incoming dispatch ----------------------------------------------------

// handleIncoming runs the 8-step pipeline of spec.md §4.7 for a single
// received datagram. Called with c.mu held.
func (c *Client) handleIncoming(datagram []byte, from Endpoint) {
	msg, err := Decode(datagram)
	if err != nil {
		go c.Events.emitError(err)
		return
	}
	msg.Remote = from
	msg.ReceivedAt = time.Now()
	go c.Events.emitReceived(msg)

	msgKey := msg.MessageKey()
	if entry, dup := c.duplicates[msgKey]; dup {
		if reply, ok := c.replies[entry.transactionKey]; ok {
			c.resend(reply)
		}
		return
	}
	c.markDuplicate(msgKey, msg)

	if msg.Code.IsRequest() {
		// Server-bound requests never expected on a client; answer per type.
		if msg.Type == CON {
			c.sendBareReply(RST, msg)
		}
		return
	}

	if msg.Type == RST {
		c.handleReset(msg)
		return
	}
	if msg.Type == ACK && msg.IsEmpty() {
		c.handleEmptyAck(msg)
		return
	}

	ex, ok := c.exchanges[msg.ExchangeKey()]
	if !ok {
		if msg.Type == CON {
			c.sendBareReply(RST, msg)
		}
		return
	}
	c.handleExchangeMessage(ex, msg)
}

func (c *Client) markDuplicate(msgKey string, msg *Message) {
	txKey := msg.TransactionKey()
	d := &dupEntry{transactionKey: txKey}
	d.timer = time.AfterFunc(c.cfg.DuplicateTimeout, func() {
		c.mu.Lock()
		delete(c.duplicates, msgKey)
		c.mu.Unlock()
	})
	c.duplicates[msgKey] = d
}

func (c *Client) resend(reply *Message) {
	buf, err := Encode(reply)
	if err != nil {
		return
	}
	sock, ok := c.sockets[familyFor(reply.Remote)]
	if !ok {
		return
	}
	_ = sock.WriteTo(buf, reply.Remote)
}

func (c *Client) sendBareReply(t Type, req *Message) {
	reply := NewMessage(t, Empty)
	reply.Remote = req.Remote
	reply.MessageID = req.MessageID
	c.resend(reply)
	c.replies[req.TransactionKey()] = reply
}

func (c *Client) handleReset(msg *Message) {
	tx, ok := c.transactions[msg.TransactionKey()]
	if !ok {
		return
	}
	tx.reject()
	delete(c.transactions, tx.Key)
	if tx.Req != nil {
		go tx.Req.emit(evReset, msg)
	}
	if ex, ok := c.exchanges[tx.ExchangeKey]; ok {
		c.finishExchange(ex)
	}
}

func (c *Client) handleEmptyAck(msg *Message) {
	tx, ok := c.transactions[msg.TransactionKey()]
	if !ok {
		return
	}
	tx.accept()
	delete(c.transactions, tx.Key)
	if tx.Req != nil {
		go tx.Req.emit(evAcknowledged, msg)
	}
}

// handleExchangeMessage implements spec.md §4.7's "per-exchange handling"
// paragraph.
func (c *Client) handleExchangeMessage(ex *Exchange, msg *Message) {
	if tx, ok := c.transactions[msg.TransactionKey()]; ok {
		tx.accept()
		delete(c.transactions, tx.Key)
		if tx.Req != nil {
			go tx.Req.emit(evAcknowledged, msg)
		}
	} else if tx, ok := c.transactions[ex.transactionKey]; ok {
		tx.accept()
		delete(c.transactions, tx.Key)
	}

	if obs, hasObs := msg.Observe(); hasObs && ex.isObserver {
		if !isFreshObserve(ex.lastObserveSeq, obs, ex.lastObserveAt, msg.ReceivedAt) {
			if msg.Type == CON {
				c.sendBareReply(ACK, msg)
			}
			return
		}
	}

	c.updateObserverBookkeeping(ex, msg)

	switch {
	case hasBlock1(msg):
		c.handleBlock1Response(ex, msg)
	case hasBlock2(msg) && (ex.autoBlock2 || !hasOwnBlock2(ex.Request.Message)):
		c.handleBlock2Response(ex, msg)
	default:
		c.completeResponse(ex, msg)
	}
}

func hasBlock1(msg *Message) bool { _, ok := msg.Block1(); return ok }
func hasBlock2(msg *Message) bool { _, ok := msg.Block2(); return ok }

// hasOwnBlock2 reports whether req carries a Block2 option at all. It
// cannot tell a caller-set option from one the library auto-attached for
// early negotiation, since by the time a response arrives the option is
// present on ex.Request.Message either way; that distinction is tracked
// via Exchange.autoBlock2 instead.
func hasOwnBlock2(req *Message) bool {
	_, ok := req.Block2()
	return ok
}

// updateObserverBookkeeping implements the Observe paragraph of spec.md
// §4.6: register, replace, end, or leave alone, depending on the
// response code and whether Observe is present.
func (c *Client) updateObserverBookkeeping(ex *Exchange, msg *Message) {
	if !ex.isObserverEligible {
		return
	}
	obs, hasObs := msg.Observe()

	if msg.Code.IsError() {
		if ex.isObserver {
			c.removeObserver(ex)
			c.cancelExchange(ex)
		}
		return
	}
	if !msg.Code.IsSuccess() {
		return
	}

	if !hasObs {
		if ex.isObserver {
			c.removeObserver(ex)
		}
		return
	}

	epKey := ex.Remote.Key()
	pathKey := uriPathKey(ex.Request.Message)
	if c.observers[epKey] == nil {
		c.observers[epKey] = make(map[string]*Exchange)
	}
	if prev, ok := c.observers[epKey][pathKey]; ok && prev != ex {
		c.cancelExchange(prev)
	}
	c.observers[epKey][pathKey] = ex
	ex.isObserver = true
	ex.recordObserve(obs, msg.ReceivedAt, msg.MaxAge())
	ex.armTimeout(func() { c.onExchangeTimeout(ex.Key) })
}

// handleBlock1Response processes an ACK carrying Block1 during an
// outgoing upload.
func (c *Client) handleBlock1Response(ex *Exchange, msg *Message) {
	b1, _ := msg.Block1()
	if ex.outBlock1 == nil {
		c.completeResponse(ex, msg)
		return
	}
	if err := ex.acceptBlock1Ack(b1); err != nil {
		return // stall to exchange-timeout, per spec's Open Question
	}
	go ex.Request.emit(evBlockSent, msg)

	if b2, ok := msg.Block2(); ok {
		ex.outBlock1 = nil
		ex.beginIncomingBlock2(b2, 0, false)
		if b2.NUM == 0 {
			c.finalizeOrContinueBlock2(ex, msg, b2)
		}
		return
	}

	if next, more := ex.nextBlock1(c.allocateMessageID()); next != nil {
		c.dispatchSend(next, nil, ex)
		_ = more
		return
	}
	c.completeResponse(ex, msg)
}

func (c *Client) handleBlock2Response(ex *Exchange, msg *Message) {
	b2, _ := msg.Block2()
	obs, hasObs := msg.Observe()

	if !ex.validateBlock2(b2, obs, hasObs) {
		if b2.Size() > ex.blockSize || !validBlockSize(b2) {
			if hasObs && msg.Type == CON {
				c.sendBareReply(ACK, msg)
			} else if msg.Type == CON {
				c.sendBareReply(RST, msg)
			}
			return
		}
		if msg.Type == CON {
			if hasObs {
				c.sendBareReply(ACK, msg)
			} else {
				c.sendBareReply(RST, msg)
			}
		}
		return
	}
	if ex.inBlock2 == nil {
		ex.beginIncomingBlock2(b2, obs, hasObs)
	}
	ex.appendBlock2(b2, msg.Payload)
	go ex.Request.emit(evBlockReceived, msg)

	c.finalizeOrContinueBlock2(ex, msg, b2)
}

func validBlockSize(b BlockOption) bool {
	return b.SZX <= maxSZX
}

func (c *Client) finalizeOrContinueBlock2(ex *Exchange, msg *Message, b2 BlockOption) {
	c.ackCON(msg)
	if b2.M {
		c.requestNextBlock2(ex, b2)
		return
	}
	synthetic := &Message{
		Type:      msg.Type,
		Code:      msg.Code,
		MessageID: msg.MessageID,
		Token:     msg.Token,
		Options:   msg.Options,
		Payload:   ex.reassembledPayload(),
		Remote:    msg.Remote,
		ReceivedAt: msg.ReceivedAt,
	}
	go ex.Request.emit(evResponse, synthetic)
	if !ex.isObserver {
		c.finishExchange(ex)
	} else {
		ex.inBlock2 = nil
	}
}

// requestNextBlock2 sends the follow-up GET for the next Block2 segment.
// It uses a new message ID and its own Transaction; it is a follow-up
// sub-transaction, not the exchange's originating send, so it carries no
// ack/reset target of its own — only its ParentReq, for timeout
// mirroring (spec.md §4.5).
func (c *Client) requestNextBlock2(ex *Exchange, cur BlockOption) {
	msg := NewMessage(CON, ex.Request.Message.Code)
	msg.Remote = ex.Remote
	msg.Token = ex.Token
	msg.MessageID = c.allocateMessageID()
	msg.Options = append(Options{}, ex.Request.Message.Options.Remove(Block2)...)
	msg.SetBlock2(cur.NUM+1, false, int(cur.SZX))
	c.dispatchSend(msg, nil, ex)
}

// ackCON sends a bare ACK for msg if it arrived as a CON, per spec.md
// §8 scenario 6: every accepted CON — a fresh separate response or a
// fresh Observe notification alike — must be acknowledged, not just
// have its event emitted.
func (c *Client) ackCON(msg *Message) {
	if msg.Type == CON {
		c.sendBareReply(ACK, msg)
	}
}

func (c *Client) completeResponse(ex *Exchange, msg *Message) {
	c.ackCON(msg)
	go ex.Request.emit(evResponse, msg)
	if !ex.isObserver {
		c.finishExchange(ex)
	}
}
