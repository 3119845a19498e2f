// Copyright (c) Mainflux
// SPDX-License-Identifier: Apache-2.0

package coap

import "time"

const lateNotificationWrap = 1 << 23 // 2^23, RFC 7641 §3.4 wraparound window
const lateNotificationWindow = 128 * time.Second

// outgoingBlock1 is the cursor driving a Block1 upload: the next block to
// send, and the payload slice it is still walking.
type outgoingBlock1 struct {
	num     int64
	szx     uint8
	payload []byte
}

func (b *outgoingBlock1) size() int { return 16 << b.szx }

func (b *outgoingBlock1) total() int64 {
	sz := int64(b.size())
	return (int64(len(b.payload)) + sz - 1) / sz
}

func (b *outgoingBlock1) slice(num int64) ([]byte, bool) {
	sz := int64(b.size())
	start := num * sz
	if start >= int64(len(b.payload)) {
		return nil, false
	}
	end := start + sz
	if end > int64(len(b.payload)) {
		end = int64(len(b.payload))
	}
	return b.payload[start:end], end < int64(len(b.payload))
}

// incomingBlock2 is the cursor driving Block2 reassembly.
type incomingBlock2 struct {
	cur        BlockOption
	received   bool // at least one block accepted
	buf        []byte
	observeSeq uint32
	hasObserve bool
}

// Exchange is the per-(endpoint,token) logical operation described in
// spec.md §3/§4.6: it owns blockwise segmentation/reassembly and Observe
// bookkeeping for a single request. Like Transaction, every method here
// assumes the owning Client's mutex is held.
type Exchange struct {
	Key     string
	Request *Request
	Remote  Endpoint
	Token   Token

	cfg             Config
	blockSize       int
	transactionKey  string // the currently outstanding Transaction, if any

	outBlock1 *outgoingBlock1
	inBlock2  *incomingBlock2

	isObserverEligible bool
	isObserver         bool
	lastObserveSeq     uint32
	lastObserveAt      time.Time
	lastMaxAge         time.Duration
	serverInitiative   bool

	// autoBlock2 is set by Client.Request when it attaches an initial
	// Block2 NUM=0 option itself (early negotiation, spec.md §4.7/§8
	// scenario 3): it tells handleExchangeMessage that the request's own
	// Block2 option is the library's doing, not the caller's, so a
	// Block2-carrying response must still go through reassembly rather
	// than being mistaken for a response to a caller-managed transfer.
	autoBlock2 bool

	timeoutTimer *time.Timer
	finished     bool
}

func newExchange(req *Request, remote Endpoint, token Token, cfg Config) *Exchange {
	_, hasObserve := req.Message.Observe()
	return &Exchange{
		Key:                ExchangeKeyFor(remote, token),
		Request:            req,
		Remote:             remote,
		Token:              token,
		cfg:                cfg,
		blockSize:          cfg.BlockSize,
		isObserverEligible: req.Message.Code == GET && hasObserve,
	}
}

// beginOutgoingBlock1 sets up the Block1 cursor when the user payload
// exceeds blockSize, per spec.md §4.6: SZX derived from blockSize, M=true,
// NUM starts at -1 so the first sendNext call advances it to 0.
func (ex *Exchange) beginOutgoingBlock1(payload []byte) {
	ex.outBlock1 = &outgoingBlock1{
		num:     -1,
		szx:     SZXForSize(ex.blockSize),
		payload: payload,
	}
}

// nextBlock1 composes the next outgoing Block1 segment: a fresh CON
// carrying the parent's Uri/token, the given message ID, the Block1
// option for the next NUM, and the corresponding payload slice. M is
// recomputed from the total block count. Per spec.md §4.6, id must be a
// freshly allocated message ID for every call except the very first
// segment of the transfer, which reuses the parent request's own ID.
func (ex *Exchange) nextBlock1(id uint16) (*Message, bool) {
	ex.outBlock1.num++
	slice, more := ex.outBlock1.slice(ex.outBlock1.num)
	if slice == nil {
		return nil, false
	}
	msg := NewMessage(CON, ex.Request.Message.Code)
	msg.Remote = ex.Remote
	msg.Token = ex.Token
	msg.MessageID = id
	msg.Options = append(Options{}, ex.Request.Message.Options.Remove(Block1)...)
	msg.SetBlock1(ex.outBlock1.num, more, int(ex.outBlock1.szx))
	msg.Payload = slice
	return msg, more
}

// renegotiateBlock1 is called when the server ACKs a Block1 segment with
// the same NUM but a smaller SZX: recompute the cursor's size/SZX and the
// in-flight NUM so sending continues at the correct offset.
func (ex *Exchange) renegotiateBlock1(newSZX uint8) {
	oldSize := int64(ex.outBlock1.size())
	ex.outBlock1.szx = newSZX
	newSize := int64(ex.outBlock1.size())
	num := ex.outBlock1.num
	ex.outBlock1.num = (num+1)*oldSize/newSize - 1
}

// acceptBlock1Ack validates an ACK's Block1 option against our cursor: it
// must carry the same NUM, and an SZX not larger than ours. Per spec.md's
// Open Question on Block1 NUM mismatch, any other NUM (or a larger SZX) is
// left unhandled (ErrUnsupportedBlockNegotiation) rather than
// fast-forwarded, and the exchange is left to stall to exchange-timeout.
func (ex *Exchange) acceptBlock1Ack(ack BlockOption) error {
	if ack.NUM != ex.outBlock1.num {
		return ErrUnsupportedBlockNegotiation
	}
	if ack.SZX > ex.outBlock1.szx {
		return ErrUnsupportedBlockNegotiation
	}
	if ack.SZX < ex.outBlock1.szx {
		ex.renegotiateBlock1(ack.SZX)
	}
	return nil
}

// beginIncomingBlock2 starts reassembly for the first accepted Block2
// segment.
func (ex *Exchange) beginIncomingBlock2(first BlockOption, observe uint32, hasObserve bool) {
	ex.inBlock2 = &incomingBlock2{cur: first, observeSeq: observe, hasObserve: hasObserve}
}

// validateBlock2 checks a subsequent Block2 segment against spec.md
// §4.6's rules: NUM must equal cur+1, SZX must not exceed cur's SZX, and
// for observer-driven sequences the Observe value must match the first
// received block's.
func (ex *Exchange) validateBlock2(b BlockOption, observe uint32, hasObserve bool) bool {
	if ex.inBlock2 == nil {
		return b.NUM == 0
	}
	if b.NUM != ex.inBlock2.cur.NUM+1 {
		return false
	}
	if b.SZX > ex.inBlock2.cur.SZX {
		return false
	}
	if ex.inBlock2.hasObserve && (!hasObserve || observe != ex.inBlock2.observeSeq) {
		return false
	}
	return true
}

// appendBlock2 records a validated block's payload and advances the
// cursor.
func (ex *Exchange) appendBlock2(b BlockOption, payload []byte) {
	if ex.inBlock2 == nil {
		ex.inBlock2 = &incomingBlock2{}
	}
	ex.inBlock2.cur = b
	ex.inBlock2.buf = append(ex.inBlock2.buf, payload...)
	ex.inBlock2.received = true
}

// reassembledPayload returns the concatenated Block2 payload accumulated
// so far.
func (ex *Exchange) reassembledPayload() []byte {
	if ex.inBlock2 == nil {
		return nil
	}
	return ex.inBlock2.buf
}

// isFreshObserve implements the late-notification test of spec.md
// §4.6: given the previously recorded sequence v1 at t1, and a newly
// arrived v2 at t2, report whether v2 is "newer".
func isFreshObserve(v1, v2 uint32, t1, t2 time.Time) bool {
	switch {
	case v1 < v2 && v2-v1 < lateNotificationWrap:
		return true
	case v1 > v2 && v1-v2 > lateNotificationWrap:
		return true
	case t2.After(t1.Add(lateNotificationWindow)):
		return true
	default:
		return false
	}
}

// recordObserve updates the exchange's last-seen sequence/timestamp and
// Max-Age, used both for the freshness test above and for re-arming the
// exchange timeout on each successful notification.
func (ex *Exchange) recordObserve(seq uint32, at time.Time, maxAge uint32) {
	ex.lastObserveSeq = seq
	ex.lastObserveAt = at
	ex.lastMaxAge = time.Duration(maxAge) * time.Second
}

// exchangeTimeoutDuration returns the duration the exchange-timeout timer
// should currently be armed for: the Max-Age-derived duration once an
// observation is active, otherwise the configured exchangeTimeout.
func (ex *Exchange) exchangeTimeoutDuration() time.Duration {
	if ex.isObserver && ex.lastMaxAge > 0 {
		return ex.lastMaxAge
	}
	return ex.cfg.ExchangeTimeout
}

func (ex *Exchange) armTimeout(fn func()) {
	if ex.timeoutTimer != nil {
		ex.timeoutTimer.Stop()
	}
	ex.timeoutTimer = time.AfterFunc(ex.exchangeTimeoutDuration(), fn)
}

func (ex *Exchange) stopTimeout() {
	if ex.timeoutTimer != nil {
		ex.timeoutTimer.Stop()
	}
}
