package signalingtest

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
)

// Transport is an in-memory signaling.Transport driven by the test: Inject
// feeds frames to the runner, Sent collects everything the runner wrote.
type Transport struct {
	recv chan signaling.Frame
	done chan signaling.CloseInfo

	mu        sync.Mutex
	sent      []signaling.Frame
	sentCh    chan signaling.Frame
	closed    bool
	closeInfo signaling.CloseInfo
}

func NewTransport() *Transport {
	return &Transport{
		recv:   make(chan signaling.Frame, 64),
		done:   make(chan signaling.CloseInfo, 1),
		sentCh: make(chan signaling.Frame, 256),
	}
}

func (t *Transport) Recv() <-chan signaling.Frame     { return t.recv }
func (t *Transport) Done() <-chan signaling.CloseInfo { return t.done }

func (t *Transport) Send(f signaling.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return signaling.ErrTransportClosed
	}
	t.sent = append(t.sent, f)
	select {
	case t.sentCh <- f:
	default:
	}
	return nil
}

func (t *Transport) Close(code int, reason string) {
	t.end(signaling.CloseInfo{Code: code, Reason: reason, Clean: true})
}

// Inject delivers an inbound frame to the runner.
func (t *Transport) Inject(f signaling.Frame) { t.recv <- f }

// InjectEnvelope wraps a payload in an envelope and delivers it.
func (t *Transport) InjectEnvelope(namespace string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	data, err := json.Marshal(signaling.Envelope{Namespace: namespace, Timestamp: time.Now(), Payload: raw})
	if err != nil {
		panic(err)
	}
	t.Inject(signaling.Frame{Kind: signaling.FrameText, Data: data})
}

// Disconnect simulates the peer going away. Clean mimics a proper close
// frame, unclean mimics a dropped connection.
func (t *Transport) Disconnect(code int, reason string, clean bool) {
	t.end(signaling.CloseInfo{Code: code, Reason: reason, Clean: clean})
}

func (t *Transport) end(info signaling.CloseInfo) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.closeInfo = info
	t.mu.Unlock()
	close(t.recv)
	t.done <- info
	close(t.done)
}

// Sent returns a copy of every frame written so far.
func (t *Transport) Sent() []signaling.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]signaling.Frame(nil), t.sent...)
}

// SentEnvelopes decodes all written frames.
func (t *Transport) SentEnvelopes() []signaling.Envelope {
	frames := t.Sent()
	out := make([]signaling.Envelope, 0, len(frames))
	for _, f := range frames {
		var env signaling.Envelope
		if err := json.Unmarshal(f.Data, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// WaitEnvelope blocks until the runner writes an envelope for the namespace
// or the timeout elapses; ok reports which.
func (t *Transport) WaitEnvelope(namespace string, timeout time.Duration) (signaling.Envelope, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case f := <-t.sentCh:
			var env signaling.Envelope
			if err := json.Unmarshal(f.Data, &env); err != nil {
				continue
			}
			if namespace == "" || env.Namespace == namespace {
				return env, true
			}
		case <-deadline:
			return signaling.Envelope{}, false
		}
	}
}

// CloseInfo returns the recorded close, valid after the transport ended.
func (t *Transport) CloseInfo() signaling.CloseInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeInfo
}

// IsClosed reports whether the transport ended.
func (t *Transport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
