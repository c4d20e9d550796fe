package httpapi

import (
	"context"
	"fmt"
	"sync/atomic"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/handlesync/internal/remote"
)

// streamSession serves one websocket connection. Frames are read and
// handled on one goroutine; store callbacks only queue outbound frames.
type streamSession struct {
	server *Server
	conn   *websocket.Conn
	claims tokenClaims
	out    chan remote.Frame
	subs   map[uint64]streamSub
	ctx    context.Context
	cancel context.CancelFunc
	full   atomic.Bool
}

type streamSub struct {
	ref   remote.Ref
	event remote.EventType
	id    remote.ListenerID
}

func (s *streamSession) readLoop() error {
	for {
		var frame remote.Frame
		if err := wsjson.Read(s.ctx, s.conn, &frame); err != nil {
			return err
		}
		ack := s.handle(frame)
		ack.Op = remote.OpAck
		ack.ID = frame.ID
		s.enqueue(ack)
	}
}

func (s *streamSession) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case frame := <-s.out:
			if err := wsjson.Write(s.ctx, s.conn, frame); err != nil {
				s.cancel()
				return
			}
		}
	}
}

// enqueue never blocks: a client that cannot keep up is disconnected.
func (s *streamSession) enqueue(frame remote.Frame) {
	select {
	case <-s.ctx.Done():
	case s.out <- frame:
	default:
		s.full.Store(true)
		s.cancel()
	}
}

func (s *streamSession) overflowed() bool {
	return s.full.Load()
}

func (s *streamSession) deliver(sub uint64, event remote.EventType) remote.Callback {
	return func(snap remote.Snapshot) {
		s.enqueue(remote.Frame{
			Op:    remote.OpEvent,
			Sub:   sub,
			Event: event,
			Key:   snap.Key,
			Value: snap.Value,
		})
	}
}

func (s *streamSession) handle(frame remote.Frame) remote.Frame {
	path := remote.NormalizePath(frame.Path)
	if frame.Op != remote.OpOff && !withinRoot(s.claims.Root, path) {
		return errorFrame("forbidden", "path outside token root")
	}
	switch frame.Op {
	case remote.OpOn, remote.OpOnce, remote.OpQuery:
		if !frame.Event.Valid() {
			return errorFrame("bad_request", fmt.Sprintf("unknown event %q", frame.Event))
		}
		if frame.Sub == 0 {
			return errorFrame("bad_request", "missing subscription id")
		}
	case remote.OpSet, remote.OpUpdate, remote.OpRemove, remote.OpPush:
		if !s.claims.allows(ScopeWrite) {
			return errorFrame("forbidden", "missing required scope: "+ScopeWrite)
		}
	}

	ref := s.server.store.Ref(path)
	switch frame.Op {
	case remote.OpOn:
		if _, exists := s.subs[frame.Sub]; exists {
			return errorFrame("bad_request", "duplicate subscription id")
		}
		id := ref.On(frame.Event, s.deliver(frame.Sub, frame.Event))
		s.subs[frame.Sub] = streamSub{ref: ref, event: frame.Event, id: id}
	case remote.OpOff:
		sub, ok := s.subs[frame.Sub]
		if !ok {
			return remote.Frame{}
		}
		sub.ref.Off(sub.event, sub.id)
		delete(s.subs, frame.Sub)
	case remote.OpOnce:
		ref.Once(frame.Event, s.deliver(frame.Sub, frame.Event))
	case remote.OpQuery:
		ref.OrderByChild(frame.OrderBy).EqualTo(frame.EqualTo).Once(frame.Event, s.deliver(frame.Sub, frame.Event))
	case remote.OpSet:
		return storeErrorFrame(ref.Set(frame.Value))
	case remote.OpUpdate:
		return storeErrorFrame(ref.Update(frame.Fields))
	case remote.OpRemove:
		return storeErrorFrame(ref.Remove())
	case remote.OpPush:
		child, err := ref.Push(frame.Value)
		if err != nil {
			return storeErrorFrame(err)
		}
		return remote.Frame{Key: child.Key()}
	default:
		return errorFrame("bad_request", fmt.Sprintf("unknown op %q", frame.Op))
	}
	return remote.Frame{}
}

func (s *streamSession) releaseAll() {
	for key, sub := range s.subs {
		sub.ref.Off(sub.event, sub.id)
		delete(s.subs, key)
	}
}

func errorFrame(code, message string) remote.Frame {
	return remote.Frame{Error: &remote.RemoteError{Code: code, Message: message}}
}

func storeErrorFrame(err error) remote.Frame {
	if err == nil {
		return remote.Frame{}
	}
	_, code := storeErrorCode(err)
	return errorFrame(code, err.Error())
}
