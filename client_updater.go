package ssmiss

// Contains the status publisher, which sends JSON-encoded messages giving
// the latest suite state over a ZMQ PUB socket.

import (
	"encoding/json"
	"fmt"
	"strings"

	czmq "github.com/pebbe/zmq4"
)

// ClientUpdate carries one message for the status port.
type ClientUpdate struct {
	tag   string
	state interface{}
	force bool // bypass the per-tag deduplication
}

// StatusPublisher fans supervisor state out to display clients as two-frame
// ZMQ messages: an uppercase tag, then a JSON payload. Identical consecutive
// payloads on one tag are published once.
type StatusPublisher struct {
	updates chan ClientUpdate
	abort   chan struct{}
	done    chan struct{}
}

// NewStatusPublisher returns a publisher ready to Run.
func NewStatusPublisher() *StatusPublisher {
	return &StatusPublisher{
		updates: make(chan ClientUpdate, 256),
		abort:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Queue enqueues one update. A saturated publisher drops updates rather
// than slow its producers.
func (p *StatusPublisher) Queue(tag string, state interface{}) {
	p.enqueue(ClientUpdate{tag: tag, state: state})
}

// QueueForce enqueues one update that publishes even when its payload
// matches the last one on the tag. Clients asking for a fresh snapshot get
// one regardless of what was already sent.
func (p *StatusPublisher) QueueForce(tag string, state interface{}) {
	p.enqueue(ClientUpdate{tag: tag, state: state, force: true})
}

func (p *StatusPublisher) enqueue(u ClientUpdate) {
	select {
	case p.updates <- u:
	case <-p.abort:
	default:
		ProblemLogger.Printf("status publisher queue full, dropping %s", u.tag)
	}
}

// Run binds the PUB socket and publishes queued updates until Stop. It
// returns once the socket is closed.
func (p *StatusPublisher) Run(portstatus int) error {
	defer close(p.done)
	pubSocket, err := czmq.NewSocket(czmq.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	pubSocket.SetSndhwm(1000)
	pubSocket.SetLinger(0)
	hostname := fmt.Sprintf("tcp://*:%d", portstatus)
	if err := pubSocket.Bind(hostname); err != nil {
		return fmt.Errorf("status publisher bind %s: %v", hostname, err)
	}

	lastPayloads := make(map[string]string)
	for {
		select {
		case <-p.abort:
			return nil
		case update := <-p.updates:
			payload, err := json.Marshal(update.state)
			if err != nil {
				ProblemLogger.Printf("status update %s does not marshal: %v", update.tag, err)
				continue
			}
			if !shouldPublish(lastPayloads, update.tag, string(payload), update.force) {
				continue
			}
			if _, err := pubSocket.Send(update.tag, czmq.SNDMORE); err != nil {
				ProblemLogger.Printf("status publisher send: %v", err)
				continue
			}
			if _, err := pubSocket.SendBytes(payload, 0); err != nil {
				ProblemLogger.Printf("status publisher send: %v", err)
			}
		}
	}
}

// Stop ends Run and waits for the socket to close.
func (p *StatusPublisher) Stop() {
	closeIfOpen(p.abort)
	<-p.done
}

// shouldPublish records the payload and reports whether it differs from the
// last one published on the tag.
func shouldPublish(last map[string]string, tag, payload string, force bool) bool {
	if !force && last[tag] == payload {
		return false
	}
	last[tag] = payload
	return true
}

// WatchSupervisor forwards the supervisor's status events, each followed by
// a full state snapshot, until the event stream closes. Run it as its own
// goroutine next to Run.
func (p *StatusPublisher) WatchSupervisor(s *Supervisor) {
	for ev := range s.Events() {
		UpdateLogger.Printf("%s %s -> %s %s", ev.Kind, ev.Module, ev.State, ev.Detail)
		p.Queue(strings.ToUpper(ev.Kind), ev)
		p.Queue("STATUS", s.Status())
	}
}
