package cmd

import (
	"fmt"
	"io"

	"bjoernblessin.de/udpmessaging/connection"
	"bjoernblessin.de/udpmessaging/util/logger"
	"bjoernblessin.de/udpmessaging/util/observer"
)

type EventKind int

const (
	EventDiscovered EventKind = iota
	EventLost
	EventMessage
)

type Event struct {
	Kind    EventKind
	Peer    connection.Peer
	Payload []byte
}

// Events is the engine listener of the CLI. It hands every event to the subscribers without blocking the reactor.
type Events struct {
	observable *observer.Observable[Event]
}

func NewEvents(bufferSize int) *Events {
	return &Events{observable: observer.NewObservable[Event](bufferSize)}
}

func (e *Events) OnNodeDiscovered(peer connection.Peer) {
	e.observable.NotifyObservers(Event{Kind: EventDiscovered, Peer: peer})
}

func (e *Events) OnNodeLost(peer connection.Peer) {
	e.observable.NotifyObservers(Event{Kind: EventLost, Peer: peer})
}

func (e *Events) OnMessageReceived(peer connection.Peer, payload []byte) {
	e.observable.NotifyObservers(Event{Kind: EventMessage, Peer: peer, Payload: payload})
}

func (e *Events) Subscribe() chan Event {
	return e.observable.Subscribe()
}

func (e *Events) Close() {
	e.observable.Close()
}

// Printer writes events to the terminal and stores received files in FilesDir.
type Printer struct {
	Out      io.Writer
	FilesDir string
}

func (p *Printer) Update(event Event) {
	switch event.Kind {
	case EventDiscovered:
		fmt.Fprintf(p.Out, "\n+ %s joined\n", event.Peer)
	case EventLost:
		fmt.Fprintf(p.Out, "\n- %s left\n", event.Peer)
	case EventMessage:
		p.printMessage(event.Peer, event.Payload)
	}
}

func (p *Printer) printMessage(peer connection.Peer, payload []byte) {
	msg, err := DecodeAppMessage(payload)
	if err != nil {
		logger.Warnf("Ignoring %d bytes from %s: %v", len(payload), peer, err)
		return
	}

	if !msg.IsFile {
		fmt.Fprintf(p.Out, "\n[%s] %s\n", peer, msg.Text)
		return
	}

	path, err := saveReceivedFile(p.FilesDir, msg.FileName, msg.Content)
	if err != nil {
		logger.Errorf("Failed to store file %q from %s: %v", msg.FileName, peer, err)
		return
	}
	fmt.Fprintf(p.Out, "\n[%s] sent file %s (%d bytes)\n", peer, path, len(msg.Content))
}
