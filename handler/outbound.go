package handler

import (
	"net/netip"
	"time"

	"bjoernblessin.de/udpmessaging/connection"
	"bjoernblessin.de/udpmessaging/metrics"
	"bjoernblessin.de/udpmessaging/pkt"
	"bjoernblessin.de/udpmessaging/sequencing"
	"bjoernblessin.de/udpmessaging/util/assert"
	"bjoernblessin.de/udpmessaging/util/logger"
)

func (p *Processor) startSegmenter(now time.Time, node *connection.NodeInfo, messageID uint32, payload []byte) {
	if _, exists := node.Segmenters[messageID]; exists {
		logger.Warnf("Message id %d still in flight to %s, dropping the new message", messageID, node.Peer())
		return
	}

	segmenter := sequencing.NewSegmenter(payload, p.cfg.MaxSegmentSize)
	segmenter.MessageID = messageID
	segmenter.Sequence = node.TakeSequence()
	segmenter.Session = sequencing.Session{Sender: p.localID, Epoch: node.Epoch}
	segmenter.NextRetransmit = now.Add(p.cfg.RetransmitInterval)

	node.Segmenters[messageID] = segmenter
	p.deadlines.schedule(segmenterKey(node.Endpoint, messageID), segmenter.NextRetransmit)

	logger.Debugf("Sending message %d (seq %d, %d bytes, %d segments) to %s",
		messageID, segmenter.Sequence, len(payload), segmenter.SegmentCount(), node.Peer())

	p.sendWindow(node, segmenter, false)
}

// sendWindow sends the unacknowledged segments inside the window.
// Unless retransmit is set, segments that were already sent once are skipped.
func (p *Processor) sendWindow(node *connection.NodeInfo, segmenter *sequencing.Segmenter, retransmit bool) {
	for _, segment := range segmenter.NextUnacknowledgedSegments(p.cfg.WindowSize) {
		if !retransmit && segmenter.WasSent(segment.Index) {
			continue
		}
		p.sendSegment(node.Endpoint, segmenter, segment)
	}
}

func (p *Processor) sendSegment(to netip.AddrPort, segmenter *sequencing.Segmenter, segment sequencing.Segment) {
	packet, err := segmenter.ToPacket(segment)
	assert.IsNil(err, "segment %d of message %d does not fit into a DATA segment", segment.Index, segmenter.MessageID)

	if segmenter.WasSent(segment.Index) {
		p.metrics.Retransmitted()
	}
	segmenter.MarkSent(segment.Index)

	p.send(to, packet)
}

// handleAck acknowledges a segment and opens the window for the next ones.
func (p *Processor) handleAck(now time.Time, from netip.AddrPort, segment *pkt.Segment) {
	node, segmenter, ok := p.findSegmenter(from, segment.Header.MessageID)
	if !ok {
		logger.Tracef("Late ACK %d/%d from %s", segment.Header.MessageID, segment.Header.SegmentIndex, from)
		return
	}

	if !segmenter.Acknowledge(segment.Header.SegmentIndex) {
		return
	}

	if segmenter.IsComplete() {
		p.finishSegmenter(node, segmenter)
		p.metrics.MessageAcknowledged()
		logger.Debugf("Message %d (seq %d) acknowledged by %s", segmenter.MessageID, segmenter.Sequence, node.Peer())
		return
	}

	segmenter.Attempts = 0
	segmenter.NextRetransmit = now.Add(p.cfg.RetransmitInterval)
	p.deadlines.schedule(segmenterKey(from, segmenter.MessageID), segmenter.NextRetransmit)

	p.sendWindow(node, segmenter, false)
}

// handleAbort cancels a message the receiver refused or gave up on.
func (p *Processor) handleAbort(from netip.AddrPort, segment *pkt.Segment) {
	node, segmenter, ok := p.findSegmenter(from, segment.Header.MessageID)
	if !ok {
		return
	}

	logger.Warnf("Peer %s aborted message %d (seq %d) after %d of %d segments",
		node.Peer(), segmenter.MessageID, segmenter.Sequence, segmenter.AcknowledgedCount(), segmenter.SegmentCount())

	p.finishSegmenter(node, segmenter)
}

// handleRetransmit re-sends the named segment immediately, regardless of its deadline.
func (p *Processor) handleRetransmit(from netip.AddrPort, segment *pkt.Segment) {
	_, segmenter, ok := p.findSegmenter(from, segment.Header.MessageID)
	if !ok {
		p.metrics.Dropped(metrics.DropUnknownMessage)
		return
	}

	index := segment.Header.SegmentIndex
	requested, ok := segmenter.Segment(index)
	if !ok || segmenter.IsAcknowledged(index) {
		return
	}

	p.sendSegment(from, segmenter, requested)
}

// checkSegmenter retransmits the window of a message without progress and gives up after MaxRetransmits rounds.
func (p *Processor) checkSegmenter(now time.Time, endpoint netip.AddrPort, messageID uint32) {
	node, segmenter, ok := p.findSegmenter(endpoint, messageID)
	if !ok {
		return
	}

	if now.Before(segmenter.NextRetransmit) {
		p.deadlines.schedule(segmenterKey(endpoint, messageID), segmenter.NextRetransmit)
		return
	}

	segmenter.Attempts++
	if segmenter.Attempts > p.cfg.MaxRetransmits {
		p.metrics.Timeout(metrics.TimeoutSegmenter)
		logger.Warnf("Message %d (seq %d) to %s timed out after %d retransmissions",
			messageID, segmenter.Sequence, node.Peer(), p.cfg.MaxRetransmits)

		p.finishSegmenter(node, segmenter)
		p.send(endpoint, pkt.NewTimeout(messageID, pkt.TimeoutBody{Epoch: segmenter.Session.Epoch, Sequence: segmenter.Sequence}))
		return
	}

	p.sendWindow(node, segmenter, true)

	segmenter.NextRetransmit = now.Add(p.cfg.RetransmitInterval)
	p.deadlines.schedule(segmenterKey(endpoint, messageID), segmenter.NextRetransmit)
}

func (p *Processor) findSegmenter(endpoint netip.AddrPort, messageID uint32) (*connection.NodeInfo, *sequencing.Segmenter, bool) {
	node, ok := p.registry.Get(endpoint)
	if !ok {
		return nil, nil, false
	}

	segmenter, ok := node.Segmenters[messageID]
	if !ok {
		return nil, nil, false
	}

	return node, segmenter, true
}

func (p *Processor) finishSegmenter(node *connection.NodeInfo, segmenter *sequencing.Segmenter) {
	delete(node.Segmenters, segmenter.MessageID)
	p.deadlines.cancel(segmenterKey(node.Endpoint, segmenter.MessageID))
}
