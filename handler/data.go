package handler

import (
	"errors"
	"net/netip"
	"time"

	"bjoernblessin.de/udpmessaging/connection"
	"bjoernblessin.de/udpmessaging/metrics"
	"bjoernblessin.de/udpmessaging/pkt"
	"bjoernblessin.de/udpmessaging/reconstruction"
	"bjoernblessin.de/udpmessaging/util/logger"
)

// handleData feeds one Data segment through reassembly and resequencing.
// Every accepted or duplicate segment is acknowledged, so a sender whose ACK got lost stops retransmitting.
func (p *Processor) handleData(now time.Time, from netip.AddrPort, segment *pkt.Segment) {
	body, err := pkt.ParseDataBody(segment)
	if err != nil {
		p.metrics.Dropped(metrics.DropMalformed)
		logger.Debugf("Dropping DATA from %s: %v", from, err)
		return
	}

	if !p.validPeerID(from, segment.Header.Type, body.Sender) {
		return
	}

	header := segment.Header
	ack := pkt.NewAck(header.MessageID, header.SegmentIndex)

	node, created := p.registry.GetOrCreate(from)
	if created {
		node.LastHeartbeat = now
		node.Reachable = true
		p.deadlines.schedule(livenessKey(from), now.Add(p.cfg.DeadPeerTimeout()))
	}

	if !p.acceptSession(node, body) {
		return
	}

	node.Resequencer.Observe(body.Sequence)
	if node.Resequencer.IsSettled(body.Sequence) {
		// Already delivered, buffered or skipped, nothing to reassemble.
		p.metrics.Duplicate()
		p.send(from, ack)
		return
	}

	reassembler, ok := node.Reassemblers[header.MessageID]
	if ok && !reassembler.Matches(body.Sequence, body.MessageSize, header.SegmentCount, body.SegmentSize) {
		p.metrics.Dropped(metrics.DropInvalidSegment)
		logger.Warnf("DATA %d from %s does not match the message in reassembly", header.MessageID, from)
		return
	}

	if !ok {
		if int64(body.MessageSize) > int64(p.cfg.MaxMessageSize) {
			p.metrics.Dropped(metrics.DropTooLarge)
			logger.Warnf("Rejecting message %d from %s: %d bytes exceed the limit of %d", header.MessageID, from, body.MessageSize, p.cfg.MaxMessageSize)
			p.send(from, pkt.NewAbort(header.MessageID))
			return
		}

		reassembler, err = reconstruction.NewReassembler(header.MessageID, body.Sequence, body.MessageSize, header.SegmentCount, body.SegmentSize, now)
		if err != nil {
			p.metrics.Dropped(metrics.DropInvalidSegment)
			logger.Warnf("Dropping DATA %d from %s: %v", header.MessageID, from, err)
			return
		}

		node.Reassemblers[header.MessageID] = reassembler
		p.deadlines.schedule(reassemblyKey(from, header.MessageID), now.Add(p.cfg.RetransmitInterval))
	}

	payload, complete, err := reassembler.AcceptSegment(header.SegmentIndex, body.Chunk, now)
	switch {
	case errors.Is(err, reconstruction.ErrDuplicateSegment):
		p.metrics.Duplicate()
		p.send(from, ack)
		return
	case err != nil:
		p.metrics.Dropped(metrics.DropInvalidSegment)
		logger.Warnf("Dropping DATA %d from %s: %v", header.MessageID, from, err)
		return
	}

	p.send(from, ack)

	if !complete {
		return
	}

	delete(node.Reassemblers, header.MessageID)
	p.deadlines.cancel(reassemblyKey(from, header.MessageID))

	logger.Debugf("Message %d (seq %d, %d bytes) from %s complete", header.MessageID, body.Sequence, len(payload), from)

	node.Resequencer.Submit(body.Sequence, payload)
	p.deliver(now, node)
}

// acceptSession matches the sender and session epoch of a Data segment against the node.
// Data of a former identity or of an outdated session is dropped without an ACK.
func (p *Processor) acceptSession(node *connection.NodeInfo, body pkt.DataBody) bool {
	switch {
	case !node.IsIdentified():
		p.registry.ResetIfRestarted(node.Endpoint, body.Sender)
		logger.Infof("Discovered peer %s from its data", node.Peer())
		p.listener.OnNodeDiscovered(node.Peer())
	case node.PeerID != body.Sender:
		p.metrics.Dropped(metrics.DropStaleSession)
		logger.Debugf("Dropping DATA from %s: sent by %s, peer is now %s", node.Endpoint, body.Sender, node.PeerID)
		return false
	}

	accepted, renewed := node.AcceptEpoch(body.Epoch)
	if !accepted {
		p.metrics.Dropped(metrics.DropStaleSession)
		logger.Debugf("Dropping DATA from %s: session %d is older than %d", node.Peer(), body.Epoch, node.PeerEpoch)
		return false
	}
	if renewed {
		p.deadlines.cancel(gapKey(node.Endpoint))
		logger.Infof("Peer %s started session %d, discarding partial messages of the previous one", node.Peer(), body.Epoch)
	}

	return true
}

// handleTimeout skips a message the sender gave up on.
func (p *Processor) handleTimeout(now time.Time, from netip.AddrPort, segment *pkt.Segment) {
	body, err := pkt.ParseTimeoutBody(segment)
	if err != nil {
		p.metrics.Dropped(metrics.DropMalformed)
		logger.Debugf("Dropping TIMEOUT from %s: %v", from, err)
		return
	}
	sequence := body.Sequence

	node, ok := p.registry.Get(from)
	if !ok {
		p.metrics.Dropped(metrics.DropUnknownMessage)
		return
	}

	if !node.InSession(body.Epoch) {
		p.metrics.Dropped(metrics.DropStaleSession)
		logger.Debugf("Ignoring TIMEOUT from %s for session %d", node.Peer(), body.Epoch)
		return
	}

	if reassembler, ok := node.Reassemblers[segment.Header.MessageID]; ok && reassembler.Sequence == sequence {
		delete(node.Reassemblers, segment.Header.MessageID)
		p.deadlines.cancel(reassemblyKey(from, segment.Header.MessageID))
	}

	logger.Infof("Peer %s gave up on message %d (seq %d)", node.Peer(), segment.Header.MessageID, sequence)

	node.Resequencer.Skip(sequence)
	p.deliver(now, node)
}

// deliver hands every message that is next in sequence to the listener and tracks how long a gap stays open.
func (p *Processor) deliver(now time.Time, node *connection.NodeInfo) {
	for _, delivery := range node.Resequencer.DrainReady() {
		p.metrics.MessageDelivered()
		p.listener.OnMessageReceived(node.Peer(), delivery.Payload)
	}

	if !node.Resequencer.HasGap() {
		node.GapSince = time.Time{}
		p.deadlines.cancel(gapKey(node.Endpoint))
		return
	}

	if node.GapSince.IsZero() {
		node.GapSince = now
		p.deadlines.schedule(gapKey(node.Endpoint), now.Add(p.cfg.ResequenceTimeout))
	}
}

// checkReassembly asks for missing segments of a stalled message and abandons it after the reassembly timeout.
func (p *Processor) checkReassembly(now time.Time, endpoint netip.AddrPort, messageID uint32) {
	node, ok := p.registry.Get(endpoint)
	if !ok {
		return
	}
	reassembler, ok := node.Reassemblers[messageID]
	if !ok {
		return
	}

	if reassembler.IsExpired(now, p.cfg.ReassemblyTimeout) {
		p.metrics.Timeout(metrics.TimeoutReassembly)
		logger.Warnf("Abandoning message %d (seq %d) from %s, %d of %d segments after %s",
			messageID, reassembler.Sequence, node.Peer(), reassembler.ReceivedCount(), reassembler.SegmentCount(), p.cfg.ReassemblyTimeout)

		delete(node.Reassemblers, messageID)
		p.send(endpoint, pkt.NewAbort(messageID))
		node.Resequencer.Skip(reassembler.Sequence)
		p.deliver(now, node)
		return
	}

	next := reassembler.LastActivity().Add(p.cfg.RetransmitInterval)
	if !now.Before(next) {
		for _, index := range reassembler.MissingSegments(p.cfg.WindowSize) {
			p.send(endpoint, pkt.NewRetransmit(messageID, index))
		}
		reassembler.RetransmitRequests++
		next = now.Add(p.cfg.RetransmitInterval)
	}

	if expiry := reassembler.LastActivity().Add(p.cfg.ReassemblyTimeout); expiry.Before(next) {
		next = expiry
	}
	p.deadlines.schedule(reassemblyKey(endpoint, messageID), next)
}

// checkGap skips a gap in the sequence that stayed open for longer than the resequence timeout.
func (p *Processor) checkGap(now time.Time, endpoint netip.AddrPort) {
	node, ok := p.registry.Get(endpoint)
	if !ok || node.GapSince.IsZero() {
		return
	}

	due := node.GapSince.Add(p.cfg.ResequenceTimeout)
	if now.Before(due) {
		p.deadlines.schedule(gapKey(endpoint), due)
		return
	}

	expected := node.Resequencer.NextExpected()
	if node.Resequencer.SkipGap() {
		p.metrics.Timeout(metrics.TimeoutResequence)
		logger.Warnf("Skipping sequences from %d on for %s, gap open since %s", expected, node.Peer(), node.GapSince.Format(time.RFC3339))
	}

	node.GapSince = time.Time{}
	p.deliver(now, node)
}
