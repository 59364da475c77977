package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/FreeKopcap/meshcore-analyzer/internal/bus"
	"github.com/FreeKopcap/meshcore-analyzer/internal/channel"
	"github.com/FreeKopcap/meshcore-analyzer/internal/events"
	"github.com/FreeKopcap/meshcore-analyzer/internal/mesh"
)

// BroadcastNode is the pseudo-node for report lines without a source address.
const BroadcastNode = "BCAST"

// ObserverID is the delivery target for the final path hop when a packet
// reached the observing node directly.
const ObserverID = "OBS"

// Role classifies a node by address prefix. Companion wins over repeater
// when prefixes overlap; classification never changes once prefixes match,
// regardless of how the node behaves.
type Role int

const (
	RoleOther Role = iota
	RoleCompanion
	RoleRepeater
	RoleBroadcast
)

func (r Role) String() string {
	switch r {
	case RoleCompanion:
		return "companion"
	case RoleRepeater:
		return "repeater"
	case RoleBroadcast:
		return "broadcast"
	}

	return "other"
}

// Node is the running aggregate for one address id.
type Node struct {
	ID        string
	Role      Role
	RX        int
	TX        int
	Errors    int
	SNRSum    float64
	SNRCount  int
	RSSISum   float64
	RSSICount int
	// HopHistogram counts, per observed hop count, the packets whose path
	// referenced this node.
	HopHistogram map[int]int
}

func (n Node) AvgSNR() (float64, bool) {
	if n.SNRCount == 0 {
		return 0, false
	}

	return n.SNRSum / float64(n.SNRCount), true
}

func (n Node) AvgRSSI() (float64, bool) {
	if n.RSSICount == 0 {
		return 0, false
	}

	return n.RSSISum / float64(n.RSSICount), true
}

// HopsSeen is the total number of path references across all hop counts.
func (n Node) HopsSeen() int {
	total := 0
	for _, c := range n.HopHistogram {
		total += c
	}

	return total
}

// RelationKey identifies a directed delivery edge.
type RelationKey struct {
	From string
	To   string
}

// NeighborRelation is the running aggregate for one observed delivery edge.
// ToRepeater and ToObserver count terminal deliveries where this edge was
// the last leg before the operator's repeater or the observer itself.
type NeighborRelation struct {
	From       string
	To         string
	Deliveries int
	ToRepeater int
	ToObserver int
	SNRSum     float64
	SNRCount   int
}

func (r NeighborRelation) AvgSNR() (float64, bool) {
	if r.SNRCount == 0 {
		return 0, false
	}

	return r.SNRSum / float64(r.SNRCount), true
}

// HopRecord is the packet with the highest hop count seen so far. Replaced
// wholesale, never merged.
type HopRecord struct {
	DeviceTime  string
	Hops        int
	Path        []string
	RouteName   string
	PayloadName string
	PayloadType mesh.PayloadType
	Payload     []byte
	// Channel and Text are filled when the payload was a decryptable group
	// message, decided once when the record is created.
	Channel string
	Text    string
}

// Diagnostics are per-run parse counters surfaced in reports.
type Diagnostics struct {
	Lines              int
	RxLines            int
	TxLines            int
	RawLines           int
	Ignored            int
	Malformed          int
	BroadcastRx        int
	BroadcastTx        int
	DecodeErrors       int
	UnattributedErrors int
}

// Snapshot is a consistent point-in-time copy of all aggregates.
type Snapshot struct {
	Nodes       map[string]Node
	Neighbors   map[RelationKey]NeighborRelation
	Outgoing    map[string]int
	HopRecord   *HopRecord
	Diagnostics Diagnostics
}

// Config contains the classification and extraction settings the aggregator
// depends on.
type Config struct {
	CompanionPrefix string
	RepeaterPrefix  string
	PathBotSender   string
}

// Aggregator owns all long-lived statistics state. One mutex guards every
// mutation and the snapshot copy, so a single ingest is atomic as seen by
// Snapshot.
type Aggregator struct {
	mu        sync.RWMutex
	cfg       Config
	decryptor *channel.Decryptor
	logger    *slog.Logger

	nodes     map[string]*Node
	neighbors map[RelationKey]*NeighborRelation
	outgoing  map[string]int
	hopRecord *HopRecord
	diag      Diagnostics

	// pendingNeighbor is the deliverer edge of the last raw frame, credited
	// with the SNR of the next RX report.
	pendingNeighbor *RelationKey
}

func NewAggregator(logger *slog.Logger, cfg Config, decryptor *channel.Decryptor) *Aggregator {
	cfg.CompanionPrefix = strings.ToUpper(cfg.CompanionPrefix)
	cfg.RepeaterPrefix = strings.ToUpper(cfg.RepeaterPrefix)

	return &Aggregator{
		cfg:       cfg,
		decryptor: decryptor,
		logger:    logger,
		nodes:     make(map[string]*Node),
		neighbors: make(map[RelationKey]*NeighborRelation),
		outgoing:  make(map[string]int),
	}
}

// Start subscribes to the observer topics and launches the consume loop.
// The subscription is registered before Start returns, so an event published
// by any goroutine started afterwards is never dropped. Events are ingested
// serially in arrival order; the returned channel closes when the loop exits.
func (a *Aggregator) Start(ctx context.Context, b bus.MessageBus) <-chan struct{} {
	topics := []string{
		events.TopicRxReport,
		events.TopicTxReport,
		events.TopicRawFrame,
		events.TopicLineDiag,
	}
	sub := b.Subscribe(topics...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer b.Unsubscribe(sub, topics...)
		a.consume(ctx, sub)
	}()

	return done
}

func (a *Aggregator) consume(ctx context.Context, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub:
			if !ok {
				return
			}
			switch event := msg.(type) {
			case events.RxReport:
				a.IngestRx(event)
			case events.TxReport:
				a.IngestTx(event)
			case events.RawFrame:
				a.IngestFrame(event)
			case events.LineDiag:
				a.IngestDiag(event)
			}
		}
	}
}

func (a *Aggregator) IngestRx(r events.RxReport) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.diag.Lines++
	a.diag.RxLines++

	id := r.Src
	if id == "" {
		id = BroadcastNode
		a.diag.BroadcastRx++
	}

	n := a.node(id)
	n.RX++
	n.SNRSum += r.SNR
	n.SNRCount++
	n.RSSISum += float64(r.RSSI)
	n.RSSICount++
	if r.ScoreZero {
		n.Errors++
	}

	if a.pendingNeighbor != nil {
		rel := a.relation(*a.pendingNeighbor)
		rel.SNRSum += r.SNR
		rel.SNRCount++
		a.pendingNeighbor = nil
	}
}

func (a *Aggregator) IngestTx(r events.TxReport) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.diag.Lines++
	a.diag.TxLines++

	id := r.Src
	if id == "" {
		id = BroadcastNode
		a.diag.BroadcastTx++
	}
	a.node(id).TX++
}

// IngestFrame decodes and aggregates one raw frame. Decode failures are
// absorbed here: the error is attributed to the best-guess source when one
// is derivable, counted unattributed otherwise, and the run continues.
func (a *Aggregator) IngestFrame(f events.RawFrame) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.diag.Lines++
	a.diag.RawLines++

	pkt, err := mesh.Decode(f.Frame)
	if err != nil && !errors.Is(err, mesh.ErrUnknownPayloadType) {
		a.diag.DecodeErrors++
		if src, ok := bestGuessSource(f.Frame); ok {
			a.node(src).Errors++
		} else {
			a.diag.UnattributedErrors++
		}
		a.pendingNeighbor = nil
		return
	}

	path := pkt.PathHex()
	for _, hop := range path {
		n := a.node(hop)
		n.HopHistogram[pkt.HopCount()]++
	}

	a.updateNeighbors(path)

	var decrypted *channel.Decryption
	if pkt.PayloadType.IsGroup() && len(pkt.Payload) > 0 {
		if dec, decErr := a.decryptor.TryDecrypt(pkt.Payload); decErr == nil {
			decrypted = &dec
			for _, nb := range ExtractOutgoingNeighbors(dec.Text, a.cfg.RepeaterPrefix, a.cfg.PathBotSender) {
				a.outgoing[nb]++
			}
		}
	}

	if a.hopRecord == nil || pkt.HopCount() > a.hopRecord.Hops {
		a.hopRecord = a.newHopRecord(f.DeviceTime, pkt, decrypted)
		a.logger.Debug("hop record replaced", "hops", pkt.HopCount(), "packet", pkt.Label())
	}
}

func (a *Aggregator) IngestDiag(d events.LineDiag) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.diag.Lines++
	if d.Ignored {
		a.diag.Ignored++
	}
	if d.Malformed {
		a.diag.Malformed++
	}
	if d.Raw {
		a.diag.RawLines++
	}
}

// Snapshot returns a deep copy of the current aggregates. Holds the read
// side of the ingest lock only for the duration of the copy.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	snap := Snapshot{
		Nodes:       make(map[string]Node, len(a.nodes)),
		Neighbors:   make(map[RelationKey]NeighborRelation, len(a.neighbors)),
		Outgoing:    make(map[string]int, len(a.outgoing)),
		Diagnostics: a.diag,
	}
	for id, n := range a.nodes {
		node := *n
		node.HopHistogram = make(map[int]int, len(n.HopHistogram))
		for hops, count := range n.HopHistogram {
			node.HopHistogram[hops] = count
		}
		snap.Nodes[id] = node
	}
	for key, rel := range a.neighbors {
		snap.Neighbors[key] = *rel
	}
	for id, count := range a.outgoing {
		snap.Outgoing[id] = count
	}
	if a.hopRecord != nil {
		record := *a.hopRecord
		record.Path = append([]string(nil), a.hopRecord.Path...)
		record.Payload = append([]byte(nil), a.hopRecord.Payload...)
		snap.HopRecord = &record
	}

	return snap
}

// updateNeighbors records one delivery per adjacent path pair, then the
// terminal delivery: a repeater-prefixed last hop means the second-to-last
// hop delivered to the repeater, otherwise the last hop delivered straight
// to the observer. The deliverer edge is remembered for SNR correlation.
func (a *Aggregator) updateNeighbors(path []string) {
	for i := 0; i+1 < len(path); i++ {
		a.relation(RelationKey{From: path[i], To: path[i+1]}).Deliveries++
	}

	a.pendingNeighbor = nil
	if len(path) == 0 {
		return
	}

	last := path[len(path)-1]
	if a.cfg.RepeaterPrefix != "" && strings.HasPrefix(last, a.cfg.RepeaterPrefix) {
		if len(path) < 2 {
			return
		}
		key := RelationKey{From: path[len(path)-2], To: last}
		a.relation(key).ToRepeater++
		a.pendingNeighbor = &key
		return
	}

	key := RelationKey{From: last, To: ObserverID}
	rel := a.relation(key)
	rel.Deliveries++
	rel.ToObserver++
	a.pendingNeighbor = &key
}

func (a *Aggregator) newHopRecord(deviceTime string, pkt mesh.Packet, decrypted *channel.Decryption) *HopRecord {
	record := &HopRecord{
		DeviceTime:  deviceTime,
		Hops:        pkt.HopCount(),
		Path:        pkt.PathHex(),
		RouteName:   pkt.RouteType.String(),
		PayloadName: pkt.PayloadType.String(),
		PayloadType: pkt.PayloadType,
		Payload:     append([]byte(nil), pkt.Payload...),
	}

	if decrypted == nil && pkt.PayloadType.IsGroup() && len(pkt.Payload) > 0 {
		if dec, err := a.decryptor.TryDecrypt(pkt.Payload); err == nil {
			decrypted = &dec
		}
	}
	if decrypted != nil {
		record.Channel = decrypted.Channel
		record.Text = decrypted.Text
	}

	return record
}

func (a *Aggregator) node(id string) *Node {
	if n, ok := a.nodes[id]; ok {
		return n
	}

	n := &Node{
		ID:           id,
		Role:         a.classify(id),
		HopHistogram: make(map[int]int),
	}
	a.nodes[id] = n
	a.logger.Debug("new node", "id", id, "role", n.Role.String())

	return n
}

func (a *Aggregator) relation(key RelationKey) *NeighborRelation {
	if rel, ok := a.neighbors[key]; ok {
		return rel
	}

	rel := &NeighborRelation{From: key.From, To: key.To}
	a.neighbors[key] = rel

	return rel
}

func (a *Aggregator) classify(id string) Role {
	switch {
	case id == BroadcastNode:
		return RoleBroadcast
	case a.cfg.CompanionPrefix != "" && strings.HasPrefix(id, a.cfg.CompanionPrefix):
		return RoleCompanion
	case a.cfg.RepeaterPrefix != "" && strings.HasPrefix(id, a.cfg.RepeaterPrefix):
		return RoleRepeater
	}

	return RoleOther
}

// bestGuessSource reads the first path hop out of a frame that failed full
// decoding, when enough bytes survive to reach it.
func bestGuessSource(frame []byte) (string, bool) {
	if len(frame) < 2 {
		return "", false
	}

	offset := 1
	if mesh.RouteType(frame[0] & 0x03).HasTransportCodes() {
		offset += 4
	}
	if offset >= len(frame) {
		return "", false
	}
	pathLen := int(frame[offset])
	offset++
	if pathLen == 0 || offset >= len(frame) {
		return "", false
	}

	return fmt.Sprintf("%02X", frame[offset]), true
}
