package stats

import (
	"context"
	"crypto/aes"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/FreeKopcap/meshcore-analyzer/internal/bus"
	"github.com/FreeKopcap/meshcore-analyzer/internal/channel"
	"github.com/FreeKopcap/meshcore-analyzer/internal/events"
	"github.com/FreeKopcap/meshcore-analyzer/internal/mesh"
)

func newTestAggregator(t *testing.T, channels ...string) *Aggregator {
	t.Helper()

	registry := channel.NewRegistry(channels...)
	cfg := Config{
		CompanionPrefix: "10",
		RepeaterPrefix:  "33",
		PathBotSender:   "PathBot",
	}

	return NewAggregator(slog.New(slog.NewTextHandler(io.Discard, nil)), cfg, channel.NewDecryptor(registry))
}

func floodFrame(payloadType mesh.PayloadType, path []byte, payload []byte) events.RawFrame {
	return events.RawFrame{
		Frame: mesh.Encode(mesh.Packet{
			RouteType:   mesh.RouteFlood,
			PayloadType: payloadType,
			Path:        path,
			Payload:     payload,
		}),
	}
}

// groupFrame encrypts text for the named channel and wraps it in a GRP_TXT
// flood frame.
func groupFrame(t *testing.T, name, text string, path []byte) events.RawFrame {
	t.Helper()

	entry := channel.NewRegistry(name).All()[0]
	block, err := aes.NewCipher(entry.Key[:])
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	plaintext := append(make([]byte, 5), []byte(text)...)
	if pad := len(plaintext) % aes.BlockSize; pad != 0 {
		plaintext = append(plaintext, make([]byte, aes.BlockSize-pad)...)
	}
	ciphertext := make([]byte, len(plaintext))
	for i := 0; i < len(plaintext); i += aes.BlockSize {
		block.Encrypt(ciphertext[i:i+aes.BlockSize], plaintext[i:i+aes.BlockSize])
	}

	payload := append([]byte{entry.Hash, 0x00, 0x00}, ciphertext...)
	return floodFrame(mesh.PayloadGrpTxt, path, payload)
}

func TestIngestRxUpdatesNodeAggregates(t *testing.T) {
	a := newTestAggregator(t)

	a.IngestRx(events.RxReport{SNR: 10, RSSI: -80, Src: "72", Dst: "AF"})
	a.IngestRx(events.RxReport{SNR: 6, RSSI: -90, Src: "72", Dst: "AF", ScoreZero: true})

	snap := a.Snapshot()
	n, ok := snap.Nodes["72"]
	if !ok {
		t.Fatalf("node 72 missing")
	}
	if n.RX != 2 {
		t.Fatalf("rx: got %d want 2", n.RX)
	}
	if n.Errors != 1 {
		t.Fatalf("errors: got %d want 1", n.Errors)
	}
	if avg, ok := n.AvgSNR(); !ok || avg != 8 {
		t.Fatalf("avg snr: got %v (%v)", avg, ok)
	}
	if avg, ok := n.AvgRSSI(); !ok || avg != -85 {
		t.Fatalf("avg rssi: got %v (%v)", avg, ok)
	}
}

func TestIngestRxBroadcastFallback(t *testing.T) {
	a := newTestAggregator(t)

	a.IngestRx(events.RxReport{SNR: 1, RSSI: -100})
	a.IngestTx(events.TxReport{})

	snap := a.Snapshot()
	n, ok := snap.Nodes[BroadcastNode]
	if !ok {
		t.Fatalf("broadcast node missing")
	}
	if n.Role != RoleBroadcast {
		t.Fatalf("role: got %v want broadcast", n.Role)
	}
	if n.RX != 1 || n.TX != 1 {
		t.Fatalf("rx/tx: got %d/%d want 1/1", n.RX, n.TX)
	}
	if snap.Diagnostics.BroadcastRx != 1 || snap.Diagnostics.BroadcastTx != 1 {
		t.Fatalf("broadcast diag: %+v", snap.Diagnostics)
	}
}

func TestClassificationByPrefixIsStable(t *testing.T) {
	a := newTestAggregator(t)

	// A companion node also showing up as a relay in paths keeps its role.
	a.IngestRx(events.RxReport{SNR: 5, RSSI: -70, Src: "10AF"})
	a.IngestFrame(floodFrame(mesh.PayloadAck, []byte{0x10, 0x72}, []byte{0xAA}))

	snap := a.Snapshot()
	if snap.Nodes["10AF"].Role != RoleCompanion {
		t.Fatalf("role: got %v want companion", snap.Nodes["10AF"].Role)
	}
	if snap.Nodes["10"].Role != RoleCompanion {
		t.Fatalf("path node role: got %v want companion", snap.Nodes["10"].Role)
	}
	if snap.Nodes["72"].Role != RoleOther {
		t.Fatalf("foreign node role: got %v want other", snap.Nodes["72"].Role)
	}
}

func TestHopRecordReplacementIsMonotonic(t *testing.T) {
	a := newTestAggregator(t)

	paths := [][]byte{
		{0x01, 0x02},
		{0x01, 0x02, 0x03, 0x04, 0x05},
		{0x01, 0x02, 0x03},
		{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07},
		{0x01},
	}
	for i, path := range paths {
		a.IngestFrame(events.RawFrame{
			DeviceTime: time.Unix(int64(i), 0).UTC().Format("15:04:05"),
			Frame: mesh.Encode(mesh.Packet{
				RouteType:   mesh.RouteFlood,
				PayloadType: mesh.PayloadAck,
				Path:        path,
				Payload:     []byte{byte(i)},
			}),
		})
	}

	record := a.Snapshot().HopRecord
	if record == nil {
		t.Fatalf("hop record missing")
	}
	if record.Hops != 7 {
		t.Fatalf("hops: got %d want 7", record.Hops)
	}
	if record.Payload[0] != 3 {
		t.Fatalf("record holds payload of frame %d, want frame 3", record.Payload[0])
	}
}

func TestHopHistogramPerPathNode(t *testing.T) {
	a := newTestAggregator(t)

	a.IngestFrame(floodFrame(mesh.PayloadAck, []byte{0x72, 0xAF}, []byte{0x01}))
	a.IngestFrame(floodFrame(mesh.PayloadAck, []byte{0x72, 0xAF, 0x55}, []byte{0x01}))

	n := a.Snapshot().Nodes["72"]
	if n.HopsSeen() != 2 {
		t.Fatalf("hops seen: got %d want 2", n.HopsSeen())
	}
	if n.HopHistogram[2] != 1 || n.HopHistogram[3] != 1 {
		t.Fatalf("histogram: %v", n.HopHistogram)
	}
}

func TestNeighborRelationsFromPath(t *testing.T) {
	a := newTestAggregator(t)

	// Last hop is not a repeater: AF delivered straight to the observer.
	a.IngestFrame(floodFrame(mesh.PayloadAck, []byte{0x72, 0xAF}, []byte{0x01}))

	snap := a.Snapshot()
	edge := snap.Neighbors[RelationKey{From: "72", To: "AF"}]
	if edge.Deliveries != 1 {
		t.Fatalf("72->AF deliveries: got %d want 1", edge.Deliveries)
	}
	obs := snap.Neighbors[RelationKey{From: "AF", To: ObserverID}]
	if obs.Deliveries != 1 || obs.ToObserver != 1 {
		t.Fatalf("AF->OBS: %+v", obs)
	}
}

func TestNeighborRelationRepeaterDelivery(t *testing.T) {
	a := newTestAggregator(t)

	// Last hop 33 has the repeater prefix: AF delivered to the repeater.
	a.IngestFrame(floodFrame(mesh.PayloadAck, []byte{0x72, 0xAF, 0x33}, []byte{0x01}))

	snap := a.Snapshot()
	edge := snap.Neighbors[RelationKey{From: "AF", To: "33"}]
	if edge.Deliveries != 1 || edge.ToRepeater != 1 {
		t.Fatalf("AF->33: %+v", edge)
	}
	if _, ok := snap.Neighbors[RelationKey{From: "33", To: ObserverID}]; ok {
		t.Fatalf("unexpected observer edge for repeater delivery")
	}
}

func TestNeighborSNRCorrelation(t *testing.T) {
	a := newTestAggregator(t)

	a.IngestFrame(floodFrame(mesh.PayloadAck, []byte{0x72, 0xAF}, []byte{0x01}))
	a.IngestRx(events.RxReport{SNR: 7.5, RSSI: -88, Src: "72"})
	// Second RX report must not be credited: the correlation is one-shot.
	a.IngestRx(events.RxReport{SNR: 2, RSSI: -90, Src: "72"})

	edge := a.Snapshot().Neighbors[RelationKey{From: "AF", To: ObserverID}]
	if edge.SNRCount != 1 {
		t.Fatalf("snr count: got %d want 1", edge.SNRCount)
	}
	if avg, ok := edge.AvgSNR(); !ok || avg != 7.5 {
		t.Fatalf("avg snr: got %v (%v)", avg, ok)
	}
}

func TestNeighborPercentagesNeverExceedTotal(t *testing.T) {
	a := newTestAggregator(t)

	for i := 0; i < 5; i++ {
		a.IngestFrame(floodFrame(mesh.PayloadAck, []byte{0x72, 0xAF}, []byte{0x01}))
	}
	for i := 0; i < 3; i++ {
		a.IngestFrame(floodFrame(mesh.PayloadAck, []byte{0x55, 0xAF}, []byte{0x01}))
	}

	snap := a.Snapshot()
	totals := make(map[string]int)
	for key, rel := range snap.Neighbors {
		if rel.Deliveries < 0 {
			t.Fatalf("negative deliveries on %v", key)
		}
		totals[key.To] += rel.Deliveries
	}
	for key, rel := range snap.Neighbors {
		if rel.Deliveries > totals[key.To] {
			t.Fatalf("edge %v exceeds per-target total", key)
		}
	}
}

func TestTruncatedFrameAttributesError(t *testing.T) {
	a := newTestAggregator(t)

	// Declares 5 path hops, carries one: first hop byte is still readable.
	frame := []byte{byte(mesh.RouteFlood) | byte(mesh.PayloadAck)<<2, 5, 0x72}
	a.IngestFrame(events.RawFrame{Frame: frame})

	snap := a.Snapshot()
	if snap.Nodes["72"].Errors != 1 {
		t.Fatalf("node error: got %d want 1", snap.Nodes["72"].Errors)
	}
	if snap.Diagnostics.DecodeErrors != 1 {
		t.Fatalf("decode errors: got %d want 1", snap.Diagnostics.DecodeErrors)
	}
	if snap.Diagnostics.UnattributedErrors != 0 {
		t.Fatalf("unattributed: got %d want 0", snap.Diagnostics.UnattributedErrors)
	}
}

func TestTruncatedFrameWithoutSourceIsUnattributed(t *testing.T) {
	a := newTestAggregator(t)

	a.IngestFrame(events.RawFrame{Frame: []byte{0x01}})

	snap := a.Snapshot()
	if len(snap.Nodes) != 0 {
		t.Fatalf("unexpected nodes: %v", snap.Nodes)
	}
	if snap.Diagnostics.UnattributedErrors != 1 {
		t.Fatalf("unattributed: got %d want 1", snap.Diagnostics.UnattributedErrors)
	}
}

func TestUnknownPayloadTypeAggregatesStructurally(t *testing.T) {
	a := newTestAggregator(t)

	header := byte(mesh.RouteFlood) | 0x0C<<2
	a.IngestFrame(events.RawFrame{Frame: []byte{header, 2, 0x72, 0xAF, 0xCA, 0xFE}})

	snap := a.Snapshot()
	if snap.Diagnostics.DecodeErrors != 0 {
		t.Fatalf("decode errors: got %d want 0", snap.Diagnostics.DecodeErrors)
	}
	if snap.Nodes["72"].HopsSeen() != 1 {
		t.Fatalf("hops seen: got %d want 1", snap.Nodes["72"].HopsSeen())
	}
	record := snap.HopRecord
	if record == nil || record.PayloadName != "?12" {
		t.Fatalf("hop record: %+v", record)
	}
}

func TestGroupFrameFillsHopRecordAndOutgoing(t *testing.T) {
	a := newTestAggregator(t, "Public")

	text := "Found 1 unique path(s):\n33,AF"
	a.IngestFrame(groupFrame(t, "Public", text, []byte{0x72, 0xAF}))

	snap := a.Snapshot()
	if snap.Outgoing["AF"] != 1 {
		t.Fatalf("outgoing: %v", snap.Outgoing)
	}
	record := snap.HopRecord
	if record == nil {
		t.Fatalf("hop record missing")
	}
	if record.Channel != "Public" {
		t.Fatalf("record channel: got %q want Public", record.Channel)
	}
	if record.Text != text {
		t.Fatalf("record text: got %q", record.Text)
	}
}

func TestGroupFrameUnknownChannelIsNotAnError(t *testing.T) {
	a := newTestAggregator(t, "#robot")

	a.IngestFrame(groupFrame(t, "Public", "secret", []byte{0x72}))

	snap := a.Snapshot()
	if snap.Diagnostics.DecodeErrors != 0 {
		t.Fatalf("decode errors: got %d want 0", snap.Diagnostics.DecodeErrors)
	}
	if record := snap.HopRecord; record == nil || record.Channel != "" {
		t.Fatalf("hop record: %+v", record)
	}
	if len(snap.Outgoing) != 0 {
		t.Fatalf("outgoing: %v", snap.Outgoing)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	a := newTestAggregator(t)

	a.IngestFrame(floodFrame(mesh.PayloadAck, []byte{0x72, 0xAF}, []byte{0x01}))
	snap := a.Snapshot()
	snap.Nodes["72"] = Node{ID: "72", RX: 999}
	snap.Outgoing["ZZ"] = 5
	snap.HopRecord.Path[0] = "mutated"

	fresh := a.Snapshot()
	if fresh.Nodes["72"].RX == 999 {
		t.Fatalf("snapshot leaked node state")
	}
	if _, ok := fresh.Outgoing["ZZ"]; ok {
		t.Fatalf("snapshot leaked outgoing state")
	}
	if fresh.HopRecord.Path[0] != "72" {
		t.Fatalf("snapshot leaked hop record path")
	}
}

func TestSnapshotSeesWholeIngestsOnly(t *testing.T) {
	a := newTestAggregator(t)

	const reports = 500
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < reports; i++ {
			a.IngestRx(events.RxReport{SNR: 4, RSSI: -80, Src: "72"})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < reports; i++ {
			snap := a.Snapshot()
			n := snap.Nodes["72"]
			if n.RX != n.SNRCount || n.RX != n.RSSICount {
				t.Errorf("partial ingest visible: rx=%d snr=%d rssi=%d", n.RX, n.SNRCount, n.RSSICount)
				return
			}
		}
	}()

	wg.Wait()
}

func TestIngestDiagCountsRawSamples(t *testing.T) {
	a := newTestAggregator(t)

	a.IngestDiag(events.LineDiag{Ignored: true})
	a.IngestDiag(events.LineDiag{Malformed: true})
	a.IngestDiag(events.LineDiag{Malformed: true, Raw: true})

	d := a.Snapshot().Diagnostics
	if d.Lines != 3 || d.Ignored != 1 || d.Malformed != 2 {
		t.Fatalf("diagnostics: %+v", d)
	}
	if d.RawLines != 1 {
		t.Fatalf("raw line with bad hex not counted as raw: %+v", d)
	}
}

func TestStartConsumesBusEvents(t *testing.T) {
	a := newTestAggregator(t)
	b := bus.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := a.Start(ctx, b)

	// The subscription must be live once Start returns: events published
	// right away may not be lost.
	b.Publish(events.TopicRxReport, events.RxReport{SNR: 3, RSSI: -90, Src: "72"})
	b.Publish(events.TopicTxReport, events.TxReport{Src: "10AF"})
	b.Publish(events.TopicLineDiag, events.LineDiag{Ignored: true})

	deadline := time.After(5 * time.Second)
	for {
		snap := a.Snapshot()
		if snap.Nodes["72"].RX == 1 && snap.Nodes["10AF"].TX == 1 && snap.Diagnostics.Ignored == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("aggregator did not consume bus events: %+v", snap.Diagnostics)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("consume loop did not stop on context cancellation")
	}
}
