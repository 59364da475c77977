package report

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/FreeKopcap/meshcore-analyzer/internal/config"
	"github.com/FreeKopcap/meshcore-analyzer/internal/mesh"
	"github.com/FreeKopcap/meshcore-analyzer/internal/stats"
)

const ruleWidth = 70

var (
	companionColor = color.New(color.FgGreen)
	repeaterColor  = color.New(color.FgCyan)
	broadcastColor = color.New(color.FgYellow, color.Bold)
)

// Emitter periodically renders aggregator snapshots as console tables.
// It only ever reads snapshots; all mutable state stays in the aggregator.
type Emitter struct {
	logger *slog.Logger
	agg    *stats.Aggregator
	cfg    config.ReportConfig
	out    io.Writer
	cycle  int
}

func NewEmitter(logger *slog.Logger, agg *stats.Aggregator, cfg config.ReportConfig, out io.Writer) *Emitter {
	return &Emitter{
		logger: logger,
		agg:    agg,
		cfg:    cfg,
		out:    out,
	}
}

// Run renders a report every interval until ctx is done, then renders one
// final report so a short run still produces output.
func (e *Emitter) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Emit()
			return
		case <-ticker.C:
			e.Emit()
		}
	}
}

// Emit renders one report cycle from a fresh snapshot.
func (e *Emitter) Emit() {
	e.cycle++
	snap := e.agg.Snapshot()

	fmt.Fprintf(e.out, "\n%s\n", rule())
	fmt.Fprintf(e.out, "CYCLE %d (lines read: %d)\n", e.cycle, snap.Diagnostics.Lines)
	fmt.Fprintln(e.out, rule())
	renderDiagnostics(e.out, snap.Diagnostics)

	if e.cfg.Nodes {
		renderNodes(e.out, snap)
		if e.cfg.Verbose {
			renderHopHistograms(e.out, snap)
		}
	}
	if e.cfg.Neighbors {
		renderNeighbors(e.out, snap)
		renderOutgoing(e.out, snap)
	}
	if e.cfg.Hops {
		renderHopRecord(e.out, snap.HopRecord)
	}

	e.logger.Debug("report emitted",
		"cycle", e.cycle,
		"nodes", len(snap.Nodes),
		"neighbors", len(snap.Neighbors))
}

func renderDiagnostics(w io.Writer, d stats.Diagnostics) {
	fmt.Fprintf(w, "parsed: rx=%d tx=%d raw=%d ignored=%d malformed=%d decode_errors=%d unattributed=%d\n",
		d.RxLines, d.TxLines, d.RawLines, d.Ignored, d.Malformed, d.DecodeErrors, d.UnattributedErrors)
}

func renderNodes(w io.Writer, snap stats.Snapshot) {
	nodes := make([]stats.Node, 0, len(snap.Nodes))
	totalRx := 0
	for _, n := range snap.Nodes {
		nodes = append(nodes, n)
		totalRx += n.RX
	}
	sortNodesBySNR(nodes)

	fmt.Fprintf(w, "\nNODES (total RX: %d):\n", totalRx)
	fmt.Fprintf(w, "%-8s %6s %6s %6s %8s %9s %9s\n", "Node", "RX", "TX", "Hops", "Errors", "avg SNR", "avg RSSI")
	fmt.Fprintln(w, dashes())

	for _, n := range nodes {
		line := fmt.Sprintf("%-8s %6d %6d %6d %8d %9s %9s",
			n.ID, n.RX, n.TX, n.HopsSeen(), n.Errors,
			formatAvg(n.AvgSNR()), formatAvg(n.AvgRSSI()))
		fmt.Fprintln(w, colorizeRole(n.Role, line))
	}
	fmt.Fprintln(w, dashes())
}

func renderHopHistograms(w io.Writer, snap stats.Snapshot) {
	ids := make([]string, 0, len(snap.Nodes))
	for id, n := range snap.Nodes {
		if len(n.HopHistogram) > 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	sort.Strings(ids)

	fmt.Fprintf(w, "\nHOP HISTOGRAMS:\n")
	for _, id := range ids {
		n := snap.Nodes[id]
		hops := make([]int, 0, len(n.HopHistogram))
		for h := range n.HopHistogram {
			hops = append(hops, h)
		}
		sort.Ints(hops)

		parts := make([]string, 0, len(hops))
		for _, h := range hops {
			parts = append(parts, fmt.Sprintf("%d:%d", h, n.HopHistogram[h]))
		}
		fmt.Fprintf(w, "  %-8s %s\n", id, strings.Join(parts, " "))
	}
}

func renderNeighbors(w io.Writer, snap stats.Snapshot) {
	fmt.Fprintf(w, "\nNEIGHBORS:\n")
	if len(snap.Neighbors) == 0 {
		fmt.Fprintln(w, "  no neighbor data yet")
		return
	}

	relations := make([]stats.NeighborRelation, 0, len(snap.Neighbors))
	for _, rel := range snap.Neighbors {
		relations = append(relations, rel)
	}
	sort.Slice(relations, func(i, j int) bool {
		if relations[i].Deliveries != relations[j].Deliveries {
			return relations[i].Deliveries > relations[j].Deliveries
		}
		if relations[i].From != relations[j].From {
			return relations[i].From < relations[j].From
		}
		return relations[i].To < relations[j].To
	})

	totals := TargetTotals(snap.Neighbors)

	fmt.Fprintf(w, "%-8s %-8s %8s %6s %6s %6s %9s\n", "From", "To", "Packets", "%", "->RPT", "->OBS", "avg SNR")
	fmt.Fprintln(w, dashes())
	for _, rel := range relations {
		pct := SharePercent(rel.Deliveries, totals[rel.To])
		fmt.Fprintf(w, "%-8s %-8s %8d %5.1f%% %6d %6d %9s\n",
			rel.From, rel.To, rel.Deliveries, pct, rel.ToRepeater, rel.ToObserver,
			formatAvg(rel.AvgSNR()))
	}
	fmt.Fprintln(w, dashes())
}

func renderOutgoing(w io.Writer, snap stats.Snapshot) {
	fmt.Fprintf(w, "\nOUTGOING NEIGHBORS:\n")
	if len(snap.Outgoing) == 0 {
		fmt.Fprintln(w, "  no outgoing data yet (needs decrypted path reports)")
		return
	}

	type outgoing struct {
		id    string
		count int
	}
	rows := make([]outgoing, 0, len(snap.Outgoing))
	grandTotal := 0
	for id, count := range snap.Outgoing {
		rows = append(rows, outgoing{id: id, count: count})
		grandTotal += count
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		return rows[i].id < rows[j].id
	})

	fmt.Fprintf(w, "%-8s %8s %6s\n", "Node", "Packets", "%")
	fmt.Fprintln(w, dashes())
	for _, row := range rows {
		fmt.Fprintf(w, "%-8s %8d %5.1f%%\n", row.id, row.count, SharePercent(row.count, grandTotal))
	}
	fmt.Fprintln(w, dashes())
	fmt.Fprintf(w, "total outgoing via neighbors: %d\n", grandTotal)
}

func renderHopRecord(w io.Writer, record *stats.HopRecord) {
	fmt.Fprintf(w, "\nHOP RECORD:\n")
	if record == nil {
		fmt.Fprintln(w, "  no data yet")
		return
	}

	pathStr := "-"
	if len(record.Path) > 0 {
		pathStr = strings.Join(record.Path, ",")
	}

	fmt.Fprintf(w, "  Time:  %s\n", record.DeviceTime)
	fmt.Fprintf(w, "  Type:  %s %s\n", record.RouteName, record.PayloadName)
	fmt.Fprintf(w, "  Hops:  %d\n", record.Hops)
	fmt.Fprintf(w, "  Path:  [%s]\n", pathStr)
	if info := recordPayloadInfo(record); info != "" {
		fmt.Fprintf(w, "  Info:  %s\n", info)
	}
}

// recordPayloadInfo summarizes the record's payload: decrypted channel text
// when available, the channel hash for still-encrypted group traffic, advert
// metadata, or the address pair of addressed payloads.
func recordPayloadInfo(record *stats.HopRecord) string {
	if record.Channel != "" {
		return fmt.Sprintf("channel %s | %s", record.Channel, record.Text)
	}
	if record.PayloadType.IsGroup() {
		if len(record.Payload) == 0 {
			return ""
		}
		return fmt.Sprintf("channel %02X (encrypted)", record.Payload[0])
	}
	if record.PayloadType == mesh.PayloadAdvert {
		if info, ok := mesh.DecodeAdvert(record.Payload); ok {
			if info.Name != "" {
				return fmt.Sprintf("type %s, name %s", info.NodeType, info.Name)
			}
			return "type " + info.NodeType
		}
		return ""
	}
	if src, dst, ok := mesh.AddressPair(record.PayloadType, record.Payload); ok {
		return fmt.Sprintf("[%s->%s]", src, dst)
	}

	return ""
}

// TargetTotals sums deliveries per delivery target, the denominator for
// neighbor share percentages.
func TargetTotals(neighbors map[stats.RelationKey]stats.NeighborRelation) map[string]int {
	totals := make(map[string]int, len(neighbors))
	for key, rel := range neighbors {
		totals[key.To] += rel.Deliveries
	}

	return totals
}

// SharePercent is count as a percentage of total, zero when there is no
// traffic yet.
func SharePercent(count, total int) float64 {
	if total <= 0 {
		return 0
	}

	return float64(count) / float64(total) * 100
}

func colorizeRole(role stats.Role, line string) string {
	switch role {
	case stats.RoleCompanion:
		return companionColor.Sprint(line)
	case stats.RoleRepeater:
		return repeaterColor.Sprint(line)
	case stats.RoleBroadcast:
		return broadcastColor.Sprint(line)
	}

	return line
}

func sortNodesBySNR(nodes []stats.Node) {
	sort.Slice(nodes, func(i, j int) bool {
		avgI, okI := nodes[i].AvgSNR()
		avgJ, okJ := nodes[j].AvgSNR()
		if okI != okJ {
			return okI
		}
		if avgI != avgJ {
			return avgI > avgJ
		}
		return nodes[i].ID < nodes[j].ID
	})
}

func formatAvg(avg float64, ok bool) string {
	if !ok {
		return "-"
	}

	return fmt.Sprintf("%.1fdB", avg)
}

func rule() string {
	return strings.Repeat("=", ruleWidth)
}

func dashes() string {
	return strings.Repeat("-", ruleWidth)
}
