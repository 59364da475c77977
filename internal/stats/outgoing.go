package stats

import (
	"regexp"
	"strings"
)

// Outgoing neighbors are learned from decrypted group texts: bots echo back
// the paths our packets took, and the hop after our repeater is the node
// that carried the packet onward.
var (
	foundPathsRe = regexp.MustCompile(`Found \d+ unique path\(s\):\s*`)
	hopListRe    = regexp.MustCompile(`^[\da-fA-F]{1,2}(,[\da-fA-F]{1,2})+$`)
	botRouteRe   = regexp.MustCompile(`^([0-9a-fA-F]{2}):\s`)
)

// ExtractOutgoingNeighbors scans a decrypted group message for outgoing
// route reports and returns the neighbor ids (uppercase hex) that relayed
// our repeater's packets.
//
// Pattern 1: "Found N unique path(s):" followed by comma-separated hop
// lines; when the first hop matches the repeater prefix, the second hop is
// the outgoing neighbor.
//
// Pattern 2: path-bot messages "XX: description" per line; continuation
// messages starting with "..." are skipped. Same prefix rule on the first
// two route prefixes.
func ExtractOutgoingNeighbors(text, repeaterPrefix, botSender string) []string {
	repeaterPrefix = strings.ToUpper(repeaterPrefix)
	if repeaterPrefix == "" {
		return nil
	}

	var neighbors []string

	parts := foundPathsRe.Split(text, -1)
	for _, part := range parts[1:] {
		for _, line := range strings.Split(part, "\n") {
			line = strings.TrimSpace(line)
			if !hopListRe.MatchString(line) {
				break
			}
			hops := strings.Split(line, ",")
			for i, hop := range hops {
				hops[i] = strings.ToUpper(strings.TrimSpace(hop))
			}
			if len(hops) >= 2 && strings.HasPrefix(hops[0], repeaterPrefix) {
				neighbors = append(neighbors, hops[1])
			}
		}
	}

	if botSender != "" {
		if msg, ok := strings.CutPrefix(text, botSender+": "); ok {
			lines := strings.Split(msg, "\n")
			if len(lines) > 0 && !strings.HasPrefix(strings.TrimSpace(lines[0]), "...") {
				var prefixes []string
				for _, line := range lines {
					if m := botRouteRe.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
						prefixes = append(prefixes, strings.ToUpper(m[1]))
					}
				}
				if len(prefixes) >= 2 && strings.HasPrefix(prefixes[0], repeaterPrefix) {
					neighbors = append(neighbors, prefixes[1])
				}
			}
		}
	}

	return neighbors
}
