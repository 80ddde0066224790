// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"
)

// EnvStatsd names the HOST:PORT statsd endpoint counters are sent to.
const EnvStatsd = "FLUX_FRIPP_STATSD"

// maxPacket keeps datagrams under a typical path MTU.
const maxPacket = 1400

// StatsdLines renders counters as "name:value|c" lines with labels
// folded into the name, sorted for stable output.
func (r *Registry) StatsdLines(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := make([]string, 0, len(r.counters))
	for k, v := range r.counters {
		name := k.name
		if prefix != "" {
			name = prefix + "." + name
		}
		for _, lk := range sortedLabelKeys(r.labelSets[k.labels]) {
			name += "." + lk + "_" + r.labelSets[k.labels][lk]
		}
		lines = append(lines, fmt.Sprintf("%s:%d|c", name, v))
	}
	sort.Strings(lines)
	return lines
}

func sortedLabelKeys(l Labels) []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FlushStatsd sends the counters of r to addr over UDP, batching lines
// into datagrams.
func (r *Registry) FlushStatsd(addr, prefix string) error {
	lines := r.StatsdLines(prefix)
	if len(lines) == 0 {
		return nil
	}
	conn, err := net.DialTimeout("udp", addr, time.Second)
	if err != nil {
		return fmt.Errorf("statsd %s: %w", addr, err)
	}
	defer conn.Close()
	var pkt bytes.Buffer
	for _, line := range lines {
		if pkt.Len() > 0 && pkt.Len()+len(line)+1 > maxPacket {
			if _, err := conn.Write(pkt.Bytes()); err != nil {
				return fmt.Errorf("statsd %s: %w", addr, err)
			}
			pkt.Reset()
		}
		if pkt.Len() > 0 {
			pkt.WriteByte('\n')
		}
		pkt.WriteString(line)
	}
	if _, err := conn.Write(pkt.Bytes()); err != nil {
		return fmt.Errorf("statsd %s: %w", addr, err)
	}
	return nil
}

// FlushFromEnv flushes Default to the endpoint in FLUX_FRIPP_STATSD, if
// set.
func FlushFromEnv(prefix string) error {
	addr := strings.TrimSpace(os.Getenv(EnvStatsd))
	if addr == "" {
		return nil
	}
	return Default.FlushStatsd(addr, prefix)
}
