// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

const streamsActive = "rpc.streams.active"

// StreamStarted increments the active stream gauge for topic and returns a
// function to decrement it.
func StreamStarted(topic string) func() {
	labels := Labels{"topic": topic}
	Default.GaugeAdd(streamsActive, labels, 1)
	return func() {
		Default.GaugeAdd(streamsActive, labels, -1)
	}
}

// RecordStreamCanceled counts a stream ended by a cancel request.
func RecordStreamCanceled(topic string) {
	Default.Add("rpc.streams.canceled", Labels{"topic": topic}, 1)
}
