package meter

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Topic suffixes, relative to the publisher's device prefix
const (
	TopicName         = "meta/name"
	TopicDB           = "controls/dB"
	TopicDBType       = "controls/dB/meta/type"
	TopicDBReadonly   = "controls/dB/meta/readonly"
	TopicPeak         = "controls/peak_dB"
	TopicPeakType     = "controls/peak_dB/meta/type"
	TopicPeakReadonly = "controls/peak_dB/meta/readonly"
)

// ControlType is the control type announced for level controls
const ControlType = "dB"

// Publisher hands values to a message bus. Delivery is asynchronous from the
// caller's point of view; a nil error only means the value was accepted.
type Publisher interface {
	Publish(topicSuffix, value string, retain bool) error
}

// Metadata returns the retained announcements sent before the first reading
func Metadata(deviceName string, withPeak bool) []Message {
	msgs := []Message{
		{Topic: TopicName, Value: deviceName, Retain: true},
		{Topic: TopicDBType, Value: ControlType, Retain: true},
		{Topic: TopicDBReadonly, Value: "1", Retain: true},
	}
	if withPeak {
		msgs = append(msgs,
			Message{Topic: TopicPeakType, Value: ControlType, Retain: true},
			Message{Topic: TopicPeakReadonly, Value: "1", Retain: true},
		)
	}
	return msgs
}

// Message is one publish call
type Message struct {
	Topic  string `json:"topic"`
	Value  string `json:"value"`
	Retain bool   `json:"retain"`
}

// ConsolePublisher prints control values as "label=value" lines, the format
// of the bounded diagnostic run. Metadata is only printed when Verbose is set.
type ConsolePublisher struct {
	mu      sync.Mutex
	w       io.Writer
	Verbose bool
}

// NewConsolePublisher creates a publisher writing to w
func NewConsolePublisher(w io.Writer) *ConsolePublisher {
	return &ConsolePublisher{w: w}
}

// Publish writes one line
func (c *ConsolePublisher) Publish(topicSuffix, value string, retain bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	label, ok := consoleLabel(topicSuffix)
	if !ok {
		if !c.Verbose {
			return nil
		}
		label = topicSuffix
	}

	_, err := fmt.Fprintf(c.w, "%s=%s\n", label, value)
	return err
}

func consoleLabel(topicSuffix string) (string, bool) {
	switch topicSuffix {
	case TopicDB:
		return "dB", true
	case TopicPeak:
		return "Peak", true
	}
	if name, ok := strings.CutPrefix(topicSuffix, "controls/"); ok && !strings.Contains(name, "/") {
		return name, true
	}
	return "", false
}
