package detect

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dongwonkwak/ironpost/internal/collector"
	"github.com/dongwonkwak/ironpost/internal/parse"
	"github.com/dongwonkwak/ironpost/internal/xdp"
)

// DefaultAlertChannelCapacity bounds the synthesized-LogEntry channel
// this package owns the sender side of.
const DefaultAlertChannelCapacity = 4096

// Hooks lets the orchestrator wire telemetry counters without this
// package importing internal/telemetry directly.
type Hooks struct {
	OnPacketProcessed func()
	OnPacketDropped   func()
	OnDetectorAlert   func(detector string)
}

// Pipeline is the sole consumer of an internal/xdp PacketEvent stream:
// it renders every event into a RawLog for the shared log pipeline
// buffer (§4.2's "event receiver") and runs the SYN-flood and
// port-scan detectors (§4.8) over the same stream, emitting
// synthesized LogEntry values that short-circuit §4.4's parser stage.
type Pipeline struct {
	log      *zap.Logger
	buf      *collector.Buffer
	syn      *SynFloodDetector
	portScan *PortScanDetector
	hooks    Hooks

	alerts chan parse.LogEntry
}

// NewPipeline builds a detection pipeline against an already-constructed
// RawLog buffer (owned by internal/collector) and detector tunables
// taken from config.EBPF.
func NewPipeline(buf *collector.Buffer, synWindowSecs, synThreshold int, synRatioThreshold float64, portScanWindowSecs, portThreshold int, log *zap.Logger, hooks Hooks) *Pipeline {
	return &Pipeline{
		log:      log,
		buf:      buf,
		syn:      NewSynFloodDetector(synWindowSecs, synThreshold, synRatioThreshold),
		portScan: NewPortScanDetector(portScanWindowSecs, portThreshold),
		hooks:    hooks,
		alerts:   make(chan parse.LogEntry, DefaultAlertChannelCapacity),
	}
}

// Run consumes events until ctx is cancelled or the channel closes,
// returning the LogEntry channel this package owns the sender side of.
// Run closes that channel before returning.
func (p *Pipeline) Run(ctx context.Context, events <-chan xdp.PacketEvent) <-chan parse.LogEntry {
	go func() {
		defer close(p.alerts)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				p.process(e, time.Now())
			}
		}
	}()
	return p.alerts
}

func (p *Pipeline) process(e xdp.PacketEvent, now time.Time) {
	rl, err := collector.NewRawLog("ebpf", renderPacketEvent(e))
	if err != nil {
		// Rendered body always fits the 64KiB cap; this would only trip
		// on a future layout change that needs re-checking.
		p.log.Error("detect: rendered packet event exceeds RawLog cap", zap.Error(err))
	} else {
		p.buf.Push(rl)
	}
	if p.hooks.OnPacketProcessed != nil {
		p.hooks.OnPacketProcessed()
	}

	if e.Protocol == xdp.ProtocolTCP {
		if fired, rate, ratio := p.syn.Observe(e, now); fired {
			p.emit(synFloodEntry(e, rate, ratio, now))
		}
	}
	if e.Protocol == xdp.ProtocolTCP || e.Protocol == xdp.ProtocolUDP {
		if fired, portCount := p.portScan.Observe(e, now); fired {
			p.emit(portScanEntry(e, portCount, now))
		}
	}
}

func (p *Pipeline) emit(entry parse.LogEntry) {
	detector, _ := entry.Field("detector")
	if p.hooks.OnDetectorAlert != nil {
		p.hooks.OnDetectorAlert(detector)
	}
	select {
	case p.alerts <- entry:
	default:
		p.log.Warn("detect: alert channel full, dropping synthesized entry", zap.String("detector", detector))
	}
}

// renderPacketEvent formats a stable key-value RawLog body, per §4.2:
// "src_ip, dst_ip, src_port, dst_port, protocol, flags".
func renderPacketEvent(e xdp.PacketEvent) []byte {
	return []byte(fmt.Sprintf(
		"src_ip=%s dst_ip=%s src_port=%d dst_port=%d protocol=%s flags=%s",
		e.SrcIPString(), e.DstIPString(), e.SrcPort, e.DstPort, e.Protocol, flagsString(e.TCPFlags),
	))
}

func flagsString(flags uint8) string {
	if flags == 0 {
		return "-"
	}
	var s string
	add := func(bit uint8, name string) {
		if flags&bit != 0 {
			if s != "" {
				s += ","
			}
			s += name
		}
	}
	add(xdp.FlagFIN, "FIN")
	add(xdp.FlagSYN, "SYN")
	add(xdp.FlagRST, "RST")
	add(xdp.FlagPSH, "PSH")
	add(xdp.FlagACK, "ACK")
	add(xdp.FlagURG, "URG")
	return s
}

func synFloodEntry(e xdp.PacketEvent, rate int, ratio float64, now time.Time) parse.LogEntry {
	entry := parse.NewLogEntry()
	entry.Source = "ebpf"
	entry.Timestamp = now
	entry.Severity = parse.High
	entry.Message = fmt.Sprintf("SYN flood suspected against %s: rate=%d ratio=%.2f", e.DstIPString(), rate, ratio)
	entry.SetField("detector", "syn_flood")
	entry.SetField("dst_ip", e.DstIPString())
	entry.SetField("syn_rate", strconv.Itoa(rate))
	entry.SetField("syn_ratio", strconv.FormatFloat(ratio, 'f', 4, 64))
	return entry
}

func portScanEntry(e xdp.PacketEvent, portCount int, now time.Time) parse.LogEntry {
	entry := parse.NewLogEntry()
	entry.Source = "ebpf"
	entry.Timestamp = now
	entry.Severity = parse.Medium
	entry.Message = fmt.Sprintf("port scan suspected from %s: dst_port_count=%d", e.SrcIPString(), portCount)
	entry.SetField("detector", "port_scan")
	entry.SetField("src_ip", e.SrcIPString())
	entry.SetField("dst_port_count", strconv.Itoa(portCount))
	return entry
}
